package engine

import (
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeLifecycleTransitions(t *testing.T) {
	m := NewManager([20]byte{1}, 4, 16384, DefaultSettings(), log.Default)
	assert.Equal(t, StateStopped, m.State())

	m.StartHashing()
	assert.Equal(t, StateHashing, m.State())

	m.FinishHashing()
	assert.Equal(t, StateStarting, m.State())

	m.BeginDownloading()
	assert.Equal(t, StateDownloading, m.State())

	m.BeginSeeding()
	assert.Equal(t, StateSeeding, m.State())

	m.Stop()
	assert.Equal(t, StateStopped, m.State())
}

// TestModeReplacementCancelsPrevious covers §4.7: replacing a Mode fires
// the outgoing Mode's cancellation handle, which a suspended
// piece-completion call checks on resumption before mutating shared state.
func TestModeReplacementCancelsPrevious(t *testing.T) {
	m := newTestManager(4)
	outgoing := m.mode
	require.False(t, outgoing.cancel.IsSet())

	m.SetMode(newSeedingMode(m))

	assert.True(t, outgoing.cancel.IsSet())
	assert.False(t, m.mode.cancel.IsSet())
}

func TestEnterErrorStateSetsErrorMode(t *testing.T) {
	m := newTestManager(4)
	m.EnterErrorState(newDiskError(WriteFailure, assertErr{}, "test"))
	assert.Equal(t, StateError, m.State())
	assert.False(t, m.mode.CanHandleMessages)
	assert.False(t, m.mode.CanAcceptConnections)
}

func TestDownloadingModeLogicRunsUnchokeReview(t *testing.T) {
	m := newTestManager(4)
	reviewed := 0
	m.Unchoke = unchokerFunc(func() { reviewed++ })

	downloadingModeLogic(m)

	assert.Equal(t, 1, reviewed)
}

func TestSeedingModeLogicSkipsSweepButReviewsUnchoke(t *testing.T) {
	m := newTestManager(4)
	reviewed := 0
	m.Unchoke = unchokerFunc(func() { reviewed++ })

	seedingModeLogic(m)

	assert.Equal(t, 1, reviewed)
	assert.True(t, m.lastInactiveSweep.IsZero())
}

func TestShouldRunInactiveSweepRateLimited(t *testing.T) {
	m := newTestManager(4)
	assert.True(t, m.shouldRunInactiveSweep())
	assert.False(t, m.shouldRunInactiveSweep())
}

type unchokerFunc func()

func (f unchokerFunc) UnchokeReview() { f() }
