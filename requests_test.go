package engine

import (
	"testing"

	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/stretchr/testify/assert"
)

func TestDeleteRequestFlooredAtZero(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)

	deleteRequest(p)
	assert.Equal(t, 0, p.OutstandingRequestsOut)

	p.OutstandingRequestsOut = 1
	deleteRequest(p)
	deleteRequest(p)
	assert.Equal(t, 0, p.OutstandingRequestsOut)
	_ = m
}

func TestShouldRequestRespectsChokeAndCeiling(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)
	p.MaxPendingRequests = 1
	p.IsChoking = false

	assert.True(t, shouldRequest(p, 0))

	p.OutstandingRequestsOut = 1
	assert.False(t, shouldRequest(p, 0))

	p.OutstandingRequestsOut = 0
	p.IsChoking = true
	assert.False(t, shouldRequest(p, 0))
}

func TestShouldRequestAllowedFastBypassesChoke(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)
	p.IsChoking = true
	p.SupportsFastPeer = true
	p.AllowedFastReceived.Add(bitmap.BitIndex(3))

	assert.True(t, shouldRequest(p, 3))
	assert.False(t, shouldRequest(p, 2))
	_ = m
}

// TestIssueRequestsSkipsBlocksTheCeilingForbids covers the Unchoke
// re-request path (§4.2): the picker's NextRequests are issued via
// mustRequest only when shouldRequest still allows them.
func TestIssueRequestsSkipsBlocksTheCeilingForbids(t *testing.T) {
	m := newTestManager(4)
	picker := newFakePieceManager()
	m.Pieces = picker
	p := newTestPeer(m)
	p.MaxPendingRequests = 1
	p.IsChoking = false // as after the Unchoke that triggers issueRequests
	picker.NextRequestsToGive = []BlockInfo{
		{PieceIndex: 0, Offset: 0, Length: 16384},
		{PieceIndex: 1, Offset: 0, Length: 16384},
	}

	m.issueRequests(p)

	assert.Equal(t, 1, p.OutstandingRequestsOut)
	assert.Equal(t, 1, p.SendQueue.Len())
}

// TestRetractStaleRequestsCancelsEach covers the outbound Cancel path
// (§4.2): blocks the picker marks stale are retracted via cancel, which
// decrements the outstanding count and enqueues a Cancel message.
func TestRetractStaleRequestsCancelsEach(t *testing.T) {
	m := newTestManager(4)
	picker := newFakePieceManager()
	m.Pieces = picker
	p := newTestPeer(m)
	p.OutstandingRequestsOut = 2
	picker.StaleRequestsToGive = []BlockInfo{{PieceIndex: 0, Offset: 0, Length: 16384}}

	m.retractStaleRequests(p)

	assert.Equal(t, 1, p.OutstandingRequestsOut)
	assert.Equal(t, 1, p.SendQueue.Len())
}

// TestNominalMaxRequestsUsesSettingsBaseWhenHigher covers the baseline a
// freshly constructed PeerSession starts with (§4.5).
func TestNominalMaxRequestsUsesSettingsBaseWhenHigher(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxRequestsBase = 2
	assert.Equal(t, 2, nominalMaxRequests(settings))

	settings.MaxRequestsBase = 10
	assert.Equal(t, 10, nominalMaxRequests(settings))
}

func TestRemoteRejectedRequestDecrementsAndForwards(t *testing.T) {
	m := newTestManager(4)
	picker := newFakePieceManager()
	m.Pieces = picker
	p := newTestPeer(m)
	p.OutstandingRequestsOut = 2

	remoteRejectedRequest(m, p, BlockInfo{PieceIndex: 0, Offset: 0, Length: 16384})

	assert.Equal(t, 1, p.OutstandingRequestsOut)
	assert.Equal(t, 1, picker.RejectedCalls)
}
