package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

func TestHandleHandshakeRejectsUntrackedInfoHash(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)

	err := m.HandleHandshake(p, pp.Handshake{InfoHash: [20]byte{9}, PeerID: [20]byte{1}}, m.InfoHash)
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, UnknownInfoHash, ee.Kind)
}

func TestHandleHandshakeRejectsPeerIDMismatchOnPrivateTorrent(t *testing.T) {
	m := newTestManager(4)
	m.Private = true
	p := newTestPeer(m)
	p.PeerID.Ok = true
	p.PeerID.Value = [20]byte{1}

	err := m.HandleHandshake(p, pp.Handshake{InfoHash: m.InfoHash, PeerID: [20]byte{2}}, m.InfoHash)
	require.Error(t, err)
}

func TestHandleHandshakeAcceptsPeerIDMismatchOnPublicTorrent(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)
	p.PeerID.Ok = true
	p.PeerID.Value = [20]byte{1}

	err := m.HandleHandshake(p, pp.Handshake{InfoHash: m.InfoHash, PeerID: [20]byte{2}}, m.InfoHash)
	require.NoError(t, err)
	assert.Equal(t, [20]byte{2}, p.PeerID.Value)
}

func TestHandleHandshakeRecordsCapabilityFlags(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)
	hs := pp.Handshake{InfoHash: m.InfoHash, PeerID: [20]byte{1}}
	hs.Reserved.Set(pp.ExtensionBitFast, true)
	hs.Reserved.Set(pp.ExtensionBitExtended, true)

	err := m.HandleHandshake(p, hs, m.InfoHash)
	require.NoError(t, err)
	assert.True(t, p.SupportsFastPeer)
	assert.True(t, p.SupportsExtended)
}

func TestDefaultAllowedFastAlgorithmDeterministic(t *testing.T) {
	addr := []byte{192, 168, 1, 42}
	infoHash := [20]byte{1, 2, 3}

	a := DefaultAllowedFastAlgorithm(addr, infoHash, 100)
	b := DefaultAllowedFastAlgorithm(addr, infoHash, 100)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
	for _, idx := range a {
		assert.True(t, idx >= 0 && idx < 100)
	}
}

func TestDefaultAllowedFastAlgorithmZeroPieceCount(t *testing.T) {
	assert.Nil(t, DefaultAllowedFastAlgorithm([]byte{1, 2, 3, 4}, [20]byte{}, 0))
}

func TestPeerConnectedSendsBootstrapBundle(t *testing.T) {
	m := newTestManager(4)
	m.Owned.Add(0)
	p := newTestPeer(m)
	p.SupportsExtended = true

	ok := m.PeerConnected(p, []byte{1, 2, 3, 4})
	require.True(t, ok)

	drained := p.SendQueue.Drain()
	require.NotEmpty(t, drained)
	assert.Equal(t, pp.Bitfield, drained[0].msg.Type)
}

func TestPeerConnectedRefusedWhenModeForbids(t *testing.T) {
	m := newTestManager(4)
	m.mode = newStoppedMode(m)
	p := newTestPeer(m)

	ok := m.PeerConnected(p, []byte{1, 2, 3, 4})
	assert.False(t, ok)
}
