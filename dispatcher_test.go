package engine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// TestHandshakeBitfieldFirstBlock covers §8 scenario 1: bitfield arrives,
// we become interested and send Interested; on Unchoke the picker is asked
// for requests.
func TestHandshakeBitfieldFirstBlock(t *testing.T) {
	m := newTestManager(4)
	picker := newFakePieceManager()
	m.Pieces = picker
	p := newTestPeer(m)

	err := m.HandleMessage(p, pp.Message{Type: pp.Bitfield, Bitfield: []bool{true, true, true, true}}, nil)
	require.NoError(t, err)
	assert.True(t, p.AmInterested)

	drained := p.SendQueue.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, pp.Interested, drained[0].msg.Type)

	err = m.HandleMessage(p, pp.Message{Type: pp.Unchoke}, nil)
	require.NoError(t, err)
	assert.False(t, p.IsChoking)
	assert.Equal(t, 1, picker.AddRequestsCalls)
}

// TestChokeCancelsPending covers §8 scenario 2.
func TestChokeCancelsPending(t *testing.T) {
	m := newTestManager(4)
	picker := newFakePieceManager()
	m.Pieces = picker
	p := newTestPeer(m)
	p.SupportsFastPeer = false
	p.OutstandingRequestsOut = 3

	err := m.HandleMessage(p, pp.Message{Type: pp.Choke}, nil)
	require.NoError(t, err)
	assert.True(t, p.IsChoking)
	assert.Equal(t, 0, p.OutstandingRequestsOut)
	assert.Equal(t, 1, picker.CancelCalls)
}

// TestRequestWhileChokedWithoutFastPeerIsRejected exercises §8's invariant:
// "While is_choking[peer] == true and peer lacks fast-peer, no Piece reply
// is ever enqueued in response to a Request from them."
func TestRequestWhileChokedWithoutFastPeerIsRejected(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)
	p.SupportsFastPeer = false
	p.AmChoking = true

	err := m.HandleMessage(p, pp.Message{Type: pp.Request, Index: 0, Begin: 0, Length: 16384}, nil)
	require.NoError(t, err)

	drained := p.SendQueue.Drain()
	for _, qm := range drained {
		assert.NotEqual(t, pp.Piece, qm.msg.Type)
	}
}

// TestRequestBoundsViolation covers §8's boundary behavior for a
// below-minimum-length request on a non-final piece.
func TestRequestBoundsViolation(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)
	p.AmChoking = false

	err := m.HandleMessage(p, pp.Message{Type: pp.Request, Index: 0, Begin: 0, Length: 1}, nil)
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ProtocolViolation, ee.Kind)
}

// TestRequestBoundsAcceptedOnFinalPiece covers the same boundary's
// exception for the final piece.
func TestRequestBoundsAcceptedOnFinalPiece(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)
	p.AmChoking = false

	err := m.HandleMessage(p, pp.Message{Type: pp.Request, Index: 3, Begin: 0, Length: 1}, nil)
	require.NoError(t, err)
}

// TestBufferReleaseAlwaysRuns covers §8's "exactly one buffer release runs"
// invariant for a non-Piece message.
func TestBufferReleaseAlwaysRuns(t *testing.T) {
	m := newTestManager(4)
	p := newTestPeer(m)

	released := 0
	release := func() { released++ }

	err := m.HandleMessage(p, pp.Message{Type: pp.Interested}, release)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
}

// TestNoOpWhenModeForbidsHandling covers §4.2's silent no-op rule:
// when the mode forbids message handling, the call is a no-op but the
// buffer release still runs.
func TestNoOpWhenModeForbidsHandling(t *testing.T) {
	m := newTestManager(4)
	m.mode = newStoppedMode(m)
	p := newTestPeer(m)

	released := false
	err := m.HandleMessage(p, pp.Message{Type: pp.Interested}, func() { released = true })
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, p.IsInterested)
}

func TestPrivateTorrentPeerExchangeSuppression(t *testing.T) {
	m := newTestManager(4)
	m.Private = true
	p := newTestPeer(m)

	var got PeersFoundEvent
	err := m.handlePeerExchange(p, pp.PexMsg{Added: "\x01\x02\x03\x04\x1f\x90"}.Marshal(), func(e PeersFoundEvent) { got = e }, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Added)
	assert.Equal(t, 0, got.Total)
	assert.Equal(t, p, got.Source)
}

// TestHandleExtendedPexFiresPeersFound covers §4.2/§8 scenario 6 through
// the real dispatch path: a production PeerExchange message arriving via
// HandleMessage must reach Manager.PeersFound and use the connection
// layer's real dial-slot count, not a hardcoded handler/count.
func TestHandleExtendedPexFiresPeersFound(t *testing.T) {
	m := newTestManager(4)
	conns := &fakeConnectionManager{DialSlots: 7}
	m.Conns = conns
	m.Settings.MaximumConnections = 100
	m.PeerDiscovered = func(addr net.Addr, seed bool) {}
	p := newTestPeer(m)
	p.SupportsExtended = true
	p.setExtensionIDs(map[pp.ExtensionName]pp.ExtendedMessageID{pp.ExtensionNamePex: 1})

	var got PeersFoundEvent
	fired := false
	m.PeersFound = func(e PeersFoundEvent) { fired = true; got = e }

	payload := pp.PexMsg{Added: "\x01\x02\x03\x04\x1f\x90"}.Marshal()
	m.Lock()
	err := m.HandleMessage(p, pp.Message{Type: pp.Extended, ExtendedID: 1, ExtendedPayload: payload}, nil)
	m.Unlock()

	require.NoError(t, err)
	require.True(t, fired)
	assert.Equal(t, 1, got.Added)
	assert.Equal(t, 1, conns.TryProcessQueueCalls)
	assert.Equal(t, p, got.Source)
}

func TestPeerExchangeDroppedAtConnectionCap(t *testing.T) {
	m := newTestManager(4)
	m.Settings.MaximumConnections = 1
	p := newTestPeer(m)

	var got PeersFoundEvent
	err := m.handlePeerExchange(p, pp.PexMsg{Added: "\x01\x02\x03\x04\x1f\x90"}.Marshal(), func(e PeersFoundEvent) { got = e }, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Added)
}
