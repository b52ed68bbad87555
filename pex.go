package engine

import (
	"net"
	"time"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// PeersFoundEvent is emitted whenever a PeerExchange message is processed,
// including the suppressed case (§4.2, §8 scenario 6): "a PeersFound event
// with 0 added/0 total and the source peer".
type PeersFoundEvent struct {
	Source *PeerSession
	Added  int
	Total  int
}

// PeersFoundHandler receives PeersFoundEvent notifications; wired by
// whatever owns the torrent's peer pool.
type PeersFoundHandler func(PeersFoundEvent)

// pexAgent is the optional per-peer peer-exchange sub-agent attached during
// ExtendedHandshake handling when the peer supports ut_pex and the torrent
// allows it (§4.2, §4.3). It keeps a one-minute timer read by the tick
// loop's pre-logic (§4.5); its tick only restarts that timer and sends no
// PEX messages.
type pexAgent struct {
	lastTick time.Time
}

const pexTickInterval = 60 * time.Second

func (a *pexAgent) due() bool {
	return time.Since(a.lastTick) >= pexTickInterval
}

func (a *pexAgent) tick(m *Manager, p *PeerSession) {
	a.lastTick = time.Now()
	// Outbound PEX payload construction (which peers to advertise, added
	// vs dropped since the last tick) is a peer-pool concern outside this
	// engine's scope; the hook exists so a concrete deployment can drive it
	// from the same tick cadence as everything else in §4.5 pre-logic.
}

// handlePeerExchange implements the PeerExchange dispatch-table entry
// (§4.2) and its connection-cap / private-torrent suppression rules
// (§8 boundary behaviors, scenario 6).
func (m *Manager) handlePeerExchange(p *PeerSession, payload []byte, found PeersFoundHandler, availableDialSlots int) error {
	if m.Private || !m.Settings.AllowPeerExchange {
		if found != nil {
			found(PeersFoundEvent{Source: p, Added: 0, Total: 0})
		}
		return nil
	}

	if m.ConnectedPlusAvailable(availableDialSlots) >= m.Settings.MaximumConnections {
		if found != nil {
			found(PeersFoundEvent{Source: p, Added: 0, Total: 0})
		}
		return nil
	}

	msg, err := pp.UnmarshalPexMsg(payload)
	if err != nil {
		return newProtocolError("malformed ut_pex payload: %v", err)
	}

	peers := pp.DecodeCompactAddedPeers(msg.Added, msg.AddedFlags)
	added := 0
	for _, peer := range peers {
		addr := &net.TCPAddr{IP: net.IP(peer.IP[:]), Port: int(peer.Port)}
		if m.submitDiscoveredPeer(addr, peer.Seed) {
			added++
		}
	}
	if found != nil {
		found(PeersFoundEvent{Source: p, Added: added, Total: len(peers)})
	}
	return nil
}

// submitDiscoveredPeer hands a PEX-discovered address to the connection
// layer's dial pool. Dialing itself belongs to ConnectionManager; this
// engine only decides whether a candidate is worth submitting.
func (m *Manager) submitDiscoveredPeer(addr net.Addr, seed bool) bool {
	if m.PeerDiscovered == nil {
		return false
	}
	m.PeerDiscovered(addr, seed)
	return true
}
