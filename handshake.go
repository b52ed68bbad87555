package engine

import (
	"crypto/sha1"
	"encoding/binary"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/bitmap"

	pp "github.com/nightglass/peerengine/peer_protocol"
	"github.com/nightglass/peerengine/version"
)

// DefaultAllowedFastAlgorithm implements BEP 6's allowed-fast set
// computation: a deterministic function of peer address, infohash, and
// piece count, built from repeated SHA-1 rounds seeded by the peer's /24
// (IPv4) or /48 (IPv6) network prefix concatenated with the infohash. It is
// allocate-per-call and holds no shared state, per §9's guidance to prefer
// a stateless function over the source's process-wide mutex-guarded
// hasher.
func DefaultAllowedFastAlgorithm(addr []byte, infoHash [20]byte, pieceCount int) []int {
	if pieceCount <= 0 {
		return nil
	}
	const fastSetSize = 10

	seed := make([]byte, 0, len(addr)+len(infoHash))
	seed = append(seed, maskNetworkPrefix(addr)...)
	seed = append(seed, infoHash[:]...)

	x := sha1.Sum(seed)
	out := make([]int, 0, fastSetSize)
	seen := make(map[int]struct{}, fastSetSize)
	for len(out) < fastSetSize && len(seen) < pieceCount {
		for i := 0; i+4 <= len(x) && len(out) < fastSetSize; i += 4 {
			y := binary.BigEndian.Uint32(x[i : i+4])
			idx := int(y % uint32(pieceCount))
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			out = append(out, idx)
		}
		x = sha1.Sum(x[:])
	}
	return out
}

// maskNetworkPrefix masks an IPv4 address to its /24 or an IPv6 address to
// its /48, per BEP 6's recommendation to key the allowed-fast set off the
// peer's network rather than its exact address.
func maskNetworkPrefix(addr []byte) []byte {
	out := make([]byte, len(addr))
	copy(out, addr)
	switch len(addr) {
	case 4:
		out[3] = 0
	case 16:
		for i := 6; i < 16; i++ {
			out[i] = 0
		}
	}
	return out
}

// HandleHandshake implements the dispatch table's Handshake entry (§4.2):
// validates the tracked infohash, applies the peer-id mismatch policy, and
// records capability flags from the reserved bytes. The protocol tag is not
// checked here; peer_protocol.ReadHandshake rejects a wrong tag while
// parsing.
// It does not itself send the bootstrap bundle; callers invoke
// PeerConnected afterward once the mode confirms the connection is
// accepted.
func (m *Manager) HandleHandshake(p *PeerSession, hs pp.Handshake, trackedInfoHash [20]byte) error {
	if hs.InfoHash != trackedInfoHash {
		return newUnknownInfoHashError("handshake for untracked infohash %x", hs.InfoHash)
	}

	if p.PeerID.Ok && p.PeerID.Value != hs.PeerID {
		if m.Private {
			return newProtocolError("peer id mismatch on private torrent")
		}
		// Public torrent: accept and overwrite (§4.2).
	}
	p.PeerID = g.Option[[20]byte]{Ok: true, Value: hs.PeerID}

	p.SupportsFastPeer = hs.Reserved.Get(pp.ExtensionBitFast)
	p.SupportsExtended = hs.Reserved.Get(pp.ExtensionBitExtended)
	return nil
}

// PeerConnected implements §4.3's handshake-and-bootstrap step: enqueues,
// in this order, the bitfield-class message, optional extended handshake,
// and one AllowedFast per granted index. Each message is a separate
// Enqueue call; the bundle is not enqueued as a single unit. Must be called
// with m.lock held.
func (m *Manager) PeerConnected(p *PeerSession, addr []byte) bool {
	if !m.mode.CanAcceptConnections {
		return false
	}

	m.AddPeer(p)

	if p.SupportsFastPeer {
		if m.Owned.GetCardinality() == 0 {
			p.SendQueue.Enqueue(pp.Message{Type: pp.HaveNone}, nil)
		} else if int(m.Owned.GetCardinality()) == m.PieceCount {
			p.SendQueue.Enqueue(pp.Message{Type: pp.HaveAll}, nil)
		} else {
			p.SendQueue.Enqueue(pp.Message{Type: pp.Bitfield, Bitfield: ownedBoolSlice(m)}, nil)
		}
	} else {
		p.SendQueue.Enqueue(pp.Message{Type: pp.Bitfield, Bitfield: ownedBoolSlice(m)}, nil)
	}

	if p.SupportsExtended {
		hs := pp.ExtendedHandshakeMsg{
			M: map[pp.ExtensionName]pp.ExtendedMessageID{
				pp.ExtensionNameMetadata: 1,
				pp.ExtensionNamePex:      2,
			},
			V:    version.ExtendedHandshakeClientVersion,
			Port: m.Settings.ListenPort,
		}
		if m.HaveMetadata {
			hs.MetadataSize = m.MetadataSize
		}
		p.SendQueue.Enqueue(pp.Message{
			Type:            pp.Extended,
			ExtendedID:      pp.ExtendedHandshakeID,
			ExtendedPayload: hs.Marshal(),
		}, nil)
	}

	if m.AllowedFast != nil {
		granted := m.AllowedFast(addr, m.InfoHash, m.PieceCount)
		for _, idx := range granted {
			p.AllowedFastGranted.Add(bitmap.BitIndex(idx))
			p.SendQueue.Enqueue(pp.Message{Type: pp.AllowedFast, Index: pp.Integer(idx)}, nil)
		}
	}

	return true
}

func ownedBoolSlice(m *Manager) []bool {
	out := make([]bool, m.PieceCount)
	it := m.Owned.Iterator()
	for it.HasNext() {
		out[it.Next()] = true
	}
	return out
}
