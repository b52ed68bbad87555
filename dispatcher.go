package engine

import (
	"time"

	"github.com/anacrolix/missinggo/v2/bitmap"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// HandleMessage implements §4.2's message dispatcher contract: consumes
// exactly one inbound peer message. Must be called with m.lock held (the
// caller, the connection layer's read loop, acquires it per message so
// dispatch never interleaves with tick/piece-completion bookkeeping, §5).
//
// release must run on every path except Piece, whose buffer ownership
// transfers into the async write path (§4.4).
func (m *Manager) HandleMessage(p *PeerSession, msg pp.Message, release func()) error {
	if !m.mode.CanHandleMessages {
		if release != nil {
			release()
		}
		return nil
	}

	if isFastPeerMessage(msg.Type) && !p.SupportsFastPeer {
		if release != nil {
			release()
		}
		return newProtocolError("peer does not support fast-peer")
	}
	if isExtensionMessage(msg) && !p.SupportsExtended {
		if release != nil {
			release()
		}
		return newProtocolError("peer does not support extension messages")
	}

	p.MarkMessageReceived(time.Now())
	if msg.Keepalive {
		m.Metrics.observeDispatch("Keepalive")
	} else {
		m.Metrics.observeDispatch(msg.Type.String())
	}

	var err error
	switch {
	case msg.Keepalive:
		// last_message_received already restarted above; nothing else to do.
	case msg.Type == pp.Bitfield:
		m.handleBitfield(p, msg)
	case msg.Type == pp.Have:
		m.handleHave(p, msg)
	case msg.Type == pp.HaveAll:
		p.SetAllPieces(m.PieceCount)
		m.RecomputeInterestIn(p)
	case msg.Type == pp.HaveNone:
		p.ClearAllPieces()
		m.RecomputeInterestIn(p)
	case msg.Type == pp.Choke:
		p.IsChoking = true
		if !p.SupportsFastPeer {
			deleteAllRequests(m, p)
		}
	case msg.Type == pp.Unchoke:
		p.IsChoking = false
		if m.Pieces != nil {
			m.Pieces.AddPieceRequests(p)
			m.issueRequests(p)
		}
	case msg.Type == pp.Interested:
		p.IsInterested = true
	case msg.Type == pp.NotInterested:
		p.IsInterested = false
	case msg.Type == pp.Request:
		err = m.handleRequest(p, msg)
	case msg.Type == pp.Cancel:
		m.handleCancel(p, msg)
	case msg.Type == pp.Piece:
		// Async: ownership of release transfers to the piece-completion
		// pipeline, which runs the release itself (§4.4 step 1-2).
		m.handlePieceAsync(p, msg, release)
		return nil
	case msg.Type == pp.RejectRequest:
		remoteRejectedRequest(m, p, BlockInfo{PieceIndex: int(msg.Index), Offset: int(msg.Begin), Length: int(msg.Length)})
	case msg.Type == pp.SuggestPiece:
		p.Suggested.Add(bitmap.BitIndex(msg.Index))
	case msg.Type == pp.AllowedFast:
		if !m.OwnsPiece(int(msg.Index)) {
			p.AllowedFastReceived.Add(bitmap.BitIndex(msg.Index))
		}
	case msg.Type == pp.Port:
		p.DHTPort = int(msg.Port)
	case msg.Type == pp.Extended:
		err = m.handleExtended(p, msg)
	case msg.Type == pp.HashRequest:
		m.mode.handleHashRequest(m, p, int(msg.Index))
	case msg.Type == pp.HashReject:
		m.mode.handleHashReject(m, p, int(msg.Index))
	case msg.Type == pp.Hashes:
		m.mode.handleHashes(m, p, int(msg.Index), nil)
	default:
		err = newUnsupportedMessageError("unknown message type %v", msg.Type)
	}

	if release != nil {
		release()
	}

	m.nudgeSendQueue(p)

	return err
}

// nudgeSendQueue asks the connection layer to drain p's send queue.
// Dispatch handlers above can each enqueue a reply to the same peer within
// one HandleMessage call (e.g. a Piece plus a follow-up Have); coalescing
// through DeferUniqueUnaryFunc means TryProcessQueue still runs exactly
// once per peer when the lock is released, instead of once per enqueue.
func (m *Manager) nudgeSendQueue(p *PeerSession) {
	if m.Conns == nil {
		return
	}
	m.lock.DeferUniqueUnaryFunc(p, func() {
		m.Conns.TryProcessQueue(m.InfoHash, p)
	})
}

func (m *Manager) handleBitfield(p *PeerSession, msg pp.Message) {
	p.Bitfield.Clear()
	for i, has := range msg.Bitfield {
		if has {
			p.Bitfield.Add(uint32(i))
		}
	}
	p.RecomputeSeeder(m.PieceCount)
	m.RecomputeInterestIn(p)
}

func (m *Manager) handleHave(p *PeerSession, msg pp.Message) {
	p.SetHavePiece(int(msg.Index))
	p.RecomputeSeeder(m.PieceCount)
	if !m.OwnsPiece(int(msg.Index)) {
		p.SetAmInterested(true)
	}
}

func (m *Manager) handleRequest(p *PeerSession, msg pp.Message) error {
	isLastPiece := int(msg.Index) == m.PieceCount-1
	if err := validateRequestBounds(int(msg.Length), isLastPiece); err != nil {
		return err
	}

	block := BlockInfo{PieceIndex: int(msg.Index), Offset: int(msg.Begin), Length: int(msg.Length)}

	if !p.AmChoking {
		m.enqueuePieceResponse(p, block)
		return nil
	}
	if p.SupportsFastPeer && p.AllowedFastGranted.Contains(bitmap.BitIndex(msg.Index)) {
		m.enqueuePieceResponse(p, block)
		return nil
	}
	if p.SupportsFastPeer {
		p.SendQueue.Enqueue(pp.Message{Type: pp.RejectRequest, Index: msg.Index, Begin: msg.Begin, Length: msg.Length}, nil)
	}
	return nil
}

// enqueuePieceResponse enqueues a placeholder Piece message for block,
// carrying its index, offset and length but no data; the block is not read
// here. Disk reads for upload (as opposed to the
// write path in §4.4) are a DiskManager concern not covered by this
// engine's contract (§6 only names Write/GetHash); a concrete
// ConnectionManager/DiskManager pairing performs the read itself when it
// drains this placeholder request marker from the send queue.
func (m *Manager) enqueuePieceResponse(p *PeerSession, block BlockInfo) {
	p.OutstandingRequestsIn++
	p.SendQueue.Enqueue(pp.Message{
		Type:   pp.Piece,
		Index:  pp.Integer(block.PieceIndex),
		Begin:  pp.Integer(block.Offset),
		Length: pp.Integer(block.Length),
	}, nil)
}

func (m *Manager) handleCancel(p *PeerSession, msg pp.Message) {
	if p.SendQueue.RemoveMatchingPiece(msg.Index, msg.Begin, msg.Length) {
		if p.OutstandingRequestsIn > 0 {
			p.OutstandingRequestsIn--
		}
	}
}

func (m *Manager) handleExtended(p *PeerSession, msg pp.Message) error {
	if msg.ExtendedID == pp.ExtendedHandshakeID {
		hs, err := pp.UnmarshalExtendedHandshake(msg.ExtendedPayload)
		if err != nil {
			return newProtocolError("malformed extended handshake: %v", err)
		}
		p.setExtensionIDs(hs.M)
		p.DHTPort = hs.Port

		maxReq := hs.ReqQ
		if maxReq <= 0 {
			maxReq = 0
		}
		// Known-legacy-client underreporting workaround (§4.2): some
		// clients advertise an unreasonably low reqq; floor it.
		const legacyReqQFloor = 192
		if hs.V == legacyClientVersionString && maxReq < legacyReqQFloor {
			maxReq = legacyReqQFloor
		}
		if maxReq > 0 {
			p.PeerAdvertisedMaxReq = maxReq
		}

		if _, ok := hs.M[pp.ExtensionNamePex]; ok && m.Settings.AllowPeerExchange && !m.Private && m.HaveMetadata {
			p.PEX = &pexAgent{}
		}
		return nil
	}

	id, name := msg.ExtendedID, extensionNameFor(p, msg.ExtendedID)
	switch name {
	case pp.ExtensionNameMetadata:
		return m.handleMetadataMessage(p, msg)
	case pp.ExtensionNamePex:
		available := 0
		if m.Conns != nil {
			available = m.Conns.AvailableDialSlots()
		}
		return m.handlePeerExchange(p, msg.ExtendedPayload, m.PeersFound, available)
	case pp.ExtensionNameChat:
		// Ignored, per §4.2's LtChat entry.
	default:
		_ = id
	}
	return nil
}

// legacyClientVersionString names the one known client whose extended
// handshake underreports its request queue depth (§4.2). The teacher's own
// dispatcher carries equivalent vendor-specific workarounds inline; this is
// the peer-engine analogue kept to a single named constant rather than a
// growing table, since only one workaround is in scope here.
const legacyClientVersionString = "Some Random Legacy Client"

func (m *Manager) handleMetadataMessage(p *PeerSession, msg pp.Message) error {
	req, err := pp.UnmarshalMetadataMsg(msg.ExtendedPayload)
	if err != nil {
		return newProtocolError("malformed ut_metadata payload: %v", err)
	}
	switch req.MsgType {
	case pp.MetadataRequest:
		id, ok := p.ExtensionID(pp.ExtensionNameMetadata)
		if !ok {
			return nil
		}
		if m.HaveMetadata && m.MetadataBytes != nil {
			resp := pp.MetadataMsg{MsgType: pp.MetadataData, Piece: req.Piece, TotalSize: m.MetadataSize, Data: m.MetadataBytes}
			p.SendQueue.Enqueue(pp.Message{Type: pp.Extended, ExtendedID: id, ExtendedPayload: resp.Marshal()}, nil)
		} else {
			resp := pp.MetadataMsg{MsgType: pp.MetadataReject, Piece: req.Piece}
			p.SendQueue.Enqueue(pp.Message{Type: pp.Extended, ExtendedID: id, ExtendedPayload: resp.Marshal()}, nil)
		}
	}
	return nil
}

func extensionNameFor(p *PeerSession, id pp.ExtendedMessageID) pp.ExtensionName {
	for name, mid := range p.extensionIDs {
		if mid == id {
			return name
		}
	}
	return ""
}

func isFastPeerMessage(t pp.MessageType) bool {
	switch t {
	case pp.HaveAll, pp.HaveNone, pp.SuggestPiece, pp.AllowedFast, pp.RejectRequest:
		return true
	default:
		return false
	}
}

func isExtensionMessage(msg pp.Message) bool {
	return msg.Type == pp.Extended && msg.ExtendedID != pp.ExtendedHandshakeID
}
