package engine

import (
	"github.com/anacrolix/missinggo/v2/bitmap"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

const (
	minRequestLength = 1 << 10       // 1 KiB
	maxRequestLength = 1 << 14       // 16 KiB, the conventional block size
)

// shouldRequest reports whether we're allowed to issue another request to
// p: not choked by them (or choked but the piece is in our allowed-fast
// grant from them), and under their advertised/clamped pending-request
// ceiling.
func shouldRequest(p *PeerSession, pieceIndex int) bool {
	if p.OutstandingRequestsOut >= p.MaxPendingRequests {
		return false
	}
	if !p.IsChoking {
		return true
	}
	return p.SupportsFastPeer && p.AllowedFastReceived.Contains(bitmap.BitIndex(pieceIndex))
}

// request issues a Request message and increments the outstanding count.
// mustRequest is the same operation used where the caller has already
// validated shouldRequest and wants an unconditional enqueue (e.g. the
// piece picker re-issuing a canceled request).
func request(p *PeerSession, block BlockInfo) {
	p.SendQueue.Enqueue(pp.Message{
		Type:   pp.Request,
		Index:  pp.Integer(block.PieceIndex),
		Begin:  pp.Integer(block.Offset),
		Length: pp.Integer(block.Length),
	}, nil)
	p.OutstandingRequestsOut++
}

func mustRequest(p *PeerSession, block BlockInfo) {
	request(p, block)
}

// cancel issues a Cancel message for an outstanding request and
// decrements the count; used when the piece picker abandons a request
// before it's fulfilled (not to be confused with remoteRejectedRequest,
// which handles the peer telling us it won't fulfill one).
func cancel(p *PeerSession, block BlockInfo) {
	p.SendQueue.Enqueue(pp.Message{
		Type:   pp.Cancel,
		Index:  pp.Integer(block.PieceIndex),
		Begin:  pp.Integer(block.Offset),
		Length: pp.Integer(block.Length),
	}, nil)
	deleteRequest(p)
}

// issueRequests asks the piece picker which blocks it wants requested from
// p right now (e.g. on Unchoke) and issues each one still allowed by
// shouldRequest, via mustRequest since the picker has already chosen them.
func (m *Manager) issueRequests(p *PeerSession) {
	if m.Pieces == nil {
		return
	}
	for _, block := range m.Pieces.NextRequests(p) {
		if !shouldRequest(p, block.PieceIndex) {
			continue
		}
		mustRequest(p, block)
	}
	m.nudgeSendQueue(p)
}

// retractStaleRequests asks the piece picker which of p's own outstanding
// requests it wants retracted (e.g. superseded by another peer) and issues
// a Cancel for each.
func (m *Manager) retractStaleRequests(p *PeerSession) {
	if m.Pieces == nil {
		return
	}
	for _, block := range m.Pieces.StaleRequests(p) {
		cancel(p, block)
	}
}

// remoteRejectedRequest handles an inbound RejectRequest message: the peer
// declined one of our outstanding requests.
func remoteRejectedRequest(m *Manager, p *PeerSession, block BlockInfo) {
	deleteRequest(p)
	if m.Pieces != nil {
		m.Pieces.RequestRejected(p, block)
	}
}

// deleteRequest decrements outstanding_requests, floored at zero so a
// duplicate cancel/reject/fulfillment can never drive it negative,
// preserving the §3 invariant outstanding_requests >= 0.
func deleteRequest(p *PeerSession) {
	if p.OutstandingRequestsOut > 0 {
		p.OutstandingRequestsOut--
	}
}

// deleteAllRequests implements the Choke handler's "cancel all outstanding
// requests to this peer" step for peers without fast-peer support (§4.2).
func deleteAllRequests(m *Manager, p *PeerSession) {
	if m.Pieces != nil {
		m.Pieces.CancelRequests(p)
	}
	p.OutstandingRequestsOut = 0
}

// nominalMaxRequests is the pre-clamp baseline used before the tick loop's
// per-second recomputation (§4.5) takes over; new peers start here.
func nominalMaxRequests(settings Settings) int {
	if settings.MaxRequestsBase > 2 {
		return settings.MaxRequestsBase
	}
	return 2
}

// validateRequestBounds enforces §4.2's "validate size bounds (min <= len
// <= max, except last piece)" rule for inbound Request messages.
func validateRequestBounds(length int, isLastPiece bool) error {
	if isLastPiece {
		return nil
	}
	if length < minRequestLength || length > maxRequestLength {
		return newProtocolError("request length %d out of bounds [%d, %d]", length, minRequestLength, maxRequestLength)
	}
	return nil
}
