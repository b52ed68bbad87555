package engine

import (
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/bitmap"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// PeerSession is the per-connected-peer state named in the data model (§3).
// It is single-owner to the engine runner: the connection layer only reads
// it through SendQueue, never mutates it directly, matching §9's guidance
// to keep mutable peer state single-owner and talk to the connection layer
// by message passing.
type PeerSession struct {
	// PeerID is unset (Ok == false) until the handshake supplies one; the
	// Handshake handler only overwrites it under the mismatch rules of
	// §4.2 (reject for private torrents, accept+overwrite for public).
	PeerID     g.Option[[20]byte]
	RemoteAddr net.Addr

	SupportsFastPeer bool
	SupportsExtended bool
	extensionIDs     map[pp.ExtensionName]pp.ExtendedMessageID

	AmChoking     bool
	IsChoking     bool
	AmInterested  bool
	IsInterested  bool

	Bitfield *roaring.Bitmap
	IsSeeder bool

	// AllowedFastGranted is the set of indices we told this peer it may
	// request even while choked. AllowedFastReceived is the set the peer
	// granted us (via AllowedFast messages it sent).
	AllowedFastGranted  bitmap.Bitmap
	AllowedFastReceived bitmap.Bitmap
	Suggested           bitmap.Bitmap

	// sentHaves mirrors peer.go's sentHaves bitmap.Bitmap but is not read or
	// written by the engine: broadcastHaves' have suppression filters on the
	// peer's advertised Bitfield instead.
	sentHaves bitmap.Bitmap

	OutstandingRequestsOut int
	OutstandingRequestsIn  int
	MaxPendingRequests     int
	PeerAdvertisedMaxReq   int

	LastMessageSent     time.Time
	LastMessageReceived time.Time
	LastBlockReceived   time.Time

	PiecesReceived    Count
	TotalHashFailures int

	// blockFingerprints is a lightweight analogue of a smart-ban cache: a
	// non-cryptographic fingerprint per contributed block, keyed by piece
	// index, that a PieceManager implementation can compare across peers
	// to catch one sending corrupt data for a piece another peer completed
	// correctly. The full smart-ban policy is the PieceManager's call; this
	// engine only maintains the fingerprint trail.
	blockFingerprints map[int][]uint64

	DHTPort int

	SendQueue *peerSendQueue

	PEX *pexAgent

	// bannable holds the address identity used for connection-cap and
	// ban-list accounting; left untyped here since address normalization
	// (IPv4-mapped-IPv6, onion, I2P) is a ConnectionManager concern.
	bannable string
}

// NewPeerSession constructs session state for a freshly handshaked peer,
// per §4.3's bootstrap: choking starts in the default both-sides-choking,
// not-interested state until the bootstrap bundle and subsequent messages
// change it.
func NewPeerSession(addr net.Addr, pieceCount int, maxPendingRequests int) *PeerSession {
	return &PeerSession{
		RemoteAddr:         addr,
		AmChoking:          true,
		IsChoking:          true,
		Bitfield:           roaring.New(),
		MaxPendingRequests: maxPendingRequests,
		SendQueue:          &peerSendQueue{},
	}
}

// RecomputeSeeder sets IsSeeder true iff the peer's bitfield has every bit
// set for a torrent of the given piece count.
func (p *PeerSession) RecomputeSeeder(pieceCount int) {
	p.IsSeeder = int(p.Bitfield.GetCardinality()) == pieceCount && pieceCount > 0
}

// HasPiece reports whether the peer has advertised ownership of index.
func (p *PeerSession) HasPiece(index int) bool {
	return p.Bitfield.Contains(uint32(index))
}

// SetHavePiece records that the peer now has index, per the Have handler
// (§4.2).
func (p *PeerSession) SetHavePiece(index int) {
	p.Bitfield.Add(uint32(index))
}

// ClearAllPieces implements the HaveNone handler.
func (p *PeerSession) ClearAllPieces() {
	p.Bitfield.Clear()
	p.IsSeeder = false
}

// SetAllPieces implements the HaveAll handler.
func (p *PeerSession) SetAllPieces(pieceCount int) {
	p.Bitfield.Clear()
	for i := 0; i < pieceCount; i++ {
		p.Bitfield.Add(uint32(i))
	}
	p.IsSeeder = pieceCount > 0
}

// MarkMessageSent restarts last_message_sent. Within the engine only the
// tick loop's keep-alive step calls it.
func (p *PeerSession) MarkMessageSent(now time.Time) {
	p.LastMessageSent = now
}

func (p *PeerSession) MarkMessageReceived(now time.Time) {
	p.LastMessageReceived = now
}

func (p *PeerSession) MarkBlockReceived(now time.Time) {
	p.LastBlockReceived = now
}

// SetAmInterested flips am_interested, enqueuing an Interested/
// NotInterested message only on an actual transition, satisfying §8's
// idempotence property ("consecutive set_am_interested(true) calls produce
// exactly one wire Interested message").
func (p *PeerSession) SetAmInterested(interested bool) {
	if p.AmInterested == interested {
		return
	}
	p.AmInterested = interested
	if interested {
		p.SendQueue.Enqueue(pp.Message{Type: pp.Interested}, nil)
	} else {
		p.SendQueue.Enqueue(pp.Message{Type: pp.NotInterested}, nil)
	}
}

// ExtensionID looks up the peer-advertised message ID for name, as recorded
// from its BEP 10 extended handshake "m" dict.
func (p *PeerSession) ExtensionID(name pp.ExtensionName) (pp.ExtendedMessageID, bool) {
	id, ok := p.extensionIDs[name]
	return id, ok
}

func (p *PeerSession) setExtensionIDs(m map[pp.ExtensionName]pp.ExtendedMessageID) {
	p.extensionIDs = m
}

// recordBlockFingerprint appends fp to the per-piece fingerprint trail for
// block, trimming once a piece's bookkeeping is done is the caller's
// responsibility (piece_completion.go clears it on hash verification).
func (p *PeerSession) recordBlockFingerprint(block BlockInfo, fp uint64) {
	if p.blockFingerprints == nil {
		p.blockFingerprints = make(map[int][]uint64)
	}
	p.blockFingerprints[block.PieceIndex] = append(p.blockFingerprints[block.PieceIndex], fp)
}
