package engine

import (
	"context"
	"time"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// BlockInfo identifies one requestable sub-range of a piece.
type BlockInfo struct {
	PieceIndex int
	Offset     int
	Length     int
}

// PieceHash is a fixed-width digest; 20 bytes for v1 (SHA-1), 32 for v2
// (SHA-256). A hybrid torrent carries both families side by side.
type PieceHash []byte

// DiskManager is the disk-I/O collaborator (§6). Never implemented inside
// the engine itself beyond the reference implementation in internal/diskref.
type DiskManager interface {
	// Write persists data for block asynchronously. The returned error, if
	// non-nil, puts the torrent into WriteFailure error state.
	Write(ctx context.Context, torrentID [20]byte, block BlockInfo, data []byte) error
	// GetHash computes the piece hash for verification. ok is false when the
	// piece is unreadable (distinct from a hash mismatch, which is a valid
	// result the caller compares itself).
	GetHash(ctx context.Context, torrentID [20]byte, pieceIndex int) (hash PieceHash, ok bool, err error)
}

// PieceManager is the piece-picking collaborator (§6).
type PieceManager interface {
	// PieceDataReceived hands a delivered block to the picker. accepted is
	// false when the block is unwanted (already have it, canceled, etc);
	// contributingPeers is non-nil only on the piece's final block.
	PieceDataReceived(peer *PeerSession, msg pp.Message) (accepted bool, contributingPeers []*PeerSession)
	AddPieceRequests(peers ...*PeerSession)
	// NextRequests returns blocks the picker wants requested from peer right
	// now (e.g. in response to an Unchoke); the engine still runs
	// shouldRequest against each before issuing it, so a picker need not
	// duplicate the choke/ceiling check itself.
	NextRequests(peer *PeerSession) []BlockInfo
	// StaleRequests returns peer's own outstanding requests the picker wants
	// retracted, e.g. because another peer already fulfilled the block.
	StaleRequests(peer *PeerSession) []BlockInfo
	CancelRequests(peer *PeerSession)
	RequestRejected(peer *PeerSession, block BlockInfo)
	IsInteresting(peer *PeerSession) bool
	PieceHashed(index int, passed bool)
}

// ConnectionManager is the transport collaborator (§6): it owns sockets and
// drains send queues, the engine only enqueues and notifies.
type ConnectionManager interface {
	TryProcessQueue(torrentID [20]byte, peer *PeerSession)
	CleanupSocket(torrentID [20]byte, peer *PeerSession)
	// AvailableDialSlots reports pending/in-flight dial attempts not yet
	// reflected in the torrent's connected-peer count, for the PeerExchange
	// connection-cap check (§4.2, §8 scenario 6).
	AvailableDialSlots() int
}

// Unchoker runs the choking algorithm; its internals are a non-goal, only
// the call site is specified.
type Unchoker interface {
	UnchokeReview()
}

// TrackerManager issues tracker announces.
type TrackerManager interface {
	AnnounceAsync(ctx context.Context, event TrackerEvent) error
}

type TrackerEvent int

const (
	TrackerEventNone TrackerEvent = iota
	TrackerEventStarted
	TrackerEventStopped
	TrackerEventCompleted
)

// DhtEngine and LocalPeerDiscovery only need an interval-gated announce
// trigger from the tick loop's perspective (§4.5 pre-logic).
type DhtEngine interface {
	Announce()
	AnnounceInterval() time.Duration
}

type LocalPeerDiscovery interface {
	Announce()
	AnnounceInterval() time.Duration
}

// AllowedFastAlgorithm computes the BEP 6 allowed-fast set. It must be a
// pure function of its inputs so it can be called without holding the
// process-wide hasher mutex the original source used (§9's design note):
// here it is a stateless, allocate-per-call function instead.
type AllowedFastAlgorithm func(addr []byte, infoHash [20]byte, pieceCount int) []int

// Settings enumerates the configuration surface named in §6.
type Settings struct {
	AllowPeerExchange     bool
	AllowHaveSuppression  bool
	WebSeedDelay          time.Duration
	WebSeedSpeedTrigger   int64 // bytes/sec; below this, attempt web-seed attach
	MaximumConnections    int
	ListenPort            int
	TickInterval          time.Duration
	TicksPerSecond        int
	MaxRequestsBase       int
	MaxRequestsBonusPerKB int64
}

// DefaultSettings mirrors the teacher's built-in client defaults for the
// fields this engine reads, adapted to this module's Settings shape.
func DefaultSettings() Settings {
	return Settings{
		AllowPeerExchange:     true,
		AllowHaveSuppression:  true,
		WebSeedDelay:          20 * time.Second,
		WebSeedSpeedTrigger:   1 << 20,
		MaximumConnections:    80,
		TickInterval:          500 * time.Millisecond,
		TicksPerSecond:        2,
		MaxRequestsBase:       2,
		MaxRequestsBonusPerKB: 5,
	}
}
