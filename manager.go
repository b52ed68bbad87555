package engine

import (
	"context"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
)

// State is the Mode.state enum (§3, §4.7).
type State int

const (
	StateStopped State = iota
	StateHashing
	StateStarting
	StateDownloading
	StateSeeding
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateHashing:
		return "hashing"
	case StateStarting:
		return "starting"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Manager is the TorrentManager collaborator (§3): the authoritative state
// of one torrent, owning the peer population, the owned-piece bitfield, and
// the runnerLock every dispatcher/tick/piece-completion call executes
// under. Grounded on the teacher's Torrent struct, trimmed to the fields
// this spec's operations actually touch.
type Manager struct {
	InfoHash   [20]byte
	PieceCount int
	PieceLen   int64
	// TotalLength is the torrent's total content length. Every piece is
	// PieceLen except the last, whose actual length is TotalLength minus
	// the nominal length of every piece before it; a TotalLength that isn't
	// a positive, sane multiple-plus-remainder of PieceLen is treated as
	// "uniform, no short last piece" (pieceLength falls back to PieceLen).
	TotalLength int64
	// HashFamily distinguishes v1 (SHA-1, 20 bytes) vs v2 (SHA-256, 32
	// bytes); hybrid torrents carry both, and for HashFamilyHybrid this
	// engine compares against PieceHashesV1 (see expectedHash).
	HashFamily HashFamily
	PieceHashesV1 []PieceHash
	PieceHashesV2 []PieceHash

	Settings Settings
	Private  bool
	MetadataSize  int
	HaveMetadata  bool
	MetadataBytes []byte

	Disk        DiskManager
	Pieces      PieceManager
	Conns       ConnectionManager
	Unchoke     Unchoker
	Tracker     TrackerManager
	DHT         DhtEngine
	LPD         LocalPeerDiscovery
	AllowedFast AllowedFastAlgorithm

	Logger  log.Logger
	Metrics *Metrics

	lock runnerLock
	cond stateChanged

	Owned *roaring.Bitmap

	Peers map[*PeerSession]struct{}

	finishedPieces []int

	HashFailures Count

	mode *Mode

	// estimatedDownloadedBytes tracks the open-question counter from §9:
	// incremented by PieceLen on every Have we send, preserved verbatim
	// including its overcounting-on-re-announce quirk. Advisory only; never
	// used for request accounting.
	estimatedDownloadedBytes int64

	hashingPendingFiles bool
	Pending             *PendingFiles
	WebSeeds            *WebSeeds
	PeerDiscovered      func(addr net.Addr, seed bool)
	// PeersFound is invoked by the PeerExchange handler with the outcome of
	// every processed ut_pex message (§4.2), including the suppressed case.
	PeersFound PeersFoundHandler

	lastWebSeedAttempt   time.Time
	attemptedWebSeeds    map[string]struct{}
	startTime            time.Time

	lastInactiveSweep time.Time
	lastLPDAnnounce   time.Time
	lastDHTAnnounce   time.Time

	tickCounter int

	downloadRateMonitor *rateMonitor
}

type HashFamily int

const (
	HashFamilyV1 HashFamily = iota
	HashFamilyV2
	HashFamilyHybrid
)

// NewManager constructs a Manager in the Stopped mode, ready for
// StartHashing.
func NewManager(infoHash [20]byte, pieceCount int, pieceLen int64, settings Settings, logger log.Logger) *Manager {
	m := &Manager{
		InfoHash:          infoHash,
		PieceCount:        pieceCount,
		PieceLen:          pieceLen,
		TotalLength:       pieceLen * int64(pieceCount),
		Settings:          settings,
		Logger:            logger,
		Owned:             roaring.New(),
		Peers:             make(map[*PeerSession]struct{}),
		attemptedWebSeeds: make(map[string]struct{}),
	}
	m.mode = newStoppedMode(m)
	m.startTime = time.Now()
	m.downloadRateMonitor = newRateMonitor()
	return m
}

// State reports the current Mode's lifecycle state, read by the dispatcher
// and tick loop to branch between downloading/seeding policy (§4.7).
func (m *Manager) State() State {
	return m.mode.state
}

// SetMode atomically replaces the torrent's active Mode, disposing the
// previous Mode's cancellation handle (§4.7, §9's fire-and-forget-task
// guidance). Must be called with m.lock held.
func (m *Manager) SetMode(next *Mode) {
	prev := m.mode
	m.mode = next
	if prev != nil {
		prev.cancel.Set()
	}
	m.cond.Broadcast()
}

// OwnsPiece reports whether our authoritative bitfield has index.
func (m *Manager) OwnsPiece(index int) bool {
	return m.Owned.Contains(uint32(index))
}

// RecomputeInterestIn updates p.AmInterested to PieceManager.IsInteresting's
// verdict for p; with no PieceManager set, we are not interested.
func (m *Manager) RecomputeInterestIn(p *PeerSession) {
	interesting := m.Pieces != nil && m.Pieces.IsInteresting(p)
	p.SetAmInterested(interesting)
}

// QueueFinishedPiece appends index to finished_pieces (§3, §4.4 step 7).
// Must be called with m.lock held.
func (m *Manager) QueueFinishedPiece(index int) {
	m.finishedPieces = append(m.finishedPieces, index)
}

// DrainFinishedPieces empties and returns finished_pieces, for the tick
// loop's Have-broadcast step (§4.5).
func (m *Manager) DrainFinishedPieces() []int {
	if len(m.finishedPieces) == 0 {
		return nil
	}
	out := m.finishedPieces
	m.finishedPieces = nil
	return out
}

// pieceLength returns the actual byte length of piece index, accounting
// for a shorter final piece (§3's piece/block geometry).
func (m *Manager) pieceLength(index int) int64 {
	if index != m.PieceCount-1 || m.PieceCount <= 0 {
		return m.PieceLen
	}
	last := m.TotalLength - m.PieceLen*int64(m.PieceCount-1)
	if last <= 0 || last > m.PieceLen {
		return m.PieceLen
	}
	return last
}

// expectedHash returns the authoritative hash for index in whichever
// family applies, per the data model's PieceHash note.
func (m *Manager) expectedHash(index int) PieceHash {
	switch m.HashFamily {
	case HashFamilyV2:
		if index < len(m.PieceHashesV2) {
			return m.PieceHashesV2[index]
		}
	default:
		if index < len(m.PieceHashesV1) {
			return m.PieceHashesV1[index]
		}
	}
	return nil
}

// AddPeer registers a freshly handshaked peer, run under m.lock.
func (m *Manager) AddPeer(p *PeerSession) {
	m.Peers[p] = struct{}{}
}

// RemovePeer deregisters a disconnected peer, run under m.lock.
func (m *Manager) RemovePeer(p *PeerSession) {
	delete(m.Peers, p)
	if m.Pieces != nil {
		m.Pieces.CancelRequests(p)
	}
}

// Disconnect asks the connection layer to clean up p's socket and removes
// it from the torrent's peer set.
func (m *Manager) Disconnect(p *PeerSession) {
	m.DisconnectWithReason(p, "unspecified")
}

// DisconnectWithReason is Disconnect plus a reason label for metrics,
// used by post-logic timeouts and hash-failure attribution so
// peers_disconnected_total can be broken down per §7's disconnect-causing
// error kinds.
func (m *Manager) DisconnectWithReason(p *PeerSession, reason string) {
	m.RemovePeer(p)
	p.SendQueue.Close()
	m.Metrics.observeDisconnect(reason)
	if m.Conns != nil {
		m.Conns.CleanupSocket(m.InfoHash, p)
	}
}

// ConnectedPlusAvailable is used by the PeerExchange handler's connection
// cap check (§4.2, §8's boundary behavior "dropped when connected +
// available >= max_connections"). available is supplied by the connection
// layer (pending dials); this engine only knows connected count.
func (m *Manager) ConnectedPlusAvailable(available int) int {
	return len(m.Peers) + available
}

func (m *Manager) Lock()   { m.lock.Lock() }
func (m *Manager) Unlock() { m.lock.Unlock() }

// withContext is a small helper used by suspension points (disk write/hash,
// announce, web-seed attach) to bound the awaited operation without tying
// it to a caller-supplied context, mirroring the teacher's use of
// context.Background with explicit cancellation channels at these call
// sites.
func (m *Manager) withContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
