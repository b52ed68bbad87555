package engine

import (
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// hashRejectMessage builds the default v2 hash-exchange rejection (§4.2:
// "Default policy: reject all hash requests"). Index carries the rejected
// piece index; modes that support v2 hash exchange override handleHashRequest
// entirely rather than reusing this helper.
func hashRejectMessage(pieceIndex int) pp.Message {
	return pp.Message{Type: pp.HashReject, Index: pp.Integer(pieceIndex)}
}

// Mode is the capability-record pattern named in §9: rather than one
// interface implementation per lifecycle state, a single struct of function
// fields is populated differently by each state constructor
// (newHashingMode, newDownloadingMode, ...). The dispatcher and tick loop
// call through these fields instead of a type switch.
type Mode struct {
	state State

	// cancel fires when this Mode is replaced (§4.7); fire-and-forget tasks
	// spawned while this Mode was active must check it before any resumed
	// step mutates shared state.
	cancel chansync.SetOnce

	CanAcceptConnections bool
	CanHandleMessages    bool
	CanHashCheck         bool

	// writeProgress is the per-piece write-progress map from §4.4 step 4:
	// present iff the piece has received >=1 but <all blocks.
	writeProgress map[int]*pieceWriteProgress

	// modeLogic runs mode-specific tick policy (§4.5 mode-logic section).
	// It receives the Manager so it can read Manager.State() to branch
	// between downloading/seeding behavior within one generic Mode.
	modeLogic func(m *Manager)

	// handleHashRequest/handleHashReject/handleHashes implement the v2 hash
	// exchange override point (§4.2's dispatch table entry); the default
	// Mode constructors wire in the reject-all/ignore-all policy.
	handleHashRequest func(m *Manager, p *PeerSession, pieceIndex int)
	handleHashReject  func(m *Manager, p *PeerSession, pieceIndex int)
	handleHashes      func(m *Manager, p *PeerSession, pieceIndex int, hashes []PieceHash)
}

type pieceWriteProgress struct {
	blocksReceived int
	contributing   []*PeerSession
}

func defaultHashRequestHandlers() (
	func(*Manager, *PeerSession, int),
	func(*Manager, *PeerSession, int),
	func(*Manager, *PeerSession, int, []PieceHash),
) {
	reject := func(m *Manager, p *PeerSession, pieceIndex int) {
		p.SendQueue.Enqueue(hashRejectMessage(pieceIndex), nil)
	}
	ignore := func(*Manager, *PeerSession, int) {}
	ignoreHashes := func(*Manager, *PeerSession, int, []PieceHash) {}
	return reject, ignore, ignoreHashes
}

func newStoppedMode(m *Manager) *Mode {
	reject, ignoreReject, ignoreHashes := defaultHashRequestHandlers()
	return &Mode{
		state:             StateStopped,
		handleHashRequest: reject,
		handleHashReject:  ignoreReject,
		handleHashes:      ignoreHashes,
		modeLogic:         func(*Manager) {},
	}
}

func newErrorMode(m *Manager) *Mode {
	reject, ignoreReject, ignoreHashes := defaultHashRequestHandlers()
	return &Mode{
		state:             StateError,
		handleHashRequest: reject,
		handleHashReject:  ignoreReject,
		handleHashes:      ignoreHashes,
		modeLogic:         func(*Manager) {},
	}
}

func newHashingMode(m *Manager) *Mode {
	reject, ignoreReject, ignoreHashes := defaultHashRequestHandlers()
	return &Mode{
		state:             StateHashing,
		CanHashCheck:      true,
		handleHashRequest: reject,
		handleHashReject:  ignoreReject,
		handleHashes:      ignoreHashes,
		modeLogic:         func(*Manager) {},
	}
}

func newStartingMode(m *Manager) *Mode {
	reject, ignoreReject, ignoreHashes := defaultHashRequestHandlers()
	return &Mode{
		state:                StateStarting,
		CanAcceptConnections: true,
		CanHandleMessages:    true,
		writeProgress:        make(map[int]*pieceWriteProgress),
		handleHashRequest:    reject,
		handleHashReject:     ignoreReject,
		handleHashes:         ignoreHashes,
		modeLogic:            func(*Manager) {},
	}
}

// newDownloadingMode is the primary active mode: accepts connections,
// handles messages, and runs the web-seed/inactive-peer-sweep/unchoke
// mode-logic described in §4.5.
func newDownloadingMode(m *Manager) *Mode {
	reject, ignoreReject, ignoreHashes := defaultHashRequestHandlers()
	return &Mode{
		state:                StateDownloading,
		CanAcceptConnections: true,
		CanHandleMessages:    true,
		writeProgress:        make(map[int]*pieceWriteProgress),
		handleHashRequest:    reject,
		handleHashReject:     ignoreReject,
		handleHashes:         ignoreHashes,
		modeLogic:            downloadingModeLogic,
	}
}

func newSeedingMode(m *Manager) *Mode {
	reject, ignoreReject, ignoreHashes := defaultHashRequestHandlers()
	return &Mode{
		state:                StateSeeding,
		CanAcceptConnections: true,
		CanHandleMessages:    true,
		writeProgress:        make(map[int]*pieceWriteProgress),
		handleHashRequest:    reject,
		handleHashReject:     ignoreReject,
		handleHashes:         ignoreHashes,
		modeLogic:            seedingModeLogic,
	}
}

// StartHashing transitions from Stopped into Hashing, the entry point for a
// freshly added torrent before it can accept connections.
func (m *Manager) StartHashing() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.SetMode(newHashingMode(m))
}

// FinishHashing transitions Hashing -> Starting once the initial hash-check
// completes, making the torrent ready to accept connections.
func (m *Manager) FinishHashing() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.SetMode(newStartingMode(m))
}

// BeginDownloading transitions into the Downloading mode.
func (m *Manager) BeginDownloading() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.SetMode(newDownloadingMode(m))
}

// BeginSeeding transitions into the Seeding mode, normally triggered once
// Owned covers every piece.
func (m *Manager) BeginSeeding() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.SetMode(newSeedingMode(m))
}

// Stop transitions into the Stopped mode, disconnecting no one but halting
// new connection acceptance and message handling.
func (m *Manager) Stop() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.SetMode(newStoppedMode(m))
}

// EnterErrorState transitions into the Error mode with the given reason,
// per §7's WriteFailure/ReadFailure policy: set torrent into error state
// and abort the pipeline. Must be called with m.lock held by the caller
// (the piece-completion pipeline calls it mid-critical-section).
func (m *Manager) EnterErrorState(reason *EngineError) {
	m.Logger.Levelf(log.Error, "torrent %x entering error state: %v", m.InfoHash, reason)
	m.SetMode(newErrorMode(m))
}
