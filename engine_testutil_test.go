package engine

import (
	"context"
	"net"

	"github.com/anacrolix/log"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// fakePieceManager is a minimal, deterministic PieceManager double for
// tests: every block is accepted while Accept is true (the default),
// contributing peers are supplied by the test via Contributors, and
// request/cancel calls are merely counted.
type fakePieceManager struct {
	Contributors      map[int][]*PeerSession
	Accept            bool
	AddRequestsCalls  int
	CancelCalls       int
	RejectedCalls     int
	Interesting       bool
	HashedCalls       []pieceHashedCall
	NextRequestsToGive []BlockInfo
	StaleRequestsToGive []BlockInfo
}

type pieceHashedCall struct {
	Index  int
	Passed bool
}

func newFakePieceManager() *fakePieceManager {
	return &fakePieceManager{Contributors: make(map[int][]*PeerSession), Accept: true, Interesting: true}
}

func (f *fakePieceManager) PieceDataReceived(peer *PeerSession, msg pp.Message) (bool, []*PeerSession) {
	if !f.Accept {
		return false, nil
	}
	return true, f.Contributors[int(msg.Index)]
}

func (f *fakePieceManager) AddPieceRequests(peers ...*PeerSession) { f.AddRequestsCalls++ }
func (f *fakePieceManager) NextRequests(peer *PeerSession) []BlockInfo {
	return f.NextRequestsToGive
}
func (f *fakePieceManager) StaleRequests(peer *PeerSession) []BlockInfo {
	return f.StaleRequestsToGive
}
func (f *fakePieceManager) CancelRequests(peer *PeerSession)       { f.CancelCalls++ }
func (f *fakePieceManager) RequestRejected(peer *PeerSession, block BlockInfo) {
	f.RejectedCalls++
}
func (f *fakePieceManager) IsInteresting(peer *PeerSession) bool { return f.Interesting }
func (f *fakePieceManager) PieceHashed(index int, passed bool) {
	f.HashedCalls = append(f.HashedCalls, pieceHashedCall{Index: index, Passed: passed})
}

// fakeDiskManager stores written bytes in memory and returns a
// caller-supplied hash, letting tests control pass/fail outcomes without a
// real bbolt-backed store.
type fakeDiskManager struct {
	WriteErr   error
	HashToGive PieceHash
	HashOK     bool
	HashErr    error
	Written    map[int][]byte
}

func newFakeDiskManager() *fakeDiskManager {
	return &fakeDiskManager{HashOK: true, Written: make(map[int][]byte)}
}

func (f *fakeDiskManager) Write(ctx context.Context, torrentID [20]byte, block BlockInfo, data []byte) error {
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.Written[block.PieceIndex] = append(f.Written[block.PieceIndex], data...)
	return nil
}

func (f *fakeDiskManager) GetHash(ctx context.Context, torrentID [20]byte, pieceIndex int) (PieceHash, bool, error) {
	return f.HashToGive, f.HashOK, f.HashErr
}

// fakeConnectionManager counts TryProcessQueue/CleanupSocket calls and lets
// tests control the dial-slot count the PeerExchange cap check sees.
type fakeConnectionManager struct {
	TryProcessQueueCalls int
	CleanupCalls         int
	DialSlots            int
}

func (f *fakeConnectionManager) TryProcessQueue(torrentID [20]byte, peer *PeerSession) {
	f.TryProcessQueueCalls++
}
func (f *fakeConnectionManager) CleanupSocket(torrentID [20]byte, peer *PeerSession) { f.CleanupCalls++ }
func (f *fakeConnectionManager) AvailableDialSlots() int                            { return f.DialSlots }

type testAddr string

func (a testAddr) Network() string { return "tcp" }
func (a testAddr) String() string  { return string(a) }

func newTestManager(pieceCount int) *Manager {
	m := NewManager([20]byte{1}, pieceCount, 32<<10, DefaultSettings(), log.Default)
	m.mode = newDownloadingMode(m)
	return m
}

func newTestPeer(m *Manager) *PeerSession {
	p := NewPeerSession(testAddr("1.2.3.4:6881"), m.PieceCount, nominalMaxRequests(m.Settings))
	p.SupportsFastPeer = true
	m.AddPeer(p)
	return p
}

var _ net.Addr = testAddr("")
