package engine

import (
	"time"

	"github.com/cespare/xxhash/v2"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// handlePieceAsync implements §4.4's Piece Completion Pipeline. Entered
// with m.lock held (from HandleMessage); it releases the lock around the
// disk write and hash fetch suspension points and re-checks the active
// Mode's cancellation on each resumption, per §5.
func (m *Manager) handlePieceAsync(p *PeerSession, msg pp.Message, release func()) {
	mode := m.mode
	p.PiecesReceived.Add(1)

	accepted, contributing := false, []*PeerSession(nil)
	if m.Pieces != nil {
		accepted, contributing = m.Pieces.PieceDataReceived(p, msg)
	}
	if !accepted {
		if release != nil {
			release()
		}
		return
	}

	block := BlockInfo{PieceIndex: int(msg.Index), Offset: int(msg.Begin), Length: len(msg.Piece)}
	m.downloadRateMonitor.observe(int64(len(msg.Piece)))
	p.recordBlockFingerprint(block, xxhash.Sum64(msg.Piece))

	// Flush any send-queue nudge coalesced earlier in this critical section
	// before suspending for the write: the disk round trip can run long
	// enough that holding a peer's reply back until this whole dispatch
	// returns would needlessly delay it.
	m.lock.FlushDeferred()

	ctx, cancel := m.withContext()
	m.lock.SafeUnlock()
	writeErr := m.Disk.Write(ctx, m.InfoHash, block, msg.Piece)
	m.lock.SafeLock()
	cancel()
	if release != nil {
		release()
	}

	if writeErr != nil {
		m.EnterErrorState(newDiskError(WriteFailure, writeErr, "writing block"))
		return
	}

	if mode.cancel.IsSet() {
		return
	}

	p.MarkBlockReceived(time.Now())

	progress, ok := mode.writeProgress[block.PieceIndex]
	if !ok {
		progress = &pieceWriteProgress{}
		mode.writeProgress[block.PieceIndex] = progress
	}
	progress.blocksReceived++
	if contributing != nil {
		progress.contributing = contributing
	}

	blocksInPiece := blocksPerPiece(m.pieceLength(block.PieceIndex))
	if progress.blocksReceived < blocksInPiece {
		return
	}

	delete(mode.writeProgress, block.PieceIndex)

	ctx2, cancel2 := m.withContext()
	m.lock.SafeUnlock()
	hash, hashOK, hashErr := m.Disk.GetHash(ctx2, m.InfoHash, block.PieceIndex)
	m.lock.SafeLock()
	cancel2()

	if mode.cancel.IsSet() {
		return
	}
	if hashErr != nil {
		m.EnterErrorState(newDiskError(ReadFailure, hashErr, "hashing piece"))
		return
	}
	if !hashOK {
		m.EnterErrorState(newDiskError(ReadFailure, errPieceUnreadable, "hashing piece"))
		return
	}

	passed := hashEquals(hash, m.expectedHash(block.PieceIndex))
	if passed {
		m.Owned.Add(uint32(block.PieceIndex))
	} else {
		m.HashFailures.Add(1)
	}
	if m.Pieces != nil {
		m.Pieces.PieceHashed(block.PieceIndex, passed)
	}
	m.Metrics.observeHash(passed)

	for _, peer := range progress.contributing {
		peer.attributeHashOutcome(passed)
		delete(peer.blockFingerprints, block.PieceIndex)
		if peer.TotalHashFailures == hashFailureThreshold {
			m.DisconnectWithReason(peer, "hash failures")
		}
	}

	if passed {
		m.QueueFinishedPiece(block.PieceIndex)
	}
}

// attributeHashOutcome records a piece-hash pass/fail against a
// contributing peer's running total (§4.4 step 6; §3's "peer whose
// total_hash_failures reaches 5 is disconnected" invariant).
func (p *PeerSession) attributeHashOutcome(passed bool) {
	if !passed {
		p.TotalHashFailures++
	}
}

// blocksPerPiece computes the number of 16 KiB-class blocks composing a
// piece of the given length, used to know when the final block of a piece
// has arrived (§4.4 step 4). Callers pass the piece's actual length via
// Manager.pieceLength, not the nominal PieceLen, so the shorter final
// piece of a torrent can still reach its block count.
func blocksPerPiece(pieceLen int64) int {
	const nominalBlockLength = 1 << 14
	if pieceLen <= 0 {
		return 1
	}
	n := int(pieceLen / nominalBlockLength)
	if pieceLen%nominalBlockLength != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}

var errPieceUnreadable = pieceUnreadableError{}

type pieceUnreadableError struct{}

func (pieceUnreadableError) Error() string { return "piece unreadable" }
