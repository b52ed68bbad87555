package engine

// FileRange names the piece span owned by one file inside a multi-file
// torrent, for the pending-file hash pass (§4.6). Priority management
// itself is a disk/piece-picker concern; the engine only needs to know
// which ranges became downloadable since the last pass.
type FileRange struct {
	FirstPiece int
	LastPiece  int
	Downloadable bool
	firstHashed bool
	lastHashed  bool
}

// PendingFiles lists the file ranges tracked for opportunistic re-hashing.
// Populated by whatever owns file-priority changes; the engine only reads
// and updates the *Hashed flags.
type PendingFiles struct {
	Files []*FileRange
}

// tryHashPendingFiles implements §4.6: a fire-and-forget pass over files
// promoted from "do not download" to a downloadable priority since the
// last pass, guarded by the hashingPendingFiles latch so concurrent
// invocations collapse into one. Must be called with m.lock held; it
// releases the lock around each per-piece hash fetch and re-checks the
// active Mode's cancellation between pieces, per §5's suspension-point
// rules.
func (m *Manager) tryHashPendingFiles() {
	if m.hashingPendingFiles {
		return
	}
	if m.Pending == nil || len(m.Pending.Files) == 0 {
		return
	}
	m.hashingPendingFiles = true
	cancel := m.mode.cancel
	defer func() { m.hashingPendingFiles = false }()

	for _, f := range m.Pending.Files {
		if !f.Downloadable {
			continue
		}
		if f.firstHashed && f.lastHashed {
			continue
		}
		for idx := f.FirstPiece; idx <= f.LastPiece; idx++ {
			if cancel.IsSet() {
				return
			}
			if m.OwnsPiece(idx) {
				continue
			}

			ctx, done := m.withContext()
			m.lock.SafeUnlock()
			hash, ok, err := m.Disk.GetHash(ctx, m.InfoHash, idx)
			m.lock.SafeLock()
			done()

			if cancel.IsSet() {
				return
			}
			if err != nil {
				// A disk-layer error is logged and ends this pass; it is not
				// returned to the caller, and the engine does not enter
				// error state for a pending-hash-pass failure, unlike the
				// Piece pipeline's ReadFailure (§4.4 step 5).
				m.Logger.Printf("pending hash pass: piece %d: %v", idx, err)
				return
			}
			if !ok {
				continue
			}

			passed := hashEquals(hash, m.expectedHash(idx))
			if m.Pieces != nil {
				m.Pieces.PieceHashed(idx, passed)
			}
			if passed {
				m.Owned.Add(uint32(idx))
				m.QueueFinishedPiece(idx)
			}
		}
		f.firstHashed = true
		f.lastHashed = true
	}
}

func hashEquals(a, b PieceHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
