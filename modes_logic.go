package engine

import "time"

// downloadingModeLogic implements §4.5's mode-logic section for the
// Downloading state: web-seed attachment, inactive-peer sweeps, and the
// unconditional unchoke review.
func downloadingModeLogic(m *Manager) {
	maybeAttachWebSeed(m)
	if m.shouldRunInactiveSweep() {
		m.sweepInactivePeers()
	}
	if m.Unchoke != nil {
		m.Unchoke.UnchokeReview()
	}
}

// seedingModeLogic skips web-seed attachment and inactive-peer sweeps
// (both pointless once every piece is owned) but still runs the choking
// algorithm, per §4.5 ("always call the choking algorithm's
// unchoke_review()").
func seedingModeLogic(m *Manager) {
	if m.Unchoke != nil {
		m.Unchoke.UnchokeReview()
	}
}

const inactiveSweepInterval = 5 * time.Second

// shouldRunInactiveSweep gates inactive-peer sweeps to at most once every
// 5s while downloading (§4.5).
func (m *Manager) shouldRunInactiveSweep() bool {
	now := time.Now()
	if now.Sub(m.lastInactiveSweep) < inactiveSweepInterval {
		return false
	}
	m.lastInactiveSweep = now
	return true
}

// sweepInactivePeers disconnects peers that have gone silent beyond the
// timeouts enforced in post-logic; the bulk of timeout enforcement lives
// there (per-peer, every tick). This sweep exists for additional inactivity
// heuristics a concrete deployment's Unchoker might want layered on top;
// the base engine's sweep is a no-op hook left for that purpose.
func (m *Manager) sweepInactivePeers() {}
