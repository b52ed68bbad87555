package engine

import (
	"time"

	"golang.org/x/time/rate"

	pp "github.com/nightglass/peerengine/peer_protocol"
)

// rateMonitor tracks a byte rate: observe adds bytes to the current
// window, and tickOncePerSecond, run once per second from tick's pre-logic
// (§4.5), turns the window's count into currentRate in bytes/sec. The
// limiter field is built with an unlimited rate and is not read.
type rateMonitor struct {
	limiter     *rate.Limiter
	bytesThisWindow int64
	currentRate float64
}

func newRateMonitor() *rateMonitor {
	return &rateMonitor{limiter: rate.NewLimiter(rate.Inf, 1 << 20)}
}

func (r *rateMonitor) observe(n int64) {
	r.bytesThisWindow += n
}

// tickOncePerSecond rolls bytesThisWindow into currentRate and resets it;
// called when counter mod ticks_per_second == 0 (§4.5 pre-logic).
func (r *rateMonitor) tickOncePerSecond() {
	r.currentRate = float64(r.bytesThisWindow)
	r.bytesThisWindow = 0
}

const (
	keepAliveTimeout     = 90 * time.Second
	receiveTimeout       = 180 * time.Second
	blockStallTimeout    = 15 * time.Second
	hashFailureThreshold = 5
)

// Tick runs one pass of the engine tick loop (§4.5): pre-logic, mode-logic,
// post-logic, in that fixed order, all under m.lock so it never interleaves
// with dispatcher calls (§5).
func (m *Manager) Tick() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.tickCounter++
	m.preLogicTick()
	if m.mode.modeLogic != nil {
		m.mode.modeLogic(m)
	}
	m.postLogicTick()
}

func (m *Manager) preLogicTick() {
	if m.mode.CanHashCheck {
		m.tryHashPendingFiles()
	}

	if m.LPD != nil && m.lpdDue() {
		m.LPD.Announce()
	}
	if m.DHT != nil && m.dhtDue() {
		m.DHT.Announce()
	}

	if m.Settings.TicksPerSecond > 0 && m.tickCounter%m.Settings.TicksPerSecond == 0 {
		m.downloadRateMonitor.tickOncePerSecond()
		m.lock.DeferUnique("report-outstanding-requests", func() {
			m.Metrics.setOutstandingRequests(float64(m.sumOutstandingRequests()))
		})
	}

	finished := m.DrainFinishedPieces()
	if len(finished) > 0 {
		m.broadcastHaves(finished)
	}

	for p := range m.Peers {
		if p.PEX != nil && p.PEX.due() {
			p.PEX.tick(m, p)
		}
		p.MaxPendingRequests = clampMaxRequests(
			m.Settings.MaxRequestsBase,
			m.Settings.MaxRequestsBonusPerKB,
			int64(m.downloadRateMonitor.currentRate/1024),
			p.PeerAdvertisedMaxReq,
		)
	}
}

// clampMaxRequests implements §4.5's
// clamp(2, base + download_rate_kB / bonus_per_kB, peer_advertised_max).
func clampMaxRequests(base int, bonusPerKB int64, rateKB int64, peerMax int) int {
	v := base
	if bonusPerKB > 0 {
		v += int(rateKB / bonusPerKB)
	}
	if v < 2 {
		v = 2
	}
	if peerMax > 0 && v > peerMax {
		v = peerMax
	}
	return v
}

func (m *Manager) postLogicTick() {
	now := time.Now()
	for p := range m.Peers {
		m.retractStaleRequests(p)
		m.nudgeSendQueue(p)

		if !p.LastMessageSent.IsZero() && now.Sub(p.LastMessageSent) > keepAliveTimeout {
			p.SendQueue.Enqueue(pp.Message{Keepalive: true}, nil)
			p.MarkMessageSent(now)
		}
		if !p.LastMessageReceived.IsZero() && now.Sub(p.LastMessageReceived) > receiveTimeout {
			m.DisconnectWithReason(p, "idle timeout")
			continue
		}
		if p.OutstandingRequestsOut > 0 && !p.LastBlockReceived.IsZero() && now.Sub(p.LastBlockReceived) > blockStallTimeout {
			m.DisconnectWithReason(p, "block stall")
			continue
		}
	}

	if m.Pieces != nil {
		peers := make([]*PeerSession, 0, len(m.Peers))
		for p := range m.Peers {
			peers = append(peers, p)
		}
		m.Pieces.AddPieceRequests(peers...)
	}

	state := m.State()
	if (state == StateDownloading || state == StateSeeding) && m.Tracker != nil {
		ctx, cancel := m.withContext()
		m.lock.SafeUnlock()
		_ = m.Tracker.AnnounceAsync(ctx, TrackerEventNone)
		cancel()
		m.lock.SafeLock()
	}
}

// broadcastHaves implements the Have-broadcast algorithm (§4.5): per peer,
// filter finished indices by have-suppression, skip peers left with an
// empty bundle, then re-evaluate our interest in every peer afterward.
func (m *Manager) broadcastHaves(finished []int) {
	for p := range m.Peers {
		bundle := finished
		if m.Settings.AllowHaveSuppression {
			filtered := make([]int, 0, len(finished))
			for _, idx := range finished {
				if !p.HasPiece(idx) {
					filtered = append(filtered, idx)
				}
			}
			bundle = filtered
		}
		if len(bundle) == 0 {
			continue
		}
		for _, idx := range bundle {
			p.SendQueue.Enqueue(pp.Message{Type: pp.Have, Index: pp.Integer(idx)}, nil)
		}
		m.estimatedDownloadedBytes += m.PieceLen * int64(len(bundle))
	}
	for p := range m.Peers {
		m.RecomputeInterestIn(p)
	}
}

// sumOutstandingRequests totals OutstandingRequestsOut across every
// connected peer, for the once-per-second outstanding_requests gauge.
func (m *Manager) sumOutstandingRequests() int {
	total := 0
	for p := range m.Peers {
		total += p.OutstandingRequestsOut
	}
	return total
}

// lpdDue/dhtDue implement §4.5 pre-logic's "if its interval has elapsed"
// gating for local peer discovery and DHT announces.
func (m *Manager) lpdDue() bool {
	now := time.Now()
	if now.Sub(m.lastLPDAnnounce) < m.LPD.AnnounceInterval() {
		return false
	}
	m.lastLPDAnnounce = now
	return true
}

func (m *Manager) dhtDue() bool {
	now := time.Now()
	if now.Sub(m.lastDHTAnnounce) < m.DHT.AnnounceInterval() {
		return false
	}
	m.lastDHTAnnounce = now
	return true
}
