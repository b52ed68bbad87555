package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebSeed is one HTTP web-seed source URL for a torrent's mode-logic to
// attach (§4.5). Unlike webseed-peer.go's dedicated requester-pool client,
// this engine only needs a GET-with-Range fetch: request scheduling for a
// web-seed is otherwise identical to any other PeerSession from the
// dispatcher's point of view once attached.
type WebSeed struct {
	URL    string
	Client *http.Client
}

// FetchRange performs a single ranged GET for one block, the web-seed
// analogue of a Request/Piece round trip.
func (w *WebSeed) FetchRange(ctx context.Context, offset int64, length int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(length)-1))

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webseed %s: unexpected status %s", w.URL, resp.Status)
	}
	buf := make([]byte, length)
	_, err = io.ReadFull(resp.Body, buf)
	return buf, err
}

// WebSeeds is the pool of candidate web-seed URLs configured for a torrent.
type WebSeeds struct {
	Candidates []*WebSeed
}

// maybeAttachWebSeed implements §4.5's downloading mode-logic web-seed
// step: attach once the configured start delay has elapsed and the
// sustained download rate sits below the trigger threshold. Per §9's open
// question, already-attempted seeds are tracked explicitly in
// attemptedWebSeeds rather than destructively clearing the candidate list,
// so candidates added later are still attempted. attemptedWebSeeds is
// never cleared: each URL is attempted at most once and is not retried.
func maybeAttachWebSeed(m *Manager) {
	if m.WebSeeds == nil || len(m.WebSeeds.Candidates) == 0 {
		return
	}
	if time.Since(m.startTime) < m.Settings.WebSeedDelay {
		return
	}
	if int64(m.downloadRateMonitor.currentRate) >= m.Settings.WebSeedSpeedTrigger {
		return
	}
	for _, ws := range m.WebSeeds.Candidates {
		if _, tried := m.attemptedWebSeeds[ws.URL]; tried {
			continue
		}
		m.attemptedWebSeeds[ws.URL] = struct{}{}
		m.attachWebSeedPeer(ws)
		return
	}
}

// attachWebSeedPeer registers ws as a connected peer session so it
// participates in the normal request/piece flow; request fulfillment is
// left to the ConnectionManager collaborator, which recognizes WebSeed
// peers and issues FetchRange calls instead of wire Requests.
func (m *Manager) attachWebSeedPeer(ws *WebSeed) {
	p := NewPeerSession(webSeedAddr(ws.URL), m.PieceCount, nominalMaxRequests(m.Settings))
	p.SetAllPieces(m.PieceCount)
	p.AmChoking = false
	p.IsChoking = false
	m.AddPeer(p)
}

type webSeedAddr string

func (w webSeedAddr) Network() string { return "webseed" }
func (w webSeedAddr) String() string  { return string(w) }
