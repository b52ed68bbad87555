package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the engine updates as it
// dispatches messages, hashes pieces, and disconnects peers. Instrumenting
// the engine that drives the choking algorithm is carried regardless of
// the choking algorithm's own internals being a non-goal.
type Metrics struct {
	MessagesDispatched  *prometheus.CounterVec
	PiecesHashed        *prometheus.CounterVec
	PeersDisconnected   *prometheus.CounterVec
	OutstandingRequests prometheus.Gauge
}

// NewMetrics registers a fresh Metrics set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerengine",
			Name:      "messages_dispatched_total",
			Help:      "Inbound peer-wire messages dispatched, by message kind.",
		}, []string{"kind"}),
		PiecesHashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerengine",
			Name:      "pieces_hashed_total",
			Help:      "Pieces hash-verified, by outcome.",
		}, []string{"outcome"}),
		PeersDisconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerengine",
			Name:      "peers_disconnected_total",
			Help:      "Peer disconnects, by reason.",
		}, []string{"reason"}),
		OutstandingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerengine",
			Name:      "outstanding_requests",
			Help:      "Sum of outstanding block requests across all connected peers.",
		}),
	}
	reg.MustRegister(m.MessagesDispatched, m.PiecesHashed, m.PeersDisconnected, m.OutstandingRequests)
	return m
}

func (mt *Metrics) observeDispatch(kind string) {
	if mt == nil {
		return
	}
	mt.MessagesDispatched.WithLabelValues(kind).Inc()
}

func (mt *Metrics) observeHash(passed bool) {
	if mt == nil {
		return
	}
	outcome := "fail"
	if passed {
		outcome = "pass"
	}
	mt.PiecesHashed.WithLabelValues(outcome).Inc()
}

func (mt *Metrics) observeDisconnect(reason string) {
	if mt == nil {
		return
	}
	mt.PeersDisconnected.WithLabelValues(reason).Inc()
}

func (mt *Metrics) setOutstandingRequests(n float64) {
	if mt == nil {
		return
	}
	mt.OutstandingRequests.Set(n)
}
