package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cutso/tornado-redisclient/protocol"
)

// Metrics can be shared between sessions. A nil *Metrics records nothing.
type Metrics struct {
	requests      prometheus.Counter
	replies       *prometheus.CounterVec
	pending       prometheus.Gauge
	framingFaults prometheus.Counter
	pushesDropped prometheus.Counter
}

func NewMetrics(r prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "redisclient_requests_total",
			Help: "Total number of commands written to the server.",
		}),
		replies: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "redisclient_replies_total",
			Help: "Total number of replies dispatched, by reply type.",
		}, []string{"type"}),
		pending: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "redisclient_pending_requests",
			Help: "Number of commands waiting for a reply.",
		}),
		framingFaults: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "redisclient_framing_faults_total",
			Help: "Total number of malformed reply frames.",
		}),
		pushesDropped: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "redisclient_pushes_dropped_total",
			Help: "Total number of out-of-band replies dropped because the push channel was full.",
		}),
	}
}

func (m *Metrics) requestSent() {
	if m == nil {
		return
	}

	m.requests.Inc()
	m.pending.Inc()
}

func (m *Metrics) requestDone(reply protocol.Reply, err error) {
	if m == nil {
		return
	}

	m.pending.Dec()
	m.replies.WithLabelValues(replyLabel(reply, err)).Inc()
}

func (m *Metrics) framingFault() {
	if m == nil {
		return
	}

	m.framingFaults.Inc()
}

func (m *Metrics) pushDropped() {
	if m == nil {
		return
	}

	m.pushesDropped.Inc()
}

func replyLabel(reply protocol.Reply, err error) string {
	switch {
	case reply != nil:
		return string(reply.Type())
	case err == nil:
		return "none"
	}

	if _, ok := err.(*protocol.Error); ok {
		return string(protocol.TypeError)
	}

	if errors.Is(err, ErrClosed) {
		return "closed"
	}

	return "fault"
}
