package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "circuitsync"

// Relay holds the counters the relay updates per frame.
type Relay struct {
	FramesIn  *prometheus.CounterVec // by inbound type
	FramesOut *prometheus.CounterVec // by outbound type, one per delivery
	Rejected  *prometheus.CounterVec // by error code
	Dropped   prometheus.Counter     // deliveries skipped because the peer was not writable
}

// NewRelay creates and registers the relay counters on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Socket frames received, by type.",
		}, []string{"type"}),
		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Socket frames queued for delivery, by type.",
		}, []string{"type"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Socket frames answered with an error frame, by error code.",
		}, []string{"code"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Deliveries skipped because the connection was not writable.",
		}),
	}
	reg.MustRegister(m.FramesIn, m.FramesOut, m.Rejected, m.Dropped)
	return m
}

// Gauges are sampled on scrape.
type Gauges struct {
	Sessions    func() int
	Connections func() int
	Documents   func() int
}

func RegisterGauges(reg prometheus.Registerer, g Gauges) {
	gauge := func(name, help string, fn func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}
	reg.MustRegister(
		gauge("sessions", "Live sessions.", g.Sessions),
		gauge("connections", "Joined socket connections.", g.Connections),
		gauge("documents", "Document states held in memory.", g.Documents),
	)
}

// Handler exposes metrics from g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
