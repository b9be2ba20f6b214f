// Package metrics holds the Prometheus collectors of the tracking milter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups all collectors. Use [New] to create them and [Metrics.Register] to expose them.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transactions  *prometheus.CounterVec
	Rewrites      prometheus.Counter
	Anchors       prometheus.Counter
	Aborts        prometheus.Counter
	StorageErrors prometheus.Counter
	ParseErrors   prometheus.Counter
	MessageBytes  prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		Transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tracking_milter",
				Name:      "transactions_total",
				Help:      "Number of finished transactions by verdict",
			},
			[]string{"verdict"},
		),
		Rewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracking_milter",
			Name:      "rewrites_total",
			Help:      "Number of messages whose HTML part got tracking added",
		}),
		Anchors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracking_milter",
			Name:      "anchors_total",
			Help:      "Number of decorated anchors",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracking_milter",
			Name:      "aborts_total",
			Help:      "Number of transactions aborted by the MTA",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracking_milter",
			Name:      "storage_errors_total",
			Help:      "Number of scratch storage failures that resulted in a temporary failure",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracking_milter",
			Name:      "parse_errors_total",
			Help:      "Number of messages that could not be parsed or rewritten and passed unmodified",
		}),
		MessageBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tracking_milter",
			Name:      "message_bytes",
			Help:      "Size of captured messages (header and body)",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
	}
}

// Register registers all collectors with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Transactions, m.Rewrites, m.Anchors, m.Aborts, m.StorageErrors, m.ParseErrors, m.MessageBytes} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Transaction(verdict string, size int64) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(verdict).Inc()
	m.MessageBytes.Observe(float64(size))
}

func (m *Metrics) Rewrite(anchors int) {
	if m == nil {
		return
	}
	m.Rewrites.Inc()
	m.Anchors.Add(float64(anchors))
}

func (m *Metrics) Abort() {
	if m == nil {
		return
	}
	m.Aborts.Inc()
}

func (m *Metrics) StorageError() {
	if m == nil {
		return
	}
	m.StorageErrors.Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}
