package users

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-operation outcomes and latencies. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg,
// if reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "userdb",
			Subsystem: "users",
			Name:      "operations_total",
			Help:      "Record access operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "userdb",
			Subsystem: "users",
			Name:      "operation_duration_seconds",
			Help:      "Time spent in record access operations, including time queued for the engine.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.ops, m.latency} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, Kind(err)).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}
