package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are the engine's prometheus instruments. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	executions *prometheus.CounterVec
	reused     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	leases     *prometheus.GaugeVec
	timeouts   prometheus.Counter
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vidi",
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool kind and outcome.",
		}, []string{"kind", "outcome"}),
		reused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vidi",
			Name:      "markings_reused_total",
			Help:      "Cached markings reused instead of recomputed.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vidi",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"kind"}),
		leases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vidi",
			Name:      "device_leases",
			Help:      "In-flight executions per compute device.",
		}, []string{"device"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vidi",
			Name:      "remote_timeouts_total",
			Help:      "Remote connections that timed out.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.executions, c.reused, c.duration, c.leases, c.timeouts)
	}
	return c
}

func (c *Collectors) ObserveExecution(kind string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.executions.WithLabelValues(kind, outcome).Inc()
	if err == nil {
		c.duration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (c *Collectors) ObserveReuse(kind string) {
	if c == nil {
		return
	}
	c.reused.WithLabelValues(kind).Inc()
}

func (c *Collectors) SetLeases(device string, n int64) {
	if c == nil {
		return
	}
	c.leases.WithLabelValues(device).Set(float64(n))
}

func (c *Collectors) ObserveTimeout() {
	if c == nil {
		return
	}
	c.timeouts.Inc()
}
