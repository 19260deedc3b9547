package store

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts cache and durable-tier outcomes. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	cacheLookups   *prometheus.CounterVec
	cacheFailures  *prometheus.CounterVec
	durableRetries *prometheus.CounterVec
	throttleWaits  prometheus.Counter
}

// NewMetrics creates the store collectors and registers them on reg when reg
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadsync",
			Subsystem: "store",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by table and result (hit, miss).",
		}, []string{"table", "result"}),
		cacheFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadsync",
			Subsystem: "store",
			Name:      "cache_failures_total",
			Help:      "Cache tier errors by table and operation; each degrades to the durable tier.",
		}, []string{"table", "op"}),
		durableRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadsync",
			Subsystem: "store",
			Name:      "durable_retryable_failures_total",
			Help:      "Retryable durable failures by table and operation.",
		}, []string{"table", "op"}),
		throttleWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cadsync",
			Subsystem: "store",
			Name:      "rate_limit_waits_total",
			Help:      "Durable operations delayed by the local rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheLookups, m.cacheFailures, m.durableRetries, m.throttleWaits)
	}
	return m
}

func (m *Metrics) cacheLookup(table string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(table, result).Inc()
}

func (m *Metrics) cacheFailure(table, op string) {
	if m == nil {
		return
	}
	m.cacheFailures.WithLabelValues(table, op).Inc()
}

func (m *Metrics) durableRetry(table, op string) {
	if m == nil {
		return
	}
	m.durableRetries.WithLabelValues(table, op).Inc()
}

func (m *Metrics) throttleWait() {
	if m == nil {
		return
	}
	m.throttleWaits.Inc()
}
