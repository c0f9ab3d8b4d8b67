package qstore

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus instruments every actor reports to.
// One Metrics is shared across the whole quorum store instance;
// registering it twice against the same registerer is the caller's
// mistake to avoid — metric wiring is left to the embedding
// application.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	ProofTimeouts   prometheus.Counter
	ProofsFormed    prometheus.Counter
	QuotaEvictions  *prometheus.CounterVec
	QuotaExceeded   *prometheus.CounterVec
	DBBytesUsed     prometheus.Gauge
	MemoryBytesUsed prometheus.Gauge
	FetchAttempts   prometheus.Counter
	FetchFailures   prometheus.Counter
	BatchesGCed     prometheus.Counter
}

// NewMetrics constructs a Metrics bundle and registers it against reg.
// Pass prometheus.NewRegistry() (or nil for the default registerer) —
// nil uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quorumstore",
			Name:      "actor_queue_depth",
			Help:      "Number of messages queued for an actor's inbound channel.",
		}, []string{"actor"}),
		ProofTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "proof_timeouts_total",
			Help:      "Number of proof aggregations that hit their deadline without quorum.",
		}),
		ProofsFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "proofs_formed_total",
			Help:      "Number of ProofOfStore values successfully assembled.",
		}),
		QuotaEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "quota_evictions_total",
			Help:      "Number of batches evicted under quota pressure, by quota kind.",
		}, []string{"quota"}),
		QuotaExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "quota_exceeded_total",
			Help:      "Number of admissions rejected after eviction still couldn't fit, by quota kind.",
		}, []string{"quota"}),
		DBBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumstore",
			Name:      "db_bytes_used",
			Help:      "Current persisted payload bytes counted against db_quota.",
		}),
		MemoryBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumstore",
			Name:      "memory_bytes_used",
			Help:      "Current cached decoded payload bytes counted against memory_quota.",
		}),
		FetchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "peer_fetch_attempts_total",
			Help:      "Number of BatchRequest attempts issued to peers.",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "peer_fetch_failures_total",
			Help:      "Number of peer fetches that exhausted their retry budget.",
		}),
		BatchesGCed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumstore",
			Name:      "batches_gc_total",
			Help:      "Number of batches removed by the GC watermark.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.QueueDepth, m.ProofTimeouts, m.ProofsFormed, m.QuotaEvictions,
		m.QuotaExceeded, m.DBBytesUsed, m.MemoryBytesUsed, m.FetchAttempts,
		m.FetchFailures, m.BatchesGCed,
	} {
		_ = reg.Register(c)
	}
	return m
}

// NewNopMetrics returns a Metrics bundle that isn't registered against
// any registerer, safe to use repeatedly in tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
