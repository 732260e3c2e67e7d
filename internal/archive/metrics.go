package archive

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the archive engine. A nil
// *Metrics records nothing.
type Metrics struct {
	// Fragment metrics
	FragmentOps    *prometheus.CounterVec // oarchive_fragment_ops_total{op,result}
	FanoutFailures *prometheus.CounterVec // oarchive_fanout_failures_total{op}

	// Repair metrics
	Reconstructions prometheus.Counter     // oarchive_reconstructions_total
	HealRewrites    *prometheus.CounterVec // oarchive_heal_rewrites_total{result}

	// Reference counting
	SafetyChecks    *prometheus.CounterVec // oarchive_safety_checks_total{outcome}
	RefCountUpdates *prometheus.CounterVec // oarchive_refcount_updates_total{op}

	// Resources
	PoolWait prometheus.Histogram // oarchive_pool_wait_seconds

	// Transfer metrics
	BytesStored    prometheus.Counter // oarchive_bytes_stored_total
	BytesRetrieved prometheus.Counter // oarchive_bytes_retrieved_total

	// Block cache
	BlockCacheHits   prometheus.Counter // oarchive_block_cache_hits_total
	BlockCacheMisses prometheus.Counter // oarchive_block_cache_misses_total
}

// NewMetrics creates the collectors and registers them with registry. A
// nil registry leaves them unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		FragmentOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oarchive_fragment_ops_total",
			Help: "Fragment operations by operation and result",
		}, []string{"op", "result"}),

		FanoutFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oarchive_fanout_failures_total",
			Help: "Fragment set operations that failed on more fragments than tolerated",
		}, []string{"op"}),

		Reconstructions: factory.NewCounter(prometheus.CounterOpts{
			Name: "oarchive_reconstructions_total",
			Help: "Blocks rebuilt from parity",
		}),

		HealRewrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oarchive_heal_rewrites_total",
			Help: "Corrupt fragment blocks rewritten after reconstruction",
		}, []string{"result"}),

		SafetyChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oarchive_safety_checks_total",
			Help: "Deletion safety checks by outcome",
		}, []string{"outcome"}),

		RefCountUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oarchive_refcount_updates_total",
			Help: "Reference count increments and decrements applied to fragments",
		}, []string{"op"}),

		PoolWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oarchive_pool_wait_seconds",
			Help:    "Time spent waiting for a fan-out worker pool",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),

		BytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "oarchive_bytes_stored_total",
			Help: "Object bytes stored",
		}),

		BytesRetrieved: factory.NewCounter(prometheus.CounterOpts{
			Name: "oarchive_bytes_retrieved_total",
			Help: "Object bytes returned to readers",
		}),

		BlockCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "oarchive_block_cache_hits_total",
			Help: "Object block reads served from the block cache",
		}),

		BlockCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "oarchive_block_cache_misses_total",
			Help: "Object block reads that went to the fragments",
		}),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordFragmentOp records one fragment operation.
func (m *Metrics) RecordFragmentOp(op string, err error) {
	if m == nil {
		return
	}
	m.FragmentOps.WithLabelValues(op, resultLabel(err)).Inc()
}

// RecordFanoutFailure records one fragment failing inside a set operation.
func (m *Metrics) RecordFanoutFailure(op string) {
	if m == nil {
		return
	}
	m.FanoutFailures.WithLabelValues(op).Inc()
}

// RecordReconstruction records a block rebuilt from parity.
func (m *Metrics) RecordReconstruction() {
	if m == nil {
		return
	}
	m.Reconstructions.Inc()
}

// RecordHeal records a repair rewrite. result is "ok", "error" or "throttled".
func (m *Metrics) RecordHeal(result string) {
	if m == nil {
		return
	}
	m.HealRewrites.WithLabelValues(result).Inc()
}

// RecordSafetyCheck records a safety check outcome.
func (m *Metrics) RecordSafetyCheck(outcome string) {
	if m == nil {
		return
	}
	m.SafetyChecks.WithLabelValues(outcome).Inc()
}

// RecordRefCount records a reference count change on one fragment.
func (m *Metrics) RecordRefCount(op string) {
	if m == nil {
		return
	}
	m.RefCountUpdates.WithLabelValues(op).Inc()
}

// RecordPoolWait records how long a fan-out waited for a pool.
func (m *Metrics) RecordPoolWait(d time.Duration) {
	if m == nil {
		return
	}
	m.PoolWait.Observe(d.Seconds())
}

// RecordStored records object bytes stored.
func (m *Metrics) RecordStored(bytes int64) {
	if m == nil {
		return
	}
	m.BytesStored.Add(float64(bytes))
}

// RecordRetrieved records object bytes read.
func (m *Metrics) RecordRetrieved(bytes int64) {
	if m == nil {
		return
	}
	m.BytesRetrieved.Add(float64(bytes))
}

// RecordBlockCache records a block cache lookup.
func (m *Metrics) RecordBlockCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.BlockCacheHits.Inc()
	} else {
		m.BlockCacheMisses.Inc()
	}
}
