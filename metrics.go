package bonsai

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	commitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bonsai",
		Name:      "commits_total",
		Help:      "Revisions committed to storage, including merged ones.",
	})
	snapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bonsai",
		Name:      "snapshots_total",
		Help:      "Full trie snapshots written.",
	})
	mergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bonsai",
		Name:      "merges_total",
		Help:      "Merge attempts by result.",
	}, []string{"result"})
	revisionCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bonsai",
		Name:      "revision_cache_total",
		Help:      "Revision cache lookups by outcome.",
	}, []string{"event"})
	reconstructSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bonsai",
		Name:      "reconstruct_seconds",
		Help:      "Time spent rebuilding historical revisions.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

// RegisterMetrics registers the package's collectors with reg. Collectors
// already registered there are left alone.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		commitsTotal, snapshotsTotal, mergesTotal, revisionCacheTotal, reconstructSeconds,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
