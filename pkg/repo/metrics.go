package repo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	Applied          *prometheus.CounterVec
	Buffered         prometheus.Counter
	Duplicates       prometheus.Counter
	Snapshots        prometheus.Counter
	SnapshotFailures prometheus.Counter
	Corrupt          prometheus.Counter
}

// newMetrics registers with reg when it is not nil. The namespace label keeps several repositories in one registry
// apart.
func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"namespace": namespace}
	return &metrics{
		Applied: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "replicas_changes_applied_total",
			Help:        "Change records applied and persisted, by origin",
			ConstLabels: labels,
		}, []string{"origin"}),
		Buffered: f.NewCounter(prometheus.CounterOpts{
			Name:        "replicas_changes_buffered_total",
			Help:        "Change records received before their dependencies",
			ConstLabels: labels,
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name:        "replicas_changes_duplicate_total",
			Help:        "Change records received more than once",
			ConstLabels: labels,
		}),
		Snapshots: f.NewCounter(prometheus.CounterOpts{
			Name:        "replicas_snapshots_total",
			Help:        "Snapshots written",
			ConstLabels: labels,
		}),
		SnapshotFailures: f.NewCounter(prometheus.CounterOpts{
			Name:        "replicas_snapshot_failures_total",
			Help:        "Snapshot attempts that failed and were deferred",
			ConstLabels: labels,
		}),
		Corrupt: f.NewCounter(prometheus.CounterOpts{
			Name:        "replicas_documents_corrupt_total",
			Help:        "Documents whose persisted log could not be replayed",
			ConstLabels: labels,
		}),
	}
}
