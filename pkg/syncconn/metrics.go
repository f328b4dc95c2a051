package syncconn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by every connection of a manager.
type Metrics struct {
	Messages *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Messages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "replicas_sync_messages_total",
			Help: "Sync protocol messages by direction and type",
		}, []string{"direction", "type"}),
	}
}
