package connmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	Dials *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, name string, count func() int) *metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"manager": name}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "replicas_connections",
		Help:        "Open synchronization connections",
		ConstLabels: labels,
	}, func() float64 {
		return float64(count())
	})
	return &metrics{
		Dials: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "replicas_dials_total",
			Help:        "Outbound connection attempts, by result",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}
