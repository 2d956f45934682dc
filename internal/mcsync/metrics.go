package mcsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mcsync"

const (
	resultSkipped = "skipped"
	resultPushed  = "pushed"
	resultError   = "error"
)

type metrics struct {
	passes    *prometheus.CounterVec
	pushes    prometheus.Counter
	backoff   prometheus.Gauge
	coalesced prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pushes_total",
			Help:      "Pushes of local state to the router and DNS.",
		}),
		backoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "backoff_seconds",
			Help:      "Delay before the next retry after a failed pass.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "coalesced_signals_total",
			Help:      "Update signals merged into an already pending pass.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.passes, m.pushes, m.backoff, m.coalesced,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
