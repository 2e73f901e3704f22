package replybridge

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	CallsTotal  *prometheus.CounterVec
	WaitSeconds prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bridge_calls_total", Help: "Bridged calls by outcome (resolved|accepted)."},
			[]string{"outcome"},
		),
		WaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bridge_wait_seconds",
				Help:    "Time spent waiting for the correlated reply.",
				Buckets: []float64{.1, .2, .5, 1, 2, 3, 5, 8},
			},
		),
	}
	reg.MustRegister(m.CallsTotal, m.WaitSeconds)
	return m
}
