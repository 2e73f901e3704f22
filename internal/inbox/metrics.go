package inbox

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ProcessedTotal *prometheus.CounterVec
	DeadTotal      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "inbox_processed_total", Help: "Consumed events by outcome."},
			[]string{"event_type", "outcome"},
		),
		DeadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "inbox_dead_total", Help: "Events parked after exhausting handler attempts."},
			[]string{"event_type"},
		),
	}
	reg.MustRegister(m.ProcessedTotal, m.DeadTotal)
	return m
}
