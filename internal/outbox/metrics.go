package outbox

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	PollsTotal         prometheus.Counter
	ClaimedTotal       prometheus.Counter
	PublishedTotal     *prometheus.CounterVec
	PublishFailedTotal *prometheus.CounterVec
	DeadTotal          *prometheus.CounterVec
	RequeuedTotal      prometheus.Counter
	ClaimErrorsTotal   prometheus.Counter
	LagSeconds         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_relay_polls_total", Help: "Total number of outbox polling ticks."},
		),
		ClaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_relay_claimed_total", Help: "Total number of claimed outbox rows."},
		),
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_published_total", Help: "Published outbox events."},
			[]string{"event_type"},
		),
		PublishFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_failed_total", Help: "Failed outbox publish attempts."},
			[]string{"event_type"},
		),
		DeadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_dead_total", Help: "Outbox events parked in failed state."},
			[]string{"event_type"},
		),
		RequeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_relay_requeued_total", Help: "Stuck outbox rows requeued back to pending."},
		),
		ClaimErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_relay_claim_errors_total", Help: "Total number of claim errors."},
		),
		LagSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "outbox_lag_seconds", Help: "Lag in seconds for oldest pending outbox event."},
		),
	}
	reg.MustRegister(
		m.PollsTotal,
		m.ClaimedTotal,
		m.PublishedTotal,
		m.PublishFailedTotal,
		m.DeadTotal,
		m.RequeuedTotal,
		m.ClaimErrorsTotal,
		m.LagSeconds,
	)
	return m
}
