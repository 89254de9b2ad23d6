package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the reservation flow counters shared by both services
type Metrics struct {
	ReservationsTotal *prometheus.CounterVec // mode=local|external, outcome=success|conflict|unavailable|upstream_error|error
	ReturnsTotal      *prometheus.CounterVec // outcome=success|conflict|forbidden|error

	PartnerCallLatency *prometheus.HistogramVec // op=availability|reserve|release
	PartnerCallsTotal  *prometheus.CounterVec   // op, result=success|fail

	RemindersSent prometheus.Counter
}

// NewMetrics builds and registers the metric set on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "library_reservations_total",
				Help: "Total reservation attempts by fulfillment mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ReturnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "library_returns_total",
				Help: "Total return attempts by outcome",
			},
			[]string{"outcome"},
		),
		PartnerCallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "library_partner_call_seconds",
				Help:    "Latency of calls to the partner availability service",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"op"},
		),
		PartnerCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "library_partner_calls_total",
				Help: "Total calls to the partner availability service by result",
			},
			[]string{"op", "result"},
		),
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_reminders_sent_total",
			Help: "Total expiry reminder events published",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ReservationsTotal,
			m.ReturnsTotal,
			m.PartnerCallLatency,
			m.PartnerCallsTotal,
			m.RemindersSent,
		)
	}

	return m
}
