package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus counters exported by the service. A nil
// *Metrics is valid and turns every method into a no-op so unit tests can
// skip registration.
type Metrics struct {
	SessionsOpened    prometheus.Counter
	DepositsHeld      prometheus.Counter
	DepositsRefunded  prometheus.Counter
	DepositsForfeited prometheus.Counter
	LeaksFlagged      prometheus.Counter
	OTPCodesSent      prometheus.Counter
}

// New creates and registers all counters on the default registry.
func New() *Metrics {
	return &Metrics{
		SessionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundgate_sessions_opened_total",
			Help: "Total negotiation sessions opened.",
		}),
		DepositsHeld: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundgate_deposits_held_total",
			Help: "Total earnest deposits placed in escrow.",
		}),
		DepositsRefunded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundgate_deposits_refunded_total",
			Help: "Total earnest deposits refunded.",
		}),
		DepositsForfeited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundgate_deposits_forfeited_total",
			Help: "Total earnest deposits forfeited after a confirmed leak.",
		}),
		LeaksFlagged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundgate_leaks_flagged_total",
			Help: "Total chat turns that tripped the leak-risk threshold.",
		}),
		OTPCodesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundgate_otp_codes_sent_total",
			Help: "Total OTP codes dispatched for NDA verification.",
		}),
	}
}

func (m *Metrics) IncSessionsOpened() {
	if m != nil {
		m.SessionsOpened.Inc()
	}
}

func (m *Metrics) IncDepositsHeld() {
	if m != nil {
		m.DepositsHeld.Inc()
	}
}

func (m *Metrics) IncDepositsRefunded() {
	if m != nil {
		m.DepositsRefunded.Inc()
	}
}

func (m *Metrics) IncDepositsForfeited() {
	if m != nil {
		m.DepositsForfeited.Inc()
	}
}

func (m *Metrics) IncLeaksFlagged() {
	if m != nil {
		m.LeaksFlagged.Inc()
	}
}

func (m *Metrics) IncOTPCodesSent() {
	if m != nil {
		m.OTPCodesSent.Inc()
	}
}
