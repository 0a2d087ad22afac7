package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Billing holds the billing engine's Prometheus collectors.
type Billing struct {
	WebhookEvents *prometheus.CounterVec
	GatewayCalls  *prometheus.CounterVec
	Checkouts     *prometheus.CounterVec
	RetryChecks   *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
}

// NewBilling creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use.
func NewBilling(reg prometheus.Registerer) *Billing {
	m := &Billing{
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billfox",
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by outcome (processed, duplicate, unknown_type, subscription_not_found, malformed, signature_invalid, error).",
		}, []string{"outcome"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billfox",
			Name:      "gateway_calls_total",
			Help:      "Outbound processor calls by gateway, operation and result.",
		}, []string{"gateway", "op", "result"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billfox",
			Name:      "checkout_sessions_total",
			Help:      "Checkout sessions by gateway and result.",
		}, []string{"gateway", "result"}),
		RetryChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billfox",
			Name:      "payment_retry_checks_total",
			Help:      "Payment retry checks by result (recovered, rescheduled, exhausted).",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billfox",
			Name:      "subscription_transitions_total",
			Help:      "Subscription status transitions by target status.",
		}, []string{"to"}),
	}
	if reg != nil {
		reg.MustRegister(m.WebhookEvents, m.GatewayCalls, m.Checkouts, m.RetryChecks, m.Transitions)
	}
	return m
}
