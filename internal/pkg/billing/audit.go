package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/BillFox/internal/pkg/eventbus"
	"github.com/gofiber/fiber/v2/log"
)

// Audit actions.
const (
	AuditPlanCreated           = "plan.created"
	AuditSubscriptionCreated   = "subscription.created"
	AuditSubscriptionUpdated   = "subscription.updated"
	AuditSubscriptionCanceled  = "subscription.canceled"
	AuditCancelRequested       = "subscription.cancel_requested"
	AuditPlanChanged           = "subscription.plan_changed"
	AuditInvoicePaid           = "invoice.paid"
	AuditPaymentFailed         = "payment.failed"
	AuditPaymentRetryExhausted = "payment.retry_exhausted"
)

// AuditRecord is one structured entry per lifecycle transition.
type AuditRecord struct {
	TenantID       uint              `json:"tenant_id"`
	Action         string            `json:"action"`
	SubscriptionID uint              `json:"subscription_id,omitempty"`
	PlanID         uint              `json:"plan_id,omitempty"`
	InvoiceID      string            `json:"invoice_id,omitempty"`
	FromStatus     string            `json:"from_status,omitempty"`
	ToStatus       string            `json:"to_status,omitempty"`
	EventID        string            `json:"event_id,omitempty"`
	At             time.Time         `json:"at"`
	Details        map[string]string `json:"details,omitempty"`
}

// AuditSink receives audit records. Sinks must not fail the caller.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
}

// LogAuditSink writes records to the structured log.
type LogAuditSink struct{}

func (LogAuditSink) Record(_ context.Context, rec AuditRecord) {
	log.Infow("[Audit] "+rec.Action,
		"tenant_id", rec.TenantID,
		"subscription_id", rec.SubscriptionID,
		"plan_id", rec.PlanID,
		"invoice_id", rec.InvoiceID,
		"from", rec.FromStatus,
		"to", rec.ToStatus,
		"event_id", rec.EventID,
	)
}

// PublisherAuditSink fans records out on a message bus as billing.<action>.
type PublisherAuditSink struct {
	Publisher eventbus.Publisher
	Timeout   time.Duration
}

func (s *PublisherAuditSink) Record(ctx context.Context, rec AuditRecord) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Publisher.Publish(pubCtx, "billing."+rec.Action, rec); err != nil {
		log.Warnf("[Audit] Failed to publish %s for tenant %d: %v", rec.Action, rec.TenantID, err)
	}
}

// MultiAuditSink forwards to every sink in order.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, rec AuditRecord) {
	for _, s := range m {
		s.Record(ctx, rec)
	}
}
