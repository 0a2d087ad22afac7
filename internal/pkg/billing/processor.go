package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// Outcome is how a delivery ended. Every outcome except SignatureInvalid,
// TenantUnknown and Error is acknowledged to the processor.
type Outcome string

const (
	OutcomeProcessed            Outcome = "processed"
	OutcomeDuplicate            Outcome = "duplicate"
	OutcomeUnknownType          Outcome = "unknown_type"
	OutcomeSubscriptionNotFound Outcome = "subscription_not_found"
	OutcomeMalformed            Outcome = "malformed"
	OutcomeSignatureInvalid     Outcome = "signature_invalid"
	OutcomeTenantUnknown        Outcome = "tenant_unknown"
	OutcomeError                Outcome = "error"
)

// Acknowledged reports whether the processor should stop redelivering.
func (o Outcome) Acknowledged() bool {
	switch o {
	case OutcomeSignatureInvalid, OutcomeTenantUnknown, OutcomeError:
		return false
	}
	return true
}

// Processor runs one webhook delivery through gate, ledger and handlers.
type Processor struct {
	repos      *repository.Repositories
	ledger     *Ledger
	machine    *StateMachine
	reconciler *Reconciler
	metrics    *metrics.Billing
}

func NewProcessor(repos *repository.Repositories, ledger *Ledger, machine *StateMachine, reconciler *Reconciler, m *metrics.Billing) *Processor {
	return &Processor{repos: repos, ledger: ledger, machine: machine, reconciler: reconciler, metrics: m}
}

func (p *Processor) count(o Outcome) {
	if p.metrics != nil {
		p.metrics.WebhookEvents.WithLabelValues(string(o)).Inc()
	}
}

// HandleWebhook verifies, records and applies one delivery. A non-nil error
// comes with an unacknowledged outcome.
func (p *Processor) HandleWebhook(ctx context.Context, tenantID uint, body []byte, signature string) (Outcome, error) {
	outcome, err := p.handleWebhook(ctx, tenantID, body, signature)
	p.count(outcome)
	return outcome, err
}

func (p *Processor) handleWebhook(ctx context.Context, tenantID uint, body []byte, signature string) (Outcome, error) {
	settings, err := p.repos.TenantSettings.GetByTenantID(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return OutcomeTenantUnknown, ErrTenantNotConfigured
	}
	if err != nil {
		return OutcomeError, err
	}

	ev, err := Decode(body, signature, settings.WebhookSecret)
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		log.Warnf("[Webhook] Invalid signature for tenant %d", tenantID)
		return OutcomeSignatureInvalid, err
	case errors.Is(err, ErrMalformedPayload):
		log.Errorf("[Webhook] Malformed delivery for tenant %d dropped: %v", tenantID, err)
		return OutcomeMalformed, nil
	case err != nil:
		return OutcomeError, err
	}

	result, row, err := p.ledger.RecordOrSkip(ctx, tenantID, ev.ID, ev.Type, body)
	if err != nil {
		log.Errorf("[Webhook] Ledger unavailable for %s (tenant %d): %v", ev.ID, tenantID, err)
		return OutcomeError, err
	}
	if result == RecordAlreadyProcessed {
		log.Debugf("[Webhook] %s already processed for tenant %d", ev.ID, tenantID)
		return OutcomeDuplicate, nil
	}
	if result == RecordCrashedRerun {
		log.Infof("[Webhook] Re-running unfinished event %s for tenant %d", ev.ID, tenantID)
	}
	return p.dispatch(ctx, tenantID, row, ev)
}

// Reprocess re-runs a pending ledger row, as after a crash mid-handler.
func (p *Processor) Reprocess(ctx context.Context, eventID uint) (Outcome, error) {
	row, err := p.repos.Event.GetByID(ctx, eventID)
	if err != nil {
		return OutcomeError, err
	}
	if row.IsProcessed() {
		return OutcomeDuplicate, nil
	}
	ev, err := DecodeEvent(row.Payload)
	if err != nil {
		ackErr := p.ledger.MarkAcknowledged(ctx, row.ID, err)
		return OutcomeMalformed, ackErr
	}
	outcome, err := p.dispatch(ctx, row.TenantID, row, ev)
	p.count(outcome)
	return outcome, err
}

// ReprocessPending re-runs pending rows older than minAge and returns how
// many reached an acknowledged outcome.
func (p *Processor) ReprocessPending(ctx context.Context, tenantID uint, minAge time.Duration, limit int) (int, error) {
	rows, err := p.ledger.Pending(ctx, tenantID, time.Now().Add(-minAge), limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, row := range rows {
		outcome, err := p.Reprocess(ctx, row.ID)
		if err != nil {
			log.Warnf("[Webhook] Reprocessing event %d (%s) failed: %v", row.ID, row.ExternalEventID, err)
			continue
		}
		if outcome.Acknowledged() {
			done++
		}
	}
	return done, nil
}

// JobEnqueuer is the part of the job queue used for immediate jobs.
type JobEnqueuer interface {
	EnqueueJob(jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// EnqueuePending queues a reprocess job for each pending row older than minAge.
func (p *Processor) EnqueuePending(ctx context.Context, q JobEnqueuer, minAge time.Duration, limit int) (int, error) {
	rows, err := p.ledger.Pending(ctx, 0, time.Now().Add(-minAge), limit)
	if err != nil {
		return 0, err
	}
	for i, row := range rows {
		if _, err := q.EnqueueJob(jobqueue.JobTypeReprocessEvent, jobqueue.ReprocessEventPayload{EventID: row.ID}.ToMap()); err != nil {
			return i, err
		}
	}
	if len(rows) > 0 {
		log.Infof("[Webhook] Queued %d pending events for reprocessing", len(rows))
	}
	return len(rows), nil
}

// HandleReprocessJob is the job queue handler for reprocess_event.
func (p *Processor) HandleReprocessJob(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.ReprocessEventPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid reprocess payload: %w", err)
	}
	_, err = p.Reprocess(ctx, payload.EventID)
	return err
}

// Register binds the reprocess handler on q.
func (p *Processor) Register(q *jobqueue.Queue) {
	q.RegisterHandler(jobqueue.JobTypeReprocessEvent, p.HandleReprocessJob)
}

func (p *Processor) dispatch(ctx context.Context, tenantID uint, row *models.SubscriptionEvent, ev *Event) (Outcome, error) {
	sub, err := p.apply(ctx, tenantID, ev)

	var subID *uint
	if sub != nil {
		id := sub.ID
		subID = &id
	}

	var outcome Outcome
	switch {
	case err == nil:
		outcome = OutcomeProcessed
		err = p.ledger.MarkProcessed(ctx, row.ID, subID)
	case errors.Is(err, ErrDuplicateEvent):
		log.Infof("[Webhook] %s event %s repeats an applied payment: %v", ev.Type, ev.ID, err)
		outcome = OutcomeDuplicate
		err = p.ledger.MarkProcessed(ctx, row.ID, subID)
	case errors.Is(err, ErrUnknownEventType):
		log.Infof("[Webhook] Ignoring %s event %s", ev.Type, ev.ID)
		outcome = OutcomeUnknownType
		err = p.ledger.MarkAcknowledged(ctx, row.ID, err)
	case errors.Is(err, ErrSubscriptionNotFound):
		log.Warnf("[Webhook] Unresolvable %s event %s for tenant %d: %v", ev.Type, ev.ID, tenantID, err)
		outcome = OutcomeSubscriptionNotFound
		err = p.ledger.MarkAcknowledged(ctx, row.ID, err)
	case errors.Is(err, ErrMalformedPayload):
		log.Errorf("[Webhook] Malformed %s event %s for tenant %d: %v", ev.Type, ev.ID, tenantID, err)
		outcome = OutcomeMalformed
		err = p.ledger.MarkAcknowledged(ctx, row.ID, err)
	default:
		log.Errorf("[Webhook] Handler for %s event %s failed, leaving it pending: %v", ev.Type, ev.ID, err)
		if markErr := p.ledger.MarkFailed(ctx, row.ID, err); markErr != nil {
			log.Errorf("[Webhook] Unable to record failure of %s: %v", ev.ID, markErr)
		}
		return OutcomeError, err
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("close ledger row %s: %w", ev.ID, err)
	}
	return outcome, nil
}

func (p *Processor) apply(ctx context.Context, tenantID uint, ev *Event) (*models.Subscription, error) {
	switch ev.Type {
	case EventCheckoutSessionCompleted:
		return p.machine.ApplyCheckoutCompleted(ctx, tenantID, ev)

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return p.machine.ApplySubscriptionEvent(ctx, tenantID, ev)

	case EventInvoicePaymentFailed:
		inv, err := decodeObject[InvoicePayload](ev)
		if err != nil {
			return nil, err
		}
		sub, err := p.machine.MarkPastDue(ctx, tenantID, ev.ID, inv)
		if err != nil {
			return sub, err
		}
		if _, err := p.reconciler.Reconcile(ctx, tenantID, ev.ID, inv, ev.Object); err != nil {
			return sub, err
		}
		return sub, nil

	case EventInvoicePaymentSucceeded:
		inv, err := decodeObject[InvoicePayload](ev)
		if err != nil {
			return nil, err
		}
		if inv.BillingReason != "" && inv.BillingReason != BillingReasonSubscriptionCycle {
			log.Debugf("[Webhook] Skipping %s for invoice %s (reason %s)", ev.Type, inv.ID, inv.BillingReason)
			return nil, nil
		}
		return p.reconcilePayment(ctx, tenantID, ev, inv)

	case EventInvoicePaid:
		inv, err := decodeObject[InvoicePayload](ev)
		if err != nil {
			return nil, err
		}
		return p.reconcilePayment(ctx, tenantID, ev, inv)

	case EventInvoiceFinalized, EventInvoiceUpdated:
		inv, err := decodeObject[InvoicePayload](ev)
		if err != nil {
			return nil, err
		}
		return p.reconcile(ctx, tenantID, ev, inv)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
}

func (p *Processor) reconcile(ctx context.Context, tenantID uint, ev *Event, inv *InvoicePayload) (*models.Subscription, error) {
	res, err := p.reconciler.Reconcile(ctx, tenantID, ev.ID, inv, ev.Object)
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// reconcilePayment is reconcile for payment events: a second payment event
// for an invoice that is already booked is a duplicate.
func (p *Processor) reconcilePayment(ctx context.Context, tenantID uint, ev *Event, inv *InvoicePayload) (*models.Subscription, error) {
	res, err := p.reconciler.Reconcile(ctx, tenantID, ev.ID, inv, ev.Object)
	if err != nil {
		return nil, err
	}
	if res.Invoice != nil && res.Invoice.IsPaid() && !res.TransactionCreated {
		return res.Subscription, fmt.Errorf("%w: invoice %s already booked", ErrDuplicateEvent, inv.ID)
	}
	return res.Subscription, nil
}
