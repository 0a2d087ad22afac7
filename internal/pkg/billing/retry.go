package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// RetryPolicy is exponential backoff with jitter and a bounded attempt count.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64
}

// DefaultRetryPolicy checks after 24h, 48h and 72h (±20%).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   24 * time.Hour,
		MaxDelay:    72 * time.Hour,
		MaxAttempts: 3,
		Jitter:      0.2,
	}
}

// Delay returns the wait before attempt (1-based). rnd is uniform in [0,1).
// A zero MaxDelay leaves the backoff uncapped.
func (p RetryPolicy) Delay(attempt int, rnd float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + p.Jitter*(2*rnd-1)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// DelayedEnqueuer is the part of the job queue the scheduler needs.
type DelayedEnqueuer interface {
	EnqueueDelayed(jobType jobqueue.JobType, payload map[string]interface{}, runAt time.Time) (*jobqueue.Job, error)
}

// RetryScheduler re-checks past_due subscriptions on the job queue lane.
// Dunning itself stays with the processor; exhaustion is only audited.
type RetryScheduler struct {
	repos   *repository.Repositories
	queue   DelayedEnqueuer
	policy  RetryPolicy
	audit   AuditSink
	metrics *metrics.Billing
	now     func() time.Time
	rand    func() float64
}

// NewRetryScheduler creates a scheduler. audit and m may be nil.
func NewRetryScheduler(repos *repository.Repositories, queue DelayedEnqueuer, policy RetryPolicy, audit AuditSink, m *metrics.Billing) *RetryScheduler {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if audit == nil {
		audit = LogAuditSink{}
	}
	return &RetryScheduler{
		repos:   repos,
		queue:   queue,
		policy:  policy,
		audit:   audit,
		metrics: m,
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// Register binds the check handler on q.
func (s *RetryScheduler) Register(q *jobqueue.Queue) {
	q.RegisterHandler(jobqueue.JobTypePaymentRetryCheck, s.HandlePaymentCheck)
}

// SchedulePaymentCheck enqueues the check for attempt.
func (s *RetryScheduler) SchedulePaymentCheck(ctx context.Context, tenantID, subscriptionID uint, externalInvoiceID string, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delay := s.policy.Delay(attempt, s.rand())
	runAt := s.now().Add(delay)
	payload := jobqueue.PaymentRetryCheckPayload{
		TenantID:          tenantID,
		SubscriptionID:    subscriptionID,
		ExternalInvoiceID: externalInvoiceID,
		Attempt:           attempt,
	}
	job, err := s.queue.EnqueueDelayed(jobqueue.JobTypePaymentRetryCheck, payload.ToMap(), runAt)
	if err != nil {
		return err
	}
	log.Infof("[Billing] Payment check %d/%d for subscription %d scheduled at %s (job %s)",
		attempt, s.policy.MaxAttempts, subscriptionID, runAt.UTC().Format(time.RFC3339), job.ID)
	return nil
}

// HandlePaymentCheck re-reads the subscription. Recovered subscriptions stop
// the chain; still past_due ones get the next attempt until attempts run out.
func (s *RetryScheduler) HandlePaymentCheck(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.PaymentRetryCheckPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid payment check payload: %w", err)
	}

	sub, err := s.repos.Subscription.GetByID(ctx, payload.TenantID, payload.SubscriptionID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warnf("[Billing] Payment check for missing subscription %d (tenant %d)", payload.SubscriptionID, payload.TenantID)
		return nil
	}
	if err != nil {
		return err
	}

	if sub.Status != models.SubscriptionStatusPastDue {
		log.Infof("[Billing] Subscription %d is %s, payment check %d done", sub.ID, sub.Status, payload.Attempt)
		s.count("recovered")
		return nil
	}

	if payload.Attempt < s.policy.MaxAttempts {
		s.count("rescheduled")
		return s.SchedulePaymentCheck(ctx, payload.TenantID, sub.ID, payload.ExternalInvoiceID, payload.Attempt+1)
	}

	log.Warnf("[Billing] Subscription %d still past_due after %d checks", sub.ID, payload.Attempt)
	s.count("exhausted")
	s.audit.Record(ctx, AuditRecord{
		TenantID:       payload.TenantID,
		Action:         AuditPaymentRetryExhausted,
		SubscriptionID: sub.ID,
		PlanID:         derefUint(sub.PlanID),
		InvoiceID:      payload.ExternalInvoiceID,
		FromStatus:     sub.Status,
		ToStatus:       sub.Status,
		At:             s.now().UTC(),
	})
	return nil
}

func (s *RetryScheduler) count(result string) {
	if s.metrics != nil {
		s.metrics.RetryChecks.WithLabelValues(result).Inc()
	}
}
