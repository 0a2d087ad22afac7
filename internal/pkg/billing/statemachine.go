package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/lock"
	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
)

const (
	defaultLockTTL  = 30 * time.Second
	maxSaveAttempts = 3
)

// PaymentRetryScheduler receives past_due hand-offs after a failed payment.
type PaymentRetryScheduler interface {
	SchedulePaymentCheck(ctx context.Context, tenantID, subscriptionID uint, externalInvoiceID string, attempt int) error
}

// StateMachine applies canonical events to subscription rows. All writes to
// one subscription are serialized by a lock on its external reference and
// guarded by the row version.
type StateMachine struct {
	repos   *repository.Repositories
	locker  lock.Locker
	audit   AuditSink
	metrics *metrics.Billing
	retry   PaymentRetryScheduler
	lockTTL time.Duration
	now     func() time.Time
}

// NewStateMachine wires the state machine. audit, m and retry may be nil.
func NewStateMachine(repos *repository.Repositories, locker lock.Locker, audit AuditSink, m *metrics.Billing, retry PaymentRetryScheduler) *StateMachine {
	if locker == nil {
		locker = lock.NewInMemoryLocker()
	}
	if audit == nil {
		audit = LogAuditSink{}
	}
	return &StateMachine{
		repos:   repos,
		locker:  locker,
		audit:   audit,
		metrics: m,
		retry:   retry,
		lockTTL: defaultLockTTL,
		now:     time.Now,
	}
}

// NormalizeStatus maps a processor status onto the local state set. It
// returns "" for statuses it does not know.
func NormalizeStatus(status string, cancelAtPeriodEnd bool) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "unpaid", "incomplete", "paused":
		s = models.SubscriptionStatusPastDue
	case "incomplete_expired":
		s = models.SubscriptionStatusCanceled
	case models.SubscriptionStatusTrialing,
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCancelAtPeriodEnd,
		models.SubscriptionStatusCanceled:
	default:
		return ""
	}
	if cancelAtPeriodEnd && (s == models.SubscriptionStatusActive || s == models.SubscriptionStatusTrialing) {
		return models.SubscriptionStatusCancelAtPeriodEnd
	}
	return s
}

var localTransitions = map[string][]string{
	models.SubscriptionStatusTrialing:          {models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusCancelAtPeriodEnd, models.SubscriptionStatusCanceled},
	models.SubscriptionStatusActive:            {models.SubscriptionStatusPastDue, models.SubscriptionStatusCancelAtPeriodEnd, models.SubscriptionStatusCanceled},
	models.SubscriptionStatusPastDue:           {models.SubscriptionStatusActive, models.SubscriptionStatusCancelAtPeriodEnd, models.SubscriptionStatusCanceled},
	models.SubscriptionStatusCancelAtPeriodEnd: {models.SubscriptionStatusActive, models.SubscriptionStatusCanceled},
}

// CanTransition reports whether a locally requested transition is allowed.
// Processor-authored statuses bypass this check.
func CanTransition(from, to string) bool {
	if from == to {
		return from != models.SubscriptionStatusCanceled
	}
	for _, s := range localTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func subscriptionLockKey(tenantID uint, externalRef string) string {
	return fmt.Sprintf("billing:sub:%d:%s", tenantID, externalRef)
}

func (m *StateMachine) lockSubscription(ctx context.Context, tenantID uint, externalRef string) (func(), error) {
	release, err := m.locker.Acquire(ctx, subscriptionLockKey(tenantID, externalRef), m.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock subscription %s: %w", externalRef, err)
	}
	return release, nil
}

// update loads the row, applies fn and saves it, re-reading on version conflicts.
// fn returns false when nothing changed.
func (m *StateMachine) update(ctx context.Context, tenantID uint, externalRef string, fn func(sub *models.Subscription) bool) (*models.Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		sub, err := m.repos.Subscription.GetByExternalRef(ctx, tenantID, externalRef)
		if err != nil {
			return nil, err
		}
		if !fn(sub) {
			return sub, nil
		}
		err = m.repos.Subscription.Save(ctx, sub)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		log.Debugf("[Billing] Version conflict on subscription %s, retrying", externalRef)
		lastErr = err
	}
	return nil, lastErr
}

func (m *StateMachine) record(ctx context.Context, rec AuditRecord) {
	if rec.At.IsZero() {
		rec.At = m.now().UTC()
	}
	m.audit.Record(ctx, rec)
}

func (m *StateMachine) observeTransition(from, to string) {
	if m.metrics == nil || from == to {
		return
	}
	m.metrics.Transitions.WithLabelValues(to).Inc()
}

// ApplySubscriptionEvent handles customer.subscription.created, .updated and
// .deleted. A row missing locally is created from the event.
func (m *StateMachine) ApplySubscriptionEvent(ctx context.Context, tenantID uint, ev *Event) (*models.Subscription, error) {
	p, err := decodeObject[SubscriptionPayload](ev)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: %s without subscription id", ErrMalformedPayload, ev.Type)
	}

	release, err := m.lockSubscription(ctx, tenantID, p.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	md := models.SubscriptionMetadataFromMap(p.Metadata)
	planID, err := m.resolvePlanID(ctx, tenantID, md.PlanID, p.PriceRef())
	if err != nil {
		return nil, err
	}

	fresh := &models.Subscription{TenantID: tenantID, ExternalRef: p.ID}
	m.applyPayload(fresh, ev.Type, p, planID, md)
	if fresh.Status == "" {
		fresh.Status = models.SubscriptionStatusActive
	}
	created, err := m.repos.Subscription.CreateIfNotExists(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if created {
		log.Infof("[Billing] Created subscription %s for tenant %d from %s (status=%s)", p.ID, tenantID, ev.Type, fresh.Status)
		m.observeTransition("", fresh.Status)
		m.record(ctx, AuditRecord{
			TenantID: tenantID, Action: AuditSubscriptionCreated, SubscriptionID: fresh.ID,
			PlanID: derefUint(fresh.PlanID), ToStatus: fresh.Status, EventID: ev.ID,
		})
		if ev.Type == EventSubscriptionDeleted {
			m.record(ctx, AuditRecord{
				TenantID: tenantID, Action: AuditSubscriptionCanceled, SubscriptionID: fresh.ID,
				ToStatus: fresh.Status, EventID: ev.ID,
			})
		}
		return fresh, nil
	}

	var (
		fromStatus string
		fromPlan   uint
	)
	sub, err := m.update(ctx, tenantID, p.ID, func(sub *models.Subscription) bool {
		fromStatus = sub.Status
		fromPlan = derefUint(sub.PlanID)
		m.applyPayload(sub, ev.Type, p, planID, md)
		return true
	})
	if err != nil {
		return nil, err
	}

	m.observeTransition(fromStatus, sub.Status)
	toPlan := derefUint(sub.PlanID)
	if fromPlan != 0 && toPlan != 0 && fromPlan != toPlan {
		m.record(ctx, AuditRecord{
			TenantID: tenantID, Action: AuditPlanChanged, SubscriptionID: sub.ID, PlanID: toPlan,
			EventID: ev.ID, Details: map[string]string{"from_plan_id": strconv.FormatUint(uint64(fromPlan), 10)},
		})
	}
	action := AuditSubscriptionUpdated
	if ev.Type == EventSubscriptionDeleted {
		action = AuditSubscriptionCanceled
	}
	m.record(ctx, AuditRecord{
		TenantID: tenantID, Action: action, SubscriptionID: sub.ID, PlanID: toPlan,
		FromStatus: fromStatus, ToStatus: sub.Status, EventID: ev.ID,
	})
	return sub, nil
}

// applyPayload copies processor state onto sub. The processor is the source of
// truth, so status and periods are overwritten.
func (m *StateMachine) applyPayload(sub *models.Subscription, eventType string, p *SubscriptionPayload, planID uint, md models.SubscriptionMetadata) {
	if eventType == EventSubscriptionDeleted {
		sub.Status = models.SubscriptionStatusCanceled
		now := m.now().UTC()
		sub.CanceledAt = &now
	} else {
		status := NormalizeStatus(p.Status, p.CancelAtPeriodEnd)
		if status == "" && p.Status != "" {
			log.Warnf("[Billing] Unknown processor status %q on subscription %s, keeping %q", p.Status, p.ID, sub.Status)
		}
		if status != "" {
			sub.Status = status
		}
		sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd
		if sub.Status == models.SubscriptionStatusCanceled && sub.CanceledAt == nil {
			if t := unixTime(p.CanceledAt); t != nil {
				sub.CanceledAt = t
			} else {
				now := m.now().UTC()
				sub.CanceledAt = &now
			}
		}
	}

	if t := unixTime(p.CurrentPeriodStart); t != nil {
		sub.CurrentPeriodStart = t
	}
	if t := unixTime(p.CurrentPeriodEnd); t != nil {
		sub.CurrentPeriodEnd = t
	}
	if t := unixTime(p.TrialEnd); t != nil {
		sub.TrialEnd = t
	}
	if c := string(p.Customer); c != "" {
		sub.ExternalCustomerRef = c
	}
	if planID != 0 {
		sub.PlanID = &planID
	}
	if sub.ContactID == nil && md.ContactID != 0 {
		contactID := md.ContactID
		sub.ContactID = &contactID
	}
	sub.Metadata = datatypes.NewJSONType(sub.Metadata.Data().Merge(md))
}

// resolvePlanID finds the local plan by metadata id first, then by price ref.
// 0 means unresolved, which is allowed.
func (m *StateMachine) resolvePlanID(ctx context.Context, tenantID, metaPlanID uint, priceRef string) (uint, error) {
	if metaPlanID != 0 {
		plan, err := m.repos.Plan.GetByID(ctx, tenantID, metaPlanID)
		if err == nil {
			return plan.ID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return 0, err
		}
		log.Warnf("[Billing] Metadata plan_id %d not found for tenant %d", metaPlanID, tenantID)
	}
	if priceRef != "" {
		plan, err := m.repos.Plan.GetByExternalPriceRef(ctx, tenantID, priceRef)
		if err == nil {
			return plan.ID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return 0, err
		}
	}
	return 0, nil
}

// ApplyCheckoutCompleted handles checkout.session.completed.
func (m *StateMachine) ApplyCheckoutCompleted(ctx context.Context, tenantID uint, ev *Event) (*models.Subscription, error) {
	p, err := decodeObject[CheckoutSessionPayload](ev)
	if err != nil {
		return nil, err
	}
	if p.Mode != "" && p.Mode != "subscription" {
		log.Debugf("[Billing] Ignoring %s checkout session %s", p.Mode, p.ID)
		return nil, nil
	}
	return m.applyCheckoutSession(ctx, tenantID, ev.ID, p)
}

// applyCheckoutSession creates the subscription row for a completed session
// and caches the customer ref on the contact. An existing row only has its
// missing links filled in.
func (m *StateMachine) applyCheckoutSession(ctx context.Context, tenantID uint, eventID string, p *CheckoutSessionPayload) (*models.Subscription, error) {
	ref := string(p.Subscription)
	if ref == "" {
		return nil, fmt.Errorf("%w: checkout session %s without subscription", ErrMalformedPayload, p.ID)
	}

	md := models.SubscriptionMetadataFromMap(p.Metadata)
	if md.ContactID == 0 {
		md.ContactID = parseID(p.ClientReferenceID)
	}
	customerRef := string(p.Customer)

	release, err := m.lockSubscription(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	var plan *models.Plan
	if md.PlanID != 0 {
		plan, err = m.repos.Plan.GetByID(ctx, tenantID, md.PlanID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	var contactID *uint
	if md.ContactID != 0 {
		contact, err := m.repos.Contact.GetByID(ctx, tenantID, md.ContactID)
		switch {
		case err == nil:
			id := contact.ID
			contactID = &id
			if customerRef != "" && contact.ExternalCustomerRef == "" {
				if err := m.repos.Contact.SetExternalCustomerRef(ctx, tenantID, contact.ID, customerRef); err != nil {
					return nil, err
				}
			}
		case errors.Is(err, repository.ErrNotFound):
			log.Warnf("[Billing] Checkout %s references unknown contact %d", p.ID, md.ContactID)
		default:
			return nil, err
		}
	}

	now := m.now().UTC()
	fresh := &models.Subscription{
		TenantID:            tenantID,
		ExternalRef:         ref,
		ExternalCustomerRef: customerRef,
		ContactID:           contactID,
		Status:              models.SubscriptionStatusActive,
		CurrentPeriodStart:  &now,
		Metadata:            datatypes.NewJSONType(models.SubscriptionMetadata{Version: models.SubscriptionMetadataVersion}.Merge(md)),
	}
	trialDays := parseTrialDays(md.Extra)
	if plan != nil {
		id := plan.ID
		fresh.PlanID = &id
		if trialDays < 0 {
			trialDays = plan.TrialDays
		}
		end := plan.PeriodEnd(now)
		fresh.CurrentPeriodEnd = &end
	}
	if trialDays > 0 {
		trialEnd := now.AddDate(0, 0, trialDays)
		fresh.Status = models.SubscriptionStatusTrialing
		fresh.TrialEnd = &trialEnd
		fresh.CurrentPeriodEnd = &trialEnd
	}

	// CreateIfNotExists replaces fresh with the stored row.
	linkContact, linkPlan := fresh.ContactID, fresh.PlanID
	created, err := m.repos.Subscription.CreateIfNotExists(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if created {
		log.Infof("[Billing] Checkout %s created subscription %s for tenant %d (status=%s)", p.ID, ref, tenantID, fresh.Status)
		m.observeTransition("", fresh.Status)
		m.record(ctx, AuditRecord{
			TenantID: tenantID, Action: AuditSubscriptionCreated, SubscriptionID: fresh.ID,
			PlanID: derefUint(fresh.PlanID), ToStatus: fresh.Status, EventID: eventID,
			Details: map[string]string{"checkout_session": p.ID},
		})
		return fresh, nil
	}

	return m.update(ctx, tenantID, ref, func(sub *models.Subscription) bool {
		changed := false
		if sub.ContactID == nil && linkContact != nil {
			sub.ContactID = linkContact
			changed = true
		}
		if sub.PlanID == nil && linkPlan != nil {
			sub.PlanID = linkPlan
			changed = true
		}
		if sub.ExternalCustomerRef == "" && customerRef != "" {
			sub.ExternalCustomerRef = customerRef
			changed = true
		}
		if changed {
			sub.Metadata = datatypes.NewJSONType(sub.Metadata.Data().Merge(md))
		}
		return changed
	})
}

// metadataFailedInvoice holds the last failed invoice already handed to the
// retry scheduler.
const metadataFailedInvoice = "failed_invoice"

// MarkPastDue forces past_due after a failed payment and hands off to the
// retry scheduler once per invoice. Canceled subscriptions are left alone.
func (m *StateMachine) MarkPastDue(ctx context.Context, tenantID uint, eventID string, inv *InvoicePayload) (*models.Subscription, error) {
	ref := string(inv.Subscription)
	if ref == "" {
		return nil, fmt.Errorf("%w: invoice %s has no subscription", ErrSubscriptionNotFound, inv.ID)
	}

	sub, fromStatus, handoff, err := m.markPastDueLocked(ctx, tenantID, eventID, ref, string(inv.Customer), inv.ID)
	if err != nil {
		return nil, err
	}
	if sub.IsTerminal() {
		log.Infof("[Billing] Payment failed for canceled subscription %s, ignoring", ref)
		return sub, nil
	}
	if !handoff {
		log.Infof("[Billing] Payment failure of invoice %s already handled for subscription %s", inv.ID, ref)
		return sub, nil
	}

	if m.retry != nil {
		if err := m.retry.SchedulePaymentCheck(ctx, tenantID, sub.ID, inv.ID, 1); err != nil {
			m.clearFailedInvoice(ctx, tenantID, ref, inv.ID)
			return sub, fmt.Errorf("schedule payment check: %w", err)
		}
	}
	m.record(ctx, AuditRecord{
		TenantID: tenantID, Action: AuditPaymentFailed, SubscriptionID: sub.ID, PlanID: derefUint(sub.PlanID),
		InvoiceID: inv.ID, FromStatus: fromStatus, ToStatus: sub.Status, EventID: eventID,
	})
	return sub, nil
}

// markPastDueLocked reports handoff=false when invoiceID was already handed
// off, as for a concurrent or repeated delivery of the same failure.
func (m *StateMachine) markPastDueLocked(ctx context.Context, tenantID uint, eventID, ref, customerRef, invoiceID string) (*models.Subscription, string, bool, error) {
	release, err := m.lockSubscription(ctx, tenantID, ref)
	if err != nil {
		return nil, "", false, err
	}
	defer release()

	md := models.SubscriptionMetadata{Version: models.SubscriptionMetadataVersion}
	if invoiceID != "" {
		md.Extra = map[string]string{metadataFailedInvoice: invoiceID}
	}
	fresh := &models.Subscription{
		TenantID:            tenantID,
		ExternalRef:         ref,
		ExternalCustomerRef: customerRef,
		Status:              models.SubscriptionStatusPastDue,
		Metadata:            datatypes.NewJSONType(md),
	}
	created, err := m.repos.Subscription.CreateIfNotExists(ctx, fresh)
	if err != nil {
		return nil, "", false, err
	}
	if created {
		log.Warnf("[Billing] Payment failure for unknown subscription %s, created as past_due", ref)
		m.observeTransition("", fresh.Status)
		m.record(ctx, AuditRecord{
			TenantID: tenantID, Action: AuditSubscriptionCreated, SubscriptionID: fresh.ID,
			ToStatus: fresh.Status, EventID: eventID,
		})
		return fresh, "", true, nil
	}

	var (
		fromStatus string
		handoff    bool
	)
	sub, err := m.update(ctx, tenantID, ref, func(sub *models.Subscription) bool {
		fromStatus = sub.Status
		handoff = false
		if sub.IsTerminal() {
			return false
		}
		current := sub.Metadata.Data()
		if sub.Status == models.SubscriptionStatusPastDue && invoiceID != "" && current.Extra[metadataFailedInvoice] == invoiceID {
			return false
		}
		handoff = true
		sub.Status = models.SubscriptionStatusPastDue
		if invoiceID != "" {
			sub.Metadata = datatypes.NewJSONType(current.Merge(models.SubscriptionMetadata{
				Extra: map[string]string{metadataFailedInvoice: invoiceID},
			}))
		}
		return true
	})
	if err != nil {
		return nil, "", false, err
	}
	m.observeTransition(fromStatus, sub.Status)
	return sub, fromStatus, handoff, nil
}

// clearFailedInvoice forgets a hand-off that could not be scheduled so the
// rerun of the event schedules it again.
func (m *StateMachine) clearFailedInvoice(ctx context.Context, tenantID uint, ref, invoiceID string) {
	release, err := m.lockSubscription(ctx, tenantID, ref)
	if err != nil {
		log.Errorf("[Billing] Unable to reset payment hand-off of %s: %v", ref, err)
		return
	}
	defer release()

	_, err = m.update(ctx, tenantID, ref, func(sub *models.Subscription) bool {
		current := sub.Metadata.Data()
		if current.Extra[metadataFailedInvoice] != invoiceID {
			return false
		}
		delete(current.Extra, metadataFailedInvoice)
		sub.Metadata = datatypes.NewJSONType(current)
		return true
	})
	if err != nil {
		log.Errorf("[Billing] Unable to reset payment hand-off of %s: %v", ref, err)
	}
}

// MarkCancelRequested records a local cancel-at-period-end request. The
// processor call happens before, outside the lock.
func (m *StateMachine) MarkCancelRequested(ctx context.Context, tenantID uint, sub *models.Subscription) (*models.Subscription, error) {
	release, err := m.lockSubscription(ctx, tenantID, sub.ExternalRef)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		fromStatus string
		denied     bool
	)
	updated, err := m.update(ctx, tenantID, sub.ExternalRef, func(s *models.Subscription) bool {
		fromStatus = s.Status
		if !CanTransition(s.Status, models.SubscriptionStatusCancelAtPeriodEnd) {
			denied = true
			return false
		}
		if s.Status == models.SubscriptionStatusCancelAtPeriodEnd && s.CancelAtPeriodEnd {
			return false
		}
		s.Status = models.SubscriptionStatusCancelAtPeriodEnd
		s.CancelAtPeriodEnd = true
		return true
	})
	if err != nil {
		return nil, err
	}
	if denied {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, fromStatus, models.SubscriptionStatusCancelAtPeriodEnd)
	}

	m.observeTransition(fromStatus, updated.Status)
	m.record(ctx, AuditRecord{
		TenantID: tenantID, Action: AuditCancelRequested, SubscriptionID: updated.ID, PlanID: derefUint(updated.PlanID),
		FromStatus: fromStatus, ToStatus: updated.Status,
	})
	return updated, nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func derefUint(v *uint) uint {
	if v == nil {
		return 0
	}
	return *v
}

func parseID(s string) uint {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return uint(n)
}

// parseTrialDays reads a checkout trial override; -1 means none was given.
func parseTrialDays(extra map[string]string) int {
	v, ok := extra["trial_days"]
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return -1
	}
	return n
}
