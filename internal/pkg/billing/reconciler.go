package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/lock"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
)

// ReconcileResult describes what a reconciliation wrote.
type ReconcileResult struct {
	Subscription       *models.Subscription
	Invoice            *models.Invoice
	TransactionCreated bool
}

// Reconciler aligns local invoices with the processor and books revenue once
// per paid invoice.
type Reconciler struct {
	repos   *repository.Repositories
	locker  lock.Locker
	audit   AuditSink
	lockTTL time.Duration
	now     func() time.Time
}

// NewReconciler creates a reconciler. It must share the state machine's locker.
func NewReconciler(repos *repository.Repositories, locker lock.Locker, audit AuditSink) *Reconciler {
	if locker == nil {
		locker = lock.NewInMemoryLocker()
	}
	if audit == nil {
		audit = LogAuditSink{}
	}
	return &Reconciler{repos: repos, locker: locker, audit: audit, lockTTL: defaultLockTTL, now: time.Now}
}

// resolveInvoiceStatus prefers the explicit status and falls back to the paid flag.
func resolveInvoiceStatus(inv *InvoicePayload) string {
	status := strings.ToLower(strings.TrimSpace(inv.Status))
	if inv.Paid {
		return models.InvoiceStatusPaid
	}
	if status == "" {
		return models.InvoiceStatusOpen
	}
	return status
}

// Reconcile upserts the invoice and, when it is paid, appends exactly one
// Transaction keyed by the external invoice id.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID uint, eventID string, inv *InvoicePayload, raw json.RawMessage) (*ReconcileResult, error) {
	if inv.ID == "" {
		return nil, fmt.Errorf("%w: invoice without id", ErrMalformedPayload)
	}
	ref := string(inv.Subscription)
	if ref == "" {
		return nil, fmt.Errorf("%w: invoice %s has no subscription", ErrSubscriptionNotFound, inv.ID)
	}

	release, err := r.locker.Acquire(ctx, subscriptionLockKey(tenantID, ref), r.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock subscription %s: %w", ref, err)
	}
	defer release()

	sub, err := r.repos.Subscription.GetByExternalRef(ctx, tenantID, ref)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s (invoice %s)", ErrSubscriptionNotFound, ref, inv.ID)
	}
	if err != nil {
		return nil, err
	}

	status := resolveInvoiceStatus(inv)
	amount := inv.AmountDue
	if status == models.InvoiceStatusPaid {
		amount = inv.AmountPaid
	}
	if len(raw) == 0 || !json.Valid(raw) {
		raw = json.RawMessage("{}")
	}

	result := &ReconcileResult{Subscription: sub}
	err = r.repos.WithTransaction(ctx, func(tx *repository.Repositories) error {
		invoice := &models.Invoice{
			TenantID:          tenantID,
			SubscriptionID:    sub.ID,
			ExternalInvoiceID: inv.ID,
			AmountMinor:       amount,
			Currency:          strings.ToLower(inv.Currency),
			Status:            status,
			BillingReason:     inv.BillingReason,
			RawPayload:        datatypes.JSON(raw),
		}

		existing, err := tx.Invoice.GetByExternalID(ctx, tenantID, inv.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if existing != nil && existing.IsPaid() && status != models.InvoiceStatusPaid {
			log.Debugf("[Billing] Invoice %s already paid, ignoring status %s", inv.ID, status)
			invoice.Status = existing.Status
			invoice.AmountMinor = existing.AmountMinor
			invoice.PaidAt = existing.PaidAt
		}
		if invoice.Status == models.InvoiceStatusPaid && invoice.PaidAt == nil {
			switch {
			case existing != nil && existing.PaidAt != nil:
				invoice.PaidAt = existing.PaidAt
			case unixTime(inv.StatusTransitions.PaidAt) != nil:
				invoice.PaidAt = unixTime(inv.StatusTransitions.PaidAt)
			default:
				now := r.now().UTC()
				invoice.PaidAt = &now
			}
		}
		if invoice.Currency == "" && existing != nil {
			invoice.Currency = existing.Currency
		}

		if err := tx.Invoice.Upsert(ctx, invoice); err != nil {
			return fmt.Errorf("upsert invoice %s: %w", inv.ID, err)
		}
		result.Invoice = invoice

		if !invoice.IsPaid() {
			return nil
		}
		created, err := tx.Transaction.CreateIfNotExists(ctx, &models.Transaction{
			TenantID:        tenantID,
			SubscriptionID:  sub.ID,
			InvoiceID:       invoice.ID,
			AmountMinor:     invoice.AmountMinor,
			Currency:        invoice.Currency,
			Status:          models.TransactionStatusSucceeded,
			Provider:        models.BillingProviderStripe,
			ProviderEventID: inv.ID,
			SourceEventID:   eventID,
			Type:            models.TransactionTypeSubscriptionPayment,
		})
		if err != nil {
			return fmt.Errorf("record transaction for invoice %s: %w", inv.ID, err)
		}
		result.TransactionCreated = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.TransactionCreated {
		log.Infof("[Billing] Booked %d %s for invoice %s (tenant %d)", result.Invoice.AmountMinor, result.Invoice.Currency, inv.ID, tenantID)
		r.audit.Record(ctx, AuditRecord{
			TenantID: tenantID, Action: AuditInvoicePaid, SubscriptionID: sub.ID, PlanID: derefUint(sub.PlanID),
			InvoiceID: inv.ID, EventID: eventID, At: r.now().UTC(),
		})
	}
	return result, nil
}
