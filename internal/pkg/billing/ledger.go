package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"gorm.io/datatypes"
)

// RecordResult tells the caller what to do with an incoming delivery.
type RecordResult int

const (
	// RecordNew is a first delivery: run the handler.
	RecordNew RecordResult = iota
	// RecordAlreadyProcessed means a handler finished before: acknowledge only.
	RecordAlreadyProcessed
	// RecordCrashedRerun means the row exists but no handler finished: run again.
	RecordCrashedRerun
)

func (r RecordResult) String() string {
	switch r {
	case RecordNew:
		return "new"
	case RecordAlreadyProcessed:
		return "already_processed"
	case RecordCrashedRerun:
		return "crashed_rerun"
	}
	return "unknown"
}

// Ledger is the durable per-tenant record of processor event ids.
type Ledger struct {
	repos *repository.Repositories
}

// NewLedger creates a ledger over the event repository.
func NewLedger(repos *repository.Repositories) *Ledger {
	return &Ledger{repos: repos}
}

// RecordOrSkip inserts the event if absent and reports whether side effects
// must run. Insert and read-back share one transaction.
func (l *Ledger) RecordOrSkip(ctx context.Context, tenantID uint, externalEventID, eventType string, payload []byte) (RecordResult, *models.SubscriptionEvent, error) {
	if tenantID == 0 || externalEventID == "" {
		return 0, nil, fmt.Errorf("%w: tenant and event id are required", ErrInvalidInput)
	}
	if !json.Valid(payload) {
		payload = []byte("{}")
	}

	var (
		result RecordResult
		stored *models.SubscriptionEvent
	)
	err := l.repos.WithTransaction(ctx, func(tx *repository.Repositories) error {
		created, row, err := tx.Event.CreateIfNotExists(ctx, &models.SubscriptionEvent{
			TenantID:        tenantID,
			ExternalEventID: externalEventID,
			EventType:       eventType,
			Payload:         datatypes.JSON(payload),
		})
		if err != nil {
			return err
		}
		stored = row
		switch {
		case created:
			result = RecordNew
		case row.IsProcessed():
			result = RecordAlreadyProcessed
		default:
			result = RecordCrashedRerun
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("record event %s: %w", externalEventID, err)
	}
	return result, stored, nil
}

// MarkProcessed closes the ledger row once the handler completed.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID uint, subscriptionID *uint) error {
	return l.repos.Event.MarkProcessed(ctx, eventID, subscriptionID, "")
}

// MarkAcknowledged closes a row whose event could not be applied and must
// not be redelivered, keeping the reason.
func (l *Ledger) MarkAcknowledged(ctx context.Context, eventID uint, reason error) error {
	return l.repos.Event.MarkProcessed(ctx, eventID, nil, reason.Error())
}

// MarkFailed keeps the row pending and stores the failure reason.
func (l *Ledger) MarkFailed(ctx context.Context, eventID uint, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.repos.Event.MarkFailed(ctx, eventID, msg)
}

// Pending lists unprocessed rows older than olderThan. tenantID 0 means all tenants.
func (l *Ledger) Pending(ctx context.Context, tenantID uint, olderThan time.Time, limit int) ([]models.SubscriptionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.repos.Event.ListPending(ctx, tenantID, olderThan, limit)
}
