package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/BillFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new revenue ledger repository instance
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

// CreateIfNotExists appends txn unless one already exists for the same
// (tenant_id, provider_event_id).
func (r *transactionRepository) CreateIfNotExists(ctx context.Context, txn *models.Transaction) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(txn)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *transactionRepository) ListBySubscription(ctx context.Context, tenantID, subscriptionID uint) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND subscription_id = ?", tenantID, subscriptionID).
		Order("id ASC").Find(&txns).Error
	return txns, err
}

func (r *transactionRepository) CountByProviderEventID(ctx context.Context, tenantID uint, providerEventID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("tenant_id = ? AND provider_event_id = ?", tenantID, providerEventID).Count(&count).Error
	return count, err
}

// SumByCurrency totals paid revenue per currency since the given time. The
// zero time sums everything.
func (r *transactionRepository) SumByCurrency(ctx context.Context, tenantID uint, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Currency string
		Total    int64
	}
	q := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Select("currency, SUM(amount_minor) AS total").
		Where("tenant_id = ? AND status = ?", tenantID, models.TransactionStatusSucceeded)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	if err := q.Group("currency").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Currency] = row.Total
	}
	return out, nil
}
