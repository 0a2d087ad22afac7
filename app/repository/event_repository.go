package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/BillFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type subscriptionEventRepository struct {
	db *gorm.DB
}

// NewSubscriptionEventRepository creates a new event ledger repository instance
func NewSubscriptionEventRepository(db *gorm.DB) SubscriptionEventRepository {
	return &subscriptionEventRepository{db: db}
}

func (r *subscriptionEventRepository) CreateIfNotExists(ctx context.Context, event *models.SubscriptionEvent) (bool, *models.SubscriptionEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "external_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.SubscriptionEvent
	if err := r.db.WithContext(ctx).Where("tenant_id = ? AND external_event_id = ?", event.TenantID, event.ExternalEventID).
		First(&stored).Error; err != nil {
		return false, nil, translateError(err)
	}
	return created, &stored, nil
}

func (r *subscriptionEventRepository) GetByID(ctx context.Context, id uint) (*models.SubscriptionEvent, error) {
	var event models.SubscriptionEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &event, nil
}

// MarkProcessed closes the event. note keeps the reason for events that were
// acknowledged without effect; it is empty on success.
func (r *subscriptionEventRepository) MarkProcessed(ctx context.Context, id uint, subscriptionID *uint, note string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": note,
	}
	if subscriptionID != nil {
		updates["subscription_id"] = *subscriptionID
	}
	return r.db.WithContext(ctx).Model(&models.SubscriptionEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *subscriptionEventRepository) MarkFailed(ctx context.Context, id uint, processingError string) error {
	return r.db.WithContext(ctx).Model(&models.SubscriptionEvent{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processing_error", processingError).Error
}

// ListPending returns unprocessed events created before olderThan. tenantID 0
// lists every tenant.
func (r *subscriptionEventRepository) ListPending(ctx context.Context, tenantID uint, olderThan time.Time, limit int) ([]models.SubscriptionEvent, error) {
	var events []models.SubscriptionEvent
	q := r.db.WithContext(ctx).Where("processed_at IS NULL AND created_at <= ?", olderThan)
	if tenantID != 0 {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if limit <= 0 {
		limit = 100
	}
	err := q.Order("id ASC").Limit(limit).Find(&events).Error
	return events, err
}

func (r *subscriptionEventRepository) CountByTenant(ctx context.Context, tenantID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.SubscriptionEvent{}).Where("tenant_id = ?", tenantID).Count(&count).Error
	return count, err
}

func (r *subscriptionEventRepository) CountPending(ctx context.Context, tenantID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.SubscriptionEvent{}).
		Where("tenant_id = ? AND processed_at IS NULL", tenantID).Count(&count).Error
	return count, err
}
