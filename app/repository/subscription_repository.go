package repository

import (
	"context"

	"github.com/ManuelReschke/BillFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository instance
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) GetByID(ctx context.Context, tenantID, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&sub).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &sub, nil
}

func (r *subscriptionRepository) GetByExternalRef(ctx context.Context, tenantID uint, externalRef string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND external_ref = ?", tenantID, externalRef).First(&sub).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &sub, nil
}

// CreateIfNotExists inserts the subscription unless a row with the same
// (tenant_id, external_ref) exists. sub is reloaded from the stored row.
func (r *subscriptionRepository) CreateIfNotExists(ctx context.Context, sub *models.Subscription) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "external_ref"},
		},
		DoNothing: true,
	}).Create(sub)
	if tx.Error != nil {
		return false, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Subscription
	if err := r.db.WithContext(ctx).Where("tenant_id = ? AND external_ref = ?", sub.TenantID, sub.ExternalRef).
		First(&stored).Error; err != nil {
		return false, translateError(err)
	}
	*sub = stored
	return created, nil
}

// Save writes all columns guarded by the version the caller read. On success
// the version is incremented; a stale version yields ErrVersionConflict.
func (r *subscriptionRepository) Save(ctx context.Context, sub *models.Subscription) error {
	readVersion := sub.Version
	sub.Version = readVersion + 1
	tx := r.db.WithContext(ctx).Model(sub).
		Select("*").
		Omit("id", "created_at").
		Where("version = ?", readVersion).
		Updates(sub)
	if tx.Error != nil {
		sub.Version = readVersion
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		sub.Version = readVersion
		return ErrVersionConflict
	}
	return nil
}

func (r *subscriptionRepository) ListByTenant(ctx context.Context, tenantID uint, status string, offset, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 {
		limit = 50
	}
	err := q.Order("id DESC").Offset(offset).Limit(limit).Find(&subs).Error
	return subs, err
}

func (r *subscriptionRepository) CountByTenant(ctx context.Context, tenantID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("tenant_id = ?", tenantID).Count(&count).Error
	return count, err
}

func (r *subscriptionRepository) ListByContact(ctx context.Context, tenantID, contactID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND contact_id = ?", tenantID, contactID).
		Order("id ASC").Find(&subs).Error
	return subs, err
}

// CountByStatus returns the number of subscriptions per status.
func (r *subscriptionRepository) CountByStatus(ctx context.Context, tenantID uint) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("status, COUNT(*) AS count").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
