package repository

import (
	"context"

	"github.com/ManuelReschke/BillFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type tenantSettingsRepository struct {
	db *gorm.DB
}

// NewTenantSettingsRepository creates a new tenant settings repository instance
func NewTenantSettingsRepository(db *gorm.DB) TenantSettingsRepository {
	return &tenantSettingsRepository{db: db}
}

func (r *tenantSettingsRepository) GetByTenantID(ctx context.Context, tenantID uint) (*models.TenantBillingSettings, error) {
	var s models.TenantBillingSettings
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&s).Error; err != nil {
		return nil, translateError(err)
	}
	return &s, nil
}

func (r *tenantSettingsRepository) Upsert(ctx context.Context, settings *models.TenantBillingSettings) error {
	// tenant_id is the conflict target; a stale primary key would conflict first.
	settings.ID = 0
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider",
			"processor_key_enc",
			"processor_api_base_url",
			"webhook_secret",
			"brand_name",
			"brand_color",
			"support_email",
			"notify_on_checkout",
			"updated_at",
		}),
	}).Create(settings).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Where("tenant_id = ?", settings.TenantID).First(settings).Error
}
