package repository

import (
	"context"

	"github.com/ManuelReschke/BillFox/app/models"
	"gorm.io/gorm"
)

type planRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository instance
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &planRepository{db: db}
}

func (r *planRepository) Create(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *planRepository) GetByID(ctx context.Context, tenantID, id uint) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&plan).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &plan, nil
}

func (r *planRepository) GetByExternalPriceRef(ctx context.Context, tenantID uint, priceRef string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND external_price_ref = ? AND external_price_ref <> ''", tenantID, priceRef).
		First(&plan).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &plan, nil
}

func (r *planRepository) ListByTenant(ctx context.Context, tenantID uint, activeOnly bool) ([]models.Plan, error) {
	var plans []models.Plan
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	err := q.Order("amount_minor ASC, id ASC").Find(&plans).Error
	return plans, err
}

func (r *planRepository) Update(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Save(plan).Error
}

func (r *planRepository) IsReferenced(ctx context.Context, planID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("plan_id = ?", planID).Count(&count).Error
	return count > 0, err
}
