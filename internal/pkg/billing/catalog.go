package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("billing_interval", func(fl validator.FieldLevel) bool {
		return models.IsValidInterval(fl.Field().String())
	})
	return v
}

// PlanInput describes a new plan.
type PlanInput struct {
	Name        string   `json:"name" validate:"required,max=150"`
	Interval    string   `json:"interval" validate:"required,billing_interval"`
	AmountMinor int64    `json:"amount_minor" validate:"gt=0"`
	Currency    string   `json:"currency" validate:"required,len=3,alpha"`
	TrialDays   int      `json:"trial_days" validate:"gte=0,lte=730"`
	Tier        string   `json:"tier" validate:"max=50"`
	Features    []string `json:"features"`
}

// PlanUpdate changes a plan. Pricing fields are frozen once the plan has subscribers.
type PlanUpdate struct {
	Name        *string `json:"name" validate:"omitempty,max=150"`
	IsActive    *bool   `json:"is_active"`
	Interval    *string `json:"interval" validate:"omitempty,billing_interval"`
	AmountMinor *int64  `json:"amount_minor" validate:"omitempty,gt=0"`
	Currency    *string `json:"currency" validate:"omitempty,len=3,alpha"`
	TrialDays   *int    `json:"trial_days" validate:"omitempty,gte=0,lte=730"`
}

// Catalog owns tenant plans and mirrors them to the processor once.
type Catalog struct {
	repos    *repository.Repositories
	gateways GatewayProvider
	audit    AuditSink
}

func NewCatalog(repos *repository.Repositories, gateways GatewayProvider, audit AuditSink) *Catalog {
	if audit == nil {
		audit = LogAuditSink{}
	}
	return &Catalog{repos: repos, gateways: gateways, audit: audit}
}

// validationError wraps validator failures as ErrInvalidInput.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

// CreatePlan stores the plan and mirrors it to the processor product/price.
// A failed mirror leaves the plan inactive; SyncPlan finishes it later.
func (c *Catalog) CreatePlan(ctx context.Context, tenantID uint, in PlanInput) (*models.Plan, error) {
	in.Interval = strings.ToLower(strings.TrimSpace(in.Interval))
	in.Currency = strings.ToLower(strings.TrimSpace(in.Currency))
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	plan := &models.Plan{
		TenantID:        tenantID,
		Name:            in.Name,
		BillingInterval: in.Interval,
		AmountMinor:     in.AmountMinor,
		Currency:        in.Currency,
		TrialDays:       in.TrialDays,
		IsActive:        false,
		Metadata: datatypes.NewJSONType(models.PlanMetadata{
			Version:  1,
			Tier:     in.Tier,
			Features: in.Features,
		}),
	}
	if err := c.repos.Plan.Create(ctx, plan); err != nil {
		return nil, err
	}

	if err := c.mirror(ctx, plan); err != nil {
		return plan, err
	}
	c.audit.Record(ctx, AuditRecord{TenantID: tenantID, Action: AuditPlanCreated, PlanID: plan.ID,
		Details: map[string]string{"price_ref": plan.ExternalPriceRef}})
	return plan, nil
}

// SyncPlan retries the processor mirror of a plan that has no price yet.
func (c *Catalog) SyncPlan(ctx context.Context, tenantID, planID uint) (*models.Plan, error) {
	plan, err := c.getPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, err
	}
	if plan.ExternalPriceRef != "" {
		return plan, nil
	}
	if err := c.mirror(ctx, plan); err != nil {
		return plan, err
	}
	c.audit.Record(ctx, AuditRecord{TenantID: tenantID, Action: AuditPlanCreated, PlanID: plan.ID,
		Details: map[string]string{"price_ref": plan.ExternalPriceRef}})
	return plan, nil
}

func (c *Catalog) mirror(ctx context.Context, plan *models.Plan) error {
	gw, err := c.gateways.ForTenant(ctx, plan.TenantID)
	if err != nil {
		return err
	}

	if plan.ExternalProductRef == "" {
		res := gw.CreateProduct(ctx, ProductRequest{TenantID: plan.TenantID, PlanID: plan.ID, Name: plan.Name})
		if !res.Success() {
			return fmt.Errorf("%w: %w", ErrProviderUnavailable, res.Failure)
		}
		plan.ExternalProductRef = res.Value
		if err := c.repos.Plan.Update(ctx, plan); err != nil {
			return err
		}
	}

	if err := c.createPrice(ctx, gw, plan); err != nil {
		return err
	}
	plan.IsActive = true
	if err := c.repos.Plan.Update(ctx, plan); err != nil {
		return err
	}
	log.Infof("[Billing] Plan %d mirrored to %s (product=%s price=%s)", plan.ID, gw.Name(), plan.ExternalProductRef, plan.ExternalPriceRef)
	return nil
}

func (c *Catalog) createPrice(ctx context.Context, gw CheckoutGateway, plan *models.Plan) error {
	res := gw.CreatePrice(ctx, PriceRequest{
		TenantID:    plan.TenantID,
		PlanID:      plan.ID,
		ProductRef:  plan.ExternalProductRef,
		AmountMinor: plan.AmountMinor,
		Currency:    plan.Currency,
		Interval:    plan.BillingInterval,
	})
	if !res.Success() {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, res.Failure)
	}
	plan.ExternalPriceRef = res.Value
	return nil
}

// UpdatePlan applies upd. Changing interval, amount or currency on a plan with
// subscribers fails with ErrPlanImmutable; on an unused plan it creates a new price.
func (c *Catalog) UpdatePlan(ctx context.Context, tenantID, planID uint, upd PlanUpdate) (*models.Plan, error) {
	if err := validate.Struct(upd); err != nil {
		return nil, validationError(err)
	}
	plan, err := c.getPlan(ctx, tenantID, planID)
	if err != nil {
		return nil, err
	}

	repriced := false
	if upd.Interval != nil && strings.ToLower(*upd.Interval) != plan.BillingInterval {
		plan.BillingInterval = strings.ToLower(*upd.Interval)
		repriced = true
	}
	if upd.AmountMinor != nil && *upd.AmountMinor != plan.AmountMinor {
		plan.AmountMinor = *upd.AmountMinor
		repriced = true
	}
	if upd.Currency != nil && strings.ToLower(*upd.Currency) != plan.Currency {
		plan.Currency = strings.ToLower(*upd.Currency)
		repriced = true
	}

	if repriced {
		referenced, err := c.repos.Plan.IsReferenced(ctx, plan.ID)
		if err != nil {
			return nil, err
		}
		if referenced {
			return nil, ErrPlanImmutable
		}
	}

	if upd.Name != nil && strings.TrimSpace(*upd.Name) != "" {
		plan.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.TrialDays != nil {
		plan.TrialDays = *upd.TrialDays
	}
	if upd.IsActive != nil {
		plan.IsActive = *upd.IsActive
	}

	if repriced && plan.ExternalProductRef != "" {
		gw, err := c.gateways.ForTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if err := c.createPrice(ctx, gw, plan); err != nil {
			return nil, err
		}
	}
	if err := c.repos.Plan.Update(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *Catalog) GetPlan(ctx context.Context, tenantID, planID uint) (*models.Plan, error) {
	return c.getPlan(ctx, tenantID, planID)
}

func (c *Catalog) ListPlans(ctx context.Context, tenantID uint, activeOnly bool) ([]models.Plan, error) {
	return c.repos.Plan.ListByTenant(ctx, tenantID, activeOnly)
}

func (c *Catalog) getPlan(ctx context.Context, tenantID, planID uint) (*models.Plan, error) {
	plan, err := c.repos.Plan.GetByID(ctx, tenantID, planID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPlanNotFound
	}
	return plan, err
}
