package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/billing"
	"github.com/ManuelReschke/BillFox/internal/pkg/middleware"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// writeBillingError maps engine errors onto API responses.
func writeBillingError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "internal_server_error"
	switch {
	case errors.Is(err, billing.ErrInvalidInput):
		status, code = fiber.StatusBadRequest, "invalid_input"
	case errors.Is(err, billing.ErrPlanNotFound):
		status, code = fiber.StatusNotFound, "plan_not_found"
	case errors.Is(err, billing.ErrContactNotFound):
		status, code = fiber.StatusNotFound, "contact_not_found"
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		status, code = fiber.StatusNotFound, "subscription_not_found"
	case errors.Is(err, billing.ErrTenantNotConfigured):
		status, code = fiber.StatusNotFound, "tenant_not_configured"
	case errors.Is(err, billing.ErrPlanInactive):
		status, code = fiber.StatusConflict, "plan_inactive"
	case errors.Is(err, billing.ErrPlanImmutable):
		status, code = fiber.StatusConflict, "plan_immutable"
	case errors.Is(err, billing.ErrInvalidTransition):
		status, code = fiber.StatusConflict, "invalid_transition"
	case errors.Is(err, billing.ErrProviderUnavailable):
		status, code = fiber.StatusBadGateway, "provider_unavailable"
	}

	body := fiber.Map{"error": code, "message": err.Error()}
	var pe *billing.ProviderError
	if errors.As(err, &pe) {
		body["provider_error"] = fiber.Map{
			"kind":      pe.Kind,
			"status":    pe.StatusCode,
			"code":      pe.Code,
			"retryable": pe.Retryable,
		}
	}
	if status == fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
		body["message"] = "Internal error"
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_input", "message": message})
}

// Plans

func (bc *BillingController) HandleListPlans(c *fiber.Ctx) error {
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	plans, err := bc.svc.Catalog.ListPlans(ctx, middleware.TenantID(c), c.QueryBool("active", false))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": plans})
}

func (bc *BillingController) HandleCreatePlan(c *fiber.Ctx) error {
	var in billing.PlanInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Request body must be a JSON plan")
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	plan, err := bc.svc.Catalog.CreatePlan(ctx, middleware.TenantID(c), in)
	if err != nil {
		if plan != nil && errors.Is(err, billing.ErrProviderUnavailable) {
			// Stored but not mirrored; the sync endpoint finishes it.
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"data": plan, "warning": err.Error()})
		}
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": plan})
}

func (bc *BillingController) HandleGetPlan(c *fiber.Ctx) error {
	planID, err := paramUint(c, "planID")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	plan, err := bc.svc.Catalog.GetPlan(ctx, middleware.TenantID(c), planID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": plan})
}

func (bc *BillingController) HandleUpdatePlan(c *fiber.Ctx) error {
	planID, err := paramUint(c, "planID")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var upd billing.PlanUpdate
	if err := c.BodyParser(&upd); err != nil {
		return badRequest(c, "Request body must be a JSON plan update")
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	plan, err := bc.svc.Catalog.UpdatePlan(ctx, middleware.TenantID(c), planID, upd)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": plan})
}

func (bc *BillingController) HandleSyncPlan(c *fiber.Ctx) error {
	planID, err := paramUint(c, "planID")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	plan, err := bc.svc.Catalog.SyncPlan(ctx, middleware.TenantID(c), planID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": plan})
}

// Contacts

type contactRequest struct {
	Email string `json:"email" validate:"required,email,max=200"`
	Name  string `json:"name" validate:"max=150"`
}

func (bc *BillingController) HandleCreateContact(c *fiber.Ctx) error {
	var req contactRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Request body must be a JSON contact")
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	contact := &models.Contact{TenantID: middleware.TenantID(c), Email: req.Email, Name: strings.TrimSpace(req.Name)}
	if err := bc.repos.Contact.Create(ctx, contact); err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": contact})
}

// HandleContactEntitlements reports which features a contact's subscriptions grant.
func (bc *BillingController) HandleContactEntitlements(c *fiber.Ctx) error {
	contactID, err := paramUint(c, "contactID")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	tenantID := middleware.TenantID(c)
	if _, err := bc.repos.Contact.GetByID(ctx, tenantID, contactID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return writeBillingError(c, billing.ErrContactNotFound)
		}
		return writeBillingError(c, err)
	}
	ent, err := bc.entitlements.ForContact(ctx, tenantID, contactID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": ent})
}

// Checkout

func (bc *BillingController) HandleCreateCheckout(c *fiber.Ctx) error {
	var in billing.CheckoutInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Request body must be a JSON checkout request")
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	res, err := bc.svc.Checkout.CreateSubscriptionCheckout(ctx, middleware.TenantID(c), in)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": res})
}

// Subscriptions

func (bc *BillingController) HandleListSubscriptions(c *fiber.Ctx) error {
	status := strings.TrimSpace(c.Query("status"))
	if status != "" {
		status = billing.NormalizeStatus(status, false)
		if status == "" {
			return badRequest(c, "Unknown subscription status")
		}
	}
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	perPage := c.QueryInt("per_page", defaultPageSize)
	if perPage < 1 || perPage > maxPageSize {
		perPage = defaultPageSize
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	tenantID := middleware.TenantID(c)
	subs, err := bc.repos.Subscription.ListByTenant(ctx, tenantID, status, (page-1)*perPage, perPage)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": subs, "page": page, "per_page": perPage})
}

func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	subID, err := paramUint(c, "subscriptionID")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	tenantID := middleware.TenantID(c)
	sub, err := bc.repos.Subscription.GetByID(ctx, tenantID, subID)
	if errors.Is(err, repository.ErrNotFound) {
		return writeBillingError(c, billing.ErrSubscriptionNotFound)
	}
	if err != nil {
		return writeBillingError(c, err)
	}
	invoices, err := bc.repos.Invoice.ListBySubscription(ctx, tenantID, sub.ID)
	if err != nil {
		return writeBillingError(c, err)
	}
	transactions, err := bc.repos.Transaction.ListBySubscription(ctx, tenantID, sub.ID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": sub, "invoices": invoices, "transactions": transactions})
}

func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	subID, err := paramUint(c, "subscriptionID")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	sub, err := bc.svc.Checkout.CancelAtPeriodEnd(ctx, middleware.TenantID(c), subID)
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": sub})
}

// Events

func (bc *BillingController) HandleListPendingEvents(c *fiber.Ctx) error {
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	rows, err := bc.svc.Ledger.Pending(ctx, middleware.TenantID(c), time.Now(), c.QueryInt("limit", 100))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (bc *BillingController) HandleReprocessEvents(c *fiber.Ctx) error {
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	done, err := bc.svc.Processor.ReprocessPending(ctx, middleware.TenantID(c), 0, c.QueryInt("limit", 100))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"reprocessed": done})
}

// Statistics

func (bc *BillingController) HandleTenantStats(c *fiber.Ctx) error {
	ctx, cancel := bc.requestContext(c)
	defer cancel()

	stats, err := bc.stats.Get(ctx, middleware.TenantID(c), c.QueryBool("fresh", false))
	if err != nil {
		return writeBillingError(c, err)
	}
	return c.JSON(fiber.Map{"data": stats})
}

// Settings

type settingsRequest struct {
	ProcessorSecretKey  *string `json:"processor_secret_key" validate:"omitempty,startswith=sk_"`
	ProcessorAPIBaseURL *string `json:"processor_api_base_url" validate:"omitempty,url"`
	WebhookSecret       *string `json:"webhook_secret" validate:"omitempty,min=8,max=255"`
	BrandName           *string `json:"brand_name" validate:"omitempty,max=150"`
	BrandColor          *string `json:"brand_color" validate:"omitempty,hexcolor"`
	SupportEmail        *string `json:"support_email" validate:"omitempty,email"`
	NotifyOnCheckout    *bool   `json:"notify_on_checkout"`
}

// HandleUpdateSettings creates or changes the tenant's processor credentials
// and branding. The secret key is sealed before it is stored.
func (bc *BillingController) HandleUpdateSettings(c *fiber.Ctx) error {
	var req settingsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Request body must be JSON settings")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	tenantID := middleware.TenantID(c)
	settings, err := bc.repos.TenantSettings.GetByTenantID(ctx, tenantID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if req.WebhookSecret == nil {
			return badRequest(c, "webhook_secret is required for a new tenant")
		}
		settings = &models.TenantBillingSettings{TenantID: tenantID, Provider: models.BillingProviderStripe, NotifyOnCheckout: true}
	case err != nil:
		return writeBillingError(c, err)
	}

	if req.ProcessorSecretKey != nil {
		if *req.ProcessorSecretKey == "" {
			settings.ProcessorKeyEnc = ""
		} else {
			if bc.box == nil {
				return writeBillingError(c, errors.New("no secret key configured to seal processor credentials"))
			}
			sealed, err := bc.box.Seal(*req.ProcessorSecretKey)
			if err != nil {
				return writeBillingError(c, err)
			}
			settings.ProcessorKeyEnc = sealed
		}
	}
	if req.ProcessorAPIBaseURL != nil {
		settings.ProcessorAPIBaseURL = strings.TrimRight(*req.ProcessorAPIBaseURL, "/")
	}
	if req.WebhookSecret != nil {
		settings.WebhookSecret = *req.WebhookSecret
	}
	if req.BrandName != nil {
		settings.BrandName = strings.TrimSpace(*req.BrandName)
	}
	if req.BrandColor != nil {
		settings.BrandColor = *req.BrandColor
	}
	if req.SupportEmail != nil {
		settings.SupportEmail = *req.SupportEmail
	}
	if req.NotifyOnCheckout != nil {
		settings.NotifyOnCheckout = *req.NotifyOnCheckout
	}

	if err := bc.repos.TenantSettings.Upsert(ctx, settings); err != nil {
		return writeBillingError(c, err)
	}
	bc.svc.Gateways.Invalidate(tenantID)
	log.Infof("[API] Billing settings of tenant %d updated (processor credentials: %t)", tenantID, settings.HasProcessorCredentials())

	return c.JSON(fiber.Map{"data": settings, "has_processor_credentials": settings.HasProcessorCredentials()})
}
