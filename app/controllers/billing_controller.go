package controllers

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/billing"
	"github.com/ManuelReschke/BillFox/internal/pkg/constants"
	"github.com/ManuelReschke/BillFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/BillFox/internal/pkg/middleware"
	"github.com/ManuelReschke/BillFox/internal/pkg/security"
	"github.com/ManuelReschke/BillFox/internal/pkg/statistics"
)

var validate = validator.New()

// BillingController serves the webhook endpoint, the demo checkout pages and
// the tenant management API.
type BillingController struct {
	svc            *billing.Service
	repos          *repository.Repositories
	box            *security.Box
	stats          *statistics.Service
	entitlements   *entitlements.Resolver
	webhookTimeout time.Duration
}

// NewBillingController creates a controller over the billing engine.
func NewBillingController(svc *billing.Service, repos *repository.Repositories, box *security.Box) *BillingController {
	return &BillingController{
		svc:            svc,
		repos:          repos,
		box:            box,
		stats:          statistics.NewService(repos),
		entitlements:   entitlements.NewResolver(repos),
		webhookTimeout: 15 * time.Second,
	}
}

func (bc *BillingController) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), 20*time.Second)
}

// HandleWebhook ingests one processor delivery for the tenant in the path.
// Acknowledged outcomes answer 200 so the processor stops redelivering.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	tenantID := middleware.TenantID(c)
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get(billing.SignatureHeader))

	ctx, cancel := context.WithTimeout(context.Background(), bc.webhookTimeout)
	defer cancel()

	outcome, err := bc.svc.Processor.HandleWebhook(ctx, tenantID, rawBody, signature)
	switch outcome {
	case billing.OutcomeSignatureInvalid:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	case billing.OutcomeTenantUnknown:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_tenant"})
	case billing.OutcomeError:
		log.Errorf("[Webhook] Delivery for tenant %d failed: %v", tenantID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": outcome})
}

// HandleDemoCheckout renders the local checkout page of the demo gateway.
func (bc *BillingController) HandleDemoCheckout(c *fiber.Ctx) error {
	tenantID, err := queryUint(c, "tenant")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid tenant")
	}
	planID, err := queryUint(c, "plan")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid plan")
	}
	sessionID := c.Query("session")
	if !strings.HasPrefix(sessionID, billing.DemoSessionPrefix) {
		return c.Status(fiber.StatusBadRequest).SendString("invalid session")
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	if !bc.isDemoTenant(ctx, tenantID) {
		return c.Status(fiber.StatusNotFound).SendString("demo checkout is not available")
	}
	plan, err := bc.svc.Catalog.GetPlan(ctx, tenantID, planID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).SendString("plan not found")
	}

	brand := "BillFox"
	if settings, err := bc.repos.TenantSettings.GetByTenantID(ctx, tenantID); err == nil && settings.BrandName != "" {
		brand = settings.BrandName
	}

	contactID, _ := queryUint(c, "contact")
	trialDays, trialOverride := plan.TrialDays, false
	if v := c.Query("trial_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).SendString("invalid trial_days")
		}
		trialDays, trialOverride = n, true
	}
	return c.Render("demo_checkout", fiber.Map{
		"Title":         brand + " checkout",
		"BrandName":     brand,
		"TenantID":      tenantID,
		"Plan":          plan,
		"Price":         billing.FormatPrice(plan.AmountMinor, plan.Currency),
		"ContactID":     contactID,
		"CustomerRef":   c.Query("customer"),
		"SessionID":     sessionID,
		"CompleteURL":   constants.DemoCompleteRoute,
		"TrialDays":     trialDays,
		"TrialOverride": trialOverride,
	}, "layouts/main")
}

// HandleDemoCheckoutConfirm completes a demo checkout and redirects like a
// real processor would.
func (bc *BillingController) HandleDemoCheckoutConfirm(c *fiber.Ctx) error {
	tenantID, err := queryUint(c, "tenant")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid tenant")
	}
	var in billing.DemoCompletion
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid form")
	}

	ctx, cancel := bc.requestContext(c)
	defer cancel()

	if _, err := bc.svc.Checkout.CompleteDemoCheckout(ctx, tenantID, in); err != nil {
		log.Warnf("[Billing] Demo checkout %s for tenant %d failed: %v", in.SessionID, tenantID, err)
		if errors.Is(err, billing.ErrInvalidInput) {
			return c.Status(fiber.StatusBadRequest).SendString("demo checkout rejected")
		}
		return c.Status(fiber.StatusInternalServerError).SendString("demo checkout failed")
	}
	return c.Redirect(constants.CheckoutSuccessRoute+"?session_id="+url.QueryEscape(in.SessionID), fiber.StatusSeeOther)
}

func (bc *BillingController) HandleCheckoutSuccess(c *fiber.Ctx) error {
	return c.Render("checkout_result", fiber.Map{
		"Title":     "Subscription started",
		"Message":   "Thank you. Your subscription is being activated.",
		"SessionID": c.Query("session_id"),
	}, "layouts/main")
}

func (bc *BillingController) HandleCheckoutCancel(c *fiber.Ctx) error {
	return c.Render("checkout_result", fiber.Map{
		"Title":   "Checkout canceled",
		"Message": "No subscription was created. You can close this page.",
	}, "layouts/main")
}

// HandleHealth reports whether the database answers.
func (bc *BillingController) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	sqlDB, err := bc.repos.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		log.Warnf("[Health] Database ping failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "database": "down"})
	}
	return c.JSON(fiber.Map{"status": "ok", "database": "up"})
}

func (bc *BillingController) isDemoTenant(ctx context.Context, tenantID uint) bool {
	gw, err := bc.svc.Gateways.ForTenant(ctx, tenantID)
	return err == nil && gw.Name() == billing.GatewayDemo
}

func queryUint(c *fiber.Ctx, key string) (uint, error) {
	v, err := strconv.ParseUint(c.Query(key), 10, 32)
	if err != nil || v == 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return uint(v), nil
}

func paramUint(c *fiber.Ctx, key string) (uint, error) {
	v, err := strconv.ParseUint(c.Params(key), 10, 32)
	if err != nil || v == 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return uint(v), nil
}
