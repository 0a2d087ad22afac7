package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/BillFox/app/controllers"
	"github.com/ManuelReschke/BillFox/internal/pkg/constants"
	"github.com/ManuelReschke/BillFox/internal/pkg/middleware"
)

// ApiRouter serves the tenant management API.
type ApiRouter struct {
	opts Options
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	max := h.opts.RateLimitMax
	if max <= 0 {
		max = 120
	}
	api := app.Group(constants.APIPrefix, limiter.New(limiter.Config{
		Max:        max,
		Expiration: time.Minute,
		Storage:    h.opts.LimiterStorage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "BillFox billing API",
		})
	})

	tenant := api.Group(constants.TenantAPIRoute, middleware.APITokenMiddleware(h.opts.APIToken), middleware.TenantMiddleware)

	tenant.Put("/settings", controllers.HandleUpdateSettings)

	tenant.Get("/plans", controllers.HandleListPlans)
	tenant.Post("/plans", controllers.HandleCreatePlan)
	tenant.Get("/plans/:planID", controllers.HandleGetPlan)
	tenant.Patch("/plans/:planID", controllers.HandleUpdatePlan)
	tenant.Post("/plans/:planID/sync", controllers.HandleSyncPlan)

	tenant.Post("/contacts", controllers.HandleCreateContact)
	tenant.Get("/contacts/:contactID/entitlements", controllers.HandleContactEntitlements)
	tenant.Post("/checkouts", controllers.HandleCreateCheckout)

	tenant.Get("/subscriptions", controllers.HandleListSubscriptions)
	tenant.Get("/subscriptions/:subscriptionID", controllers.HandleGetSubscription)
	tenant.Post("/subscriptions/:subscriptionID/cancel", controllers.HandleCancelSubscription)

	tenant.Get("/stats", controllers.HandleTenantStats)

	tenant.Get("/events/pending", controllers.HandleListPendingEvents)
	tenant.Post("/events/reprocess", controllers.HandleReprocessEvents)
}

func NewApiRouter(opts Options) *ApiRouter {
	return &ApiRouter{opts: opts}
}
