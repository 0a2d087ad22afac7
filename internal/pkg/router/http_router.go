package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/BillFox/app/controllers"
	"github.com/ManuelReschke/BillFox/internal/pkg/constants"
	"github.com/ManuelReschke/BillFox/internal/pkg/middleware"
)

// HttpRouter serves the processor-facing and customer-facing pages.
type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Processor webhooks (signature-verified in the engine)
	app.Post(constants.WebhookRoute, middleware.TenantMiddleware, controllers.HandleBillingWebhook)

	// Checkout landing pages
	app.Get(constants.CheckoutSuccessRoute, controllers.HandleCheckoutSuccess)
	app.Get(constants.CheckoutCancelRoute, controllers.HandleCheckoutCancel)

	// Demo gateway checkout
	app.Get(constants.DemoCheckoutRoute, controllers.HandleDemoCheckout)
	app.Post(constants.DemoCompleteRoute, controllers.HandleDemoCheckoutConfirm)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
