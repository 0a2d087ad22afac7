package constants

// Public routes
const (
	WebhookRoute          = "/billing/webhooks/:tenantID"
	DemoCheckoutRoute     = "/billing/demo/checkout"
	DemoCompleteRoute     = "/billing/demo/checkout/complete"
	CheckoutSuccessRoute  = "/billing/checkout/success"
	CheckoutCancelRoute   = "/billing/checkout/cancel"
	HealthRoute           = "/health"
	MetricsRoute          = "/metrics"
	MonitorRoute          = "/monitor"
	APIPrefix             = "/api"
	TenantAPIRoute        = "/v1/tenants/:tenantID"
	CheckoutSessionIDTmpl = "{CHECKOUT_SESSION_ID}"
)
