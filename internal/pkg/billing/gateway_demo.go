package billing

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/ManuelReschke/BillFox/internal/pkg/constants"
	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/google/uuid"
)

// DemoGateway serves tenants without processor credentials. It never leaves
// the process: refs are synthesized and checkout happens on a local page.
type DemoGateway struct {
	baseURL string
	metrics *metrics.Billing
}

// NewDemoGateway creates a demo gateway whose checkout pages live under baseURL.
func NewDemoGateway(baseURL string, m *metrics.Billing) *DemoGateway {
	return &DemoGateway{baseURL: strings.TrimRight(baseURL, "/"), metrics: m}
}

func (g *DemoGateway) Name() string { return GatewayDemo }

func demoRef(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (g *DemoGateway) observe(op string) {
	if g.metrics != nil {
		g.metrics.GatewayCalls.WithLabelValues(GatewayDemo, op, "ok").Inc()
	}
}

func (g *DemoGateway) CreateProduct(_ context.Context, _ ProductRequest) Result[string] {
	g.observe("create_product")
	return ok(demoRef("demo_prod_"))
}

func (g *DemoGateway) CreatePrice(_ context.Context, _ PriceRequest) Result[string] {
	g.observe("create_price")
	return ok(demoRef("demo_price_"))
}

func (g *DemoGateway) CreateCustomer(_ context.Context, _ CustomerRequest) Result[string] {
	g.observe("create_customer")
	return ok(demoRef("demo_cus_"))
}

// CreateCheckoutSession returns <base>/billing/demo/checkout?tenant=&plan=&customer=&session=,
// plus trial_days when the request overrides the plan trial.
func (g *DemoGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) Result[CheckoutSession] {
	g.observe("create_checkout_session")
	sessionID := demoRef(DemoSessionPrefix)
	q := url.Values{}
	q.Set("tenant", strconv.FormatUint(uint64(req.TenantID), 10))
	q.Set("plan", strconv.FormatUint(uint64(req.PlanID), 10))
	q.Set("customer", req.CustomerRef)
	q.Set("session", sessionID)
	if req.ContactID != 0 {
		q.Set("contact", strconv.FormatUint(uint64(req.ContactID), 10))
	}
	if req.TrialDays != nil {
		q.Set("trial_days", strconv.Itoa(*req.TrialDays))
	}
	return ok(CheckoutSession{
		ID:  sessionID,
		URL: g.baseURL + constants.DemoCheckoutRoute + "?" + q.Encode(),
	})
}

func (g *DemoGateway) CancelAtPeriodEnd(_ context.Context, _ string) Result[bool] {
	g.observe("cancel_at_period_end")
	return ok(true)
}

// DemoSessionPrefix marks demo checkout sessions.
const DemoSessionPrefix = "demo_cs_"

// demoSubscriptionRef derives the subscription ref of a demo session so that
// completing the same session twice lands on the same row.
func demoSubscriptionRef(sessionID string) string {
	return "demo_sub_" + strings.TrimPrefix(sessionID, DemoSessionPrefix)
}
