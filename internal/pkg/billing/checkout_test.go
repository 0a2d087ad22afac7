package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BillFox/app/models"
)

// fakeStripe answers the handful of endpoints the gateway uses.
type fakeStripe struct {
	server *httptest.Server

	hits      atomic.Int64
	customers atomic.Int64

	mu       sync.Mutex
	failOn   string
	sessions []url.Values
	auth     []string
}

func (f *fakeStripe) fail(pathPrefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = pathPrefix
}

func newFakeStripe(t *testing.T) *fakeStripe {
	t.Helper()
	f := &fakeStripe{}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeStripe) handle(w http.ResponseWriter, r *http.Request) {
	n := f.hits.Add(1)
	_ = r.ParseForm()
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	failOn := f.failOn
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failOn != "" && strings.HasPrefix(r.URL.Path, failOn) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"upstream exploded"}}`))
		return
	}

	switch {
	case r.URL.Path == "/v1/products":
		fmt.Fprintf(w, `{"id":"prod_%d","object":"product"}`, n)
	case r.URL.Path == "/v1/prices":
		fmt.Fprintf(w, `{"id":"price_%d","object":"price"}`, n)
	case r.URL.Path == "/v1/customers":
		f.customers.Add(1)
		fmt.Fprintf(w, `{"id":"cus_%d","object":"customer"}`, n)
	case r.URL.Path == "/v1/checkout/sessions":
		f.mu.Lock()
		f.sessions = append(f.sessions, r.PostForm)
		f.mu.Unlock()
		fmt.Fprintf(w, `{"id":"cs_test_%d","object":"checkout.session","url":"https://checkout.stripe.test/c/pay/cs_test_%d"}`, n, n)
	case strings.HasPrefix(r.URL.Path, "/v1/subscriptions/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
		fmt.Fprintf(w, `{"id":%q,"object":"subscription","cancel_at_period_end":true}`, id)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"unknown path"}}`))
	}
}

func (f *fakeStripe) lastSession(t *testing.T) url.Values {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sessions)
	return f.sessions[len(f.sessions)-1]
}

func TestDemoCheckoutNeverCallsProcessor(t *testing.T) {
	stripe := newFakeStripe(t)
	e := newTestEngine(t, func(d *Dependencies, _ *models.TenantBillingSettings) {
		d.ProcessorAPIURL = stripe.server.URL
	})
	ctx := context.Background()

	plan := e.createPlan(t, "Pro", 1250, 0)
	assert.True(t, strings.HasPrefix(plan.ExternalPriceRef, "demo_price_"))
	contact := e.createContact(t, "jane@example.test")

	res, err := e.svc.Checkout.CreateSubscriptionCheckout(ctx, testTenant, CheckoutInput{ContactID: contact.ID, PlanID: plan.ID})
	require.NoError(t, err)
	assert.Equal(t, GatewayDemo, res.Gateway)
	assert.True(t, strings.HasPrefix(res.URL, "https://billing.example.test/billing/demo/checkout?"), res.URL)
	assert.True(t, strings.HasPrefix(res.SessionID, DemoSessionPrefix))

	u, err := url.Parse(res.URL)
	require.NoError(t, err)
	assert.Equal(t, "1", u.Query().Get("tenant"))
	assert.Equal(t, res.SessionID, u.Query().Get("session"))
	assert.True(t, strings.HasPrefix(u.Query().Get("customer"), "demo_cus_"))

	assert.Zero(t, stripe.hits.Load())
	require.Equal(t, 1, e.mailer.count())
	msg := e.mailer.sent[0]
	assert.Equal(t, "jane@example.test", msg.To)
	assert.Contains(t, msg.Subject, "Acme")
	assert.Contains(t, msg.Body, "12.50 EUR")
}

func TestStripeCheckoutSendsSubscriptionSession(t *testing.T) {
	stripe := newFakeStripe(t)
	box := newTestBox(t)
	e := newTestEngine(t, withProcessor(stripe.server.URL, "sk_test_123", box))
	ctx := context.Background()

	plan := e.createPlan(t, "Team", 4900, 14)
	assert.True(t, plan.IsActive)
	assert.True(t, strings.HasPrefix(plan.ExternalProductRef, "prod_"))
	assert.True(t, strings.HasPrefix(plan.ExternalPriceRef, "price_"))
	contact := e.createContact(t, "team@example.test")

	res, err := e.svc.Checkout.CreateSubscriptionCheckout(ctx, testTenant, CheckoutInput{ContactID: contact.ID, PlanID: plan.ID})
	require.NoError(t, err)
	assert.Equal(t, GatewayStripe, res.Gateway)
	assert.True(t, strings.HasPrefix(res.SessionID, "cs_test_"))
	assert.True(t, strings.HasPrefix(res.URL, "https://checkout.stripe.test/"))

	form := stripe.lastSession(t)
	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, plan.ExternalPriceRef, form.Get("line_items[0][price]"))
	assert.Equal(t, "1", form.Get("line_items[0][quantity]"))
	assert.Equal(t, fmt.Sprint(contact.ID), form.Get("client_reference_id"))
	assert.Equal(t, fmt.Sprint(plan.ID), form.Get("metadata[plan_id]"))
	assert.Equal(t, fmt.Sprint(plan.ID), form.Get("subscription_data[metadata][plan_id]"))
	assert.Equal(t, "https://billing.example.test/billing/checkout/cancel", form.Get("cancel_url"))
	assert.Contains(t, form.Get("success_url"), "{CHECKOUT_SESSION_ID}")

	stored, err := e.repos.Contact.GetByID(ctx, testTenant, contact.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.ExternalCustomerRef, "cus_"))
	assert.Equal(t, stored.ExternalCustomerRef, form.Get("customer"))

	stripe.mu.Lock()
	for _, a := range stripe.auth {
		assert.Equal(t, "Bearer sk_test_123", a)
	}
	stripe.mu.Unlock()
	assert.Equal(t, 1, e.mailer.count())
}

func TestStripeCheckoutTrialOverride(t *testing.T) {
	stripe := newFakeStripe(t)
	e := newTestEngine(t, withProcessor(stripe.server.URL, "sk_test_123", newTestBox(t)))
	plan := e.createPlan(t, "Team", 4900, 0)
	contact := e.createContact(t, "trial@example.test")

	days := 7
	_, err := e.svc.Checkout.CreateSubscriptionCheckout(context.Background(), testTenant, CheckoutInput{ContactID: contact.ID, PlanID: plan.ID, TrialDays: &days})
	require.NoError(t, err)

	form := stripe.lastSession(t)
	assert.Equal(t, "7", form.Get("subscription_data[trial_period_days]"))
	assert.Equal(t, "7", form.Get("metadata[trial_days]"))
}

func TestProviderFailureSendsNoNotification(t *testing.T) {
	stripe := newFakeStripe(t)
	e := newTestEngine(t, withProcessor(stripe.server.URL, "sk_test_123", newTestBox(t)))
	plan := e.createPlan(t, "Team", 4900, 0)
	contact := e.createContact(t, "fail@example.test")

	stripe.fail("/v1/checkout/sessions")
	_, err := e.svc.Checkout.CreateSubscriptionCheckout(context.Background(), testTenant, CheckoutInput{ContactID: contact.ID, PlanID: plan.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProviderErrorServer, pe.Kind)
	assert.Equal(t, http.StatusInternalServerError, pe.StatusCode)
	assert.True(t, pe.Retryable)
	assert.Zero(t, e.mailer.count())
}

func TestCheckoutRejectsBadInput(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	contact := e.createContact(t, "x@example.test")

	_, err := e.svc.Checkout.CreateSubscriptionCheckout(ctx, testTenant, CheckoutInput{ContactID: contact.ID})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.svc.Checkout.CreateSubscriptionCheckout(ctx, testTenant, CheckoutInput{ContactID: contact.ID, PlanID: 404})
	assert.ErrorIs(t, err, ErrPlanNotFound)

	plan := e.createPlan(t, "Old", 100, 0)
	inactive := false
	_, err = e.svc.Catalog.UpdatePlan(ctx, testTenant, plan.ID, PlanUpdate{IsActive: &inactive})
	require.NoError(t, err)
	_, err = e.svc.Checkout.CreateSubscriptionCheckout(ctx, testTenant, CheckoutInput{ContactID: contact.ID, PlanID: plan.ID})
	assert.ErrorIs(t, err, ErrPlanInactive)

	active := e.createPlan(t, "New", 100, 0)
	_, err = e.svc.Checkout.CreateSubscriptionCheckout(ctx, testTenant, CheckoutInput{ContactID: 999, PlanID: active.ID})
	assert.ErrorIs(t, err, ErrContactNotFound)
	assert.Zero(t, e.mailer.count())
}

func TestEnsureCustomerCreatesOnce(t *testing.T) {
	stripe := newFakeStripe(t)
	e := newTestEngine(t, withProcessor(stripe.server.URL, "sk_test_123", newTestBox(t)))
	contact := e.createContact(t, "once@example.test")

	var wg sync.WaitGroup
	refs := make([]string, 8)
	errs := make([]error, 8)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = e.svc.Checkout.EnsureCustomer(context.Background(), testTenant, contact.ID)
		}(i)
	}
	wg.Wait()

	for i := range refs {
		require.NoError(t, errs[i])
		assert.Equal(t, refs[0], refs[i])
	}
	assert.EqualValues(t, 1, stripe.customers.Load())
}

func TestCancelAtPeriodEnd(t *testing.T) {
	stripe := newFakeStripe(t)
	e := newTestEngine(t, withProcessor(stripe.server.URL, "sk_test_123", newTestBox(t)))
	ctx := context.Background()

	e.deliver(t, eventBody(t, "evt_1", EventSubscriptionCreated, subscriptionObject("sub_1", "active", 1000, 2000)))
	sub := e.subscription(t, "sub_1")

	updated, err := e.svc.Checkout.CancelAtPeriodEnd(ctx, testTenant, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelAtPeriodEnd, updated.Status)
	assert.Equal(t, 1, e.audit.count(AuditCancelRequested))

	e.deliver(t, eventBody(t, "evt_2", EventSubscriptionDeleted, subscriptionObject("sub_1", "canceled", 1000, 2000)))
	assert.Equal(t, models.SubscriptionStatusCanceled, e.subscription(t, "sub_1").Status)

	before := stripe.hits.Load()
	_, err = e.svc.Checkout.CancelAtPeriodEnd(ctx, testTenant, sub.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, before, stripe.hits.Load())

	_, err = e.svc.Checkout.CancelAtPeriodEnd(ctx, testTenant, 4242)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestCompleteDemoCheckoutIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	plan := e.createPlan(t, "Starter", 500, 0)
	contact := e.createContact(t, "demo@example.test")

	res, err := e.svc.Checkout.CreateSubscriptionCheckout(ctx, testTenant, CheckoutInput{ContactID: contact.ID, PlanID: plan.ID})
	require.NoError(t, err)
	u, err := url.Parse(res.URL)
	require.NoError(t, err)

	in := DemoCompletion{
		PlanID:      plan.ID,
		ContactID:   contact.ID,
		CustomerRef: u.Query().Get("customer"),
		SessionID:   res.SessionID,
	}
	first, err := e.svc.Checkout.CompleteDemoCheckout(ctx, testTenant, in)
	require.NoError(t, err)
	second, err := e.svc.Checkout.CompleteDemoCheckout(ctx, testTenant, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 1, e.count(t, &models.Subscription{}))
	assert.Equal(t, models.SubscriptionStatusActive, first.Status)
	require.NotNil(t, first.PlanID)
	assert.Equal(t, plan.ID, *first.PlanID)
	require.NotNil(t, first.ContactID)
	assert.Equal(t, contact.ID, *first.ContactID)
	assert.Equal(t, 1, e.audit.count(AuditSubscriptionCreated))

	_, err = e.svc.Checkout.CompleteDemoCheckout(ctx, testTenant, DemoCompletion{PlanID: plan.ID, SessionID: "cs_live_1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCompleteDemoCheckoutHonorsTrialOverride(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	plan := e.createPlan(t, "Trial", 500, 14)
	contact := e.createContact(t, "trial@example.test")

	complete := func(override *int) *models.Subscription {
		res, err := e.svc.Checkout.CreateSubscriptionCheckout(ctx, testTenant, CheckoutInput{ContactID: contact.ID, PlanID: plan.ID, TrialDays: override})
		require.NoError(t, err)
		u, err := url.Parse(res.URL)
		require.NoError(t, err)

		in := DemoCompletion{
			PlanID:      plan.ID,
			ContactID:   contact.ID,
			CustomerRef: u.Query().Get("customer"),
			SessionID:   res.SessionID,
		}
		if v := u.Query().Get("trial_days"); v != "" {
			n, err := strconv.Atoi(v)
			require.NoError(t, err)
			in.TrialDays = &n
		}
		sub, err := e.svc.Checkout.CompleteDemoCheckout(ctx, testTenant, in)
		require.NoError(t, err)
		return sub
	}

	noTrial := 0
	sub := complete(&noTrial)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.TrialEnd)

	sub = complete(nil)
	assert.Equal(t, models.SubscriptionStatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEnd)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 14), *sub.TrialEnd, time.Hour)

	negative := -1
	_, err := e.svc.Checkout.CompleteDemoCheckout(ctx, testTenant, DemoCompletion{PlanID: plan.ID, SessionID: "demo_cs_x", TrialDays: &negative})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCompleteDemoCheckoutRequiresDemoGateway(t *testing.T) {
	stripe := newFakeStripe(t)
	e := newTestEngine(t, withProcessor(stripe.server.URL, "sk_test_123", newTestBox(t)))
	_, err := e.svc.Checkout.CompleteDemoCheckout(context.Background(), testTenant, DemoCompletion{PlanID: 1, SessionID: "demo_cs_abc"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.EqualValues(t, 0, e.count(t, &models.Subscription{}))
}
