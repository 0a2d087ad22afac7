package billing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BillFox/app/models"
)

func TestCreatePlanMirrorsToGateway(t *testing.T) {
	e := newTestEngine(t)
	plan, err := e.svc.Catalog.CreatePlan(context.Background(), testTenant, PlanInput{
		Name: "  Pro  ", Interval: "MONTH", AmountMinor: 1999, Currency: "EUR", TrialDays: 14,
		Tier: "pro", Features: []string{"api", "sso"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Pro", plan.Name)
	assert.Equal(t, "month", plan.BillingInterval)
	assert.Equal(t, "eur", plan.Currency)
	assert.True(t, plan.IsActive)
	assert.True(t, strings.HasPrefix(plan.ExternalProductRef, "demo_prod_"))
	assert.True(t, strings.HasPrefix(plan.ExternalPriceRef, "demo_price_"))
	assert.Equal(t, []string{"api", "sso"}, plan.Metadata.Data().Features)
	assert.Equal(t, 1, e.audit.count(AuditPlanCreated))

	stored, err := e.svc.Catalog.GetPlan(context.Background(), testTenant, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ExternalPriceRef, stored.ExternalPriceRef)
}

func TestCreatePlanValidation(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		name string
		in   PlanInput
	}{
		{"missing name", PlanInput{Interval: "month", AmountMinor: 100, Currency: "eur"}},
		{"bad interval", PlanInput{Name: "x", Interval: "week", AmountMinor: 100, Currency: "eur"}},
		{"zero amount", PlanInput{Name: "x", Interval: "month", Currency: "eur"}},
		{"bad currency", PlanInput{Name: "x", Interval: "month", AmountMinor: 100, Currency: "euro"}},
		{"negative trial", PlanInput{Name: "x", Interval: "month", AmountMinor: 100, Currency: "eur", TrialDays: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Catalog.CreatePlan(context.Background(), testTenant, tt.in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.EqualValues(t, 0, e.count(t, &models.Plan{}))

	plan, err := e.svc.Catalog.CreatePlan(context.Background(), testTenant, PlanInput{Name: "Yearly", Interval: " Year ", AmountMinor: 9900, Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, models.BillingIntervalYear, plan.BillingInterval)

	week := "week"
	_, err = e.svc.Catalog.UpdatePlan(context.Background(), testTenant, plan.ID, PlanUpdate{Interval: &week})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreatePlanProviderFailureLeavesPlanInactive(t *testing.T) {
	stripe := newFakeStripe(t)
	stripe.fail("/v1/prices")
	e := newTestEngine(t, withProcessor(stripe.server.URL, "sk_test_123", newTestBox(t)))
	ctx := context.Background()

	plan, err := e.svc.Catalog.CreatePlan(ctx, testTenant, PlanInput{Name: "Pro", Interval: "month", AmountMinor: 100, Currency: "eur"})
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.NotNil(t, plan)
	assert.False(t, plan.IsActive)

	active, err := e.svc.Catalog.ListPlans(ctx, testTenant, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	stripe.fail("")
	synced, err := e.svc.Catalog.SyncPlan(ctx, testTenant, plan.ID)
	require.NoError(t, err)
	assert.True(t, synced.IsActive)
	assert.True(t, strings.HasPrefix(synced.ExternalPriceRef, "price_"))
	// The product created on the first try is reused.
	assert.Equal(t, plan.ExternalProductRef, synced.ExternalProductRef)
}

func TestUpdatePlanPricingFrozenOnceReferenced(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	plan := e.createPlan(t, "Pro", 1000, 0)
	oldPrice := plan.ExternalPriceRef

	// An unused plan may be repriced; it gets a new processor price.
	amount := int64(1200)
	updated, err := e.svc.Catalog.UpdatePlan(ctx, testTenant, plan.ID, PlanUpdate{AmountMinor: &amount})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), updated.AmountMinor)
	assert.NotEqual(t, oldPrice, updated.ExternalPriceRef)

	planID := plan.ID
	_, err = e.repos.Subscription.CreateIfNotExists(ctx, &models.Subscription{
		TenantID: testTenant, ExternalRef: "sub_1", Status: models.SubscriptionStatusActive, PlanID: &planID,
	})
	require.NoError(t, err)

	amount = 1500
	_, err = e.svc.Catalog.UpdatePlan(ctx, testTenant, plan.ID, PlanUpdate{AmountMinor: &amount})
	assert.ErrorIs(t, err, ErrPlanImmutable)
	currency := "usd"
	_, err = e.svc.Catalog.UpdatePlan(ctx, testTenant, plan.ID, PlanUpdate{Currency: &currency})
	assert.ErrorIs(t, err, ErrPlanImmutable)

	// Cosmetic changes stay allowed.
	name := "Pro (legacy)"
	renamed, err := e.svc.Catalog.UpdatePlan(ctx, testTenant, plan.ID, PlanUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Pro (legacy)", renamed.Name)
	assert.Equal(t, int64(1200), renamed.AmountMinor)
}

func TestGetPlanIsTenantScoped(t *testing.T) {
	e := newTestEngine(t)
	plan := e.createPlan(t, "Pro", 1000, 0)

	_, err := e.svc.Catalog.GetPlan(context.Background(), 2, plan.ID)
	assert.ErrorIs(t, err, ErrPlanNotFound)
	_, err = e.svc.Catalog.UpdatePlan(context.Background(), 2, plan.ID, PlanUpdate{})
	assert.ErrorIs(t, err, ErrPlanNotFound)
}
