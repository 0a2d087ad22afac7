package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/internal/pkg/mail"
)

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		amount   int64
		currency string
		want     string
	}{
		{1250, "eur", "12.50 EUR"},
		{5, "usd", "0.05 USD"},
		{100000, "gbp", "1000.00 GBP"},
		{500, "JPY", "500 JPY"},
		{0, "eur", "0.00 EUR"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatPrice(tt.amount, tt.currency))
	}
}

func TestMailNotifierHonorsTenantSettings(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	renderer, err := mail.NewRenderer()
	require.NoError(t, err)
	mailer := &fakeMailer{}
	n := NewMailNotifier(e.repos.TenantSettings, renderer, mailer)

	plan := &models.Plan{Name: "Pro", AmountMinor: 900, Currency: "eur", BillingInterval: "month"}
	note := CheckoutNotification{
		TenantID:    testTenant,
		Contact:     &models.Contact{Email: "a@example.test"},
		Plan:        plan,
		CheckoutURL: "https://pay.example.test/x",
		TrialDays:   3,
	}
	require.NoError(t, n.CheckoutCreated(ctx, note))
	require.Equal(t, 1, mailer.count())
	assert.Contains(t, mailer.sent[0].Body, "Acme")
	assert.Contains(t, mailer.sent[0].Body, "https://pay.example.test/x")
	assert.Contains(t, mailer.sent[0].Body, "3 day free trial")

	// Unknown tenants fall back to the default brand.
	note.TenantID = 77
	require.NoError(t, n.CheckoutCreated(ctx, note))
	assert.Contains(t, mailer.sent[1].Subject, defaultBrandName)

	settings, err := e.repos.TenantSettings.GetByTenantID(ctx, testTenant)
	require.NoError(t, err)
	settings.NotifyOnCheckout = false
	require.NoError(t, e.repos.TenantSettings.Upsert(ctx, settings))
	note.TenantID = testTenant
	require.NoError(t, n.CheckoutCreated(ctx, note))
	assert.Equal(t, 2, mailer.count())

	note.Contact = &models.Contact{}
	assert.Error(t, n.CheckoutCreated(ctx, note))
}

func TestCheckoutSurvivesMailerFailure(t *testing.T) {
	e := newTestEngine(t)
	e.mailer.err = errors.New("smtp down")
	plan := e.createPlan(t, "Pro", 900, 0)
	contact := e.createContact(t, "down@example.test")

	res, err := e.svc.Checkout.CreateSubscriptionCheckout(context.Background(), testTenant, CheckoutInput{ContactID: contact.ID, PlanID: plan.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, res.URL)
	assert.Equal(t, 1, e.mailer.count())
}
