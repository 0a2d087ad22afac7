package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BillFox/app/models"
)

func invoiceObject(id, sub, status string, paid bool, due, amountPaid int64) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"subscription":   sub,
		"status":         status,
		"paid":           paid,
		"currency":       "EUR",
		"amount_due":     due,
		"amount_paid":    amountPaid,
		"billing_reason": BillingReasonSubscriptionCycle,
	}
}

func TestNoDoubleRevenue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.deliver(t, eventBody(t, "evt_0", EventSubscriptionCreated, subscriptionObject("sub_1", "active", 1000, 2000)))

	e.deliver(t, eventBody(t, "evt_1", EventInvoicePaymentFailed, invoiceObject("in_1", "sub_1", "open", false, 1500, 0)))
	assert.Equal(t, OutcomeProcessed, e.deliver(t, eventBody(t, "evt_2", EventInvoicePaymentSucceeded, invoiceObject("in_1", "sub_1", "paid", true, 1500, 1500))))
	// The second payment event for a booked invoice is acknowledged as a duplicate.
	assert.Equal(t, OutcomeDuplicate, e.deliver(t, eventBody(t, "evt_3", EventInvoicePaid, invoiceObject("in_1", "sub_1", "paid", true, 1500, 1500))))
	assert.Equal(t, OutcomeProcessed, e.deliver(t, eventBody(t, "evt_4", EventInvoiceUpdated, invoiceObject("in_1", "sub_1", "paid", true, 1500, 1500))))

	pending, err := e.svc.Ledger.Pending(ctx, testTenant, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err := e.repos.Transaction.CountByProviderEventID(ctx, testTenant, "in_1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	sub := e.subscription(t, "sub_1")
	txns, err := e.repos.Transaction.ListBySubscription(ctx, testTenant, sub.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(1500), txns[0].AmountMinor)
	assert.Equal(t, "eur", txns[0].Currency)
	assert.Equal(t, "evt_2", txns[0].SourceEventID)
	assert.Equal(t, 1, e.audit.count(AuditInvoicePaid))

	// A successful payment does not by itself clear past_due.
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
}

func TestFinalizedInvoiceBooksNothing(t *testing.T) {
	e := newTestEngine(t)
	e.deliver(t, eventBody(t, "evt_0", EventSubscriptionCreated, subscriptionObject("sub_1", "active", 1000, 2000)))
	e.deliver(t, eventBody(t, "evt_1", EventInvoiceFinalized, invoiceObject("in_1", "sub_1", "open", false, 900, 0)))
	e.deliver(t, eventBody(t, "evt_2", EventInvoiceUpdated, invoiceObject("in_1", "sub_1", "open", false, 900, 0)))

	assert.EqualValues(t, 1, e.count(t, &models.Invoice{}))
	assert.EqualValues(t, 0, e.count(t, &models.Transaction{}))
}

func TestPaidInvoiceNeverRegresses(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.deliver(t, eventBody(t, "evt_0", EventSubscriptionCreated, subscriptionObject("sub_1", "active", 1000, 2000)))
	e.deliver(t, eventBody(t, "evt_1", EventInvoicePaid, invoiceObject("in_1", "sub_1", "paid", true, 900, 900)))
	paid, err := e.repos.Invoice.GetByExternalID(ctx, testTenant, "in_1")
	require.NoError(t, err)
	require.NotNil(t, paid.PaidAt)

	// A late, out-of-order "open" snapshot of the same invoice.
	e.deliver(t, eventBody(t, "evt_2", EventInvoiceUpdated, invoiceObject("in_1", "sub_1", "open", false, 900, 0)))

	inv, err := e.repos.Invoice.GetByExternalID(ctx, testTenant, "in_1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, int64(900), inv.AmountMinor)
	assert.True(t, paid.PaidAt.Equal(*inv.PaidAt))
}

func TestInvoiceForUnknownSubscriptionIsAcknowledged(t *testing.T) {
	e := newTestEngine(t)
	outcome := e.deliver(t, eventBody(t, "evt_1", EventInvoicePaid, invoiceObject("in_1", "sub_missing", "paid", true, 900, 900)))
	assert.Equal(t, OutcomeSubscriptionNotFound, outcome)
	assert.EqualValues(t, 0, e.count(t, &models.Invoice{}))
	assert.EqualValues(t, 0, e.count(t, &models.Transaction{}))

	// Redelivery is short-circuited by the ledger.
	assert.Equal(t, OutcomeDuplicate, e.deliver(t, eventBody(t, "evt_1", EventInvoicePaid, invoiceObject("in_1", "sub_missing", "paid", true, 900, 900))))
}

func TestPaymentSucceededOutsideBillingCycleIsSkipped(t *testing.T) {
	e := newTestEngine(t)
	e.deliver(t, eventBody(t, "evt_0", EventSubscriptionCreated, subscriptionObject("sub_1", "active", 1000, 2000)))

	obj := invoiceObject("in_1", "sub_1", "paid", true, 900, 900)
	obj["billing_reason"] = "subscription_create"
	assert.Equal(t, OutcomeProcessed, e.deliver(t, eventBody(t, "evt_1", EventInvoicePaymentSucceeded, obj)))
	assert.EqualValues(t, 0, e.count(t, &models.Transaction{}))

	// invoice.paid for the same invoice books it.
	e.deliver(t, eventBody(t, "evt_2", EventInvoicePaid, obj))
	assert.EqualValues(t, 1, e.count(t, &models.Transaction{}))
}

func TestResolveInvoiceStatus(t *testing.T) {
	assert.Equal(t, models.InvoiceStatusPaid, resolveInvoiceStatus(&InvoicePayload{Paid: true}))
	assert.Equal(t, models.InvoiceStatusPaid, resolveInvoiceStatus(&InvoicePayload{Status: "PAID"}))
	assert.Equal(t, models.InvoiceStatusOpen, resolveInvoiceStatus(&InvoicePayload{}))
	assert.Equal(t, models.InvoiceStatusVoid, resolveInvoiceStatus(&InvoicePayload{Status: "void"}))
}
