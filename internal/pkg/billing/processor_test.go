package billing

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BillFox/internal/pkg/lock"
)

func TestSignatureEnforcementMutatesNothing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	bodies := [][]byte{
		eventBody(t, "evt_1", EventSubscriptionUpdated, subscriptionObject("sub_1", "active", 1000, 2000)),
		eventBody(t, "evt_2", EventInvoicePaid, invoiceObject("in_1", "sub_1", "paid", true, 900, 900)),
	}
	for _, body := range bodies {
		for _, sig := range []string{"", "deadbeef", SignWebhookPayload(body, "wrong-secret")} {
			outcome, err := e.svc.Processor.HandleWebhook(ctx, testTenant, body, sig)
			assert.ErrorIs(t, err, ErrSignatureInvalid)
			assert.Equal(t, OutcomeSignatureInvalid, outcome)
			assert.False(t, outcome.Acknowledged())
		}
	}

	assert.EqualValues(t, 0, e.count(t, &models.SubscriptionEvent{}))
	assert.EqualValues(t, 0, e.count(t, &models.Subscription{}))
	assert.EqualValues(t, 0, e.count(t, &models.Invoice{}))
	assert.EqualValues(t, 0, e.count(t, &models.Transaction{}))
	assert.Equal(t, float64(6), testutil.ToFloat64(e.metrics.WebhookEvents.WithLabelValues(string(OutcomeSignatureInvalid))))
}

func TestUnknownTenantIsRejected(t *testing.T) {
	e := newTestEngine(t)
	body := eventBody(t, "evt_1", EventSubscriptionUpdated, subscriptionObject("sub_1", "active", 1, 2))
	outcome, err := e.svc.Processor.HandleWebhook(context.Background(), 99, body, SignWebhookPayload(body, testWebhookSecret))
	assert.ErrorIs(t, err, ErrTenantNotConfigured)
	assert.Equal(t, OutcomeTenantUnknown, outcome)
}

func TestUnknownEventTypeIsAcknowledged(t *testing.T) {
	e := newTestEngine(t)
	body := eventBody(t, "evt_x", "customer.discount.created", map[string]interface{}{"id": "di_1"})
	assert.Equal(t, OutcomeUnknownType, e.deliver(t, body))
	assert.Equal(t, OutcomeDuplicate, e.deliver(t, body))
	assert.EqualValues(t, 1, e.count(t, &models.SubscriptionEvent{}))
}

func TestMalformedDeliveryIsAcknowledgedWithoutLedgerRow(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, OutcomeMalformed, e.deliver(t, []byte(`{"type":"invoice.paid"}`)))
	assert.EqualValues(t, 0, e.count(t, &models.SubscriptionEvent{}))
}

func TestInfrastructureFailureLeavesEventPendingForReprocess(t *testing.T) {
	locker := &flakyLocker{Locker: lock.NewInMemoryLocker(), fails: 1}
	e := newTestEngine(t, withLocker(locker))
	ctx := context.Background()

	body := eventBody(t, "evt_1", EventSubscriptionUpdated, subscriptionObject("sub_1", "active", 1000, 2000))
	outcome, err := e.svc.Processor.HandleWebhook(ctx, testTenant, body, SignWebhookPayload(body, testWebhookSecret))
	require.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)
	assert.EqualValues(t, 0, e.count(t, &models.Subscription{}))

	pending, err := e.svc.Ledger.Pending(ctx, testTenant, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].ProcessingError, "lock")

	// The queued sweep picks the row up and the job handler finishes it.
	n, err := e.svc.Processor.EnqueuePending(ctx, e.queue, -time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs := e.queue.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, jobqueue.JobTypeReprocessEvent, jobs[0].Type)

	require.NoError(t, e.svc.Processor.HandleReprocessJob(ctx, &jobqueue.Job{Payload: jobs[0].Payload}))
	assert.Equal(t, models.SubscriptionStatusActive, e.subscription(t, "sub_1").Status)

	// A redelivery from the processor is now a duplicate.
	assert.Equal(t, OutcomeDuplicate, e.deliver(t, body))
}

func TestRedeliveryAfterCrashRerunsHandler(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	body := eventBody(t, "evt_1", EventSubscriptionUpdated, subscriptionObject("sub_1", "past_due", 1000, 2000))
	// Simulate a crash after the ledger insert: the row exists, unprocessed.
	res, _, err := e.svc.Ledger.RecordOrSkip(ctx, testTenant, "evt_1", EventSubscriptionUpdated, body)
	require.NoError(t, err)
	require.Equal(t, RecordNew, res)

	assert.Equal(t, OutcomeProcessed, e.deliver(t, body))
	assert.Equal(t, models.SubscriptionStatusPastDue, e.subscription(t, "sub_1").Status)
}

func TestReprocessPending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	body := eventBody(t, "evt_1", EventSubscriptionUpdated, subscriptionObject("sub_1", "trialing", 1000, 2000))
	_, _, err := e.svc.Ledger.RecordOrSkip(ctx, testTenant, "evt_1", EventSubscriptionUpdated, body)
	require.NoError(t, err)
	_, _, err = e.svc.Ledger.RecordOrSkip(ctx, testTenant, "evt_bad", "invoice.paid", []byte(`{"broken":true}`))
	require.NoError(t, err)

	done, err := e.svc.Processor.ReprocessPending(ctx, testTenant, -time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	assert.Equal(t, models.SubscriptionStatusTrialing, e.subscription(t, "sub_1").Status)

	pending, err := e.svc.Ledger.Pending(ctx, 0, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutcomeAcknowledged(t *testing.T) {
	for _, o := range []Outcome{OutcomeProcessed, OutcomeDuplicate, OutcomeUnknownType, OutcomeSubscriptionNotFound, OutcomeMalformed} {
		assert.True(t, o.Acknowledged(), string(o))
	}
	for _, o := range []Outcome{OutcomeSignatureInvalid, OutcomeTenantUnknown, OutcomeError} {
		assert.False(t, o.Acknowledged(), string(o))
	}
}
