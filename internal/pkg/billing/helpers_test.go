package billing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/database"
	"github.com/ManuelReschke/BillFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BillFox/internal/pkg/lock"
	"github.com/ManuelReschke/BillFox/internal/pkg/mail"
	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/ManuelReschke/BillFox/internal/pkg/security"
)

const (
	testTenant        uint = 1
	testWebhookSecret      = "whsec_test_secret"
	testSecretHex          = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

type memoryAudit struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (m *memoryAudit) Record(_ context.Context, rec AuditRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *memoryAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Action)
	}
	return out
}

func (m *memoryAudit) count(action string) int {
	n := 0
	for _, a := range m.actions() {
		if a == action {
			n++
		}
	}
	return n
}

type queuedJob struct {
	Type    jobqueue.JobType
	Payload map[string]interface{}
	RunAt   time.Time
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
	err  error
}

func (q *fakeQueue) EnqueueDelayed(jobType jobqueue.JobType, payload map[string]interface{}, runAt time.Time) (*jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.jobs = append(q.jobs, queuedJob{Type: jobType, Payload: payload, RunAt: runAt})
	return &jobqueue.Job{ID: "job-" + string(jobType), Type: jobType, Payload: payload, RunAt: &runAt}, nil
}

func (q *fakeQueue) EnqueueJob(jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error) {
	return q.EnqueueDelayed(jobType, payload, time.Time{})
}

func (q *fakeQueue) all() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedJob(nil), q.jobs...)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// flakyLocker fails the first n acquisitions.
type flakyLocker struct {
	lock.Locker
	mu    sync.Mutex
	fails int
}

func (l *flakyLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return nil, lock.ErrNotAcquired
	}
	l.mu.Unlock()
	return l.Locker.Acquire(ctx, key, ttl)
}

type testEngine struct {
	repos   *repository.Repositories
	svc     *Service
	audit   *memoryAudit
	queue   *fakeQueue
	mailer  *fakeMailer
	box     *security.Box
	metrics *metrics.Billing
}

type engineOption func(*Dependencies, *models.TenantBillingSettings)

func withProcessor(apiURL, secretKey string, box *security.Box) engineOption {
	return func(d *Dependencies, s *models.TenantBillingSettings) {
		sealed, err := box.Seal(secretKey)
		if err != nil {
			panic(err)
		}
		s.ProcessorKeyEnc = sealed
		s.ProcessorAPIBaseURL = apiURL
	}
}

func withLocker(l lock.Locker) engineOption {
	return func(d *Dependencies, _ *models.TenantBillingSettings) {
		d.Locker = l
	}
}

func newTestBox(t *testing.T) *security.Box {
	t.Helper()
	box, err := security.NewBoxFromHex(testSecretHex)
	require.NoError(t, err)
	return box
}

func newTestEngine(t *testing.T, opts ...engineOption) *testEngine {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	repos := repository.NewRepositories(db)

	renderer, err := mail.NewRenderer()
	require.NoError(t, err)

	e := &testEngine{
		repos:   repos,
		audit:   &memoryAudit{},
		queue:   &fakeQueue{},
		mailer:  &fakeMailer{},
		box:     newTestBox(t),
		metrics: metrics.NewBilling(nil),
	}
	deps := Dependencies{
		Repos:            repos,
		Locker:           lock.NewInMemoryLocker(),
		Queue:            e.queue,
		Audit:            e.audit,
		Metrics:          e.metrics,
		Notifier:         NewMailNotifier(repos.TenantSettings, renderer, e.mailer),
		Box:              e.box,
		PublicBaseURL:    "https://billing.example.test",
		ProcessorTimeout: 2 * time.Second,
		RetryPolicy:      DefaultRetryPolicy(),
	}
	settings := &models.TenantBillingSettings{
		TenantID:         testTenant,
		Provider:         models.BillingProviderStripe,
		WebhookSecret:    testWebhookSecret,
		BrandName:        "Acme",
		NotifyOnCheckout: true,
	}
	for _, opt := range opts {
		opt(&deps, settings)
	}
	require.NoError(t, repos.TenantSettings.Upsert(context.Background(), settings))

	e.svc = NewService(deps)
	return e
}

func eventBody(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"type":    eventType,
		"created": 1700000000,
		"data":    map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

// deliver signs body with the tenant secret and runs it through the processor.
func (e *testEngine) deliver(t *testing.T, body []byte) Outcome {
	t.Helper()
	outcome, err := e.svc.Processor.HandleWebhook(context.Background(), testTenant, body, SignWebhookPayload(body, testWebhookSecret))
	require.NoError(t, err)
	return outcome
}

func (e *testEngine) subscription(t *testing.T, ref string) *models.Subscription {
	t.Helper()
	sub, err := e.repos.Subscription.GetByExternalRef(context.Background(), testTenant, ref)
	require.NoError(t, err)
	return sub
}

func (e *testEngine) createPlan(t *testing.T, name string, amount int64, trialDays int) *models.Plan {
	t.Helper()
	plan, err := e.svc.Catalog.CreatePlan(context.Background(), testTenant, PlanInput{
		Name: name, Interval: "month", AmountMinor: amount, Currency: "eur", TrialDays: trialDays,
	})
	require.NoError(t, err)
	return plan
}

func (e *testEngine) createContact(t *testing.T, email string) *models.Contact {
	t.Helper()
	c := &models.Contact{TenantID: testTenant, Email: email, Name: "Test Contact"}
	require.NoError(t, e.repos.Contact.Create(context.Background(), c))
	return c
}

func (e *testEngine) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.repos.DB().Model(model).Count(&n).Error)
	return n
}
