package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	msgs []interface{}
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.msgs = append(p.msgs, payload)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func TestPublisherAuditSink(t *testing.T) {
	pub := &recordingPublisher{}
	sink := &PublisherAuditSink{Publisher: pub, Timeout: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := AuditRecord{TenantID: 3, Action: AuditInvoicePaid, InvoiceID: "in_1"}
	sink.Record(ctx, rec)

	require.Len(t, pub.keys, 1)
	assert.Equal(t, "billing.invoice.paid", pub.keys[0])
	assert.Equal(t, rec, pub.msgs[0])

	// Publish failures are swallowed.
	pub.err = errors.New("broker gone")
	assert.NotPanics(t, func() { sink.Record(context.Background(), rec) })
}

func TestMultiAuditSink(t *testing.T) {
	a, b := &memoryAudit{}, &memoryAudit{}
	MultiAuditSink{a, LogAuditSink{}, b}.Record(context.Background(), AuditRecord{Action: AuditPlanCreated})
	assert.Equal(t, []string{AuditPlanCreated}, a.actions())
	assert.Equal(t, []string{AuditPlanCreated}, b.actions())
}
