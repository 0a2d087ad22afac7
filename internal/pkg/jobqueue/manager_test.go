package jobqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManagerRunsPeriodicTasks(t *testing.T) {
	q, _ := newTestQueue(t)
	m := NewManager(q)

	var runs int32
	m.AddTask(PeriodicTask{
		Name:     "count",
		Interval: 10 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	})
	m.AddTask(PeriodicTask{Name: "broken"})

	assert.False(t, m.IsRunning())
	m.Start()
	m.Start()
	assert.True(t, m.IsRunning())
	assert.True(t, q.IsRunning())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.IsRunning())
	assert.False(t, q.IsRunning())
	assert.Same(t, q, m.GetQueue())
}
