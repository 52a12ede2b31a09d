package coalesce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mylg-studio/chatsync/internal/clock"
	"github.com/mylg-studio/chatsync/pkg/logger"
)

type call struct {
	resourceID string
	payload    map[string]any
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	err   error
	// observed is called inside the write, before it returns.
	observed func()
}

func (r *recorder) write(_ context.Context, resourceID string, payload map[string]any) error {
	r.mu.Lock()
	r.calls = append(r.calls, call{resourceID: resourceID, payload: payload})
	r.mu.Unlock()
	if r.observed != nil {
		r.observed()
	}
	return r.err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func newQueue(c clock.Clock) *Queue {
	return New(WithClock(c), WithLogger(logger.NewNop()))
}

func TestCoalescesBurstIntoOneWrite(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	q := newQueue(c)
	rec := &recorder{}

	var d1, d2 <-chan struct{}
	rec.observed = func() {
		assert.False(t, isClosed(d1), "completion fired before write settled")
		assert.False(t, isClosed(d2), "completion fired before write settled")
	}

	d1 = q.Enqueue(rec.write, "p1", map[string]any{"a": 1})
	c.Advance(500 * time.Millisecond)
	d2 = q.Enqueue(rec.write, "p1", map[string]any{"b": 2})

	assert.False(t, isClosed(d1))
	c.Advance(500 * time.Millisecond)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "p1", rec.calls[0].resourceID)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, rec.calls[0].payload)
	assert.True(t, isClosed(d1))
	assert.True(t, isClosed(d2))
}

func TestLaterEnqueueDoesNotResetTimer(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	q := newQueue(c)
	rec := &recorder{}

	q.Enqueue(rec.write, "p1", map[string]any{"a": 1})
	c.Advance(900 * time.Millisecond)
	q.Enqueue(rec.write, "p2", map[string]any{"x": true})
	assert.Equal(t, 1, c.Pending())

	c.Advance(100 * time.Millisecond)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "p1", rec.calls[0].resourceID)
	assert.Equal(t, "p2", rec.calls[1].resourceID)
	assert.Equal(t, 0, q.Pending())
}

func TestLaterKeysWin(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	q := newQueue(c)
	rec := &recorder{}

	q.Enqueue(rec.write, "p1", map[string]any{"name": "old", "color": "red"})
	q.Enqueue(rec.write, "p1", map[string]any{"name": "new"})
	c.Advance(time.Second)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, map[string]any{"name": "new", "color": "red"}, rec.calls[0].payload)
}

func TestFailedWriteStillCompletes(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	q := newQueue(c)
	rec := &recorder{err: errors.New("boom")}

	done := q.Enqueue(rec.write, "p1", map[string]any{"a": 1})
	c.Advance(time.Second)

	assert.True(t, isClosed(done))

	// a failed flush is not retried
	c.Advance(10 * time.Second)
	assert.Len(t, rec.calls, 1)
}

func TestPanickingWriteStillCompletes(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	q := newQueue(c)

	done := q.Enqueue(func(context.Context, string, map[string]any) error {
		panic("bad writer")
	}, "p1", map[string]any{"a": 1})
	c.Advance(time.Second)

	assert.True(t, isClosed(done))
}

func TestNextBurstArmsNewTimer(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	q := newQueue(c)
	rec := &recorder{}

	q.Enqueue(rec.write, "p1", map[string]any{"a": 1})
	c.Advance(time.Second)
	q.Enqueue(rec.write, "p1", map[string]any{"b": 2})
	c.Advance(time.Second)

	require.Len(t, rec.calls, 2)
	assert.Equal(t, map[string]any{"b": 2}, rec.calls[1].payload)
}

func TestInvalidInputCompletesImmediately(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	q := newQueue(c)
	rec := &recorder{}

	assert.True(t, isClosed(q.Enqueue(nil, "p1", map[string]any{"a": 1})))
	assert.True(t, isClosed(q.Enqueue(rec.write, "", map[string]any{"a": 1})))
	assert.True(t, isClosed(q.Enqueue(rec.write, "p1", nil)))
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 0, q.Pending())
}

func TestCloseFlushes(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	q := newQueue(c)
	rec := &recorder{}

	done := q.Enqueue(rec.write, "p1", map[string]any{"a": 1})
	q.Close(context.Background())

	assert.True(t, isClosed(done))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, 0, c.Pending())

	assert.True(t, isClosed(q.Enqueue(rec.write, "p1", map[string]any{"b": 2})))
	assert.Len(t, rec.calls, 1)
}
