// Package coalesce batches bursts of partial metadata writes into a single network
// call per resource per window.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mylg-studio/chatsync/internal/clock"
	"github.com/mylg-studio/chatsync/pkg/logger"
	"github.com/mylg-studio/chatsync/pkg/metrics"
	"github.com/mylg-studio/chatsync/pkg/tracing"
)

// DefaultWindow is the time between the first enqueue and the flush.
const DefaultWindow = time.Second

// ErrMetadataUpdate marks a coalesced write rejected by the endpoint.
var ErrMetadataUpdate = errors.New("metadata update failed")

// WriteFunc performs one partial update of a resource.
type WriteFunc func(ctx context.Context, resourceID string, payload map[string]any) error

type pending struct {
	write    WriteFunc
	payloads []map[string]any
	done     []chan struct{}
}

// Queue coalesces updates. A single timer serves all resources: it is armed by the
// first enqueue after a flush and never reset by later ones.
type Queue struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	log     *logger.Logger
	entries map[string]*pending
	order   []string
	timer   clock.Timer
	closed  bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithWindow sets the coalescing window.
func WithWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// New creates a queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		clock:   clock.Real{},
		window:  DefaultWindow,
		entries: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = logger.OrGlobal(q.log).Named("coalesce")
	return q
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Enqueue schedules payload for resourceID. The returned channel is closed once the
// batched write containing it has settled, whether it succeeded or failed. Invalid
// input yields an already-closed channel and nothing is queued.
func (q *Queue) Enqueue(write WriteFunc, resourceID string, payload map[string]any) <-chan struct{} {
	if write == nil || resourceID == "" || payload == nil {
		return closedChan()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return closedChan()
	}

	e, ok := q.entries[resourceID]
	if !ok {
		e = &pending{}
		q.entries[resourceID] = e
		q.order = append(q.order, resourceID)
	}
	e.write = write
	e.payloads = append(e.payloads, payload)
	done := make(chan struct{})
	e.done = append(e.done, done)

	if q.timer == nil {
		q.timer = q.clock.AfterFunc(q.window, func() { q.Flush(context.Background()) })
	}
	return done
}

// Pending returns the number of resources waiting for a flush.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Flush drains every pending resource now: one write per resource with the merged
// payload, in first-enqueue order.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	entries, order := q.entries, q.order
	q.entries = make(map[string]*pending)
	q.order = nil
	q.mu.Unlock()

	for _, id := range order {
		q.flushOne(ctx, id, entries[id])
	}
}

func (q *Queue) flushOne(ctx context.Context, resourceID string, e *pending) {
	merged := Merge(e.payloads...)

	ctx, span := tracing.Tracer("coalesce").Start(ctx, "coalesce.flush")
	span.SetAttributes(
		attribute.String("resource.id", resourceID),
		attribute.Int("coalesce.payloads", len(e.payloads)),
	)

	err := q.safeWrite(ctx, e.write, resourceID, merged)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordFlush("error", len(e.payloads))
		q.log.Error("coalesced write failed",
			zap.String("resource_id", resourceID),
			zap.Int("payloads", len(e.payloads)),
			zap.Error(err),
		)
	} else {
		metrics.RecordFlush("success", len(e.payloads))
		q.log.Debug("coalesced write flushed",
			zap.String("resource_id", resourceID),
			zap.Int("payloads", len(e.payloads)),
		)
	}
	span.End()

	for _, done := range e.done {
		close(done)
	}
}

func (q *Queue) safeWrite(ctx context.Context, write WriteFunc, resourceID string, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: write panicked: %v", ErrMetadataUpdate, r)
		}
	}()
	if err := write(ctx, resourceID, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrMetadataUpdate, err)
	}
	return nil
}

// Close flushes whatever is pending and rejects later enqueues.
func (q *Queue) Close(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Flush(ctx)
}

// Merge shallow-merges payloads left to right; later keys win.
func Merge(payloads ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, p := range payloads {
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}
