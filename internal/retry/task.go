// Package retry runs a delivery operation on a fixed interval until it succeeds, the
// attempt budget runs out or the task is cancelled.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mylg-studio/chatsync/internal/clock"
)

const (
	DefaultMaxAttempts = 5
	DefaultInterval    = time.Second
)

// Operation is one attempt. It returns true when no further attempts are needed.
type Operation func(attempt int) (done bool)

// Policy bounds a task.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultPolicy is five attempts, one second apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Interval: DefaultInterval}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1))
	return backoff.WithContext(b, ctx)
}

// Task is a running retry loop with its own cancellation.
type Task struct {
	mu        sync.Mutex
	clock     clock.Clock
	op        Operation
	policy    backoff.BackOff
	ctx       context.Context
	cancel    context.CancelFunc
	timer     clock.Timer
	attempts  int
	exhausted bool
	finished  bool
	done      chan struct{}
	onExhaust func(attempts int)
}

// Start runs the first attempt synchronously and schedules the rest on c. onExhaust,
// if set, is called once when the attempt budget is spent without success.
func Start(ctx context.Context, c clock.Clock, p Policy, op Operation, onExhaust func(attempts int)) *Task {
	if c == nil {
		c = clock.Real{}
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		clock:     c,
		op:        op,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		onExhaust: onExhaust,
	}
	t.policy = p.backOff(ctx)
	t.policy.Reset()
	t.run()
	return t
}

func (t *Task) run() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	if t.ctx.Err() != nil {
		t.finishLocked()
		t.mu.Unlock()
		return
	}
	t.attempts++
	attempt := t.attempts
	t.mu.Unlock()

	ok := t.op(attempt)

	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	if ok {
		t.finishLocked()
		t.mu.Unlock()
		return
	}
	next := t.policy.NextBackOff()
	if next == backoff.Stop {
		cancelled := t.ctx.Err() != nil
		t.exhausted = !cancelled
		t.finishLocked()
		onExhaust := t.onExhaust
		t.mu.Unlock()
		if !cancelled && onExhaust != nil {
			onExhaust(attempt)
		}
		return
	}
	t.timer = t.clock.AfterFunc(next, t.run)
	t.mu.Unlock()
}

func (t *Task) finishLocked() {
	if t.finished {
		return
	}
	t.finished = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.cancel()
	close(t.done)
}

// Cancel stops the task. Pending attempts never run.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked()
}

// Done is closed when the task succeeds, is exhausted or is cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Attempts returns how many attempts have run.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Exhausted reports whether the task gave up after its last attempt.
func (t *Task) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exhausted
}
