// Package loop provides the single-threaded executor that backs one execution
// context. Everything that mutates context state runs as a callback on the
// loop: bus deliveries, timer expiries and results of network calls. A
// callback always runs to completion before the next one starts, in the order
// they were posted.
package loop

import (
	"context"
	"sync"
	"time"

	"PPAuth/tools/clock"
	"PPAuth/tools/errs"
	"PPAuth/tools/safe"

	"go.uber.org/zap"
)

type Loop struct {
	clk clock.Clock
	log *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New starts a loop.
func New(clk clock.Clock, log *zap.Logger) *Loop {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{
		clk:  clk,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) Clock() clock.Clock { return l.clk }

func (l *Loop) Now() time.Time { return l.clk.Now() }

// Post enqueues f. It never blocks; it reports false once the loop is closed.
func (l *Loop) Post(f func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs f on the loop and waits for it. Must not be called from the loop.
func (l *Loop) Call(ctx context.Context, f func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		f()
	}) {
		return errs.ErrClosed.WrapMsg("loop closed")
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
			return errs.ErrClosed.WrapMsg("loop closed")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until everything posted before it has run.
func (l *Loop) Flush(ctx context.Context) error {
	return l.Call(ctx, func() {})
}

// Close stops the loop after the callback currently running, discarding the rest.
// Pending callbacks are dropped, which matches a context that disappears.
// Must not be called from the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// Closed reports whether Close was called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		f := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(f)
	}
}

func (l *Loop) exec(f func()) {
	defer safe.Recover(l.log, "loop callback")
	f()
}

// ===== timers =====

// Timer is a loop-bound timer. Stop must be called on the loop; once stopped
// the callback is guaranteed not to run even if its expiry was already queued.
type Timer struct {
	l       *Loop
	t       clock.Timer
	stopped bool
}

// AfterFunc runs f on the loop after d. Call from the loop (or before any
// concurrent use of the owning component).
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{l: l}
	t.t = l.clk.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			f()
		})
	})
	return t
}

// Every runs f on the loop every d until stopped. The next period is armed
// before f runs, so f may stop its own ticker.
func (l *Loop) Every(d time.Duration, f func()) *Timer {
	t := &Timer{l: l}
	var arm func()
	arm = func() {
		t.t = l.clk.AfterFunc(d, func() {
			l.Post(func() {
				if t.stopped {
					return
				}
				arm()
				f()
			})
		})
	}
	arm()
	return t
}

// Stop cancels the timer. Safe on nil.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
}

// Active reports whether the timer can still fire.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped
}
