package relay

import (
	"context"
	"sync"
)

// loop serializes every state change of a relay onto one goroutine. I/O
// goroutines and transport callbacks post closures; only run executes them,
// so the registry and channel state need no locking.
//
// post never blocks: the queue is unbounded so transport read goroutines are
// never stalled behind relay work.
type loop struct {
	mu      sync.Mutex
	pending []task
	stopped bool
	wake    chan struct{}
}

// task is one posted closure. drop, if set, runs instead of fn once the loop
// has stopped, so resources carried by fn are released.
type task struct {
	fn   func()
	drop func()
}

func newLoop() *loop {
	return &loop{wake: make(chan struct{}, 1)}
}

// post schedules fn on the loop goroutine. Closures posted after the loop
// stopped are never run.
func (l *loop) post(fn func()) {
	l.postOr(fn, nil)
}

// postOr schedules fn like post. If the loop stops before fn runs, drop is
// called instead, on the goroutine that notices the stop.
func (l *loop) postOr(fn, drop func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		if drop != nil {
			drop()
		}
		return
	}
	l.pending = append(l.pending, task{fn: fn, drop: drop})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// call runs fn on the loop goroutine and waits for it, or gives up when ctx
// is done.
func (l *loop) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes posted closures in order until ctx is done. Closures still
// queued at that point are dropped.
func (l *loop) run(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for i, t := range batch {
				if ctx.Err() != nil {
					dropAll(batch[i:])
					return
				}
				t.fn()
			}
		}
	}
}

func (l *loop) stop() {
	l.mu.Lock()
	l.stopped = true
	rest := l.pending
	l.pending = nil
	l.mu.Unlock()
	dropAll(rest)
}

func dropAll(tasks []task) {
	for _, t := range tasks {
		if t.drop != nil {
			t.drop()
		}
	}
}
