// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package eventloop implements the cooperative, single-dispatch
// reactor that every component in odrelayd schedules work on. It is
// the Go translation of odr's socketloop.SocketLoop: instead of a
// select(2) readiness poll, each I/O source runs its own pump
// goroutine that blocks on a read and posts a decoded callback onto
// the Runtime, which executes callbacks one at a time on a single
// dispatch goroutine. Timers are a container/heap min-heap serviced
// by that same goroutine, so no two callbacks -- socket-driven or
// timer-driven -- ever run concurrently.
package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback. Cancel is idempotent.
type Timer struct {
	deadline time.Time
	cb       func()
	index    int
	canceled bool
}

// Cancel prevents the timer's callback from firing. Calling Cancel
// more than once, or after the timer has already fired, is a no-op.
func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.canceled = true
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any)         { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Runtime is the single-dispatch reactor. The zero value is not
// usable; construct with New.
type Runtime struct {
	mu     sync.Mutex
	timers timerHeap

	jobs chan func()
	wake chan struct{}
	stop chan struct{}
}

// New creates a Runtime ready to Run.
func New() *Runtime {
	return &Runtime{
		jobs: make(chan func(), 256),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Post enqueues fn for serialized execution on the dispatch goroutine.
// Pump goroutines (a UDP requestor's read loop, a command-socket
// connection's read loop, a concentrator client's read loop) call
// Post once they have decoded a unit of work off the wire; this is
// the Go equivalent of the original's register(fd, on_readable), with
// the blocking read already performed by the caller instead of being
// signalled back into the single dispatch point.
func (r *Runtime) Post(fn func()) {
	select {
	case r.jobs <- fn:
	case <-r.stop:
	}
}

// ScheduleAt arms a callback to run at or after deadline, on the
// dispatch goroutine. The returned Timer may be canceled at any time;
// cancellation after the callback has already fired is a no-op.
func (r *Runtime) ScheduleAt(deadline time.Time, cb func()) *Timer {
	t := &Timer{deadline: deadline, cb: cb}
	r.mu.Lock()
	heap.Push(&r.timers, t)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return t
}

// ScheduleAfter is a convenience wrapper around ScheduleAt.
func (r *Runtime) ScheduleAfter(d time.Duration, cb func()) *Timer {
	return r.ScheduleAt(time.Now().Add(d), cb)
}

// dueTimers pops and returns every still-pending (non-canceled) timer
// due at or before now, in deadline order, discarding canceled timers
// it passes on the way.
func (r *Runtime) dueTimers(now time.Time) []*Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*Timer
	for len(r.timers) > 0 {
		t := r.timers[0]
		if t.canceled {
			heap.Pop(&r.timers)
			continue
		}
		if t.deadline.After(now) {
			break
		}
		heap.Pop(&r.timers)
		due = append(due, t)
	}
	return due
}

func (r *Runtime) nextDeadline() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.timers) > 0 {
		t := r.timers[0]
		if t.canceled {
			heap.Pop(&r.timers)
			continue
		}
		return t.deadline, true
	}
	return time.Time{}, false
}

// Run drives the dispatch loop until ctx is canceled or Stop is
// called. Timers due at or before the current instant fire in
// nondecreasing deadline order before the next job/readiness check,
// matching the ordering contract of the original socket loop's
// idle-handler pass.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		default:
		}

		now := time.Now()
		for _, t := range r.dueTimers(now) {
			if !t.canceled {
				t.cb()
			}
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if deadline, ok := r.nextDeadline(); ok {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-r.stop:
			stopTimer(timer)
			return nil
		case job := <-r.jobs:
			stopTimer(timer)
			job()
		case <-r.wake:
			stopTimer(timer)
		case <-timerC:
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Stop requests that Run return once its current iteration completes.
func (r *Runtime) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}
