package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests of the
// coalescer, batch emitter, and other clock-driven components.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, firing any timers/afters whose
// deadline has been reached, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	due := f.now
	var fire []*fakeWaiter
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(due) {
			fire = append(fire, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].deadline.Before(fire[j].deadline) })
	for _, w := range fire {
		w.fire(due)
	}
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.schedule(d, func(t time.Time) { ch <- t })
	return ch
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	t := &fakeTimer{ch: make(chan time.Time, 1), clock: f}
	t.waiter = f.schedule(d, func(now time.Time) {
		select {
		case t.ch <- now:
		default:
		}
	})
	return t
}

func (f *Fake) schedule(d time.Duration, fire func(time.Time)) *fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), fire: fire}
	f.waiters = append(f.waiters, w)
	return w
}

func (f *Fake) cancel(w *fakeWaiter) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.waiters {
		if cur == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return true
		}
	}
	return false
}

type fakeWaiter struct {
	deadline time.Time
	fire     func(time.Time)
}

type fakeTimer struct {
	ch     chan time.Time
	clock  *Fake
	waiter *fakeWaiter
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Reset(d time.Duration) bool {
	active := t.clock.cancel(t.waiter)
	t.waiter = t.clock.schedule(d, func(now time.Time) {
		select {
		case t.ch <- now:
		default:
		}
	})
	return active
}

func (t *fakeTimer) Stop() bool {
	return t.clock.cancel(t.waiter)
}
