// Package clock injects time so the coalescer and batch emitter can be
// driven deterministically in tests. Metastore transaction timeouts do not
// go through it: they run on time.AfterFunc.
package clock

import "time"

// Clock abstracts the subset of time/timer behavior the watch pipeline and
// transaction layer depend on.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once after d, like time.After.
	After(d time.Duration) <-chan time.Time
	// NewTimer returns a resettable, stoppable timer, like time.NewTimer.
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of *time.Timer used by this module.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// Real is the production Clock backed by the time package.
var Real Clock = realClock{}

type realClock struct{}

func (realClock) Now() time.Time                        { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTimer(d time.Duration) Timer         { return &realTimer{t: time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time        { return r.t.C }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }
