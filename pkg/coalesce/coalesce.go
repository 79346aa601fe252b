// Package coalesce implements the per-path event coalescer (§4.9): raw
// filesystem change events are buffered keyed by path and merged according
// to a fixed rule table, then emitted as a batch once a debounce window
// settles, a size threshold is reached, or an absolute wait ceiling expires.
package coalesce

import (
	"sync"
	"time"

	"github.com/fsx-project/fsx/pkg/clock"
)

// EventType is the kind of filesystem change an Event carries.
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event is one raw or coalesced change. OldPath is only meaningful for
// EventRename, holding the path the entry was renamed from.
type Event struct {
	Type     EventType
	Path     string
	OldPath  string
	Metadata any
}

// EmitFunc receives an emitted batch. It must not block for long: it runs
// on the coalescer's timer goroutine, or synchronously inside Flush when
// Flush is called directly or from Add on reaching MaxBatchSize.
type EmitFunc func([]Event)

// Config bounds the coalescer's debounce/batch/wait behavior. Zero values
// take the defaults WithDefaults fills in, except MaxBatchSize and
// MaxWaitMs, whose zero value means "no limit".
type Config struct {
	DebounceMs   int
	MaxBatchSize int
	MaxWaitMs    int
}

// WithDefaults returns cfg with DebounceMs defaulted to 50ms if unset.
func (cfg Config) WithDefaults() Config {
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = 50
	}
	return cfg
}

type pendingEntry struct {
	Event
	seq int64
}

// Coalescer buffers events per path and emits merged batches. Safe for
// concurrent use; a background goroutine owns the debounce/max-wait timers
// and must be stopped with Dispose when the coalescer is no longer needed.
type Coalescer struct {
	mu sync.Mutex

	clock clock.Clock
	cfg   Config

	pending     map[string]*pendingEntry
	seqCounter  int64
	windowStart time.Time

	debounceMs    int
	debounceTimer clock.Timer
	maxWaitTimer  clock.Timer

	emitFn   EmitFunc
	disposed bool
	done     chan struct{}
}

// Option configures a Coalescer at construction.
type Option func(*Coalescer)

// WithClock overrides the coalescer's clock.
func WithClock(c clock.Clock) Option {
	return func(co *Coalescer) { co.clock = c }
}

// New constructs a Coalescer and starts its timer goroutine.
func New(cfg Config, opts ...Option) *Coalescer {
	cfg = cfg.WithDefaults()
	c := &Coalescer{
		clock:      clock.Real,
		cfg:        cfg,
		pending:    make(map[string]*pendingEntry),
		debounceMs: cfg.DebounceMs,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.debounceTimer = c.clock.NewTimer(time.Hour)
	c.debounceTimer.Stop()
	c.maxWaitTimer = c.clock.NewTimer(time.Hour)
	c.maxWaitTimer.Stop()
	go c.run()
	return c
}

func (c *Coalescer) run() {
	for {
		select {
		case <-c.debounceTimer.C():
			c.Flush()
		case <-c.maxWaitTimer.C():
			c.Flush()
		case <-c.done:
			return
		}
	}
}

// OnEmit registers the callback invoked on every flush, replacing any
// previously registered callback.
func (c *Coalescer) OnEmit(fn EmitFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitFn = fn
}

// Add buffers event, applying the coalescing rule table against whatever is
// already pending for its path, and resets the debounce timer. A no-op
// after Dispose.
func (c *Coalescer) Add(event Event) {
	c.mu.Lock()

	if c.disposed {
		c.mu.Unlock()
		return
	}

	c.applyLocked(event)

	if c.windowStart.IsZero() {
		c.windowStart = c.clock.Now()
		if c.cfg.MaxWaitMs > 0 {
			c.maxWaitTimer.Reset(time.Duration(c.cfg.MaxWaitMs) * time.Millisecond)
		}
	}
	c.debounceTimer.Reset(time.Duration(c.debounceMs) * time.Millisecond)

	hitBatchSize := c.cfg.MaxBatchSize > 0 && len(c.pending) >= c.cfg.MaxBatchSize
	c.mu.Unlock()

	if hitBatchSize {
		c.Flush()
	}
}

// applyLocked merges event into the pending table per the coalescing rules.
// Callers must hold c.mu.
func (c *Coalescer) applyLocked(event Event) {
	switch event.Type {
	case EventModify:
		if existing, ok := c.pending[event.Path]; ok {
			existing.Metadata = event.Metadata
			// modify+modify, create+modify, and rename+modify(dest) all
			// keep the existing entry's Type: only the metadata changes.
			return
		}
		c.setLocked(event.Path, event)

	case EventCreate:
		// create+create (duplicate) and delete+create (recreate) both
		// collapse to a fresh create with the latest metadata.
		c.setLocked(event.Path, event)

	case EventDelete:
		// modify/create/rename + delete all collapse to a bare delete;
		// any renamed-from identity is no longer observable.
		c.setLocked(event.Path, Event{Type: EventDelete, Path: event.Path})

	case EventRename:
		c.applyRenameLocked(event)
	}
}

func (c *Coalescer) applyRenameLocked(event Event) {
	if existing, ok := c.pending[event.OldPath]; ok {
		switch existing.Type {
		case EventRename:
			// rename(X->A) then rename(A->B) collapses to rename(X->B).
			delete(c.pending, event.OldPath)
			c.setLocked(event.Path, Event{Type: EventRename, Path: event.Path, OldPath: existing.OldPath, Metadata: event.Metadata})
			return
		case EventCreate:
			// create(A) then rename(A->B): A never existed outside this
			// window, so the observable result is create(B).
			delete(c.pending, event.OldPath)
			c.setLocked(event.Path, Event{Type: EventCreate, Path: event.Path, Metadata: event.Metadata})
			return
		default:
			delete(c.pending, event.OldPath)
		}
	}
	c.setLocked(event.Path, event)
}

func (c *Coalescer) setLocked(key string, event Event) {
	c.seqCounter++
	c.pending[key] = &pendingEntry{Event: event, seq: c.seqCounter}
}

// Flush emits whatever is pending immediately, returning the emitted batch.
// A no-op (returns nil) if nothing is pending.
func (c *Coalescer) Flush() []Event {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.drainLocked()
	emit := c.emitFn
	c.mu.Unlock()

	if emit != nil {
		emit(batch)
	}
	return batch
}

// drainLocked stops the active timers and returns the pending events in
// insertion order. Callers must hold c.mu.
func (c *Coalescer) drainLocked() []Event {
	c.debounceTimer.Stop()
	c.maxWaitTimer.Stop()

	entries := make([]*pendingEntry, 0, len(c.pending))
	for _, e := range c.pending {
		entries = append(entries, e)
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].seq > entries[j].seq; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}

	out := make([]Event, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}

	c.pending = make(map[string]*pendingEntry)
	c.windowStart = time.Time{}
	return out
}

// GetPendingCount reports how many distinct paths currently have a pending
// event.
func (c *Coalescer) GetPendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetDebounceMs reports the current debounce interval.
func (c *Coalescer) GetDebounceMs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debounceMs
}

// SetDebounceMs changes the debounce interval used by future resets; it does
// not retroactively reschedule an already-armed timer.
func (c *Coalescer) SetDebounceMs(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debounceMs = ms
}

// Dispose cancels pending timers, discards any buffered events without
// emitting them, detaches the callback, and stops the timer goroutine.
func (c *Coalescer) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.debounceTimer.Stop()
	c.maxWaitTimer.Stop()
	c.pending = make(map[string]*pendingEntry)
	c.windowStart = time.Time{}
	c.emitFn = nil
	c.mu.Unlock()
	close(c.done)
}
