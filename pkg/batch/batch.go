// Package batch implements the fixed-window batch emitter (§4.10):
// distinct from pkg/coalesce's debounce, a batch window starts on the
// first queued event and fires exactly once after a fixed interval (or
// immediately once maxBatchSize is reached), delivering the assembled
// array to every registered callback.
package batch

import (
	"sort"
	"sync"
	"time"

	"github.com/fsx-project/fsx/pkg/clock"
	"github.com/fsx-project/fsx/pkg/log"
)

// EventType mirrors pkg/coalesce's taxonomy; kept distinct so batch has no
// import-time coupling to the coalescer.
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// priority ranks EventType for PrioritizeEvents: delete > rename > create
// > modify, lower value sorts first.
func priority(t EventType) int {
	switch t {
	case EventDelete:
		return 0
	case EventRename:
		return 1
	case EventCreate:
		return 2
	default:
		return 3
	}
}

// Event is one queued change.
type Event struct {
	Type     EventType
	Path     string
	OldPath  string
	Metadata any
}

// Callback receives an emitted batch. A returned error is logged and
// swallowed; it never prevents the remaining callbacks from running.
type Callback func([]Event) error

// Config bounds the emitter's window and optional behaviors.
type Config struct {
	BatchWindowMs    int
	MaxBatchSize     int
	CompressEvents   bool
	PrioritizeEvents bool
	MetricsEnabled   bool
}

// WithDefaults fills BatchWindowMs and MaxBatchSize with their §4.10
// defaults when unset.
func (cfg Config) WithDefaults() Config {
	if cfg.BatchWindowMs <= 0 {
		cfg.BatchWindowMs = 10
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	return cfg
}

type queuedEvent struct {
	Event
	queuedAt time.Time
}

type compressedEntry struct {
	Event
	seq      int64
	queuedAt time.Time
}

// Emitter is the batch emitter. Safe for concurrent use.
type Emitter struct {
	mu sync.Mutex

	clock clock.Clock
	cfg   Config

	raw        []queuedEvent
	compressed map[string]*compressedEntry
	seqCounter int64
	armed      bool

	timer clock.Timer
	done  chan struct{}

	callbacks []Callback

	metrics metricsState
}

// Option configures an Emitter at construction.
type Option func(*Emitter)

// WithClock overrides the emitter's clock.
func WithClock(c clock.Clock) Option {
	return func(e *Emitter) { e.clock = c }
}

// New constructs an Emitter and starts its window timer goroutine.
func New(cfg Config, opts ...Option) *Emitter {
	cfg = cfg.WithDefaults()
	e := &Emitter{
		clock:      clock.Real,
		cfg:        cfg,
		compressed: make(map[string]*compressedEntry),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics.reset(e.clock.Now())
	e.timer = e.clock.NewTimer(time.Hour)
	e.timer.Stop()
	go e.run()
	return e
}

func (e *Emitter) run() {
	for {
		select {
		case <-e.timer.C():
			e.Flush()
		case <-e.done:
			return
		}
	}
}

// OnBatch registers a callback invoked on every flush.
func (e *Emitter) OnBatch(cb Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// Queue buffers one event, arming the window timer if this is the first
// event since the last flush, and forcing an immediate flush once
// MaxBatchSize is reached.
func (e *Emitter) Queue(evt Event) {
	e.mu.Lock()

	now := e.clock.Now()
	e.metrics.recordReceived()

	if e.cfg.CompressEvents {
		e.applyCompressed(evt, now)
	} else {
		e.raw = append(e.raw, queuedEvent{Event: evt, queuedAt: now})
	}

	if !e.armed {
		e.armed = true
		e.timer.Reset(time.Duration(e.cfg.BatchWindowMs) * time.Millisecond)
	}

	full := e.pendingCountLocked() >= e.cfg.MaxBatchSize
	e.mu.Unlock()

	if full {
		e.Flush()
	}
}

func (e *Emitter) pendingCountLocked() int {
	if e.cfg.CompressEvents {
		return len(e.compressed)
	}
	return len(e.raw)
}

// applyCompressed merges evt into e.compressed per the same rule table
// pkg/coalesce applies: modify+modify, create+modify, */delete, and the
// three rename-chain collapses. now is used as the entry's queuedAt only
// when a key is first created; merges preserve the earliest queuedAt so
// latency metrics reflect the full time the path has been pending.
func (e *Emitter) applyCompressed(evt Event, now time.Time) {
	switch evt.Type {
	case EventModify:
		if existing, ok := e.compressed[evt.Path]; ok {
			existing.Metadata = evt.Metadata
			return
		}
		e.setCompressed(evt.Path, evt, now)

	case EventCreate:
		if existing, ok := e.compressed[evt.Path]; ok {
			now = existing.queuedAt
		}
		e.setCompressed(evt.Path, evt, now)

	case EventDelete:
		if existing, ok := e.compressed[evt.Path]; ok {
			now = existing.queuedAt
		}
		e.setCompressed(evt.Path, Event{Type: EventDelete, Path: evt.Path}, now)

	case EventRename:
		if existing, ok := e.compressed[evt.OldPath]; ok {
			switch existing.Type {
			case EventRename:
				delete(e.compressed, evt.OldPath)
				e.setCompressed(evt.Path, Event{Type: EventRename, Path: evt.Path, OldPath: existing.OldPath, Metadata: evt.Metadata}, existing.queuedAt)
				return
			case EventCreate:
				delete(e.compressed, evt.OldPath)
				e.setCompressed(evt.Path, Event{Type: EventCreate, Path: evt.Path, Metadata: evt.Metadata}, existing.queuedAt)
				return
			default:
				now = existing.queuedAt
				delete(e.compressed, evt.OldPath)
			}
		}
		e.setCompressed(evt.Path, evt, now)
	}
}

func (e *Emitter) setCompressed(key string, evt Event, queuedAt time.Time) {
	e.seqCounter++
	e.compressed[key] = &compressedEntry{Event: evt, seq: e.seqCounter, queuedAt: queuedAt}
}

// Flush emits whatever is pending immediately, returning the emitted batch.
// A no-op (returns nil) when nothing is pending.
func (e *Emitter) Flush() []Event {
	e.mu.Lock()
	if e.pendingCountLocked() == 0 {
		e.mu.Unlock()
		return nil
	}

	e.timer.Stop()
	e.armed = false

	var batch []Event
	var oldestQueued time.Time
	if e.cfg.CompressEvents {
		entries := make([]*compressedEntry, 0, len(e.compressed))
		for _, v := range e.compressed {
			entries = append(entries, v)
			if oldestQueued.IsZero() || v.queuedAt.Before(oldestQueued) {
				oldestQueued = v.queuedAt
			}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
		batch = make([]Event, len(entries))
		for i, v := range entries {
			batch[i] = v.Event
		}
		e.compressed = make(map[string]*compressedEntry)
	} else {
		batch = make([]Event, len(e.raw))
		oldestQueued = e.raw[0].queuedAt
		for i, v := range e.raw {
			batch[i] = v.Event
		}
		e.raw = nil
	}

	if e.cfg.PrioritizeEvents {
		sort.SliceStable(batch, func(i, j int) bool { return priority(batch[i].Type) < priority(batch[j].Type) })
	}

	now := e.clock.Now()
	e.metrics.recordBatch(len(batch), now.Sub(oldestQueued))

	callbacks := append([]Callback(nil), e.callbacks...)
	e.mu.Unlock()

	for _, cb := range callbacks {
		invokeSafely(cb, batch)
	}
	return batch
}

func invokeSafely(cb Callback, batch []Event) {
	defer func() {
		if r := recover(); r != nil {
			logger := log.New("batch")
			logger.Error().Msgf("batch callback panicked: %v", r)
		}
	}()
	if err := cb(batch); err != nil {
		logger := log.New("batch")
		logger.Error().Err(err).Msg("batch callback returned error")
	}
}

// GetPendingCount reports how many events (or compressed entries) are
// currently buffered.
func (e *Emitter) GetPendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingCountLocked()
}

// Metrics is a point-in-time snapshot of the emitter's counters.
type Metrics struct {
	EventsReceived   int64
	EventsEmitted    int64
	BatchesEmitted   int64
	AverageBatchSize float64
	AverageLatencyMs float64
	CompressionRatio float64
	EventsPerSecond  float64
}

// GetMetrics returns a snapshot of the emitter's counters since
// construction or the last ResetMetrics.
func (e *Emitter) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.snapshot(e.clock.Now())
}

// ResetMetrics zeroes all counters and restarts the eventsPerSecond clock.
func (e *Emitter) ResetMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.reset(e.clock.Now())
}

// Dispose cancels the window timer, discards pending events without
// emitting them, detaches all callbacks, and stops the timer goroutine.
func (e *Emitter) Dispose() {
	e.mu.Lock()
	e.timer.Stop()
	e.armed = false
	e.raw = nil
	e.compressed = make(map[string]*compressedEntry)
	e.callbacks = nil
	e.mu.Unlock()
	close(e.done)
}
