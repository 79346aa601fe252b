// Package watchbridge wires filesystem-op events to the subscription
// registry and out over open connections (§4.11): it optionally queues
// events into a batch emitter, resolves each event's subscribers, and
// serializes/sends to every matching connection, isolating one
// connection's send failure from the rest.
package watchbridge

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fsx-project/fsx/pkg/batch"
	"github.com/fsx-project/fsx/pkg/clock"
	"github.com/fsx-project/fsx/pkg/log"
	"github.com/fsx-project/fsx/pkg/subscribe"
)

// defaultFanoutLimit bounds how many connections are sent to concurrently
// per delivered batch.
const defaultFanoutLimit = 32

// Conn is the minimal send surface a transport (the WebSocket front door)
// must implement to receive bridged events.
type Conn interface {
	Send(data []byte) error
}

// Registry is the subset of *subscribe.Registry the bridge depends on.
type Registry interface {
	GetSubscribersForPath(path string) ([]subscribe.ConnID, error)
}

// wireEvent is the JSON shape sent to clients.
type wireEvent struct {
	Type      batch.EventType `json:"type"`
	Path      string          `json:"path"`
	Timestamp int64           `json:"timestamp"`
	OldPath   string          `json:"oldPath,omitempty"`
	Metadata  any             `json:"metadata,omitempty"`
}

// Bridge delivers events to subscribers over registered connections.
type Bridge struct {
	mu          sync.RWMutex
	registry    Registry
	conns       map[subscribe.ConnID]Conn
	batcher     *batch.Emitter
	fanoutLimit int
	clock       clock.Clock
}

// Option configures a Bridge at construction.
type Option func(*Bridge)

// WithClock overrides the clock used to stamp each wire event's timestamp.
func WithClock(c clock.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// WithBatcher routes every Publish through b: events are queued rather than
// delivered immediately, and delivery happens from b's batch callback.
func WithBatcher(b *batch.Emitter) Option {
	return func(br *Bridge) {
		br.batcher = b
		b.OnBatch(func(events []batch.Event) error {
			br.deliver(events)
			return nil
		})
	}
}

// WithFanoutLimit bounds concurrent per-connection sends per delivered
// batch; the default is 32.
func WithFanoutLimit(n int) Option {
	return func(br *Bridge) { br.fanoutLimit = n }
}

// New constructs a Bridge backed by registry.
func New(registry Registry, opts ...Option) *Bridge {
	b := &Bridge{
		registry:    registry,
		conns:       make(map[subscribe.ConnID]Conn),
		fanoutLimit: defaultFanoutLimit,
		clock:       clock.Real,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterConn associates id with conn so future deliveries can reach it.
func (b *Bridge) RegisterConn(id subscribe.ConnID, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[id] = conn
}

// UnregisterConn drops id, e.g. on disconnect. Callers are still
// responsible for removing id's subscriptions from the registry.
func (b *Bridge) UnregisterConn(id subscribe.ConnID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, id)
}

// Publish feeds one filesystem-op event into the bridge: queued into the
// batcher if configured, delivered immediately otherwise.
func (b *Bridge) Publish(event batch.Event) {
	if b.batcher != nil {
		b.batcher.Queue(event)
		return
	}
	b.deliver([]batch.Event{event})
}

// deliver resolves subscribers and fans events out to their connections,
// one event at a time, bounded to fanoutLimit concurrent sends.
func (b *Bridge) deliver(events []batch.Event) {
	for _, ev := range events {
		b.deliverOne(ev)
	}
}

func (b *Bridge) deliverOne(ev batch.Event) {
	logger := log.New("watchbridge")

	targetIDs, err := b.registry.GetSubscribersForPath(ev.Path)
	if err != nil {
		logger.Error().Err(err).Str("path", ev.Path).Msg("failed to resolve subscribers")
		return
	}
	if len(targetIDs) == 0 {
		return
	}

	payload, err := json.Marshal(wireEvent{
		Type:      ev.Type,
		Path:      ev.Path,
		Timestamp: b.clock.Now().UnixMilli(),
		OldPath:   ev.OldPath,
		Metadata:  ev.Metadata,
	})
	if err != nil {
		logger.Error().Err(err).Str("path", ev.Path).Msg("failed to marshal event")
		return
	}

	b.mu.RLock()
	targets := make([]Conn, 0, len(targetIDs))
	for _, id := range targetIDs {
		if c, ok := b.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(b.fanoutLimit)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			if err := c.Send(payload); err != nil {
				logger.Error().Err(err).Str("path", ev.Path).Msg("send failed, skipping connection")
			}
			return nil // per-connection failures are swallowed
		})
	}
	_ = g.Wait()
}
