package watchbridge

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsx-project/fsx/pkg/batch"
	"github.com/fsx-project/fsx/pkg/clock"
	"github.com/fsx-project/fsx/pkg/subscribe"
)

type stubRegistry struct {
	subs map[string][]subscribe.ConnID
}

func (r *stubRegistry) GetSubscribersForPath(path string) ([]subscribe.ConnID, error) {
	return r.subs[path], nil
}

type erroringRegistry struct{}

func (erroringRegistry) GetSubscribersForPath(path string) ([]subscribe.ConnID, error) {
	return nil, errors.New("boom")
}

type recordingConn struct {
	mu       sync.Mutex
	received [][]byte
	failNext bool
}

func (c *recordingConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errors.New("send failed")
	}
	c.received = append(c.received, data)
	return nil
}

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func TestPublishDirectDeliversToSubscribers(t *testing.T) {
	conn := &recordingConn{}
	reg := &stubRegistry{subs: map[string][]subscribe.ConnID{"/f": {"c1"}}}
	b := New(reg)
	b.RegisterConn("c1", conn)

	b.Publish(batch.Event{Type: batch.EventModify, Path: "/f"})

	if conn.count() != 1 {
		t.Fatalf("expected 1 message delivered, got %d", conn.count())
	}
	var decoded wireEvent
	if err := json.Unmarshal(conn.received[0], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != batch.EventModify || decoded.Path != "/f" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestPublishStampsTimestampFromClock(t *testing.T) {
	conn := &recordingConn{}
	reg := &stubRegistry{subs: map[string][]subscribe.ConnID{"/f": {"c1"}}}
	fc := clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	b := New(reg, WithClock(fc))
	b.RegisterConn("c1", conn)

	b.Publish(batch.Event{Type: batch.EventModify, Path: "/f", OldPath: "/old"})

	var decoded wireEvent
	if err := json.Unmarshal(conn.received[0], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Timestamp != fc.Now().UnixMilli() {
		t.Fatalf("expected timestamp %d, got %d", fc.Now().UnixMilli(), decoded.Timestamp)
	}
	if decoded.OldPath != "/old" {
		t.Fatalf("expected oldPath /old, got %q", decoded.OldPath)
	}

	raw := string(conn.received[0])
	if !strings.Contains(raw, `"oldPath":"/old"`) || !strings.Contains(raw, `"timestamp":`) {
		t.Fatalf("expected camelCase oldPath and timestamp fields in wire payload: %s", raw)
	}
}

func TestPublishSkipsUnregisteredConns(t *testing.T) {
	reg := &stubRegistry{subs: map[string][]subscribe.ConnID{"/f": {"ghost"}}}
	b := New(reg)
	b.Publish(batch.Event{Type: batch.EventModify, Path: "/f"})
	// no panic/deadlock is the assertion here
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	reg := &stubRegistry{subs: map[string][]subscribe.ConnID{}}
	conn := &recordingConn{}
	b := New(reg)
	b.RegisterConn("c1", conn)
	b.Publish(batch.Event{Type: batch.EventModify, Path: "/unwatched"})
	if conn.count() != 0 {
		t.Fatalf("expected no delivery, got %d", conn.count())
	}
}

func TestSendFailureIsolatedPerConnection(t *testing.T) {
	failing := &recordingConn{failNext: true}
	ok := &recordingConn{}
	reg := &stubRegistry{subs: map[string][]subscribe.ConnID{"/f": {"bad", "good"}}}
	b := New(reg)
	b.RegisterConn("bad", failing)
	b.RegisterConn("good", ok)

	b.Publish(batch.Event{Type: batch.EventModify, Path: "/f"})

	if ok.count() != 1 {
		t.Fatalf("expected good connection to still receive the event, got %d", ok.count())
	}
}

func TestSubscriberResolutionErrorIsSwallowed(t *testing.T) {
	b := New(erroringRegistry{})
	b.Publish(batch.Event{Type: batch.EventModify, Path: "/f"})
	// assertion is that Publish returns without panicking despite the error
}

func TestUnregisterConnStopsDelivery(t *testing.T) {
	conn := &recordingConn{}
	reg := &stubRegistry{subs: map[string][]subscribe.ConnID{"/f": {"c1"}}}
	b := New(reg)
	b.RegisterConn("c1", conn)
	b.UnregisterConn("c1")

	b.Publish(batch.Event{Type: batch.EventModify, Path: "/f"})
	if conn.count() != 0 {
		t.Fatalf("expected no delivery after unregister, got %d", conn.count())
	}
}

func TestWithBatcherRoutesThroughBatchEmitter(t *testing.T) {
	conn := &recordingConn{}
	reg := &stubRegistry{subs: map[string][]subscribe.ConnID{"/f": {"c1"}}}
	emitter := batch.New(batch.Config{BatchWindowMs: 10, MaxBatchSize: 1})
	defer emitter.Dispose()

	b := New(reg, WithBatcher(emitter))
	b.RegisterConn("c1", conn)

	b.Publish(batch.Event{Type: batch.EventModify, Path: "/f"})

	deadline := time.Now().Add(time.Second)
	for conn.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if conn.count() != 1 {
		t.Fatalf("expected delivery via batcher, got %d", conn.count())
	}
}
