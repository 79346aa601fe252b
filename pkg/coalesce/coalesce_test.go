package coalesce

import (
	"testing"
	"time"

	"github.com/fsx-project/fsx/pkg/clock"
)

func newTestCoalescer(t *testing.T, cfg Config) (*Coalescer, *clock.Fake, chan []Event) {
	t.Helper()
	fc := clock.NewFake(time.Unix(1000, 0))
	c := New(cfg, WithClock(fc))
	emitted := make(chan []Event, 16)
	c.OnEmit(func(batch []Event) { emitted <- batch })
	t.Cleanup(c.Dispose)
	return c, fc, emitted
}

func recv(t *testing.T, ch chan []Event) []Event {
	t.Helper()
	select {
	case batch := <-ch:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emitted batch")
		return nil
	}
}

func TestModifyModifyCoalescesToModify(t *testing.T) {
	c, fc, emitted := newTestCoalescer(t, Config{DebounceMs: 50})

	c.Add(Event{Type: EventModify, Path: "/f", Metadata: 1})
	c.Add(Event{Type: EventModify, Path: "/f", Metadata: 2})
	fc.Advance(51 * time.Millisecond)

	batch := recv(t, emitted)
	if len(batch) != 1 || batch[0].Type != EventModify || batch[0].Metadata != 2 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestCreateModifyCoalescesToCreate(t *testing.T) {
	c, fc, emitted := newTestCoalescer(t, Config{DebounceMs: 50})

	c.Add(Event{Type: EventCreate, Path: "/f"})
	c.Add(Event{Type: EventModify, Path: "/f", Metadata: "latest"})
	fc.Advance(51 * time.Millisecond)

	batch := recv(t, emitted)
	if len(batch) != 1 || batch[0].Type != EventCreate || batch[0].Metadata != "latest" {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestModifyThenDeleteCoalescesToDelete(t *testing.T) {
	c, fc, emitted := newTestCoalescer(t, Config{DebounceMs: 50})

	c.Add(Event{Type: EventModify, Path: "/f"})
	c.Add(Event{Type: EventDelete, Path: "/f"})
	fc.Advance(51 * time.Millisecond)

	batch := recv(t, emitted)
	if len(batch) != 1 || batch[0].Type != EventDelete {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestRenameThenModifyDestKeepsRename(t *testing.T) {
	c, fc, emitted := newTestCoalescer(t, Config{DebounceMs: 50})

	c.Add(Event{Type: EventRename, Path: "/b", OldPath: "/a"})
	c.Add(Event{Type: EventModify, Path: "/b", Metadata: "meta"})
	fc.Advance(51 * time.Millisecond)

	batch := recv(t, emitted)
	if len(batch) != 1 {
		t.Fatalf("expected one event, got %+v", batch)
	}
	e := batch[0]
	if e.Type != EventRename || e.Path != "/b" || e.OldPath != "/a" || e.Metadata != "meta" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestRenameChainCollapses(t *testing.T) {
	c, fc, emitted := newTestCoalescer(t, Config{DebounceMs: 50})

	c.Add(Event{Type: EventRename, Path: "/b", OldPath: "/a"})
	c.Add(Event{Type: EventRename, Path: "/c", OldPath: "/b"})
	fc.Advance(51 * time.Millisecond)

	batch := recv(t, emitted)
	if len(batch) != 1 {
		t.Fatalf("expected one event, got %+v", batch)
	}
	e := batch[0]
	if e.Type != EventRename || e.Path != "/c" || e.OldPath != "/a" {
		t.Fatalf("expected rename(/a->/c), got %+v", e)
	}
}

func TestRenameThenDeleteDestCollapsesToDelete(t *testing.T) {
	c, fc, emitted := newTestCoalescer(t, Config{DebounceMs: 50})

	c.Add(Event{Type: EventRename, Path: "/b", OldPath: "/a"})
	c.Add(Event{Type: EventDelete, Path: "/b"})
	fc.Advance(51 * time.Millisecond)

	batch := recv(t, emitted)
	if len(batch) != 1 || batch[0].Type != EventDelete || batch[0].Path != "/b" {
		t.Fatalf("expected bare delete(/b), got %+v", batch)
	}
}

func TestDebounceResetsOnEachEvent(t *testing.T) {
	c, fc, emitted := newTestCoalescer(t, Config{DebounceMs: 50})

	c.Add(Event{Type: EventModify, Path: "/f"})
	fc.Advance(30 * time.Millisecond)
	c.Add(Event{Type: EventModify, Path: "/f"})
	fc.Advance(30 * time.Millisecond)

	select {
	case batch := <-emitted:
		t.Fatalf("expected no flush yet, got %+v", batch)
	default:
	}

	fc.Advance(21 * time.Millisecond)
	recv(t, emitted)
}

func TestMaxBatchSizeTriggersImmediateFlush(t *testing.T) {
	c, _, emitted := newTestCoalescer(t, Config{DebounceMs: 1000, MaxBatchSize: 2})

	c.Add(Event{Type: EventModify, Path: "/a"})
	c.Add(Event{Type: EventModify, Path: "/b"})

	batch := recv(t, emitted)
	if len(batch) != 2 {
		t.Fatalf("expected immediate flush of 2 events, got %+v", batch)
	}
}

func TestMaxWaitMsForcesFlushDespiteDebounceResets(t *testing.T) {
	c, fc, emitted := newTestCoalescer(t, Config{DebounceMs: 50, MaxWaitMs: 120})

	c.Add(Event{Type: EventModify, Path: "/f"})
	for i := 0; i < 3; i++ {
		fc.Advance(40 * time.Millisecond)
		c.Add(Event{Type: EventModify, Path: "/f"})
	}

	batch := recv(t, emitted)
	if len(batch) != 1 || batch[0].Type != EventModify {
		t.Fatalf("expected forced flush by max wait, got %+v", batch)
	}
}

func TestFlushIsNoOpWhenEmpty(t *testing.T) {
	c, _, _ := newTestCoalescer(t, Config{})
	if batch := c.Flush(); batch != nil {
		t.Fatalf("expected nil batch, got %+v", batch)
	}
}

func TestGetPendingCount(t *testing.T) {
	c, _, _ := newTestCoalescer(t, Config{DebounceMs: 1000})
	c.Add(Event{Type: EventModify, Path: "/a"})
	c.Add(Event{Type: EventModify, Path: "/b"})
	if n := c.GetPendingCount(); n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}
}

func TestGetSetDebounceMs(t *testing.T) {
	c, _, _ := newTestCoalescer(t, Config{DebounceMs: 50})
	if c.GetDebounceMs() != 50 {
		t.Fatalf("expected 50, got %d", c.GetDebounceMs())
	}
	c.SetDebounceMs(200)
	if c.GetDebounceMs() != 200 {
		t.Fatalf("expected 200, got %d", c.GetDebounceMs())
	}
}

func TestDisposeDiscardsPendingAndStopsEmitting(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	c := New(Config{DebounceMs: 50}, WithClock(fc))
	emitted := make(chan []Event, 4)
	c.OnEmit(func(batch []Event) { emitted <- batch })

	c.Add(Event{Type: EventModify, Path: "/f"})
	c.Dispose()

	fc.Advance(100 * time.Millisecond)
	select {
	case batch := <-emitted:
		t.Fatalf("expected no emission after dispose, got %+v", batch)
	case <-time.After(50 * time.Millisecond):
	}

	c.Add(Event{Type: EventModify, Path: "/g"})
	if n := c.GetPendingCount(); n != 0 {
		t.Fatalf("expected Add after dispose to be a no-op, pending=%d", n)
	}
}

func TestDefaultDebounceMs(t *testing.T) {
	c := New(Config{})
	defer c.Dispose()
	if c.GetDebounceMs() != 50 {
		t.Fatalf("expected default debounce of 50ms, got %d", c.GetDebounceMs())
	}
}
