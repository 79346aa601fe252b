package subscribe

import (
	"testing"
	"time"

	"github.com/fsx-project/fsx/pkg/clock"
)

func newTestRegistry(cfg Config) (*Registry, *clock.Fake) {
	fc := clock.NewFake(time.Unix(1000, 0))
	return New(cfg, WithClock(fc)), fc
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	ok, err := r.Subscribe("c1", "/a/b", "")
	if err != nil || !ok {
		t.Fatalf("subscribe failed: ok=%v err=%v", ok, err)
	}
	if !r.IsSubscribed("c1", "/a/b") {
		t.Fatal("expected subscribed")
	}

	ok, err = r.Unsubscribe("c1", "/a/b")
	if err != nil || !ok {
		t.Fatalf("unsubscribe failed: ok=%v err=%v", ok, err)
	}
	if r.IsSubscribed("c1", "/a/b") {
		t.Fatal("expected unsubscribed")
	}
}

func TestDuplicateSubscribeIsNoopSuccess(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	if ok, err := r.Subscribe("c1", "/a", ""); err != nil || !ok {
		t.Fatalf("first subscribe failed: %v %v", ok, err)
	}
	if ok, err := r.Subscribe("c1", "/a", ""); err != nil || !ok {
		t.Fatalf("duplicate subscribe should succeed as no-op: %v %v", ok, err)
	}
	if r.GetSubscriptionCount("c1") != 1 {
		t.Fatalf("expected still 1 subscription, got %d", r.GetSubscriptionCount("c1"))
	}
}

func TestSubscribeRejectsAtLimit(t *testing.T) {
	r, _ := newTestRegistry(Config{MaxSubscriptionsPerConn: 1})

	if ok, err := r.Subscribe("c1", "/a", ""); err != nil || !ok {
		t.Fatalf("expected first subscribe to succeed: %v %v", ok, err)
	}
	ok, err := r.Subscribe("c1", "/b", "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected second subscribe to be rejected at limit")
	}
}

func TestUnsubscribeGroup(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	r.Subscribe("c1", "/a", "g1")
	r.Subscribe("c1", "/b", "g1")
	r.Subscribe("c1", "/c", "g2")

	n := r.UnsubscribeGroup("c1", "g1")
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if r.GetSubscriptionCount("c1") != 1 {
		t.Fatalf("expected 1 remaining, got %d", r.GetSubscriptionCount("c1"))
	}
	if !r.IsSubscribed("c1", "/c") {
		t.Fatal("expected /c (g2) to survive")
	}
}

func TestGetSubscribersForPathGlobMatch(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	r.Subscribe("c1", "/a/*", "")
	r.Subscribe("c2", "/a/b/**", "")
	r.Subscribe("c3", "/z/*", "")

	conns, err := r.GetSubscribersForPath("/a/b")
	if err != nil {
		t.Fatal(err)
	}
	set := map[ConnID]bool{}
	for _, c := range conns {
		set[c] = true
	}
	if !set["c1"] {
		t.Fatal("expected c1 (matches /a/*) to be subscribed")
	}
	if set["c3"] {
		t.Fatal("did not expect c3 (/z/*) to match /a/b")
	}

	conns, err = r.GetSubscribersForPath("/a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	set = map[ConnID]bool{}
	for _, c := range conns {
		set[c] = true
	}
	if !set["c2"] {
		t.Fatal("expected c2 (matches /a/b/**) to be subscribed")
	}
	if set["c1"] {
		t.Fatal("did not expect c1 (/a/*) to match /a/b/c")
	}
}

func TestIsSubscribedIsExactNotGlob(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	r.Subscribe("c1", "/a/*", "")
	if r.IsSubscribed("c1", "/a/b") {
		t.Fatal("IsSubscribed must check exact pattern equality, not glob evaluation")
	}
	if !r.IsSubscribed("c1", "/a/*") {
		t.Fatal("expected exact pattern match to report subscribed")
	}
}

func TestHasPatternIsExact(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	r.Subscribe("c1", "/a/*", "")
	if r.HasPattern("/a/b") {
		t.Fatal("HasPattern must not glob-evaluate")
	}
	if !r.HasPattern("/a/*") {
		t.Fatal("expected exact pattern to be registered")
	}
}

func TestRemoveConnectionCleansUp(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	r.Subscribe("c1", "/a", "")
	r.Subscribe("c1", "/b", "")
	r.RemoveConnection("c1")

	if r.GetSubscriptionCount("c1") != 0 {
		t.Fatal("expected no subscriptions left")
	}
	if r.HasPattern("/a") || r.HasPattern("/b") {
		t.Fatal("expected patterns fully removed from reverse index")
	}
	if r.GetConnectionCount() != 0 {
		t.Fatal("expected connection count 0")
	}
}

func TestGetMatchingPatterns(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	r.Subscribe("c1", "/a/*", "")
	r.Subscribe("c1", "/z/*", "")

	patterns, err := r.GetMatchingPatterns("c1", "/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if len(patterns) != 1 || patterns[0] != "/a/*" {
		t.Fatalf("expected only /a/* to match, got %v", patterns)
	}
}

func TestHandleMessageSubscribeSuccess(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	res := r.HandleMessage("c1", `{"type":"subscribe","path":"/a/b"}`)
	if res.Type != "subscribed" || res.Code != "" {
		t.Fatalf("expected subscribed, got %+v", res)
	}
	if !r.IsSubscribed("c1", "/a/b") {
		t.Fatal("expected subscription registered")
	}
}

func TestHandleMessageSubscribeRecursive(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	res := r.HandleMessage("c1", `{"type":"subscribe","path":"/a","recursive":true}`)
	if res.Type != "subscribed" || !res.Recursive || res.Path != "/a" {
		t.Fatalf("expected recursive subscribed ack, got %+v", res)
	}
	if !r.IsSubscribed("c1", "/a/**") {
		t.Fatal("expected recursive pattern /a/** registered")
	}
}

func TestHandleMessageInvalidJSON(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	res := r.HandleMessage("c1", `{not json`)
	if res.Type != "error" || res.Code != ErrInvalidJSON {
		t.Fatalf("expected invalid_json, got %+v", res)
	}
}

func TestHandleMessageMissingType(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	res := r.HandleMessage("c1", `{"path":"/a"}`)
	if res.Type != "error" || res.Code != ErrMissingType {
		t.Fatalf("expected missing_type, got %+v", res)
	}
}

func TestHandleMessageUnknownType(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	res := r.HandleMessage("c1", `{"type":"bogus","path":"/a"}`)
	if res.Type != "error" || res.Code != ErrUnknownType {
		t.Fatalf("expected unknown_type, got %+v", res)
	}
}

func TestHandleMessageMissingPath(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	res := r.HandleMessage("c1", `{"type":"subscribe"}`)
	if res.Type != "error" || res.Code != ErrMissingPath {
		t.Fatalf("expected missing_path, got %+v", res)
	}
}

func TestHandleMessageInvalidPath(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	res := r.HandleMessage("c1", `{"type":"subscribe","path":5}`)
	if res.Type != "error" || res.Code != ErrInvalidPath {
		t.Fatalf("expected invalid_path, got %+v", res)
	}
}

func TestHandleMessageLimitReached(t *testing.T) {
	r, _ := newTestRegistry(Config{MaxSubscriptionsPerConn: 1})
	r.HandleMessage("c1", `{"type":"subscribe","path":"/a"}`)
	res := r.HandleMessage("c1", `{"type":"subscribe","path":"/b"}`)
	if res.Type != "error" || res.Code != ErrLimitReached {
		t.Fatalf("expected limit_reached, got %+v", res)
	}
}

func TestHandleMessageUnsubscribe(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	r.HandleMessage("c1", `{"type":"subscribe","path":"/a"}`)
	res := r.HandleMessage("c1", `{"type":"unsubscribe","path":"/a"}`)
	if res.Type != "unsubscribed" {
		t.Fatalf("expected unsubscribe success, got %+v", res)
	}
	if r.IsSubscribed("c1", "/a") {
		t.Fatal("expected /a unsubscribed")
	}
}
