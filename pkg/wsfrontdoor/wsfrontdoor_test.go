package wsfrontdoor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fsx-project/fsx/pkg/subscribe"
	"github.com/fsx-project/fsx/pkg/watchbridge"
)

type stubRegistry struct {
	mu            sync.Mutex
	subscribed    []string
	removed       []subscribe.ConnID
	handleResult  subscribe.MessageResult
	lastHandleRaw string
}

func (r *stubRegistry) Subscribe(conn subscribe.ConnID, path, group string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = append(r.subscribed, path)
	return true, nil
}

func (r *stubRegistry) RemoveConnection(conn subscribe.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, conn)
}

func (r *stubRegistry) HandleMessage(conn subscribe.ConnID, raw string) subscribe.MessageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHandleRaw = raw
	if r.handleResult.Type != "" {
		return r.handleResult
	}
	return subscribe.MessageResult{Type: "subscribed"}
}

type stubBridge struct {
	mu         sync.Mutex
	registered []subscribe.ConnID
	unreg      []subscribe.ConnID
}

func (b *stubBridge) RegisterConn(id subscribe.ConnID, conn watchbridge.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = append(b.registered, id)
}

func (b *stubBridge) UnregisterConn(id subscribe.ConnID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreg = append(b.unreg, id)
}

func newTestServer(t *testing.T) (*httptest.Server, *stubRegistry, *stubBridge) {
	t.Helper()
	reg := &stubRegistry{}
	br := &stubBridge{}
	s := New(reg, br, nil)
	r := chi.NewRouter()
	s.Mount(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, reg, br
}

func TestMissingPathReturns400(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/watch")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestNonAbsolutePathReturns400(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/watch?path=relative/path")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestNonWebsocketUpgradeReturns426(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/watch?path=/a")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Upgrade") != "websocket" {
		t.Fatalf("expected Upgrade header, got %q", resp.Header.Get("Upgrade"))
	}
}

func doRawRequest(t *testing.T, url string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestMissingSecWebSocketKeyReturns400(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := doRawRequest(t, ts.URL+"/watch?path=/a", map[string]string{
		"Upgrade":               "websocket",
		"Connection":            "Upgrade",
		"Sec-WebSocket-Version": "13",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWrongVersionReturns400WithVersionHeader(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := doRawRequest(t, ts.URL+"/watch?path=/a", map[string]string{
		"Upgrade":               "websocket",
		"Connection":            "Upgrade",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version": "8",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Sec-WebSocket-Version") != "13" {
		t.Fatalf("expected Sec-WebSocket-Version: 13 header, got %q", resp.Header.Get("Sec-WebSocket-Version"))
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSuccessfulUpgradeAndMessageRoundTrip(t *testing.T) {
	ts, reg, br := newTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/watch?path=/a/b", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","path":"/c"}`)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var result subscribe.MessageResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if result.Type != "subscribed" {
		t.Fatalf("expected subscribed result, got %+v", result)
	}

	time.Sleep(20 * time.Millisecond)
	reg.mu.Lock()
	subscribed := append([]string(nil), reg.subscribed...)
	reg.mu.Unlock()
	if len(subscribed) != 1 || subscribed[0] != "/a/b" {
		t.Fatalf("expected initial subscribe to /a/b, got %v", subscribed)
	}

	br.mu.Lock()
	registeredCount := len(br.registered)
	br.mu.Unlock()
	if registeredCount != 1 {
		t.Fatalf("expected 1 registered connection, got %d", registeredCount)
	}
}

func TestRecursiveFlagSubscribesWithGlobSuffix(t *testing.T) {
	ts, reg, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/watch?path=/a&recursive=true", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.subscribed) != 1 || reg.subscribed[0] != "/a/**" {
		t.Fatalf("expected recursive subscribe to /a/**, got %v", reg.subscribed)
	}
}

func TestCloseRemovesConnectionFromRegistryAndBridge(t *testing.T) {
	ts, reg, br := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/watch?path=/a", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		reg.mu.Lock()
		n := len(reg.removed)
		reg.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	reg.mu.Lock()
	removedCount := len(reg.removed)
	reg.mu.Unlock()
	if removedCount != 1 {
		t.Fatalf("expected RemoveConnection called once, got %d", removedCount)
	}

	br.mu.Lock()
	unregCount := len(br.unreg)
	br.mu.Unlock()
	if unregCount != 1 {
		t.Fatalf("expected UnregisterConn called once, got %d", unregCount)
	}
}
