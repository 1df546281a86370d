package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dubu/turbo-nfc/bridge"
	"github.com/dubu/turbo-nfc/nfc"
	"github.com/dubu/turbo-nfc/protocol"
)

type fakeReader struct {
	mu   sync.Mutex
	last nfc.Tag
	ch   chan nfc.Detection
}

func newFakeReader() *fakeReader {
	return &fakeReader{ch: make(chan nfc.Detection, 8)}
}

func (f *fakeReader) Subscribe(int) (<-chan nfc.Detection, func()) { return f.ch, func() {} }

func (f *fakeReader) Status() nfc.DeviceStatus {
	return nfc.DeviceStatus{Connected: true, Device: "mock:usb:001", Message: "Device connected"}
}

func (f *fakeReader) LastTag() nfc.Tag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeReader) present(uid string) {
	tag := nfc.NewMockTag(uid)
	f.mu.Lock()
	f.last = tag
	f.mu.Unlock()
	f.ch <- nfc.Detection{Tag: tag, DetectedAt: time.Now()}
}

type fixture struct {
	server *Server
	http   *httptest.Server
	module *bridge.Module
	reader *fakeReader
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	reader := newFakeReader()
	module := bridge.NewModule(bridge.Config{Manager: nfc.NewMockManager(), Reader: reader})
	registry := bridge.NewRegistry()
	if err := registry.Register(module); err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{Registry: registry, Status: reader.Status, APISecret: secret})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return &fixture{server: s, http: ts, module: module, reader: reader}
}

func (f *fixture) post(t *testing.T, path, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	resp, err := http.Get(f.http.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	health := decode[protocol.HealthResponse](t, resp)
	if health.Status != "ok" || !health.Reader.Connected || health.Reader.Device != "mock:usb:001" {
		t.Errorf("unexpected health: %+v", health)
	}
}

func TestModulesAndCalls(t *testing.T) {
	f := newFixture(t, "")

	resp, err := http.Get(f.http.URL + "/api/v1/modules")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	modules := decode[[]bridge.ModuleInfo](t, resp)
	if len(modules) != 1 || modules[0].Name != bridge.ModuleName {
		t.Fatalf("modules = %+v", modules)
	}

	tests := []struct {
		name        string
		path        string
		body        string
		wantStatus  int
		wantSuccess bool
		wantCode    string
	}{
		{"isEnabled", "/api/v1/modules/TurboNfc/isEnabled", "", http.StatusOK, true, ""},
		{"isSupported", "/api/v1/modules/TurboNfc/isSupported", `{"args":[]}`, http.StatusOK, true, ""},
		{"setInfoPageTagId", "/api/v1/modules/TurboNfc/setInfoPageTagId", `{"args":["04:AA"]}`, http.StatusOK, true, ""},
		{"missing args", "/api/v1/modules/TurboNfc/setInfoPageTagId", `{"args":[]}`, http.StatusBadRequest, false, bridge.CodeInvalidArgs},
		{"unknown method", "/api/v1/modules/TurboNfc/writeTag", "", http.StatusNotFound, false, bridge.CodeUnknownMethod},
		{"unknown module", "/api/v1/modules/Camera/open", "", http.StatusNotFound, false, bridge.CodeUnknownModule},
		{"bad body", "/api/v1/modules/TurboNfc/isEnabled", "{", http.StatusBadRequest, false, protocol.ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, tt.path, tt.body, "")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			result := decode[protocol.CallResult](t, resp)
			if result.Success != tt.wantSuccess || result.Code != tt.wantCode {
				t.Errorf("result = %+v, want success=%v code=%q", result, tt.wantSuccess, tt.wantCode)
			}
		})
	}
}

func TestHandshakeWithAPISecret(t *testing.T) {
	f := newFixture(t, "test-secret")

	if resp := f.post(t, "/api/v1/modules/TurboNfc/isEnabled", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("call without token: status = %d, want 401", resp.StatusCode)
	}
	if resp := f.post(t, "/api/v1/handshake", `{"secret":"wrong"}`, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", resp.StatusCode)
	}

	resp := f.post(t, "/api/v1/handshake", `{"secret":"test-secret"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake status = %d, want 200", resp.StatusCode)
	}
	hs := decode[protocol.HandshakeResponse](t, resp)
	if hs.Token == "" || hs.ExpiresAt == "" {
		t.Fatalf("handshake response = %+v", hs)
	}

	if resp := f.post(t, "/api/v1/modules/TurboNfc/isEnabled", "", hs.Token); resp.StatusCode != http.StatusOK {
		t.Errorf("call with token: status = %d, want 200", resp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Error("websocket without token was accepted")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("websocket without token: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+hs.Token, nil)
	if err != nil {
		t.Fatalf("websocket with token: %v", err)
	}
	conn.Close()
}

func TestHandshakeRateLimit(t *testing.T) {
	f := newFixture(t, "test-secret")

	limited := false
	for i := 0; i < handshakeBurst+2; i++ {
		if f.post(t, "/api/v1/handshake", `{"secret":"wrong"}`, "").StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("handshake attempts were never rate limited")
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, f *fixture) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	if hello := c.next(); hello["type"] != protocol.TypeHello {
		t.Fatalf("first frame = %v, want hello", hello)
	}
	return c
}

func (c *wsClient) call(id, method string, args ...any) {
	c.t.Helper()
	raw, _ := json.Marshal(args)
	err := c.conn.WriteJSON(map[string]any{
		"id":      id,
		"type":    protocol.TypeCall,
		"payload": protocol.CallPayload{Module: bridge.ModuleName, Method: method, Args: raw},
	})
	if err != nil {
		c.t.Fatal(err)
	}
}

func (c *wsClient) next() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return frame
}

// result reads frames until the result for id arrives, collecting events.
func (c *wsClient) result(id string, events *[]map[string]any) map[string]any {
	c.t.Helper()
	for {
		frame := c.next()
		switch frame["type"] {
		case protocol.TypeResult:
			if frame["id"] == id {
				return frame
			}
		case protocol.TypeEvent:
			if events != nil {
				*events = append(*events, frame["payload"].(map[string]any))
			}
		}
	}
}

func TestWebSocket_StartTagReading(t *testing.T) {
	f := newFixture(t, "")
	c := dial(t, f)

	c.call("1", "addListener", bridge.EventTagDiscovered)
	if res := c.result("1", nil); res["success"] != true {
		t.Fatalf("addListener result = %v", res)
	}
	c.call("2", "addListener", bridge.EventStatusChange)
	c.result("2", nil)

	c.call("3", "startTagReading")
	active := c.next()
	if active["type"] != protocol.TypeEvent {
		t.Fatalf("frame = %v, want status event", active)
	}
	if body := active["payload"].(map[string]any)["body"].(map[string]any); body["status"] != bridge.StatusActive {
		t.Fatalf("status event body = %v", body)
	}

	f.reader.present("04A1B2C3")

	var events []map[string]any
	res := c.result("3", &events)
	if res["success"] != true {
		t.Fatalf("startTagReading result = %v", res)
	}
	payload := res["payload"].(map[string]any)
	if payload["success"] != true || payload["payload"] != "04A1B2C3" {
		t.Errorf("read result = %v", payload)
	}

	found := false
	for _, ev := range events {
		if ev["name"] == bridge.EventTagDiscovered {
			found = ev["body"].(map[string]any)["tagId"] == "04A1B2C3"
		}
	}
	if !found {
		// the event may still be queued behind the result
		ev := c.next()
		found = ev["type"] == protocol.TypeEvent &&
			ev["payload"].(map[string]any)["name"] == bridge.EventTagDiscovered
	}
	if !found {
		t.Error("onTagDiscovered event not delivered")
	}
}

func TestWebSocket_ConcurrentStopAndBusy(t *testing.T) {
	f := newFixture(t, "")
	c := dial(t, f)

	c.call("1", "startTagReading")
	deadline := time.Now().Add(2 * time.Second)
	for !f.module.Active() {
		if time.Now().After(deadline) {
			t.Fatal("session never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.call("2", "startTagReading")
	if res := c.result("2", nil); res["code"] != bridge.CodeSessionBusy {
		t.Errorf("second start = %v, want session_busy", res)
	}

	c.call("3", "stopTagReading")
	got := map[string]map[string]any{}
	for len(got) < 2 {
		frame := c.next()
		if frame["type"] == protocol.TypeResult {
			got[frame["id"].(string)] = frame
		}
	}
	if got["3"]["payload"] != true {
		t.Errorf("stop result = %v", got["3"])
	}
	if read := got["1"]["payload"].(map[string]any); read["success"] != false {
		t.Errorf("pending read = %v, want success=false", read)
	}
}

func TestWebSocket_ReleasesListenersOnDisconnect(t *testing.T) {
	f := newFixture(t, "")
	c := dial(t, f)

	c.call("1", "addListener", bridge.EventTagDiscovered)
	c.result("1", nil)
	c.call("2", "addListener", bridge.EventStatusChange)
	c.result("2", nil)
	if n := f.module.Emitter().ListenerCount(); n != 2 {
		t.Fatalf("ListenerCount() = %d, want 2", n)
	}

	c.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.module.Emitter().ListenerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ListenerCount() = %d after disconnect, want 0", f.module.Emitter().ListenerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_UnknownTypeAndPing(t *testing.T) {
	f := newFixture(t, "")
	c := dial(t, f)

	if err := c.conn.WriteJSON(map[string]any{"id": "x", "type": "subscribe"}); err != nil {
		t.Fatal(err)
	}
	if res := c.next(); res["code"] != protocol.ErrCodeUnknownType || res["id"] != "x" {
		t.Errorf("unknown type result = %v", res)
	}

	if err := c.conn.WriteJSON(map[string]any{"type": protocol.TypePing}); err != nil {
		t.Fatal(err)
	}
	if pong := c.next(); pong["type"] != protocol.TypePong {
		t.Errorf("frame = %v, want pong", pong)
	}
}

func TestOriginAllowed(t *testing.T) {
	s := &Server{cfg: Config{AllowedOrigins: []string{"http://localhost:8081", "https://App.example.com/"}}}
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:8081", true},
		{"https://app.example.com", true},
		{"http://localhost:3000", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		if got := s.originAllowed(tt.origin); got != tt.want {
			t.Errorf("originAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	open := &Server{}
	if !open.originAllowed("http://anything.test") {
		t.Error("no configured origins should allow every origin")
	}
}

func TestStatusForCode(t *testing.T) {
	tests := map[string]int{
		"":                       http.StatusOK,
		bridge.CodeSessionBusy:   http.StatusConflict,
		bridge.CodeDisabled:      http.StatusServiceUnavailable,
		bridge.CodeUnknownModule: http.StatusNotFound,
		bridge.CodeNFCError:      http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := statusForCode(code); got != want {
			t.Errorf("statusForCode(%q) = %d, want %d", code, got, want)
		}
	}
}
