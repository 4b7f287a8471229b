package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicedesk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder/echo"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/sessionkey"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/sessions"
)

type realtimeTestServer struct {
	srv      *httptest.Server
	keys     *sessionkey.Keys
	lc       *lifecycle.Lifecycle
	sessions *sessions.Tracker
}

func newRealtimeTestServer(t *testing.T) *realtimeTestServer {
	t.Helper()
	return newLimitedRealtimeTestServer(t, nil)
}

func newLimitedRealtimeTestServer(t *testing.T, limiter *ratelimit.Limiter) *realtimeTestServer {
	t.Helper()
	ts := &realtimeTestServer{
		keys:     testKeys(t),
		lc:       &lifecycle.Lifecycle{},
		sessions: sessions.NewTracker(),
	}
	cfg := testConfig()
	cfg.CORSAllowedOrigins = map[string]struct{}{"https://app.example": {}}

	mux := http.NewServeMux()
	mux.Handle("/api/session/create", SessionCreateHandler{Config: cfg, Keys: ts.keys, Agents: testAgents(), Lifecycle: ts.lc, Logger: discardLogger()})
	mux.Handle("/v1/realtime", RealtimeHandler{
		Config:    cfg,
		Keys:      ts.keys,
		Agents:    testAgents(),
		Responder: echo.New(),
		Lifecycle: ts.lc,
		Sessions:  ts.sessions,
		Limiter:   limiter,
		Logger:    discardLogger(),
	})
	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *realtimeTestServer) createSession(t *testing.T) (string, string) {
	t.Helper()
	resp, err := http.Post(ts.srv.URL+"/api/session/create", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		SessionID    string `json:"session_id"`
		EphemeralKey string `json:"ephemeral_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.SessionID, body.EphemeralKey
}

func (ts *realtimeTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/v1/realtime"
}

func (ts *realtimeTestServer) dial(t *testing.T, key string) (*websocket.Conn, *http.Response) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), http.Header{"Authorization": []string{"Bearer " + key}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, resp
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return ev
}

func expectRejected(t *testing.T, rawURL string, header http.Header, wantStatus int) string {
	t.Helper()
	_, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil {
		t.Fatalf("no response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status=%d, want %d", resp.StatusCode, wantStatus)
	}
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestRealtime_CreateThenConverse(t *testing.T) {
	ts := newRealtimeTestServer(t)
	sessionID, key := ts.createSession(t)

	conn, resp := ts.dial(t, key)
	if got := resp.Header.Get("X-Session-ID"); got != sessionID {
		t.Fatalf("X-Session-ID=%q, want %q", got, sessionID)
	}

	msg := `{"type":"session.message","message":{"id":"local-1","role":"user","content":[{"type":"text","text":"hi"}]}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readEvent(t, conn)
	if ev["type"] != "session.message" {
		t.Fatalf("event=%v", ev)
	}
	item := ev["item"].(map[string]any)
	if item["id"] == "local-1" {
		t.Fatal("relay echoed the client's item id")
	}
	if !ts.sessions.Active(sessionID) {
		t.Fatal("session not tracked")
	}
}

func TestRealtime_KeyQueryParam(t *testing.T) {
	ts := newRealtimeTestServer(t)
	_, key := ts.createSession(t)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL()+"?key="+url.QueryEscape(key), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close()
}

func TestRealtime_MissingKey(t *testing.T) {
	ts := newRealtimeTestServer(t)
	body := expectRejected(t, ts.wsURL(), nil, http.StatusUnauthorized)
	if !strings.Contains(body, "missing session key") {
		t.Fatalf("body=%q", body)
	}
}

func TestRealtime_ExpiredKey(t *testing.T) {
	ts := newRealtimeTestServer(t)
	past, err := sessionkey.New(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("sessionkey.New: %v", err)
	}
	past.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	key, _, err := past.Mint("sess_old", "healthcare", "echo")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	body := expectRejected(t, ts.wsURL(), http.Header{"Authorization": []string{"Bearer " + key}}, http.StatusUnauthorized)
	if !strings.Contains(body, `"expired_key"`) {
		t.Fatalf("body=%q", body)
	}
}

func TestRealtime_ForeignSecretRejected(t *testing.T) {
	ts := newRealtimeTestServer(t)
	other, _ := sessionkey.New([]byte("ffffffffffffffffffffffffffffffff"), time.Minute)
	key, _, _ := other.Mint("sess_x", "healthcare", "echo")
	expectRejected(t, ts.wsURL(), http.Header{"Authorization": []string{"Bearer " + key}}, http.StatusUnauthorized)
}

func TestRealtime_OriginNotAllowed(t *testing.T) {
	ts := newRealtimeTestServer(t)
	_, key := ts.createSession(t)
	h := http.Header{"Authorization": []string{"Bearer " + key}, "Origin": []string{"https://evil.example"}}
	expectRejected(t, ts.wsURL(), h, http.StatusForbidden)
}

func TestRealtime_Draining(t *testing.T) {
	ts := newRealtimeTestServer(t)
	_, key := ts.createSession(t)
	ts.lc.SetDraining(true)
	expectRejected(t, ts.wsURL(), http.Header{"Authorization": []string{"Bearer " + key}}, 529)
}

func TestRealtime_SecondConnectionTakesOver(t *testing.T) {
	ts := newRealtimeTestServer(t)
	sessionID, key := ts.createSession(t)

	first, _ := ts.dial(t, key)
	waitFor(t, func() bool { return ts.sessions.Active(sessionID) })

	_, _ = ts.dial(t, key)

	ev := readEvent(t, first)
	if ev["type"] != "session.terminated" || ev["reason"] != sessions.ReasonTakeover {
		t.Fatalf("event=%v", ev)
	}
	waitFor(t, func() bool { return ts.sessions.Count() == 1 })
}

func TestRealtime_LiveSessionCapPerClient(t *testing.T) {
	ts := newLimitedRealtimeTestServer(t, ratelimit.New(ratelimit.Config{MaxLiveSessions: 1}))
	sessionID, key := ts.createSession(t)
	first, _ := ts.dial(t, key)
	waitFor(t, func() bool { return ts.sessions.Active(sessionID) })

	_, other := ts.createSession(t)
	body := expectRejected(t, ts.wsURL(), http.Header{"Authorization": []string{"Bearer " + other}}, http.StatusTooManyRequests)
	if !strings.Contains(body, "rate_limit_error") {
		t.Fatalf("body=%q", body)
	}

	_ = first.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.end"}`))
	waitFor(t, func() bool {
		conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), http.Header{"Authorization": []string{"Bearer " + other}})
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
