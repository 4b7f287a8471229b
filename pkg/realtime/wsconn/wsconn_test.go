package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicedesk/pkg/realtime/bootstrap"
)

func newEchoServer(t *testing.T, onConn func(*websocket.Conn)) (*httptest.Server, chan string) {
	t.Helper()
	auth := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPath {
			http.NotFound(w, r)
			return
		}
		auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, auth
}

func TestDial_SendAndReceive(t *testing.T) {
	srv, auth := newEchoServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	c, err := Dialer{BaseURL: srv.URL}.Dial(context.Background(), bootstrap.Credential{EphemeralKey: "ek_1"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if got := <-auth; got != "Bearer ek_1" {
		t.Fatalf("authorization=%q", got)
	}
	for _, msg := range []string{`{"type":"a"}`, `{"type":"b"}`} {
		if err := c.Send(context.Background(), []byte(msg)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for _, want := range []string{`{"type":"a"}`, `{"type":"b"}`} {
		select {
		case got := <-c.Messages():
			if string(got) != want {
				t.Fatalf("got %s, want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for echo")
		}
	}
}

func TestClose_IsIdempotentAndEndsMessages(t *testing.T) {
	srv, _ := newEchoServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c, err := Dialer{BaseURL: srv.URL}.Dial(context.Background(), bootstrap.Credential{EphemeralKey: "k"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_ = c.Close()
	_ = c.Close()

	if _, ok := <-c.Messages(); ok {
		t.Fatal("messages channel still open after Close")
	}
	if err := c.Err(); err != nil {
		t.Fatalf("Err=%v, want nil after local close", err)
	}
	if err := c.Send(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("expected send error after close")
	}
}

func TestRemoteNormalCloseHasNoError(t *testing.T) {
	srv, _ := newEchoServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.terminated"}`))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	})
	c, err := Dialer{BaseURL: srv.URL}.Dial(context.Background(), bootstrap.Credential{EphemeralKey: "k"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var got []string
	for data := range c.Messages() {
		got = append(got, string(data))
	}
	if len(got) != 1 || !strings.Contains(got[0], "session.terminated") {
		t.Fatalf("messages=%v", got)
	}
	if err := c.Err(); err != nil {
		t.Fatalf("Err=%v", err)
	}
}

func TestDial_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Dialer{BaseURL: srv.URL}.Dial(context.Background(), bootstrap.Credential{EphemeralKey: "bad"})
	var te *bootstrap.TransportError
	if !errors.As(err, &te) || !strings.Contains(te.Error(), "401") {
		t.Fatalf("err=%v", err)
	}
}

func TestEndpoint(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":  "ws://localhost:8080/v1/realtime",
		"https://example.com/":   "wss://example.com/v1/realtime",
		"wss://example.com/base": "wss://example.com/base/v1/realtime",
	}
	for in, want := range cases {
		got, err := Dialer{BaseURL: in}.Endpoint()
		if err != nil || got != want {
			t.Fatalf("Endpoint(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := (Dialer{BaseURL: "ftp://x"}).Endpoint(); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}
