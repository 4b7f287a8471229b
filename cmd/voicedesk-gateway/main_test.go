package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-voicedesk/pkg/gateway/config"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder/echo"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                 "127.0.0.1:0",
		AuthMode:             config.AuthModeDisabled,
		APIKeys:              map[string]struct{}{},
		MaxBodyBytes:         1 << 16,
		MaxMessages:          8,
		CORSAllowedOrigins:   map[string]struct{}{},
		Agent:                "healthcare",
		Responder:            config.ResponderEcho,
		Model:                "echo",
		SessionSecret:        []byte("0123456789abcdef0123456789abcdef"),
		SessionTTL:           time.Minute,
		WSMaxSessionDuration: time.Minute,
		WSMaxMessageBytes:    1 << 16,
		WSPingInterval:       time.Second,
		WSWriteTimeout:       time.Second,
		WSHandshakeTimeout:   time.Second,
		ToolResultTimeout:    time.Second,
		MaxToolRounds:        4,
		ReadHeaderTimeout:    time.Second,
		ReadTimeout:          time.Second,
		HandlerTimeout:       time.Second,
		ShutdownGracePeriod:  time.Second,
	}
}

func testDeps(cfg config.Config) gatewayDeps {
	return gatewayDeps{
		loadConfig:   func() (config.Config, error) { return cfg, nil },
		newResponder: newResponder,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newResponder: func(context.Context, config.Config, *slog.Logger) (responder.Responder, error) {
			t.Fatalf("newResponder should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestNewResponder(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	resp, err := newResponder(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("newResponder: %v", err)
	}
	if _, ok := resp.(*echo.Responder); !ok {
		t.Fatalf("responder=%T", resp)
	}

	cfg.Responder = "nope"
	if _, err := newResponder(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown responder")
	}
}

func TestBuildGateway_UnknownAgent(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Agent = "dentistry"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := buildGateway(context.Background(), cfg, logger, testDeps(cfg))
	if err == nil || !strings.Contains(err.Error(), "healthcare") {
		t.Fatalf("err=%v", err)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := buildGateway(context.Background(), cfg, logger, testDeps(cfg))
	if err != nil {
		t.Fatalf("buildGateway: %v", err)
	}

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRunGateway_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runGateway(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), testDeps(cfg))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runGateway: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runGateway did not stop")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if parseLevel("debug") != slog.LevelDebug || parseLevel("") != slog.LevelInfo || parseLevel("loud") != slog.LevelInfo {
		t.Fatal("unexpected level parsing")
	}
}
