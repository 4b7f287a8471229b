package handlers

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
	"github.com/vango-go/vai-voicedesk/pkg/agents/healthcare"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/config"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/sessionkey"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testConfig() config.Config {
	return config.Config{
		AuthMode:             config.AuthModeDisabled,
		APIKeys:              map[string]struct{}{},
		MaxBodyBytes:         1 << 16,
		MaxMessages:          8,
		CORSAllowedOrigins:   map[string]struct{}{},
		Agent:                healthcare.Name,
		Responder:            config.ResponderEcho,
		Model:                "echo",
		Modalities:           []string{"text"},
		SessionSecret:        testSecret,
		SessionTTL:           time.Minute,
		WSMaxSessionDuration: time.Minute,
		WSMaxMessageBytes:    1 << 16,
		WSPingInterval:       time.Second,
		WSWriteTimeout:       time.Second,
		WSHandshakeTimeout:   time.Second,
		TurnTimeout:          5 * time.Second,
		ToolResultTimeout:    time.Second,
		MaxToolRounds:        4,
		ReadHeaderTimeout:    time.Second,
		ReadTimeout:          time.Second,
		HandlerTimeout:       5 * time.Second,
		ShutdownGracePeriod:  time.Second,
	}
}

func testAgents() agents.Registry {
	return agents.Registry{healthcare.Name: healthcare.Config()}
}

func testKeys(t *testing.T) *sessionkey.Keys {
	t.Helper()
	keys, err := sessionkey.New(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("sessionkey.New: %v", err)
	}
	return keys
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
