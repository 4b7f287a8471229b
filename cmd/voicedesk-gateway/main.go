package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vango-go/vai-voicedesk/internal/dotenv"
	"github.com/vango-go/vai-voicedesk/pkg/agents"
	"github.com/vango-go/vai-voicedesk/pkg/agents/healthcare"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/config"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder/echo"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder/gemini"
	gatewayserver "github.com/vango-go/vai-voicedesk/pkg/gateway/server"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/sessionkey"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	newResponder func(context.Context, config.Config, *slog.Logger) (responder.Responder, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:   config.LoadFromEnv,
		newResponder: newResponder,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newResponder(ctx context.Context, cfg config.Config, logger *slog.Logger) (responder.Responder, error) {
	switch cfg.Responder {
	case config.ResponderEcho:
		return echo.New(), nil
	case config.ResponderGemini:
		return gemini.New(ctx, cfg.GeminiAPIKey, cfg.Model, logger)
	default:
		return nil, fmt.Errorf("unknown responder %q", cfg.Responder)
	}
}

func buildAgents() agents.Registry {
	return agents.Registry{healthcare.Name: healthcare.Config()}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger, deps gatewayDeps) (*gatewayserver.Server, error) {
	registry := buildAgents()
	for name, agent := range registry {
		if err := agent.Validate(); err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
	}
	if _, ok := registry.Lookup(cfg.Agent); !ok {
		return nil, fmt.Errorf("VOICEDESK_GATEWAY_AGENT=%q is not a known agent (have %s)", cfg.Agent, strings.Join(agentNames(registry), ", "))
	}

	keys, err := sessionkey.New(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("session keys: %w", err)
	}
	resp, err := deps.newResponder(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("responder: %w", err)
	}

	return gatewayserver.New(cfg, logger, gatewayserver.Deps{
		Responder: resp,
		Keys:      keys,
		Agents:    registry,
		Lifecycle: &lifecycle.Lifecycle{},
	}), nil
}

func agentNames(r agents.Registry) []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	return out
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newResponder == nil {
		return errors.New("missing newResponder dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := buildGateway(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "agent", cfg.Agent, "responder", cfg.Responder, "model", cfg.Model)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown requested", "cause", ctx.Err())
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	warned := gw.WarnLiveSessionsDraining()
	logger.Info("draining live sessions", "sessions", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		canceled := gw.CancelLiveSessions()
		logger.Warn("grace period elapsed; cancelled live sessions", "sessions", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "voicedesk-gateway: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(os.Getenv("VOICEDESK_GATEWAY_LOG_LEVEL"))}))

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicedesk-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
