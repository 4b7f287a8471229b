package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-voicedesk/internal/clientconfig"
	"github.com/vango-go/vai-voicedesk/internal/dotenv"
	"github.com/vango-go/vai-voicedesk/pkg/agents/healthcare"
	"github.com/vango-go/vai-voicedesk/pkg/eventsink/natssink"
	"github.com/vango-go/vai-voicedesk/pkg/notes"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/bootstrap"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/eventlog"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/protocol"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/session"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/tools"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/transcript"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/wsconn"
)

type eventSink interface {
	eventlog.Sink
	Close()
}

type clientDeps struct {
	loadConfig   func() (clientconfig.Config, error)
	openNotes    func(context.Context, clientconfig.Config, *slog.Logger) (notes.Store, error)
	connectSink  func(clientconfig.Config, func() string, *slog.Logger) (eventSink, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultClientDeps() clientDeps {
	return clientDeps{
		loadConfig:  clientconfig.LoadFromEnv,
		openNotes:   openNotes,
		connectSink: connectSink,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func openNotes(ctx context.Context, cfg clientconfig.Config, logger *slog.Logger) (notes.Store, error) {
	if cfg.DatabaseURL == "" {
		return notes.NewMemoryStore(), nil
	}
	return notes.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
}

func connectSink(cfg clientconfig.Config, sessionID func() string, logger *slog.Logger) (eventSink, error) {
	if cfg.NATSURL == "" {
		return nil, nil
	}
	return natssink.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, sessionID, logger)
}

// console serializes writes from the input loop and transcript callbacks.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// printChange shows finished messages and breadcrumbs; streaming deltas are
// left to the transcript.
func (c *console) printChange(change transcript.Change) {
	item := change.Item
	switch {
	case item.Kind == transcript.KindBreadcrumb && change.Op == transcript.OpCreated:
		c.printf("-- %s\n", item.Title)
	case item.Kind == transcript.KindMessage && change.Op == transcript.OpStatus &&
		item.Status == transcript.StatusDone && item.Role != protocol.RoleUser:
		c.printf("%s: %s\n", item.Role, item.Text)
	}
}

func (c *console) dumpTranscript(items []transcript.Item) {
	if len(items) == 0 {
		c.printf("(transcript is empty)\n")
		return
	}
	for _, item := range items {
		if item.Kind == transcript.KindBreadcrumb {
			c.printf("[%d] -- %s\n", item.Seq, item.Title)
			continue
		}
		c.printf("[%d] %s (%s): %s\n", item.Seq, item.Role, item.Status, item.Text)
	}
}

func (c *console) dumpEvents(entries []eventlog.Entry) {
	if len(entries) == 0 {
		c.printf("(no events)\n")
		return
	}
	for _, e := range entries {
		c.printf("#%d %s %s %s %s\n", e.ID, e.Timestamp.Format("15:04:05.000"), e.Direction, e.Name, e.Payload)
	}
}

type client struct {
	cfg     clientconfig.Config
	sess    *session.Session
	out     *console
	logger  *slog.Logger
	cleanup []func()
}

func (c *client) close() {
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

func buildClient(ctx context.Context, cfg clientconfig.Config, stdout io.Writer, logger *slog.Logger, deps clientDeps) (*client, error) {
	if cfg.Agent != healthcare.Name {
		return nil, fmt.Errorf("VOICEDESK_AGENT=%q has no local tool handlers (have %s)", cfg.Agent, healthcare.Name)
	}
	c := &client{cfg: cfg, out: &console{w: stdout}, logger: logger}

	store, err := deps.openNotes(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("notes store: %w", err)
	}
	c.cleanup = append(c.cleanup, store.Close)

	// The sink and tool handlers are built before the session exists.
	var current atomic.Pointer[session.Session]
	sessionID := func() string {
		if s := current.Load(); s != nil {
			return s.SessionID()
		}
		return ""
	}

	logOpts := eventlog.Options{Logger: logger}
	sink, err := deps.connectSink(cfg, sessionID, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("event sink: %w", err)
	}
	if sink != nil {
		logOpts.Sink = sink
		c.cleanup = append(c.cleanup, sink.Close)
	}

	registry := tools.NewRegistry(tools.Options{Timeout: cfg.ToolTimeout, Logger: logger})
	handlers := &healthcare.Handlers{Store: store, SessionID: sessionID, Logger: logger}
	if err := registry.RegisterAgent(healthcare.Config(), handlers.Map()); err != nil {
		c.close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	sess, err := session.New(session.Deps{
		Bootstrap: bootstrap.New(cfg.GatewayURL,
			bootstrap.WithAPIKey(cfg.APIKey),
			bootstrap.WithAgent(cfg.Agent),
		),
		Dialer:     wsconn.Dialer{BaseURL: cfg.GatewayURL, ConnectTimeout: cfg.ConnectTimeout},
		Tools:      registry,
		Transcript: transcript.New(transcript.Options{}),
		Events:     eventlog.New(logOpts),
		Logger:     logger,
		OnStatus: func(status session.Status) {
			logger.Debug("session status", "status", status)
		},
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("session: %w", err)
	}
	current.Store(sess)
	c.sess = sess
	c.cleanup = append(c.cleanup, sess.Transcript().Subscribe(c.out.printChange))
	return c, nil
}

func (c *client) connect(ctx context.Context) {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.sess.Connect(connectCtx); err != nil {
		c.logger.Warn("connect failed", "error", err)
		c.out.printf("connect failed: %v (type /connect to retry)\n", err)
	}
}

// handleLine runs one line of input and reports whether the client should
// exit.
func (c *client) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/events":
		c.out.dumpEvents(c.sess.Events().Snapshot())
		return false
	case "/transcript":
		c.out.dumpTranscript(c.sess.Transcript().Snapshot())
		return false
	case "/disconnect":
		c.sess.Disconnect()
		return false
	case "/connect":
		if status := c.sess.Status(); status != session.StatusDisconnected {
			c.out.printf("already %s\n", strings.ToLower(string(status)))
			return false
		}
		c.connect(ctx)
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	switch err := c.sess.SendUserText(sendCtx, line); {
	case errors.Is(err, session.ErrNotConnected):
		c.out.printf("not connected (type /connect)\n")
	case err != nil:
		c.out.printf("send failed: %v\n", err)
	}
	return false
}

// readLines scans r until EOF or until ctx ends. A blocked read on r is not
// interrupted by ctx.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func runClient(ctx context.Context, stdin io.Reader, stdout io.Writer, logger *slog.Logger, deps clientDeps) error {
	if deps.loadConfig == nil || deps.openNotes == nil || deps.connectSink == nil {
		return errors.New("missing client dependency")
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
	c, err := buildClient(ctx, cfg, stdout, logger, deps)
	if err != nil {
		return err
	}
	defer c.close()

	c.out.printf("voicedesk: agent %s via %s (/connect /disconnect /events /transcript /quit)\n", cfg.Agent, bootstrap.RedactURL(cfg.GatewayURL))
	if cfg.AutoConnect {
		c.connect(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	lines := readLines(gctx, stdin)

	g.Go(func() error {
		defer stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok || c.handleLine(gctx, line) {
					return nil
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			stop()
		}
		return nil
	})
	err = g.Wait()

	c.sess.Disconnect()
	c.sess.Wait()
	return err
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelWarn
	}
	return level
}

func runMain(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, deps clientDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stdin == nil {
		stdin = os.Stdin
	}

	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "voicedesk: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(os.Getenv("VOICEDESK_LOG_LEVEL"))}))

	if err := runClient(ctx, stdin, stdout, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicedesk: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stdin, os.Stdout, os.Stderr, defaultClientDeps()))
}
