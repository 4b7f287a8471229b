// Package wsconn is the websocket transport between a client session and the
// gateway's realtime endpoint.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicedesk/pkg/realtime/bootstrap"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/session"
)

const (
	DefaultPath           = "/v1/realtime"
	defaultConnectTimeout = 10 * time.Second
	defaultReadLimit      = 1 << 20
	defaultBuffer         = 64
	closeWriteTimeout     = 2 * time.Second
)

type Dialer struct {
	BaseURL        string
	Path           string
	ConnectTimeout time.Duration
	ReadLimit      int64
	Buffer         int
	Header         http.Header

	// WS overrides websocket.DefaultDialer.
	WS *websocket.Dialer
}

// Endpoint converts the configured base URL into the websocket URL.
func (d Dialer) Endpoint() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(d.BaseURL), "/")
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	u, err := url.Parse(base + path)
	if err != nil {
		return "", fmt.Errorf("invalid gateway base URL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", fmt.Errorf("gateway base URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}

// Dial opens the realtime websocket authenticated with the credential's
// ephemeral key. ctx bounds the handshake only.
func (d Dialer) Dial(ctx context.Context, cred bootstrap.Credential) (session.Conn, error) {
	wsURL, err := d.Endpoint()
	if err != nil {
		return nil, err
	}
	headers := make(http.Header)
	for k, v := range d.Header {
		headers[k] = append([]string(nil), v...)
	}
	headers.Set("Authorization", "Bearer "+cred.EphemeralKey)

	dialer := d.WS
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &bootstrap.TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &bootstrap.TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	buffer := d.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return newConn(ws, limit, buffer), nil
}

// Conn delivers text frames in arrival order. The read loop applies
// backpressure instead of dropping frames when the consumer falls behind.
type Conn struct {
	ws *websocket.Conn

	msgs    chan []byte
	done    chan struct{}
	closing chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

func newConn(ws *websocket.Conn, readLimit int64, buffer int) *Conn {
	ws.SetReadLimit(readLimit)
	c := &Conn{
		ws:      ws,
		msgs:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) Messages() <-chan []byte { return c.msgs }

func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("websocket connection is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame, closes the socket and waits for the read
// loop to exit. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWriteTimeout))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal read error once the read loop has exited. Normal
// closes and local Close report nil.
func (c *Conn) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.msgs)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case c.msgs <- data:
		case <-c.closing:
			return
		}
	}
}
