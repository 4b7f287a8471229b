// Package bootstrap obtains per-session transport credentials from the
// gateway's session endpoint.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/vai-voicedesk/pkg/core"
)

const sessionCreatePath = "/api/session/create"

// Credential is the result of one bootstrap exchange. It is consumed by a
// single connect attempt.
type Credential struct {
	SessionID    string    `json:"session_id"`
	EphemeralKey string    `json:"ephemeral_key"`
	Model        string    `json:"model,omitempty"`
	Modalities   []string  `json:"modalities,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// CreateRequest is the optional body sent to the session endpoint.
type CreateRequest struct {
	Agent string `json:"agent,omitempty"`
}

type Client struct {
	baseURL    string
	apiKey     string
	agent      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

func WithAgent(name string) Option {
	return func(c *Client) { c.agent = strings.TrimSpace(name) }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: newDefaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newDefaultHTTPClient sets transport-level timeouts; the request lifetime is
// controlled by the caller's context.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// CreateSession performs the bootstrap exchange. Non-2xx responses are
// returned as *core.Error; network failures as *TransportError.
func (c *Client) CreateSession(ctx context.Context) (Credential, error) {
	endpoint := c.baseURL + sessionCreatePath
	payload, err := json.Marshal(CreateRequest{Agent: c.agent})
	if err != nil {
		return Credential{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, &TransportError{Op: "POST", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, &TransportError{Op: "POST", URL: endpoint, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Credential{}, parseError(resp.StatusCode, body)
	}

	var cred Credential
	if err := json.Unmarshal(body, &cred); err != nil {
		return Credential{}, fmt.Errorf("decode response: %w", err)
	}
	cred.SessionID = strings.TrimSpace(cred.SessionID)
	cred.EphemeralKey = strings.TrimSpace(cred.EphemeralKey)
	if cred.SessionID == "" || cred.EphemeralKey == "" {
		return Credential{}, core.NewAPIError("session response missing session_id or ephemeral_key")
	}
	return cred, nil
}

type errorResponse struct {
	Error core.Error `json:"error"`
}

func parseError(status int, body []byte) error {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Type != "" {
		return &resp.Error
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = fmt.Sprintf("session create failed (%d)", status)
	}
	return core.NewAPIError(message)
}

// TransportError is a network-level failure talking to the gateway. Use
// errors.As to tell it apart from *core.Error.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, RedactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RedactURL strips user info and the key query parameter.
func RedactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	if q := parsed.Query(); q.Has("key") {
		q.Set("key", "REDACTED")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
