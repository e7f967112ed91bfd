// Package relay bridges the local worker fleet to the cloud relay: a
// persistent WebSocket for event ingress/egress plus a small REST
// control plane for registration and token rotation.
//
// The reconnect-with-backoff outer loop is grounded on
// other_examples' devopsclaw/pkg/relay.Agent.Run/connectAndServe
// shape: an outer loop that reconnects on any connectAndServe error,
// generalized from a fixed reconnect interval to exponential backoff
// via github.com/cenkalti/backoff/v5.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaycast/broker/internal/brokererr"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/registry"
)

// CloudSink is the reserved send_message target (`to`) that routes a message
// through the dedicated cloud delivery path instead of a PTY worker —
// Slack and other integration replies are injected this way.
const CloudSink = "__cloud__"

// Config configures a Client.
type Config struct {
	// WebSocketURL is the relay's persistent event stream endpoint.
	WebSocketURL string
	// BaseURL is the relay's REST control plane base (registration,
	// rotate-token).
	BaseURL string
	// BrokerName is the broker's canonical name — the project
	// directory basename.
	BrokerName string
	// TokenCachePath is the JSON file persisting name -> token across
	// restarts.
	TokenCachePath string
	// HTTPClient is used for REST calls; defaults to http.DefaultClient.
	HTTPClient *http.Client
	// ReconnectBaseDelay seeds the reconnect exponential backoff.
	ReconnectBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	return c
}

// InboundHandler is invoked for each normalized event the relay
// delivers. In production it is the closure built in cmd/broker's
// buildComponents; tests supply a stub.
type InboundHandler func(NormalizedEvent)

// MetricsRecorder is the narrow surface the relay client uses to
// report connection activity; satisfied by *metrics.Metrics. A nil
// recorder is a valid no-op.
type MetricsRecorder interface {
	RecordRelayReconnect()
	SetRelayDisabled(disabled bool)
}

// Client is the broker's relay bridge. One Client serves the whole
// broker process.
type Client struct {
	cfg     Config
	reg     *registry.Registry
	bus     *eventbus.Bus
	metrics MetricsRecorder
	log     zerolog.Logger

	tokens *tokenCache

	mu      sync.Mutex
	conn    *websocket.Conn
	handler InboundHandler

	disabled atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Client. reg is consulted for local-worker routing
// decisions; bus receives relay_inbound events for every normalized
// message. metrics may be nil.
func New(cfg Config, reg *registry.Registry, bus *eventbus.Bus, metrics MetricsRecorder, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		reg:     reg,
		bus:     bus,
		metrics: metrics,
		log:     log.With().Str("component", "relay").Logger(),
		tokens:  newTokenCache(cfg.TokenCachePath),
		stopCh:  make(chan struct{}),
	}
}

// Disabled reports whether a fatal relay error has permanently
// disabled the relay path — local delivery and the HTTP API stay
// alive regardless.
func (c *Client) Disabled() bool { return c.disabled.Load() }

// OnInbound registers the callback invoked for every normalized
// inbound event.
func (c *Client) OnInbound(h InboundHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Stop ends the reconnect loop and closes any live connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "broker shutting down")
	}
}

// Run is the reconnect-with-backoff outer loop. It blocks until ctx is
// cancelled, Stop is called, or a fatal relay error disables the
// client permanently.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBaseDelay
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		err := c.connectAndServe(ctx)
		if err == nil {
			continue // connection closed cleanly (e.g. by Stop); loop checks stopCh above
		}

		if fatal, ok := brokererr.As(err); ok && fatal.Code == brokererr.CodeFatalProtocol {
			c.disabled.Store(true)
			if c.metrics != nil {
				c.metrics.SetRelayDisabled(true)
			}
			c.log.Error().Err(err).Msg("relay path permanently disabled")
			return err
		}

		delay, boErr := bo.NextBackOff()
		if boErr != nil {
			delay = c.cfg.ReconnectBaseDelay
		}
		if c.metrics != nil {
			c.metrics.RecordRelayReconnect()
		}
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("relay connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	token, err := c.ensureRegistered(ctx)
	if err != nil {
		return fmt.Errorf("relay: register: %w", err)
	}

	conn, resp, err := websocket.Dial(ctx, c.cfg.WebSocketURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return brokererr.New(brokererr.CodeFatalProtocol, "relay rejected broker credentials", err)
		}
		return brokererr.NewRetryable(brokererr.CodeConnectionLost, "dial relay websocket", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return brokererr.NewRetryable(brokererr.CodeConnectionLost, "read relay websocket", err)
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	evt, err := normalize(data, c.cfg.BrokerName, c.reg)
	if err != nil {
		c.log.Warn().Err(err).Str("raw", truncate(data, 256)).Msg("could not normalize relay event")
		return
	}
	if evt.Suppressed {
		return
	}
	if evt.UnresolvedParticipants > 0 {
		c.log.Warn().Int("count", evt.UnresolvedParticipants).Str("raw", truncate(data, 512)).
			Msg("relay event had unresolved participant entries")
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Kind:   eventbus.KindRelayInbound,
			Name:   evt.To,
			Reason: evt.Kind,
			Extra: map[string]any{
				"from":           evt.From,
				"body":           evt.Body,
				"display_target": evt.DisplayTarget,
			},
		})
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// SendOutbound writes msg to the relay, choosing the broker identity
// unless msg.WorkerToken is set: workers that need their own identity
// send through a per-worker token held by the worker, not the broker.
func (c *Client) SendOutbound(ctx context.Context, msg OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return brokererr.NewRetryable(brokererr.CodeConnectionLost, "relay not connected", nil)
	}

	token := msg.WorkerToken
	identity := c.cfg.BrokerName
	if token == "" {
		var err error
		token, err = c.tokens.get(c.cfg.BrokerName)
		if err != nil {
			return err
		}
	} else {
		identity = msg.From
	}

	payload := map[string]any{
		"from":           identity,
		"to":             msg.To,
		"body":           msg.Body,
		"display_target": msg.DisplayTarget,
		"token":          token,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// OutboundMessage is one message the broker sends to the relay.
type OutboundMessage struct {
	To            string
	From          string // used only when WorkerToken is set
	Body          string
	DisplayTarget string
	WorkerToken   string
}

// --- Registration & token cache -------------------------------------------

// ensureRegistered returns a usable token for the broker's own
// identity, registering or rotating as needed.
func (c *Client) ensureRegistered(ctx context.Context) (string, error) {
	if tok, err := c.tokens.get(c.cfg.BrokerName); err == nil && tok != "" {
		return tok, nil
	}
	return c.registerName(ctx, c.cfg.BrokerName, "")
}

// EnsureWorkerToken pre-registers a worker under its normalized CLI
// hint before its first outbound message.
func (c *Client) EnsureWorkerToken(ctx context.Context, name, cliHint string) (string, error) {
	if tok, err := c.tokens.get(name); err == nil && tok != "" {
		return tok, nil
	}
	tok, err := c.registerName(ctx, name, cliHint)
	if err != nil {
		// post() already attaches a single structured Code (rate_limited,
		// connection_lost, ...); re-wrapping here would duplicate that
		// wording in the message instead of surfacing it once.
		if be, ok := brokererr.As(err); ok {
			return "", be
		}
		return "", brokererr.New(brokererr.CodeNameConflict, "pre-registration failed for "+name, err)
	}
	return tok, nil
}

func (c *Client) registerName(ctx context.Context, name, cliHint string) (string, error) {
	body := map[string]string{"name": name}
	if cliHint != "" {
		body["cli"] = cliHint
	}
	status, respBody, err := c.post(ctx, "/register", body)
	if err != nil {
		return "", err
	}
	if status == http.StatusConflict {
		return c.rotateToken(ctx, name)
	}
	tok, err := extractToken(respBody)
	if err != nil {
		return "", err
	}
	c.tokens.set(name, tok)
	return tok, nil
}

func (c *Client) rotateToken(ctx context.Context, name string) (string, error) {
	_, respBody, err := c.post(ctx, "/rotate-token", map[string]string{"name": name})
	if err != nil {
		return "", brokererr.New(brokererr.CodeTokenRotateFailed, "rotate-token failed for "+name, err)
	}
	tok, err := extractToken(respBody)
	if err != nil {
		return "", brokererr.New(brokererr.CodeTokenRotateFailed, "rotate-token response malformed for "+name, err)
	}
	c.tokens.set(name, tok)
	return tok, nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, brokererr.NewRetryable(brokererr.CodeConnectionLost, "relay REST call failed", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, buf.Bytes(), brokererr.NewRateLimited("relay rate limit", retryAfterMS(resp), nil)
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, buf.Bytes(), brokererr.NewRetryable(brokererr.CodeConnectionLost, fmt.Sprintf("relay returned %d", resp.StatusCode), nil)
	}
	return resp.StatusCode, buf.Bytes(), nil
}

func retryAfterMS(resp *http.Response) int64 {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := time.ParseDuration(v + "s"); err == nil {
			return secs.Milliseconds()
		}
	}
	return 1000
}

func extractToken(body []byte) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		return "", fmt.Errorf("relay: malformed registration response: %s", string(body))
	}
	return out.Token, nil
}

// tokenCache persists name -> token across restarts as a flat JSON
// file.
type tokenCache struct {
	path string
	mu   sync.Mutex
	data map[string]string
}

func newTokenCache(path string) *tokenCache {
	tc := &tokenCache{path: path, data: make(map[string]string)}
	tc.load()
	return tc
}

func (tc *tokenCache) load() {
	if tc.path == "" {
		return
	}
	raw, err := os.ReadFile(tc.path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, &tc.data)
}

func (tc *tokenCache) get(name string) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tok, ok := tc.data[name]
	if !ok {
		return "", fmt.Errorf("relay: no cached token for %s", name)
	}
	return tok, nil
}

func (tc *tokenCache) set(name, token string) {
	tc.mu.Lock()
	tc.data[name] = token
	tc.mu.Unlock()
	tc.persist()
}

func (tc *tokenCache) persist() {
	if tc.path == "" {
		return
	}
	tc.mu.Lock()
	raw, err := json.MarshalIndent(tc.data, "", "  ")
	tc.mu.Unlock()
	if err != nil {
		return
	}
	_ = os.WriteFile(tc.path, raw, 0o600)
}

// NewNonce returns a fresh identifier for relay requests that need one
// (registration idempotency keys, etc).
func NewNonce() string { return uuid.NewString() }
