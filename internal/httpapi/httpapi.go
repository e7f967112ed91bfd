// Package httpapi implements the broker's local loopback HTTP+WS
// listen API: a subset of the orchestrator's operations for
// dashboards, plus a WebSocket mirror of the event bus.
//
// The Handler/Server split — a router-building Handler and a thin
// Server wrapping net.Listener + http.Server for lifecycle management —
// is grounded on zjrosen-perles/internal/orchestration/controlplane/api
// Handler/Server, generalized from workflow CRUD to agent fleet
// operations and narrowed to loopback-only.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/relaycast/broker/internal/brokererr"
	"github.com/relaycast/broker/internal/delivery"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/registry"
	"github.com/relaycast/broker/internal/relay"
)

// MetricsProvider mirrors internal/orchestrator.MetricsProvider so
// internal/metrics only needs one narrow interface across both
// transports.
type MetricsProvider interface {
	Snapshot() map[string]float64
}

// BrokerLister lets /api/brokers report sibling brokers running on the
// same host. With a nil BrokerLister, /api/brokers reports an empty
// list.
type BrokerLister interface {
	ListBrokers() []BrokerInfo
}

// BrokerInfo describes one broker process for discovery purposes.
type BrokerInfo struct {
	Name        string `json:"name"`
	WorkspaceID string `json:"workspace_id"`
	ListenAddr  string `json:"listen_addr"`
}

// SendPhaseTimeouts bounds each phase of POST /api/send so the handler
// always returns a deterministic status instead of collapsing into a
// gateway timeout.
type SendPhaseTimeouts struct {
	LocalDelivery time.Duration
	RelayEnqueue  time.Duration
	EventEmission time.Duration
}

func (t SendPhaseTimeouts) withDefaults() SendPhaseTimeouts {
	if t.LocalDelivery <= 0 {
		t.LocalDelivery = 5 * time.Second
	}
	if t.RelayEnqueue <= 0 {
		t.RelayEnqueue = 5 * time.Second
	}
	if t.EventEmission <= 0 {
		t.EventEmission = time.Second
	}
	return t
}

// Handler builds the mux.Router and implements every endpoint.
type Handler struct {
	reg      *registry.Registry
	bus      *eventbus.Bus
	engine   *delivery.Engine
	relayc   *relay.Client
	metrics  MetricsProvider
	brokers  BrokerLister
	timeouts SendPhaseTimeouts
	log      zerolog.Logger

	startedAt time.Time
}

// Config collects Handler dependencies. Relay, Metrics, and Brokers may
// be nil.
type Config struct {
	Registry *registry.Registry
	Bus      *eventbus.Bus
	Engine   *delivery.Engine
	Relay    *relay.Client
	Metrics  MetricsProvider
	Brokers  BrokerLister
	Timeouts SendPhaseTimeouts
	Log      zerolog.Logger
}

// NewHandler builds a Handler from cfg.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		reg:       cfg.Registry,
		bus:       cfg.Bus,
		engine:    cfg.Engine,
		relayc:    cfg.Relay,
		metrics:   cfg.Metrics,
		brokers:   cfg.Brokers,
		timeouts:  cfg.Timeouts.withDefaults(),
		log:       cfg.Log.With().Str("component", "httpapi").Logger(),
		startedAt: time.Now(),
	}
}

// Routes returns the fully wired router.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/send", h.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/api/agents/by-name/{name}/interrupt", h.handleInterrupt).Methods(http.MethodPost)
	r.HandleFunc("/api/brokers", h.handleListBrokers).Methods(http.MethodGet)
	r.HandleFunc("/api/brokers/workspace/{id}/agents", h.handleBrokerAgents).Methods(http.MethodGet)
	r.HandleFunc("/api/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics", h.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.handleWS)

	// Legacy daemon endpoints are permanently gone.
	r.PathPrefix("/api/daemons/").HandlerFunc(h.handleDaemonRemoved)

	return r
}

// --- /api/send ---------------------------------------------------------

type sendRequest struct {
	To   string          `json:"to"`
	Text string          `json:"text"`
	Data json.RawMessage `json:"data,omitempty"`
}

type sendResponse struct {
	EventID string   `json:"event_id"`
	Targets []string `json:"targets"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, brokererr.CodeMalformedRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.To == "" || req.Text == "" {
		h.writeError(w, http.StatusBadRequest, brokererr.CodeMalformedRequest, "to and text are required")
		return
	}

	if req.To == relay.CloudSink {
		h.handleSendToCloud(w, r, req)
		return
	}

	if _, ok := h.reg.Get(req.To); !ok {
		h.writeError(w, http.StatusNotFound, brokererr.CodeWorkerExited, "unknown agent: "+req.To)
		return
	}

	// Enqueue covers both the local-delivery phase (a non-blocking queue
	// send that fails fast with CodeQueueFull) and the event-emission
	// phase (its internal KindDeliveryQueued publish). Injection and
	// echo verification happen later, asynchronously, and are observed
	// via /ws or get_status rather than blocking this handler.
	del, err := h.runBounded(h.timeouts.LocalDelivery+h.timeouts.EventEmission, func() (*delivery.Delivery, error) {
		return h.engine.Enqueue(req.To, "", "dashboard", req.Text)
	})
	if err != nil {
		h.writeStructuredErr(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, sendResponse{EventID: del.EventID, Targets: []string{req.To}})
}

func (h *Handler) handleSendToCloud(w http.ResponseWriter, r *http.Request, req sendRequest) {
	if h.relayc == nil {
		h.writeError(w, http.StatusServiceUnavailable, brokererr.CodeConnectionLost, "relay not configured for __cloud__ sink")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeouts.RelayEnqueue)
	defer cancel()
	if err := h.relayc.SendOutbound(ctx, relay.OutboundMessage{To: req.To, From: "dashboard", Body: req.Text}); err != nil {
		h.writeStructuredErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, sendResponse{Targets: []string{req.To}})
}

// runBounded runs fn in its own goroutine and returns its result, but
// never blocks the caller past budget — on timeout it returns a
// brokererr.CodeTimeout error while fn keeps running in the background
// to completion (Enqueue has no partial-effect state to unwind).
func runBounded[T any](budget time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-time.After(budget):
		var zero T
		return zero, brokererr.New(brokererr.CodeTimeout, "operation exceeded its phase budget", nil)
	}
}

func (h *Handler) runBounded(budget time.Duration, fn func() (*delivery.Delivery, error)) (*delivery.Delivery, error) {
	return runBounded(budget, fn)
}

// --- /api/agents/by-name/{name}/interrupt ------------------------------

// handleInterrupt is deliberately unimplemented: interrupt could mean
// SIGINT to the child, a relay-level cancel, or both, and no single
// choice is clearly correct (see DESIGN.md).
func (h *Handler) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusNotImplemented, map[string]any{
		"success": false,
		"code":    "not_implemented",
		"message": "interrupt semantics are undecided: SIGINT to child, relay-level cancel, or both",
	})
}

// --- /api/brokers -------------------------------------------------------

func (h *Handler) handleListBrokers(w http.ResponseWriter, r *http.Request) {
	if h.brokers == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"brokers": []BrokerInfo{}})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"brokers": h.brokers.ListBrokers()})
}

func (h *Handler) handleBrokerAgents(w http.ResponseWriter, r *http.Request) {
	// A single broker process only knows its own agents; workspace id is
	// accepted for routing symmetry with multi-broker dashboards but not
	// otherwise validated against it.
	entries := h.reg.List()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"name":    e.Identity.Name,
			"cli":     e.Identity.CLI,
			"runtime": string(e.Identity.Runtime),
			"status":  string(e.Handle.Status()),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// --- /api/health, /api/metrics ------------------------------------------

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_s":   int(time.Since(h.startedAt).Seconds()),
		"agents":     len(h.reg.Names()),
		"started_at": h.startedAt,
	})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		h.writeJSON(w, http.StatusOK, map[string]float64{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// --- /ws -----------------------------------------------------------------

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"localhost:*", "127.0.0.1:*"}})
	if err != nil {
		h.log.Warn().Err(err).Msg("ws accept failed")
		return
	}
	defer conn.CloseNow()

	ch, unsub := h.bus.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case evt, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "bus closed")
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// --- legacy daemon endpoints ----------------------------------------------

func (h *Handler) handleDaemonRemoved(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGone)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":          false,
		"code":             "daemon_removed",
		"requiredEndpoints": []string{"/api/brokers/*"},
	})
}

// --- response helpers ------------------------------------------------------

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code brokererr.Code, message string) {
	h.writeJSON(w, status, map[string]any{"success": false, "code": code, "message": message})
}

func (h *Handler) writeStructuredErr(w http.ResponseWriter, err error) {
	be, ok := brokererr.As(err)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, brokererr.CodeMalformedRequest, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch be.Code {
	case brokererr.CodeQueueFull, brokererr.CodeDuplicateEvent:
		status = http.StatusConflict
	case brokererr.CodeWorkerExited, brokererr.CodeWorkerNotReady:
		status = http.StatusNotFound
	case brokererr.CodeRateLimited:
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":        false,
		"code":           be.Code,
		"message":        be.Message,
		"retryable":      be.Retryable,
		"retry_after_ms": be.RetryAfterMS,
	})
}

// Server wraps Handler with an http.Server bound to loopback, grounded
// on the same listen-first-for-actual-port pattern as
// zjrosen-perles/.../api.Server.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int
}

// NewServer binds addr (a loopback address such as the configured
// default 127.0.0.1:8787, or 127.0.0.1:0 for an OS-assigned port) and
// wires handler's routes onto it.
func NewServer(addr string, handler *Handler) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httpapi: listen on %s: %w", addr, err)
	}
	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}
	return &Server{
		handler:  handler,
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Serve blocks until the server stops or fails.
func (s *Server) Serve() error {
	err := s.server.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Port returns the actual bound port, useful when addr used port 0.
func (s *Server) Port() int {
	return s.port
}
