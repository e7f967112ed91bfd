package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/broker/internal/delivery"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/registry"
	"github.com/relaycast/broker/internal/worker"
)

type fakeHandle struct {
	status worker.Status
	id     worker.Identity
}

func (f *fakeHandle) Identity() worker.Identity                   { return f.id }
func (f *fakeHandle) Status() worker.Status                       { return f.status }
func (f *fakeHandle) Inject(ctx context.Context, data []byte) error { return nil }
func (f *fakeHandle) Snapshot() []byte                             { return nil }
func (f *fakeHandle) Terminate(grace time.Duration) error          { return nil }
func (f *fakeHandle) Exited() (worker.ExitInfo, bool)              { return worker.ExitInfo{}, false }
func (f *fakeHandle) Done() <-chan struct{}                        { return nil }

func newTestHandler(t *testing.T) (*Handler, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	engine := delivery.New(reg, bus, delivery.DefaultConfig(), nil)
	h := NewHandler(Config{
		Registry: reg,
		Bus:      bus,
		Engine:   engine,
		Log:      zerolog.Nop(),
	})
	return h, reg
}

func TestHandleSendUnknownAgent(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"to":"ghost","text":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleSendEnqueuesDelivery(t *testing.T) {
	h, reg := newTestHandler(t)
	id := worker.Identity{Name: "W1", CLI: "claude"}
	if _, err := reg.Register(id, &fakeHandle{id: id, status: worker.StatusReady}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	body := `{"to":"W1","text":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", w.Code, w.Body.String())
	}
	var resp sendResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Targets) != 1 || resp.Targets[0] != "W1" || resp.EventID == "" {
		t.Errorf("got %+v", resp)
	}
}

func TestHandleSendMissingFields(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewBufferString(`{"to":"W1"}`))
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleInterruptReturns501(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/agents/by-name/W1/interrupt", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", w.Code)
	}
}

func TestLegacyDaemonEndpointReturns410(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/daemons/workspace/x/agents", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["code"] != "daemon_removed" {
		t.Errorf("code = %v, want daemon_removed", body["code"])
	}
	required, ok := body["requiredEndpoints"].([]any)
	if !ok || len(required) == 0 || required[0] != "/api/brokers/*" {
		t.Errorf("requiredEndpoints = %v", body["requiredEndpoints"])
	}
}

func TestHandleBrokerAgentsListsRegistered(t *testing.T) {
	h, reg := newTestHandler(t)
	id := worker.Identity{Name: "W1", CLI: "codex", Runtime: worker.RuntimePTY}
	if _, err := reg.Register(id, &fakeHandle{id: id, status: worker.StatusIdle}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/brokers/workspace/ws1/agents", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Agents []map[string]any `json:"agents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Agents) != 1 || body.Agents[0]["name"] != "W1" {
		t.Errorf("got %+v", body.Agents)
	}
}

func TestHandleHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleMetricsWithNilProvider(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]float64
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("expected empty metrics map, got %+v", body)
	}
}
