package metrics

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestSnapshotReflectsRecordedValues(t *testing.T) {
	m := New()
	m.RecordSpawn("claude", "pty")
	m.RecordSpawn("claude", "pty")
	m.RecordSpawn("codex", "headless")
	m.RecordDelivery("ack", 150*time.Millisecond)
	m.RecordRetry()
	m.SetActiveAgents(3)
	m.SetRelayDisabled(true)
	m.RecordReaped()

	snap := m.Snapshot()

	if got := snap[`broker_agent_spawns_total{cli=claude,runtime=pty}`]; got != 2 {
		t.Errorf("spawns claude/pty = %v, want 2", got)
	}
	if got := snap[`broker_agent_spawns_total{cli=codex,runtime=headless}`]; got != 1 {
		t.Errorf("spawns codex/headless = %v, want 1", got)
	}
	if got := snap[`broker_deliveries_total{outcome=ack}`]; got != 1 {
		t.Errorf("deliveries ack = %v, want 1", got)
	}
	if got := snap["broker_delivery_latency_seconds_count"]; got != 1 {
		t.Errorf("latency count = %v, want 1", got)
	}
	if got := snap["broker_delivery_retries_total"]; got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := snap["broker_agents_active"]; got != 3 {
		t.Errorf("active agents = %v, want 3", got)
	}
	if got := snap["broker_relay_disabled"]; got != 1 {
		t.Errorf("relay disabled = %v, want 1", got)
	}
	if got := snap["broker_agents_reaped_total"]; got != 1 {
		t.Errorf("reaped = %v, want 1", got)
	}
}

func TestHandlerServesPrometheusExposition(t *testing.T) {
	m := New()
	m.RecordRelease()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("expected non-empty exposition body")
	}
}
