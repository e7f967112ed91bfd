package relay

import (
	"testing"

	"github.com/relaycast/broker/internal/registry"
	"github.com/relaycast/broker/internal/worker"
)

func TestNormalizeWalksCandidatePaths(t *testing.T) {
	reg := registry.New()
	raw := []byte(`{"type":"relay_inbound","payload":{"from":"alice","body":"hi"},"to":"W1"}`)
	evt, err := normalize(raw, "broker-name", reg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if evt.From != "alice" || evt.Body != "hi" || evt.To != "W1" {
		t.Errorf("got %+v", evt)
	}
}

func TestNormalizeTopLevelFallback(t *testing.T) {
	reg := registry.New()
	raw := []byte(`{"from":"bob","body":"hello","to":"W2"}`)
	evt, err := normalize(raw, "broker-name", reg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if evt.From != "bob" || evt.Body != "hello" {
		t.Errorf("got %+v", evt)
	}
}

func TestNormalizeSuppressesSelfEcho(t *testing.T) {
	reg := registry.New()
	raw := []byte(`{"from":"broker-name","to":"nobody","body":"echo"}`)
	evt, err := normalize(raw, "broker-name", reg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !evt.Suppressed {
		t.Error("expected self-echo to unknown target to be suppressed")
	}
}

func TestNormalizeDoesNotSuppressSelfEchoToLocalWorker(t *testing.T) {
	reg := registry.New()
	id := worker.Identity{Name: "W1", CLI: "claude"}
	if _, err := reg.Register(id, nil); err != nil { // nil Handle is fine: normalize only checks existence
		t.Fatalf("Register: %v", err)
	}

	raw := []byte(`{"from":"broker-name","to":"W1","body":"echo"}`)
	evt, err := normalize(raw, "broker-name", reg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if evt.Suppressed {
		t.Error("self-echo targeting a local worker should not be suppressed")
	}
}

func TestNormalizeThreadReplyOverridesDisplayTarget(t *testing.T) {
	reg := registry.New()
	raw := []byte(`{"type":"thread.reply","to":"thread","channel":"C123","body":"reply"}`)
	evt, err := normalize(raw, "broker-name", reg)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if evt.DisplayTarget != "C123" {
		t.Errorf("DisplayTarget = %q, want C123", evt.DisplayTarget)
	}
}

func TestParseParticipantsMixedForms(t *testing.T) {
	parts, unresolved := parseParticipants([]any{
		"alice",
		map[string]any{"agent_name": "bob", "agent_id": "b-1"},
		map[string]any{},
		42,
	})
	if len(parts) != 2 {
		t.Fatalf("parts = %+v, want 2 resolved", parts)
	}
	if unresolved != 2 {
		t.Errorf("unresolved = %d, want 2", unresolved)
	}
}
