package frame

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/relaycast/broker/internal/brokererr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, &buf, 0)

	want := &Envelope{Type: KindRequest, ID: "r1", Method: "list_agents"}
	if err := c.Encode(want); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := c.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != want.ID || got.Method != want.Method || got.V != ProtocolVersion {
		t.Errorf("got %+v, want id=%s method=%s v=%d", got, want.ID, want.Method, ProtocolVersion)
	}
}

func TestDecodeEOF(t *testing.T) {
	c := New(strings.NewReader(""), io.Discard, 0)
	if _, err := c.Decode(); err != io.EOF {
		t.Errorf("Decode on empty reader = %v, want io.EOF", err)
	}
}

func TestDecodeSkipsBlankLines(t *testing.T) {
	c := New(strings.NewReader("\n\n{\"v\":1,\"type\":\"request\",\"method\":\"get_status\"}\n"), io.Discard, 0)
	env, err := c.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Method != "get_status" {
		t.Errorf("Method = %q, want get_status", env.Method)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	c := New(strings.NewReader("not json\n"), io.Discard, 0)
	_, err := c.Decode()
	be, ok := brokererr.As(err)
	if !ok {
		t.Fatalf("err = %v, want *brokererr.Error", err)
	}
	if be.Code != brokererr.CodeMalformedRequest {
		t.Errorf("Code = %s, want %s", be.Code, brokererr.CodeMalformedRequest)
	}
}

func TestDecodeOversizeLine(t *testing.T) {
	huge := strings.Repeat("a", 128) + "\n"
	c := New(strings.NewReader(huge), io.Discard, 32)
	_, err := c.Decode()
	be, ok := brokererr.As(err)
	if !ok {
		t.Fatalf("err = %v, want *brokererr.Error", err)
	}
	if be.Code != brokererr.CodeMalformedRequest {
		t.Errorf("Code = %s, want %s", be.Code, brokererr.CodeMalformedRequest)
	}
}

func TestEncodeOversizeRejectedNotTruncated(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, &buf, 16)
	env := &Envelope{Type: KindEvent, Kind: "worker_stream", Payload: json.RawMessage(`{"chunk":"` + strings.Repeat("x", 64) + `"}`)}
	err := c.Encode(env)
	be, ok := brokererr.As(err)
	if !ok {
		t.Fatalf("err = %v, want *brokererr.Error", err)
	}
	if be.Code != brokererr.CodeMalformedRequest {
		t.Errorf("Code = %s, want %s", be.Code, brokererr.CodeMalformedRequest)
	}
	if buf.Len() != 0 {
		t.Errorf("buf should be empty (no truncated write), got %q", buf.String())
	}
}

func TestEncodeConcurrentSafe(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, &buf, 0)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(n int) {
			_ = c.Encode(&Envelope{Type: KindEvent, Kind: "agent_idle", ID: string(rune('a' + n))})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 10 {
		t.Fatalf("got %d lines, want 10", len(lines))
	}
	for _, l := range lines {
		var env Envelope
		if err := json.Unmarshal([]byte(l), &env); err != nil {
			t.Errorf("line %q not valid JSON: %v", l, err)
		}
	}
}
