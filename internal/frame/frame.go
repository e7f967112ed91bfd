// Package frame implements the broker's line-framed JSON envelope codec
// used on the stdio orchestrator transport and, in spirit, the HTTP
// request/response bodies of internal/httpapi.
//
// Framing is newline-delimited JSON: one [Envelope] per line. A size
// bound rejects an oversize frame with malformed_request instead of
// truncating it: Decode bounds its scanner buffer, the same way
// dmora-agentrun/engine/cli/process.go bounds its stdout scanner via
// opts.ScannerBuffer, and Encode checks the marshalled length before
// writing.
package frame

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/relaycast/broker/internal/brokererr"
)

// Kind identifies an Envelope's role in the protocol.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// ProtocolVersion is the current stdio protocol version advertised in
// every Envelope's V field.
const ProtocolVersion = 1

// DefaultMaxFrameSize bounds a single line before Decode refuses it with
// brokererr.CodeMalformedRequest. 1 MiB comfortably covers any legitimate
// spawn_agent/send_message payload while still catching runaway input.
const DefaultMaxFrameSize = 1 << 20

// Envelope is one line of the stdio orchestrator protocol.
type Envelope struct {
	V       int             `json:"v"`
	Type    Kind            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError mirrors brokererr.Error for wire transmission.
type EnvelopeError struct {
	Code         brokererr.Code `json:"code"`
	Message      string         `json:"message"`
	Retryable    bool           `json:"retryable,omitempty"`
	RetryAfterMS int64          `json:"retry_after_ms,omitempty"`
}

// Codec reads and writes Envelopes over a shared stream, serializing
// writes behind a mutex so concurrent responders (orchestrator dispatch
// goroutines, event bus subscriber) never interleave partial lines.
type Codec struct {
	scanner *bufio.Scanner
	w       io.Writer
	wmu     sync.Mutex
	maxSize int
}

// New builds a Codec bounded by maxSize bytes per line. maxSize <= 0
// selects DefaultMaxFrameSize.
func New(r io.Reader, w io.Writer, maxSize int) *Codec {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	s := bufio.NewScanner(r)
	initCap := min(4096, maxSize)
	s.Buffer(make([]byte, 0, initCap), maxSize)
	return &Codec{scanner: s, w: w, maxSize: maxSize}
}

// Decode reads the next Envelope. It returns io.EOF when the underlying
// reader is exhausted, and a *brokererr.Error with CodeMalformedRequest
// when a line exceeds maxSize or fails to parse as JSON.
func (c *Codec) Decode() (*Envelope, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			if isTooLong(err) {
				return nil, brokererr.New(brokererr.CodeMalformedRequest, "frame exceeds max size", err)
			}
			return nil, err
		}
		return nil, io.EOF
	}
	line := c.scanner.Bytes()
	if len(line) == 0 {
		return c.Decode()
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, brokererr.New(brokererr.CodeMalformedRequest, fmt.Sprintf("invalid envelope: %v", err), err)
	}
	return &env, nil
}

// Encode writes env as a single JSON line. Safe for concurrent use.
func (c *Codec) Encode(env *Envelope) error {
	if env.V == 0 {
		env.V = ProtocolVersion
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("frame: marshal envelope: %w", err)
	}
	if len(data) > c.maxSize {
		return brokererr.New(brokererr.CodeMalformedRequest, "outbound frame exceeds max size", nil)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("frame: write: %w", err)
	}
	return nil
}

// isTooLong reports whether err is bufio.ErrTooLong, which
// bufio.Scanner.Err returns unwrapped.
func isTooLong(err error) bool {
	return err == bufio.ErrTooLong
}
