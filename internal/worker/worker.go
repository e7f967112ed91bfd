// Package worker defines the types shared by the PTY and headless
// worker implementations (internal/worker/ptyworker,
// internal/worker/headless) and consumed by internal/registry and
// internal/delivery. It mirrors the capability-interface split in
// dmora-agentrun/engine/cli/interfaces.go, generalized from one CLI
// backend abstraction to the broker's two worker runtimes.
package worker

import (
	"context"
	"time"
)

// Runtime identifies how a worker's child process is attached.
type Runtime string

const (
	RuntimePTY      Runtime = "pty"
	RuntimeHeadless Runtime = "headless"
)

// Status is the worker lifecycle state machine.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusIdle     Status = "idle"
	StatusExiting  Status = "exiting"
	StatusExited   Status = "exited"
)

// Identity is the tuple of fields that names and describes one worker.
type Identity struct {
	Name     string            `json:"name"`
	Runtime  Runtime           `json:"runtime"`
	Channels []string          `json:"channels,omitempty"`
	Parent   string            `json:"parent,omitempty"`
	CLI      string            `json:"cli"`
	PID      int               `json:"pid,omitempty"`
	CWD      string            `json:"cwd"`
	Model    string            `json:"model,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"-"`
}

// ExitInfo records a worker's terminal process state.
type ExitInfo struct {
	Code   int
	Signal string
}

// Handle is the narrow surface the delivery engine, event bus, and HTTP
// transport hold onto — they never touch the concrete ptyworker/headless
// struct directly. Only the registry owns the full worker; everyone
// else holds this handle plus the worker's name as an index.
type Handle interface {
	Identity() Identity
	Status() Status
	// Inject writes raw bytes to the worker's input stream (PTY stdin).
	// Headless workers reject it; their one task is given at spawn.
	Inject(ctx context.Context, data []byte) error
	// Snapshot returns a copy of the rolling output buffer used for echo
	// verification and boot-marker detection. Callers must never retain
	// a reference into worker-owned memory — this always copies.
	Snapshot() []byte
	// Terminate requests graceful shutdown, escalating to a kill signal
	// if the child has not exited within grace.
	Terminate(grace time.Duration) error
	// Exited reports whether the child has exited, and its exit info.
	Exited() (ExitInfo, bool)
	// Done is closed when the worker transitions to StatusExited.
	Done() <-chan struct{}
}

// Event is emitted by a worker implementation (ptyworker, headless)
// through the callback supplied at spawn time. The orchestrator
// Dispatcher (publishWorkerEvent) re-publishes these onto the event bus
// with the worker's name attached, keeping
// ptyworker/headless free of any dependency on internal/eventbus —
// workers never hold a bus reference of their own.
type Event struct {
	Name   string // event kind, e.g. "worker_ready", "worker_stream", "agent_idle"
	Stream string // "stdout" | "stderr", set only for worker_stream
	Chunk  []byte // set only for worker_stream
	Status Status
	Exit   *ExitInfo
	Reason string
	At     time.Time
}

// CLIResolution is the result of resolving a logical CLI name (e.g.
// "cursor") to the actual binary and argv-building convention to use.
// Aliases such as cursor are rewritten to an equivalent invocation
// under --force before exec.
type CLIResolution struct {
	Binary string
	// RewriteArgs, if non-nil, post-processes the base argv for CLIs
	// whose alias requires always-on flags (cursor --force) or quoting
	// rules (a TOML-valued flag that must be a quoted string).
	RewriteArgs func(args []string) []string
}
