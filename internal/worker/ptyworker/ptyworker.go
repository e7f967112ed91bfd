//go:build !windows

// Package ptyworker implements the PTY-attached worker runtime: a
// child assistant bound to a pseudo-terminal so its interactive UI
// works unchanged while the broker observes output and injects input.
//
// The goroutine choreography (a reader goroutine pumping chunks into an
// owned buffer, a done channel closed exactly once, a grace-then-kill
// Terminate) is the PTY-specific generalization of
// dmora-agentrun/engine/cli/process.go's readLoop/cmdDone/done dance,
// widened from "one subprocess whose stdout is parsed line-by-line"
// to "one subprocess whose raw byte stream is scanned for markers".
package ptyworker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/relaycast/broker/internal/brokererr"
	"github.com/relaycast/broker/internal/worker"
)

// DefaultBufferSize is the rolling PTY buffer capacity: at most 16 KiB.
const DefaultBufferSize = 16 * 1024

// Options configures Spawn.
type Options struct {
	Identity worker.Identity
	Env      []string // full exec environment; nil = inherit os.Environ()

	StartupTimeout time.Duration // default 60s
	IdleAfter      time.Duration // default 2m

	BootMarker string // empty = no marker, rely solely on StartupTimeout

	OnEvent func(worker.Event)
}

// Worker is a live child assistant attached to a pseudo-terminal.
type Worker struct {
	identity worker.Identity
	onEvent  func(worker.Event)

	cmd  *exec.Cmd
	ptmx *os.File

	buf *worker.RingBuffer

	mu           sync.Mutex
	status       worker.Status
	spawnedAt    time.Time
	lastOutputAt time.Time
	exitInfo     worker.ExitInfo
	exited       bool

	idleAfter time.Duration
	idleTimer *time.Timer

	stopping atomic.Bool
	stopOnce sync.Once

	readerDone chan struct{}
	doneCh     chan struct{}
	doneOnce   sync.Once
}

var _ worker.Handle = (*Worker)(nil)

// Spawn starts the child assistant under a pseudo-terminal and begins
// scanning its output for the boot marker and idle transitions.
func Spawn(ctx context.Context, opts Options) (*Worker, error) {
	res := worker.ResolveCLI(opts.Identity.CLI)
	args := opts.Identity.Args
	if res.RewriteArgs != nil {
		args = res.RewriteArgs(args)
	}

	cmd := exec.CommandContext(ctx, res.Binary, args...)
	cmd.Dir = opts.Identity.CWD
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	if cmd.Dir != "" {
		if info, err := os.Stat(cmd.Dir); err != nil || !info.IsDir() {
			return nil, brokererr.New(brokererr.CodeBadCWD, fmt.Sprintf("cwd %q is not a directory", cmd.Dir), err)
		}
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, brokererr.New(brokererr.CodeBinaryNotFound, fmt.Sprintf("binary %q not found", res.Binary), err)
		}
		return nil, brokererr.New(brokererr.CodeBadCWD, fmt.Sprintf("spawn %q failed", res.Binary), err)
	}

	idleAfter := opts.IdleAfter
	if idleAfter <= 0 {
		idleAfter = 2 * time.Minute
	}
	startupTimeout := opts.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = 60 * time.Second
	}

	w := &Worker{
		identity:   opts.Identity,
		onEvent:    opts.OnEvent,
		cmd:        cmd,
		ptmx:       ptmx,
		buf:        worker.NewRingBuffer(DefaultBufferSize),
		status:     worker.StatusStarting,
		spawnedAt:  time.Now(),
		idleAfter:  idleAfter,
		readerDone: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	w.identity.PID = cmd.Process.Pid

	go w.readLoop()
	go w.watchReady(opts.BootMarker, startupTimeout)
	go w.watchExit()

	return w, nil
}

func (w *Worker) emit(evt worker.Event) {
	evt.At = time.Now()
	if w.onEvent != nil {
		w.onEvent(evt)
	}
}

func (w *Worker) setStatus(s worker.Status) {
	w.mu.Lock()
	changed := w.status != s
	w.status = s
	w.mu.Unlock()
	if changed {
		w.emit(worker.Event{Name: "status_changed", Status: s})
	}
}

// Identity returns the worker's identity tuple, with PID populated.
func (w *Worker) Identity() worker.Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

// Status returns the current lifecycle state.
func (w *Worker) Status() worker.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Snapshot returns a copy of the rolling 16 KiB PTY buffer.
func (w *Worker) Snapshot() []byte {
	return w.buf.Snapshot()
}

// Inject writes data to the PTY, the only input path an interactive
// assistant accepts.
func (w *Worker) Inject(ctx context.Context, data []byte) error {
	if w.stopping.Load() {
		return brokererr.New(brokererr.CodeWorkerExited, "worker is exiting", nil)
	}
	_, err := w.ptmx.Write(data)
	if err != nil {
		return brokererr.New(brokererr.CodeWorkerExited, "pty write failed", err)
	}
	return nil
}

// Terminate sends SIGTERM, waiting up to grace before escalating to
// SIGKILL. Mirrors dmora-agentrun/engine/cli/process.go's Stop().
func (w *Worker) Terminate(grace time.Duration) error {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		w.setStatus(worker.StatusExiting)
		_ = signalProcess(w.cmd.Process, syscall.SIGTERM)
		select {
		case <-w.readerDone:
		case <-time.After(grace):
			_ = signalProcess(w.cmd.Process, os.Kill)
			<-w.readerDone
		}
	})
	<-w.doneCh
	return nil
}

// Exited reports whether the child has exited.
func (w *Worker) Exited() (worker.ExitInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitInfo, w.exited
}

// Done is closed once the worker reaches StatusExited.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

// readLoop pumps ptmx output into the rolling buffer and the event bus
// until the PTY reports EOF (child gone or ptmx closed).
func (w *Worker) readLoop() {
	defer close(w.readerDone)
	chunk := make([]byte, 4096)
	for {
		n, err := w.ptmx.Read(chunk)
		if n > 0 {
			data := append([]byte(nil), chunk[:n]...)
			w.buf.Write(data)
			w.recordOutput()
			w.emit(worker.Event{Name: "worker_stream", Stream: "stdout", Chunk: data})
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) recordOutput() {
	w.mu.Lock()
	prev := w.status
	w.lastOutputAt = time.Now()
	w.mu.Unlock()

	if prev == worker.StatusIdle {
		w.setStatus(worker.StatusReady)
	}
	w.resetIdleTimer()
}

func (w *Worker) resetIdleTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.idleTimer = time.AfterFunc(w.idleAfter, func() {
		w.mu.Lock()
		notReady := w.status != worker.StatusReady
		w.mu.Unlock()
		if notReady {
			return
		}
		w.setStatus(worker.StatusIdle)
		w.emit(worker.Event{Name: "agent_idle"})
	})
}

// watchReady scans the accumulated startup window for the boot marker,
// emitting worker_ready on first match or on startup-timeout fallback.
// Scanning the cumulative window (not just the latest chunk) is what
// lets a marker straddle chunk boundaries.
func (w *Worker) watchReady(marker string, timeout time.Duration) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.readerDone:
			return
		case <-deadline:
			w.markReady()
			return
		case <-ticker.C:
			if marker == "" {
				continue
			}
			if bytes.Contains(w.buf.Snapshot(), []byte(marker)) {
				w.markReady()
				return
			}
		}
	}
}

func (w *Worker) markReady() {
	w.mu.Lock()
	already := w.status != worker.StatusStarting
	w.mu.Unlock()
	if already {
		return
	}
	w.setStatus(worker.StatusReady)
	w.resetIdleTimer()
	w.emit(worker.Event{Name: "worker_ready"})
}

// watchExit detects process exit when the readLoop ends (the PTY reports
// EOF or a read error), then waits for the child. It does not probe the
// PID itself, so a PTY that never reports EOF leaves the exit unseen.
func (w *Worker) watchExit() {
	<-w.readerDone

	waitErr := w.cmd.Wait()
	_ = w.ptmx.Close()

	info := worker.ExitInfo{}
	if w.cmd.ProcessState != nil {
		info.Code = w.cmd.ProcessState.ExitCode()
		if ws, ok := w.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signal = ws.Signal().String()
		}
	}
	_ = waitErr

	w.mu.Lock()
	w.exitInfo = info
	w.exited = true
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.status = worker.StatusExited
	w.mu.Unlock()

	w.emit(worker.Event{Name: "agent_exited", Status: worker.StatusExited, Exit: &info})
	w.doneOnce.Do(func() { close(w.doneCh) })
}

// ProcessAlive performs the POSIX kill(pid, 0) liveness probe. Neither
// watchExit nor the lifecycle reaper calls it.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
