//go:build !windows

// Package headless implements the one-shot non-interactive worker
// runtime: a child assistant spawned with plain pipes, accepting
// exactly one task baked in at spawn time and streaming output until
// it exits.
//
// This mirrors the "Resumer without Streamer" spawn-per-turn code path
// in dmora-agentrun/engine/cli/process.go: no persistent stdin stream,
// one task per process lifetime, completion signaled by process exit
// rather than echo verification.
package headless

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relaycast/broker/internal/brokererr"
	"github.com/relaycast/broker/internal/worker"
)

// Options configures Spawn.
type Options struct {
	Identity worker.Identity
	Task     string
	Env      []string

	ScannerBufferSize int // default 1 MiB

	OnEvent func(worker.Event)
}

// Worker is a one-shot child assistant run to completion.
type Worker struct {
	identity worker.Identity
	onEvent  func(worker.Event)

	cmd *exec.Cmd

	buf *worker.RingBuffer

	mu       sync.Mutex
	status   worker.Status
	exitInfo worker.ExitInfo
	exited   bool

	stopping atomic.Bool
	stopOnce sync.Once

	readerDone chan struct{}
	doneCh     chan struct{}
	doneOnce   sync.Once
}

var _ worker.Handle = (*Worker)(nil)

// Spawn starts the assistant in one-shot mode with task as its single
// input, already baked into argv via the per-CLI command shape (see
// internal/worker.BuildHeadlessArgs).
func Spawn(ctx context.Context, opts Options) (*Worker, error) {
	res := worker.ResolveCLI(opts.Identity.CLI)
	args := worker.BuildHeadlessArgs(opts.Identity.CLI, opts.Task, opts.Identity.Model)
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

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, brokererr.New(brokererr.CodeBadCWD, "stdout pipe", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		if os.IsNotExist(err) {
			return nil, brokererr.New(brokererr.CodeBinaryNotFound, fmt.Sprintf("binary %q not found", res.Binary), err)
		}
		return nil, brokererr.New(brokererr.CodeBadCWD, fmt.Sprintf("spawn %q failed", res.Binary), err)
	}

	bufSize := opts.ScannerBufferSize
	if bufSize <= 0 {
		bufSize = 1 << 20
	}

	w := &Worker{
		identity:   opts.Identity,
		onEvent:    opts.OnEvent,
		cmd:        cmd,
		buf:        worker.NewRingBuffer(16 * 1024),
		status:     worker.StatusBusy, // headless workers are always mid-turn
		readerDone: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	w.identity.PID = cmd.Process.Pid

	go w.readLoop(stdout, bufSize)
	go w.watchExit()

	w.emit(worker.Event{Name: "worker_ready"})
	return w, nil
}

func (w *Worker) emit(evt worker.Event) {
	evt.At = time.Now()
	if w.onEvent != nil {
		w.onEvent(evt)
	}
}

// Identity returns the worker's identity, with PID populated.
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

// Snapshot returns a copy of the rolling output buffer.
func (w *Worker) Snapshot() []byte {
	return w.buf.Snapshot()
}

// Inject always fails with worker_not_ready: headless workers accept
// exactly one task, baked into argv at Spawn.
func (w *Worker) Inject(ctx context.Context, data []byte) error {
	return brokererr.New(brokererr.CodeWorkerNotReady, "headless workers accept one task at spawn time only", nil)
}

// Terminate kills the process, waiting up to grace before escalating.
func (w *Worker) Terminate(grace time.Duration) error {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
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

// Exited reports whether the child has finished, and its exit code —
// the sole verification signal for headless deliveries.
func (w *Worker) Exited() (worker.ExitInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitInfo, w.exited
}

// Done is closed once the process exits.
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

func (w *Worker) readLoop(stdout io.ReadCloser, bufSize int) {
	defer close(w.readerDone)
	scanner := bufio.NewScanner(stdout)
	initCap := 4096
	if bufSize < initCap {
		initCap = bufSize
	}
	scanner.Buffer(make([]byte, 0, initCap), bufSize)
	for scanner.Scan() {
		line := append(append([]byte(nil), scanner.Bytes()...), '\n')
		w.buf.Write(line)
		w.emit(worker.Event{Name: "worker_stream", Stream: "stdout", Chunk: line})
	}
}

func (w *Worker) watchExit() {
	<-w.readerDone
	waitErr := w.cmd.Wait()

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
	w.status = worker.StatusExited
	w.mu.Unlock()

	w.emit(worker.Event{Name: "agent_exited", Status: worker.StatusExited, Exit: &info})
	w.doneOnce.Do(func() { close(w.doneCh) })
}
