//go:build !windows

package ptyworker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/relaycast/broker/internal/worker"
)

func spawnShell(t *testing.T, script string, opts Options) *Worker {
	t.Helper()
	opts.Identity.CLI = "sh"
	opts.Identity.Args = []string{"-c", script}
	opts.Identity.CWD = t.TempDir()
	w, err := Spawn(context.Background(), opts)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _ = w.Terminate(2 * time.Second) })
	return w
}

func TestSpawnBecomesReadyOnTimeoutFallback(t *testing.T) {
	events := make(chan worker.Event, 64)
	w := spawnShell(t, "sleep 5", Options{
		StartupTimeout: 100 * time.Millisecond,
		IdleAfter:      time.Minute,
		OnEvent:        func(e worker.Event) { events <- e },
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Name == "worker_ready" {
				if got := w.Status(); got != worker.StatusReady {
					t.Fatalf("Status() = %s, want ready", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for worker_ready")
		}
	}
}

func TestSpawnBootMarkerReady(t *testing.T) {
	events := make(chan worker.Event, 64)
	w := spawnShell(t, "echo BOOTED; sleep 5", Options{
		StartupTimeout: 5 * time.Second,
		BootMarker:     "BOOTED",
		OnEvent:        func(e worker.Event) { events <- e },
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Name == "worker_ready" {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for boot-marker worker_ready; status=%s", w.Status())
		}
	}
}

func TestInjectWritesToPTY(t *testing.T) {
	events := make(chan worker.Event, 64)
	w := spawnShell(t, "read line; echo \"got:$line\"", Options{
		StartupTimeout: 50 * time.Millisecond,
		OnEvent:        func(e worker.Event) { events <- e },
	})

	if err := w.Inject(context.Background(), []byte("hello\n")); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Name == "worker_stream" && containsBytes(e.Chunk, "got:hello") {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for echoed injection")
		}
	}
}

func TestExitDetection(t *testing.T) {
	events := make(chan worker.Event, 64)
	w := spawnShell(t, "exit 3", Options{
		StartupTimeout: 50 * time.Millisecond,
		OnEvent:        func(e worker.Event) { events <- e },
	})

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Done()")
	}

	info, exited := w.Exited()
	if !exited {
		t.Fatal("Exited() ok = false, want true")
	}
	if info.Code != 3 {
		t.Errorf("exit code = %d, want 3", info.Code)
	}
}

func containsBytes(b []byte, s string) bool {
	return strings.Contains(string(b), s)
}
