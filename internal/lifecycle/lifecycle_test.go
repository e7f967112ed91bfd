//go:build !windows

package lifecycle

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/broker/internal/brokererr"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/registry"
	"github.com/relaycast/broker/internal/worker"
)

func TestAcquireLockAndRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.lock")

	lock, err := AcquireLock(path, false)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if strconv.Itoa(os.Getpid()) != string(data) {
		t.Errorf("lock file contents = %q, want pid %d", data, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected lock file removed after Release, stat err = %v", err)
	}
}

func TestAcquireLockHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.lock")

	first, err := AcquireLock(path, false)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer first.Release()

	_, err = AcquireLock(path, false)
	if err == nil {
		t.Fatal("expected lock_held error on second AcquireLock")
	}
	be, ok := brokererr.As(err)
	if !ok || be.Code != brokererr.CodeLockHeld {
		t.Fatalf("err = %#v, want CodeLockHeld", err)
	}
}

func TestAcquireLockStalePID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.lock")

	// A PID that is virtually guaranteed not to exist.
	if err := os.WriteFile(path, []byte(strconv.Itoa(math.MaxInt32-7)), 0o644); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	_, err := AcquireLock(path, false)
	if err == nil {
		t.Fatal("expected stale_pid error")
	}
	be, ok := brokererr.As(err)
	if !ok || be.Code != brokererr.CodeStalePID {
		t.Fatalf("err = %#v, want CodeStalePID", err)
	}

	lock, err := AcquireLock(path, true)
	if err != nil {
		t.Fatalf("AcquireLock with force: %v", err)
	}
	defer lock.Release()
}

// fakeHandle is a minimal worker.Handle double whose Exited() can be
// toggled to simulate an untracked process death.
type fakeHandle struct {
	id worker.Identity

	mu     sync.Mutex
	exited bool
	info   worker.ExitInfo
}

func (f *fakeHandle) Identity() worker.Identity                    { return f.id }
func (f *fakeHandle) Status() worker.Status                        { return worker.StatusIdle }
func (f *fakeHandle) Inject(ctx context.Context, data []byte) error { return nil }
func (f *fakeHandle) Snapshot() []byte                              { return nil }
func (f *fakeHandle) Terminate(grace time.Duration) error           { return nil }
func (f *fakeHandle) Exited() (worker.ExitInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info, f.exited
}
func (f *fakeHandle) Done() <-chan struct{} { return nil }

func (f *fakeHandle) setExited(info worker.ExitInfo) {
	f.mu.Lock()
	f.exited = true
	f.info = info
	f.mu.Unlock()
}

func TestReaperPublishesUntrackedExitOnce(t *testing.T) {
	reg := registry.New()
	bus := eventbus.New()
	defer bus.Close()

	id := worker.Identity{Name: "W1", CLI: "claude"}
	h := &fakeHandle{id: id}
	if _, err := reg.Register(id, h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ok := reg.SetPendingDelivery("W1", "d1"); !ok {
		t.Fatal("SetPendingDelivery: unknown agent")
	}

	sub, cancel := bus.Subscribe()
	defer cancel()

	h.setExited(worker.ExitInfo{Code: 137, Signal: "SIGKILL"})

	reaper := NewReaper(reg, bus, nil, 5*time.Millisecond, zerolog.Nop())
	ctx, stop := context.WithCancel(context.Background())
	go reaper.Run(ctx)
	defer stop()

	deadline := time.After(2 * time.Second)
	var got eventbus.Event
	found := false
	for !found {
		select {
		case evt := <-sub:
			if evt.Kind == eventbus.KindAgentExited && evt.Name == "W1" {
				got = evt
				found = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for reaped agent_exited event")
		}
	}
	if got.Reason != "reaped" {
		t.Errorf("reason = %q, want reaped", got.Reason)
	}

	entry, ok := reg.Get("W1")
	if !ok {
		t.Fatal("entry missing after reap")
	}
	if entry.PendingDeliveryID != "" {
		t.Errorf("PendingDeliveryID = %q, want cleared", entry.PendingDeliveryID)
	}
}
