package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaycast/broker/internal/brokererr"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/registry"
	"github.com/relaycast/broker/internal/worker"
)

// fakeHandle is a worker.Handle test double whose Snapshot can be made
// to return a completion marker on demand, simulating PTY echo.
type fakeHandle struct {
	id     worker.Identity
	status worker.Status

	mu   sync.Mutex
	buf  []byte
	done chan struct{}

	injectErr error
	injected  [][]byte
}

func newFakeHandle(id worker.Identity) *fakeHandle {
	return &fakeHandle{id: id, status: worker.StatusReady, done: make(chan struct{})}
}

func (f *fakeHandle) Identity() worker.Identity { return f.id }
func (f *fakeHandle) Status() worker.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}
func (f *fakeHandle) Inject(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injectErr != nil {
		return f.injectErr
	}
	f.injected = append(f.injected, append([]byte{}, data...))
	return nil
}
func (f *fakeHandle) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out
}
func (f *fakeHandle) Terminate(grace time.Duration) error { return nil }
func (f *fakeHandle) Exited() (worker.ExitInfo, bool)     { return worker.ExitInfo{}, false }
func (f *fakeHandle) Done() <-chan struct{}               { return f.done }

func (f *fakeHandle) setBuf(b string) {
	f.mu.Lock()
	f.buf = []byte(b)
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{
		ReadyWaitWindow:      200 * time.Millisecond,
		EchoGracePeriod:      20 * time.Millisecond,
		EchoPollWindow:       300 * time.Millisecond,
		UnreliableEchoWindow: 20 * time.Millisecond,
		MaxRetries:           1,
		BaseBackoff:          10 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		QueueDepth:           8,
	}
}

func waitForState(t *testing.T, d *Delivery, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("delivery never reached state %s, stuck at %s", want, d.State())
}

func TestEnqueueVerifiesOnMarker(t *testing.T) {
	reg := registry.New()
	bus := eventbus.New()
	defer bus.Close()

	id := worker.Identity{Name: "W1", CLI: "claude"}
	h := newFakeHandle(id)
	if _, err := reg.Register(id, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng := New(reg, bus, testConfig(), nil)

	// Post a marker into the output buffer shortly after injection so
	// verify() finds it once the grace period elapses.
	go func() {
		time.Sleep(40 * time.Millisecond)
		h.setBuf("some output\nDONE: ok\n")
	}()

	d, err := eng.Enqueue("W1", "", "peer", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, d, StateAck)

	if len(h.injected) == 0 {
		t.Fatal("expected at least one Inject call")
	}
}

func TestEnqueueDuplicateEventIDRejected(t *testing.T) {
	reg := registry.New()
	bus := eventbus.New()
	defer bus.Close()

	id := worker.Identity{Name: "W1", CLI: "claude"}
	h := newFakeHandle(id)
	h.setBuf("DONE: ok\n")
	if _, err := reg.Register(id, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng := New(reg, bus, testConfig(), nil)

	first, err := eng.Enqueue("W1", "e3", "peer", "hello")
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	waitForState(t, first, StateAck)

	_, err = eng.Enqueue("W1", "e3", "peer", "hello again")
	if err == nil {
		t.Fatal("expected duplicate_event error on second Enqueue with the same event_id")
	}
	be, ok := brokererr.As(err)
	if !ok || be.Code != brokererr.CodeDuplicateEvent {
		t.Fatalf("err = %#v, want CodeDuplicateEvent", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	reg := registry.New()
	bus := eventbus.New()
	defer bus.Close()

	id := worker.Identity{Name: "W1", CLI: "claude"}
	h := newFakeHandle(id)
	h.status = worker.StatusStarting // never becomes ready; fills the queue behind it
	if _, err := reg.Register(id, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := testConfig()
	cfg.QueueDepth = 1
	eng := New(reg, bus, cfg, nil)

	if _, err := eng.Enqueue("W1", "", "peer", "first"); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	time.Sleep(30 * time.Millisecond) // let the consumer goroutine dequeue "first" so the channel is empty again
	if _, err := eng.Enqueue("W1", "", "peer", "second"); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if _, err := eng.Enqueue("W1", "", "peer", "third"); err == nil {
		t.Fatal("expected CodeQueueFull once depth is exceeded")
	}
}

func TestUnreliableEchoAcksByTimeout(t *testing.T) {
	reg := registry.New()
	bus := eventbus.New()
	defer bus.Close()

	id := worker.Identity{Name: "W1", CLI: "droid"}
	h := newFakeHandle(id)
	if _, err := reg.Register(id, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng := New(reg, bus, testConfig(), nil)
	d, err := eng.Enqueue("W1", "", "peer", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, d, StateAck)
	if _, _, reason := d.snapshot(); reason != "verified_by_timeout" {
		t.Errorf("reason = %q, want verified_by_timeout", reason)
	}
}

func TestFailsImmediatelyWithNoWorker(t *testing.T) {
	reg := registry.New()
	bus := eventbus.New()
	defer bus.Close()

	eng := New(reg, bus, testConfig(), nil)
	d, err := eng.Enqueue("ghost", "", "peer", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, d, StateFailed)
}

func TestCancelMarksQueuedDeliveryFailed(t *testing.T) {
	reg := registry.New()
	bus := eventbus.New()
	defer bus.Close()

	id := worker.Identity{Name: "W1", CLI: "claude"}
	h := newFakeHandle(id)
	h.setBuf("DONE: ready already\n") // verify()'s first poll after the grace period finds this
	if _, err := reg.Register(id, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := testConfig()
	eng := New(reg, bus, cfg, nil)

	// first occupies the single consumer briefly (grace period) while
	// second is cancelled before it is ever dequeued.
	first, err := eng.Enqueue("W1", "", "peer", "first")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := eng.Enqueue("W1", "", "peer", "second")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.Cancel(second.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	waitForState(t, first, StateAck)
	waitForState(t, second, StateFailed)
	if _, _, reason := second.snapshot(); reason != "cancelled" {
		t.Errorf("second delivery reason = %q, want cancelled", reason)
	}
}
