package registry

import (
	"context"
	"testing"
	"time"

	"github.com/relaycast/broker/internal/worker"
)

type fakeHandle struct {
	id worker.Identity
}

func (f *fakeHandle) Identity() worker.Identity                    { return f.id }
func (f *fakeHandle) Status() worker.Status                        { return worker.StatusReady }
func (f *fakeHandle) Inject(ctx context.Context, data []byte) error { return nil }
func (f *fakeHandle) Snapshot() []byte                             { return nil }
func (f *fakeHandle) Terminate(grace time.Duration) error          { return nil }
func (f *fakeHandle) Exited() (worker.ExitInfo, bool)              { return worker.ExitInfo{}, false }
func (f *fakeHandle) Done() <-chan struct{}                        { return make(chan struct{}) }

func TestRegisterGetRemove(t *testing.T) {
	r := New()
	id := worker.Identity{Name: "W1", CLI: "claude"}
	if _, err := r.Register(id, &fakeHandle{id: id}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	e, ok := r.Get("W1")
	if !ok || e.Identity.Name != "W1" {
		t.Fatalf("Get(W1) = %+v, %v", e, ok)
	}

	r.Remove("W1")
	if _, ok := r.Get("W1"); ok {
		t.Fatal("entry should be gone after Remove")
	}

	// Removing again is a no-op, not an error.
	r.Remove("W1")
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := New()
	id := worker.Identity{Name: "W1", CLI: "claude"}
	if _, err := r.Register(id, &fakeHandle{id: id}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(id, &fakeHandle{id: id}); err == nil {
		t.Fatal("second Register with same name should fail")
	}
}

func TestSetPendingDeliveryUnknownName(t *testing.T) {
	r := New()
	if r.SetPendingDelivery("nope", "d1") {
		t.Fatal("SetPendingDelivery on unknown name should return false")
	}
}

func TestListAndNames(t *testing.T) {
	r := New()
	for _, n := range []string{"A", "B", "C"} {
		id := worker.Identity{Name: n, CLI: "claude"}
		if _, err := r.Register(id, &fakeHandle{id: id}); err != nil {
			t.Fatalf("Register(%s): %v", n, err)
		}
	}
	if len(r.List()) != 3 {
		t.Errorf("List() len = %d, want 3", len(r.List()))
	}
	if len(r.Names()) != 3 {
		t.Errorf("Names() len = %d, want 3", len(r.Names()))
	}
}
