package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(Event{Kind: KindWorkerReady, Name: "W1"})

	select {
	case evt := <-ch:
		if evt.Kind != KindWorkerReady || evt.Name != "W1" {
			t.Errorf("got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestQueryFiltersByKindAndName(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish(Event{Kind: KindAgentSpawned, Name: "W1"})
	b.Publish(Event{Kind: KindAgentIdle, Name: "W1"})
	b.Publish(Event{Kind: KindAgentSpawned, Name: "W2"})
	time.Sleep(20 * time.Millisecond) // let the bus goroutine drain publish chan

	got := b.Query(KindAgentSpawned, "", time.Time{}, 0)
	if len(got) != 2 {
		t.Fatalf("Query(kind=agent_spawned) len = %d, want 2", len(got))
	}

	got = b.Query(KindAgentSpawned, "W1", time.Time{}, 0)
	if len(got) != 1 || got[0].Name != "W1" {
		t.Fatalf("Query(kind, name) = %+v", got)
	}
}

func TestQueryLimit(t *testing.T) {
	b := New()
	defer b.Close()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindWorkerReady, Name: "W1"})
	}
	time.Sleep(20 * time.Millisecond)

	got := b.Query("", "", time.Time{}, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestSlowSubscriberDropsOldestNotProducer(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	// Flood well past the subscriber buffer without ever draining ch.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(Event{Kind: KindWorkerStream, Name: "W1"})
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber channel never received any event")
	}
}

func TestByKindFilter(t *testing.T) {
	b := New()
	defer b.Close()
	ch, unsub := b.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	filtered := ByKind(ctx, ch, KindAgentIdle)

	b.Publish(Event{Kind: KindWorkerReady, Name: "W1"})
	b.Publish(Event{Kind: KindAgentIdle, Name: "W1"})

	select {
	case evt := <-filtered:
		if evt.Kind != KindAgentIdle {
			t.Errorf("got kind %s, want agent_idle", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}
