// Package eventbus implements the broker's single broadcast channel of
// structured events: every component publishes here, and both the
// orchestrator stdio transport and the HTTP `/ws` listeners subscribe.
//
// The register/unregister/broadcast goroutine loop is the same shape as
// johnjansen-buffkit's ssr.Broker.run(): one goroutine owns the
// subscriber map so no lock is needed around it, and broadcast never
// blocks on a slow subscriber — subscribers that cannot keep up lose
// oldest events first rather than stalling the producer.
package eventbus

import (
	"sync"
	"time"
)

// Kind enumerates the broker's event kinds.
type Kind string

const (
	KindAgentSpawned        Kind = "agent_spawned"
	KindAgentReleased       Kind = "agent_released"
	KindAgentExited         Kind = "agent_exited"
	KindAgentIdle           Kind = "agent_idle"
	KindAgentRestarting     Kind = "agent_restarting"
	KindAgentRestarted      Kind = "agent_restarted"
	KindAgentPermanentlyDead Kind = "agent_permanently_dead"
	KindWorkerReady         Kind = "worker_ready"
	KindWorkerStream        Kind = "worker_stream"
	KindWorkerError         Kind = "worker_error"
	KindDeliveryQueued      Kind = "delivery_queued"
	KindDeliveryInjected    Kind = "delivery_injected"
	KindDeliveryActive      Kind = "delivery_active"
	KindDeliveryVerified    Kind = "delivery_verified"
	KindDeliveryAck         Kind = "delivery_ack"
	KindDeliveryFailed      Kind = "delivery_failed"
	KindRelayInbound        Kind = "relay_inbound"
)

// Event is one structured event on the bus. Every event carries the
// stable agent Name and, where applicable, EventID correlating it to
// the originating delivery.
type Event struct {
	Kind    Kind           `json:"kind"`
	Name    string         `json:"name,omitempty"`
	EventID string         `json:"event_id,omitempty"`
	Stream  string         `json:"stream,omitempty"`
	Chunk   string         `json:"chunk,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	At      time.Time      `json:"at"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// subscriberBuffer is the per-subscriber channel capacity. Subscribers
// that fall behind this many events lose the oldest ones first — the
// bus itself never blocks on a slow reader.
const subscriberBuffer = 256

// ringCapacity is the default number of retained events for query-by-
// kind/name/since/limit: capped, on the order of a few thousand.
const ringCapacity = 4096

// Bus is the single in-process broadcast channel.
type Bus struct {
	publish     chan Event
	register    chan chan Event
	unregister  chan chan Event
	done        chan struct{}

	ring ringBuffer
}

// New creates a Bus and starts its event loop. Callers must call
// Close when the broker shuts down to stop the goroutine.
func New() *Bus {
	b := &Bus{
		publish:    make(chan Event, 256),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		done:       make(chan struct{}),
		ring:       newRingBuffer(ringCapacity),
	}
	go b.run()
	return b
}

// Publish emits evt to every current subscriber and appends it to the
// queryable ring buffer. Never blocks on a subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	select {
	case b.publish <- evt:
	case <-b.done:
	}
}

// Subscribe registers a new receive channel. Callers must call the
// returned unsubscribe function when done to avoid leaking the channel
// in the bus's subscriber set.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	select {
	case b.register <- ch:
	case <-b.done:
	}
	return ch, func() {
		select {
		case b.unregister <- ch:
		case <-b.done:
		}
	}
}

// Query returns events from the ring buffer matching the given filters.
// Zero-value fields are wildcards. limit <= 0 means unlimited.
func (b *Bus) Query(kind Kind, name string, since time.Time, limit int) []Event {
	return b.ring.query(kind, name, since, limit)
}

// Close stops the bus's event loop. Subsequent Publish/Subscribe calls
// are no-ops.
func (b *Bus) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

func (b *Bus) run() {
	subs := make(map[chan Event]struct{})
	for {
		select {
		case <-b.done:
			return
		case ch := <-b.register:
			subs[ch] = struct{}{}
		case ch := <-b.unregister:
			delete(subs, ch)
		case evt := <-b.publish:
			b.ring.append(evt)
			for ch := range subs {
				select {
				case ch <- evt:
				default:
					// Subscriber full: drop the oldest queued event for it
					// rather than blocking the producer.
					select {
					case <-ch:
					default:
					}
					select {
					case ch <- evt:
					default:
					}
				}
			}
		}
	}
}

// ringBuffer is a capped, mutex-protected slice of retained events.
type ringBuffer struct {
	mu    sync.Mutex
	buf   []Event
	cap   int
	start int
}

func newRingBuffer(capacity int) ringBuffer {
	return ringBuffer{cap: capacity}
}

func (r *ringBuffer) append(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.cap {
		r.buf = append(r.buf, evt)
		return
	}
	r.buf[r.start] = evt
	r.start = (r.start + 1) % r.cap
}

func (r *ringBuffer) query(kind Kind, name string, since time.Time, limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]Event, 0, len(r.buf))
	for i := 0; i < len(r.buf); i++ {
		idx := (r.start + i) % max(len(r.buf), 1)
		if len(r.buf) < r.cap {
			idx = i
		}
		ordered = append(ordered, r.buf[idx])
	}

	out := make([]Event, 0, len(ordered))
	for _, e := range ordered {
		if kind != "" && e.Kind != kind {
			continue
		}
		if name != "" && e.Name != name {
			continue
		}
		if !since.IsZero() && !e.At.After(since) {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
