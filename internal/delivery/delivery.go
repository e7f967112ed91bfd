// Package delivery implements the broker's delivery engine: guaranteed
// at-most-once visible delivery per event_id and at-least-one-attempt-
// with-verification to any live worker.
//
// The per-worker single-consumer loop is grounded on
// dmora-agentrun/engine/cli/process.go's readLoop/finish shape — one
// goroutine per worker, a done channel closed exactly once, and a
// sync.Once guarding start — generalized from "one goroutine reading
// one subprocess's stdout" to "one goroutine draining one worker's
// delivery FIFO".
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/relaycast/broker/internal/brokererr"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/registry"
	"github.com/relaycast/broker/internal/worker"
)

// State is the delivery state machine.
type State string

const (
	StateQueued   State = "queued"
	StateInjected State = "injected"
	StateActive   State = "active"
	StateVerified State = "verified"
	StateAck      State = "ack"
	StateFailed   State = "failed"
)

// Delivery is one enqueued message bound for a worker.
type Delivery struct {
	ID        string
	To        string
	EventID   string
	From      string
	Body      string
	queuedAt  time.Time

	mu      sync.Mutex
	state   State
	attempt int
	reason  string
}

func (d *Delivery) snapshot() (State, int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.attempt, d.reason
}

func (d *Delivery) setState(s State, reason string) {
	d.mu.Lock()
	d.state = s
	d.reason = reason
	d.mu.Unlock()
}

// State returns the delivery's current state, for callers that polled
// the Delivery returned by Enqueue rather than subscribing to events.
func (d *Delivery) State() State {
	s, _, _ := d.snapshot()
	return s
}

// Config tunes the injection/verification/retry timing. Zero-value
// fields fall back to DefaultConfig's values.
type Config struct {
	// ReadyWaitWindow bounds how long the engine waits for a worker that
	// is neither ready, idle nor starting (e.g. busy) to become ready or
	// idle before the attempt fails with worker_not_ready. Time spent
	// genuinely in "starting" never counts against it.
	ReadyWaitWindow time.Duration
	// EchoGracePeriod is the time after injection during which the
	// engine does not scan for completion markers at all, so the
	// injected prompt's own terminal echo can never false-positive.
	EchoGracePeriod time.Duration
	// EchoPollWindow is how much longer, after EchoGracePeriod elapses,
	// the engine keeps polling for a completion marker before treating
	// the attempt as failed.
	EchoPollWindow time.Duration
	// UnreliableEchoWindow is the shorter verification window used for
	// worker.UnreliableEchoCLIs; expiry acks by timeout instead of
	// failing.
	UnreliableEchoWindow time.Duration
	// MaxRetries bounds retry attempts after the first.
	MaxRetries int
	// BaseBackoff seeds the exponential backoff between retries.
	BaseBackoff time.Duration
	// PollInterval is how often the engine re-checks worker readiness
	// and re-scans the output buffer.
	PollInterval time.Duration
	// QueueDepth bounds the per-worker pending queue.
	QueueDepth int
}

// DefaultConfig returns the engine's baseline injection/verification/
// retry timing.
func DefaultConfig() Config {
	return Config{
		ReadyWaitWindow:      30 * time.Second,
		EchoGracePeriod:      30 * time.Second,
		EchoPollWindow:       30 * time.Second,
		UnreliableEchoWindow: 5 * time.Second,
		MaxRetries:           3,
		BaseBackoff:          2 * time.Second,
		PollInterval:         200 * time.Millisecond,
		QueueDepth:           256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReadyWaitWindow <= 0 {
		c.ReadyWaitWindow = d.ReadyWaitWindow
	}
	if c.EchoGracePeriod <= 0 {
		c.EchoGracePeriod = d.EchoGracePeriod
	}
	if c.EchoPollWindow <= 0 {
		c.EchoPollWindow = d.EchoPollWindow
	}
	if c.UnreliableEchoWindow <= 0 {
		c.UnreliableEchoWindow = d.UnreliableEchoWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	return c
}

// MetricsRecorder is the narrow surface the delivery engine uses to
// report outcomes; satisfied by *metrics.Metrics. A nil recorder is a
// valid no-op, so callers that don't care about metrics (tests, the
// swarm rig) can build an Engine without one.
type MetricsRecorder interface {
	RecordDelivery(outcome string, latency time.Duration)
	RecordRetry()
}

// Engine is the delivery engine. One Engine serves the whole broker;
// it holds one FIFO per worker name.
type Engine struct {
	reg     *registry.Registry
	bus     *eventbus.Bus
	cfg     Config
	metrics MetricsRecorder

	mu     sync.Mutex
	queues map[string]*workerQueue
	seen   map[string]struct{} // "to\x00event_id" already enqueued once

	cbMu sync.Mutex
	cbs  []func(*Delivery)
}

// New builds an Engine bound to reg (for worker lookups) and bus (for
// delivery_* event publication). metrics may be nil.
func New(reg *registry.Registry, bus *eventbus.Bus, cfg Config, metrics MetricsRecorder) *Engine {
	return &Engine{
		reg:     reg,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		queues:  make(map[string]*workerQueue),
		seen:    make(map[string]struct{}),
	}
}

// OnEvent registers a callback invoked synchronously on every delivery
// state transition, in addition to the corresponding event bus
// publication.
func (e *Engine) OnEvent(fn func(*Delivery)) {
	e.cbMu.Lock()
	e.cbs = append(e.cbs, fn)
	e.cbMu.Unlock()
}

func (e *Engine) notify(d *Delivery) {
	e.cbMu.Lock()
	cbs := append([]func(*Delivery){}, e.cbs...)
	e.cbMu.Unlock()
	for _, fn := range cbs {
		fn(d)
	}
}

type workerQueue struct {
	name      string
	ch        chan *Delivery
	startOnce sync.Once

	mu        sync.Mutex
	cancelled map[string]struct{}
}

func (e *Engine) queueFor(name string) *workerQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[name]
	if !ok {
		q = &workerQueue{
			name:      name,
			ch:        make(chan *Delivery, e.cfg.QueueDepth),
			cancelled: make(map[string]struct{}),
		}
		e.queues[name] = q
	}
	return q
}

// markSeen reports whether (to, eventID) is being enqueued for the
// first time, recording it if so.
func (e *Engine) markSeen(to, eventID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := to + "\x00" + eventID
	if _, dup := e.seen[key]; dup {
		return false
	}
	e.seen[key] = struct{}{}
	return true
}

// Enqueue appends a new delivery to worker to's FIFO. It is rejected
// with CodeQueueFull if the worker's pending queue is saturated, and
// with CodeDuplicateEvent if (to, eventID) has already been enqueued
// once.
func (e *Engine) Enqueue(to, eventID, from, body string) (*Delivery, error) {
	if eventID != "" && !e.markSeen(to, eventID) {
		return nil, brokererr.New(brokererr.CodeDuplicateEvent, "duplicate event_id for agent: "+to, nil)
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	d := &Delivery{
		ID:       uuid.NewString(),
		To:       to,
		EventID:  eventID,
		From:     from,
		Body:     body,
		state:    StateQueued,
		queuedAt: time.Now(),
	}

	q := e.queueFor(to)
	select {
	case q.ch <- d:
	default:
		return nil, brokererr.New(brokererr.CodeQueueFull, "delivery queue full for agent: "+to, nil)
	}

	q.startOnce.Do(func() { go e.consume(q) })

	e.publish(eventbus.KindDeliveryQueued, d)
	return d, nil
}

// Cancel marks a still-queued delivery as cancelled. It is a no-op,
// returning nil, if the delivery already began its injection flow.
func (e *Engine) Cancel(deliveryID string) error {
	e.mu.Lock()
	queues := make([]*workerQueue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.cancelled[deliveryID] = struct{}{}
		q.mu.Unlock()
	}
	return nil
}

func (q *workerQueue) isCancelled(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.cancelled[id]
	return ok
}

// Shutdown drains every worker's pending FIFO, failing each delivery
// still sitting in the channel buffer with reason "shutdown". It races
// harmlessly against each worker's own consume goroutine: whichever
// side reads a given delivery off the channel first handles it, and a
// delivery already mid-injection when Shutdown runs is left to finish
// or fail on its own via the worker Terminate the caller issues
// alongside this call.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	queues := make([]*workerQueue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	for _, q := range queues {
		for drained := true; drained; {
			select {
			case d := <-q.ch:
				d.setState(StateFailed, "shutdown")
				e.publish(eventbus.KindDeliveryFailed, d)
				e.recordTerminal(d, "failed")
				e.notify(d)
			default:
				drained = false
			}
		}
	}
}

// consume is the single consumer goroutine for one worker's FIFO: the
// engine dequeues at most one delivery at a time for that worker.
func (e *Engine) consume(q *workerQueue) {
	for d := range q.ch {
		if q.isCancelled(d.ID) {
			d.setState(StateFailed, "cancelled")
			e.publish(eventbus.KindDeliveryFailed, d)
			e.notify(d)
			continue
		}
		e.process(context.Background(), d)
	}
}

// process runs the full injection/verification/retry flow for one
// delivery. A headless worker receives its task at spawn time rather
// than through an injected prompt, so the injection step is skipped
// for it and verification watches the process exit instead of
// scanning for an echoed completion marker.
func (e *Engine) process(ctx context.Context, d *Delivery) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BaseBackoff
	bo.MaxElapsedTime = 0 // attempt count is bounded by cfg.MaxRetries, not elapsed time

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		d.mu.Lock()
		d.attempt = attempt
		d.mu.Unlock()

		entry, ok := e.reg.Get(d.To)
		if !ok {
			e.fail(d, "worker_exited")
			return
		}
		headless := entry.Identity.Runtime == worker.RuntimeHeadless

		if err := e.awaitReady(ctx, entry); err != nil {
			if attempt == e.cfg.MaxRetries {
				e.fail(d, err.Error())
				return
			}
			e.retry(ctx, bo)
			continue
		}

		if !headless {
			if err := e.inject(entry, d, attempt); err != nil {
				if attempt == e.cfg.MaxRetries {
					e.fail(d, "injection_error")
					return
				}
				e.retry(ctx, bo)
				continue
			}
		}

		d.setState(StateActive, "")
		e.publish(eventbus.KindDeliveryActive, d)

		verified, ackReason, err := e.verify(ctx, entry, d)
		if err != nil {
			if attempt == e.cfg.MaxRetries {
				e.fail(d, err.Error())
				return
			}
			e.retry(ctx, bo)
			continue
		}
		if verified {
			d.setState(StateVerified, "")
			e.publish(eventbus.KindDeliveryVerified, d)
			d.setState(StateAck, ackReason)
			e.publish(eventbus.KindDeliveryAck, d)
			e.clearPendingIfCurrent(entry, d)
			e.recordTerminal(d, "ack")
			e.notify(d)
			return
		}
		if attempt == e.cfg.MaxRetries {
			e.fail(d, "verification_timeout")
			return
		}
		e.retry(ctx, bo)
	}
}

// retry sleeps the backoff delay and records a retry attempt.
func (e *Engine) retry(ctx context.Context, bo *backoff.ExponentialBackOff) {
	if e.metrics != nil {
		e.metrics.RecordRetry()
	}
	e.sleepBackoff(ctx, bo)
}

func (e *Engine) fail(d *Delivery, reason string) {
	d.setState(StateFailed, reason)
	if entry, ok := e.reg.Get(d.To); ok {
		e.clearPendingIfCurrent(entry, d)
	}
	e.publish(eventbus.KindDeliveryFailed, d)
	e.recordTerminal(d, "failed")
	e.notify(d)
}

// recordTerminal reports a delivery's terminal outcome and its
// end-to-end latency since it was enqueued.
func (e *Engine) recordTerminal(d *Delivery, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordDelivery(outcome, time.Since(d.queuedAt))
}

// clearPendingIfCurrent clears the registry's pending-delivery marker
// for d's worker only if it still names d — a late completion for a
// delivery that has since been superseded by a newer one must not
// clear the newer pending state.
func (e *Engine) clearPendingIfCurrent(entry *registry.Entry, d *Delivery) {
	if entry.PendingDeliveryID == d.ID || entry.PendingDeliveryID == "" {
		e.reg.SetPendingDelivery(d.To, "")
	}
}

func (e *Engine) sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) {
	delay, err := bo.NextBackOff()
	if err != nil {
		delay = e.cfg.BaseBackoff
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// awaitReady blocks until entry's worker is ready or idle. Time spent
// in "starting" never counts against ReadyWaitWindow; any other
// non-ready status does.
//
// A headless worker has no such thing as "ready": it starts running
// its one baked-in task the moment it is spawned and never reports
// StatusReady or StatusIdle, so the PTY readiness wait below would
// always time out against it. Delivery to a headless worker means
// "track this run's completion", so readiness is trivially satisfied
// here and verify does the actual waiting on the process exiting.
func (e *Engine) awaitReady(ctx context.Context, entry *registry.Entry) error {
	if entry.Identity.Runtime == worker.RuntimeHeadless {
		return nil
	}

	deadline := time.Now().Add(e.cfg.ReadyWaitWindow)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status := entry.Handle.Status()
		switch status {
		case worker.StatusReady, worker.StatusIdle:
			return nil
		case worker.StatusExited, worker.StatusExiting:
			return brokererr.New(brokererr.CodeWorkerExited, "worker exited while awaiting delivery", nil)
		case worker.StatusStarting:
			deadline = time.Now().Add(e.cfg.ReadyWaitWindow) // not provably stuck; keep extending
		}

		select {
		case <-entry.Handle.Done():
			return brokererr.New(brokererr.CodeWorkerExited, "worker exited while awaiting delivery", nil)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if status != worker.StatusStarting && time.Now().After(deadline) {
				return brokererr.New(brokererr.CodeWorkerNotReady, "worker not ready within window", nil)
			}
		}
	}
}

// inject formats the echo-verifiable prompt and writes it to the
// worker, emitting delivery_injected on success. Only called for PTY
// workers — a headless worker's task is baked into its argv at spawn,
// so process skips this step for it entirely.
func (e *Engine) inject(entry *registry.Entry, d *Delivery, attempt int) error {
	prompt := formatPrompt(d, attempt)
	if err := entry.Handle.Inject(context.Background(), []byte(prompt+"\n")); err != nil {
		return err
	}
	e.reg.SetPendingDelivery(d.To, d.ID)
	d.setState(StateInjected, "")
	e.publish(eventbus.KindDeliveryInjected, d)
	return nil
}

func formatPrompt(d *Delivery, attempt int) string {
	base := fmt.Sprintf("Relay message from %s [%s]: %s", d.From, d.EventID, d.Body)
	if attempt == 0 {
		return systemReminderBlock + base
	}
	return "<system-reminder>Relay reply reminder — see earlier message for full guidance.</system-reminder>\n" + base
}

// systemReminderBlock is wrapped around the first-attempt prompt only:
// full Relaycast MCP reply guidance, given once rather than on every
// retry.
const systemReminderBlock = `<system-reminder>
You are connected to Relaycast. Messages relayed to you originate from
a human or another agent on the other end of the bridge. Reply inline
in your normal turn; no special tool call is required. If your reply
concludes a review, start the line with one of DONE:, REVIEW:PASS, or
REVIEW:FAIL so the bridge can confirm delivery.
</system-reminder>
`

// verify reports whether d's delivery attempt succeeded. It returns
// (true, reason, nil) on a positive signal, (false, "", nil) on a
// clean timeout that should retry, and (false, "", err) on a
// worker-exited error.
func (e *Engine) verify(ctx context.Context, entry *registry.Entry, d *Delivery) (bool, string, error) {
	if entry.Identity.Runtime == worker.RuntimeHeadless {
		return e.verifyHeadless(ctx, entry)
	}

	cli := entry.Identity.CLI
	if _, unreliable := worker.UnreliableEchoCLIs[cli]; unreliable {
		select {
		case <-time.After(e.cfg.UnreliableEchoWindow):
			return true, "verified_by_timeout", nil
		case <-entry.Handle.Done():
			return false, "", brokererr.New(brokererr.CodeWorkerExited, "worker exited during verification", nil)
		case <-ctx.Done():
			return false, "", ctx.Err()
		}
	}

	graceDeadline := time.After(e.cfg.EchoGracePeriod)
	select {
	case <-graceDeadline:
	case <-entry.Handle.Done():
		return false, "", brokererr.New(brokererr.CodeWorkerExited, "worker exited during grace period", nil)
	case <-ctx.Done():
		return false, "", ctx.Err()
	}

	pollDeadline := time.Now().Add(e.cfg.EchoPollWindow)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if marker, ok := scanCompletionMarkers(entry.Handle.Snapshot()); ok {
			return true, "marker:" + marker, nil
		}
		select {
		case <-entry.Handle.Done():
			return false, "", brokererr.New(brokererr.CodeWorkerExited, "worker exited during verification", nil)
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-ticker.C:
			if time.Now().After(pollDeadline) {
				return false, "", nil
			}
		}
	}
}

// verifyHeadless waits for a headless worker to run to completion and
// reads its exit status, mirroring the Handle.Done()/Exited() wait the
// swarm subcommand uses when it drives a team directly instead of
// going through the delivery engine. A headless process never echoes
// anything verifiable — its exit code is the only signal there is.
func (e *Engine) verifyHeadless(ctx context.Context, entry *registry.Entry) (bool, string, error) {
	select {
	case <-entry.Handle.Done():
	case <-ctx.Done():
		return false, "", ctx.Err()
	}

	info, _ := entry.Handle.Exited()
	if info.Code == 0 && info.Signal == "" {
		return true, "exit_code_0", nil
	}
	return false, "", brokererr.New(brokererr.CodeWorkerExited,
		fmt.Sprintf("headless worker exited with code %d signal %q", info.Code, info.Signal), nil)
}

// scanCompletionMarkers reports whether any worker.CompletionMarkers
// entry occurs at the start of a line in buf. Markers are matched only
// at line starts so prose mentioning one mid-sentence can't false-
// positive a verification.
func scanCompletionMarkers(buf []byte) (string, bool) {
	for _, line := range bytes.Split(buf, []byte("\n")) {
		trimmed := bytes.TrimLeft(line, " \t")
		for _, marker := range worker.CompletionMarkers {
			if bytes.HasPrefix(trimmed, []byte(marker)) {
				return marker, true
			}
		}
	}
	return "", false
}

func (e *Engine) publish(kind eventbus.Kind, d *Delivery) {
	if e.bus == nil {
		return
	}
	_, _, reason := d.snapshot()
	e.bus.Publish(eventbus.Event{
		Kind:    kind,
		Name:    d.To,
		EventID: d.EventID,
		Reason:  reason,
	})
}
