// Package orchestrator implements the stdio line-framed JSON dispatcher
// that coordinates the broker's worker fleet: it reads request
// Envelopes from internal/frame, dispatches each to a bounded-timeout
// operation handler, writes the response Envelope, and separately
// drains the event bus onto the same stream as event Envelopes.
//
// The request/response/notification dispatch shape is grounded on
// dmora-agentrun/engine/acp/conn.go's Conn: a map of pending calls keyed
// by id guarded by a mutex, a registered-handler table, and a ReadLoop
// that never blocks handler execution behind the scanner — generalized
// from JSON-RPC 2.0 method names to this protocol's flat `method` field,
// and from one spawned ACP subprocess to the whole worker fleet.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/broker/internal/brokererr"
	"github.com/relaycast/broker/internal/delivery"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/frame"
	"github.com/relaycast/broker/internal/registry"
	"github.com/relaycast/broker/internal/relay"
	"github.com/relaycast/broker/internal/worker"
	"github.com/relaycast/broker/internal/worker/headless"
	"github.com/relaycast/broker/internal/worker/ptyworker"
)

// MetricsProvider is the narrow surface the orchestrator needs for
// get_metrics plus recording spawn/release activity; implemented by
// internal/metrics.Metrics. Kept as an interface here so orchestrator
// never imports the prometheus client directly.
type MetricsProvider interface {
	Snapshot() map[string]float64
	RecordSpawn(cli, runtime string)
	RecordRelease()
	SetActiveAgents(n int)
}

// OperationBudgets are the per-method timeout defaults: sub-second for
// listings, a few seconds for anything that waits on delivery.
var OperationBudgets = map[string]time.Duration{
	"spawn_agent":    10 * time.Second,
	"release_agent":  5 * time.Second,
	"send_message":   5 * time.Second,
	"list_agents":    500 * time.Millisecond,
	"send_input":     2 * time.Second,
	"set_model":      500 * time.Millisecond,
	"get_metrics":    500 * time.Millisecond,
	"get_status":     500 * time.Millisecond,
	"get_history":    500 * time.Millisecond,
	"get_logs":       500 * time.Millisecond,
}

const defaultBudget = 2 * time.Second

// Dispatcher wires the stdio transport to the broker's components. One
// Dispatcher serves one stdio connection (normally exactly one, for the
// life of the process).
type Dispatcher struct {
	reg     *registry.Registry
	bus     *eventbus.Bus
	engine  *delivery.Engine
	relayc  *relay.Client
	metrics MetricsProvider
	log     zerolog.Logger

	handlers map[string]func(context.Context, json.RawMessage) (any, error)
}

// New builds a Dispatcher. relayc and metrics may be nil — the
// corresponding operations then degrade gracefully (spawn_agent skips
// relay pre-registration, send_message to the __cloud__ sink fails with
// connection_lost, get_metrics returns an empty snapshot).
func New(reg *registry.Registry, bus *eventbus.Bus, engine *delivery.Engine, relayc *relay.Client, metrics MetricsProvider, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		reg:     reg,
		bus:     bus,
		engine:  engine,
		relayc:  relayc,
		metrics: metrics,
		log:     log.With().Str("component", "orchestrator").Logger(),
	}
	d.handlers = map[string]func(context.Context, json.RawMessage) (any, error){
		"spawn_agent":   d.spawnAgent,
		"release_agent": d.releaseAgent,
		"send_message":  d.sendMessage,
		"list_agents":   d.listAgents,
		"send_input":    d.sendInput,
		"set_model":     d.setModel,
		"get_metrics":   d.getMetrics,
		"get_status":    d.getStatus,
		"get_history":   d.getHistory,
		"get_logs":      d.getLogs,
	}
	return d
}

// Serve reads request Envelopes from codec and dispatches them until
// Decode returns io.EOF or a fatal transport error. Each request runs
// its handler in its own goroutine so one slow operation can never
// hang the dispatcher indefinitely behind another.
func (d *Dispatcher) Serve(ctx context.Context, codec *frame.Codec) error {
	unsub := d.subscribeEvents(ctx, codec)
	defer unsub()

	for {
		env, err := codec.Decode()
		if err != nil {
			return err
		}
		if env.Type != frame.KindRequest {
			continue
		}
		go d.handle(ctx, codec, env)
	}
}

func (d *Dispatcher) subscribeEvents(ctx context.Context, codec *frame.Codec) func() {
	ch, unsub := d.bus.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				_ = codec.Encode(&frame.Envelope{
					Type:    frame.KindEvent,
					Kind:    string(evt.Kind),
					Payload: mustMarshal(evt),
				})
			}
		}
	}()
	return unsub
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func (d *Dispatcher) handle(ctx context.Context, codec *frame.Codec, env *frame.Envelope) {
	h, ok := d.handlers[env.Method]
	if !ok {
		d.respondErr(codec, env.ID, brokererr.New(brokererr.CodeUnsupportedOperation, "unsupported operation: "+env.Method, nil))
		return
	}

	budget := OperationBudgets[env.Method]
	if budget <= 0 {
		budget = defaultBudget
	}
	opCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	result, err := h(opCtx, env.Params)
	if err != nil {
		if opCtx.Err() != nil && !isStructuredErr(err) {
			err = brokererr.New(brokererr.CodeTimeout, "operation timed out: "+env.Method, err)
		}
		d.respondErr(codec, env.ID, err)
		return
	}
	d.respondOK(codec, env.ID, result)
}

func isStructuredErr(err error) bool {
	_, ok := brokererr.As(err)
	return ok
}

func (d *Dispatcher) respondOK(codec *frame.Codec, id string, result any) {
	_ = codec.Encode(&frame.Envelope{
		Type:    frame.KindResponse,
		ID:      id,
		Payload: mustMarshal(result),
	})
}

func (d *Dispatcher) respondErr(codec *frame.Codec, id string, err error) {
	be, ok := brokererr.As(err)
	if !ok {
		be = brokererr.New(brokererr.CodeMalformedRequest, err.Error(), err)
	}
	_ = codec.Encode(&frame.Envelope{
		Type: frame.KindResponse,
		ID:   id,
		Error: &frame.EnvelopeError{
			Code:         be.Code,
			Message:      be.Message,
			Retryable:    be.Retryable,
			RetryAfterMS: be.RetryAfterMS,
		},
	})
}

// --- Operation params/results ----------------------------------------

type spawnParams struct {
	Name     string            `json:"name"`
	CLI      string            `json:"cli"`
	Model    string            `json:"model,omitempty"`
	Args     []string          `json:"args,omitempty"`
	CWD      string            `json:"cwd"`
	Channels []string          `json:"channels,omitempty"`
	Runtime  string            `json:"runtime,omitempty"` // "pty" (default) | "headless"
	Task     string            `json:"task,omitempty"`    // headless only
	Env      map[string]string `json:"env,omitempty"`
}

func (d *Dispatcher) spawnAgent(ctx context.Context, raw json.RawMessage) (any, error) {
	var p spawnParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, brokererr.New(brokererr.CodeMalformedRequest, "spawn_agent: "+err.Error(), err)
	}
	if p.Runtime == "" {
		p.Runtime = string(worker.RuntimePTY)
	}

	identity := worker.Identity{
		Name:     p.Name,
		Runtime:  worker.Runtime(p.Runtime),
		Channels: p.Channels,
		CLI:      p.CLI,
		CWD:      p.CWD,
		Model:    p.Model,
		Args:     p.Args,
		Env:      p.Env,
	}

	onEvent := func(we worker.Event) { d.publishWorkerEvent(p.Name, we) }

	// The child is bound to a context that the per-operation timeout does
	// not cancel, so it outlives this request.
	spawnCtx := context.WithoutCancel(ctx)

	var handle worker.Handle
	var err error
	switch identity.Runtime {
	case worker.RuntimeHeadless:
		var w *headless.Worker
		w, err = headless.Spawn(spawnCtx, headless.Options{
			Identity: identity,
			Task:     p.Task,
			Env:      envSlice(p.Env),
			OnEvent:  onEvent,
		})
		handle = w
	default:
		var w *ptyworker.Worker
		w, err = ptyworker.Spawn(spawnCtx, ptyworker.Options{
			Identity:   identity,
			Env:        envSlice(p.Env),
			BootMarker: worker.BootMarkers[p.CLI],
			OnEvent:    onEvent,
		})
		handle = w
	}
	if err != nil {
		return nil, err
	}

	identity.PID = handle.Identity().PID
	if _, err := d.reg.Register(identity, handle); err != nil {
		_ = handle.Terminate(time.Second)
		return nil, err
	}

	if d.relayc != nil {
		if _, err := d.relayc.EnsureWorkerToken(ctx, p.Name, worker.NormalizeRelayCLIHint(p.CLI)); err != nil {
			d.log.Warn().Err(err).Str("name", p.Name).Msg("relay pre-registration failed")
		}
	}

	if d.metrics != nil {
		d.metrics.RecordSpawn(p.CLI, p.Runtime)
		d.metrics.SetActiveAgents(len(d.reg.List()))
	}

	d.bus.Publish(eventbus.Event{Kind: eventbus.KindAgentSpawned, Name: p.Name})
	return map[string]any{"name": p.Name, "status": string(handle.Status())}, nil
}

func envSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

type releaseParams struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

func (d *Dispatcher) releaseAgent(ctx context.Context, raw json.RawMessage) (any, error) {
	var p releaseParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, brokererr.New(brokererr.CodeMalformedRequest, "release_agent: "+err.Error(), err)
	}
	entry, ok := d.reg.Get(p.Name)
	if !ok {
		return map[string]any{"name": p.Name, "released": true}, nil // already-released is a no-op success
	}
	_ = entry.Handle.Terminate(5 * time.Second)
	d.reg.Remove(p.Name)
	if d.metrics != nil {
		d.metrics.RecordRelease()
		d.metrics.SetActiveAgents(len(d.reg.List()))
	}
	d.bus.Publish(eventbus.Event{Kind: eventbus.KindAgentReleased, Name: p.Name, Reason: p.Reason})
	return map[string]any{"name": p.Name, "released": true}, nil
}

type sendMessageParams struct {
	To      string          `json:"to"`
	Text    string          `json:"text"`
	Data    json.RawMessage `json:"data,omitempty"`
	Thread  string          `json:"thread,omitempty"`
	From    string          `json:"from,omitempty"`
	EventID string          `json:"event_id,omitempty"`
}

func (d *Dispatcher) sendMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sendMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, brokererr.New(brokererr.CodeMalformedRequest, "send_message: "+err.Error(), err)
	}

	if p.To == relay.CloudSink {
		if d.relayc == nil {
			return nil, brokererr.New(brokererr.CodeConnectionLost, "relay not configured for __cloud__ sink", nil)
		}
		if err := d.relayc.SendOutbound(ctx, relay.OutboundMessage{To: p.To, From: p.From, Body: p.Text, DisplayTarget: p.Thread}); err != nil {
			return nil, err
		}
		return map[string]any{"event_id": p.EventID, "targets": []string{p.To}}, nil
	}

	if _, ok := d.reg.Get(p.To); !ok {
		return nil, brokererr.New(brokererr.CodeWorkerExited, "unknown agent: "+p.To, nil)
	}

	from := p.From
	if from == "" {
		from = "relay"
	}
	del, err := d.engine.Enqueue(p.To, p.EventID, from, p.Text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"event_id": del.EventID, "targets": []string{p.To}}, nil
}

type listAgentsResult struct {
	Name    string `json:"name"`
	CLI     string `json:"cli"`
	Runtime string `json:"runtime"`
	Status  string `json:"status"`
}

func (d *Dispatcher) listAgents(ctx context.Context, raw json.RawMessage) (any, error) {
	entries := d.reg.List()
	out := make([]listAgentsResult, 0, len(entries))
	for _, e := range entries {
		out = append(out, listAgentsResult{
			Name:    e.Identity.Name,
			CLI:     e.Identity.CLI,
			Runtime: string(e.Identity.Runtime),
			Status:  string(e.Handle.Status()),
		})
	}
	return out, nil
}

type sendInputParams struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

func (d *Dispatcher) sendInput(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sendInputParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, brokererr.New(brokererr.CodeMalformedRequest, "send_input: "+err.Error(), err)
	}
	entry, ok := d.reg.Get(p.Name)
	if !ok {
		return nil, brokererr.New(brokererr.CodeWorkerExited, "unknown agent: "+p.Name, nil)
	}
	if err := entry.Handle.Inject(ctx, []byte(p.Data)); err != nil {
		return nil, err
	}
	return map[string]any{"name": p.Name, "sent": true}, nil
}

type setModelParams struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// setModel updates the registry's record of a worker's active model.
// It does not hot-swap the live child's model — no worker runtime
// exposes a reload mechanism; the new value takes effect on the
// worker's next spawn.
func (d *Dispatcher) setModel(ctx context.Context, raw json.RawMessage) (any, error) {
	var p setModelParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, brokererr.New(brokererr.CodeMalformedRequest, "set_model: "+err.Error(), err)
	}
	if !d.reg.SetModel(p.Name, p.Model) {
		return nil, brokererr.New(brokererr.CodeWorkerExited, "unknown agent: "+p.Name, nil)
	}
	return map[string]any{"name": p.Name, "model": p.Model}, nil
}

func (d *Dispatcher) getMetrics(ctx context.Context, raw json.RawMessage) (any, error) {
	if d.metrics == nil {
		return map[string]float64{}, nil
	}
	return d.metrics.Snapshot(), nil
}

type getStatusParams struct {
	Name string `json:"name,omitempty"`
}

func (d *Dispatcher) getStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var p getStatusParams
	_ = json.Unmarshal(raw, &p)

	if p.Name != "" {
		entry, ok := d.reg.Get(p.Name)
		if !ok {
			return nil, brokererr.New(brokererr.CodeWorkerExited, "unknown agent: "+p.Name, nil)
		}
		return map[string]any{"name": p.Name, "status": string(entry.Handle.Status())}, nil
	}
	return d.listAgents(ctx, raw)
}

type getHistoryParams struct {
	Name  string `json:"name,omitempty"`
	Since string `json:"since,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (d *Dispatcher) getHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	var p getHistoryParams
	_ = json.Unmarshal(raw, &p)

	var since time.Time
	if p.Since != "" {
		t, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return nil, brokererr.New(brokererr.CodeMalformedRequest, "get_history: invalid since: "+err.Error(), err)
		}
		since = t
	}
	return d.bus.Query("", p.Name, since, p.Limit), nil
}

type getLogsParams struct {
	Name string `json:"name"`
}

func (d *Dispatcher) getLogs(ctx context.Context, raw json.RawMessage) (any, error) {
	var p getLogsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, brokererr.New(brokererr.CodeMalformedRequest, "get_logs: "+err.Error(), err)
	}
	entry, ok := d.reg.Get(p.Name)
	if !ok {
		return nil, brokererr.New(brokererr.CodeWorkerExited, "unknown agent: "+p.Name, nil)
	}
	return map[string]any{"name": p.Name, "tail": string(entry.Handle.Snapshot())}, nil
}

// publishWorkerEvent translates a worker.Event from ptyworker/headless
// into an eventbus.Event with the worker's name attached. This
// indirection is why ptyworker/headless never import internal/eventbus
// themselves — they only know how to call an OnEvent callback.
func (d *Dispatcher) publishWorkerEvent(name string, we worker.Event) {
	var kind eventbus.Kind
	switch we.Name {
	case "worker_ready":
		kind = eventbus.KindWorkerReady
	case "worker_stream":
		kind = eventbus.KindWorkerStream
	case "agent_idle":
		kind = eventbus.KindAgentIdle
	case "agent_exited":
		kind = eventbus.KindAgentExited
	case "status_changed":
		return // internal-only signal, not part of the published event vocabulary
	default:
		d.log.Warn().Str("event", we.Name).Msg("unrecognized worker event")
		return
	}

	evt := eventbus.Event{Kind: kind, Name: name, Reason: we.Reason, At: we.At}
	if we.Stream != "" {
		evt.Stream = we.Stream
		evt.Chunk = string(we.Chunk)
	}
	if we.Exit != nil {
		evt.Extra = map[string]any{"exit_code": we.Exit.Code, "signal": we.Exit.Signal}
	}
	d.bus.Publish(evt)

	if kind == eventbus.KindAgentExited {
		d.failPendingDeliveries(name)
	}
}

// failPendingDeliveries clears the registry's pending-delivery marker for
// an exited worker. It does not fail queued deliveries itself and does
// not remove the worker from the registry: deliveries already in flight
// observe worker.Done() inside the delivery engine's verify() loop, and
// queued ones fail in awaitReady() on the exited status once dequeued,
// after the engine's retries.
func (d *Dispatcher) failPendingDeliveries(name string) {
	d.reg.SetPendingDelivery(name, "")
}
