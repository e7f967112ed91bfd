package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaycast/broker/internal/brokercfg"
	"github.com/relaycast/broker/internal/delivery"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/frame"
	"github.com/relaycast/broker/internal/orchestrator"
	"github.com/relaycast/broker/internal/registry"
)

// swarmPattern describes one built-in way to fan a single task out
// across --teams one-shot headless agents.
type swarmPattern struct {
	name        string
	description string
	// sequential is true when team i+1 must not start until team i has
	// reached a terminal state.
	sequential bool
}

var swarmPatterns = []swarmPattern{
	{name: "fanout", description: "every team runs the task independently and concurrently", sequential: false},
	{name: "pipeline", description: "teams run the task one at a time, in name order", sequential: true},
}

var (
	swarmPatternFlag string
	swarmTask        string
	swarmTeams       int
	swarmTimeout     time.Duration
	swarmList        bool
	swarmCLI         string
)

var swarmCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Drive a synchronous fleet of one-shot agents through the orchestrator protocol",
	RunE:  runSwarm,
}

func init() {
	swarmCmd.Flags().StringVar(&swarmPatternFlag, "pattern", "fanout", "swarm pattern: fanout or pipeline")
	swarmCmd.Flags().StringVar(&swarmTask, "task", "", "task text given to every team")
	swarmCmd.Flags().IntVar(&swarmTeams, "teams", 1, "number of teams to spawn")
	swarmCmd.Flags().DurationVar(&swarmTimeout, "timeout", 2*time.Minute, "overall swarm deadline")
	swarmCmd.Flags().BoolVar(&swarmList, "list", false, "list available patterns and exit")
	swarmCmd.Flags().StringVar(&swarmCLI, "cli", "claude", "CLI backend each team runs")
}

// teamResult is one team's outcome in the swarm result envelope.
type teamResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // "ok" | "failed" | "timeout"
	ExitCode int    `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`
}

// swarmResult is the structured result envelope swarm prints to stdout.
type swarmResult struct {
	Pattern  string       `json:"pattern"`
	Task     string       `json:"task"`
	Teams    []teamResult `json:"teams"`
	Elapsed  string       `json:"elapsed"`
	TimedOut bool         `json:"timed_out"`
}

func runSwarm(cmd *cobra.Command, args []string) error {
	if swarmList {
		for _, p := range swarmPatterns {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.name, p.description)
		}
		return nil
	}
	if swarmTask == "" {
		return fatalf("swarm: --task is required")
	}
	if swarmTeams < 1 {
		return fatalf("swarm: --teams must be at least 1")
	}

	var pattern *swarmPattern
	for i := range swarmPatterns {
		if swarmPatterns[i].name == swarmPatternFlag {
			pattern = &swarmPatterns[i]
			break
		}
	}
	if pattern == nil {
		return fatalf("swarm: unknown pattern %q (use --list)", swarmPatternFlag)
	}

	dir, err := resolveProjectDir()
	if err != nil {
		return fatalf("resolve project directory: %w", err)
	}
	cfg, err := brokercfg.Load(v, cfgFile, dir)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel).Level(zerolog.Disabled) // swarm's stdout is the result envelope, not logs

	rig, err := newSwarmRig(cfg, log)
	if err != nil {
		return err
	}
	defer rig.close()

	ctx, cancel := context.WithTimeout(context.Background(), swarmTimeout)
	defer cancel()

	names := make([]string, swarmTeams)
	for i := range names {
		names[i] = fmt.Sprintf("team-%d", i+1)
	}

	start := time.Now()
	results := make([]teamResult, swarmTeams)
	timedOut := false

	run := func(i int) {
		results[i] = rig.runTeam(ctx, names[i], swarmCLI, swarmTask)
	}

	if pattern.sequential {
		for i := range names {
			if ctx.Err() != nil {
				timedOut = true
				results[i] = teamResult{Name: names[i], Status: "timeout"}
				continue
			}
			run(i)
		}
	} else {
		var wg sync.WaitGroup
		for i := range names {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				run(i)
			}(i)
		}
		wg.Wait()
	}
	if ctx.Err() != nil {
		timedOut = true
	}

	res := swarmResult{
		Pattern:  pattern.name,
		Task:     swarmTask,
		Teams:    results,
		Elapsed:  time.Since(start).Round(time.Millisecond).String(),
		TimedOut: timedOut,
	}
	sort.Slice(res.Teams, func(i, j int) bool { return res.Teams[i].Name < res.Teams[j].Name })

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// swarmRig wires a dispatcher to an in-process pair of io.Pipe-backed
// frame.Codecs, exactly as internal/orchestrator/orchestrator_test.go's
// testRig pairs a server and client codec — swarm drives its own
// ephemeral broker over the real protocol instead of calling worker
// packages directly, so it is a faithful rehearsal of what an external
// orchestrator does.
//
// Teams in the "fanout" pattern are spawned concurrently, so unlike the
// single-call-at-a-time testRig, the rig demultiplexes responses by
// envelope id behind a background reader goroutine rather than assuming
// one in-flight call at a time.
type swarmRig struct {
	projectDir string
	reg        *registry.Registry
	bus        *eventbus.Bus
	engine     *delivery.Engine
	client     *frame.Codec

	cancel   context.CancelFunc
	serveErr chan error
	pipes    []io.Closer

	mu      sync.Mutex
	nextID  int
	waiters map[string]chan *frame.Envelope
}

func newSwarmRig(cfg brokercfg.Config, log zerolog.Logger) (*swarmRig, error) {
	reg := registry.New()
	bus := eventbus.New()
	engine := delivery.New(reg, bus, delivery.DefaultConfig(), nil)
	disp := orchestrator.New(reg, bus, engine, nil, nil, log)

	serverR, clientW := io.Pipe()
	clientR, serverW := io.Pipe()
	serverCodec := frame.New(serverR, serverW, frame.DefaultMaxFrameSize)
	clientCodec := frame.New(clientR, clientW, frame.DefaultMaxFrameSize)

	ctx, cancel := context.WithCancel(context.Background())
	r := &swarmRig{
		projectDir: cfg.ProjectDir,
		reg:        reg,
		bus:        bus,
		engine:     engine,
		client:     clientCodec,
		cancel:     cancel,
		serveErr:   make(chan error, 1),
		pipes:      []io.Closer{clientW, serverW},
		waiters:    make(map[string]chan *frame.Envelope),
	}

	go func() { r.serveErr <- disp.Serve(ctx, serverCodec) }()
	go r.readLoop()

	return r, nil
}

// readLoop demultiplexes response envelopes to their caller by id and
// drops event frames; swarm reports outcomes via Handle.Done(), not the
// event stream, since each team is a single headless run-to-completion
// call rather than a long-lived worker other callers subscribe to.
func (r *swarmRig) readLoop() {
	for {
		env, err := r.client.Decode()
		if err != nil {
			return
		}
		if env.Type != frame.KindResponse {
			continue
		}
		r.mu.Lock()
		ch, ok := r.waiters[env.ID]
		if ok {
			delete(r.waiters, env.ID)
		}
		r.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (r *swarmRig) call(ctx context.Context, method string, params any) (*frame.Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("swarm-%d", r.nextID)
	ch := make(chan *frame.Envelope, 1)
	r.waiters[id] = ch
	r.mu.Unlock()

	req := &frame.Envelope{Type: frame.KindRequest, ID: id, Method: method, Params: raw}
	if err := r.client.Encode(req); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// runTeam spawns one headless team, waits for it to run the task to
// completion, then releases it.
func (r *swarmRig) runTeam(ctx context.Context, name, cli, task string) teamResult {
	resp, err := r.call(ctx, "spawn_agent", map[string]any{
		"name":    name,
		"cli":     cli,
		"runtime": "headless",
		"task":    task,
		"cwd":     r.projectDir,
	})
	if err != nil {
		return teamResult{Name: name, Status: "failed", Error: err.Error()}
	}
	if resp.Error != nil {
		return teamResult{Name: name, Status: "failed", Error: resp.Error.Message}
	}

	entry, ok := r.reg.Get(name)
	if !ok {
		return teamResult{Name: name, Status: "failed", Error: "team vanished from registry after spawn"}
	}

	select {
	case <-entry.Handle.Done():
	case <-ctx.Done():
		_, _ = r.call(context.Background(), "release_agent", map[string]any{"name": name, "reason": "swarm timeout"})
		return teamResult{Name: name, Status: "timeout"}
	}

	info, _ := entry.Handle.Exited()
	res := teamResult{Name: name, ExitCode: info.Code, Signal: info.Signal}
	if info.Code == 0 && info.Signal == "" {
		res.Status = "ok"
	} else {
		res.Status = "failed"
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = r.call(releaseCtx, "release_agent", map[string]any{"name": name})

	return res
}

// close tears down the rig: cancelling ctx stops the event-subscription
// goroutine, and closing both pipe writers unblocks the Decode calls in
// Serve and readLoop (an io.Pipe read returns io.EOF once its peer
// writer closes, which a context cancellation alone would not
// cause since Decode has no ctx-awareness of its own).
func (r *swarmRig) close() {
	r.cancel()
	for _, p := range r.pipes {
		_ = p.Close()
	}
	<-r.serveErr
}
