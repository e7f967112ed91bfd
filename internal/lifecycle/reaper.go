package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/registry"
)

// DefaultReapInterval is how often the Reaper sweeps the registry.
const DefaultReapInterval = 2 * time.Second

// MetricsRecorder is the narrow surface the reaper uses to report
// catches; satisfied by *metrics.Metrics. A nil recorder is a valid
// no-op.
type MetricsRecorder interface {
	RecordReaped()
}

// Reaper catches workers that died without producing an exit event.
// Most exits are reported by the worker's own readLoop through the
// usual worker.Event -> eventbus.KindAgentExited path; the Reaper
// exists for the remainder — a process killed out from under the
// broker (OOM, external signal) whose reader goroutine never got to run
// its own finish() callback.
type Reaper struct {
	reg      *registry.Registry
	bus      *eventbus.Bus
	metrics  MetricsRecorder
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	reaped map[string]struct{}
}

// NewReaper builds a Reaper polling reg every interval (DefaultReapInterval
// if interval <= 0). metrics may be nil.
func NewReaper(reg *registry.Registry, bus *eventbus.Bus, metrics MetricsRecorder, interval time.Duration, log zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		reg:      reg,
		bus:      bus,
		metrics:  metrics,
		interval: interval,
		log:      log.With().Str("component", "reaper").Logger(),
		reaped:   make(map[string]struct{}),
	}
}

// Run blocks sweeping the registry until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	for _, e := range r.reg.List() {
		info, exited := e.Handle.Exited()
		if !exited {
			continue
		}
		if !r.claim(e.Identity.Name) {
			continue
		}
		if r.metrics != nil {
			r.metrics.RecordReaped()
		}
		r.log.Warn().
			Str("agent", e.Identity.Name).
			Int("exit_code", info.Code).
			Str("signal", info.Signal).
			Msg("reaper caught an untracked worker exit")
		r.bus.Publish(eventbus.Event{
			Kind:   eventbus.KindAgentExited,
			Name:   e.Identity.Name,
			Reason: "reaped",
			At:     time.Now(),
			Extra: map[string]any{
				"exit_code": info.Code,
				"signal":    info.Signal,
			},
		})
		r.reg.SetPendingDelivery(e.Identity.Name, "")
	}
}

// claim reports whether name has not yet been reported reaped, marking
// it reported if so. Guards against republishing agent_exited every
// sweep for a worker still sitting in the registry post-exit.
func (r *Reaper) claim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reaped[name]; ok {
		return false
	}
	r.reaped[name] = struct{}{}
	return true
}
