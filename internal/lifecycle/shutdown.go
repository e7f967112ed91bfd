package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/broker/internal/delivery"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/httpapi"
	"github.com/relaycast/broker/internal/registry"
	"github.com/relaycast/broker/internal/relay"
)

// GracePeriod is how long Shutdown waits for each worker to exit after
// requesting graceful termination before it is considered unresponsive.
// The worker's own Terminate implementation is responsible for
// escalating to a kill signal internally once this elapses.
const GracePeriod = 5 * time.Second

// Shutdown coordinates the components a running broker owns so they
// can be torn down in a fixed order: terminate workers, drain
// deliveries, flush the relay, close the WebSocket mirror, release
// the lock.
type Shutdown struct {
	Registry *registry.Registry
	Engine   *delivery.Engine
	Bus      *eventbus.Bus
	Relay    *relay.Client // nil if the relay is disabled
	HTTP     *httpapi.Server
	Lock     *Lock
	Log      zerolog.Logger
}

// Run executes the shutdown sequence. It does not return an error for
// individual component failures — each step is logged and best-effort,
// since a broker already shutting down has no one left to report a
// mid-shutdown failure to except its own log.
func (s *Shutdown) Run(ctx context.Context) {
	log := s.Log.With().Str("component", "lifecycle").Logger()

	for _, e := range s.Registry.List() {
		if err := e.Handle.Terminate(GracePeriod); err != nil {
			log.Warn().Err(err).Str("agent", e.Identity.Name).Msg("terminate failed during shutdown")
		}
	}

	if s.Engine != nil {
		s.Engine.Shutdown()
	}

	if s.Relay != nil {
		s.Relay.Stop()
	}

	if s.HTTP != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, GracePeriod)
		if err := s.HTTP.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown failed")
		}
		cancel()
	}

	if s.Bus != nil {
		s.Bus.Close()
	}

	if s.Lock != nil {
		if err := s.Lock.Release(); err != nil {
			log.Warn().Err(err).Msg("release lock failed")
		}
	}
}
