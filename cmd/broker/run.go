package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaycast/broker/internal/brokercfg"
	"github.com/relaycast/broker/internal/delivery"
	"github.com/relaycast/broker/internal/eventbus"
	"github.com/relaycast/broker/internal/frame"
	"github.com/relaycast/broker/internal/httpapi"
	"github.com/relaycast/broker/internal/lifecycle"
	"github.com/relaycast/broker/internal/metrics"
	"github.com/relaycast/broker/internal/orchestrator"
	"github.com/relaycast/broker/internal/registry"
	"github.com/relaycast/broker/internal/relay"
)

// shutdownGrace bounds the whole graceful-shutdown sequence, mirroring
// zjrosen-perles/cmd/daemon.go's context.WithTimeout(ctx, 30*time.Second)
// around its own Stop/Shutdown pair.
const shutdownGrace = 30 * time.Second

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// components bundles everything a running broker needs to hold onto
// for both the stdio transport and a graceful shutdown. buildComponents
// is used by runBroker; the swarm subcommand builds its own unlocked
// rig in newSwarmRig instead.
type components struct {
	cfg     brokercfg.Config
	log     zerolog.Logger
	reg     *registry.Registry
	bus     *eventbus.Bus
	engine  *delivery.Engine
	relayc  *relay.Client
	metrics *metrics.Metrics
	disp    *orchestrator.Dispatcher
	lock    *lifecycle.Lock
}

func buildComponents(cfg brokercfg.Config, log zerolog.Logger, force bool) (*components, error) {
	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		return nil, fatalf("create state directory: %w", err)
	}

	lock, err := lifecycle.AcquireLock(cfg.LockPath(), force)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	bus := eventbus.New()
	m := metrics.New()
	engine := delivery.New(reg, bus, delivery.DefaultConfig(), m)

	orchestrator.OperationBudgets = cfg.Timeouts.AsMap()

	var relayc *relay.Client
	if cfg.RelayURL != "" {
		relayc = relay.New(relay.Config{
			WebSocketURL:   cfg.RelayURL,
			BaseURL:        cfg.RelayURL,
			BrokerName:     filepath.Base(cfg.ProjectDir),
			TokenCachePath: cfg.TokenCachePath(),
		}, reg, bus, m, log)
		// Route relay-inbound messages addressed to a local worker
		// through the same delivery engine a stdio send_message call
		// uses, so relay egress and orchestrator egress share one FIFO
		// per worker.
		relayc.OnInbound(func(evt relay.NormalizedEvent) {
			if evt.To == "" {
				return
			}
			if _, ok := reg.Get(evt.To); !ok {
				return
			}
			from := evt.From
			if from == "" {
				from = "relay"
			}
			if _, err := engine.Enqueue(evt.To, "", from, evt.Body); err != nil {
				log.Warn().Err(err).Str("to", evt.To).Msg("relay inbound enqueue failed")
			}
		})
	}

	disp := orchestrator.New(reg, bus, engine, relayc, m, log)

	return &components{
		cfg: cfg, log: log, reg: reg, bus: bus, engine: engine,
		relayc: relayc, metrics: m, disp: disp, lock: lock,
	}, nil
}

func runBroker(cmd *cobra.Command, args []string) error {
	dir, err := resolveProjectDir()
	if err != nil {
		return fatalf("resolve project directory: %w", err)
	}

	cfg, err := brokercfg.Load(v, cfgFile, dir)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	c, err := buildComponents(cfg, log, force)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if c.relayc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.relayc.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("relay client stopped")
			}
		}()
	}

	reaper := lifecycle.NewReaper(c.reg, c.bus, c.metrics, lifecycle.DefaultReapInterval, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		codec := frame.New(os.Stdin, os.Stdout, frame.DefaultMaxFrameSize)
		if err := c.disp.Serve(ctx, codec); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	handler := httpapi.NewHandler(httpapi.Config{
		Registry: c.reg,
		Bus:      c.bus,
		Engine:   c.engine,
		Relay:    c.relayc,
		Metrics:  c.metrics,
		Log:      log,
	})
	httpSrv, err := httpapi.NewServer(cfg.ListenAddr, handler)
	if err != nil {
		c.lock.Release()
		return fatalf("start HTTP listen API: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.Serve(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info().Str("project_dir", cfg.ProjectDir).Str("listen_addr", cfg.ListenAddr).Msg("broker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	sd := lifecycle.Shutdown{
		Registry: c.reg,
		Engine:   c.engine,
		Bus:      c.bus,
		Relay:    c.relayc,
		HTTP:     httpSrv,
		Lock:     c.lock,
		Log:      log,
	}
	sd.Run(shutdownCtx)
	stop()

	// The stdio Serve goroutine blocks on reading os.Stdin, which
	// nothing here can interrupt short of the parent orchestrator
	// closing its end of the pipe — wg.Wait() would hang on exactly
	// that goroutine when the broker is killed out from under an
	// already-exited parent, so shutdown returns once every other
	// component has wound down instead of joining all of them.
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}
