// SPDX-License-Identifier: MIT

// arbiterd is the turn-orchestrating gateway daemon. It fronts the model
// router, memory, tool executor, and perception services behind one
// authenticated HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/arbiterhq/arbiter/internal/api"
	"github.com/arbiterhq/arbiter/internal/auth"
	"github.com/arbiterhq/arbiter/internal/backends"
	"github.com/arbiterhq/arbiter/internal/backpressure"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/dlq"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/pipeline"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/resilience"
	"github.com/arbiterhq/arbiter/internal/session"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/telemetry"
)

const version = "1.1.0"

func main() {
	if err := run(); err != nil {
		log.WithComponent("main").Fatal().Err(err).Msg("arbiterd failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "arbiterd"})
	logger := log.WithComponent("main")
	logger.Info().Str("version", version).Interface("config", cfg.Masked()).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// tracing
	var traceOut *os.File
	if cfg.TraceStdout {
		traceOut = os.Stdout
		if cfg.LogDir != "" {
			if f, err := os.OpenFile(filepath.Join(cfg.LogDir, "traces.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				traceOut = f
				defer f.Close()
			}
		}
	}
	provider, err := telemetry.NewProvider(ctx, telemetry.TracerConfig{
		Enabled:        cfg.TraceStdout,
		ServiceName:    "arbiterd",
		ServiceVersion: version,
		Environment:    os.Getenv("ENVIRONMENT"),
		SamplingRate:   1.0,
		Output:         traceOut,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	// durable state
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	// shared cache: Redis when configured, in-process otherwise
	var principals cache.Cache
	if cfg.Redis.Addr != "" {
		principals, err = cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using in-process cache")
			principals = nil
		}
	}
	if principals == nil {
		principals = cache.NewMemoryCache(time.Minute, 10_000)
	}
	defer principals.Stop()

	// telemetry events: log stream plus the diagnostics tail
	events := telemetry.NewMemorySink(512)
	emitter := telemetry.NewEmitter(events, telemetry.LogSink{Logger: *log.WithComponent("event")})

	breakers := resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig(), emitter)
	governor := budget.NewGovernor(budget.Config{
		budget.DimText:          {Max: cfg.Budgets.TextChars, Strategy: budget.SentenceBoundary},
		budget.DimContext:       {Max: cfg.Budgets.ContextChars, Strategy: budget.HardCut},
		budget.DimToolCalls:     {Max: cfg.Budgets.ToolCalls, Strategy: budget.Reject},
		budget.DimVisionFrames:  {Max: cfg.Budgets.VisionFrames, Strategy: budget.DropOldest},
		budget.DimMemoryEntries: {Max: cfg.Budgets.MemoryEntries, Strategy: budget.DropOldest},
	})

	inputs := backpressure.NewManager(8)
	sessions := session.NewManager(session.ManagerConfig{
		MaxSessions: cfg.MaxSessions,
		SessionTTL:  cfg.SessionTTL.Std(),
	}, st, session.WithManagerEmitter(emitter), session.WithInputQueues(inputs))
	gate := policy.NewGate(policy.DefaultGateConfig(), st, policy.WithGateEmitter(emitter))
	queue := dlq.NewQueue(cfg.MaxDLQDepth, st)
	replay := dlq.NewReplayPolicy(queue, breakers, func(_ context.Context, l *dlq.Letter) ([]string, error) {
		// replays are acknowledgements; the original payload is redacted
		// and the caller re-drives the operation out of band
		return []string{"acknowledged:" + l.LetterID}, nil
	})

	// crash recovery before serving
	if err := sessions.Rehydrate(ctx); err != nil {
		logger.Warn().Err(err).Msg("session rehydrate failed")
	}
	if err := gate.Rehydrate(ctx); err != nil {
		logger.Warn().Err(err).Msg("confirmation rehydrate failed")
	}
	if err := queue.Rehydrate(ctx); err != nil {
		logger.Warn().Err(err).Msg("dead letter rehydrate failed")
	}

	orch := pipeline.New(pipeline.Config{TurnBudget: cfg.TurnBudget.Std()}, pipeline.Deps{
		Sessions:    sessions,
		Gate:        gate,
		Breakers:    breakers,
		Governor:    governor,
		DeadLetters: queue,
		Emitter:     emitter,
		Inputs:      inputs,
		Model:       backends.NewModelRouter(cfg.Backends.ModelRouterURL, 25*time.Second),
		Memory:      backends.NewMemory(cfg.Backends.MemoryURL, 5*time.Second),
		Tools:       backends.NewToolExecutor(cfg.Backends.ToolExecutorURL, 10*time.Second),
		Perception:  backends.NewPerception(cfg.Backends.PerceptionURL, 10*time.Second),
	})

	entries := make([]auth.TokenEntry, 0, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		entries = append(entries, auth.TokenEntry{Token: tok.Token, ClientID: tok.ClientID, Scopes: tok.Scopes})
	}

	server := api.NewServer(api.Deps{
		Auth:     auth.New(entries, principals, cfg.AuthBypass),
		Limiter:  ratelimit.New(ratelimit.Config{Rate: rate.Limit(cfg.RateLimit.Rate), Burst: cfg.RateLimit.Burst}),
		Sessions: sessions,
		Gate:     gate,
		Turns:    orch,
		Breakers: breakers,
		Queue:    queue,
		Replay:   replay,
		Governor: governor,
		Store:    st,
		Events:   events,
		Cache:    principals,
		Inputs:   inputs,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	holder := config.NewHolder(cfg, os.Getenv(config.EnvConfigPath))
	reloads := make(chan *config.Config, 1)
	holder.RegisterListener(reloads)
	if err := holder.Watch(ctx); err != nil {
		logger.Warn().Err(err).Msg("config watch disabled")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sessions.Run(ctx)
		return nil
	})
	g.Go(func() error {
		gate.Run(ctx)
		return nil
	})
	g.Go(func() error {
		// idempotency keys are short-lived; prune on a slow tick
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n, err := st.PruneExpiredIdempotencyKeys(ctx); err == nil && n > 0 {
					logger.Debug().Int("pruned", n).Msg("idempotency keys expired")
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-reloads:
				if lvl, err := zerolog.ParseLevel(next.LogLevel); err == nil {
					zerolog.SetGlobalLevel(lvl)
				}
				logger.Info().Str("log_level", next.LogLevel).
					Msg("reloaded config applied; listen/store changes take effect on restart")
			}
		}
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("stopped")
	return err
}
