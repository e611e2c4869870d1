package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/dispatcher"
	"credit-orchestrator/internal/ledger"
	"credit-orchestrator/internal/logging"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/notify"
	"credit-orchestrator/internal/provider/catalog"
	"credit-orchestrator/internal/queue"
	"credit-orchestrator/internal/store"
	"credit-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New("worker", cfg.LogLevel, cfg.LogFormat).With().Str("worker_id", cfg.WorkerID).Logger()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	registry, err := catalog.Load(ctx, cfg, cfg.ProvidersFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.ProvidersFile).Msg("load provider catalogue")
	}
	for _, d := range registry.Descriptors() {
		log.Info().Str("provider", d.Name).Str("capability", d.Capability).Int("max_concurrent", d.MaxConcurrent).Bool("healthy", d.Healthy).Msg("provider registered")
	}

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()

	notifier := notify.New(log, cfg.NotifyBuffer, notify.NewRedisSink(rdb))

	d := dispatcher.New(dispatcher.OptionsFromConfig(cfg), dispatcher.Deps{
		Jobs: st,
		Ledger: ledger.New(st, log, ledger.Options{
			ConflictRetries: cfg.LedgerConflictRetries,
			DefaultPolicy:   models.OverrunPolicy(cfg.OverrunPolicy),
		}),
		Registry:  registry,
		Queue:     queue.NewRedisQueue(rdb, cfg),
		Publisher: notifier,
		Cancels:   queue.NewRedisCancelBus(rdb),
	}, log)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	log.Info().Dur("lease_ttl", cfg.LeaseTTL).Dur("backoff_initial", cfg.BackoffInitial).Int("concurrency", cfg.WorkerConcurrency).Msg("worker started")
	err = g.Wait()

	// Events from the shutdown requeue are still buffered.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	n := notifier.Drain(drainCtx)
	cancelDrain()
	log.Info().Int("events", n).Msg("notification outbox drained")

	if err != nil {
		log.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	log.Info().Msg("worker stopped")
}
