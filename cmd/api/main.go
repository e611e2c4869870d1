package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"credit-orchestrator/internal/api"
	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/ledger"
	"credit-orchestrator/internal/logging"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/notify"
	"credit-orchestrator/internal/orchestrator"
	"credit-orchestrator/internal/provider/catalog"
	"credit-orchestrator/internal/queue"
	"credit-orchestrator/internal/ratelimit"
	"credit-orchestrator/internal/store"
)

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func main() {
	cfg := config.Load()
	log := logging.New("api", cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, cfg)

	// Workers publish job events to Redis; the bridge fans them out to
	// this process's SSE subscribers.
	hub := notify.NewHub(cfg.SubscriberBuffer)
	bridge := notify.NewRedisBridge(rdb, hub, log)
	notifier := notify.New(log, cfg.NotifyBuffer, notify.NewRedisSink(rdb))

	svc := orchestrator.New(orchestrator.OptionsFromConfig(cfg), orchestrator.Deps{
		Jobs: st,
		Ledger: ledger.New(st, log, ledger.Options{
			ConflictRetries: cfg.LedgerConflictRetries,
			DefaultPolicy:   models.OverrunPolicy(cfg.OverrunPolicy),
		}),
		Capabilities: registry,
		Queue:        q,
		Publisher:    notifier,
		Cancels:      queue.NewRedisCancelBus(rdb),
		Subscriber:   hub,
	}, log)

	server := api.New(svc, api.Options{
		Limiter: ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Health: map[string]api.Pinger{
			"postgres": st,
			"redis":    redisPinger{rdb},
		},
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error {
		if err := bridge.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Strs("capabilities", registry.Capabilities()).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api stopped")
		os.Exit(1)
	}
	log.Info().Msg("api stopped")
}
