package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/convergence-engine/internal/api"
	"github.com/atmx/convergence-engine/internal/batch"
	"github.com/atmx/convergence-engine/internal/collector"
	"github.com/atmx/convergence-engine/internal/config"
	"github.com/atmx/convergence-engine/internal/engine"
	"github.com/atmx/convergence-engine/internal/exchange"
	"github.com/atmx/convergence-engine/internal/metrics"
	"github.com/atmx/convergence-engine/internal/quality"
	"github.com/atmx/convergence-engine/internal/scheduler"
	"github.com/atmx/convergence-engine/internal/store"
	"github.com/atmx/convergence-engine/internal/synth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL", "url", cfg.MaskedDatabaseURL())

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Exchange client ---
	client := exchange.NewClient(exchange.Options{
		BaseURL: cfg.ExchangeAPIURL,
		Timeout: cfg.FetchTimeout,
		RPS:     cfg.ExchangeRPS,
		MidsTTL: cfg.MidsTTL,
	})

	// --- Pipeline ---
	batchOpts := batch.Options{Size: cfg.FetchBatchSize, Delay: cfg.FetchBatchDelay}

	synthCfg := synth.DefaultConfig()
	synthCfg.MaxLeverage = cfg.MaxLeverage

	eng := engine.New(st, client, client, engine.Options{
		Synth:           synthCfg,
		Expiry:          cfg.SignalExpiry,
		Batch:           batchOpts,
		BacktestHorizon: cfg.BacktestHorizon,
	})
	positions := collector.NewPositionCollector(client, st, batchOpts, cfg.PositionTTL)
	qualities := collector.NewQualityCollector(quality.NewAnalyzer(client, st), st, batchOpts)

	if len(cfg.SeedWallets) > 0 {
		added, err := qualities.Discover(ctx, cfg.SeedWallets)
		if err != nil {
			slog.Error("seed wallets failed", "err", err)
		} else {
			slog.Info("seed wallets registered", "configured", len(cfg.SeedWallets), "added", added)
		}
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)
	eng.SetPublisher(hub)

	// --- Scheduler ---
	sched := scheduler.New()
	tasks := []scheduler.Task{
		{
			Name:       "quality",
			Interval:   cfg.QualityInterval,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, err := qualities.Refresh(ctx)
				return err
			},
		},
		{
			Name:       "positions",
			Interval:   cfg.PositionInterval,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, err := positions.Refresh(ctx)
				return err
			},
		},
		{
			Name:     "synthesis",
			Interval: cfg.SynthInterval,
			Run: func(ctx context.Context) error {
				_, err := eng.RunSynthesisCycle(ctx)
				return err
			},
		},
		{
			Name:     "expiry_sweep",
			Interval: cfg.ExpirySweep,
			Run: func(ctx context.Context) error {
				_, err := eng.SweepExpired(ctx)
				return err
			},
		},
		{
			Name:     "retention",
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) error {
				n, err := eng.Prune(ctx, cfg.Retention)
				if err == nil && n > 0 {
					slog.Info("pruned inactive signals", "deleted", n)
				}
				return err
			},
		},
	}
	for _, t := range tasks {
		if err := sched.Add(t); err != nil {
			slog.Error("scheduler setup failed", "task", t.Name, "err", err)
			os.Exit(1)
		}
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			slog.Error("scheduler stopped", "err", err)
		}
	}()

	// --- HTTP router ---
	svc := api.NewService(eng, st, hub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", svc.Health)
	r.Handle("/metrics", metrics.Handler())
	svc.Mount(r)

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// Backtests over a year of signals can take a while.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("convergence-engine listening", "port", cfg.Port, "exchange", cfg.ExchangeAPIURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down convergence-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		slog.Warn("scheduler did not stop in time")
	}
	fmt.Println("convergence-engine stopped")
}
