// Package main is the entrypoint for the job queue server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/api"
	"github.com/kiranshivaraju/jobqueue/internal/api/handler"
	mw "github.com/kiranshivaraju/jobqueue/internal/api/middleware"
	"github.com/kiranshivaraju/jobqueue/internal/api/response"
	"github.com/kiranshivaraju/jobqueue/internal/cache"
	"github.com/kiranshivaraju/jobqueue/internal/config"
	"github.com/kiranshivaraju/jobqueue/internal/discovery"
	"github.com/kiranshivaraju/jobqueue/internal/metrics"
	"github.com/kiranshivaraju/jobqueue/internal/queue"
	"github.com/kiranshivaraju/jobqueue/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// options carries command-line overrides on top of the env/YAML config.
type options struct {
	configPath    string
	persistPath   string
	migrationsDir string
}

func loadConfig(opts options) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = os.Getenv("QUEUE_CONFIG_FILE")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if opts.persistPath != "" {
		cfg.Store.PersistPath = opts.persistPath
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})).With("env", cfg.Server.Env))
}

func run(ctx context.Context, opts options) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg)
	slog.Info("config loaded",
		"store_backend", cfg.Store.Backend,
		"abandoned_age", cfg.Queue.AbandonedAge.String(),
		"max_attempts", cfg.Queue.MaxAttempts,
	)

	// 2. Bind the HTTP port
	ln, err := listen(cfg.Server)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	return serve(ctx, cfg, opts, ln)
}

func listen(cfg config.ServerConfig) (net.Listener, error) {
	if cfg.PortSearch {
		return discovery.ListenNearest(cfg.Host, cfg.Port)
	}
	return net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
}

// serve wires the queue to ln and blocks until ctx is cancelled or a
// component fails. ln is closed on return.
func serve(ctx context.Context, cfg *config.Config, opts options, ln net.Listener) error {
	defer ln.Close()

	// 3. Open the job store
	st, mem, err := openStore(ctx, cfg, opts.migrationsDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("store close failed", "error", err)
		}
	}()

	// 4. Optional Redis: job cache, rate limiting, discovery
	var redisCache *cache.RedisCache
	if cfg.Redis.URL != "" {
		redisCache, err = cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
	}

	// 5. Build the queue
	var queueOpts []queue.Option
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(reg)
		queueOpts = append(queueOpts, queue.WithRecorder(collector))
	}
	var c cache.Cache
	if redisCache != nil {
		c = redisCache
		queueOpts = append(queueOpts, queue.WithCache(redisCache))
	}
	q := queue.New(st, cfg.Queue, queueOpts...)

	// 6. Build router with dependencies
	jobs := handler.NewJobs(q)
	deps := api.Dependencies{
		HealthHandler: healthHandler(q, c),
		CreateJob:     jobs.Create,
		JobStats:      jobs.Stats,
		GetJob:        jobs.Get,
		ClaimJob:      jobs.Claim,
		TickleJob:     jobs.Tickle,
		CompleteJob:   jobs.Complete,
	}
	if collector != nil {
		deps.MetricsHandler = collector.Handler()
	}
	if redisCache != nil {
		deps.RateLimit = mw.NewRateLimit(redisCache, cfg.Redis.RateLimitPerMinute)
	}

	srv := &http.Server{
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 7. Run server, sweeper, persister and advertiser until shutdown
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	sweeper := queue.NewSweeper(q, cfg.Queue.SweepInterval)
	g.Go(func() error { return sweeper.Run(gctx) })

	if mem != nil {
		g.Go(func() error { return mem.RunPersister(gctx, cfg.Store.PersistInterval) })
	}

	if redisCache != nil {
		adv := discovery.NewAdvertiser(redisCache, cfg.Discovery, advertisedEndpoint(cfg.Server.Host, ln))
		g.Go(func() error { return adv.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// openStore returns the configured store. mem is non-nil only for a
// snapshot-backed memory store, whose persister the caller must run.
func openStore(ctx context.Context, cfg *config.Config, migrationsDir string) (st store.Store, mem *store.MemoryStore, err error) {
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		slog.Info("database connected")

		if migrationsDir == "" {
			migrationsDir = defaultMigrationsDir
		}
		if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		return store.NewPostgresStore(pool), nil, nil

	default:
		if cfg.Store.PersistPath == "" {
			slog.Warn("memory store is not persistent; jobs are lost on exit")
			return store.NewMemoryStore(), nil, nil
		}
		mem, err := store.OpenMemoryStore(cfg.Store.PersistPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open memory store: %w", err)
		}
		return mem, mem, nil
	}
}

func advertisedEndpoint(host string, ln net.Listener) discovery.Endpoint {
	port := ln.Addr().(*net.TCPAddr).Port
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return discovery.Endpoint{Host: host, Port: port, StartedAt: time.Now().UTC()}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks store and cache connectivity. c may be nil when Redis
// is not configured.
func healthHandler(s pinger, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"store": "ok",
			"cache": "disabled",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
		}
		if c != nil {
			checks["cache"] = "ok"
			if err := c.Ping(r.Context()); err != nil {
				checks["cache"] = "degraded"
			}
		}

		degraded := checks["store"] == "degraded" || checks["cache"] == "degraded"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
