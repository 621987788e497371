package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"EnrollDispatch/internal/api"
	"EnrollDispatch/internal/campaign"
	"EnrollDispatch/internal/config"
	"EnrollDispatch/internal/credpool"
	"EnrollDispatch/internal/db"
	"EnrollDispatch/internal/dispatch"
	"EnrollDispatch/internal/email"
	"EnrollDispatch/internal/events"
	"EnrollDispatch/internal/jobstore"
	"EnrollDispatch/internal/limiter"
	"EnrollDispatch/internal/metrics"
	"EnrollDispatch/internal/records"
	"EnrollDispatch/internal/scheduler"
	"EnrollDispatch/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Credential Pool
	// ------------------------------------------------
	pool := credpool.New(
		credpool.WithDefaultCooldown(cfg.CooldownDuration()),
		credpool.WithLogger(logger),
	)
	if err := pool.Initialize(cfg.APIKeys); err != nil {
		logger.Fatal("credential pool initialization failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Job Store + Records
	// ------------------------------------------------
	storeOpts := []jobstore.Option{jobstore.WithMaxAttempts(cfg.MaxAttempts)}

	var (
		store    jobstore.Store
		recorder records.Recorder
	)

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := db.New(ctx, cfg.DatabaseURL, cfg.DBWait, logger)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()

		ps := jobstore.NewPostgresStore(pg.Pool, storeOpts...)
		if err := ps.Migrate(ctx); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
		store = ps
		recorder = records.NewMemoryRecorder()

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		store = jobstore.NewRedisStore(rdb, storeOpts...)
		recorder = records.NewRedisRecorder(rdb, cfg.TrackingTTL)

	default:
		store = jobstore.NewMemoryStore(storeOpts...)
		recorder = records.NewMemoryRecorder()
	}
	logger.Info("job store ready", zap.String("backend", cfg.StoreBackend))

	// ------------------------------------------------
	// Campaign Catalog
	// ------------------------------------------------
	catalog, err := loadCatalog(cfg.CampaignsFile, logger)
	if err != nil {
		logger.Fatal("failed to load campaigns", zap.Error(err))
	}
	planner := campaign.NewPlanner(catalog, store, logger)

	// ------------------------------------------------
	// Dispatchers
	// ------------------------------------------------
	sender := email.NewSender(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  cfg.CallTimeout,
	}, logger)

	dispatchers := dispatch.NewRegistry(
		dispatch.NewQuizClient(cfg.AIAPIURL, cfg.CallTimeout),
		sender,
	)

	// ------------------------------------------------
	// Rate Limiter + Concurrency Limiter
	// ------------------------------------------------
	var throttle *rate.Limiter
	if cfg.RateLimit > 0 {
		throttle = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	lim := limiter.New(cfg.MaxConcurrency)

	// ------------------------------------------------
	// Delivery Worker + Scheduler
	// ------------------------------------------------
	w := worker.New(worker.Deps{
		Store:       store,
		Pool:        pool,
		Limiter:     lim,
		Catalog:     catalog,
		Dispatchers: dispatchers,
		Recorder:    recorder,
		Throttle:    throttle,
		Logger:      logger,
	}, worker.Config{
		BatchSize:    cfg.SweepBatch,
		CallTimeout:  cfg.CallTimeout,
		RetryInitial: cfg.RetryInitial,
		RetryMax:     cfg.RetryMax,
	})

	sched, err := scheduler.New(cfg.SweepInterval, func(tickCtx context.Context) {
		if _, err := w.RunSweep(tickCtx, cfg.SweepBatch); err != nil && !errors.Is(err, worker.ErrSweepInProgress) {
			logger.Error("sweep failed", zap.Error(err))
		}
	}, logger)
	if err != nil {
		logger.Fatal("scheduler setup failed", zap.Error(err))
	}
	sched.Start()

	// ------------------------------------------------
	// Event Consumer (optional)
	// ------------------------------------------------
	var wg sync.WaitGroup

	if cfg.AMQPURL != "" {
		consumer, err := events.Dial(cfg.AMQPURL, cfg.AMQPQueue, planner, logger)
		if err != nil {
			logger.Fatal("event consumer setup failed", zap.Error(err))
		}
		defer consumer.Close()
		consumer.OnPlanned = func() { sched.Trigger() }

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("event consumer stopped", zap.Error(err))
			}
		}()
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store:     store,
		Planner:   planner,
		Sweeper:   w,
		Scheduler: sched,
		Recorder:  recorder,
		Pool:      pool,
		Limiter:   lim,
		Log:       logger.With(zap.String("component", "api")),
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.Router(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting requests before the delivery side winds down
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Reject queued work so the running sweep can finish
	if n := lim.Drain(); n > 0 {
		logger.Info("queued dispatches cancelled", zap.Int("count", n))
	}
	sched.Stop()

	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

// loadCatalog reads the campaigns file. A missing file yields an empty
// catalog so the service can start before campaigns are configured.
func loadCatalog(path string, logger *zap.Logger) (*campaign.MemoryCatalog, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Warn("campaigns file not found, starting with empty catalog", zap.String("path", path))
		return campaign.NewMemoryCatalog()
	}
	catalog, err := campaign.LoadFile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("campaigns loaded", zap.String("path", path))
	return catalog, nil
}
