package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"weatherfish/internal/cache"
	"weatherfish/internal/config"
	"weatherfish/internal/handlers"
	"weatherfish/internal/httpserver"
	"weatherfish/internal/llm"
	"weatherfish/internal/metrics"
	"weatherfish/internal/persist"
	"weatherfish/internal/pipeline"
	"weatherfish/internal/prompt"
	"weatherfish/internal/scheduler"
	"weatherfish/internal/weather"
	"weatherfish/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("reportd exited with error: %v", err)
	}
}

func run() error {
	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger := logging.NewLoggerWithOptions(logging.Options{Env: cfg.Env, Level: cfg.LogLevel})
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("port", cfg.Server.Port),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("llm_base_url", cfg.LLM.BaseURL),
		zap.String("llm_backend", cfg.LLM.Backend),
		zap.String("model", cfg.LLM.Model),
		zap.String("persist_backend", cfg.Persist.Backend),
	)

	ctx := context.Background()

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	}

	// ----- Report cache -----
	store, err := cache.NewStore(cfg.Cache.StoreConfig(), redisClient)
	if err != nil {
		return err
	}
	reportCache := cache.NewReportCache(
		cache.NewLoggingStore(store, cfg.Cache.Backend),
		logger,
		cache.WithFlightTimeout(cfg.Server.RequestTimeout),
		cache.WithDrainTimeout(cfg.Server.ShutdownTimeout),
	)

	// ----- LLM client -----
	llmClient, err := llm.NewClient(ctx, cfg.LLM.ClientConfig(), logger)
	if err != nil {
		return err
	}
	var generator llm.Generator = llmClient
	generator = llm.Serialized(generator, cfg.LLM.Concurrency)
	generator = llm.WithBreaker(generator, cfg.LLM.Breaker, logger)

	// ----- Persistence -----
	var sink persist.Sink = persist.Nop{}
	switch cfg.Persist.Backend {
	case "file":
		if sink, err = persist.NewFileSink(cfg.Persist.Dir, logger); err != nil {
			return err
		}
	case "s3":
		if sink, err = persist.NewS3Sink(ctx, cfg.Persist.S3, logger); err != nil {
			return err
		}
	}

	// ----- Pipeline -----
	reports, err := pipeline.New(pipeline.Deps{
		Cache:     reportCache,
		Source:    weather.NewFileSource(cfg.Weather.Dir, logger),
		Prompts:   prompt.New(prompt.WithBudget(cfg.Prompt.Budget)),
		Generator: generator,
		Sink:      sink,
	}, cfg.Pipeline, logger, pipeline.WithCloser(llmClient))
	if err != nil {
		return err
	}
	defer func() {
		if err := reports.Close(); err != nil {
			logger.Warn("pipeline close error", zap.Error(err))
		}
	}()

	// ----- Scheduler -----
	sched, err := scheduler.New(reports, cfg.Scheduler, logger)
	if err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			return err
		}
	}
	defer sched.Stop()

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, handlers.NewReportHandler(reports, sched), httpserver.Options{
		RequestTimeout:   cfg.Server.RequestTimeout,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		AllowedOrigins:   cfg.Server.CORS.AllowedOrigins,
		AllowCredentials: cfg.Server.CORS.AllowCredentials,
	})

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting reportd", zap.String("addr", srv.Addr))

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
