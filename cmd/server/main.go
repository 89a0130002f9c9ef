package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	http_handler "breedscope.app/internal/adapters/handler/http"
	"breedscope.app/internal/adapters/handler/mqtt"
	"breedscope.app/internal/adapters/model/tfserving"
	redis_adapter "breedscope.app/internal/adapters/queue/redis"
	"breedscope.app/internal/adapters/repository/pg"
	"breedscope.app/internal/adapters/storage/minio"
	"breedscope.app/internal/config"
	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/ports"
	"breedscope.app/internal/core/services"
	"breedscope.app/internal/core/tracing"
	"breedscope.app/internal/explain"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("breedscope: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize structured logger
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting BreedScope server", "version", version)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("Failed to set GOMAXPROCS", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize tracing
	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(ctx, tracing.Options{
			ServiceName:    cfg.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.OTLPEndpoint,
			SampleRatio:    cfg.TraceSampleRatio,
		})
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
		} else {
			logger.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Initialize adapters
	repo, err := pg.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}

	var artifacts ports.ArtifactStore = repo
	if cfg.ArtifactBackend == "minio" {
		store, err := minio.NewStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioSecure)
		if err != nil {
			return fmt.Errorf("init minio: %w", err)
		}
		artifacts = store
	}
	logger.Info("Artifact store ready", "backend", cfg.ArtifactBackend)

	broker, redisClient, err := redis_adapter.NewRedisAdapter(cfg.RedisURL, cfg.JobTTL)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer redisClient.Close()
	dlq := redis_adapter.NewDeadLetterQueue(redisClient).WithRetention(cfg.DLQRetention)
	limiter := redis_adapter.NewFixedWindowLimiter(redisClient, cfg.LimeRateLimit, cfg.LimeRateWindow)

	labels, err := tfserving.LoadLabels(cfg.LabelsPath)
	if err != nil {
		return fmt.Errorf("load labels: %w", err)
	}
	model := tfserving.NewClient(cfg.ModelURL, cfg.ModelName, labels, cfg.ModelTimeout)

	opts := explain.DefaultOptions()
	opts.Samples = cfg.ExplainSamples
	explainer := explain.NewOcclusion(model, opts)

	// Initialize domain services
	explainService := services.NewExplainService(broker, broker, broker, artifacts, explainer, dlq)
	healthService := services.NewHealthService(repo.DB(), redisClient, version)
	healthService.AddOptional("model", model)

	httpServer := http_handler.NewServer(http_handler.Deps{
		Predictions:   services.NewPredictionService(model, artifacts, repo),
		Explain:       explainService,
		Auth:          services.NewAuthService(repo),
		History:       services.NewHistoryService(repo),
		Health:        healthService,
		Artifacts:     artifacts,
		Limiter:       limiter,
		FailedJobs:    dlq,
		AdminToken:    cfg.AdminToken,
		Heartbeat:     cfg.HeartbeatPeriod,
		StaticDir:     cfg.StaticDir,
		EnableMetrics: cfg.EnableMetrics,
	})
	worker := services.NewExplainWorker(broker, explainService, cfg.ExplainWorkers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server starting", "port", cfg.HTTPPort)
		return httpServer.Run(gctx, ":"+cfg.HTTPPort)
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})

	// MQTT fan-out is best effort; the service runs without it.
	if cfg.MQTTBroker != "" {
		publisher, disconnect, err := mqtt.NewPublisher(broker, cfg.MQTTBroker)
		if err != nil {
			logger.Error("Failed to init MQTT publisher", "error", err)
		} else {
			defer disconnect()
			g.Go(func() error {
				if err := publisher.Run(gctx); err != nil {
					logger.Error("MQTT publisher stopped", "error", err)
				}
				return nil
			})
		}
	}

	err = g.Wait()
	logger.Info("Server stopped")
	return err
}
