/**
 * OCR Extraction Worker - Main Entry Point
 *
 * Go worker that reads text out of scanned and photographed images.
 *
 * Architecture:
 * - Redis LIST or asynq consumer for the extraction job queue
 * - Adaptive pipeline: skew correction, normalization, multi-strategy recognition
 * - PostgreSQL or SQLite persistence for job status and results, Redis read cache
 * - Optional HTTP API for synchronous extraction and job submission
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocr-worker/internal/api"
	"github.com/adverant/nexus/ocr-worker/internal/config"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-worker/internal/processor"
	"github.com/adverant/nexus/ocr-worker/internal/queue"
	"github.com/adverant/nexus/ocr-worker/internal/raster"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// consumer is the part of both queue backends main drives.
type consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// redisBackend adapts RedisConsumer's context-free lifecycle.
type redisBackend struct{ c *queue.RedisConsumer }

func (b redisBackend) Start(context.Context) error { return b.c.Start() }
func (b redisBackend) Stop(context.Context) error  { return b.c.Stop() }

func main() {
	envErr := godotenv.Load(".env.nexus")

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger("ocr-worker").Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New("ocr-worker", logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if envErr != nil {
		logger.Warn(".env.nexus not found, using system environment variables")
	}
	logger.Info("OCR worker starting",
		"queue_backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"database_driver", cfg.DatabaseDriver,
		"workers", cfg.WorkerConcurrency,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()

	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		return err
	}

	// Storage: SQL store behind a Redis read cache
	logger.Info("Connecting to storage", "driver", cfg.DatabaseDriver)
	store, err := storage.OpenSQLStore(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		store.Close()
		return err
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()

	storageManager, err := storage.NewStorageManager(storage.ManagerConfig{
		Store:  store,
		Cache:  redisClient,
		Logger: logger,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer storageManager.Close()
	logger.Info("Storage manager initialized")

	// Extraction pipeline
	engine := ocr.NewTesseractEngine(&ocr.TesseractConfig{TessdataPrefix: cfg.TessdataPrefix, Logger: logger})
	logger.Info("Recognition engine ready", "version", engine.Version(), "default_language", settings.DefaultLanguage)

	extractor, err := processor.NewExtractor(&processor.ExtractorConfig{
		Engine:   engine,
		Settings: settings,
		Fetcher: raster.NewFetcher(raster.FetcherConfig{
			MaxFileSize: cfg.MaxFileSize,
			MaxRetries:  cfg.DownloadRetries,
			Logger:      logger,
		}),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	proc, err := processor.NewJobProcessor(&processor.ProcessorConfig{
		Extractor: extractor,
		Store:     storageManager,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	// Queue consumer and producer for the API
	var (
		queueConsumer consumer
		enqueuer      queue.Enqueuer
	)
	stats := map[string]api.StatsFunc{
		"storage": func(ctx context.Context) (interface{}, error) {
			return storageManager.GetStats(ctx), nil
		},
	}
	switch cfg.QueueBackend {
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.Timeout(),
			Logger:            logger,
		})
		if err != nil {
			return err
		}
		e, err := queue.NewAsynqEnqueuer(cfg.RedisURL, cfg.QueueName, 3)
		if err != nil {
			return err
		}
		defer e.Close()
		queueConsumer, enqueuer = c, e
		stats["queue"] = func(ctx context.Context) (interface{}, error) { return c.GetStats(ctx) }
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			Client:            redisClient,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.Timeout(),
			Logger:            logger,
		})
		if err != nil {
			return err
		}
		queueConsumer = redisBackend{c}
		enqueuer = queue.NewRedisQueue(redisClient, cfg.QueueName, 3)
		stats["queue"] = func(ctx context.Context) (interface{}, error) { return c.GetStats(ctx) }
	}

	if err := queueConsumer.Start(ctx); err != nil {
		return err
	}
	logger.Info("Queue consumer started", "backend", cfg.QueueBackend, "concurrency", cfg.WorkerConcurrency)

	// HTTP API
	var server *http.Server
	if cfg.HTTPAddr != "" {
		server = &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: api.NewRouter(api.RouterConfig{
				Extractor:      extractor,
				Jobs:           enqueuer,
				Store:          storageManager,
				Stats:          stats,
				ImageRoot:      cfg.ImageRoot,
				MaxUploadSize:  cfg.MaxFileSize,
				RequestTimeout: cfg.Timeout(),
				Logger:         logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP API listening", "addr", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	logger.Info("OCR worker is ready, waiting for jobs")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout()+10*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error stopping HTTP server", "error", err)
		}
	}

	if err := queueConsumer.Stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	} else {
		logger.Info("Queue consumer stopped")
	}

	return nil
}
