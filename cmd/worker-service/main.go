package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lavendersentinel/paperline/internal/config"
	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/pipeline"
	"github.com/lavendersentinel/paperline/internal/scheduler"
	"github.com/lavendersentinel/paperline/internal/store"
	"github.com/lavendersentinel/paperline/internal/tasks"
	"github.com/lavendersentinel/paperline/internal/worker"
	"github.com/lavendersentinel/paperline/shared/logger"
	"github.com/lavendersentinel/paperline/shared/postgres"
	"github.com/lavendersentinel/paperline/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgres(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	jobStore := store.New(dbClient.GetDB(), appLogger.Logger)
	retryPolicy := job.RetryPolicy{
		BaseDelay: cfg.Retry.BackoffBase,
		MaxDelay:  cfg.Retry.BackoffLimit,
	}
	orchestrator := pipeline.New(jobStore, rabbitClient, pipeline.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		RetryPolicy: retryPolicy,
	}, appLogger.Logger)

	registry := buildRegistry(cfg, appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Store:             jobStore,
		Broker:            rabbitClient,
		Notifier:          orchestrator,
		Registry:          registry,
		Queues:            cfg.RabbitMQ.Queues,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.Worker.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		LeaseDuration:     cfg.Worker.LeaseDuration,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		RetryPolicy:       retryPolicy,
	})

	reaper := pipeline.NewReaper(orchestrator, pipeline.ReaperConfig{
		Interval: cfg.Worker.ReaperInterval,
	}, appLogger.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(jobStore, orchestrator, cfg.Scheduler, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize scheduler: %w", err)
		}
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	appLogger.Info("Worker service started successfully")

	err = g.Wait()

	// Give in-flight jobs a bounded window to drain.
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()
	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return err
}

// buildRegistry binds every job type to its handler.
func buildRegistry(cfg *config.Config, log *slog.Logger) *worker.Registry {
	registry := worker.NewRegistry()

	downloader := tasks.NewPDFDownloader(cfg.Services.PDF, log)
	registry.Register(job.TypeDownloadPDF, downloader.Handle)

	summary := tasks.NewHTTPGenerator("summary", cfg.Services.Summary, log)
	registry.Register(job.TypeGenerateSummary, tasks.GeneratorHandler(summary))

	comic := tasks.NewHTTPGenerator("comic", cfg.Services.Comic, log)
	registry.Register(job.TypeGenerateComic, tasks.GeneratorHandler(comic))

	crawler := tasks.NewArxivCrawler(cfg.Services.Arxiv, log)
	registry.Register(job.TypeFetchArxiv, tasks.IngestHandler(crawler, log))

	return registry
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgres initializes the PostgreSQL client
func initPostgres(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgres.Client, error) {
	dbConfig := &postgres.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgres.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		ExchangeDurable:   cfg.Exchange.Durable,
		Queues:            cfg.Queues,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
