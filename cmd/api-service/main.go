package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/mediaconv/internal/api/handler"
	"github.com/cuongbtq/mediaconv/internal/api/router"
	"github.com/cuongbtq/mediaconv/internal/auth"
	"github.com/cuongbtq/mediaconv/internal/catalog"
	"github.com/cuongbtq/mediaconv/internal/config"
	"github.com/cuongbtq/mediaconv/internal/dispatch"
	"github.com/cuongbtq/mediaconv/internal/jobs/service"
	"github.com/cuongbtq/mediaconv/internal/jobs/storage"
	"github.com/cuongbtq/mediaconv/internal/metrics"
	"github.com/cuongbtq/mediaconv/internal/quota"
	"github.com/cuongbtq/mediaconv/shared/logger"
	"github.com/cuongbtq/mediaconv/shared/objectstore"
	"github.com/cuongbtq/mediaconv/shared/postgresql"
	"github.com/cuongbtq/mediaconv/shared/rabbitmq"
	"github.com/cuongbtq/mediaconv/shared/redis"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("dispatch_backend", cfg.Dispatch.Backend),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	dispatcher, closeDispatcher, err := initDispatcher(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	defer closeDispatcher()

	presigner, err := objectstore.NewPresigner(&objectstore.Config{
		Endpoint:        cfg.Storage.Endpoint,
		Region:          cfg.Storage.Region,
		Bucket:          cfg.Storage.Bucket,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		UsePathStyle:    cfg.Storage.UsePathStyle,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:    []byte(cfg.Auth.JWTSecret),
		Issuer:    cfg.Auth.Issuer,
		ClockSkew: cfg.Auth.ClockSkew,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	appMetrics := metrics.New("mediaconv")
	db := dbClient.GetDB()
	cat := catalog.New(db, appLogger.Logger)

	ledger := quota.NewLedger(&quota.Config{
		Store:        quota.NewPostgresStore(db, appLogger.Logger),
		Plans:        cat,
		DefaultLimit: cfg.Quota.DefaultDailyMb,
		Logger:       appLogger.Logger,
		Metrics:      appMetrics,
	})

	jobService := service.New(&service.Config{
		Store:          storage.NewStorage(db, appLogger.Logger),
		Ledger:         ledger,
		Catalog:        cat,
		Dispatcher:     dispatcher,
		Signer:         presigner,
		Bucket:         presigner.Bucket(),
		PageSize:       cfg.Jobs.ListPageSize,
		DownloadExpiry: cfg.Storage.DownloadExpiryDefault,
		Logger:         appLogger.Logger,
		Metrics:        appMetrics,
	})

	r := initRouter(cfg, appLogger.Logger, &router.Options{
		ServiceName:  cfg.App.Name,
		Verifier:     verifier,
		WorkerAPIKey: cfg.Auth.WorkerAPIKey,
		Metrics:      appMetrics,
		Health:       dbClient,
	}, jobService, ledger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
		AutoMigrate:     cfg.AutoMigrate,
	}, logger)
}

// initDispatcher connects the configured queue backend and returns its dispatcher and cleanup
func initDispatcher(cfg *config.Config, logger *slog.Logger) (dispatch.Dispatcher, func(), error) {
	switch cfg.Dispatch.Backend {
	case config.BackendRedis:
		client, err := redis.NewClient(context.Background(), &redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			PoolSize:     cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return dispatch.NewRedisDispatcher(client, cfg.Dispatch.RedisKey, logger), func() { client.Close() }, nil

	default:
		client, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, nil, err
		}
		return dispatch.NewRabbitMQDispatcher(client, logger), func() { client.Close() }, nil
	}
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, opts *router.Options, jobs handler.JobService, quotas handler.QuotaService) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger: logger,
		Jobs:   jobs,
		Quota:  quotas,
	}, opts)
}
