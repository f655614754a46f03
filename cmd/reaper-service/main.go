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
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/mediaconv/internal/catalog"
	"github.com/cuongbtq/mediaconv/internal/config"
	"github.com/cuongbtq/mediaconv/internal/jobs/service"
	"github.com/cuongbtq/mediaconv/internal/jobs/storage"
	"github.com/cuongbtq/mediaconv/internal/metrics"
	"github.com/cuongbtq/mediaconv/internal/quota"
	"github.com/cuongbtq/mediaconv/internal/reaper"
	"github.com/cuongbtq/mediaconv/shared/logger"
	"github.com/cuongbtq/mediaconv/shared/postgresql"
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

	defaultConfigPath := os.Getenv("REAPER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/reaper-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateReaperConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	if !cfg.Reaper.Enabled {
		appLogger.Info("Reaper is disabled, PROCESSING jobs are never timed out")
		return nil
	}

	instanceID := "reaper-" + uuid.NewString()[:8]
	appLogger.Info("Starting reaper service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("instance_id", instanceID),
	)

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appMetrics := metrics.New("mediaconv_reaper")
	db := dbClient.GetDB()
	cat := catalog.New(db, appLogger.Logger)
	jobStore := storage.NewStorage(db, appLogger.Logger)

	// Reports go through the same reconciler the API uses, so refunds stay idempotent
	jobService := service.New(&service.Config{
		Store:   jobStore,
		Catalog: cat,
		Ledger: quota.NewLedger(&quota.Config{
			Store:        quota.NewPostgresStore(db, appLogger.Logger),
			Plans:        cat,
			DefaultLimit: cfg.Quota.DefaultDailyMb,
			Logger:       appLogger.Logger,
			Metrics:      appMetrics,
		}),
		Logger:  appLogger.Logger,
		Metrics: appMetrics,
	})

	reaperInstance := reaper.New(&reaper.Config{
		Logger:      appLogger.Logger,
		Store:       jobStore,
		Jobs:        jobService,
		Metrics:     appMetrics,
		InstanceID:  instanceID,
		StaleAfter:  cfg.Reaper.StaleAfter,
		Interval:    cfg.Reaper.Interval,
		Concurrency: cfg.Reaper.Concurrency,
		BatchSize:   cfg.Reaper.BatchSize,
	})

	var srv *http.Server
	if cfg.Server.Port > 0 {
		srv = startMetricsServer(cfg, appMetrics, dbClient, appLogger.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := reaperInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Reaper service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Reaper error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Reaper.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		reaperInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Reaper stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Reaper shutdown timeout exceeded, forcing exit")
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Metrics server forced to shutdown", slog.Any("error", err))
		}
	}

	appLogger.Info("Reaper service shutdown complete")
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

// startMetricsServer exposes /health and /metrics for the reaper
func startMetricsServer(cfg *config.Config, m *metrics.Metrics, dbClient *postgresql.Client, logger *slog.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := dbClient.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": cfg.App.Name})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": cfg.App.Name})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server listening", slog.String("address", srv.Addr))
	return srv
}
