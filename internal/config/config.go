package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Dispatch backends
const (
	BackendRabbitMQ = "rabbitmq"
	BackendRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Quota    QuotaConfig    `yaml:"quota"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Reaper   ReaperConfig   `yaml:"reaper"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// DispatchConfig selects the queue that admitted jobs are pushed to
type DispatchConfig struct {
	Backend  string `yaml:"backend"`
	RedisKey string `yaml:"redis_key"`
}

// StorageConfig holds the object store (R2/S3) used for presigned downloads
type StorageConfig struct {
	Endpoint              string        `yaml:"endpoint"`
	Region                string        `yaml:"region"`
	Bucket                string        `yaml:"bucket"`
	AccessKeyID           string        `yaml:"access_key_id"`
	SecretAccessKey       string        `yaml:"secret_access_key"`
	UsePathStyle          bool          `yaml:"use_path_style"`
	DownloadExpiryDefault time.Duration `yaml:"download_expiry_default"`
}

// AuthConfig holds caller and worker authentication settings
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"`
	Issuer       string        `yaml:"issuer"`
	ClockSkew    time.Duration `yaml:"clock_skew"`
	WorkerAPIKey string        `yaml:"worker_api_key"`
}

// QuotaConfig holds quota defaults
type QuotaConfig struct {
	DefaultDailyMb int `yaml:"default_daily_mb"`
}

// JobsConfig holds job listing settings
type JobsConfig struct {
	ListPageSize int `yaml:"list_page_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ReaperConfig holds the stale PROCESSING job reaper settings
type ReaperConfig struct {
	Enabled         bool          `yaml:"enabled"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	Interval        time.Duration `yaml:"interval"`
	Concurrency     int           `yaml:"concurrency"`
	BatchSize       int           `yaml:"batch_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads the configuration file, expands ${VAR} references and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Dispatch.Backend == "" {
		c.Dispatch.Backend = BackendRabbitMQ
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "auto"
	}
	if c.Storage.DownloadExpiryDefault <= 0 {
		c.Storage.DownloadExpiryDefault = 10 * time.Minute
	}
	if c.Auth.ClockSkew <= 0 {
		c.Auth.ClockSkew = time.Minute
	}
	if c.Quota.DefaultDailyMb <= 0 {
		c.Quota.DefaultDailyMb = 100
	}
	if c.Jobs.ListPageSize <= 0 || c.Jobs.ListPageSize > 50 {
		c.Jobs.ListPageSize = 50
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Reaper.BatchSize <= 0 {
		c.Reaper.BatchSize = 100
	}
	if c.Reaper.Concurrency <= 0 {
		c.Reaper.Concurrency = 4
	}
	if c.Reaper.ShutdownTimeout <= 0 {
		c.Reaper.ShutdownTimeout = 30 * time.Second
	}
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if err := validatePort("database", c.Database.Port); err != nil {
		return err
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	switch c.Dispatch.Backend {
	case BackendRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
			return err
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	default:
		return fmt.Errorf("unknown dispatch backend: %q (must be %s or %s)", c.Dispatch.Backend, BackendRabbitMQ, BackendRedis)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	if c.Auth.WorkerAPIKey == "" {
		return fmt.Errorf("auth worker_api_key is required")
	}

	return nil
}

// ValidateReaperConfig checks the settings the reaper service needs
func (c *Config) ValidateReaperConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if !c.Reaper.Enabled {
		return nil
	}

	if c.Reaper.StaleAfter <= 0 {
		return fmt.Errorf("reaper stale_after must be greater than 0")
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper interval must be greater than 0")
	}

	if c.Reaper.Concurrency <= 0 {
		return fmt.Errorf("reaper concurrency must be greater than 0")
	}

	if c.Reaper.BatchSize <= 0 {
		return fmt.Errorf("reaper batch_size must be greater than 0")
	}

	return nil
}
