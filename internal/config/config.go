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

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retry     RetryConfig     `yaml:"retry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Services  ServicesConfig  `yaml:"services"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
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
}

// RabbitMQConfig holds RabbitMQ connection and topology configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queues     []string         `yaml:"queues"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
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

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PrefetchCount     int           `yaml:"prefetch_count"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// RetryConfig holds the retry/backoff policy settings
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffLimit time.Duration `yaml:"backoff_limit"`
}

// SchedulerConfig holds recurring pipeline trigger configuration
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DailyIngestAt string        `yaml:"daily_ingest_at"` // HH:MM, UTC
	PollInterval  time.Duration `yaml:"poll_interval"`
	CatchUp       bool          `yaml:"catch_up"`
}

// ServicesConfig holds the external collaborators the job handlers call
type ServicesConfig struct {
	PDF     PDFServiceConfig `yaml:"pdf"`
	Summary CalloutConfig    `yaml:"summary"`
	Comic   CalloutConfig    `yaml:"comic"`
	Arxiv   ArxivConfig      `yaml:"arxiv"`
}

// PDFServiceConfig holds the paper PDF source and local storage directory
type PDFServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// CalloutConfig holds a single HTTP collaborator endpoint
type CalloutConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ArxivConfig holds the arXiv query used by the daily ingest
type ArxivConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Query      string        `yaml:"query"`
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BackoffBase == 0 {
		c.Retry.BackoffBase = 30 * time.Second
	}
	if c.Retry.BackoffLimit == 0 {
		c.Retry.BackoffLimit = 10 * time.Minute
	}
	if c.Worker.LeaseDuration == 0 {
		c.Worker.LeaseDuration = 5 * time.Minute
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.ReaperInterval == 0 {
		c.Worker.ReaperInterval = time.Minute
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 30 * time.Second
	}
	if c.Services.PDF.BaseURL == "" {
		c.Services.PDF.BaseURL = "https://arxiv.org/pdf"
	}
	if c.Services.PDF.Dir == "" {
		c.Services.PDF.Dir = "/var/lib/paperline/pdfs"
	}
	if c.Services.PDF.Timeout == 0 {
		c.Services.PDF.Timeout = 2 * time.Minute
	}
	if c.Services.Summary.Timeout == 0 {
		c.Services.Summary.Timeout = 5 * time.Minute
	}
	if c.Services.Comic.Timeout == 0 {
		c.Services.Comic.Timeout = 5 * time.Minute
	}
	if c.Services.Arxiv.BaseURL == "" {
		c.Services.Arxiv.BaseURL = "https://export.arxiv.org/api/query"
	}
	if c.Services.Arxiv.Query == "" {
		c.Services.Arxiv.Query = "cat:cs.AI"
	}
	if c.Services.Arxiv.MaxResults == 0 {
		c.Services.Arxiv.MaxResults = 50
	}
	if c.Services.Arxiv.Timeout == 0 {
		c.Services.Arxiv.Timeout = time.Minute
	}
}

// ValidateAPIConfig checks the fields the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return c.validateShared()
}

// ValidateWorkerConfig checks the fields the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.LeaseDuration <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker lease_duration must exceed heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Scheduler.Enabled && c.Scheduler.DailyIngestAt != "" {
		var hh, mm int
		if _, err := fmt.Sscanf(c.Scheduler.DailyIngestAt, "%d:%d", &hh, &mm); err != nil {
			return fmt.Errorf("invalid scheduler daily_ingest_at %q: %w", c.Scheduler.DailyIngestAt, err)
		}
		if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
			return fmt.Errorf("invalid scheduler daily_ingest_at %q", c.Scheduler.DailyIngestAt)
		}
	}

	return c.validateShared()
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if len(c.RabbitMQ.Queues) == 0 {
		return fmt.Errorf("at least one rabbitmq queue is required")
	}

	return nil
}
