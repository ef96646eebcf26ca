package config

import (
	"fmt"
	"time"

	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Storage   Storage   `mapstructure:"storage"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Cache     Cache     `mapstructure:"cache"`
	Worker    Worker    `mapstructure:"worker"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Retry     Retry     `mapstructure:"retry"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort        string        `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Database holds PostgreSQL connection configuration.
type Database struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds the PostgreSQL connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// Storage selects and configures the blob store backend.
type Storage struct {
	Backend string `mapstructure:"backend"` // "minio" or "file"

	// file backend
	BaseDir string `mapstructure:"base_dir"`

	// minio backend
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Kafka holds configuration for the message queue.
type Kafka struct {
	Brokers      []string `mapstructure:"brokers"`
	UploadsTopic string   `mapstructure:"uploads_topic"`
	EventsTopic  string   `mapstructure:"events_topic"`
	GroupID      string   `mapstructure:"group_id"`
}

// Cache bounds the artifact cache.
type Cache struct {
	MaxEntries int   `mapstructure:"max_entries"`
	MaxBytes   int64 `mapstructure:"max_bytes"`
}

// Worker bounds the transformation pool and job lifecycle.
type Worker struct {
	Concurrency   int           `mapstructure:"concurrency"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	ExecTimeout   time.Duration `mapstructure:"exec_timeout"`
	TerminalGrace time.Duration `mapstructure:"terminal_grace"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RateLimit configures the per-identity token buckets.
type RateLimit struct {
	Upload    Bucket `mapstructure:"upload"`
	Transform Bucket `mapstructure:"transform"`
	Read      Bucket `mapstructure:"read"`
}

// Bucket is one token bucket: steady refill rate and burst cap.
type Bucket struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// Retry defines retry policy configuration for external calls.
type Retry struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
	Backoff  float64       `mapstructure:"backoff"`
}

// Strategy converts the section to a wbf retry strategy.
func (r Retry) Strategy() retry.Strategy {
	return retry.Strategy{
		Attempts: r.Attempts,
		Delay:    r.Delay,
		Backoff:  r.Backoff,
	}
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad(path string) *Config {
	c := config.New()

	if err := c.Load(path); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	var cfg Config
	if err := c.Unmarshal(&cfg); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to unmarshal config")
	}

	return &cfg
}
