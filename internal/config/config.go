package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides
const EnvPrefix = "DRIPLINE_"

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	IMAP      IMAPConfig      `yaml:"imap"`
	Drip      DripConfig      `yaml:"drip"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	BaseURL        string        `yaml:"base_url"`         // Public URL used in tracking pixels
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	MaxImportRows  int           `yaml:"max_import_rows"`  // Max leads per ingestion request (default: 10000)
}

// DatabaseConfig contains relational store settings
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres
	DSN    string `yaml:"dsn"`
}

// QueueConfig contains job queue settings
type QueueConfig struct {
	Backend      string          `yaml:"backend"` // bolt, asynq
	Path         string          `yaml:"path"`    // bolt database file
	PollInterval time.Duration   `yaml:"poll_interval"`
	LeaseGrace   time.Duration   `yaml:"lease_grace"`
	Redis        RedisConfig     `yaml:"redis"`
	Retention    RetentionConfig `yaml:"retention"`
	OutboxSweep  time.Duration   `yaml:"outbox_sweep"` // How often unrelayed jobs are pushed to the queue
}

// RedisConfig contains asynq backend settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RetentionConfig contains finished job retention settings
type RetentionConfig struct {
	CompletedMaxAge time.Duration `yaml:"completed_max_age"` // Delete completed jobs older than this (0 = keep forever)
	DeadMaxAge      time.Duration `yaml:"dead_max_age"`      // Delete dead jobs older than this (0 = keep forever)
	DeadMaxCount    int           `yaml:"dead_max_count"`    // Max jobs in the dead letter set (0 = unlimited)
	CleanupInterval time.Duration `yaml:"cleanup_interval"`  // How often to run cleanup
}

// DispatchConfig contains dispatch worker settings
type DispatchConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	Timeout         time.Duration `yaml:"timeout"`           // Bound of one job run
	SendTimeout     time.Duration `yaml:"send_timeout"`      // Bound of one SMTP submission
	PerMinute       int           `yaml:"per_minute"`        // Sends per mailbox and minute (0 = unpaced)
	HourlyLimit     int           `yaml:"hourly_limit"`      // Sends per mailbox and hour (0 = unlimited)
	LimitsPath      string        `yaml:"limits_path"`       // Quota counter database file
	MessageIDDomain string        `yaml:"message_id_domain"` // Default: domain of the mailbox address
}

// ReconcileConfig contains reply polling settings
type ReconcileConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval string        `yaml:"interval"` // cron spec or @every
	Lookback time.Duration `yaml:"lookback"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SMTPConfig contains outbound relay settings
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                string        `yaml:"tls"` // none, starttls, tls
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
	Helo               string        `yaml:"helo"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// IMAPConfig contains inbound mailbox settings
type IMAPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                string        `yaml:"tls"` // none, starttls, tls
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Folder             string        `yaml:"folder"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DripConfig contains campaign lifecycle settings
type DripConfig struct {
	CompleteAfter time.Duration `yaml:"complete_after"` // Mark leads COMPLETED this long after their last step (0 = never)
	CompleteEvery string        `yaml:"complete_every"` // cron spec or @every
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file, then applies .env and DRIPLINE_* overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads variables from path without overriding the real environment
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides secrets and endpoints from DRIPLINE_* variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATABASE_DRIVER": &c.Database.Driver,
		"DATABASE_DSN":    &c.Database.DSN,
		"QUEUE_BACKEND":   &c.Queue.Backend,
		"REDIS_ADDR":      &c.Queue.Redis.Addr,
		"REDIS_PASSWORD":  &c.Queue.Redis.Password,
		"SMTP_HOST":       &c.SMTP.Host,
		"SMTP_USERNAME":   &c.SMTP.Username,
		"SMTP_PASSWORD":   &c.SMTP.Password,
		"IMAP_HOST":       &c.IMAP.Host,
		"IMAP_USERNAME":   &c.IMAP.Username,
		"IMAP_PASSWORD":   &c.IMAP.Password,
		"BASE_URL":        &c.Server.BaseURL,
		"LOG_LEVEL":       &c.Logging.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SMTP_PORT": &c.SMTP.Port,
		"IMAP_PORT": &c.IMAP.Port,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.MaxImportRows == 0 {
		c.Server.MaxImportRows = 10000
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "/var/lib/dripline/dripline.db"
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "bolt"
	}
	if c.Queue.Path == "" {
		c.Queue.Path = "/var/lib/dripline/queue.db"
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.LeaseGrace == 0 {
		c.Queue.LeaseGrace = 30 * time.Second
	}
	if c.Queue.OutboxSweep == 0 {
		c.Queue.OutboxSweep = 30 * time.Second
	}
	if c.Queue.Retention.CompletedMaxAge == 0 {
		c.Queue.Retention.CompletedMaxAge = 7 * 24 * time.Hour
	}
	if c.Queue.Retention.CleanupInterval == 0 {
		c.Queue.Retention.CleanupInterval = time.Hour
	}

	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 4
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.Backoff == 0 {
		c.Dispatch.Backoff = time.Second
	}
	if c.Dispatch.MaxBackoff == 0 {
		c.Dispatch.MaxBackoff = time.Hour
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 2 * time.Minute
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = time.Minute
	}
	if c.Dispatch.LimitsPath == "" {
		c.Dispatch.LimitsPath = filepath.Join(filepath.Dir(c.Queue.Path), "limits.db")
	}

	if c.Reconcile.Interval == "" {
		c.Reconcile.Interval = "@every 2m"
	}
	if c.Reconcile.Lookback == 0 {
		c.Reconcile.Lookback = 24 * time.Hour
	}
	if c.Reconcile.Timeout == 0 {
		c.Reconcile.Timeout = 90 * time.Second
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.TLS == "" {
		c.SMTP.TLS = "starttls"
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}

	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if c.IMAP.TLS == "" {
		c.IMAP.TLS = "tls"
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = "INBOX"
	}
	if c.IMAP.Timeout == 0 {
		c.IMAP.Timeout = time.Minute
	}

	if c.Drip.CompleteEvery == "" {
		c.Drip.CompleteEvery = "@every 1h"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validDrivers := map[string]bool{"sqlite": true, "sqlite3": true, "postgres": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database.driver: %s (must be sqlite or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch c.Queue.Backend {
	case "bolt":
		if c.Queue.Path == "" {
			return fmt.Errorf("queue.path is required for the bolt backend")
		}
	case "asynq":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for the asynq backend")
		}
	default:
		return fmt.Errorf("invalid queue.backend: %s (must be bolt or asynq)", c.Queue.Backend)
	}

	if c.Dispatch.Concurrency < 0 || c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.concurrency and dispatch.max_attempts must be positive")
	}

	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if err := validateTLSMode("smtp.tls", c.SMTP.TLS); err != nil {
		return err
	}

	if c.Reconcile.Enabled {
		if c.IMAP.Host == "" || c.IMAP.Username == "" {
			return fmt.Errorf("imap.host and imap.username are required when reconcile is enabled")
		}
		if err := validateTLSMode("imap.tls", c.IMAP.TLS); err != nil {
			return err
		}
	}

	if c.Drip.CompleteAfter < 0 {
		return fmt.Errorf("drip.complete_after must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate DKIM configuration
	if err := c.validateDKIM(); err != nil {
		return err
	}

	return nil
}

func validateTLSMode(field, mode string) error {
	switch mode {
	case "none", "starttls", "tls":
		return nil
	}
	return fmt.Errorf("invalid %s: %s (must be none, starttls, or tls)", field, mode)
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.DKIM.Enabled {
		return nil
	}

	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required when DKIM is enabled")
	}
	if c.DKIM.KeyFile == "" {
		return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
	}
	if c.DKIM.Domain == "" {
		return fmt.Errorf("dkim.domain is required when DKIM is enabled")
	}

	return nil
}
