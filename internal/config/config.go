package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/gapscout/internal/quota"
	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the gapscout server and operator CLI.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Task      TaskConfig
	Recovery  RecoveryConfig
	Quota     QuotaConfig
	Notify    NotifyConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type SchedulerConfig struct {
	MaxConcurrent int
	PollInterval  time.Duration
}

type TaskConfig struct {
	Kind    string
	Command string
	Args    []string
	Dir     string
	URL     string
	Timeout time.Duration
}

type RecoveryConfig struct {
	Interval       time.Duration
	Schedule       string
	StaleThreshold time.Duration
	MaxRetries     int
	BatchSize      int
}

type QuotaConfig struct {
	Tiers       quota.Tiers
	DefaultTier string
}

type NotifyConfig struct {
	WebhookURL string
	RatePerSec float64
	Timeout    time.Duration
}

type TelemetryConfig struct {
	TraceExporter   string
	MetricsExporter string
	MetricsInterval time.Duration
	ServiceName     string
}

// StaleMargin is the minimum gap between TASK_TIMEOUT and
// RECOVERY_STALE_THRESHOLD. It covers the exec kill grace period and the
// terminal status write that follow a task deadline.
const StaleMargin = 30 * time.Second

var validTaskKinds = map[string]bool{
	"exec": true,
	"http": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	tiers, err := quota.ParseTiers(envString("QUOTA_TIERS", quota.DefaultTiers))
	if err != nil {
		return nil, fmt.Errorf("QUOTA_TIERS: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("GAPSCOUT_PORT", 8080),
			Env:               envString("GAPSCOUT_ENV", "development"),
			RequestsPerMinute: envInt("GAPSCOUT_REQUESTS_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: envInt("SCHEDULER_MAX_CONCURRENT", 2),
			PollInterval:  envDuration("SCHEDULER_POLL_INTERVAL", 2*time.Second),
		},
		Task: TaskConfig{
			Kind:    envString("TASK_KIND", "exec"),
			Command: os.Getenv("TASK_COMMAND"),
			Args:    strings.Fields(os.Getenv("TASK_ARGS")),
			Dir:     os.Getenv("TASK_DIR"),
			URL:     os.Getenv("TASK_URL"),
			Timeout: envDuration("TASK_TIMEOUT", 15*time.Minute),
		},
		Recovery: RecoveryConfig{
			Interval:       envDuration("RECOVERY_INTERVAL", 5*time.Minute),
			Schedule:       strings.TrimSpace(os.Getenv("RECOVERY_SCHEDULE")),
			StaleThreshold: envDuration("RECOVERY_STALE_THRESHOLD", 20*time.Minute),
			MaxRetries:     envInt("RECOVERY_MAX_RETRIES", 3),
			BatchSize:      envInt("RECOVERY_BATCH_SIZE", 100),
		},
		Quota: QuotaConfig{
			Tiers:       tiers,
			DefaultTier: envString("QUOTA_DEFAULT_TIER", "free"),
		},
		Notify: NotifyConfig{
			WebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
			RatePerSec: envFloat("NOTIFY_RATE_PER_SEC", 5),
			Timeout:    envDurationSecs("NOTIFY_TIMEOUT_SECS", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			TraceExporter:   strings.ToLower(envString("OTEL_TRACES_EXPORTER", "none")),
			MetricsExporter: strings.ToLower(envString("OTEL_METRICS_EXPORTER", "stdout")),
			MetricsInterval: envDuration("OTEL_METRIC_EXPORT_INTERVAL", time.Minute),
			ServiceName:     envString("OTEL_SERVICE_NAME", "gapscout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("SCHEDULER_MAX_CONCURRENT must be at least 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive")
	}

	if !validTaskKinds[c.Task.Kind] {
		return fmt.Errorf("TASK_KIND must be one of exec, http; got %q", c.Task.Kind)
	}
	if c.Task.Kind == "exec" && c.Task.Command == "" {
		return fmt.Errorf("TASK_COMMAND is required when TASK_KIND is exec")
	}
	if c.Task.Kind == "http" && !isHTTPURL(c.Task.URL) {
		return fmt.Errorf("TASK_URL must start with http:// or https:// when TASK_KIND is http, got %q", c.Task.URL)
	}
	if c.Task.Timeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive")
	}

	if c.Recovery.StaleThreshold < c.Task.Timeout+StaleMargin {
		return fmt.Errorf("RECOVERY_STALE_THRESHOLD (%s) must be at least TASK_TIMEOUT (%s) plus %s",
			c.Recovery.StaleThreshold, c.Task.Timeout, StaleMargin)
	}
	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("RECOVERY_MAX_RETRIES must not be negative")
	}
	if c.Recovery.BatchSize < 1 {
		return fmt.Errorf("RECOVERY_BATCH_SIZE must be at least 1")
	}
	if c.Recovery.Schedule != "" {
		if err := ParseCron(c.Recovery.Schedule); err != nil {
			return fmt.Errorf("RECOVERY_SCHEDULE: %w", err)
		}
	} else if c.Recovery.Interval <= 0 {
		return fmt.Errorf("RECOVERY_INTERVAL must be positive")
	}

	if _, ok := c.Quota.Tiers.Limits(c.Quota.DefaultTier); !ok {
		return fmt.Errorf("QUOTA_DEFAULT_TIER %q is not declared in QUOTA_TIERS (have %s)",
			c.Quota.DefaultTier, strings.Join(c.Quota.Tiers.Names(), ", "))
	}

	if c.Notify.WebhookURL != "" && !isHTTPURL(c.Notify.WebhookURL) {
		return fmt.Errorf("NOTIFY_WEBHOOK_URL must start with http:// or https://, got %q", c.Notify.WebhookURL)
	}
	if c.Notify.RatePerSec <= 0 {
		return fmt.Errorf("NOTIFY_RATE_PER_SEC must be positive")
	}

	switch c.Telemetry.TraceExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("OTEL_TRACES_EXPORTER must be one of none, stdout; got %q", c.Telemetry.TraceExporter)
	}
	switch c.Telemetry.MetricsExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("OTEL_METRICS_EXPORTER must be one of none, stdout; got %q", c.Telemetry.MetricsExporter)
	}
	if c.Telemetry.MetricsInterval <= 0 {
		return fmt.Errorf("OTEL_METRIC_EXPORT_INTERVAL must be positive")
	}

	return nil
}

// ParseCron validates a five-field cron expression or a descriptor such as @hourly.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(e)
	return err
}

func isHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
