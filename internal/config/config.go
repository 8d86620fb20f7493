package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	APIBaseURL  string        `mapstructure:"API_BASE_URL"`
	HTTPTimeout time.Duration `mapstructure:"HTTP_TIMEOUT"`

	ForegroundInterval time.Duration `mapstructure:"FOREGROUND_INTERVAL"`
	BackgroundInterval time.Duration `mapstructure:"BACKGROUND_INTERVAL"`
	FetchWindow        time.Duration `mapstructure:"FETCH_WINDOW"`
	TripGap            time.Duration `mapstructure:"TRIP_GAP"`
	DisplayPoints      int           `mapstructure:"DISPLAY_POINTS"`

	CacheMaxAge   time.Duration `mapstructure:"CACHE_MAX_AGE"`
	TripRetention time.Duration `mapstructure:"TRIP_RETENTION"`
	CacheBackend  string        `mapstructure:"CACHE_BACKEND"`
	CachePrefix   string        `mapstructure:"CACHE_PREFIX"`
	SQLitePath    string        `mapstructure:"SQLITE_PATH"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`

	NATSURL           string `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`
	LogNATSSubjects   bool   `mapstructure:"LOG_NATS_SUBJECTS"`

	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	ControlAddr string `mapstructure:"CONTROL_ADDR"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
}

var defaults = map[string]any{
	"API_BASE_URL":        "https://api.example-telematics.com/v1",
	"HTTP_TIMEOUT":        "15s",
	"FOREGROUND_INTERVAL": "30s",
	"BACKGROUND_INTERVAL": "15m",
	"FETCH_WINDOW":        "24h",
	"TRIP_GAP":            "20m",
	"DISPLAY_POINTS":      20,
	"CACHE_MAX_AGE":       "168h",
	"TRIP_RETENTION":      "168h",
	"CACHE_BACKEND":       BackendSQLite,
	"CACHE_PREFIX":        "telemetry",
	"SQLITE_PATH":         "telemetry.db",
	"DATABASE_URL":        "",
	"REDIS_ADDR":          "localhost:6379",
	"REDIS_PASSWORD":      "",
	"REDIS_DB":            0,
	"NATS_URL":            "",
	"NATS_SUBJECT_PREFIX": "telemetry",
	"LOG_NATS_SUBJECTS":   false,
	"METRICS_ADDR":        "",
	"CONTROL_ADDR":        "127.0.0.1:8787",
	"LOG_LEVEL":           "info",
}

// Load reads .env (if present) and the environment. Invalid values are an
// error rather than a silent default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"HTTP_TIMEOUT", c.HTTPTimeout},
		{"FOREGROUND_INTERVAL", c.ForegroundInterval},
		{"BACKGROUND_INTERVAL", c.BackgroundInterval},
		{"FETCH_WINDOW", c.FetchWindow},
		{"TRIP_GAP", c.TripGap},
		{"CACHE_MAX_AGE", c.CacheMaxAge},
		{"TRIP_RETENTION", c.TripRetention},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("invalid %s: must be positive, got %s", d.key, d.d)
		}
	}
	if c.DisplayPoints < 1 {
		return fmt.Errorf("invalid DISPLAY_POINTS: %d", c.DisplayPoints)
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("API_BASE_URL must be set")
	}
	switch c.CacheBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when CACHE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("invalid CACHE_BACKEND: %q", c.CacheBackend)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %q", c.LogLevel)
	}
	return nil
}
