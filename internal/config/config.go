package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Report  ReportConfig
	Metrics MetricsConfig
	Import  ImportConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ReportConfig struct {
	Workers          int
	QueueSize        int
	StoreConcurrency int
	// DefaultTimezone applies to stores without a time zone record. Empty
	// means such stores are excluded from reports.
	DefaultTimezone string
}

type MetricsConfig struct {
	Enabled bool
}

// ImportConfig names the CSV exports loaded by `storemon import` and by the
// periodic refresher. A zero RefreshInterval disables the refresher.
type ImportConfig struct {
	StatusFile      string
	HoursFile       string
	TimezoneFile    string
	RefreshInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Report: ReportConfig{
			Workers:          2,
			QueueSize:        16,
			StoreConcurrency: 4,
			DefaultTimezone:  "America/Chicago",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/storemon/config.json (or $STOREMON_CONFIG), then applies
// STOREMON_* environment overrides.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Report.Workers < 1 {
		errs = append(errs, fmt.Errorf("report.workers must be at least 1, got %d", c.Report.Workers))
	}
	if c.Report.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("report.queue_size must be at least 1, got %d", c.Report.QueueSize))
	}
	if c.Report.StoreConcurrency < 1 {
		errs = append(errs, fmt.Errorf("report.store_concurrency must be at least 1, got %d", c.Report.StoreConcurrency))
	}
	if c.Report.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.Report.DefaultTimezone); err != nil {
			errs = append(errs, fmt.Errorf("report.default_timezone: %w", err))
		}
	}
	if c.Import.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("import.refresh_interval must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
}
