package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "STOREMON_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STOREMON_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "STOREMON_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "report.workers", typ: kInt, env: "STOREMON_REPORT_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Report.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Report.Workers },
	},
	{
		key: "report.queue_size", typ: kInt, env: "STOREMON_REPORT_QUEUE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Report.QueueSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Report.QueueSize },
	},
	{
		key: "report.store_concurrency", typ: kInt, env: "STOREMON_REPORT_STORE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Report.StoreConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Report.StoreConcurrency },
	},
	{
		key: "report.default_timezone", typ: kString, env: "STOREMON_REPORT_DEFAULT_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Report.DefaultTimezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Report.DefaultTimezone },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "STOREMON_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
	{
		key: "import.status_file", typ: kString, env: "STOREMON_IMPORT_STATUS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Import.StatusFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Import.StatusFile },
	},
	{
		key: "import.hours_file", typ: kString, env: "STOREMON_IMPORT_HOURS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Import.HoursFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Import.HoursFile },
	},
	{
		key: "import.timezone_file", typ: kString, env: "STOREMON_IMPORT_TIMEZONE_FILE",
		apply:   func(cfg *Config, v any) { cfg.Import.TimezoneFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Import.TimezoneFile },
	},
	{
		key: "import.refresh_interval", typ: kDuration, env: "STOREMON_IMPORT_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Import.RefreshInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Import.RefreshInterval },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
