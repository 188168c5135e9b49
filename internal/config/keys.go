package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEMEX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "MEMEX_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.max_conns", typ: kInt, env: "MEMEX_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEMEX_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.mirror_dir", typ: kString, env: "MEMEX_STORAGE_MIRROR_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.MirrorDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.MirrorPath() },
	},
	{
		key: "storage.mirror_cache_size", typ: kInt, env: "MEMEX_STORAGE_MIRROR_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Storage.MirrorCacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.MirrorCacheSize },
	},
	{
		key: "archive.threshold_days", typ: kInt, env: "MEMEX_ARCHIVE_THRESHOLD_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Archive.ThresholdDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Archive.ThresholdDays },
	},
	{
		key: "archive.interval", typ: kDuration, env: "MEMEX_ARCHIVE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Archive.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.Interval },
	},
	{
		key: "repair.poll_interval", typ: kDuration, env: "MEMEX_REPAIR_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Repair.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Repair.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "MEMEX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString, kDuration:
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
		case kString, kDuration:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
