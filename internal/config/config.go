// Package config loads memex settings from a YAML file and MEMEX_*
// environment variables, on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Archive ArchiveConfig
	Repair  RepairConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
	MaxConns int
}

type StorageConfig struct {
	DataDir         string
	MirrorDir       string // empty means <DataDir>/mirror
	MirrorCacheSize int
}

type ArchiveConfig struct {
	ThresholdDays int
	Interval      string
}

type RepairConfig struct {
	PollInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 32,
		},
		Storage: StorageConfig{
			DataDir:         defaultDataDir(),
			MirrorCacheSize: 256,
		},
		Archive: ArchiveConfig{
			ThresholdDays: 90,
			Interval:      "24h",
		},
		Repair: RepairConfig{
			PollInterval: "2s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file at ConfigFilePath, then
// applies MEMEX_* environment overrides. Secrets are only read from the
// environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()))
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
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("server.max_conns must be positive, got %d", c.Server.MaxConns))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is empty"))
	}
	if c.Archive.ThresholdDays <= 0 {
		errs = append(errs, fmt.Errorf("archive.threshold_days must be positive, got %d", c.Archive.ThresholdDays))
	}
	if _, err := parsePositiveDuration(c.Archive.Interval); err != nil {
		errs = append(errs, fmt.Errorf("archive.interval: %w", err))
	}
	if _, err := parsePositiveDuration(c.Repair.PollInterval); err != nil {
		errs = append(errs, fmt.Errorf("repair.poll_interval: %w", err))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// MirrorPath returns the mirror directory, defaulting to a subdirectory of
// the data directory.
func (s StorageConfig) MirrorPath() string {
	if s.MirrorDir != "" {
		return s.MirrorDir
	}
	return filepath.Join(s.DataDir, "mirror")
}

// Threshold is the archiving age as a duration.
func (a ArchiveConfig) Threshold() time.Duration {
	return time.Duration(a.ThresholdDays) * 24 * time.Hour
}

// SweepInterval is the parsed archive.interval. Load has already validated it.
func (a ArchiveConfig) SweepInterval() time.Duration {
	d, _ := parsePositiveDuration(a.Interval)
	return d
}

// Poll is the parsed repair.poll_interval.
func (r RepairConfig) Poll() time.Duration {
	d, _ := parsePositiveDuration(r.PollInterval)
	return d
}

// SlogLevel maps log.level to a slog level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level: unknown level %q", l.Level)
	}
	return lvl, nil
}
