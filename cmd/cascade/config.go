package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cascadeio/cascade/internal/engine"
)

// Config holds all cascade server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath             string            `json:"db_path"` // empty = in-memory ledger only
	LogLevel           string            `json:"log_level"`
	MaxConcurrent      int               `json:"max_concurrent"`
	DefaultStepTimeout string            `json:"default_step_timeout"`
	DefaultRetries     int               `json:"default_retries"`
	BackoffBase        string            `json:"backoff_base"`
	BackoffCap         string            `json:"backoff_cap"`
	LedgerRetention    string            `json:"ledger_retention"`
	SweepInterval      string            `json:"sweep_interval"`
	Scheduler          bool              `json:"scheduler"`
	Actors             map[string]string `json:"actors"` // actor ref -> HTTP endpoint
}

func defaultConfig() Config {
	return Config{
		LogLevel:           "info",
		MaxConcurrent:      8,
		DefaultStepTimeout: "30s",
		DefaultRetries:     0,
		BackoffBase:        "100ms",
		BackoffCap:         "5s",
		LedgerRetention:    "1h",
		SweepInterval:      "1m",
		Scheduler:          true,
	}
}

func cascadeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cascade"
	}
	return filepath.Join(home, ".cascade")
}

func settingsPath() string {
	return filepath.Join(cascadeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CASCADE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CASCADE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CASCADE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("CASCADE_STEP_TIMEOUT"); v != "" {
		cfg.DefaultStepTimeout = v
	}
	if v := os.Getenv("CASCADE_DEFAULT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultRetries = n
		}
	}
	if v := os.Getenv("CASCADE_LEDGER_RETENTION"); v != "" {
		cfg.LedgerRetention = v
	}
	if v := os.Getenv("CASCADE_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("CASCADE_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

// engineConfig converts the serialized config into engine settings,
// falling back to engine defaults for unparseable durations.
func (c Config) engineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.MaxConcurrent = c.MaxConcurrent
	ec.DefaultRetries = c.DefaultRetries
	if d, err := time.ParseDuration(c.DefaultStepTimeout); err == nil && d > 0 {
		ec.DefaultStepTimeout = d
	}
	if d, err := time.ParseDuration(c.BackoffBase); err == nil && d > 0 {
		ec.BackoffBase = d
	}
	if d, err := time.ParseDuration(c.BackoffCap); err == nil && d > 0 {
		ec.BackoffCap = d
	}
	if d, err := time.ParseDuration(c.LedgerRetention); err == nil && d > 0 {
		ec.LedgerRetention = d
	}
	if d, err := time.ParseDuration(c.SweepInterval); err == nil && d > 0 {
		ec.SweepInterval = d
	}
	return ec
}
