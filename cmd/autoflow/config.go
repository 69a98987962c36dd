package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all autoflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	UpstreamURL     string `json:"upstream_url"`
	UpstreamToken   string `json:"upstream_token"`
	UpstreamTimeout string `json:"upstream_timeout"`
	RefreshCron     string `json:"refresh_cron"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		DBPath:      filepath.Join(autoflowDir(), "autoflow.db"),
		LogLevel:    "info",
		RefreshCron: "*/5 * * * *",
	}
}

func autoflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoflow"
	}
	return filepath.Join(home, ".autoflow")
}

func settingsPath() string {
	return filepath.Join(autoflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AUTOFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AUTOFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AUTOFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTOFLOW_UPSTREAM_URL"); v != "" {
		cfg.UpstreamURL = v
	}
	if v := os.Getenv("AUTOFLOW_UPSTREAM_TOKEN"); v != "" {
		cfg.UpstreamToken = v
	}
	if v := os.Getenv("AUTOFLOW_UPSTREAM_TIMEOUT"); v != "" {
		cfg.UpstreamTimeout = v
	}
	if v := os.Getenv("AUTOFLOW_REFRESH_CRON"); v != "" {
		cfg.RefreshCron = v
	}

	return cfg
}

func (c Config) upstreamTimeout() time.Duration {
	d, err := time.ParseDuration(c.UpstreamTimeout)
	if err != nil || d <= 0 {
		return 0 // let the source apply its default
	}
	return d
}
