// Package config loads the service-level configuration of the manager
// daemon. Dynamic state (users, global proxy settings) lives in the
// store package; this file only covers things an operator sets once
// at install time.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel          string                  `yaml:"log_level"`
	DataDir           string                  `yaml:"data_dir"`
	APIListen         string                  `yaml:"api_listen"`
	DockerHost        string                  `yaml:"docker_host"` // empty = environment default
	NginxContainer    string                  `yaml:"nginx_container"`
	MonitorInterval   int                     `yaml:"monitor_interval"` // seconds
	StartVerifyDelay  int                     `yaml:"start_verify_delay"` // seconds to wait before checking a started container
	ObservabilityHTTP ObservabilityHTTPConfig `yaml:"observability_http"`
}

type ObservabilityHTTPConfig struct {
	Addr    string `yaml:"addr"`
	Pprof   bool   `yaml:"pprof"`
	Metrics bool   `yaml:"metrics"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/mtproman"
	}
	if cfg.APIListen == "" {
		cfg.APIListen = "127.0.0.1:8080"
	}
	if cfg.NginxContainer == "" {
		cfg.NginxContainer = "mtproto-nginx"
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 10
	}
	if cfg.StartVerifyDelay == 0 {
		cfg.StartVerifyDelay = 2
	}

	return &cfg, nil
}

// ParseLogLevel maps the configured log level string to a slog.Level.
func (c *Config) ParseLogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MonitorIntervalDuration returns the monitor loop interval.
func (c *Config) MonitorIntervalDuration() time.Duration {
	return time.Duration(c.MonitorInterval) * time.Second
}

// StorePath returns the path of the dynamic state record.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// LedgerPath returns the path of the traffic ledger file.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "traffic.json")
}

// HistoryPath returns the path of the usage history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.sqlite")
}

// NginxStreamDir returns the directory the SNI routing config is written to.
func (c *Config) NginxStreamDir() string {
	return filepath.Join(c.DataDir, "nginx", "stream.d")
}
