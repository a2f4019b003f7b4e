// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	orcherrors "github.com/amelia-dev/orchestrator/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DaemonConfig is the top-level configuration for orchestratord.
type DaemonConfig struct {
	Log        DaemonLogConfig        `yaml:"log"`
	Listen     DaemonListenConfig     `yaml:"listen"`
	Store      DaemonStoreConfig      `yaml:"store"`
	Concurrency DaemonConcurrencyConfig `yaml:"concurrency"`
	Health     DaemonHealthConfig     `yaml:"health"`
	Retention  DaemonRetentionConfig  `yaml:"retention"`
	Shutdown   DaemonShutdownConfig   `yaml:"shutdown"`
	Auth       DaemonAuthConfig       `yaml:"auth"`
	Pipelines  DaemonPipelinesConfig  `yaml:"pipelines"`
}

// DaemonLogConfig configures structured logging for the daemon.
type DaemonLogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// DaemonListenConfig configures the daemon's HTTP and WebSocket listeners.
type DaemonListenConfig struct {
	// HTTPAddr is the address the REST API listens on, e.g. ":8080".
	HTTPAddr string `yaml:"http_addr"`
	// WSAddr is the address the WebSocket gateway listens on. Empty
	// means the WebSocket gateway shares HTTPAddr.
	WSAddr string `yaml:"ws_addr"`
	// MetricsAddr is the address the Prometheus /metrics endpoint
	// listens on. Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DaemonStoreConfig configures the event store.
type DaemonStoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
	// WAL enables SQLite write-ahead logging.
	WAL bool `yaml:"wal"`
}

// DaemonConcurrencyConfig bounds the number of simultaneously executing
// workflows (the global concurrency cap).
type DaemonConcurrencyConfig struct {
	MaxActiveWorkflows int `yaml:"max_active_workflows"`
}

// DaemonHealthConfig configures the worktree health monitor (C9).
type DaemonHealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DaemonRetentionConfig configures the shutdown-time retention/pruning
// service (C11).
type DaemonRetentionConfig struct {
	MaxEventAge        time.Duration `yaml:"max_event_age"`
	MaxEventsPerWorkflow int         `yaml:"max_events_per_workflow"`
}

// DaemonShutdownConfig configures ordered graceful shutdown (C12).
type DaemonShutdownConfig struct {
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	CancelGrace   time.Duration `yaml:"cancel_grace"`
}

// DaemonAuthConfig configures optional shared bearer-token auth for the
// REST API and WebSocket gateway.
type DaemonAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// DaemonPipelinesConfig configures the pipeline runner.
type DaemonPipelinesConfig struct {
	MaxReviewIterations int `yaml:"max_review_iterations"`
}

// DefaultDaemonConfig returns a DaemonConfig with sensible defaults.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Log: DaemonLogConfig{
			Level:  "info",
			Format: "json",
		},
		Listen: DaemonListenConfig{
			HTTPAddr: ":8080",
		},
		Store: DaemonStoreConfig{
			Path: "./orchestrator.db",
			WAL:  true,
		},
		Concurrency: DaemonConcurrencyConfig{
			MaxActiveWorkflows: 4,
		},
		Health: DaemonHealthConfig{
			CheckInterval: 30 * time.Second,
		},
		Retention: DaemonRetentionConfig{
			MaxEventAge:          30 * 24 * time.Hour,
			MaxEventsPerWorkflow: 10000,
		},
		Shutdown: DaemonShutdownConfig{
			DrainTimeout: 30 * time.Second,
			CancelGrace:  10 * time.Second,
		},
		Pipelines: DaemonPipelinesConfig{
			MaxReviewIterations: 3,
		},
	}
}

// LoadDaemon loads the daemon configuration from an optional YAML file,
// applies defaults to unset fields, overlays environment variables, and
// validates the result.
func LoadDaemon(path string) (*DaemonConfig, error) {
	cfg := DefaultDaemonConfig()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &orcherrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &orcherrors.ConfigError{
			Key:    "validation",
			Reason: "daemon configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *DaemonConfig) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *DaemonConfig) applyDefaults() {
	d := DefaultDaemonConfig()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Listen.HTTPAddr == "" {
		c.Listen.HTTPAddr = d.Listen.HTTPAddr
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.Concurrency.MaxActiveWorkflows == 0 {
		c.Concurrency.MaxActiveWorkflows = d.Concurrency.MaxActiveWorkflows
	}
	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = d.Health.CheckInterval
	}
	if c.Retention.MaxEventAge == 0 {
		c.Retention.MaxEventAge = d.Retention.MaxEventAge
	}
	if c.Retention.MaxEventsPerWorkflow == 0 {
		c.Retention.MaxEventsPerWorkflow = d.Retention.MaxEventsPerWorkflow
	}
	if c.Shutdown.DrainTimeout == 0 {
		c.Shutdown.DrainTimeout = d.Shutdown.DrainTimeout
	}
	if c.Shutdown.CancelGrace == 0 {
		c.Shutdown.CancelGrace = d.Shutdown.CancelGrace
	}
	if c.Pipelines.MaxReviewIterations == 0 {
		c.Pipelines.MaxReviewIterations = d.Pipelines.MaxReviewIterations
	}
}

// loadFromEnv overlays environment variables onto the config. Env vars
// take precedence over both defaults and the YAML file.
func (c *DaemonConfig) loadFromEnv() {
	if val := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("ORCHESTRATOR_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("ORCHESTRATOR_HTTP_ADDR"); val != "" {
		c.Listen.HTTPAddr = val
	}
	if val := os.Getenv("ORCHESTRATOR_WS_ADDR"); val != "" {
		c.Listen.WSAddr = val
	}
	if val := os.Getenv("ORCHESTRATOR_METRICS_ADDR"); val != "" {
		c.Listen.MetricsAddr = val
	}
	if val := os.Getenv("ORCHESTRATOR_DB_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("ORCHESTRATOR_MAX_ACTIVE_WORKFLOWS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Concurrency.MaxActiveWorkflows = n
		}
	}
	if val := os.Getenv("ORCHESTRATOR_HEALTH_CHECK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Health.CheckInterval = d
		}
	}
	if val := os.Getenv("ORCHESTRATOR_AUTH_TOKEN"); val != "" {
		c.Auth.Enabled = true
		c.Auth.Token = val
	}
}

// Validate checks that the daemon configuration is internally
// consistent.
func (c *DaemonConfig) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}
	if c.Listen.HTTPAddr == "" {
		errs = append(errs, "listen.http_addr must not be empty")
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path must not be empty")
	}
	if c.Concurrency.MaxActiveWorkflows <= 0 {
		errs = append(errs, "concurrency.max_active_workflows must be positive")
	}
	if c.Auth.Enabled && c.Auth.Token == "" {
		errs = append(errs, "auth.token must be set when auth.enabled is true")
	}
	if c.Pipelines.MaxReviewIterations <= 0 {
		errs = append(errs, "pipelines.max_review_iterations must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
