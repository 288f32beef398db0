// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package master

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// probabilityTolerance bounds how far the probability vector may drift from
// summing to exactly 1 before validation rejects it.
const probabilityTolerance = 1e-9

// Config is the top-level master configuration, loadable from files and
// environment variables.
//
// Thread Safety: safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Tree contains the shared decision-tree settings.
	Tree TreeConfig `json:"tree" yaml:"tree"`

	// Histogram contains the process-wide reward bucket geometry.
	Histogram HistogramConfig `json:"histogram" yaml:"histogram"`

	// Aggregator contains polling and liveness settings.
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`

	// Observability contains tracing, metrics, and logging settings.
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// TreeConfig contains the settings every node of a tree shares.
type TreeConfig struct {
	// NumScenarios is the number of weather scenarios searched in parallel.
	NumScenarios int `json:"num_scenarios" yaml:"num_scenarios"`

	// Actions is the ordered action set (headings in degrees).
	Actions []int `json:"actions" yaml:"actions"`

	// Probability weights each scenario in aggregate queries. Empty means
	// uniform. When set it must have NumScenarios non-negative entries
	// summing to 1.
	Probability []float64 `json:"probability,omitempty" yaml:"probability,omitempty"`

	// UCTCoefficient scales the exploration term of UCT.
	UCTCoefficient float64 `json:"uct_coefficient" yaml:"uct_coefficient"`
}

// HistogramConfig contains the reward histogram bucket geometry.
type HistogramConfig struct {
	Min     float64 `json:"min" yaml:"min"`
	Max     float64 `json:"max" yaml:"max"`
	Buckets int     `json:"buckets" yaml:"buckets"`
}

// AggregatorConfig contains polling and liveness settings.
type AggregatorConfig struct {
	// PollIntervalMs is the sweep cadence in milliseconds.
	PollIntervalMs int `json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// StallTimeoutSec aborts a run when no worker makes progress for this
	// long. 0 disables the deadline.
	StallTimeoutSec int `json:"stall_timeout_sec" yaml:"stall_timeout_sec"`
}

// ObservabilityConfig contains observability settings.
type ObservabilityConfig struct {
	TracingEnabled bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	LogLevel       string `json:"log_level" yaml:"log_level"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
}

func (c AggregatorConfig) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c AggregatorConfig) stallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSec) * time.Second
}

// DefaultConfig returns the default configuration: two uniform scenarios,
// eight compass headings, unit-width buckets over [-0.5, 100.5] so integer
// rewards keep exact means, and a 1/sqrt(2) exploration coefficient.
//
// Outputs:
//   - Config: default configuration with sensible values.
func DefaultConfig() Config {
	return Config{
		Tree: TreeConfig{
			NumScenarios:   2,
			Actions:        []int{0, 45, 90, 135, 180, 225, 270, 315},
			UCTCoefficient: 1 / math.Sqrt2,
		},
		Histogram: HistogramConfig{
			Min:     -0.5,
			Max:     100.5,
			Buckets: 101,
		},
		Aggregator: AggregatorConfig{
			PollIntervalMs:  10,
			StallTimeoutSec: 30,
		},
		Observability: ObservabilityConfig{
			TracingEnabled: true,
			MetricsEnabled: true,
			LogLevel:       "info",
			ServiceName:    "windward-master",
		},
	}
}

// LoadConfig loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: path to a YAML/JSON config file (optional, can be empty).
//
// Outputs:
//   - Config: merged configuration.
//   - error: non-nil if the file exists but is invalid, or validation fails.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}

	return nil
}

func loadConfigFromEnv(config *Config) {
	// Tree
	if v := os.Getenv("WINDWARD_NUM_SCENARIOS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Tree.NumScenarios = i
		}
	}
	if v := os.Getenv("WINDWARD_ACTIONS"); v != "" {
		if ints, err := parseIntList(v); err == nil {
			config.Tree.Actions = ints
		}
	}
	if v := os.Getenv("WINDWARD_PROBABILITY"); v != "" {
		if floats, err := parseFloatList(v); err == nil {
			config.Tree.Probability = floats
		}
	}
	if v := os.Getenv("WINDWARD_UCT_COEFFICIENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Tree.UCTCoefficient = f
		}
	}

	// Histogram
	if v := os.Getenv("WINDWARD_HISTOGRAM_MIN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Histogram.Min = f
		}
	}
	if v := os.Getenv("WINDWARD_HISTOGRAM_MAX"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Histogram.Max = f
		}
	}
	if v := os.Getenv("WINDWARD_HISTOGRAM_BUCKETS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Histogram.Buckets = i
		}
	}

	// Aggregator
	if v := os.Getenv("WINDWARD_POLL_INTERVAL_MS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Aggregator.PollIntervalMs = i
		}
	}
	if v := os.Getenv("WINDWARD_STALL_TIMEOUT_SEC"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Aggregator.StallTimeoutSec = i
		}
	}

	// Observability
	if v := os.Getenv("WINDWARD_TRACING_ENABLED"); v != "" {
		config.Observability.TracingEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WINDWARD_METRICS_ENABLED"); v != "" {
		config.Observability.MetricsEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WINDWARD_LOG_LEVEL"); v != "" {
		config.Observability.LogLevel = v
	}
	if v := os.Getenv("WINDWARD_SERVICE_NAME"); v != "" {
		config.Observability.ServiceName = v
	}
}

func parseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

func parseFloatList(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Validate checks that the configuration is valid.
//
// Outputs:
//   - error: non-nil if configuration is invalid, wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	if c.Tree.NumScenarios < 1 {
		return fmt.Errorf("num_scenarios must be >= 1: %w", ErrInvalidConfig)
	}
	if len(c.Tree.Actions) == 0 {
		return fmt.Errorf("actions must not be empty: %w", ErrInvalidConfig)
	}
	seen := make(map[int]struct{}, len(c.Tree.Actions))
	for _, a := range c.Tree.Actions {
		if _, dup := seen[a]; dup {
			return fmt.Errorf("actions contains duplicate value %d: %w", a, ErrInvalidConfig)
		}
		seen[a] = struct{}{}
	}
	if len(c.Tree.Probability) != 0 {
		if len(c.Tree.Probability) != c.Tree.NumScenarios {
			return fmt.Errorf("probability has %d entries for %d scenarios: %w",
				len(c.Tree.Probability), c.Tree.NumScenarios, ErrInvalidConfig)
		}
		sum := 0.0
		for s, p := range c.Tree.Probability {
			if p < 0 {
				return fmt.Errorf("probability[%d] is negative: %w", s, ErrInvalidConfig)
			}
			sum += p
		}
		if math.Abs(sum-1) > probabilityTolerance {
			return fmt.Errorf("probability sums to %v, must sum to 1: %w", sum, ErrInvalidConfig)
		}
	}
	if c.Tree.UCTCoefficient < 0 {
		return fmt.Errorf("uct_coefficient must be >= 0: %w", ErrInvalidConfig)
	}
	if c.Histogram.Buckets < 1 {
		return fmt.Errorf("histogram buckets must be >= 1: %w", ErrInvalidConfig)
	}
	if c.Histogram.Max <= c.Histogram.Min {
		return fmt.Errorf("histogram max must exceed min: %w", ErrInvalidConfig)
	}
	if err := c.Aggregator.Validate(); err != nil {
		return err
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error: %w", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the aggregator settings alone, for callers that construct
// an Aggregator without a full Config.
func (c AggregatorConfig) Validate() error {
	if c.PollIntervalMs < 1 {
		return fmt.Errorf("poll_interval_ms must be >= 1: %w", ErrInvalidConfig)
	}
	if c.StallTimeoutSec < 0 {
		return fmt.Errorf("stall_timeout_sec must be >= 0: %w", ErrInvalidConfig)
	}
	return nil
}

// SlogLevel maps the configured level string to a slog.Level.
func (c ObservabilityConfig) SlogLevel() slog.Level {
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
