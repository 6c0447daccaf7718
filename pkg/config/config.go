// Package config loads and validates fleetmedic's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Collector   CollectorConfig   `yaml:"collector"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Decision    DecisionConfig    `yaml:"decision"`
	Verifier    VerifierConfig    `yaml:"verifier"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig locates the state store.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

// CollectorConfig controls health polling and flap detection. The flap
// window, threshold, and dedup window are policy parameters, not
// hardcoded constants.
type CollectorConfig struct {
	TargetGroups   []string      `yaml:"target_groups"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	FlapWindow     time.Duration `yaml:"flap_window"`
	FlapThreshold  int           `yaml:"flap_threshold"`
	FlapMinSamples int           `yaml:"flap_min_samples"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
}

// DiagnosticsConfig bounds the remote check battery.
type DiagnosticsConfig struct {
	CheckTimeout   time.Duration `yaml:"check_timeout"`
	BatteryTimeout time.Duration `yaml:"battery_timeout"`
}

// DecisionConfig holds decision-engine defaults.
type DecisionConfig struct {
	// DefaultCooldown applies when an instance has no explicit
	// CooldownMinutes policy.
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
}

// VerifierConfig is the post-heal verification policy: attempt bound and
// backoff schedule are configurable, not inferred.
type VerifierConfig struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	HealthPath     string        `yaml:"health_path"`
	HealthPort     int           `yaml:"health_port"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Store: StoreConfig{
			DataDir: "/var/lib/fleetmedic",
		},
		Collector: CollectorConfig{
			PollInterval:   1 * time.Minute,
			FlapWindow:     10 * time.Minute,
			FlapThreshold:  3,
			FlapMinSamples: 6,
			DedupWindow:    5 * time.Minute,
		},
		Diagnostics: DiagnosticsConfig{
			CheckTimeout:   15 * time.Second,
			BatteryTimeout: 2 * time.Minute,
		},
		Decision: DecisionConfig{
			DefaultCooldown: 15 * time.Minute,
		},
		Verifier: VerifierConfig{
			Attempts:       3,
			InitialBackoff: 10 * time.Second,
			BackoffFactor:  2.0,
			HealthPath:     "/health",
			HealthPort:     80,
			HealthTimeout:  5 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
	}
}

// Load reads a YAML config file, layering it over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if len(c.Collector.TargetGroups) == 0 {
		return fmt.Errorf("collector: no target groups configured")
	}
	if c.Collector.PollInterval <= 0 {
		return fmt.Errorf("collector: poll_interval must be positive")
	}
	if c.Collector.FlapThreshold <= 0 {
		return fmt.Errorf("collector: flap_threshold must be positive")
	}
	if c.Collector.FlapMinSamples < c.Collector.FlapThreshold {
		return fmt.Errorf("collector: flap_min_samples must be >= flap_threshold")
	}
	if c.Diagnostics.CheckTimeout <= 0 || c.Diagnostics.BatteryTimeout <= 0 {
		return fmt.Errorf("diagnostics: timeouts must be positive")
	}
	if c.Diagnostics.CheckTimeout > c.Diagnostics.BatteryTimeout {
		return fmt.Errorf("diagnostics: check_timeout cannot exceed battery_timeout")
	}
	if c.Verifier.Attempts <= 0 {
		return fmt.Errorf("verifier: attempts must be positive")
	}
	if c.Verifier.BackoffFactor < 1.0 {
		return fmt.Errorf("verifier: backoff_factor must be >= 1.0")
	}
	if c.Verifier.HealthPort <= 0 || c.Verifier.HealthPort > 65535 {
		return fmt.Errorf("verifier: health_port out of range")
	}
	return nil
}
