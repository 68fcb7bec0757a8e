// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package config loads the overlayd configuration from YAML.
//
// ${VAR} references are replaced with environment values before parsing.
// Missing fields keep their defaults:
//
//	backend: vulkan
//	fence_mode: optional
//	pools:
//	  - label: ui
//	    capacity: 3
//	    width: 1280
//	    height: 720
//	    format: ARGB8888
//	producer:
//	  pool: ui
//	  fps: 30
//	metrics:
//	  listen: ${OVERLAY_METRICS_ADDR}
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gogpu/overlay/dmabuf"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendVulkan = "vulkan"
	BackendNoop   = "noop"
)

// Fence mode names.
const (
	FenceOptional = "optional"
	FenceRequired = "required"
)

// Config is the overlayd configuration.
type Config struct {
	Backend       string        `yaml:"backend"`
	EmulateImport bool          `yaml:"emulate_import"`
	SampleCount   uint32        `yaml:"sample_count"`
	FenceMode     string        `yaml:"fence_mode"`
	BindTimeout   time.Duration `yaml:"bind_timeout"`
	FenceTimeout  time.Duration `yaml:"fence_timeout"`
	LogLevel      string        `yaml:"log_level"`

	Pools    []PoolConfig   `yaml:"pools"`
	Producer ProducerConfig `yaml:"producer"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PoolConfig describes one named slot pool.
type PoolConfig struct {
	Label    string `yaml:"label"`
	Capacity int    `yaml:"capacity"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	Format   Format `yaml:"format"`
}

// Descriptor returns the buffer template for the pool.
func (p PoolConfig) Descriptor() dmabuf.Descriptor {
	return dmabuf.NewDescriptor(p.Width, p.Height, dmabuf.Format(p.Format))
}

// ProducerConfig drives the frame producer loop.
type ProducerConfig struct {
	Pool           string        `yaml:"pool"`
	FPS            int           `yaml:"fps"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// Frames stops the producer after this many frames; zero runs until
	// interrupted.
	Frames int `yaml:"frames"`
}

// WatcherConfig configures the fence watcher.
type WatcherConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// Format is a pixel format that decodes from a DRM name or fourcc.
type Format dmabuf.Format

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Format) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := dmabuf.ParseFormat(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*f = Format(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (f Format) MarshalYAML() (any, error) {
	return dmabuf.Format(f).String(), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend:      BackendVulkan,
		SampleCount:  4,
		FenceMode:    FenceOptional,
		BindTimeout:  2 * time.Second,
		FenceTimeout: time.Second,
		LogLevel:     "info",
		Pools: []PoolConfig{{
			Label:    "ui",
			Capacity: 3,
			Width:    1280,
			Height:   720,
			Format:   Format(dmabuf.FormatARGB8888),
		}},
		Producer: ProducerConfig{
			Pool:           "ui",
			FPS:            30,
			AcquireTimeout: 10 * time.Millisecond,
		},
		Watcher: WatcherConfig{Interval: 500 * time.Microsecond},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. A pools
// list in data replaces the default pools.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	content := substituteEnvVars(string(data))

	var probe struct {
		Pools []PoolConfig `yaml:"pools"`
	}
	if err := yaml.Unmarshal([]byte(content), &probe); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if probe.Pools != nil {
		cfg.Pools = nil
	}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // config is not secret
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendVulkan, BackendNoop:
	default:
		errs = append(errs, fmt.Errorf("backend %q: want %q or %q", c.Backend, BackendVulkan, BackendNoop))
	}
	switch c.FenceMode {
	case FenceOptional, FenceRequired:
	default:
		errs = append(errs, fmt.Errorf("fence_mode %q: want %q or %q", c.FenceMode, FenceOptional, FenceRequired))
	}
	if c.SampleCount < 2 {
		errs = append(errs, fmt.Errorf("sample_count %d: must be at least 2", c.SampleCount))
	}
	if c.BindTimeout < 0 {
		errs = append(errs, fmt.Errorf("bind_timeout %v: must not be negative", c.BindTimeout))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel))
	}

	if len(c.Pools) == 0 {
		errs = append(errs, errors.New("pools: at least one pool is required"))
	}
	seen := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		if p.Label == "" {
			errs = append(errs, fmt.Errorf("pools[%d]: empty label", i))
		} else if seen[p.Label] {
			errs = append(errs, fmt.Errorf("pools[%d]: duplicate label %q", i, p.Label))
		}
		seen[p.Label] = true
		if p.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("pools[%d]: capacity %d must be positive", i, p.Capacity))
		}
		if err := p.Descriptor().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("pools[%d]: %w", i, err))
		}
	}

	if c.Producer.Pool != "" && !seen[c.Producer.Pool] {
		errs = append(errs, fmt.Errorf("producer.pool %q: no such pool", c.Producer.Pool))
	}
	if c.Producer.FPS <= 0 {
		errs = append(errs, fmt.Errorf("producer.fps %d: must be positive", c.Producer.FPS))
	}
	if c.Producer.Frames < 0 {
		errs = append(errs, fmt.Errorf("producer.frames %d: must not be negative", c.Producer.Frames))
	}
	if c.Watcher.Interval <= 0 {
		errs = append(errs, fmt.Errorf("watcher.interval %v: must be positive", c.Watcher.Interval))
	}
	return errors.Join(errs...)
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		content = content[:start] + os.Getenv(varName) + content[end+1:]
	}
	return content
}
