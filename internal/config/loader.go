// Package config loads the daemon configuration from YAML, JSON or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"inferd/pkg/types"
)

// Config holds runtime parameters for the service. Load starts from Default,
// so a file only needs the keys it changes.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// Model is the default model: a registry id, a file path or a content hash.
	Model   string `json:"model" yaml:"model" toml:"model"`
	Gateway string `json:"gateway" yaml:"gateway" toml:"gateway"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
	// HTTPLog is the default per-request log level of generation endpoints.
	HTTPLog string `json:"http_log" yaml:"http_log" toml:"http_log"`

	MaxBodyBytes          int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	RequestTimeoutSeconds int   `json:"request_timeout_seconds" yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`

	Inference types.InferenceConfig `json:"inference" yaml:"inference" toml:"inference"`
	Cache     Cache                 `json:"cache" yaml:"cache" toml:"cache"`
	Edge      Edge                  `json:"edge" yaml:"edge" toml:"edge"`
	Redis     Redis                 `json:"redis" yaml:"redis" toml:"redis"`
	CORS      CORS                  `json:"cors" yaml:"cors" toml:"cors"`
}

// Cache bounds the model cache.
type Cache struct {
	MaxLoaded     int `json:"max_loaded" yaml:"max_loaded" toml:"max_loaded"`
	MaxQueueDepth int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	// MaxWaitMs bounds how long a queued request waits for its model before
	// a 429. Zero waits until the request's own timeout.
	MaxWaitMs int `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
}

// Edge configures distribution across devices.
type Edge struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	DeviceID string `json:"device_id" yaml:"device_id" toml:"device_id"`
	// AdvertiseAddr is the base URL peers use to reach this node.
	AdvertiseAddr           string `json:"advertise_addr" yaml:"advertise_addr" toml:"advertise_addr"`
	HeartbeatTimeoutSeconds int    `json:"heartbeat_timeout_seconds" yaml:"heartbeat_timeout_seconds" toml:"heartbeat_timeout_seconds"`
	MonitorIntervalSeconds  int    `json:"monitor_interval_seconds" yaml:"monitor_interval_seconds" toml:"monitor_interval_seconds"`
	DeregisterAfterSeconds  int    `json:"deregister_after_seconds" yaml:"deregister_after_seconds" toml:"deregister_after_seconds"`
	DispatchTimeoutSeconds  int    `json:"dispatch_timeout_seconds" yaml:"dispatch_timeout_seconds" toml:"dispatch_timeout_seconds"`
	Consul                  Consul `json:"consul" yaml:"consul" toml:"consul"`
}

// Consul enables service discovery of peers.
type Consul struct {
	Addr            string `json:"addr" yaml:"addr" toml:"addr"`
	Service         string `json:"service" yaml:"service" toml:"service"`
	SyncIntervalSec int    `json:"sync_interval_seconds" yaml:"sync_interval_seconds" toml:"sync_interval_seconds"`
}

// Redis enables publication of response envelopes.
type Redis struct {
	Addr       string `json:"addr" yaml:"addr" toml:"addr"`
	Password   string `json:"password" yaml:"password" toml:"password"`
	DB         int    `json:"db" yaml:"db" toml:"db"`
	Prefix     string `json:"prefix" yaml:"prefix" toml:"prefix"`
	Channel    string `json:"channel" yaml:"channel" toml:"channel"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds" toml:"ttl_seconds"`
}

// CORS is opt-in.
type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Default returns the built-in configuration with environment defaults
// applied.
func Default() Config {
	c := Config{
		Addr:         ":8080",
		ModelsDir:    "~/models/llm",
		LogLevel:     "info",
		LogFormat:    "console",
		HTTPLog:      "off",
		MaxBodyBytes: 1 << 20,
		Inference:    types.DefaultInferenceConfig(),
		Cache:        Cache{MaxLoaded: 1},
		Edge: Edge{
			HeartbeatTimeoutSeconds: 30,
			MonitorIntervalSeconds:  10,
			DispatchTimeoutSeconds:  300,
			Consul:                  Consul{Service: "inferd", SyncIntervalSec: 15},
		},
		CORS: CORS{
			Methods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			Headers: []string{"Content-Type", "X-Log-Level"},
		},
	}
	c.ApplyEnv()
	return c
}

// ApplyEnv overrides the listen address and log level from INFERD_ADDR and
// INFERD_LOG_LEVEL when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("INFERD_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("INFERD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Load reads a configuration file based on its extension on top of
// Default. Supports .yaml/.yml, .json and .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Cache.MaxLoaded < 0 || c.Cache.MaxQueueDepth < 0 || c.Cache.MaxWaitMs < 0 {
		return fmt.Errorf("cache limits must not be negative")
	}
	switch c.Inference.Sampler {
	case "", types.SamplerGreedy, types.SamplerStochastic:
	default:
		return fmt.Errorf("unknown sampler %q", c.Inference.Sampler)
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.Edge.Enabled && c.Edge.DeviceID == "" {
		return fmt.Errorf("edge.device_id is required when edge is enabled")
	}
	return nil
}
