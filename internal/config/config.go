package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by defaults in Normalize.
type Config struct {
	Addr                string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir           string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel        string `json:"default_model" yaml:"default_model" toml:"default_model"`
	MaxConcurrentModels int    `json:"max_concurrent_models" yaml:"max_concurrent_models" toml:"max_concurrent_models"`
	MaxBatchSize        int    `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	MaxQueueSize        int    `json:"max_queue_size" yaml:"max_queue_size" toml:"max_queue_size"`
	CacheEnabled        *bool  `json:"cache_enabled" yaml:"cache_enabled" toml:"cache_enabled"`
	CacheCapacity       int    `json:"cache_capacity" yaml:"cache_capacity" toml:"cache_capacity"`
	SafetyMarginMB      int    `json:"safety_margin_mb" yaml:"safety_margin_mb" toml:"safety_margin_mb"`
	Workers             int    `json:"workers" yaml:"workers" toml:"workers"`
	DeviceBudgetMB      int    `json:"device_budget_mb" yaml:"device_budget_mb" toml:"device_budget_mb"`
	LogLevel            string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Normalize fills unset fields with service defaults.
func (c *Config) Normalize() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.MaxConcurrentModels <= 0 {
		c.MaxConcurrentModels = 2
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 8
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.CacheEnabled == nil {
		on := true
		c.CacheEnabled = &on
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 1000
	}
	if c.SafetyMarginMB <= 0 {
		c.SafetyMarginMB = 500
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
