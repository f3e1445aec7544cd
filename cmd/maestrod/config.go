package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voltmind/maestro/core"
)

// FileConfig is the maestro.yaml schema. Durations are milliseconds.
type FileConfig struct {
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Node struct {
		ID                  string `yaml:"id"`
		KeyPrefix           string `yaml:"key_prefix"`
		HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
		PollIntervalMS      int    `yaml:"poll_interval_ms"`
		MaxConcurrency      int    `yaml:"max_concurrency"`
	} `yaml:"node"`

	Engine struct {
		DefaultTimeoutMS int  `yaml:"default_timeout_ms"`
		Validate         bool `yaml:"validate"`
	} `yaml:"engine"`

	Retry struct {
		MaxAttempts    int `yaml:"max_attempts"`
		InitialDelayMS int `yaml:"initial_delay_ms"`
		MaxDelayMS     int `yaml:"max_delay_ms"`
	} `yaml:"retry"`

	Breaker struct {
		FailureThreshold  int `yaml:"failure_threshold"`
		ResetTimeoutMS    int `yaml:"reset_timeout_ms"`
		HalfOpenSuccesses int `yaml:"half_open_successes"`
	} `yaml:"breaker"`

	Cache struct {
		Enabled      bool `yaml:"enabled"`
		DefaultTTLMS int  `yaml:"default_ttl_ms"`
	} `yaml:"cache"`

	Learning struct {
		DefaultAdapter  string `yaml:"default_adapter"`
		InsightInterval int    `yaml:"insight_interval"`
	} `yaml:"learning"`

	// Adapters lists the back-ends to register. The echo adapter needs
	// no credentials and serves smoke tests.
	Adapters []AdapterConfig `yaml:"adapters"`
}

// AdapterConfig describes one back-end registration.
type AdapterConfig struct {
	ID      string                 `yaml:"id"`
	Type    string                 `yaml:"type"`
	Options map[string]interface{} `yaml:"options"`
}

// loadConfig reads and validates the YAML config file.
func loadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.WrapError(core.CodeInvalidRequest, "cannot read config "+path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.WrapError(core.CodeInvalidPayload, "cannot parse config "+path, err)
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if len(cfg.Adapters) == 0 {
		cfg.Adapters = []AdapterConfig{{ID: "echo", Type: "echo"}}
	}
	return &cfg, nil
}

func (c *FileConfig) heartbeatInterval() time.Duration {
	return time.Duration(c.Node.HeartbeatIntervalMS) * time.Millisecond
}

func (c *FileConfig) pollInterval() time.Duration {
	return time.Duration(c.Node.PollIntervalMS) * time.Millisecond
}

func (c *FileConfig) resetTimeout() time.Duration {
	return time.Duration(c.Breaker.ResetTimeoutMS) * time.Millisecond
}

func (c *FileConfig) initialDelay() time.Duration {
	return time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
}

func (c *FileConfig) maxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

func (c *FileConfig) cacheTTL() time.Duration {
	return time.Duration(c.Cache.DefaultTTLMS) * time.Millisecond
}
