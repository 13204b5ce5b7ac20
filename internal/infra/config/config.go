package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"fabric/internal/domain"
)

// FabricConfig holds the scheduling and lifecycle settings of the fabric.
type FabricConfig struct {
	MaxAgents              int                  `yaml:"max_agents"`
	TaskQueueCapacity      int                  `yaml:"task_queue_capacity"`
	DispatchWorkers        int                  `yaml:"dispatch_workers"`
	HeartbeatInterval      time.Duration        `yaml:"heartbeat_interval"`
	AgentTimeout           time.Duration        `yaml:"agent_timeout"`
	MaxRetries             int                  `yaml:"max_retries"`
	RetryBaseDelay         time.Duration        `yaml:"retry_base_delay"`
	RetryMaxDelay          time.Duration        `yaml:"retry_max_delay"`
	RetryBackoffMultiplier float64              `yaml:"retry_backoff_multiplier"`
	EnablePreemption       bool                 `yaml:"enable_preemption"`
	DeadLetterQueueSize    int                  `yaml:"dead_letter_queue_size"`
	SpawnRatePerMin        int                  `yaml:"spawn_rate_per_min"`
	KpiFlushInterval       time.Duration        `yaml:"kpi_flush_interval"`
	DefaultQuota           domain.ResourceQuota `yaml:"default_quota"`
}

// SandboxConfig holds the binary runtime settings.
type SandboxConfig struct {
	MaxMemoryMB int           `yaml:"max_memory_mb"` // per-instance linear memory ceiling
	ExecTimeout time.Duration `yaml:"exec_timeout"`  // fallback guest-call timeout
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// KpiStoreConfig holds settings for the durable KPI report buffer.
type KpiStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Retention int    `yaml:"retention"` // max rows kept; older rows are trimmed
}

// Config is the top-level application configuration.
type Config struct {
	Fabric   FabricConfig   `yaml:"fabric"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	KpiStore KpiStoreConfig `yaml:"kpi_store"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Fabric: FabricConfig{
			MaxAgents:              10,
			TaskQueueCapacity:      1000,
			DispatchWorkers:        4,
			HeartbeatInterval:      10 * time.Second,
			AgentTimeout:           60 * time.Second,
			MaxRetries:             3,
			RetryBaseDelay:         1 * time.Second,
			RetryMaxDelay:          5 * time.Minute,
			RetryBackoffMultiplier: 2.0,
			EnablePreemption:       false,
			DeadLetterQueueSize:    1000,
			SpawnRatePerMin:        60,
			KpiFlushInterval:       5 * time.Second,
			DefaultQuota: domain.ResourceQuota{
				MaxCPUCores:      1.0,
				MaxMemoryMB:      512,
				MaxExecutionTime: 5 * time.Minute,
				MaxNetworkMbps:   10,
			},
		},
		Sandbox: SandboxConfig{
			MaxMemoryMB: 64,
			ExecTimeout: 30 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		KpiStore: KpiStoreConfig{
			Enabled:   true,
			Path:      "fabric-kpi.db",
			Retention: 3600,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps FABRIC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FABRIC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FABRIC_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FABRIC_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FABRIC_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("FABRIC_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Fabric.MaxAgents = n
		}
	}
	if v := os.Getenv("FABRIC_TASK_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Fabric.TaskQueueCapacity = n
		}
	}
	if v := os.Getenv("FABRIC_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Fabric.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("FABRIC_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Fabric.AgentTimeout = d
		}
	}
	if v := os.Getenv("FABRIC_ENABLE_PREEMPTION"); v == "true" {
		cfg.Fabric.EnablePreemption = true
	}
	if v := os.Getenv("FABRIC_KPI_STORE_PATH"); v != "" {
		cfg.KpiStore.Path = v
	}
	if v := os.Getenv("FABRIC_KPI_STORE_ENABLED"); v == "false" {
		cfg.KpiStore.Enabled = false
	}
}
