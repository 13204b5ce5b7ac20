package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateFabric(cfg, ve)
	validateSandbox(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateKpiStore(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateFabric(cfg *Config, ve *ValidationError) {
	f := cfg.Fabric
	if f.MaxAgents <= 0 {
		ve.Add("fabric.max_agents must be > 0")
	}
	if f.TaskQueueCapacity <= 0 {
		ve.Add("fabric.task_queue_capacity must be > 0")
	}
	if f.DispatchWorkers <= 0 {
		ve.Add("fabric.dispatch_workers must be > 0")
	}
	if f.HeartbeatInterval <= 0 {
		ve.Add("fabric.heartbeat_interval must be > 0")
	}
	if f.AgentTimeout <= 0 {
		ve.Add("fabric.agent_timeout must be > 0")
	}
	if f.MaxRetries < 0 {
		ve.Add("fabric.max_retries must be >= 0")
	}
	if f.RetryBaseDelay <= 0 {
		ve.Add("fabric.retry_base_delay must be > 0")
	}
	if f.RetryMaxDelay < f.RetryBaseDelay {
		ve.Add("fabric.retry_max_delay must be >= retry_base_delay")
	}
	if f.RetryBackoffMultiplier < 1.0 {
		ve.Add("fabric.retry_backoff_multiplier must be >= 1.0")
	}
	if f.DeadLetterQueueSize <= 0 {
		ve.Add("fabric.dead_letter_queue_size must be > 0")
	}
	if f.SpawnRatePerMin <= 0 {
		ve.Add("fabric.spawn_rate_per_min must be > 0")
	}
	if f.KpiFlushInterval <= 0 {
		ve.Add("fabric.kpi_flush_interval must be > 0")
	}
	if f.DefaultQuota.MaxExecutionTime <= 0 {
		ve.Add("fabric.default_quota.max_execution_time must be > 0")
	}
}

func validateSandbox(cfg *Config, ve *ValidationError) {
	if cfg.Sandbox.MaxMemoryMB <= 0 {
		ve.Add("sandbox.max_memory_mb must be > 0")
	}
	if cfg.Sandbox.ExecTimeout <= 0 {
		ve.Add("sandbox.exec_timeout must be > 0")
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug/info/warn/error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is not one of text/json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not one of stdout/noop", cfg.Tracer.Exporter)
	}
}

func validateKpiStore(cfg *Config, ve *ValidationError) {
	if !cfg.KpiStore.Enabled {
		return
	}
	if cfg.KpiStore.Path == "" {
		ve.Add("kpi_store.path must not be empty when enabled")
	}
	if cfg.KpiStore.Retention <= 0 {
		ve.Add("kpi_store.retention must be > 0 when enabled")
	}
}
