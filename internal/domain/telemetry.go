package domain

import "time"

// ExecutionContext is the environment snapshot attached to every KPI report.
type ExecutionContext struct {
	Hostname      string `json:"hostname"`
	CPUCores      int    `json:"cpu_cores"`
	TotalMemoryMB int    `json:"total_memory_mb"`
}

// KpiReport is per-execution telemetry produced after every attempt,
// independent of the ExecutionResult surfaced to the caller. The
// optimization layer consumes the stream to score and evolve agents.
type KpiReport struct {
	TaskID        string             `json:"task_id"`
	AgentID       string             `json:"agent_id"`
	LatencyMS     float64            `json:"latency_ms"`
	Accuracy      float64            `json:"accuracy"`
	CPUSeconds    float64            `json:"cpu_seconds"`
	MemoryMB      int                `json:"memory_mb"`
	NetworkBytes  int64              `json:"network_bytes"`
	CustomMetrics map[string]float64 `json:"custom_metrics,omitempty"`
	Context       ExecutionContext   `json:"context"`
	RecordedAt    time.Time          `json:"recorded_at"`
}
