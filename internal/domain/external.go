package domain

import "time"

// ValidationResult is feedback from the upstream validation pipeline about
// an agent binary or task outcome. The fabric records it and republishes it
// on the event bus; it does not alter scheduling behavior.
type ValidationResult struct {
	TaskID      string             `json:"task_id,omitempty"`
	AgentID     string             `json:"agent_id,omitempty"`
	Passed      bool               `json:"passed"`
	Stage       string             `json:"stage"` // safety, integrity, compliance, risk
	Scores      map[string]float64 `json:"scores,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
}

// GPUAllocation describes a GPU grant inside a ResourceAllocation.
type GPUAllocation struct {
	DeviceID    string  `json:"device_id"`
	MemoryMB    int     `json:"memory_mb"`
	Utilization float64 `json:"utilization"`
}

// ResourceAllocation is a grant decision from the resource-allocation layer.
// Accepted and recorded; quota enforcement still follows the task and agent
// quotas already declared.
type ResourceAllocation struct {
	AgentID   string          `json:"agent_id"`
	Quota     ResourceQuota   `json:"quota"`
	GPUs      []GPUAllocation `json:"gpus,omitempty"`
	GrantedAt time.Time       `json:"granted_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}
