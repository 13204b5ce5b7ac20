package domain

import (
	"encoding/json"
	"time"
)

// AgentState is a lifecycle state of a sandboxed agent instance.
type AgentState string

const (
	AgentInitializing AgentState = "initializing"
	AgentIdle         AgentState = "idle"
	AgentBusy         AgentState = "busy"
	AgentFailed       AgentState = "failed"
	AgentTerminating  AgentState = "terminating"
	AgentStopped      AgentState = "stopped"
)

// legalTransitions encodes the lifecycle state machine. Terminating is
// reachable from every live state via shutdown, so it is handled separately
// in CanTransition.
var legalTransitions = map[AgentState][]AgentState{
	AgentInitializing: {AgentIdle},
	AgentIdle:         {AgentBusy, AgentFailed},
	AgentBusy:         {AgentIdle, AgentFailed},
	AgentFailed:       {},
	AgentTerminating:  {AgentStopped},
	AgentStopped:      {},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition. Any non-terminal state may move to Terminating.
func (s AgentState) CanTransition(next AgentState) bool {
	if next == AgentTerminating {
		return s != AgentTerminating && s != AgentStopped
	}
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether the agent can still accept lifecycle operations.
func (s AgentState) Live() bool {
	return s != AgentStopped && s != AgentFailed
}

// AgentCapabilities advertises what an agent instance can do and under what
// resource ceiling.
type AgentCapabilities struct {
	SupportedTaskTypes []string          `json:"supported_task_types" yaml:"supported_task_types"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Quota              ResourceQuota     `json:"resource_quota"       yaml:"resource_quota"`
	RequiredEnv        map[string]string `json:"required_env,omitempty" yaml:"required_env,omitempty"`
	Features           []string          `json:"features,omitempty"     yaml:"features,omitempty"`
}

// Supports reports whether the agent handles the given task type.
func (c AgentCapabilities) Supports(taskType string) bool {
	for _, t := range c.SupportedTaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// AgentConfig binds a spawned sandbox instance to a concrete identity,
// quota, and environment.
type AgentConfig struct {
	AgentID     string                     `json:"agent_id"`
	AgentType   string                     `json:"agent_type"`
	Quota       ResourceQuota              `json:"resource_quota"`
	Environment map[string]string          `json:"environment,omitempty"`
	Parameters  map[string]json.RawMessage `json:"parameters,omitempty"`
}

// HealthStatus classifies an agent or system health probe.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthCritical  HealthStatus = "critical"
)

// Evictable reports whether the status warrants removing the agent.
func (h HealthStatus) Evictable() bool {
	return h == HealthUnhealthy || h == HealthCritical
}

// AgentHealth is the result of one health probe on one agent.
type AgentHealth struct {
	Status      HealthStatus       `json:"status"`
	Usage       ResourceUsage      `json:"resource_usage"`
	LastSuccess time.Time          `json:"last_success"`
	ErrorCount  int                `json:"error_count"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// AgentStats accumulates per-agent execution counters.
type AgentStats struct {
	TasksCompleted     int64     `json:"tasks_completed"`
	TasksFailed        int64     `json:"tasks_failed"`
	AvgExecutionTimeMS float64   `json:"avg_execution_time_ms"`
	TotalCPUSeconds    float64   `json:"total_cpu_seconds"`
	MemoryPeakMB       int       `json:"memory_peak_mb"`
	LastSuccessAt      time.Time `json:"last_success_at,omitempty"`
	LastFailureAt      time.Time `json:"last_failure_at,omitempty"`
}

// SystemHealth is the fleet-wide snapshot polled by operational tooling.
type SystemHealth struct {
	Status        HealthStatus        `json:"status"`
	ActiveAgents  int                 `json:"active_agents"`
	PendingTasks  int                 `json:"pending_tasks"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Utilization   ResourceUtilization `json:"utilization"`
	LastCheck     time.Time           `json:"last_check"`
}
