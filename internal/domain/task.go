package domain

import (
	"encoding/json"
	"time"
)

// Priority orders tasks in the pending queue. Higher values dispatch first.
type Priority int

const (
	PriorityBackground Priority = 1
	PriorityLow        Priority = 25
	PriorityNormal     Priority = 50
	PriorityHigh       Priority = 75
	PriorityCritical   Priority = 100
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Task is a unit of work routed to a sandboxed agent. The fabric never
// interprets the payload; it only schedules, dispatches, and measures.
// A Task is immutable once submitted.
type Task struct {
	ID              string            `json:"id"`
	Priority        Priority          `json:"priority"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Deadline        *time.Time        `json:"deadline,omitempty"`
	Quota           ResourceQuota     `json:"resource_quota"`
	TargetAgentType string            `json:"target_agent_type"`
	Source          string            `json:"source,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ExecutionResult is the outcome of a single execution attempt.
type ExecutionResult struct {
	TaskID      string          `json:"task_id"`
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	Duration    time.Duration   `json:"duration"`
	Usage       ResourceUsage   `json:"resource_usage"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// SchedulerStats is a read-only projection of scheduler state.
type SchedulerStats struct {
	QueuedTasks     int `json:"queued_tasks"`
	ActiveTasks     int `json:"active_tasks"`
	DeadLetterTasks int `json:"dead_letter_tasks"`
	MaxQueueSize    int `json:"max_queue_size"`
	MaxRetries      int `json:"max_retries"`
}

// DeadLetter records a task that exhausted its retries, preserved for
// inspection rather than discarded.
type DeadLetter struct {
	Task     Task      `json:"task"`
	Attempts int       `json:"attempts"`
	LastErr  string    `json:"last_error"`
	FailedAt time.Time `json:"failed_at"`
}
