package agent

import "fabric/internal/domain"

// Descriptor declares an agent class: its capability tag, the task types it
// handles, and the resource ceiling it advertises. Spawn builds a concrete
// agent from a descriptor plus a loaded module, so adding a new agent class
// is declaring data, not writing lifecycle plumbing.
type Descriptor struct {
	AgentType          string
	SupportedTaskTypes []string
	MaxConcurrentTasks int
	Quota              domain.ResourceQuota
	RequiredEnv        map[string]string
	Features           []string
}

// Capabilities materializes the advertised capability set. A descriptor
// with no explicit task types supports exactly its own type tag, and
// sandboxed instances run one task at a time unless declared otherwise.
func (d Descriptor) Capabilities() domain.AgentCapabilities {
	taskTypes := d.SupportedTaskTypes
	if len(taskTypes) == 0 {
		taskTypes = []string{d.AgentType}
	}
	maxConcurrent := d.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return domain.AgentCapabilities{
		SupportedTaskTypes: taskTypes,
		MaxConcurrentTasks: maxConcurrent,
		Quota:              d.Quota,
		RequiredEnv:        d.RequiredEnv,
		Features:           d.Features,
	}
}
