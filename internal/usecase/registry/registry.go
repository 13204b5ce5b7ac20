package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"fabric/internal/domain"
	"fabric/internal/usecase/agent"
)

// Registry is the shared table of live agents. It is the only structure
// mutated by more than one logical owner (the executor claims and releases,
// the heartbeat monitor evicts), so every mutation goes through its single
// lock. Critical sections are O(agents) scans and state flips; the
// sandboxed calls themselves never run under this lock.
type Registry struct {
	mu        sync.Mutex
	agents    map[string]*agent.Agent
	order     []string // insertion order, for deterministic claim scans
	suspects  map[string]struct{}
	maxAgents int
	logger    *slog.Logger
}

// New creates a Registry with a hard agent-count ceiling.
func New(maxAgents int, logger *slog.Logger) *Registry {
	return &Registry{
		agents:    make(map[string]*agent.Agent),
		suspects:  make(map[string]struct{}),
		maxAgents: maxAgents,
		logger:    logger,
	}
}

// Insert adds a fully initialized agent. A spawn beyond the ceiling fails
// fast with the ceiling named; it is never queued.
func (r *Registry) Insert(a *agent.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.agents) >= r.maxAgents {
		return domain.NewDomainError("Registry.Insert", domain.ErrQuotaExceeded,
			fmt.Sprintf("max_agents=%d", r.maxAgents))
	}
	id := a.ID()
	if _, exists := r.agents[id]; exists {
		return domain.NewDomainError("Registry.Insert", domain.ErrDuplicate, id)
	}
	r.agents[id] = a
	r.order = append(r.order, id)
	r.logger.Info("agent registered", "agent_id", id, "agent_type", a.Type(), "fleet_size", len(r.agents))
	return nil
}

// Claim atomically selects the first idle agent supporting taskType and
// marks it Busy before the lock is released, so no second caller can claim
// the same agent. Returns ErrAgentNotFound when no idle match exists; the
// scheduler's retry policy handles waiting.
func (r *Registry) Claim(taskType string) (*agent.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		a, ok := r.agents[id]
		if !ok {
			continue
		}
		if a.State() != domain.AgentIdle || !a.Capabilities().Supports(taskType) {
			continue
		}
		if err := a.MarkBusy(); err != nil {
			// State moved between the check and the flip; skip it.
			continue
		}
		return a, nil
	}
	return nil, domain.NewDomainError("Registry.Claim", domain.ErrAgentNotFound, taskType)
}

// Release marks a claimed agent Idle again.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return domain.NewDomainError("Registry.Release", domain.ErrNotFound, id)
	}
	return a.MarkIdle()
}

// Get returns a registered agent by ID.
func (r *Registry) Get(id string) (*agent.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrNotFound, id)
	}
	return a, nil
}

// Remove unregisters an agent. The caller owns any shutdown of the agent
// itself; removal only drops it from the table.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return domain.NewDomainError("Registry.Remove", domain.ErrNotFound, id)
	}
	delete(r.agents, id)
	delete(r.suspects, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("agent removed", "agent_id", id, "fleet_size", len(r.agents))
	return nil
}

// FlagSuspect marks an agent for a priority health re-check. The executor
// flags agents that hit an execution deadline instead of assuming they are
// dead; the next heartbeat sweep resolves their true state.
func (r *Registry) FlagSuspect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; ok {
		r.suspects[id] = struct{}{}
	}
}

// TakeSuspects drains and returns the flagged set.
func (r *Registry) TakeSuspects() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.suspects
	r.suspects = make(map[string]struct{})
	return out
}

// Snapshot returns the current agents in insertion order.
func (r *Registry) Snapshot() []*agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*agent.Agent, 0, len(r.agents))
	for _, id := range r.order {
		if a, ok := r.agents[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Counts returns the number of busy and idle agents.
func (r *Registry) Counts() (busy, idle int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.agents {
		switch a.State() {
		case domain.AgentBusy:
			busy++
		case domain.AgentIdle:
			idle++
		}
	}
	return busy, idle
}
