package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fabric/internal/domain"
)

// Invoker is the loaded sandbox module handle an agent executes through.
// It is satisfied by *sandbox.Module; tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, payload []byte) ([]byte, error)
	Probe(ctx context.Context) (domain.HealthStatus, error)
	MemoryBytes() uint32
	Close(ctx context.Context) error
}

// Agent is one running sandboxed instance. It owns a lifecycle state
// machine, a telemetry collector, and the loaded module handle. State
// transitions are serialized under a single mutex; the sandboxed call
// itself runs outside the lock so a slow execution never blocks health
// probes or shutdown requests.
type Agent struct {
	id        string
	agentType string
	caps      domain.AgentCapabilities
	module    Invoker
	telemetry *Telemetry
	logger    *slog.Logger

	mu          sync.Mutex
	state       domain.AgentState
	cfg         domain.AgentConfig
	stats       domain.AgentStats
	errorCount  int
	lastSuccess time.Time
}

// New builds an agent in the Initializing state from a declarative
// descriptor. The agent is not claimable until Init succeeds.
func New(id string, desc Descriptor, module Invoker, bus domain.EventBus, logger *slog.Logger) *Agent {
	return &Agent{
		id:        id,
		agentType: desc.AgentType,
		caps:      desc.Capabilities(),
		module:    module,
		telemetry: NewTelemetry(id, bus, logger),
		logger:    logger.With("agent_id", id, "agent_type", desc.AgentType),
		state:     domain.AgentInitializing,
	}
}

// ID returns the agent's identity.
func (a *Agent) ID() string { return a.id }

// Type returns the agent's capability tag.
func (a *Agent) Type() string { return a.agentType }

// Capabilities returns the advertised capability set.
func (a *Agent) Capabilities() domain.AgentCapabilities { return a.caps }

// State returns the current lifecycle state.
func (a *Agent) State() domain.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Stats returns a snapshot of the agent's execution counters.
func (a *Agent) Stats() domain.AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Config returns the bound configuration.
func (a *Agent) Config() domain.AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *Agent) transitionLocked(next domain.AgentState) error {
	if !a.state.CanTransition(next) {
		return domain.NewDomainError("Agent.transition", domain.ErrAgentState,
			fmt.Sprintf("%s: %s -> %s", a.id, a.state, next))
	}
	a.state = next
	return nil
}

// Init binds the spawned sandbox instance to a concrete configuration and
// starts the telemetry collector. It is the only Initializing -> Idle path.
func (a *Agent) Init(cfg domain.AgentConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.transitionLocked(domain.AgentIdle); err != nil {
		return err
	}
	a.cfg = cfg
	a.telemetry.Start()
	a.logger.Info("agent initialized", "quota_mem_mb", cfg.Quota.MaxMemoryMB)
	return nil
}

// MarkBusy transitions Idle -> Busy. Called by the registry as part of an
// atomic claim; never call it directly from dispatch code.
func (a *Agent) MarkBusy() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(domain.AgentBusy)
}

// MarkIdle transitions Busy -> Idle after an execution resolves.
func (a *Agent) MarkIdle() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(domain.AgentIdle)
}

// MarkFailed transitions Idle/Busy -> Failed. Reserved for the heartbeat
// monitor; the executor reports timeouts instead of failing agents itself.
func (a *Agent) MarkFailed() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(domain.AgentFailed)
}

// Execute runs one task through the sandbox module. Valid only from Busy
// (entered via the registry's claim). The caller bounds ctx with the
// effective quota's deadline. One KpiReport is recorded per attempt,
// success or not.
func (a *Agent) Execute(ctx context.Context, task domain.Task) (*domain.ExecutionResult, error) {
	a.mu.Lock()
	if a.state != domain.AgentBusy {
		state := a.state
		a.mu.Unlock()
		return nil, domain.NewDomainError("Agent.Execute", domain.ErrAgentState,
			fmt.Sprintf("%s is %s, not busy", a.id, state))
	}
	a.mu.Unlock()

	start := time.Now()
	output, err := a.module.Invoke(ctx, task.Payload)
	elapsed := time.Since(start)

	usage := domain.ResourceUsage{
		// Wall-clock approximation; a guest is single-threaded so elapsed
		// time bounds cpu-seconds from above.
		CPUSeconds:   elapsed.Seconds(),
		MemoryPeakMB: int(a.module.MemoryBytes() / (1 << 20)),
	}

	result := &domain.ExecutionResult{
		TaskID:      task.ID,
		Success:     err == nil,
		Output:      output,
		Duration:    elapsed,
		Usage:       usage,
		CompletedAt: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	a.recordAttempt(result)
	a.telemetry.Record(ctx, task, result)

	if err != nil {
		return result, err
	}
	return result, nil
}

func (a *Agent) recordAttempt(res *domain.ExecutionResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.stats.TasksCompleted + a.stats.TasksFailed
	a.stats.AvgExecutionTimeMS = (a.stats.AvgExecutionTimeMS*float64(total) +
		float64(res.Duration.Milliseconds())) / float64(total+1)
	a.stats.TotalCPUSeconds += res.Usage.CPUSeconds
	if res.Usage.MemoryPeakMB > a.stats.MemoryPeakMB {
		a.stats.MemoryPeakMB = res.Usage.MemoryPeakMB
	}

	if res.Success {
		a.stats.TasksCompleted++
		a.stats.LastSuccessAt = res.CompletedAt
		a.lastSuccess = res.CompletedAt
		a.errorCount = 0
	} else {
		a.stats.TasksFailed++
		a.stats.LastFailureAt = res.CompletedAt
		a.errorCount++
	}
}

// Health probes the sandbox module and reports current usage.
func (a *Agent) Health(ctx context.Context) domain.AgentHealth {
	a.mu.Lock()
	state := a.state
	errorCount := a.errorCount
	lastSuccess := a.lastSuccess
	a.mu.Unlock()

	if !state.Live() {
		return domain.AgentHealth{Status: domain.HealthCritical, ErrorCount: errorCount}
	}

	status, err := a.module.Probe(ctx)
	if err != nil {
		a.logger.Warn("health probe failed", "error", err)
		status = domain.HealthCritical
	}

	return domain.AgentHealth{
		Status:      status,
		Usage:       domain.ResourceUsage{MemoryPeakMB: int(a.module.MemoryBytes() / (1 << 20))},
		LastSuccess: lastSuccess,
		ErrorCount:  errorCount,
	}
}

// Shutdown stops the agent gracefully from any live state and closes the
// sandbox module. Safe to call on an already-stopped agent.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.state == domain.AgentStopped {
		a.mu.Unlock()
		return nil
	}
	if err := a.transitionLocked(domain.AgentTerminating); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	err := a.module.Close(ctx)

	a.mu.Lock()
	a.state = domain.AgentStopped
	a.mu.Unlock()

	if err != nil {
		return domain.WrapOp("Agent.Shutdown", err)
	}
	a.logger.Info("agent stopped")
	return nil
}
