// Package executor dispatches single task attempts to sandboxed agents
// and owns the spawn path that brings new agents into the registry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"fabric/internal/domain"
	"fabric/internal/infra/config"
	"fabric/internal/sandbox"
	"fabric/internal/usecase/agent"
	"fabric/internal/usecase/registry"
)

// Circuit breaker defaults per agent type.
const (
	breakerMaxFailures uint32        = 5
	breakerTimeout     time.Duration = 30 * time.Second
	breakerInterval    time.Duration = 60 * time.Second
)

// Executor claims an idle agent, enforces the effective resource quota
// as a dispatch deadline, and routes the sandboxed call through a
// per-agent-type circuit breaker so a consistently failing agent class
// fails fast instead of burning retries.
type Executor struct {
	cfg      config.FabricConfig
	runtime  *sandbox.Runtime
	registry *registry.Registry
	bus      domain.EventBus
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*domain.ExecutionResult]
}

// New builds an executor over the given runtime and registry.
func New(cfg config.FabricConfig, rt *sandbox.Runtime, reg *registry.Registry, bus domain.EventBus, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		runtime:  rt,
		registry: reg,
		bus:      bus,
		logger:   logger.With("component", "executor"),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*domain.ExecutionResult]),
	}
}

func (e *Executor) breakerFor(agentType string) *gobreaker.CircuitBreaker[*domain.ExecutionResult] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[agentType]; ok {
		return cb
	}
	logger := e.logger
	cb := gobreaker.NewCircuitBreaker[*domain.ExecutionResult](gobreaker.Settings{
		Name:        "agent:" + agentType,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	e.breakers[agentType] = cb
	return cb
}

// effectiveQuota is the element-wise minimum of the task's declared quota
// and the agent's advertised quota, with unset dimensions filled from the
// configured default.
func (e *Executor) effectiveQuota(task *domain.Task, caps domain.AgentCapabilities) domain.ResourceQuota {
	eff := task.Quota.Min(caps.Quota)
	def := e.cfg.DefaultQuota
	if eff.MaxCPUCores == 0 {
		eff.MaxCPUCores = def.MaxCPUCores
	}
	if eff.MaxMemoryMB == 0 {
		eff.MaxMemoryMB = def.MaxMemoryMB
	}
	if eff.MaxExecutionTime == 0 {
		eff.MaxExecutionTime = def.MaxExecutionTime
	}
	if eff.MaxNetworkMbps == 0 {
		eff.MaxNetworkMbps = def.MaxNetworkMbps
	}
	return eff
}

// Execute runs one task attempt. Used by the scheduler's dispatch loop
// and exposed directly for synchronous callers bypassing the queue.
//
// On a deadline the agent is flagged suspect and left Busy; the next
// heartbeat sweep decides whether it is actually dead. On every other
// outcome the agent is released back to Idle.
func (e *Executor) Execute(ctx context.Context, task *domain.Task) (*domain.ExecutionResult, error) {
	const op = "Executor.Execute"

	ag, err := e.registry.Claim(task.TargetAgentType)
	if err != nil {
		return nil, err
	}

	eff := e.effectiveQuota(task, ag.Capabilities())
	execCtx, cancel := context.WithTimeout(ctx, eff.MaxExecutionTime)
	defer cancel()

	res, err := e.breakerFor(ag.Type()).Execute(func() (*domain.ExecutionResult, error) {
		return ag.Execute(execCtx, *task)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// The sandbox never ran; the claimed agent is healthy.
		e.release(ag)
		return nil, domain.NewDomainError(op, domain.ErrAgentNotFound,
			fmt.Sprintf("circuit open for agent type %s", ag.Type()))
	case err != nil && (errors.Is(err, domain.ErrAgentTimeout) || errors.Is(execCtx.Err(), context.DeadlineExceeded)):
		e.registry.FlagSuspect(ag.ID())
		e.logger.Warn("dispatch deadline exceeded",
			"task_id", task.ID, "agent_id", ag.ID(), "deadline", eff.MaxExecutionTime)
		return res, domain.NewAgentTimeout(op, eff.MaxExecutionTime)
	case err != nil && errors.Is(execCtx.Err(), context.Canceled):
		// Parent cancellation (shutdown or preemption) interrupts the
		// guest mid-run; the module needs a health re-check before reuse.
		e.registry.FlagSuspect(ag.ID())
		return res, err
	case err != nil:
		e.release(ag)
		return res, err
	default:
		e.release(ag)
		return res, nil
	}
}

func (e *Executor) release(ag *agent.Agent) {
	if err := e.registry.Release(ag.ID()); err != nil {
		e.logger.Warn("agent release failed", "agent_id", ag.ID(), "error", err)
	}
}

// SpawnAgent validates, compiles, instantiates, and registers a new
// sandboxed agent. The operation is atomic: a failure at any step leaves
// no partial registry entry behind.
func (e *Executor) SpawnAgent(ctx context.Context, binary []byte, desc agent.Descriptor) (*agent.Agent, error) {
	const op = "Executor.SpawnAgent"

	if err := sandbox.ValidateBinary(binary); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	// Pre-check before paying for a compile; Insert re-checks under lock.
	if n := e.registry.Len(); n >= e.cfg.MaxAgents {
		return nil, domain.NewDomainError(op, domain.ErrQuotaExceeded,
			fmt.Sprintf("max_agents=%d", e.cfg.MaxAgents))
	}

	id := ulid.Make().String()
	mod, err := sandbox.Load(ctx, e.runtime, id, binary)
	if err != nil {
		return nil, domain.WrapOp(fmt.Sprintf("%s: agent %s", op, id), err)
	}

	quota := desc.Quota
	if quota.IsZero() {
		quota = e.cfg.DefaultQuota
	}
	ag := agent.New(id, desc, mod, e.bus, e.logger)
	if err := ag.Init(domain.AgentConfig{
		AgentID:     id,
		AgentType:   desc.AgentType,
		Quota:       quota,
		Environment: desc.RequiredEnv,
	}); err != nil {
		_ = mod.Close(context.WithoutCancel(ctx))
		return nil, domain.WrapOp(op, err)
	}

	if err := e.registry.Insert(ag); err != nil {
		// Lost the capacity race after the pre-check; tear the instance
		// back down so nothing half-spawned survives.
		_ = ag.Shutdown(context.WithoutCancel(ctx))
		return nil, domain.WrapOp(op, err)
	}

	e.logger.Info("agent spawned", "agent_id", id, "agent_type", desc.AgentType)
	if e.bus != nil {
		e.bus.Publish(ctx, domain.Event{
			Type:      domain.EventAgentSpawned,
			Timestamp: time.Now(),
			AgentID:   id,
		})
	}
	return ag, nil
}

// BreakerState reports the circuit state for an agent type, for health
// snapshots. Returns closed for types that have never dispatched.
func (e *Executor) BreakerState(agentType string) gobreaker.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[agentType]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
