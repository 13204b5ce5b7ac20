// Package fabric is the composition root: it wires the sandbox runtime,
// registry, executor, scheduler, heartbeat monitor, maintenance runner,
// and KPI store into one execution fabric.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fabric/internal/adapter/kpistore"
	"fabric/internal/domain"
	"fabric/internal/infra/config"
	"fabric/internal/infra/tracer"
	"fabric/internal/sandbox"
	"fabric/internal/usecase/agent"
	"fabric/internal/usecase/eventbus"
	"fabric/internal/usecase/executor"
	"fabric/internal/usecase/heartbeat"
	"fabric/internal/usecase/maintenance"
	"fabric/internal/usecase/registry"
	"fabric/internal/usecase/scheduler"
)

// Dead letters older than this are dropped by the hourly trim job.
const (
	deadLetterMaxAge       = 24 * time.Hour
	deadLetterTrimInterval = time.Hour
)

// Fabric owns every component and exposes the public operation surface.
type Fabric struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *eventbus.Bus
	runtime   *sandbox.Runtime
	registry  *registry.Registry
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	monitor   *heartbeat.Monitor
	runner    *maintenance.Runner
	kpi       *kpistore.SQLiteStore

	spawnLimit *rate.Limiter
	startedAt  time.Time
	cancel     context.CancelFunc
}

// New wires all components from a validated config. Nothing runs until
// Start is called.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Fabric, error) {
	rt, err := sandbox.NewRuntime(ctx, cfg.Sandbox.MaxMemoryMB, logger)
	if err != nil {
		return nil, fmt.Errorf("fabric: sandbox runtime: %w", err)
	}

	bus := eventbus.New(logger)
	reg := registry.New(cfg.Fabric.MaxAgents, logger)
	exec := executor.New(cfg.Fabric, rt, reg, bus, logger)

	f := &Fabric{
		cfg:       cfg,
		logger:    logger.With("component", "fabric"),
		bus:       bus,
		runtime:   rt,
		registry:  reg,
		executor:  exec,
		scheduler: scheduler.New(cfg.Fabric, exec, bus, logger),
		monitor:   heartbeat.New(reg, bus, logger, cfg.Fabric.AgentTimeout),
		runner:    maintenance.New(logger),
	}

	perSpawn := time.Minute / time.Duration(max(cfg.Fabric.SpawnRatePerMin, 1))
	f.spawnLimit = rate.NewLimiter(rate.Every(perSpawn), max(cfg.Fabric.SpawnRatePerMin, 1))

	if cfg.KpiStore.Enabled {
		store, err := kpistore.NewSQLiteStore(cfg.KpiStore.Path, cfg.KpiStore.Retention, logger)
		if err != nil {
			rt.Close(ctx)
			bus.Close()
			return nil, fmt.Errorf("fabric: kpi store: %w", err)
		}
		store.Attach(bus)
		f.kpi = store
	}

	if err := f.registerMaintenance(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fabric) registerMaintenance() error {
	jobs := []maintenance.Job{
		{
			Name:     "heartbeat_sweep",
			Interval: f.cfg.Fabric.HeartbeatInterval,
			Timeout:  f.cfg.Fabric.AgentTimeout + f.cfg.Fabric.HeartbeatInterval,
			Run: func(ctx context.Context) error {
				f.monitor.Sweep(ctx)
				return nil
			},
		},
		{
			Name:     "dead_letter_trim",
			Interval: deadLetterTrimInterval,
			Run: func(context.Context) error {
				if n := f.scheduler.TrimDeadLetters(deadLetterMaxAge); n > 0 {
					f.logger.Info("dead letters trimmed", "count", n)
				}
				return nil
			},
		},
	}
	if f.kpi != nil {
		jobs = append(jobs,
			maintenance.Job{
				Name:     "kpi_flush",
				Interval: f.cfg.Fabric.KpiFlushInterval,
				Run:      f.kpi.Flush,
			},
			maintenance.Job{
				Name:     "kpi_trim",
				Interval: time.Minute,
				Run:      f.kpi.Trim,
			},
		)
	}
	for _, job := range jobs {
		if err := f.runner.Register(job); err != nil {
			return fmt.Errorf("fabric: %w", err)
		}
	}
	return nil
}

// Start launches the dispatch workers and the maintenance runner.
func (f *Fabric) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.startedAt = time.Now()
	f.scheduler.Start(runCtx)
	f.runner.Start(runCtx)
	f.logger.Info("fabric started",
		"max_agents", f.cfg.Fabric.MaxAgents,
		"queue_capacity", f.cfg.Fabric.TaskQueueCapacity,
		"preemption", f.cfg.Fabric.EnablePreemption)
}

// Submit enqueues a task for asynchronous execution. A task without an
// id gets one assigned; the handle reports it.
func (f *Fabric) Submit(ctx context.Context, task *domain.Task) (*scheduler.TaskHandle, error) {
	ctx, span := tracer.StartSpan(ctx, "fabric.submit")
	defer span.End()

	if task != nil && task.ID == "" {
		task.ID = ulid.Make().String()
	}
	h, err := f.scheduler.Submit(ctx, task)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("task_id", h.TaskID()))
	tracer.SetOK(span)
	return h, nil
}

// ExecuteTask runs a task synchronously, bypassing the queue. No retry
// policy applies; the caller sees the single attempt's outcome.
func (f *Fabric) ExecuteTask(ctx context.Context, task *domain.Task) (*domain.ExecutionResult, error) {
	ctx, span := tracer.StartSpan(ctx, "fabric.execute_task")
	defer span.End()

	if task.ID == "" {
		task.ID = ulid.Make().String()
	}
	res, err := f.executor.Execute(ctx, task)
	if err != nil {
		tracer.RecordError(span, err)
		return res, err
	}
	tracer.SetOK(span)
	return res, nil
}

// SpawnAgent brings a new sandboxed agent into the registry, subject to
// the configured spawn rate limit.
func (f *Fabric) SpawnAgent(ctx context.Context, binary []byte, desc agent.Descriptor) (*agent.Agent, error) {
	ctx, span := tracer.StartSpan(ctx, "fabric.spawn_agent")
	defer span.End()

	if !f.spawnLimit.Allow() {
		err := domain.NewDomainError("Fabric.SpawnAgent", domain.ErrQuotaExceeded,
			fmt.Sprintf("spawn rate %d/min", f.cfg.Fabric.SpawnRatePerMin))
		tracer.RecordError(span, err)
		return nil, err
	}
	ag, err := f.executor.SpawnAgent(ctx, binary, desc)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("agent_id", ag.ID()))
	tracer.SetOK(span)
	return ag, nil
}

// Health is the fleet-wide snapshot polled by operational tooling.
func (f *Fabric) Health() domain.SystemHealth {
	busy, idle := f.registry.Counts()
	stats := f.scheduler.Stats()

	status := domain.HealthHealthy
	switch {
	case busy+idle == 0:
		status = domain.HealthDegraded
	case stats.QueuedTasks >= stats.MaxQueueSize:
		status = domain.HealthUnhealthy
	}

	var cpuPercent float64
	if total := busy + idle; total > 0 {
		cpuPercent = float64(busy) / float64(total) * 100
	}
	return domain.SystemHealth{
		Status:        status,
		ActiveAgents:  busy + idle,
		PendingTasks:  stats.QueuedTasks,
		UptimeSeconds: time.Since(f.startedAt).Seconds(),
		Utilization: domain.ResourceUtilization{
			CPUPercent: cpuPercent,
			BusyAgents: busy,
			IdleAgents: idle,
		},
		LastCheck: time.Now(),
	}
}

// SchedulerStats exposes the scheduler's read-only projection.
func (f *Fabric) SchedulerStats() domain.SchedulerStats {
	return f.scheduler.Stats()
}

// DeadLetters returns the tasks that exhausted their retries.
func (f *Fabric) DeadLetters() []domain.DeadLetter {
	return f.scheduler.DeadLetters()
}

// AcceptValidationResult records feedback from the validation layer and
// republishes it on the event bus. It does not alter scheduling.
func (f *Fabric) AcceptValidationResult(ctx context.Context, vr domain.ValidationResult) {
	f.logger.Info("validation result accepted",
		"task_id", vr.TaskID, "agent_id", vr.AgentID, "stage", vr.Stage, "passed", vr.Passed)
	f.publish(ctx, domain.EventValidationAccepted, vr.AgentID, vr.TaskID, vr)
}

// AcceptResourceAllocation records a grant from the resource-allocation
// layer. Quota enforcement still follows the declared task and agent
// quotas.
func (f *Fabric) AcceptResourceAllocation(ctx context.Context, ra domain.ResourceAllocation) {
	f.logger.Info("resource allocation accepted",
		"agent_id", ra.AgentID, "memory_mb", ra.Quota.MaxMemoryMB, "gpus", len(ra.GPUs))
	f.publish(ctx, domain.EventAllocationAccepted, ra.AgentID, "", ra)
}

func (f *Fabric) publish(ctx context.Context, typ domain.EventType, agentID, taskID string, payload any) {
	ev := domain.Event{Type: typ, Timestamp: time.Now(), AgentID: agentID, TaskID: taskID}
	if b, err := json.Marshal(payload); err == nil {
		ev.Payload = b
	}
	f.bus.Publish(ctx, ev)
}

// Shutdown stops intake, drains the scheduler, stops the maintenance
// runner, shuts every agent down in parallel, and closes the bus, KPI
// store, and sandbox runtime.
func (f *Fabric) Shutdown(ctx context.Context) error {
	f.logger.Info("fabric shutting down")
	drainErr := f.scheduler.Shutdown(ctx)
	f.runner.Stop()
	if f.cancel != nil {
		f.cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ag := range f.registry.Snapshot() {
		g.Go(func() error {
			if err := f.registry.Remove(ag.ID()); err != nil {
				f.logger.Warn("registry remove failed", "agent_id", ag.ID(), "error", err)
			}
			if err := ag.Shutdown(gctx); err != nil {
				f.logger.Warn("agent shutdown failed", "agent_id", ag.ID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	f.bus.Close()
	if f.kpi != nil {
		if err := f.kpi.Close(ctx); err != nil {
			f.logger.Warn("kpi store close failed", "error", err)
		}
	}
	if err := f.runtime.Close(ctx); err != nil {
		f.logger.Warn("sandbox runtime close failed", "error", err)
	}
	f.logger.Info("fabric stopped")
	return drainErr
}
