// Package scheduler owns the pending-task priority queue, the dispatch
// worker pool, the retry/backoff policy, and the dead-letter ring.
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"fabric/internal/domain"
	"fabric/internal/infra/config"
)

// Dispatcher executes a single task attempt against the agent pool.
// *executor.Executor satisfies this.
type Dispatcher interface {
	Execute(ctx context.Context, task *domain.Task) (*domain.ExecutionResult, error)
}

// running tracks one in-flight dispatch, for preemption and stats.
type running struct {
	it        *item
	cancel    context.CancelFunc
	preempted bool
}

// retryWait is an armed backoff timer for a task awaiting re-enqueue.
type retryWait struct {
	timer *time.Timer
	it    *item
}

// Scheduler admits tasks under backpressure, dispatches them to workers
// in priority order, retries transient failures with exponential backoff,
// and dead-letters tasks that exhaust their retry budget.
type Scheduler struct {
	cfg        config.FabricConfig
	dispatcher Dispatcher
	bus        domain.EventBus
	logger     *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskQueue
	active  map[string]*running
	retries map[uint64]*retryWait
	dlq     *deadLetterRing
	seq     uint64
	closed  bool

	baseCtx context.Context
	wg      sync.WaitGroup
}

// New builds a scheduler. Call Start before submitting work that should
// actually dispatch; Submit alone only enqueues.
func New(cfg config.FabricConfig, dispatcher Dispatcher, bus domain.EventBus, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger.With("component", "scheduler"),
		active:     make(map[string]*running),
		retries:    make(map[uint64]*retryWait),
		dlq:        newDeadLetterRing(cfg.DeadLetterQueueSize),
		baseCtx:    context.Background(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the dispatch worker pool. ctx is the parent of every
// per-dispatch context; cancelling it aborts in-flight executions.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	workers := s.cfg.DispatchWorkers
	if workers < 1 {
		workers = 1
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	s.logger.Info("scheduler started", "workers", workers, "queue_capacity", s.cfg.TaskQueueCapacity)
}

// Submit enqueues a task and returns a handle the caller can await.
// It fails immediately with ErrQueueFull when the pending queue is at
// capacity, as a backpressure signal rather than unbounded growth.
func (s *Scheduler) Submit(ctx context.Context, task *domain.Task) (*TaskHandle, error) {
	if task == nil || task.ID == "" {
		return nil, domain.NewDomainError("Scheduler.Submit", domain.ErrInvalidInput, "task id required")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.WrapOp("Scheduler.Submit", domain.ErrShutdown)
	}
	if len(s.queue) >= s.cfg.TaskQueueCapacity {
		s.mu.Unlock()
		return nil, domain.NewDomainError("Scheduler.Submit", domain.ErrQueueFull,
			fmt.Sprintf("capacity %d", s.cfg.TaskQueueCapacity))
	}
	s.seq++
	it := &item{task: task, handle: newHandle(task.ID), seq: s.seq}
	heap.Push(&s.queue, it)
	s.cond.Signal()
	if s.cfg.EnablePreemption && task.Priority == domain.PriorityCritical {
		s.preemptLocked()
	}
	s.mu.Unlock()

	s.publish(ctx, domain.EventTaskSubmitted, task.ID, map[string]string{
		"priority": task.Priority.String(),
		"type":     task.TargetAgentType,
	})
	return it.handle, nil
}

// preemptLocked requests cancellation of the running Background/Low task
// whose deadline has the most slack. Tasks without a deadline have
// unbounded slack and are preferred victims. Preemption is best-effort:
// if nothing preemptible is running, the critical task simply waits its
// turn at the head of the queue.
func (s *Scheduler) preemptLocked() {
	var victim *running
	var victimSlack time.Duration
	victimNoDeadline := false
	now := time.Now()
	for _, run := range s.active {
		if run.preempted {
			continue
		}
		p := run.it.task.Priority
		if p != domain.PriorityBackground && p != domain.PriorityLow {
			continue
		}
		if run.it.task.Deadline == nil {
			if victim == nil || !victimNoDeadline {
				victim, victimNoDeadline = run, true
			}
			continue
		}
		if victimNoDeadline {
			continue
		}
		slack := run.it.task.Deadline.Sub(now)
		if victim == nil || slack > victimSlack {
			victim, victimSlack = run, slack
		}
	}
	if victim == nil {
		return
	}
	victim.preempted = true
	victim.cancel()
	s.logger.Info("task preempted", "task_id", victim.it.task.ID, "priority", victim.it.task.Priority.String())
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		it, ctx := s.next()
		if it == nil {
			return
		}
		s.dispatch(ctx, it)
	}
}

// next blocks until a task is available or the scheduler is closed.
// The pop and the active-map registration share one critical section so
// preemption and stats never miss an in-flight task.
func (s *Scheduler) next() (*item, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, nil
	}
	it := heap.Pop(&s.queue).(*item)
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.active[it.task.ID] = &running{it: it, cancel: cancel}
	return it, ctx
}

func (s *Scheduler) dispatch(ctx context.Context, it *item) {
	s.publish(ctx, domain.EventTaskDispatched, it.task.ID, map[string]int{"attempt": it.attempt})
	res, err := s.dispatcher.Execute(ctx, it.task)

	s.mu.Lock()
	run := s.active[it.task.ID]
	delete(s.active, it.task.ID)
	preempted := run != nil && run.preempted
	s.mu.Unlock()
	if run != nil {
		run.cancel()
	}

	switch {
	case preempted:
		// Re-enqueued with the attempt counter unchanged: preemption is
		// not a failed attempt.
		s.requeue(it)
		s.publish(s.baseCtx, domain.EventTaskPreempted, it.task.ID, nil)
	case err == nil:
		it.handle.resolve(res, nil)
		s.publish(s.baseCtx, domain.EventTaskCompleted, it.task.ID, nil)
	case domain.IsRetryable(err):
		s.retryOrDeadLetter(it, err)
	default:
		it.handle.resolve(res, err)
	}
}

// retryOrDeadLetter arms a backoff timer for a retryable failure, or
// moves the task to the dead-letter ring once the budget is exhausted.
func (s *Scheduler) retryOrDeadLetter(it *item, cause error) {
	if it.attempt >= s.cfg.MaxRetries {
		s.deadLetter(it, cause)
		return
	}
	delay := s.retryDelay(it.attempt)
	it.attempt++
	s.logger.Debug("task retry scheduled",
		"task_id", it.task.ID, "attempt", it.attempt, "delay", delay, "cause", cause)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		it.handle.resolve(nil, domain.WrapOp("Scheduler.retry", domain.ErrShutdown))
		return
	}
	seq := it.seq
	rw := &retryWait{it: it}
	rw.timer = time.AfterFunc(delay, func() { s.requeueAfterRetry(seq) })
	s.retries[seq] = rw
	s.mu.Unlock()

	s.publish(s.baseCtx, domain.EventTaskRetried, it.task.ID, map[string]any{
		"attempt": it.attempt,
		"delay":   delay.String(),
	})
}

// requeueAfterRetry moves a task back into the queue when its backoff
// timer fires. Already-admitted tasks bypass the capacity check; the
// backpressure contract applies to new submissions only.
func (s *Scheduler) requeueAfterRetry(seq uint64) {
	s.mu.Lock()
	rw, ok := s.retries[seq]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.retries, seq)
	if s.closed {
		s.mu.Unlock()
		rw.it.handle.resolve(nil, domain.WrapOp("Scheduler.retry", domain.ErrShutdown))
		return
	}
	heap.Push(&s.queue, rw.it)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Scheduler) requeue(it *item) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		it.handle.resolve(nil, domain.WrapOp("Scheduler.requeue", domain.ErrShutdown))
		return
	}
	heap.Push(&s.queue, it)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Scheduler) deadLetter(it *item, cause error) {
	attempts := it.attempt + 1
	s.mu.Lock()
	s.dlq.push(domain.DeadLetter{
		Task:     *it.task,
		Attempts: attempts,
		LastErr:  cause.Error(),
		FailedAt: time.Now(),
	})
	s.mu.Unlock()

	s.logger.Warn("task dead-lettered", "task_id", it.task.ID, "attempts", attempts, "cause", cause)
	it.handle.resolve(nil, domain.NewDomainError("Scheduler.dispatch", domain.ErrMaxRetries,
		fmt.Sprintf("task %s after %d attempts", it.task.ID, attempts)))
	s.publish(s.baseCtx, domain.EventTaskDeadLettered, it.task.ID, map[string]int{"attempts": attempts})
}

// retryDelay computes min(base * multiplier^attempt, max), where attempt
// is the number of attempts already completed. The first retry therefore
// waits exactly RetryBaseDelay.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	d := time.Duration(float64(s.cfg.RetryBaseDelay) * math.Pow(s.cfg.RetryBackoffMultiplier, float64(attempt)))
	if d <= 0 || d > s.cfg.RetryMaxDelay {
		return s.cfg.RetryMaxDelay
	}
	return d
}

// Stats returns a read-only projection of scheduler state.
func (s *Scheduler) Stats() domain.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SchedulerStats{
		QueuedTasks:     len(s.queue),
		ActiveTasks:     len(s.active),
		DeadLetterTasks: s.dlq.len(),
		MaxQueueSize:    s.cfg.TaskQueueCapacity,
		MaxRetries:      s.cfg.MaxRetries,
	}
}

// DeadLetters returns a copy of the dead-letter ring, oldest first.
func (s *Scheduler) DeadLetters() []domain.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dlq.snapshot()
}

// TrimDeadLetters drops dead letters older than maxAge and reports how
// many were removed. Invoked by the maintenance runner.
func (s *Scheduler) TrimDeadLetters(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dlq.trim(time.Now().Add(-maxAge))
}

// Shutdown stops intake, resolves every queued and retry-pending handle
// with ErrShutdown, and waits for in-flight dispatches to drain or ctx
// to expire. In-flight tasks keep their own outcome.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	pending := make([]*item, 0, len(s.queue)+len(s.retries))
	for _, it := range s.queue {
		pending = append(pending, it)
	}
	s.queue = s.queue[:0]
	for seq, rw := range s.retries {
		// Stop reports false when the timer callback already fired; in
		// that case the callback observes closed and resolves the handle.
		if rw.timer.Stop() {
			delete(s.retries, seq)
			pending = append(pending, rw.it)
		}
	}
	s.mu.Unlock()

	for _, it := range pending {
		it.handle.resolve(nil, domain.WrapOp("Scheduler.Shutdown", domain.ErrShutdown))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler drained", "abandoned", len(pending))
		return nil
	case <-ctx.Done():
		return domain.WrapOp("Scheduler.Shutdown", ctx.Err())
	}
}

func (s *Scheduler) publish(ctx context.Context, typ domain.EventType, taskID string, payload any) {
	if s.bus == nil {
		return
	}
	ev := domain.Event{Type: typ, Timestamp: time.Now(), TaskID: taskID}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	s.bus.Publish(ctx, ev)
}
