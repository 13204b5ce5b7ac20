// Package maintenance drives the fabric's recurring background work:
// heartbeat sweeps, KPI flushes, dead-letter trims.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultJobTimeout = time.Minute

// Job is a recurring maintenance action.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // per-run deadline, defaultJobTimeout when 0
	Run      func(ctx context.Context) error
}

// Runner executes registered jobs on fixed intervals. Job failures are
// logged and never stop the runner.
type Runner struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a runner. Register jobs before or after Start.
func New(logger *slog.Logger) *Runner {
	return &Runner{
		cron:   cron.New(),
		logger: logger.With("component", "maintenance"),
	}
}

// Register schedules a job at its interval. Sub-second intervals are
// supported, which the stock cron.Every is not.
func (r *Runner) Register(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("maintenance: job %q needs a positive interval", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("maintenance: job %q has no run function", job.Name)
	}
	timeout := job.Timeout
	if timeout == 0 {
		timeout = defaultJobTimeout
	}

	name := job.Name
	fn := job.Run
	logger := r.logger
	r.cron.Schedule(&constantDelay{delay: job.Interval}, cron.FuncJob(func() {
		r.mu.Lock()
		ctx := r.ctx
		r.mu.Unlock()
		if ctx == nil {
			logger.Debug("runner stopped, skipping job", "job", name)
			return
		}

		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		if err := fn(jobCtx); err != nil {
			logger.Warn("maintenance job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		logger.Debug("maintenance job completed", "job", name, "duration", time.Since(start))
	}))

	r.logger.Info("maintenance job registered", "job", name, "interval", job.Interval)
	return nil
}

// Start begins firing registered jobs.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron.Start()
	r.started = true
}

// Stop cancels in-flight jobs and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.cancel()
	r.ctx = nil
	<-r.cron.Stop().Done()
	r.started = false
}

// constantDelay implements cron.Schedule for a fixed interval, including
// sub-second ones.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
