package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"fabric/internal/domain"
)

// Telemetry produces one KpiReport per execution attempt and publishes it
// on the event bus for the optimization layer. It is owned by a single
// agent and started during Init.
type Telemetry struct {
	agentID string
	bus     domain.EventBus
	logger  *slog.Logger
	env     domain.ExecutionContext
	started atomic.Bool
}

// NewTelemetry creates a collector for the given agent. bus may be nil, in
// which case reports are logged and dropped.
func NewTelemetry(agentID string, bus domain.EventBus, logger *slog.Logger) *Telemetry {
	return &Telemetry{
		agentID: agentID,
		bus:     bus,
		logger:  logger,
	}
}

// Start snapshots the execution environment. Idempotent.
func (t *Telemetry) Start() {
	if t.started.Swap(true) {
		return
	}
	hostname, _ := os.Hostname()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	t.env = domain.ExecutionContext{
		Hostname:      hostname,
		CPUCores:      runtime.NumCPU(),
		TotalMemoryMB: int(ms.Sys / (1 << 20)),
	}
}

// Record builds the KPI report for one attempt and publishes it. Accuracy
// is the binary success signal at this layer; richer scoring belongs to
// the validation pipeline downstream.
func (t *Telemetry) Record(ctx context.Context, task domain.Task, res *domain.ExecutionResult) {
	accuracy := 0.0
	if res.Success {
		accuracy = 1.0
	}

	report := domain.KpiReport{
		TaskID:       task.ID,
		AgentID:      t.agentID,
		LatencyMS:    float64(res.Duration.Milliseconds()),
		Accuracy:     accuracy,
		CPUSeconds:   res.Usage.CPUSeconds,
		MemoryMB:     res.Usage.MemoryPeakMB,
		NetworkBytes: res.Usage.NetworkTxBytes + res.Usage.NetworkRxBytes,
		Context:      t.env,
		RecordedAt:   time.Now(),
	}

	if t.bus == nil {
		t.logger.Debug("kpi report (no bus)", "task_id", report.TaskID, "latency_ms", report.LatencyMS)
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		t.logger.Error("failed to marshal kpi report", "task_id", report.TaskID, "error", err)
		return
	}
	t.bus.Publish(ctx, domain.Event{
		Type:      domain.EventKpiReported,
		Timestamp: report.RecordedAt,
		AgentID:   t.agentID,
		TaskID:    task.ID,
		Payload:   payload,
	})
}
