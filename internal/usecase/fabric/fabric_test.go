package fabric

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/internal/domain"
	"fabric/internal/infra/config"
	"fabric/internal/usecase/agent"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFabric(t *testing.T) *Fabric {
	t.Helper()
	cfg := config.Defaults()
	cfg.Fabric.DispatchWorkers = 1
	cfg.Fabric.RetryBaseDelay = time.Millisecond
	cfg.Fabric.RetryMaxDelay = 10 * time.Millisecond
	cfg.Fabric.HeartbeatInterval = time.Hour // sweeps are tested elsewhere
	cfg.KpiStore.Path = filepath.Join(t.TempDir(), "kpi.db")

	f, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	return f
}

// recordingModule satisfies agent.Invoker and records invocation order.
type recordingModule struct {
	mu       sync.Mutex
	payloads []string
	closed   bool
}

func (m *recordingModule) Invoke(_ context.Context, payload []byte) ([]byte, error) {
	m.mu.Lock()
	m.payloads = append(m.payloads, string(payload))
	m.mu.Unlock()
	return []byte(`{"ok":true}`), nil
}

func (m *recordingModule) Probe(context.Context) (domain.HealthStatus, error) {
	return domain.HealthHealthy, nil
}

func (m *recordingModule) MemoryBytes() uint32 { return 0 }

func (m *recordingModule) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *recordingModule) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.payloads))
	copy(out, m.payloads)
	return out
}

func insertAgent(t *testing.T, f *Fabric, id, agentType string, mod agent.Invoker) *agent.Agent {
	t.Helper()
	ag := agent.New(id, agent.Descriptor{AgentType: agentType}, mod, f.bus, testLogger())
	require.NoError(t, ag.Init(domain.AgentConfig{AgentID: id, AgentType: agentType}))
	require.NoError(t, f.registry.Insert(ag))
	return ag
}

func submitTask(t *testing.T, f *Fabric, id string, p domain.Priority, payload string) {
	t.Helper()
	_, err := f.Submit(context.Background(), &domain.Task{
		ID:              id,
		Priority:        p,
		Payload:         []byte(payload),
		TargetAgentType: "worker",
	})
	require.NoError(t, err)
}

func TestDispatchOrderWithSingleAgent(t *testing.T) {
	f := newFabric(t)
	mod := &recordingModule{}
	insertAgent(t, f, "a1", "worker", mod)

	// Enqueued before Start so ordering is purely the queue's decision.
	submitTask(t, f, "t-low", domain.PriorityLow, `"low"`)
	submitTask(t, f, "t-crit", domain.PriorityCritical, `"critical"`)
	submitTask(t, f, "t-norm", domain.PriorityNormal, `"normal"`)

	f.Start(context.Background())
	waitUntil(t, func() bool { return len(mod.recorded()) == 3 })
	require.NoError(t, f.Shutdown(context.Background()))

	assert.Equal(t, []string{`"critical"`, `"normal"`, `"low"`}, mod.recorded())
}

func TestSubmitAssignsTaskID(t *testing.T) {
	f := newFabric(t)
	insertAgent(t, f, "a1", "worker", &recordingModule{})
	f.Start(context.Background())
	defer f.Shutdown(context.Background())

	h, err := f.Submit(context.Background(), &domain.Task{
		Priority:        domain.PriorityNormal,
		TargetAgentType: "worker",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.TaskID())

	res, err := h.Await(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteTaskBypassesQueue(t *testing.T) {
	f := newFabric(t)
	ag := insertAgent(t, f, "a1", "worker", &recordingModule{})
	f.Start(context.Background())
	defer f.Shutdown(context.Background())

	res, err := f.ExecuteTask(context.Background(), &domain.Task{
		ID:              "sync-1",
		Priority:        domain.PriorityHigh,
		TargetAgentType: "worker",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.AgentIdle, ag.State())
}

func TestHealthSnapshot(t *testing.T) {
	f := newFabric(t)
	f.Start(context.Background())
	defer f.Shutdown(context.Background())

	health := f.Health()
	assert.Equal(t, domain.HealthDegraded, health.Status, "no agents means degraded")
	assert.Equal(t, 0, health.ActiveAgents)

	insertAgent(t, f, "a1", "worker", &recordingModule{})
	health = f.Health()
	assert.Equal(t, domain.HealthHealthy, health.Status)
	assert.Equal(t, 1, health.ActiveAgents)
	assert.Equal(t, 1, health.Utilization.IdleAgents)
	assert.GreaterOrEqual(t, health.UptimeSeconds, 0.0)
}

func TestSpawnRateLimit(t *testing.T) {
	cfg := config.Defaults()
	cfg.Fabric.SpawnRatePerMin = 1
	cfg.KpiStore.Enabled = false
	f, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer f.Shutdown(context.Background())

	bad := []byte{0x00, 0x01, 0x02, 0x03}
	_, err = f.SpawnAgent(context.Background(), bad, agent.Descriptor{AgentType: "worker"})
	assert.ErrorIs(t, err, domain.ErrInvalidBinary, "first call passes the limiter and fails validation")

	_, err = f.SpawnAgent(context.Background(), bad, agent.Descriptor{AgentType: "worker"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "spawn rate")
}

func TestAcceptanceHooksPublish(t *testing.T) {
	f := newFabric(t)

	var mu sync.Mutex
	var seen []domain.EventType
	f.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	f.AcceptValidationResult(context.Background(), domain.ValidationResult{
		TaskID: "t1", Stage: "safety", Passed: true, EvaluatedAt: time.Now(),
	})
	f.AcceptResourceAllocation(context.Background(), domain.ResourceAllocation{
		AgentID: "a1", GrantedAt: time.Now(),
	})
	require.NoError(t, f.Shutdown(context.Background())) // drains the bus

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, domain.EventValidationAccepted)
	assert.Contains(t, seen, domain.EventAllocationAccepted)
}

func TestShutdownStopsAgentsAndIntake(t *testing.T) {
	f := newFabric(t)
	mod := &recordingModule{}
	ag := insertAgent(t, f, "a1", "worker", mod)
	f.Start(context.Background())

	require.NoError(t, f.Shutdown(context.Background()))

	assert.Equal(t, domain.AgentStopped, ag.State())
	mod.mu.Lock()
	assert.True(t, mod.closed)
	mod.mu.Unlock()
	assert.Equal(t, 0, f.registry.Len())

	_, err := f.Submit(context.Background(), &domain.Task{ID: "late", TargetAgentType: "worker"})
	assert.ErrorIs(t, err, domain.ErrShutdown)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
