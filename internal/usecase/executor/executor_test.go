package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/internal/domain"
	"fabric/internal/infra/config"
	"fabric/internal/sandbox"
	"fabric/internal/usecase/agent"
	"fabric/internal/usecase/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.FabricConfig {
	return config.Defaults().Fabric
}

// fakeModule satisfies agent.Invoker without a real sandbox.
type fakeModule struct {
	invokeFn func(ctx context.Context, payload []byte) ([]byte, error)
}

func (f *fakeModule) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	if f.invokeFn != nil {
		return f.invokeFn(ctx, payload)
	}
	return []byte(`{"ok":true}`), nil
}

func (f *fakeModule) Probe(context.Context) (domain.HealthStatus, error) {
	return domain.HealthHealthy, nil
}

func (f *fakeModule) MemoryBytes() uint32         { return 1 << 20 }
func (f *fakeModule) Close(context.Context) error { return nil }

func newAgent(t *testing.T, id, agentType string, mod agent.Invoker) *agent.Agent {
	t.Helper()
	a := agent.New(id, agent.Descriptor{AgentType: agentType}, mod, nil, testLogger())
	require.NoError(t, a.Init(domain.AgentConfig{AgentID: id, AgentType: agentType}))
	return a
}

func newExecutor(t *testing.T, cfg config.FabricConfig) (*Executor, *registry.Registry) {
	t.Helper()
	reg := registry.New(cfg.MaxAgents, testLogger())
	return New(cfg, nil, reg, nil, testLogger()), reg
}

func TestExecuteSuccessReleasesAgent(t *testing.T) {
	e, reg := newExecutor(t, testConfig())
	ag := newAgent(t, "a1", "summarize", &fakeModule{})
	require.NoError(t, reg.Insert(ag))

	task := &domain.Task{ID: "t1", Priority: domain.PriorityNormal, TargetAgentType: "summarize"}
	res, err := e.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, domain.AgentIdle, ag.State())
}

func TestExecuteNoIdleAgent(t *testing.T) {
	e, _ := newExecutor(t, testConfig())

	_, err := e.Execute(context.Background(), &domain.Task{ID: "t1", TargetAgentType: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.True(t, domain.IsRetryable(err))
}

func TestExecuteTimeoutFlagsSuspect(t *testing.T) {
	e, reg := newExecutor(t, testConfig())
	stuck := &fakeModule{invokeFn: func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ag := newAgent(t, "a1", "slow", stuck)
	require.NoError(t, reg.Insert(ag))

	task := &domain.Task{
		ID:              "t1",
		TargetAgentType: "slow",
		Quota:           domain.ResourceQuota{MaxExecutionTime: 30 * time.Millisecond},
	}
	_, err := e.Execute(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAgentTimeout)
	assert.Equal(t, domain.CodeAgentTimeout, domain.ErrorCodeOf(err))
	assert.True(t, domain.IsRetryable(err))

	// Not released to Idle: the heartbeat sweep resolves its true state.
	assert.Equal(t, domain.AgentBusy, ag.State())
	suspects := reg.TakeSuspects()
	assert.Contains(t, suspects, "a1")
}

func TestExecuteDefiniteFailureReleasesAgent(t *testing.T) {
	e, reg := newExecutor(t, testConfig())
	trap := errors.New("guest trap")
	ag := newAgent(t, "a1", "flaky", &fakeModule{invokeFn: func(context.Context, []byte) ([]byte, error) {
		return nil, trap
	}})
	require.NoError(t, reg.Insert(ag))

	task := &domain.Task{ID: "t1", TargetAgentType: "flaky"}
	res, err := e.Execute(context.Background(), task)
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, domain.AgentIdle, ag.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	e, reg := newExecutor(t, testConfig())
	ag := newAgent(t, "a1", "broken", &fakeModule{invokeFn: func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("guest trap")
	}})
	require.NoError(t, reg.Insert(ag))

	task := &domain.Task{ID: "t1", TargetAgentType: "broken"}
	for i := 0; i < int(breakerMaxFailures); i++ {
		_, err := e.Execute(context.Background(), task)
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err), "real guest failures are not retryable")
	}

	// Circuit is open now: the next dispatch fails fast without running
	// the guest, classified retryable so the scheduler backs off.
	_, err := e.Execute(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, domain.AgentIdle, ag.State(), "fast-failed claim must release the agent")
}

func TestEffectiveQuota(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultQuota = domain.ResourceQuota{
		MaxCPUCores:      2.0,
		MaxMemoryMB:      1024,
		MaxExecutionTime: time.Minute,
		MaxNetworkMbps:   100,
	}
	e, _ := newExecutor(t, cfg)

	task := &domain.Task{Quota: domain.ResourceQuota{MaxCPUCores: 0.5, MaxMemoryMB: 2048}}
	caps := domain.AgentCapabilities{Quota: domain.ResourceQuota{MaxCPUCores: 1.0, MaxMemoryMB: 512}}

	eff := e.effectiveQuota(task, caps)
	assert.Equal(t, 0.5, eff.MaxCPUCores, "task is the tighter bound")
	assert.Equal(t, 512, eff.MaxMemoryMB, "agent is the tighter bound")
	assert.Equal(t, time.Minute, eff.MaxExecutionTime, "unset falls back to the default")
	assert.Equal(t, 100, eff.MaxNetworkMbps)
}

func TestSpawnRejectsBadMagic(t *testing.T) {
	ctx := context.Background()
	rt, err := sandbox.NewRuntime(ctx, 0, testLogger())
	require.NoError(t, err)
	defer rt.Close(ctx)

	cfg := testConfig()
	reg := registry.New(cfg.MaxAgents, testLogger())
	e := New(cfg, rt, reg, nil, testLogger())

	_, err = e.SpawnAgent(ctx, []byte{0x00, 0x01, 0x02, 0x03}, agent.Descriptor{AgentType: "test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidBinary)
	assert.Equal(t, 0, reg.Len())
}

func TestSpawnLeavesNoPartialEntry(t *testing.T) {
	ctx := context.Background()
	rt, err := sandbox.NewRuntime(ctx, 0, testLogger())
	require.NoError(t, err)
	defer rt.Close(ctx)

	cfg := testConfig()
	reg := registry.New(cfg.MaxAgents, testLogger())
	e := New(cfg, rt, reg, nil, testLogger())

	// Valid header but an empty module: instantiation succeeds yet the
	// required execute export is missing, so the spawn must fail after
	// compile without registering anything.
	empty := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	_, err = e.SpawnAgent(ctx, empty, agent.Descriptor{AgentType: "test"})
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestSpawnEnforcesCapacityBeforeCompile(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAgents = 1
	reg := registry.New(cfg.MaxAgents, testLogger())
	require.NoError(t, reg.Insert(newAgent(t, "a1", "test", &fakeModule{})))

	// Runtime nil: the capacity check must fire before any compile.
	e := New(cfg, nil, reg, nil, testLogger())
	valid := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	_, err := e.SpawnAgent(context.Background(), valid, agent.Descriptor{AgentType: "test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Equal(t, domain.CodeQuotaExceeded, domain.ErrorCodeOf(err))
}
