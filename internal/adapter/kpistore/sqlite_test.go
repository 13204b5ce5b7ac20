package kpistore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/internal/domain"
	"fabric/internal/usecase/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T, retention int) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kpi.db"), retention, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func report(taskID string) domain.KpiReport {
	return domain.KpiReport{
		TaskID:     taskID,
		AgentID:    "agent-1",
		LatencyMS:  12.5,
		Accuracy:   1.0,
		CPUSeconds: 0.01,
		MemoryMB:   4,
		Context:    domain.ExecutionContext{Hostname: "test", CPUCores: 2, TotalMemoryMB: 128},
		RecordedAt: time.Now(),
	}
}

func TestFlushAndRecent(t *testing.T) {
	s := newStore(t, 100)
	ctx := context.Background()

	s.pending = append(s.pending, report("t1"), report("t2"))
	require.NoError(t, s.Flush(ctx))

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].TaskID, "newest first")
	assert.Equal(t, "t1", got[1].TaskID)
	assert.Equal(t, "agent-1", got[0].AgentID)
	assert.Equal(t, 12.5, got[0].LatencyMS)
}

func TestFlushEmptyBuffer(t *testing.T) {
	s := newStore(t, 100)
	require.NoError(t, s.Flush(context.Background()))
}

func TestAttachConsumesBusReports(t *testing.T) {
	s := newStore(t, 100)
	ctx := context.Background()

	bus := eventbus.New(testLogger())
	s.Attach(bus)

	payload, err := json.Marshal(report("bus-task"))
	require.NoError(t, err)
	bus.Publish(ctx, domain.Event{
		Type:      domain.EventKpiReported,
		Timestamp: time.Now(),
		TaskID:    "bus-task",
		Payload:   payload,
	})
	bus.Close() // drain handlers

	require.NoError(t, s.Flush(ctx))
	got, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bus-task", got[0].TaskID)
}

func TestMalformedReportDropped(t *testing.T) {
	s := newStore(t, 100)
	bus := eventbus.New(testLogger())
	s.Attach(bus)

	bus.Publish(context.Background(), domain.Event{
		Type:    domain.EventKpiReported,
		Payload: json.RawMessage(`{not json`),
	})
	bus.Close()

	require.NoError(t, s.Flush(context.Background()))
	got, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTrimKeepsNewestRows(t *testing.T) {
	s := newStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.pending = append(s.pending, report(fmt.Sprintf("t%d", i)))
	}
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Trim(ctx))

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "t4", got[0].TaskID)
	assert.Equal(t, "t2", got[2].TaskID)
}

func TestRecentOnEmptyStore(t *testing.T) {
	s := newStore(t, 10)
	got, err := s.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
