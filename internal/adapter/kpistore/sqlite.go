// Package kpistore persists the KPI report stream for the optimization
// layer. Reports arrive over the event bus, are buffered in memory, and
// are flushed to SQLite in batches by the maintenance runner.
package kpistore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"fabric/internal/domain"
)

// SQLiteStore is the durable KPI buffer.
type SQLiteStore struct {
	db        *sql.DB
	retention int
	logger    *slog.Logger

	mu      sync.Mutex
	pending []domain.KpiReport
	unsub   func()
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration. retention is the maximum number of rows kept; older
// rows are dropped by Trim.
func NewSQLiteStore(dbPath string, retention int, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open kpi db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate kpi db: %w", err)
	}
	return &SQLiteStore{
		db:        db,
		retention: retention,
		logger:    logger.With("component", "kpistore"),
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kpi_reports (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id      TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			latency_ms   REAL NOT NULL,
			accuracy     REAL NOT NULL,
			cpu_seconds  REAL NOT NULL,
			memory_mb    INTEGER NOT NULL,
			report       TEXT NOT NULL,
			recorded_at  TEXT NOT NULL
		)
	`)
	return err
}

// Attach subscribes the store to the kpi.reported event stream. Reports
// only buffer in memory until the next Flush.
func (s *SQLiteStore) Attach(bus domain.EventBus) {
	s.unsub = bus.Subscribe(domain.EventKpiReported, func(_ context.Context, ev domain.Event) {
		var report domain.KpiReport
		if err := json.Unmarshal(ev.Payload, &report); err != nil {
			s.logger.Warn("malformed kpi report dropped", "task_id", ev.TaskID, "error", err)
			return
		}
		s.mu.Lock()
		s.pending = append(s.pending, report)
		s.mu.Unlock()
	})
}

// Flush writes all buffered reports in one transaction. Safe to call
// with an empty buffer.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.requeue(batch)
		return fmt.Errorf("begin kpi flush: %w", err)
	}
	for _, r := range batch {
		raw, err := json.Marshal(r)
		if err != nil {
			s.logger.Warn("unmarshalable kpi report dropped", "task_id", r.TaskID, "error", err)
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kpi_reports (task_id, agent_id, latency_ms, accuracy, cpu_seconds, memory_mb, report, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.TaskID, r.AgentID, r.LatencyMS, r.Accuracy, r.CPUSeconds, r.MemoryMB,
			string(raw), r.RecordedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			tx.Rollback()
			s.requeue(batch)
			return fmt.Errorf("insert kpi report: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.requeue(batch)
		return fmt.Errorf("commit kpi flush: %w", err)
	}
	s.logger.Debug("kpi reports flushed", "count", len(batch))
	return nil
}

// requeue puts a failed batch back at the front of the buffer so the
// next flush retries it.
func (s *SQLiteStore) requeue(batch []domain.KpiReport) {
	s.mu.Lock()
	s.pending = append(batch, s.pending...)
	s.mu.Unlock()
}

// Recent returns the n most recently recorded reports, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]domain.KpiReport, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT report FROM kpi_reports ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("query kpi reports: %w", err)
	}
	defer rows.Close()

	var out []domain.KpiReport
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan kpi report: %w", err)
		}
		var r domain.KpiReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode kpi report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Trim enforces the row retention bound, keeping only the newest rows.
// Invoked by the maintenance runner.
func (s *SQLiteStore) Trim(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kpi_reports WHERE id NOT IN
		 (SELECT id FROM kpi_reports ORDER BY id DESC LIMIT ?)`, s.retention)
	if err != nil {
		return fmt.Errorf("trim kpi reports: %w", err)
	}
	return nil
}

// Close detaches from the bus, flushes what is buffered, and closes the
// database.
func (s *SQLiteStore) Close(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	flushErr := s.Flush(ctx)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close kpi db: %w", err)
	}
	return flushErr
}
