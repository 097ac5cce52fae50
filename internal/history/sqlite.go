// Package history keeps a SQLite record of every harvest run and the
// records it collected.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dgnsrekt/tv_harvester/internal/metrics"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// StatusRunning marks a run that has started but not finished.
const StatusRunning = "running"

// Run is one row of the runs table.
type Run struct {
	RunID         string     `json:"run_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        string     `json:"status"`
	StopReason    string     `json:"stop_reason,omitempty"`
	Requested     int        `json:"requested"`
	Collected     int        `json:"collected"`
	Skipped       int        `json:"skipped"`
	ReferenceDate string     `json:"reference_date"`
	AssetMode     string     `json:"asset_mode"`
	Watchlist     string     `json:"watchlist,omitempty"`
	Error         string     `json:"error,omitempty"`
	Outputs       []string   `json:"outputs,omitempty"`
}

// Summary is what FinishRun records about a finished run.
type Summary struct {
	Status     string
	StopReason string
	Collected  int
	Skipped    int
	FinishedAt time.Time
	Error      string
	Outputs    []string
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("history store opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id         TEXT PRIMARY KEY,
			started_at     INTEGER NOT NULL,
			finished_at    INTEGER,
			status         TEXT NOT NULL,
			stop_reason    TEXT NOT NULL DEFAULT '',
			requested      INTEGER NOT NULL,
			collected      INTEGER NOT NULL DEFAULT 0,
			skipped        INTEGER NOT NULL DEFAULT 0,
			reference_date TEXT NOT NULL,
			asset_mode     TEXT NOT NULL DEFAULT '',
			watchlist      TEXT NOT NULL DEFAULT '',
			error          TEXT NOT NULL DEFAULT '',
			outputs        TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,

		`CREATE TABLE IF NOT EXISTS records (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			idx         INTEGER NOT NULL,
			symbol      TEXT NOT NULL,
			record      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			UNIQUE(run_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_symbol ON records(symbol)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// StartRun inserts run with status running.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO runs
		(run_id, started_at, status, requested, reference_date, asset_mode, watchlist)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt.UnixMilli(), StatusRunning, run.Requested,
		run.ReferenceDate, run.AssetMode, run.Watchlist)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	return nil
}

// SetWatchlist records the watchlist title once it is known.
func (s *Store) SetWatchlist(ctx context.Context, runID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET watchlist = ? WHERE run_id = ?`, title, runID)
	return err
}

// FinishRun stores the outcome of runID.
func (s *Store) FinishRun(ctx context.Context, runID string, sum Summary) error {
	outputs, err := json.Marshal(sum.Outputs)
	if err != nil {
		return err
	}
	if sum.Outputs == nil {
		outputs = []byte("[]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE runs SET
		finished_at = ?, status = ?, stop_reason = ?, collected = ?, skipped = ?, error = ?, outputs = ?
		WHERE run_id = ?`,
		sum.FinishedAt.UnixMilli(), sum.Status, sum.StopReason, sum.Collected, sum.Skipped,
		sum.Error, string(outputs), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// SaveRecord stores the record at index of runID, replacing an earlier
// copy at the same index.
func (s *Store) SaveRecord(ctx context.Context, runID string, index int, rec metrics.DerivedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO records (run_id, idx, symbol, record, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, idx) DO UPDATE SET symbol = excluded.symbol, record = excluded.record`,
		runID, index, rec.Raw.Symbol, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save record %s/%d: %w", runID, index, err)
	}
	return nil
}

// Append satisfies harvest.RecordSink.
func (s *Store) Append(ctx context.Context, runID string, index int, rec metrics.DerivedRecord) error {
	return s.SaveRecord(ctx, runID, index, rec)
}

const runColumns = `run_id, started_at, finished_at, status, stop_reason, requested, collected,
	skipped, reference_date, asset_mode, watchlist, error, outputs`

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return run, err
}

// RunRecords returns the records of runID in collection order.
func (s *Store) RunRecords(ctx context.Context, runID string) ([]metrics.DerivedRecord, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM records WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []metrics.DerivedRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec metrics.DerivedRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode record of %s: %w", runID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run      Run
		started  int64
		finished sql.NullInt64
		outputs  string
	)
	err := sc.Scan(&run.RunID, &started, &finished, &run.Status, &run.StopReason, &run.Requested,
		&run.Collected, &run.Skipped, &run.ReferenceDate, &run.AssetMode, &run.Watchlist,
		&run.Error, &outputs)
	if err != nil {
		return Run{}, err
	}
	run.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		run.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(outputs), &run.Outputs); err != nil {
		slog.Debug("history outputs decode failed", "run_id", run.RunID, "error", err)
	}
	return run, nil
}
