// Package store records trained rule policies in SQLite so that earlier training
// runs can be listed, compared and reloaded.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"rulepolicy/internal/logging"
	"rulepolicy/internal/lookup"
	"rulepolicy/internal/policy"
)

// ErrNoRuns is returned when the store holds no training run.
var ErrNoRuns = errors.New("no training runs recorded")

// RunStore persists policy metadata, one row set per training run.
type RunStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Run summarizes one recorded training run.
type Run struct {
	ID                       string
	CreatedAt                time.Time
	Source                   string
	Priority                 int
	CoreFallbackThreshold    float64
	CoreFallbackActionName   string
	EnableFallbackPrediction bool
	RuleCount                int
	UnhappyCount             int
}

// NewRunStore initializes the SQLite database at the given path.
func NewRunStore(path string) (*RunStore, error) {
	if path != ":memory:" {
		// Ensure directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	store := &RunStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.StoreDebug("Opened run store at %s", path)
	return store, nil
}

// initialize creates the required tables.
func (s *RunStore) initialize() error {
	runsTable := `
	CREATE TABLE IF NOT EXISTS policy_runs (
		run_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		source TEXT,
		priority INTEGER NOT NULL,
		core_fallback_threshold REAL NOT NULL,
		core_fallback_action_name TEXT NOT NULL,
		enable_fallback_prediction INTEGER NOT NULL,
		rule_count INTEGER NOT NULL,
		unhappy_count INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON policy_runs(created_at);
	`

	lookupTable := `
	CREATE TABLE IF NOT EXISTS policy_lookup (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES policy_runs(run_id) ON DELETE CASCADE,
		table_name TEXT NOT NULL,
		rule_key TEXT NOT NULL,
		action TEXT NOT NULL,
		UNIQUE(run_id, table_name, rule_key)
	);
	CREATE INDEX IF NOT EXISTS idx_lookup_run ON policy_lookup(run_id);
	`

	for _, table := range []string{"PRAGMA foreign_keys = ON;", runsTable, lookupTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *RunStore) Path() string {
	return s.dbPath
}

// SaveMetadata records m as a new run and returns its id. source describes where
// the training data came from.
func (s *RunStore) SaveMetadata(ctx context.Context, m policy.Metadata, source string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	rules := m.Lookup[lookup.TableRules]
	unhappy := m.Lookup[lookup.TableLoopUnhappyPath]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO policy_runs (run_id, created_at, source, priority, core_fallback_threshold,
		 core_fallback_action_name, enable_fallback_prediction, rule_count, unhappy_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, time.Now().UnixNano(), source, m.Priority, m.CoreFallbackThreshold,
		m.CoreFallbackActionName, m.EnableFallbackPrediction, len(rules), len(unhappy),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO policy_lookup (run_id, table_name, rule_key, action) VALUES (?, ?, ?, ?)")
	if err != nil {
		return "", fmt.Errorf("failed to prepare lookup insert: %w", err)
	}
	defer stmt.Close()

	for table, entries := range m.Lookup {
		for key, action := range entries {
			if _, err := stmt.ExecContext(ctx, runID, string(table), key, action); err != nil {
				return "", fmt.Errorf("failed to insert lookup entry: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}

	logging.Store("Recorded run %s (%d rules, %d unhappy-path entries)", runID, len(rules), len(unhappy))
	return runID, nil
}

// LatestMetadata returns the most recent run and its metadata.
func (s *RunStore) LatestMetadata(ctx context.Context) (policy.Metadata, Run, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return policy.Metadata{}, Run{}, err
	}
	if len(runs) == 0 {
		return policy.Metadata{}, Run{}, ErrNoRuns
	}
	m, err := s.Metadata(ctx, runs[0].ID)
	if err != nil {
		return policy.Metadata{}, Run{}, err
	}
	return m, runs[0], nil
}

// Metadata rebuilds the metadata of one run.
func (s *RunStore) Metadata(ctx context.Context, runID string) (policy.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m policy.Metadata
	err := s.db.QueryRowContext(ctx,
		`SELECT priority, core_fallback_threshold, core_fallback_action_name, enable_fallback_prediction
		 FROM policy_runs WHERE run_id = ?`, runID,
	).Scan(&m.Priority, &m.CoreFallbackThreshold, &m.CoreFallbackActionName, &m.EnableFallbackPrediction)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Metadata{}, fmt.Errorf("run %s not found: %w", runID, ErrNoRuns)
	}
	if err != nil {
		return policy.Metadata{}, fmt.Errorf("failed to query run: %w", err)
	}

	m.Lookup = map[lookup.TableName]map[string]string{
		lookup.TableRules:           {},
		lookup.TableLoopUnhappyPath: {},
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name, rule_key, action FROM policy_lookup WHERE run_id = ?", runID)
	if err != nil {
		return policy.Metadata{}, fmt.Errorf("failed to query lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, key, action string
		if err := rows.Scan(&table, &key, &action); err != nil {
			return policy.Metadata{}, fmt.Errorf("failed to scan lookup entry: %w", err)
		}
		name := lookup.TableName(table)
		if m.Lookup[name] == nil {
			m.Lookup[name] = map[string]string{}
		}
		m.Lookup[name][key] = action
	}
	if err := rows.Err(); err != nil {
		return policy.Metadata{}, fmt.Errorf("failed to read lookup: %w", err)
	}
	return m, nil
}

// ListRuns returns runs newest first. limit <= 0 returns all runs.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT run_id, created_at, source, priority, core_fallback_threshold,
	          core_fallback_action_name, enable_fallback_prediction, rule_count, unhappy_count
	          FROM policy_runs ORDER BY created_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created int64
		var source sql.NullString
		if err := rows.Scan(&r.ID, &created, &source, &r.Priority, &r.CoreFallbackThreshold,
			&r.CoreFallbackActionName, &r.EnableFallbackPrediction, &r.RuleCount, &r.UnhappyCount); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.CreatedAt = time.Unix(0, created)
		r.Source = source.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its lookup entries.
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM policy_lookup WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete lookup entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM policy_runs WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found: %w", runID, ErrNoRuns)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	logging.StoreDebug("Deleted run %s", runID)
	return nil
}

// GetStats returns row counts per table.
func (s *RunStore) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"policy_runs", "policy_lookup"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}
