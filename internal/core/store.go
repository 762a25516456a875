package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/assetflow/pkg/api"
)

// Store is the SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens (or creates) the history database at path.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// Observers fire from concurrent branches; one connection serializes writes.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun stores rec, assigning an id when it has none.
func (s *Store) RecordRun(ctx context.Context, rec api.RunRecord) (api.RunRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, task, status, started_at, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Task, string(rec.Status), rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds(), rec.Error)
	if err != nil {
		return rec, fmt.Errorf("record run: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit runs, newest first. An empty task matches all.
func (s *Store) Recent(ctx context.Context, task string, limit int) ([]api.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, status, started_at, duration_ms, error FROM runs
		 WHERE (? = '' OR task = ?)
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`, task, task, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []api.RunRecord
	for rows.Next() {
		var (
			rec        api.RunRecord
			status     string
			started    int64
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.Task, &status, &started, &durationMS, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.Status = api.RunStatus(status)
		rec.StartedAt = time.UnixMilli(started)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TaskStarted is part of the task observer interface; only finished runs are
// stored.
func (s *Store) TaskStarted(string) {}

// TaskFinished stores one finished named task.
func (s *Store) TaskFinished(name string, elapsed time.Duration, err error) {
	rec := api.RunRecord{
		Task:      name,
		Status:    api.RunSucceeded,
		StartedAt: time.Now().Add(-elapsed),
		Duration:  elapsed,
	}
	if err != nil {
		rec.Status = api.RunFailed
		rec.Error = err.Error()
	}
	if _, werr := s.RecordRun(context.Background(), rec); werr != nil {
		log.Warn().Err(werr).Str("task", name).Msg("Failed to record run")
	}
}
