// Package history persists finished runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tastythames/aedwt-runner/internal/runner"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("run not found")

type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("Open: error creating dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("Open: error opening DB: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: error DB: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: error DB: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: error migrating tables: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	defer src.Close()

	driver, err := msqlite.WithInstance(s.db, &msqlite.Config{})
	if err != nil {
		return err
	}

	// Closing m would close s.db through the driver, so only the source is
	// released here.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished run. Output tails are already masked by the
// runner; nothing else secret reaches a Result.
func (s *Store) Record(ctx context.Context, r runner.Result) error {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("Record: error encoding steps: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, workflow, trigger_kind, status, exit_code, error, started_at, finished_at, steps)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Workflow, string(r.Trigger), string(r.Status), r.ExitCode, r.Error,
		r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(), string(steps),
	)
	if err != nil {
		return fmt.Errorf("Record: error inserting run: %w", err)
	}
	return nil
}

const selectRuns = `
SELECT id, workflow, trigger_kind, status, exit_code, error, started_at, finished_at, steps
FROM runs`

// List returns the newest runs first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]runner.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("List: error querying runs: %w", err)
	}
	defer rows.Close()

	out := []runner.Result{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Last(ctx context.Context, workflow string) (runner.Result, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE workflow = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, workflow)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return runner.Result{}, ErrNotFound
	}
	if err != nil {
		return runner.Result{}, fmt.Errorf("Last: %w", err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (runner.Result, error) {
	var (
		r                 runner.Result
		trigger, status   string
		started, finished int64
		steps             string
	)
	if err := sc.Scan(&r.ID, &r.Workflow, &trigger, &status, &r.ExitCode, &r.Error, &started, &finished, &steps); err != nil {
		return runner.Result{}, err
	}
	r.Trigger = runner.Trigger(trigger)
	r.Status = runner.Status(status)
	r.StartedAt = time.UnixMilli(started).UTC()
	r.FinishedAt = time.UnixMilli(finished).UTC()
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return runner.Result{}, fmt.Errorf("decode steps: %w", err)
	}
	if r.Error != "" {
		r.Err = errors.New(r.Error)
	}
	return r, nil
}
