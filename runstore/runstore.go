// Package runstore persists training and evaluation runs and their metrics in SQLite.
package runstore

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Run kinds.
const (
	KindTrain = "train"
	KindEval  = "eval"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// ErrUnknownRun is returned for a run id that is not in the store.
var ErrUnknownRun = errors.New("unknown run")

// Store is a run database.
type Store struct {
	db *sql.DB
}

// Run is one row of the runs table.
type Run struct {
	ID         uuid.UUID
	Kind       string
	Model      string
	Config     string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
}

// Metric is one recorded value.
type Metric struct {
	Step  int
	Epoch int
	Name  string
	Value float64
}

// Open opens or creates the database at path and applies the schema. ":memory:" opens a
// private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// StartRun records a new run and returns its id.
func (s *Store) StartRun(ctx context.Context, kind, model, config string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, model, config, started_at, status) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), kind, model, config, time.Now().UnixMilli(), StatusRunning)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "start run")
	}
	return id, nil
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UnixMilli(), status, id.String())
	if err != nil {
		return errors.Wrap(err, "finish run")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrUnknownRun, "%s", id)
	}
	return nil
}

// Record stores the metrics of one step in a single transaction. A metric recorded twice
// for the same step keeps the last value.
func (s *Store) Record(ctx context.Context, id uuid.UUID, step, epoch int, values map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO metrics (run_id, step, epoch, name, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare")
	}
	defer stmt.Close()
	for name, v := range values {
		if _, err := stmt.ExecContext(ctx, id.String(), step, epoch, name, v); err != nil {
			return errors.Wrapf(err, "record %s", name)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Run returns the run with the given id.
func (s *Store) Run(ctx context.Context, id uuid.UUID) (Run, error) {
	var (
		r        Run
		raw      string
		started  int64
		finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, model, config, started_at, finished_at, status FROM runs WHERE id = ?`,
		id.String()).Scan(&raw, &r.Kind, &r.Model, &r.Config, &started, &finished, &r.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errors.Wrapf(ErrUnknownRun, "%s", id)
	}
	if err != nil {
		return Run{}, errors.Wrap(err, "query run")
	}
	if r.ID, err = uuid.Parse(raw); err != nil {
		return Run{}, errors.Wrap(err, "run id")
	}
	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64)
	}
	return r, nil
}

// Runs returns the runs of a kind, newest first. An empty kind returns every run.
func (s *Store) Runs(ctx context.Context, kind string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE ? = '' OR kind = ? ORDER BY started_at DESC`, kind, kind)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "run id")
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	out := make([]Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.Run(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Metrics returns the history of one metric ordered by step.
func (s *Store) Metrics(ctx context.Context, id uuid.UUID, name string) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, epoch, name, value FROM metrics WHERE run_id = ? AND name = ? ORDER BY step`,
		id.String(), name)
	if err != nil {
		return nil, errors.Wrap(err, "query metrics")
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.Step, &m.Epoch, &m.Name, &m.Value); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Latest returns the last recorded value of every metric of a run.
func (s *Store) Latest(ctx context.Context, id uuid.UUID) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.name, m.value FROM metrics m
		JOIN (SELECT name, MAX(step) AS step FROM metrics WHERE run_id = ? GROUP BY name) last
		ON m.name = last.name AND m.step = last.step
		WHERE m.run_id = ?`, id.String(), id.String())
	if err != nil {
		return nil, errors.Wrap(err, "query latest")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			name string
			v    float64
		)
		if err := rows.Scan(&name, &v); err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, rows.Err()
}
