// Package perfdb keeps the per job performance records of pipeline runs in
// a SQLite database, so runs can be compared after the fact.
package perfdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

var ErrNotFound = errors.New("run not found")

type DB struct {
	db *sql.DB
}

type Run struct {
	ID         string
	Name       string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
}

// Row is the record of one job.
type Row struct {
	Seq            int
	Name           string
	Tag            string
	Threads        int
	RunSeconds     float64
	CPUSeconds     float64
	CPUPercent     float64
	Host           string
	ExitCode       int
	ResultFound    bool
	StdoutComplete bool
	Restarts       int
}

type StageSummary struct {
	Stage         string
	Jobs          int
	Failed        int
	RunSeconds    float64
	MaxRunSeconds float64
	CPUSeconds    float64
}

// Open opens, and creates if needed, the database at path and migrates
// its schema. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("perf database path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
			return nil, fmt.Errorf("create perf database directory: %w", err)
		}
		dsn = "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open perf database: %w", err)
	}
	// a single connection, which also keeps :memory: alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping perf database: %w", err)
	}
	p := &DB{db: db}
	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		outcome     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		run_id          TEXT NOT NULL REFERENCES runs(run_id),
		stage           TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		name            TEXT NOT NULL,
		tag             TEXT NOT NULL,
		threads         INTEGER NOT NULL,
		run_seconds     REAL NOT NULL,
		cpu_seconds     REAL NOT NULL,
		cpu_percent     REAL NOT NULL,
		host            TEXT NOT NULL,
		exit_code       INTEGER NOT NULL,
		result_found    INTEGER NOT NULL,
		stdout_complete INTEGER NOT NULL,
		restarts        INTEGER NOT NULL,
		PRIMARY KEY (run_id, stage, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_stage ON jobs (stage)`,
}

// Migrate creates the missing tables.
func (p *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate perf database: %w", err)
		}
	}
	return nil
}

func (p *DB) Close() error {
	return p.db.Close()
}

// BeginRun records the start of a run.
func (p *DB) BeginRun(ctx context.Context, r Run) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, started_at) VALUES (?, ?, ?)`,
		r.ID, r.Name, r.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (p *DB) FinishRun(ctx context.Context, runID, outcome string, finished time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ? WHERE run_id = ?`,
		finished.UTC().Format(time.RFC3339Nano), outcome, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

// InsertJobs stores the records of the jobs of one stage in a single
// transaction. Records of a stage run again replace the previous ones.
func (p *DB) InsertJobs(ctx context.Context, runID, stage string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO jobs
		 (run_id, stage, seq, name, tag, threads, run_seconds, cpu_seconds,
		  cpu_percent, host, exit_code, result_found, stdout_complete, restarts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, stage, seq) DO UPDATE SET
		   name = excluded.name,
		   tag = excluded.tag,
		   threads = excluded.threads,
		   run_seconds = excluded.run_seconds,
		   cpu_seconds = excluded.cpu_seconds,
		   cpu_percent = excluded.cpu_percent,
		   host = excluded.host,
		   exit_code = excluded.exit_code,
		   result_found = excluded.result_found,
		   stdout_complete = excluded.stdout_complete,
		   restarts = excluded.restarts`)
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			runID, stage, r.Seq, r.Name, r.Tag, r.Threads, r.RunSeconds, r.CPUSeconds,
			r.CPUPercent, r.Host, r.ExitCode, r.ResultFound, r.StdoutComplete, r.Restarts)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", r.Tag, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// StageSummaries aggregates the jobs of a run per stage, in the order the
// stages were imported.
func (p *DB) StageSummaries(ctx context.Context, runID string) ([]StageSummary, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT stage,
		        COUNT(*),
		        SUM(CASE WHEN stdout_complete = 0 THEN 1 ELSE 0 END),
		        SUM(run_seconds),
		        MAX(run_seconds),
		        SUM(cpu_seconds)
		 FROM jobs
		 WHERE run_id = ?
		 GROUP BY stage
		 ORDER BY MIN(rowid)`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StageSummary
	for rows.Next() {
		var s StageSummary
		if err := rows.Scan(&s.Stage, &s.Jobs, &s.Failed, &s.RunSeconds, &s.MaxRunSeconds, &s.CPUSeconds); err != nil {
			return nil, fmt.Errorf("scan stage summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Runs lists the recorded runs, the latest first.
func (p *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT run_id, name, started_at, COALESCE(finished_at, ''), COALESCE(outcome, '')
		 FROM runs
		 ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.Name, &started, &finished, &r.Outcome); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("run %s: started_at: %w", r.ID, err)
		}
		if finished != "" {
			if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
				return nil, fmt.Errorf("run %s: finished_at: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRun returns the most recently started run.
func (p *DB) LatestRun(ctx context.Context) (Run, error) {
	runs, err := p.Runs(ctx)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNotFound
	}
	return runs[0], nil
}
