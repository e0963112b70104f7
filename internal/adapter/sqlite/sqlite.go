// Package sqlite persists job checkpoints and run manifests in a SQLite
// database so interrupted jobs resume where they stopped.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id     TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	last_step  TIMESTAMP NOT NULL,
	cutoff     TIMESTAMP,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS manifests (
	run_id    TEXT PRIMARY KEY,
	job_id    TEXT NOT NULL,
	outcome   TEXT NOT NULL,
	started   TIMESTAMP NOT NULL,
	finished  TIMESTAMP NOT NULL,
	manifest  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS manifests_job ON manifests (job_id, started);
`

// DB is a checkpoint and manifest store. It implements
// pipeline.CheckpointStore and pipeline.ManifestRecorder.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Ping reports whether the database is reachable.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DB) Load(ctx context.Context, jobID string) (pipeline.Checkpoint, bool, error) {
	cp := pipeline.Checkpoint{JobID: jobID}
	var cutoff sql.NullTime
	err := d.db.QueryRowContext(ctx,
		`SELECT run_id, last_step, cutoff, updated_at FROM checkpoints WHERE job_id = ?`, jobID).
		Scan(&cp.RunID, &cp.LastStep, &cutoff, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Checkpoint{}, false, nil
	}
	if err != nil {
		return pipeline.Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}
	if cutoff.Valid {
		cp.Cutoff = cutoff.Time.UTC()
	}
	cp.LastStep = cp.LastStep.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, true, nil
}

func (d *DB) Save(ctx context.Context, cp pipeline.Checkpoint) error {
	var cutoff sql.NullTime
	if !cp.Cutoff.IsZero() {
		cutoff = sql.NullTime{Time: cp.Cutoff.UTC(), Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, run_id, last_step, cutoff, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			run_id = excluded.run_id,
			last_step = excluded.last_step,
			cutoff = excluded.cutoff,
			updated_at = excluded.updated_at`,
		cp.JobID, cp.RunID, cp.LastStep.UTC(), cutoff, cp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

// Reset drops the checkpoint of a job so its next run starts from scratch.
func (d *DB) Reset(ctx context.Context, jobID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("reset checkpoint %s: %w", jobID, err)
	}
	return nil
}

func (d *DB) RecordManifest(ctx context.Context, m *pipeline.Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO manifests (run_id, job_id, outcome, started, finished, manifest) VALUES (?, ?, ?, ?, ?, ?)`,
		m.RunID, m.JobID, m.Outcome(), m.Started.UTC(), m.Finished.UTC(), string(body))
	if err != nil {
		return fmt.Errorf("record manifest %s: %w", m.RunID, err)
	}
	return nil
}

// Manifests returns the manifests of a job, newest first.
func (d *DB) Manifests(ctx context.Context, jobID string) ([]pipeline.Manifest, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT manifest FROM manifests WHERE job_id = ? ORDER BY started DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list manifests %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []pipeline.Manifest
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var m pipeline.Manifest
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune deletes manifests that finished before cutoff and returns how many
// were removed.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM manifests WHERE finished < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune manifests: %w", err)
	}
	return res.RowsAffected()
}
