package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/healflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) Load(ctx context.Context, runID string) (*RunState, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE run_id = ?`, runID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, storageErr("load run", err)
	}
	var run RunState
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, storageErr("decode run", err)
	}
	return &run, nil
}

func (s *LibSQLStore) Save(ctx context.Context, run *RunState) error {
	prev := run.Version
	run.Version = prev + 1
	if err := s.save(ctx, run, prev); err != nil {
		run.Version = prev
		return err
	}
	return nil
}

func (s *LibSQLStore) save(ctx context.Context, run *RunState, prev int64) error {
	run.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(run)
	if err != nil {
		return storageErr("encode run", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin save", err)
	}
	defer tx.Rollback()

	if prev == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, run.RunID).Scan(&exists)
		if err != nil {
			return storageErr("check run", err)
		}
		if exists > 0 {
			return versionConflict(run.RunID, prev)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, definition_name, status, version, document, failure_reason, started_at, finished_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.DefinitionName, string(run.Status), run.Version, string(doc),
			nullStr(run.FailureReason), run.StartedAt, nullTime(run.FinishedAt), run.UpdatedAt,
		)
		if err != nil {
			return storageErr("insert run", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, version = ?, document = ?, failure_reason = ?, finished_at = ?, updated_at = ?
			 WHERE run_id = ? AND version = ?`,
			string(run.Status), run.Version, string(doc), nullStr(run.FailureReason),
			nullTime(run.FinishedAt), run.UpdatedAt, run.RunID, prev,
		)
		if err != nil {
			return storageErr("update run", err)
		}
		if err := s.checkVersion(ctx, tx, res, run.RunID, prev); err != nil {
			return err
		}
	}

	for _, name := range run.StepNames() {
		if err := upsertStepRow(ctx, tx, run.RunID, run.Steps[name]); err != nil {
			return storageErr("upsert step state", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit save", err)
	}
	return nil
}

// checkVersion distinguishes a missing run from a stale version when an
// UPDATE matched nothing.
func (s *LibSQLStore) checkVersion(ctx context.Context, tx *sql.Tx, res sql.Result, runID string, prev int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, runID).Scan(&exists); err != nil {
		return storageErr("check run", err)
	}
	if exists == 0 {
		return storeNotFound("run", runID)
	}
	return versionConflict(runID, prev)
}

func upsertStepRow(ctx context.Context, tx *sql.Tx, runID string, st *StepState) error {
	var kind, msg any
	if st.LastError != nil {
		kind = string(st.LastError.Kind)
		msg = st.LastError.RawMessage
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO step_states (run_id, step, status, attempt_count, error_kind, last_error, next_retry_at, started_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step) DO UPDATE SET
		   status=excluded.status, attempt_count=excluded.attempt_count,
		   error_kind=excluded.error_kind, last_error=excluded.last_error,
		   next_retry_at=excluded.next_retry_at, started_at=excluded.started_at,
		   finished_at=excluded.finished_at, duration_ms=excluded.duration_ms`,
		runID, st.Name, string(st.Status), st.AttemptCount, kind, msg,
		nullTime(st.NextRetryAt), nullTime(st.StartedAt), nullTime(st.FinishedAt), st.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM runs WHERE status = 'running' ORDER BY started_at, run_id`)
	if err != nil {
		return nil, storageErr("list active runs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan run id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin event", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return storageErr("next event sequence", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step, event_type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return storageErr("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit event", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, storageErr("query events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storageErr("scan event", err)
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
