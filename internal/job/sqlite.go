package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id             TEXT PRIMARY KEY,
			priority       INTEGER NOT NULL DEFAULT 0,
			resource_class TEXT NOT NULL DEFAULT 'none',
			seq            INTEGER NOT NULL DEFAULT 0,
			phase          TEXT NOT NULL DEFAULT 'init',
			progress       INTEGER NOT NULL DEFAULT 0,
			state          TEXT NOT NULL DEFAULT 'queued',
			result         TEXT,
			error          TEXT NOT NULL DEFAULT '',
			error_kind     TEXT NOT NULL DEFAULT '',
			callback_url   TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL,
			started_at     DATETIME,
			updated_at     DATETIME NOT NULL,
			finished_at    DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state       ON jobs(state);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at  ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
	`)
	return err
}

const selectColumns = `
	SELECT id, priority, resource_class, seq, phase, progress, state, result,
	       error, error_kind, callback_url, created_at, started_at, updated_at, finished_at
	FROM jobs`

func (s *SQLiteStore) Save(ctx context.Context, r *Record) error {
	result, err := encodeResult(r.Result)
	if err != nil {
		return fmt.Errorf("save job %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, priority, resource_class, seq, phase, progress, state, result,
			 error, error_kind, callback_url, created_at, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			resource_class = excluded.resource_class,
			seq = excluded.seq,
			phase = excluded.phase,
			progress = excluded.progress,
			state = excluded.state,
			result = excluded.result,
			error = excluded.error,
			error_kind = excluded.error_kind,
			callback_url = excluded.callback_url,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`,
		r.ID, r.Priority, string(r.Class), r.Seq, r.Phase.String(), r.Progress,
		string(r.State()), result, r.Error, string(r.ErrorKind), r.CallbackURL,
		r.CreatedAt.UTC(), nullableTime(r.StartedAt), r.UpdatedAt.UTC(), nullableTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", r.ID, err)
	}
	return nil
}

// Get returns nil, nil when no row matches id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, started_at = ?, updated_at = ? WHERE id = ?
	`, string(StateRunning), startedAt.UTC(), startedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark running for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePhase(ctx context.Context, id string, phase Phase, progress int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET phase = ?, progress = ?, updated_at = ? WHERE id = ?
	`, phase.String(), progress, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update phase for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Finish(ctx context.Context, r *Record) error {
	result, err := encodeResult(r.Result)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, phase = ?, progress = ?, result = ?, error = ?,
		       error_kind = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`, string(r.State()), r.Phase.String(), r.Progress, result, r.Error,
		string(r.ErrorKind), r.UpdatedAt.UTC(), nullableTime(r.FinishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", r.ID, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// List returns records ordered by created_at DESC with pagination, and the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+`
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return records, total, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN (?, ?)
		AND finished_at IS NOT NULL
		AND finished_at < ?
	`, string(StateComplete), string(StateFailed), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var (
		class, phase, state, kind string
		result                    sql.NullString
		startedAt, finishedAt     sql.NullTime
	)
	if err := sc.Scan(
		&r.ID, &r.Priority, &class, &r.Seq, &phase, &r.Progress, &state, &result,
		&r.Error, &kind, &r.CallbackURL, &r.CreatedAt, &startedAt, &r.UpdatedAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	r.Class = ResourceClass(class)
	r.ErrorKind = ErrorKind(kind)
	p, err := ParsePhase(phase)
	if err != nil {
		return nil, err
	}
	r.Phase = p
	switch State(state) {
	case StateRunning:
		r.Running = true
	case StateComplete:
		r.Complete = true
	case StateFailed:
		r.Failed = true
	}
	if result.Valid && result.String != "" {
		r.Result = json.RawMessage(result.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return r, nil
}

func encodeResult(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
