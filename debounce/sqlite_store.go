package debounce

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-waitpoint/idempotency"
)

// SQLiteJobStore persists debounced jobs in SQLite. A partial unique index on
// the dedupe key of pending rows makes Enqueue a single upsert.
type SQLiteJobStore struct {
	db    *sql.DB
	table string

	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLiteJobStore builds a store using the given DB and table name.
func NewSQLiteJobStore(db *sql.DB, table string) *SQLiteJobStore {
	if table == "" {
		table = "debounce_jobs"
	}
	return &SQLiteJobStore{db: db, table: table}
}

const jobColumns = `id, dedupe_key, selector, payload, available_at, status, attempts,
	lease_owner, lease_token, lease_until, last_error, created_at, updated_at`

func (s *SQLiteJobStore) Enqueue(ctx context.Context, req EnqueueRequest, now time.Time) (EnqueueResult, error) {
	if err := s.ready(ctx); err != nil {
		return EnqueueResult{}, err
	}
	req, err := normalizeRequest(req, now)
	if err != nil {
		return EnqueueResult{}, err
	}
	id := newJobID()
	stamp := formatTime(now)

	upsert := fmt.Sprintf(`INSERT INTO %s (id, dedupe_key, selector, payload, available_at, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?)
		ON CONFLICT (dedupe_key) WHERE status = 'pending' DO UPDATE SET
			selector = excluded.selector,
			payload = excluded.payload,
			available_at = CASE
				WHEN ? = 'extend' AND excluded.available_at > %s.available_at THEN excluded.available_at
				ELSE %s.available_at
			END,
			updated_at = excluded.updated_at
		RETURNING id, available_at`, s.table, s.table, s.table)

	var (
		gotID       string
		availableAt string
	)
	err = s.db.QueryRowContext(ctx, upsert,
		id,
		req.DedupeKey,
		req.Selector,
		req.Payload,
		formatTime(req.AvailableAt),
		stamp,
		stamp,
		string(req.Refresh),
	).Scan(&gotID, &availableAt)
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{
		JobID:       gotID,
		Absorbed:    gotID != id,
		AvailableAt: parseTime(availableAt),
	}, nil
}

func (s *SQLiteJobStore) ClaimDue(ctx context.Context, workerID string, limit int, now time.Time, leaseTTL time.Duration) ([]Job, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, ErrInvalidEntry
	}
	if limit <= 0 {
		limit = 100
	}
	stamp := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	due := `(status = 'pending' AND available_at <= ?) OR (status = 'leased' AND lease_until <= ?)`
	query := fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY available_at ASC, id ASC LIMIT ?`, s.table, due)
	rows, err := tx.QueryContext(ctx, query, stamp, stamp, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	update := fmt.Sprintf(`UPDATE %s
		SET status = 'leased', lease_owner = ?, lease_token = ?, lease_until = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND (%s)`, s.table, due)
	claimed := make([]Job, 0, len(ids))
	for _, id := range ids {
		token := newLeaseToken()
		result, err := tx.ExecContext(ctx, update,
			workerID,
			token,
			formatTime(now.Add(leaseTTL)),
			stamp,
			id,
			stamp,
			stamp,
		)
		if err != nil {
			return nil, err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			continue
		}
		job, err := s.load(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			claimed = append(claimed, *job)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return claimed, nil
}

func (s *SQLiteJobStore) MarkCompleted(ctx context.Context, id, leaseToken string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s
		SET status = 'completed', lease_owner = '', lease_token = '', lease_until = '', last_error = '', updated_at = ?
		WHERE id = ? AND status = 'leased' AND lease_token = ?`, s.table)
	return s.execLeased(ctx, s.db, id, q, formatTime(now), id, leaseToken)
}

func (s *SQLiteJobStore) MarkFailed(ctx context.Context, id, leaseToken string, retryAt time.Time, reason string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	job, err := s.load(ctx, tx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.Status != JobStatusLeased || job.LeaseToken != leaseToken {
		return ErrLeaseLost
	}
	reason = strings.TrimSpace(reason)
	stamp := formatTime(time.Now())

	var siblingID string
	siblingQuery := fmt.Sprintf(`SELECT id FROM %s WHERE dedupe_key = ? AND status = 'pending' AND id != ?`, s.table)
	err = tx.QueryRowContext(ctx, siblingQuery, job.DedupeKey, job.ID).Scan(&siblingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		q := fmt.Sprintf(`UPDATE %s
			SET status = 'pending', lease_owner = '', lease_token = '', lease_until = '', available_at = ?, last_error = ?, updated_at = ?
			WHERE id = ?`, s.table)
		if _, err := tx.ExecContext(ctx, q, formatTime(retryAt), reason, stamp, id); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		pull := fmt.Sprintf(`UPDATE %s SET available_at = ?, updated_at = ? WHERE id = ? AND available_at > ?`, s.table)
		if _, err := tx.ExecContext(ctx, pull, formatTime(retryAt), stamp, siblingID, formatTime(retryAt)); err != nil {
			return err
		}
		q := fmt.Sprintf(`UPDATE %s
			SET status = 'completed', lease_owner = '', lease_token = '', lease_until = '', last_error = ?, updated_at = ?
			WHERE id = ?`, s.table)
		if _, err := tx.ExecContext(ctx, q, "superseded by "+siblingID+": "+reason, stamp, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

func (s *SQLiteJobStore) MarkDead(ctx context.Context, id, leaseToken, reason string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s
		SET status = 'dead', lease_owner = '', lease_token = '', lease_until = '', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'leased' AND lease_token = ?`, s.table)
	return s.execLeased(ctx, s.db, id, q, strings.TrimSpace(reason), formatTime(time.Now()), id, leaseToken)
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.load(ctx, s.db, strings.TrimSpace(id))
}

func (s *SQLiteJobStore) ListDead(ctx context.Context, limit int) ([]Job, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = 'dead' ORDER BY updated_at ASC LIMIT ?`, jobColumns, s.table)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteJobStore) execLeased(ctx context.Context, exec execer, id, query string, args ...any) error {
	result, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	job, err := s.load(ctx, s.db, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrJobNotFound
	}
	return ErrLeaseLost
}

func (s *SQLiteJobStore) load(ctx context.Context, q rowQuerier, id string) (*Job, error) {
	if id == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, s.table)
	job, err := scanJob(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		status      string
		availableAt string
		leaseUntil  string
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(
		&job.ID,
		&job.DedupeKey,
		&job.Selector,
		&job.Payload,
		&availableAt,
		&status,
		&job.Attempts,
		&job.LeaseOwner,
		&job.LeaseToken,
		&leaseUntil,
		&job.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.AvailableAt = parseTime(availableAt)
	job.LeaseUntil = parseTime(leaseUntil)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

func (s *SQLiteJobStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite debounce store not configured")
	}
	s.schemaOnce.Do(func() {
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				dedupe_key TEXT NOT NULL,
				selector TEXT NOT NULL,
				payload BLOB,
				available_at TEXT NOT NULL,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				lease_owner TEXT NOT NULL DEFAULT '',
				lease_token TEXT NOT NULL DEFAULT '',
				lease_until TEXT NOT NULL DEFAULT '',
				last_error TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`, s.table),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_pending_key ON %s (dedupe_key) WHERE status = 'pending'`, s.table, s.table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_due_idx ON %s (status, available_at)`, s.table, s.table),
		}
		for _, stmt := range statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.schemaErr = err
				return
			}
		}
	})
	return s.schemaErr
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(idempotency.TimeLayout)
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(idempotency.TimeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
