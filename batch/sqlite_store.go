package batch

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

// SQLiteStore keeps batches and runs in two SQLite tables.
type SQLiteStore struct {
	db        *sql.DB
	batches   string
	runs      string
	now       func() time.Time
	schemaOne sync.Once
	schemaErr error
}

// NewSQLiteStore uses tables "batches" and "batch_runs" when prefix is empty,
// otherwise "<prefix>_batches" and "<prefix>_runs".
func NewSQLiteStore(db *sql.DB, prefix string) *SQLiteStore {
	s := &SQLiteStore{db: db, batches: "batches", runs: "batch_runs", now: time.Now}
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		s.batches = prefix + "_batches"
		s.runs = prefix + "_runs"
	}
	return s
}

func (s *SQLiteStore) FindBatch(ctx context.Context, id string) (*Batch, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, environment_id, status, created_at, updated_at FROM %s WHERE id = ?`, s.batches)
	var (
		b                    Batch
		status               string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(id)).Scan(&b.ID, &b.EnvironmentID, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func (s *SQLiteStore) ListBatchRuns(ctx context.Context, batchID, environmentID string) ([]Run, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, batch_id, environment_id, status, updated_at FROM %s
		WHERE batch_id = ? AND environment_id = ? ORDER BY id ASC`, s.runs)
	rows, err := s.db.QueryContext(ctx, query, batchID, environmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		var (
			run       Run
			status    string
			updatedAt string
		)
		if err := rows.Scan(&run.ID, &run.BatchID, &run.EnvironmentID, &status, &updatedAt); err != nil {
			return nil, err
		}
		run.Status = RunStatus(status)
		run.UpdatedAt = parseTime(updatedAt)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, id string, status Status) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id = ?`, s.batches)
	result, err := s.db.ExecContext(ctx, query, string(status), formatTime(s.now()), id)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return batchNotFound(id)
	}
	return nil
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, b Batch) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	b, err := normalizeBatch(b, s.now())
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, environment_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET environment_id = excluded.environment_id, status = excluded.status, updated_at = excluded.updated_at`, s.batches)
	_, err = s.db.ExecContext(ctx, query, b.ID, b.EnvironmentID, string(b.Status), formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	return err
}

func (s *SQLiteStore) UpsertRun(ctx context.Context, run Run) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	run, err := normalizeRun(run, s.now())
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, batch_id, environment_id, status, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET batch_id = excluded.batch_id, environment_id = excluded.environment_id,
			status = excluded.status, updated_at = excluded.updated_at`, s.runs)
	_, err = s.db.ExecContext(ctx, query, run.ID, run.BatchID, run.EnvironmentID, string(run.Status), formatTime(run.UpdatedAt))
	return err
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite batch store not configured")
	}
	s.schemaOne.Do(func() {
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				environment_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`, s.batches),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				batch_id TEXT NOT NULL,
				environment_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`, s.runs),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_batch_idx ON %s (batch_id, environment_id)`, s.runs, s.runs),
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
	return t.UTC().Format(idempotency.TimeLayout)
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(idempotency.TimeLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
