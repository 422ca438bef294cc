package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TimeLayout is a fixed width UTC layout so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRegistry persists idempotency records in SQLite.
type SQLiteRegistry struct {
	db    *sql.DB
	table string

	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLiteRegistry builds a registry using the given DB and table name.
func NewSQLiteRegistry(db *sql.DB, table string) *SQLiteRegistry {
	if table == "" {
		table = "idempotency_keys"
	}
	return &SQLiteRegistry{db: db, table: table}
}

func (r *SQLiteRegistry) Lookup(ctx context.Context, scope Scope, now time.Time) (*Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sqlite idempotency registry not configured")
	}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if !scope.Valid() {
		return nil, nil
	}
	scope = scope.normalize()
	return r.loadLive(ctx, r.db, scope, now)
}

func (r *SQLiteRegistry) Reserve(ctx context.Context, rec Record, now time.Time) (*Record, bool, error) {
	if r == nil || r.db == nil {
		return nil, false, errors.New("sqlite idempotency registry not configured")
	}
	rec, err := normalizeRecord(rec, now)
	if err != nil {
		return nil, false, err
	}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	purge := fmt.Sprintf(`DELETE FROM %s WHERE namespace = ? AND idem_key = ? AND expires_at <= ?`, r.table)
	if _, err := tx.ExecContext(ctx, purge, rec.Scope.Namespace, rec.Scope.Key, formatTime(now)); err != nil {
		return nil, false, err
	}

	insert := fmt.Sprintf(`INSERT OR IGNORE INTO %s (namespace, idem_key, resource_id, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`, r.table)
	result, err := tx.ExecContext(ctx, insert,
		rec.Scope.Namespace,
		rec.Scope.Key,
		rec.ResourceID,
		formatTime(rec.ExpiresAt),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return nil, false, err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		existing, err := r.loadLive(ctx, tx, rec.Scope, now)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		tx = nil
		return existing, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	tx = nil
	return cloneRecord(&rec), true, nil
}

func (r *SQLiteRegistry) Release(ctx context.Context, scope Scope, resourceID string) error {
	if r == nil || r.db == nil {
		return errors.New("sqlite idempotency registry not configured")
	}
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	scope = scope.normalize()
	q := fmt.Sprintf(`DELETE FROM %s WHERE namespace = ? AND idem_key = ? AND resource_id = ?`, r.table)
	_, err := r.db.ExecContext(ctx, q, scope.Namespace, scope.Key, strings.TrimSpace(resourceID))
	return err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLiteRegistry) loadLive(ctx context.Context, q queryRower, scope Scope, now time.Time) (*Record, error) {
	query := fmt.Sprintf(`SELECT resource_id, expires_at, created_at FROM %s WHERE namespace = ? AND idem_key = ? AND expires_at > ?`, r.table)
	var (
		resourceID string
		expiresAt  string
		createdAt  string
	)
	err := q.QueryRowContext(ctx, query, scope.Namespace, scope.Key, formatTime(now)).Scan(&resourceID, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := &Record{Scope: scope, ResourceID: strings.TrimSpace(resourceID)}
	rec.ExpiresAt, _ = parseTime(expiresAt)
	rec.CreatedAt, _ = parseTime(createdAt)
	return rec, nil
}

func (r *SQLiteRegistry) ensureSchema(ctx context.Context) error {
	r.schemaOnce.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (namespace, idem_key)
		)`, r.table)
		_, r.schemaErr = r.db.ExecContext(ctx, ddl)
	})
	return r.schemaErr
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(TimeLayout, value)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}, false
		}
	}
	return ts.UTC(), true
}
