package waitpoint

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

// SQLiteStore persists tokens in SQLite. Tags live in a side table so that
// tag filters can use an index.
type SQLiteStore struct {
	db       *sql.DB
	table    string
	tagTable string

	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLiteStore builds a store using the given DB and token table name.
func NewSQLiteStore(db *sql.DB, table string) *SQLiteStore {
	if table == "" {
		table = "waitpoint_tokens"
	}
	return &SQLiteStore{
		db:       db,
		table:    table,
		tagTable: table + "_tags",
	}
}

const tokenColumns = `id, type, status, environment_id, idempotency_key, idempotency_key_expires_at,
	timeout_at, output, output_type, output_is_error, created_at, completed_at`

func (s *SQLiteStore) Insert(ctx context.Context, tok *Token) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if tok == nil || strings.TrimSpace(tok.ID) == "" {
		return errors.New("token id required")
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

	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, tokenColumns)
	if _, err := tx.ExecContext(ctx, insert,
		tok.ID,
		string(tok.Type),
		string(tok.Status),
		tok.EnvironmentID,
		tok.IdempotencyKey,
		formatSQLiteTime(tok.IdempotencyKeyExpiresAt),
		formatSQLiteTime(tok.TimeoutAt),
		tok.Output,
		tok.OutputType,
		boolToInt(tok.OutputIsError),
		formatSQLiteTime(tok.CreatedAt),
		formatSQLiteTime(tok.CompletedAt),
	); err != nil {
		return err
	}

	tagInsert := fmt.Sprintf(`INSERT OR IGNORE INTO %s (token_id, tag) VALUES (?, ?)`, s.tagTable)
	for _, tag := range tok.Tags {
		if _, err := tx.ExecContext(ctx, tagInsert, tok.ID, tag); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Token, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.load(ctx, s.db, strings.TrimSpace(id))
}

func (s *SQLiteStore) TransitionIfWaiting(ctx context.Context, id string, t Transition) (*Token, bool, error) {
	if err := s.ready(ctx); err != nil {
		return nil, false, err
	}
	id = strings.TrimSpace(id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	update := fmt.Sprintf(`UPDATE %s
		SET status=?, output=?, output_type=?, output_is_error=?, completed_at=?
		WHERE id=? AND status=?`, s.table)
	result, err := tx.ExecContext(ctx, update,
		string(t.Status),
		t.Output,
		t.OutputType,
		boolToInt(t.OutputIsError),
		formatSQLiteTime(t.CompletedAt),
		id,
		string(StatusWaiting),
	)
	if err != nil {
		return nil, false, err
	}
	affected, _ := result.RowsAffected()

	tok, err := s.load(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	tx = nil
	return tok, affected > 0 && tok != nil, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Token, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	where := make([]string, 0, 8)
	args := make([]any, 0, 16)
	if filter.EnvironmentID != "" {
		where = append(where, "environment_id = ?")
		args = append(args, filter.EnvironmentID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.IdempotencyKey != "" {
		where = append(where, "idempotency_key = ?")
		args = append(args, filter.IdempotencyKey)
	}
	if len(filter.Tags) > 0 {
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM %s tg WHERE tg.token_id = t.id AND tg.tag IN (%s))",
			s.tagTable, placeholders(len(filter.Tags))))
		for _, tag := range filter.Tags {
			args = append(args, tag)
		}
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatSQLiteTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatSQLiteTime(filter.To))
	}
	order := "created_at DESC, id DESC"
	if filter.Cursor != nil {
		stamp := formatSQLiteTime(filter.Cursor.CreatedAt)
		if filter.Backward {
			where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		} else {
			where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		}
		args = append(args, stamp, stamp, filter.Cursor.ID)
	}
	if filter.Backward {
		order = "created_at ASC, id ASC"
	}

	query := fmt.Sprintf(`SELECT %s FROM %s t`, prefixed("t.", tokenColumns), s.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + order
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]*Token, 0)
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		tags, err := s.loadTags(ctx, s.db, tok.ID)
		if err != nil {
			return nil, err
		}
		tok.Tags = tags
	}
	return tokens, nil
}

func (s *SQLiteStore) ListDueTimeouts(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id FROM %s
		WHERE status = ? AND timeout_at != '' AND timeout_at <= ?
		ORDER BY timeout_at ASC
		LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, query, string(StatusWaiting), formatSQLiteTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) load(ctx context.Context, q sqlQuerier, id string) (*Token, error) {
	if id == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, tokenColumns, s.table)
	tok, err := scanToken(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tok.Tags, err = s.loadTags(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *SQLiteStore) loadTags(ctx context.Context, q sqlQuerier, id string) ([]string, error) {
	query := fmt.Sprintf(`SELECT tag FROM %s WHERE token_id = ? ORDER BY tag ASC`, s.tagTable)
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func scanToken(row sqlRowScanner) (*Token, error) {
	var (
		tok            Token
		tokenType      string
		status         string
		keyExpiresAt   string
		timeoutAt      string
		output         []byte
		outputIsError  int
		createdAt      string
		completedAt    string
		environmentID  sql.NullString
		idempotencyKey sql.NullString
		outputType     sql.NullString
	)
	if err := row.Scan(
		&tok.ID,
		&tokenType,
		&status,
		&environmentID,
		&idempotencyKey,
		&keyExpiresAt,
		&timeoutAt,
		&output,
		&outputType,
		&outputIsError,
		&createdAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	tok.Type = Type(tokenType)
	tok.Status = Status(status)
	tok.EnvironmentID = environmentID.String
	tok.IdempotencyKey = idempotencyKey.String
	tok.OutputType = outputType.String
	tok.OutputIsError = outputIsError != 0
	if len(output) > 0 {
		tok.Output = output
	}
	tok.IdempotencyKeyExpiresAt = parseSQLiteTime(keyExpiresAt)
	tok.TimeoutAt = parseSQLiteTime(timeoutAt)
	tok.CreatedAt = parseSQLiteTime(createdAt)
	tok.CompletedAt = parseSQLiteTime(completedAt)
	return &tok, nil
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return NewError(ErrStoreNotConfigured, "sqlite token store not configured", nil, nil)
	}
	s.schemaOnce.Do(func() {
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				status TEXT NOT NULL,
				environment_id TEXT,
				idempotency_key TEXT,
				idempotency_key_expires_at TEXT NOT NULL DEFAULT '',
				timeout_at TEXT NOT NULL DEFAULT '',
				output BLOB,
				output_type TEXT,
				output_is_error INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				completed_at TEXT NOT NULL DEFAULT ''
			)`, s.table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_idx ON %s (created_at DESC, id DESC)`, s.table, s.table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_timeout_idx ON %s (status, timeout_at)`, s.table, s.table),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				token_id TEXT NOT NULL,
				tag TEXT NOT NULL,
				PRIMARY KEY (token_id, tag)
			)`, s.tagTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tag_idx ON %s (tag)`, s.tagTable, s.tagTable),
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

func formatSQLiteTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(idempotency.TimeLayout)
}

func parseSQLiteTime(value string) time.Time {
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

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
