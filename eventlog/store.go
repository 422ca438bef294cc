// Package eventlog reads and writes task events for observability. Nothing in
// the waitpoint core takes state decisions from it.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/idempotency"
)

// Table names one of the two event tables.
type Table string

const (
	TableTaskEvent   Table = "taskEvent"
	TablePartitioned Table = "taskEventPartitioned"
)

const (
	// MaxMessagePreview is the length trace projections cut messages to.
	MaxMessagePreview               = 256
	DefaultPartitionWindow          = 60 * time.Second
	DefaultMaxTraceSummaryViewCount = 25000
)

// Config selects the write table and bounds trace queries.
type Config struct {
	PartitioningEnabled      bool
	PartitionWindow          time.Duration
	MaxTraceSummaryViewCount int
}

// TableForRun picks the table a run's events were written to.
func TableForRun(storeName string) Table {
	if Table(storeName) == TablePartitioned {
		return TablePartitioned
	}
	return TableTaskEvent
}

// CurrentTable is the table new runs write to.
func CurrentTable(cfg Config) Table {
	if cfg.PartitioningEnabled {
		return TablePartitioned
	}
	return TableTaskEvent
}

// Kind classifies an event. KindLog marks debug log lines.
type Kind string

const (
	KindInternal Kind = "INTERNAL"
	KindLog      Kind = "LOG"
	KindSpan     Kind = "SPAN"
)

type Event struct {
	ID              int64
	TraceID         string
	SpanID          string
	ParentID        string
	RunID           string
	IdempotencyKey  string
	Message         string
	Style           string
	StartTime       time.Time
	Duration        time.Duration
	IsError         bool
	IsPartial       bool
	IsCancelled     bool
	Level           string
	Events          string
	EnvironmentType string
	Kind            Kind
	CreatedAt       time.Time
}

// TraceEvent is the trace summary projection of an Event.
type TraceEvent struct {
	SpanID          string
	ParentID        string
	RunID           string
	IdempotencyKey  string
	Message         string
	Style           string
	StartTime       time.Time
	Duration        time.Duration
	IsError         bool
	IsPartial       bool
	IsCancelled     bool
	Level           string
	Events          string
	EnvironmentType string
	Kind            Kind
}

// Filter matches events by correlation ids. Empty fields match anything.
type Filter struct {
	TraceID string
	RunID   string
	SpanID  string
}

// OrderBy sorts FindMany results. Field is one of start_time, created_at, id.
type OrderBy struct {
	Field string
	Desc  bool
}

type Options struct {
	IncludeDebugLogs bool
	Limit            int
	OrderBy          OrderBy
}

// Store reads and writes task events in SQLite.
type Store struct {
	db     *sql.DB
	cfg    Config
	now    func() time.Time
	logger waitpoint.Logger

	schemaOnce sync.Once
	schemaErr  error
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger waitpoint.Logger) Option {
	return func(s *Store) {
		s.logger = waitpoint.NormalizeLogger(logger)
	}
}

func NewStore(db *sql.DB, cfg Config, opts ...Option) *Store {
	if cfg.PartitionWindow <= 0 {
		cfg.PartitionWindow = DefaultPartitionWindow
	}
	if cfg.MaxTraceSummaryViewCount <= 0 {
		cfg.MaxTraceSummaryViewCount = DefaultMaxTraceSummaryViewCount
	}
	s := &Store{db: db, cfg: cfg, now: time.Now, logger: waitpoint.NormalizeLogger(nil)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

const eventColumns = `id, trace_id, span_id, parent_id, run_id, idempotency_key, message, style, start_time,
	duration_ns, is_error, is_partial, is_cancelled, level, events, environment_type, kind, created_at`

const insertColumns = `trace_id, span_id, parent_id, run_id, idempotency_key, message, style, start_time,
	duration_ns, is_error, is_partial, is_cancelled, level, events, environment_type, kind, created_at`

// Create inserts one event and returns it with its id.
func (s *Store) Create(ctx context.Context, table Table, ev Event) (Event, error) {
	if err := s.ready(ctx); err != nil {
		return Event{}, err
	}
	ev = s.prepare(ev)
	query := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, string(table), insertColumns, placeholders(17))
	result, err := s.db.ExecContext(ctx, query, insertArgs(ev)...)
	if err != nil {
		return Event{}, err
	}
	ev.ID, _ = result.LastInsertId()
	return ev, nil
}

// CreateMany inserts events in one transaction and returns how many were written.
func (s *Store) CreateMany(ctx context.Context, table Table, events []Event) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, string(table), insertColumns, placeholders(17)))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, insertArgs(s.prepare(ev))...); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return len(events), nil
}

// FindMany returns events matching filter. On the partitioned table the
// created_at range is [start-window, end+window), with end defaulting to now.
// The plain table ignores the range.
func (s *Store) FindMany(ctx context.Context, table Table, filter Filter, start, end time.Time, opts Options) ([]Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	where, args := filterClause(filter)
	if table == TablePartitioned {
		from := start.Add(-s.cfg.PartitionWindow)
		to := s.now()
		if !end.IsZero() {
			to = end.Add(s.cfg.PartitionWindow)
		}
		where = append(where, "created_at >= ?", "created_at < ?")
		args = append(args, formatTime(from), formatTime(to))
	}
	if !opts.IncludeDebugLogs {
		where = append(where, "kind <> ?")
		args = append(args, string(KindLog))
	}
	order, err := orderClause(opts.OrderBy)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %q%s%s`, eventColumns, string(table), whereSQL(where), order)
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FindTraceEvents returns the trace summary of traceID ordered by start time.
// Messages are cut to MaxMessagePreview characters.
func (s *Store) FindTraceEvents(ctx context.Context, table Table, traceID string, start, end time.Time, opts Options) ([]TraceEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(traceID) == "" {
		return nil, waitpoint.NewError(waitpoint.ErrInvalidInput, "trace id required", nil, nil)
	}
	where := []string{"trace_id = ?"}
	args := []any{traceID}
	if table == TablePartitioned {
		if end.IsZero() {
			end = s.now()
		}
		where = append(where, "created_at >= ?", "created_at < ?")
		args = append(args, formatTime(start.Add(-s.cfg.PartitionWindow)), formatTime(end.Add(s.cfg.PartitionWindow)))
	}
	if !opts.IncludeDebugLogs {
		where = append(where, "kind <> ?")
		args = append(args, string(KindLog))
	}
	limit := s.cfg.MaxTraceSummaryViewCount
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT span_id, parent_id, run_id, idempotency_key, substr(message, 1, %d), style, start_time,
		duration_ns, is_error, is_partial, is_cancelled, level, events, environment_type, kind
		FROM %q%s ORDER BY start_time ASC LIMIT ?`, MaxMessagePreview, string(table), whereSQL(where))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TraceEvent, 0)
	for rows.Next() {
		var (
			ev        TraceEvent
			startTime string
			duration  int64
			kind      string
		)
		if err := rows.Scan(&ev.SpanID, &ev.ParentID, &ev.RunID, &ev.IdempotencyKey, &ev.Message, &ev.Style, &startTime,
			&duration, &ev.IsError, &ev.IsPartial, &ev.IsCancelled, &ev.Level, &ev.Events, &ev.EnvironmentType, &kind); err != nil {
			return nil, err
		}
		ev.StartTime = parseTime(startTime)
		ev.Duration = time.Duration(duration)
		ev.Kind = Kind(kind)
		out = append(out, ev)
	}
	if len(out) == limit {
		s.logger.Warn("trace %s hit the summary view limit of %d events", traceID, limit)
	}
	return out, rows.Err()
}

func (s *Store) prepare(ev Event) Event {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	if ev.StartTime.IsZero() {
		ev.StartTime = ev.CreatedAt
	}
	if ev.Kind == "" {
		ev.Kind = KindInternal
	}
	if ev.Level == "" {
		ev.Level = "TRACE"
	}
	return ev
}

func insertArgs(ev Event) []any {
	return []any{
		ev.TraceID, ev.SpanID, ev.ParentID, ev.RunID, ev.IdempotencyKey, ev.Message, ev.Style,
		formatTime(ev.StartTime), int64(ev.Duration), ev.IsError, ev.IsPartial, ev.IsCancelled,
		ev.Level, ev.Events, ev.EnvironmentType, string(ev.Kind), formatTime(ev.CreatedAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		ev                   Event
		startTime, createdAt string
		duration             int64
		kind                 string
	)
	err := row.Scan(&ev.ID, &ev.TraceID, &ev.SpanID, &ev.ParentID, &ev.RunID, &ev.IdempotencyKey, &ev.Message, &ev.Style,
		&startTime, &duration, &ev.IsError, &ev.IsPartial, &ev.IsCancelled, &ev.Level, &ev.Events, &ev.EnvironmentType,
		&kind, &createdAt)
	if err != nil {
		return Event{}, err
	}
	ev.StartTime = parseTime(startTime)
	ev.CreatedAt = parseTime(createdAt)
	ev.Duration = time.Duration(duration)
	ev.Kind = Kind(kind)
	return ev, nil
}

func filterClause(f Filter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.SpanID != "" {
		where = append(where, "span_id = ?")
		args = append(args, f.SpanID)
	}
	return where, args
}

var orderFields = map[string]string{
	"":           "start_time",
	"start_time": "start_time",
	"created_at": "created_at",
	"id":         "id",
}

func orderClause(o OrderBy) (string, error) {
	col, ok := orderFields[strings.ToLower(strings.TrimSpace(o.Field))]
	if !ok {
		return "", waitpoint.NewError(waitpoint.ErrInvalidInput, "unsupported order field", nil, map[string]any{"field": o.Field})
	}
	dir := "ASC"
	if o.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir), nil
}

func whereSQL(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *Store) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite event store not configured")
	}
	s.schemaOnce.Do(func() {
		for _, table := range []Table{TableTaskEvent, TablePartitioned} {
			statements := []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					trace_id TEXT NOT NULL DEFAULT '',
					span_id TEXT NOT NULL DEFAULT '',
					parent_id TEXT NOT NULL DEFAULT '',
					run_id TEXT NOT NULL DEFAULT '',
					idempotency_key TEXT NOT NULL DEFAULT '',
					message TEXT NOT NULL DEFAULT '',
					style TEXT NOT NULL DEFAULT '',
					start_time TEXT NOT NULL,
					duration_ns INTEGER NOT NULL DEFAULT 0,
					is_error INTEGER NOT NULL DEFAULT 0,
					is_partial INTEGER NOT NULL DEFAULT 0,
					is_cancelled INTEGER NOT NULL DEFAULT 0,
					level TEXT NOT NULL DEFAULT 'TRACE',
					events TEXT NOT NULL DEFAULT '',
					environment_type TEXT NOT NULL DEFAULT '',
					kind TEXT NOT NULL DEFAULT 'INTERNAL',
					created_at TEXT NOT NULL
				)`, string(table)),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (trace_id, created_at)`, string(table)+"_trace_idx", string(table)),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (run_id)`, string(table)+"_run_idx", string(table)),
			}
			for _, stmt := range statements {
				if _, err := s.db.ExecContext(ctx, stmt); err != nil {
					s.schemaErr = err
					return
				}
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
