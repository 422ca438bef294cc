// Package httpapi serves the waitpoint remote API over HTTP and provides a
// client for it.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/batch"
	"github.com/goliatone/go-waitpoint/eventlog"
)

// EnvironmentHeader scopes token creation and listing.
const EnvironmentHeader = "X-Environment-ID"

const maxBodyBytes = 1 << 20

// Middleware wraps the API handler.
type Middleware func(next http.Handler) http.Handler

// Server routes the waitpoint API to a Service.
type Server struct {
	tokens      *waitpoint.Service
	batches     *batch.System
	events      *eventlog.Store
	metricsPath string
	metrics     http.Handler
	logger      waitpoint.Logger
	middleware  []Middleware
}

type ServerOption func(*Server)

func WithBatchSystem(system *batch.System) ServerOption {
	return func(s *Server) { s.batches = system }
}

func WithEventStore(store *eventlog.Store) ServerOption {
	return func(s *Server) { s.events = store }
}

// WithMetricsHandler mounts h on path with GET.
func WithMetricsHandler(path string, h http.Handler) ServerOption {
	return func(s *Server) {
		if path == "" {
			path = "/metrics"
		}
		s.metricsPath, s.metrics = path, h
	}
}

func WithServerLogger(logger waitpoint.Logger) ServerOption {
	return func(s *Server) { s.logger = waitpoint.NormalizeLogger(logger) }
}

// WithMiddleware appends middleware. The first one added runs outermost.
func WithMiddleware(mw ...Middleware) ServerOption {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

func NewServer(tokens *waitpoint.Service, opts ...ServerOption) *Server {
	s := &Server{
		tokens: tokens,
		logger: waitpoint.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed API wrapped in recovery, logging and any
// configured middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/v1/waitpoints/tokens", s.createToken)
	mux.HandleFunc("GET /api/v1/waitpoints/tokens", s.listTokens)
	mux.HandleFunc("GET /api/v1/waitpoints/tokens/{id}", s.retrieveToken)
	mux.HandleFunc("POST /api/v1/waitpoints/tokens/{id}/complete", s.completeToken)
	mux.HandleFunc("POST /api/v1/waitpoints/tokens/{id}/callback/{hash}", s.callback)
	mux.HandleFunc("POST /api/v1/runs/{runID}/waitpoints/duration", s.waitForDuration)
	mux.HandleFunc("POST /api/v1/runs/{runID}/waitpoints/tokens/{id}/wait", s.waitForToken)
	if s.batches != nil {
		mux.HandleFunc("POST /api/v1/batches/{id}/recompute", s.recomputeBatch)
		mux.HandleFunc("POST /api/v1/batches/{id}/runs/{runID}", s.runStatusChanged)
	}
	if s.events != nil {
		mux.HandleFunc("GET /api/v1/traces/{traceID}/events", s.traceEvents)
	}
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}

	var h http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		if s.middleware[i] != nil {
			h = s.middleware[i](h)
		}
	}
	return Recover(s.logger)(RequestLogger(s.logger)(h))
}

func (s *Server) createToken(w http.ResponseWriter, r *http.Request) {
	var body createTokenBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.tokens.CreateToken(r.Context(), waitpoint.CreateTokenRequest{
		EnvironmentID:     r.Header.Get(EnvironmentHeader),
		IdempotencyKey:    body.IdempotencyKey,
		IdempotencyKeyTTL: body.IdempotencyKeyTTL,
		Timeout:           body.Timeout,
		Tags:              body.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) completeToken(w http.ResponseWriter, r *http.Request) {
	var body completeTokenBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.complete(w, r, r.PathValue("id"), body.Data)
}

// callback completes a token from an external system. The whole request body
// becomes the output.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.tokens.VerifyCallback(id, r.PathValue("hash")) {
		writeError(w, waitpoint.NewError(waitpoint.ErrInvalidInput, "invalid callback signature", nil, nil).
			WithTextCode(ErrCodeInvalidCallback))
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, badBody(err))
		return
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !json.Valid(raw) {
		writeError(w, badBody(errors.New("callback body is not JSON")))
		return
	}
	s.complete(w, r, id, json.RawMessage(raw))
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request, id string, data json.RawMessage) {
	var payload any
	if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		payload = data
	}
	res, err := s.tokens.CompleteToken(r.Context(), id, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) retrieveToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.RetrieveToken(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*tok, s.tokens.CallbackURL(tok.ID), true))
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.tokens.ListTokens(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	out := TokenListView{Data: make([]TokenView, 0, len(page.Data)), Pagination: page.Pagination}
	for _, tok := range page.Data {
		out.Data = append(out.Data, viewOf(tok, s.tokens.CallbackURL(tok.ID), false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) waitForDuration(w http.ResponseWriter, r *http.Request) {
	var body waitForDurationBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.tokens.WaitForDuration(r.Context(), r.PathValue("runID"), waitpoint.WaitForDurationRequest{
		Date:              body.Date,
		IdempotencyKey:    body.IdempotencyKey,
		IdempotencyKeyTTL: body.IdempotencyKeyTTL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) waitForToken(w http.ResponseWriter, r *http.Request) {
	res, err := s.tokens.WaitForToken(r.Context(), r.PathValue("runID"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) recomputeBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	outcome, err := s.batches.PerformCompleteBatch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recomputeView{BatchID: id, Outcome: string(outcome)})
}

func (s *Server) runStatusChanged(w http.ResponseWriter, r *http.Request) {
	var body runStatusBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	err := s.batches.RunStatusChanged(r.Context(), batch.Run{
		ID:            r.PathValue("runID"),
		BatchID:       r.PathValue("id"),
		EnvironmentID: body.EnvironmentID,
		Status:        batch.RunStatus(strings.ToUpper(strings.TrimSpace(body.Status))),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) traceEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	start, err := parseTimeParam(query.Get("start"))
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := parseTimeParam(query.Get("end"))
	if err != nil {
		writeError(w, err)
		return
	}
	table := eventlog.TableForRun(query.Get("store"))
	traceID := r.PathValue("traceID")
	events, err := s.events.FindTraceEvents(r.Context(), table, traceID, start, end, eventlog.Options{
		IncludeDebugLogs: query.Get("debug") == "true",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := traceView{TraceID: traceID, Events: make([]TraceEventView, 0, len(events))}
	for _, ev := range events {
		out.Events = append(out.Events, TraceEventView{
			SpanID:      ev.SpanID,
			ParentID:    ev.ParentID,
			RunID:       ev.RunID,
			Message:     ev.Message,
			StartTime:   ev.StartTime,
			Duration:    ev.Duration,
			IsError:     ev.IsError,
			IsPartial:   ev.IsPartial,
			IsCancelled: ev.IsCancelled,
			Level:       ev.Level,
			Kind:        string(ev.Kind),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseListQuery(r *http.Request) (waitpoint.ListTokensQuery, error) {
	query := r.URL.Query()
	q := waitpoint.ListTokensQuery{
		EnvironmentID:  r.Header.Get(EnvironmentHeader),
		IdempotencyKey: query.Get("idempotencyKey"),
		Tags:           splitList(query["tags"]),
		Period:         query.Get("period"),
		After:          query.Get("after"),
		Before:         query.Get("before"),
	}
	for _, raw := range splitList(query["status"]) {
		q.Status = append(q.Status, waitpoint.Status(strings.ToUpper(raw)))
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return q, waitpoint.NewError(waitpoint.ErrInvalidInput, "limit must be an integer", nil, map[string]any{"limit": raw})
		}
		q.Limit = limit
	}
	var err error
	if q.From, err = parseTimeParam(query.Get("from")); err != nil {
		return q, err
	}
	if q.To, err = parseTimeParam(query.Get("to")); err != nil {
		return q, err
	}
	return q, nil
}

// splitList accepts repeated params and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, waitpoint.NewError(waitpoint.ErrInvalidInput, "time must be RFC3339", err, map[string]any{"value": raw})
	}
	return t, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return badBody(err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return badBody(err)
	}
	return nil
}

// Recover turns handler panics into 500 responses and logs the stack.
func Recover(logger waitpoint.Logger) Middleware {
	logger = waitpoint.NormalizeLogger(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					waitpoint.WithLoggerFields(logger.WithContext(r.Context()), map[string]any{
						"method": r.Method,
						"path":   r.URL.Path,
					}).Error("recovered from panic: %v\n%s", rec, debug.Stack())
					writeError(w, fmt.Errorf("panic: %v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request.
func RequestLogger(logger waitpoint.Logger) Middleware {
	logger = waitpoint.NormalizeLogger(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			fields := map[string]any{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(started).String(),
			}
			line := waitpoint.WithLoggerFields(logger.WithContext(r.Context()), fields)
			if rec.status >= http.StatusInternalServerError {
				line.Warn("http request failed")
				return
			}
			line.Debug("http request")
		})
	}
}
