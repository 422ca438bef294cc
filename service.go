package waitpoint

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-waitpoint/idempotency"
)

const (
	DefaultListLimit = 25
	MaxListLimit     = 100

	callbackHashLength = 20
	sweepBatchSize     = 100
)

// TransitionListener observes every applied terminal transition.
type TransitionListener func(ctx context.Context, tok Token)

// TimeoutScheduler arranges for fire to run once at the given deadline.
type TimeoutScheduler interface {
	ScheduleTimeout(ctx context.Context, tokenID string, at time.Time, fire func(context.Context) error) error
}

// Metrics receives token lifecycle events.
type Metrics interface {
	TokenCreated(tokenType string, cached bool)
	TokenTransitioned(status string, applied bool)
}

type nopMetrics struct{}

func (nopMetrics) TokenCreated(string, bool)      {}
func (nopMetrics) TokenTransitioned(string, bool) {}

// Service owns the lifecycle of waitpoint tokens.
type Service struct {
	store     Store
	registry  idempotency.Registry
	locker    *idempotency.KeyLocker
	timeouts  TimeoutScheduler
	metrics   Metrics
	logger    Logger
	clock     func() time.Time
	newID     func() string
	listeners []TransitionListener

	callbackBaseURL string
	callbackSecret  string
	defaultKeyTTL   time.Duration

	blockedMu sync.Mutex
	blocked   map[string]map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

func WithStore(store Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

func WithRegistry(registry idempotency.Registry) Option {
	return func(s *Service) {
		if registry != nil {
			s.registry = registry
		}
	}
}

func WithKeyLocker(locker *idempotency.KeyLocker) Option {
	return func(s *Service) {
		if locker != nil {
			s.locker = locker
		}
	}
}

func WithTimeoutScheduler(timeouts TimeoutScheduler) Option {
	return func(s *Service) {
		s.timeouts = timeouts
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(s *Service) {
		s.logger = NormalizeLogger(logger)
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithTransitionListener registers fn for applied terminal transitions.
func WithTransitionListener(fn TransitionListener) Option {
	return func(s *Service) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

// WithCallbackURL sets the public base URL and the secret used to sign callback paths.
func WithCallbackURL(baseURL, secret string) Option {
	return func(s *Service) {
		s.callbackBaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		s.callbackSecret = secret
	}
}

func WithDefaultIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.defaultKeyTTL = ttl
		}
	}
}

// NewService builds a Service. Without options it runs fully in memory and
// tokens never time out on their own.
func NewService(opts ...Option) *Service {
	s := &Service{
		store:         NewInMemoryStore(),
		registry:      idempotency.NewInMemoryRegistry(),
		locker:        idempotency.NewKeyLocker(),
		metrics:       nopMetrics{},
		logger:        NormalizeLogger(nil),
		clock:         time.Now,
		newID:         NewTokenID,
		defaultKeyTTL: idempotency.DefaultTTL,
		blocked:       make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AddTransitionListener registers fn after construction.
func (s *Service) AddTransitionListener(fn TransitionListener) {
	if fn == nil {
		return
	}
	s.blockedMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.blockedMu.Unlock()
}

// NewTokenID returns a fresh waitpoint id.
func NewTokenID() string {
	return "waitpoint_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type createParams struct {
	tokenType     Type
	namespace     string
	key           string
	keyTTL        string
	timeoutAt     time.Time
	tags          []string
	environmentID string
}

// CreateToken creates a MANUAL token, or returns the live token already
// registered under the request's idempotency key.
func (s *Service) CreateToken(ctx context.Context, req CreateTokenRequest) (CreateTokenResponse, error) {
	now := s.now()

	timeoutAt := req.TimeoutAt.UTC()
	if timeoutAt.IsZero() && strings.TrimSpace(req.Timeout) != "" {
		parsed, err := ParseDeadline(req.Timeout, now)
		if err != nil {
			return CreateTokenResponse{}, err
		}
		timeoutAt = parsed
	}
	if !timeoutAt.IsZero() && !timeoutAt.After(now) {
		return CreateTokenResponse{}, invalidInput("timeout must be in the future", map[string]any{
			"timeout_at": timeoutAt.Format(time.RFC3339Nano),
		})
	}

	tok, cached, err := s.create(ctx, now, createParams{
		tokenType:     TypeManual,
		namespace:     "env:" + strings.TrimSpace(req.EnvironmentID),
		key:           req.IdempotencyKey,
		keyTTL:        req.IdempotencyKeyTTL,
		timeoutAt:     timeoutAt,
		tags:          req.Tags,
		environmentID: strings.TrimSpace(req.EnvironmentID),
	})
	if err != nil {
		return CreateTokenResponse{}, err
	}
	return CreateTokenResponse{ID: tok.ID, URL: s.CallbackURL(tok.ID), IsCached: cached}, nil
}

// WaitForDuration creates the DATETIME token backing a durable wait until req.Date.
func (s *Service) WaitForDuration(ctx context.Context, runID string, req WaitForDurationRequest) (WaitForDurationResponse, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return WaitForDurationResponse{}, invalidInput("run id required", nil)
	}
	if req.Date.IsZero() {
		return WaitForDurationResponse{}, invalidInput("date required", nil)
	}
	tok, _, err := s.create(ctx, s.now(), createParams{
		tokenType: TypeDateTime,
		namespace: "run:" + runID,
		key:       req.IdempotencyKey,
		keyTTL:    req.IdempotencyKeyTTL,
		timeoutAt: req.Date.UTC(),
	})
	if err != nil {
		return WaitForDurationResponse{}, err
	}
	return WaitForDurationResponse{Waitpoint: WaitpointRef{ID: tok.ID}}, nil
}

func (s *Service) create(ctx context.Context, now time.Time, params createParams) (*Token, bool, error) {
	if s == nil || s.store == nil {
		return nil, false, NewError(ErrStoreNotConfigured, "waitpoint service not configured", nil, nil)
	}
	tags, err := normalizeTags(params.tags)
	if err != nil {
		return nil, false, err
	}

	key := strings.TrimSpace(params.key)
	ttl := s.defaultKeyTTL
	if key != "" && strings.TrimSpace(params.keyTTL) != "" {
		ttl, err = ParsePeriod(params.keyTTL)
		if err != nil {
			return nil, false, err
		}
		if ttl <= 0 {
			return nil, false, invalidInput("idempotency key ttl must be positive", map[string]any{"ttl": params.keyTTL})
		}
	}

	tok := &Token{
		ID:            s.newID(),
		Type:          params.tokenType,
		Status:        StatusWaiting,
		EnvironmentID: params.environmentID,
		TimeoutAt:     params.timeoutAt,
		Tags:          tags,
		OutputType:    DefaultOutputType,
		CreatedAt:     now.UTC(),
	}

	var scope idempotency.Scope
	if key != "" {
		scope = idempotency.Scope{Namespace: params.namespace, Key: key}
		unlock := s.locker.Lock(scope.String())
		defer unlock()

		want := idempotency.Record{
			Scope:      scope,
			ResourceID: tok.ID,
			ExpiresAt:  now.Add(ttl),
			CreatedAt:  now,
		}
		rec, reserved, err := s.registry.Reserve(ctx, want, now)
		if err != nil {
			return nil, false, err
		}
		if !reserved {
			existing, err := s.store.Get(ctx, rec.ResourceID)
			if err != nil {
				return nil, false, err
			}
			if existing != nil {
				s.metrics.TokenCreated(string(existing.Type), true)
				s.logger.Debug("waitpoint %s reused for idempotency key %s", existing.ID, scope.String())
				return existing, true, nil
			}
			// The key points at a token that was never inserted, e.g. the
			// process died between Reserve and Insert. Take the key over.
			s.logger.Warn("idempotency key %s maps to missing waitpoint %s, reclaiming", scope.String(), rec.ResourceID)
			if err := s.registry.Release(ctx, scope, rec.ResourceID); err != nil {
				return nil, false, err
			}
			rec, reserved, err = s.registry.Reserve(ctx, want, now)
			if err != nil {
				return nil, false, err
			}
			if !reserved {
				return nil, false, NewError(ErrStaleTransition, "idempotency key reserved concurrently", nil, map[string]any{
					"idempotency_key": key,
					"waitpoint_id":    rec.ResourceID,
				})
			}
		}
		tok.IdempotencyKey = key
		tok.IdempotencyKeyExpiresAt = rec.ExpiresAt
	}

	if err := s.store.Insert(ctx, tok); err != nil {
		if key != "" {
			if releaseErr := s.registry.Release(ctx, scope, tok.ID); releaseErr != nil {
				s.logger.Error("failed to release idempotency key %s: %v", scope.String(), releaseErr)
			}
		}
		return nil, false, err
	}

	if !tok.TimeoutAt.IsZero() && s.timeouts != nil {
		id := tok.ID
		fire := func(ctx context.Context) error {
			_, err := s.TimeoutToken(ctx, id)
			return err
		}
		if err := s.timeouts.ScheduleTimeout(ctx, id, tok.TimeoutAt, fire); err != nil {
			s.logger.Warn("failed to schedule timeout for waitpoint %s, sweep will pick it up: %v", id, err)
		}
	}

	s.metrics.TokenCreated(string(tok.Type), false)
	WithLoggerFields(s.logger, map[string]any{"waitpoint_id": tok.ID, "type": tok.Type}).
		Debug("waitpoint created")
	return tok.Clone(), false, nil
}

// CompleteToken resolves a WAITING token with data. Completing a token that
// already holds a terminal status does not apply and is not an error.
func (s *Service) CompleteToken(ctx context.Context, id string, data any) (CompleteTokenResponse, error) {
	output, err := encodeOutput(data)
	if err != nil {
		return CompleteTokenResponse{}, err
	}
	tok, applied, err := s.transition(ctx, id, Transition{
		Status:      StatusCompleted,
		Output:      output,
		OutputType:  DefaultOutputType,
		CompletedAt: s.now(),
	})
	if err != nil {
		return CompleteTokenResponse{}, err
	}
	return CompleteTokenResponse{Success: applied, Status: tok.Status}, nil
}

// CompleteTokenStrict is CompleteToken that reports a lost race as a
// StaleTransition error.
func (s *Service) CompleteTokenStrict(ctx context.Context, id string, data any) (CompleteTokenResponse, error) {
	res, err := s.CompleteToken(ctx, id, data)
	if err != nil {
		return res, err
	}
	if !res.Success {
		return res, NewError(ErrStaleTransition, "", nil, map[string]any{
			"token_id": id,
			"status":   string(res.Status),
		})
	}
	return res, nil
}

// TimeoutToken fires the deadline of a token. MANUAL tokens become TIMED_OUT
// with an error payload; DATETIME tokens complete with no output.
func (s *Service) TimeoutToken(ctx context.Context, id string) (TransitionResult, error) {
	if s == nil || s.store == nil {
		return TransitionResult{}, NewError(ErrStoreNotConfigured, "waitpoint service not configured", nil, nil)
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	if current == nil {
		return TransitionResult{}, tokenNotFound(id)
	}
	if current.Status.IsTerminal() {
		s.metrics.TokenTransitioned(string(StatusTimedOut), false)
		return TransitionResult{TokenID: current.ID, Applied: false, Status: current.Status}, nil
	}

	now := s.now()
	t := Transition{Status: StatusCompleted, OutputType: DefaultOutputType, CompletedAt: now}
	if current.Type != TypeDateTime {
		payload, _ := json.Marshal(map[string]string{
			"message": "Waitpoint timed out at " + now.UTC().Format(time.RFC3339),
		})
		t = Transition{
			Status:        StatusTimedOut,
			Output:        payload,
			OutputType:    DefaultOutputType,
			OutputIsError: true,
			CompletedAt:   now,
		}
	}

	tok, applied, err := s.transition(ctx, id, t)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{TokenID: tok.ID, Applied: applied, Status: tok.Status}, nil
}

func (s *Service) transition(ctx context.Context, id string, t Transition) (*Token, bool, error) {
	if s == nil || s.store == nil {
		return nil, false, NewError(ErrStoreNotConfigured, "waitpoint service not configured", nil, nil)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, invalidInput("token id required", nil)
	}
	tok, applied, err := s.store.TransitionIfWaiting(ctx, id, t)
	if err != nil {
		return nil, false, err
	}
	if tok == nil {
		return nil, false, tokenNotFound(id)
	}
	s.metrics.TokenTransitioned(string(t.Status), applied)

	logger := WithLoggerFields(s.logger, map[string]any{"waitpoint_id": id, "status": tok.Status})
	if !applied {
		logger.Debug("waitpoint transition to %s did not apply", t.Status)
		return tok, false, nil
	}
	logger.Info("waitpoint resolved")
	s.notify(ctx, tok)
	return tok, true, nil
}

func (s *Service) notify(ctx context.Context, tok *Token) {
	s.blockedMu.Lock()
	listeners := append([]TransitionListener(nil), s.listeners...)
	delete(s.blocked, tok.ID)
	s.blockedMu.Unlock()

	for _, fn := range listeners {
		fn(ctx, *tok.Clone())
	}
}

// RetrieveToken returns the current view of a token. It never blocks.
func (s *Service) RetrieveToken(ctx context.Context, id string) (*Token, error) {
	if s == nil || s.store == nil {
		return nil, NewError(ErrStoreNotConfigured, "waitpoint service not configured", nil, nil)
	}
	tok, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, tokenNotFound(id)
	}
	return tok, nil
}

// WaitForToken records that runID is blocked on tokenID.
func (s *Service) WaitForToken(ctx context.Context, runID, tokenID string) (WaitForTokenResponse, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return WaitForTokenResponse{}, invalidInput("run id required", nil)
	}
	tok, err := s.RetrieveToken(ctx, tokenID)
	if err != nil {
		return WaitForTokenResponse{}, err
	}
	if tok.Status != StatusWaiting {
		return WaitForTokenResponse{Success: true}, nil
	}

	s.blockedMu.Lock()
	runs, ok := s.blocked[tok.ID]
	if !ok {
		runs = make(map[string]struct{})
		s.blocked[tok.ID] = runs
	}
	runs[runID] = struct{}{}
	s.blockedMu.Unlock()

	// A transition that landed between the read above and the insert has
	// already run notify, so nothing else would clear this entry.
	current, err := s.store.Get(ctx, tok.ID)
	switch {
	case err != nil:
		s.logger.Warn("waitpoint %s recheck after block failed: %v", tok.ID, err)
	case current == nil || current.Status.IsTerminal():
		s.unblock(tok.ID, runID)
	}
	return WaitForTokenResponse{Success: true}, nil
}

func (s *Service) unblock(tokenID, runID string) {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	runs := s.blocked[tokenID]
	delete(runs, runID)
	if len(runs) == 0 {
		delete(s.blocked, tokenID)
	}
}

// BlockedRuns returns the runs currently blocked on tokenID.
func (s *Service) BlockedRuns(tokenID string) []string {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	runs := make([]string, 0, len(s.blocked[tokenID]))
	for run := range s.blocked[tokenID] {
		runs = append(runs, run)
	}
	return runs
}

// BlockedRunCount returns how many runs are blocked across all tokens.
func (s *Service) BlockedRunCount() int {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	n := 0
	for _, runs := range s.blocked {
		n += len(runs)
	}
	return n
}

// ListTokensQuery filters ListTokens. Period and From/To are mutually
// exclusive, as are After and Before.
type ListTokensQuery struct {
	EnvironmentID  string
	Status         []Status
	IdempotencyKey string
	Tags           []string
	Period         string
	From           time.Time
	To             time.Time
	Limit          int
	After          string
	Before         string
}

type Pagination struct {
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

type TokenPage struct {
	Data       []Token    `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ListTokens returns one page, newest first.
func (s *Service) ListTokens(ctx context.Context, q ListTokensQuery) (TokenPage, error) {
	if s == nil || s.store == nil {
		return TokenPage{}, NewError(ErrStoreNotConfigured, "waitpoint service not configured", nil, nil)
	}
	filter, err := s.listFilter(q)
	if err != nil {
		return TokenPage{}, err
	}
	limit := filter.Limit
	filter.Limit = limit + 1

	rows, err := s.store.List(ctx, filter)
	if err != nil {
		return TokenPage{}, err
	}
	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}
	if filter.Backward {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	page := TokenPage{Data: make([]Token, 0, len(rows))}
	for _, tok := range rows {
		page.Data = append(page.Data, *tok)
	}
	if len(rows) == 0 {
		return page, nil
	}
	first, last := rows[0], rows[len(rows)-1]
	if filter.Backward {
		page.Pagination.Next = cursorFor(last)
		if more {
			page.Pagination.Previous = cursorFor(first)
		}
	} else {
		if more {
			page.Pagination.Next = cursorFor(last)
		}
		if filter.Cursor != nil {
			page.Pagination.Previous = cursorFor(first)
		}
	}
	return page, nil
}

// IterTokens walks every matching token page by page. Each range restarts
// from the query's own position.
func (s *Service) IterTokens(ctx context.Context, q ListTokensQuery) iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		query := q
		query.Before = ""
		for {
			page, err := s.ListTokens(ctx, query)
			if err != nil {
				yield(Token{}, err)
				return
			}
			for _, tok := range page.Data {
				if !yield(tok, nil) {
					return
				}
			}
			if page.Pagination.Next == "" {
				return
			}
			query.After = page.Pagination.Next
		}
	}
}

func (s *Service) listFilter(q ListTokensQuery) (ListFilter, error) {
	filter := ListFilter{
		EnvironmentID:  strings.TrimSpace(q.EnvironmentID),
		IdempotencyKey: strings.TrimSpace(q.IdempotencyKey),
		From:           q.From.UTC(),
		To:             q.To.UTC(),
		Limit:          q.Limit,
	}
	for _, st := range q.Status {
		if !st.Valid() {
			return filter, invalidInput("invalid status filter", map[string]any{"status": string(st)})
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	tags, err := normalizeTags(q.Tags)
	if err != nil {
		return filter, err
	}
	filter.Tags = tags

	if strings.TrimSpace(q.Period) != "" {
		if !q.From.IsZero() || !q.To.IsZero() {
			return filter, invalidInput("period cannot be combined with from/to", nil)
		}
		d, err := ParsePeriod(q.Period)
		if err != nil {
			return filter, err
		}
		filter.From = s.now().Add(-d).UTC()
	}

	switch {
	case filter.Limit < 0:
		return filter, invalidInput("limit must not be negative", map[string]any{"limit": q.Limit})
	case filter.Limit == 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}

	after, before := strings.TrimSpace(q.After), strings.TrimSpace(q.Before)
	if after != "" && before != "" {
		return filter, invalidInput("after and before are mutually exclusive", nil)
	}
	if after != "" {
		cursor, err := DecodeCursor(after)
		if err != nil {
			return filter, err
		}
		filter.Cursor = cursor
	}
	if before != "" {
		cursor, err := DecodeCursor(before)
		if err != nil {
			return filter, err
		}
		filter.Cursor = cursor
		filter.Backward = true
	}
	return filter, nil
}

// SweepTimeouts times out every WAITING token whose deadline has passed and
// returns how many transitions applied.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	if s == nil || s.store == nil {
		return 0, NewError(ErrStoreNotConfigured, "waitpoint service not configured", nil, nil)
	}
	applied := 0
	for {
		ids, err := s.store.ListDueTimeouts(ctx, s.now(), sweepBatchSize)
		if err != nil {
			return applied, err
		}
		progressed := false
		for _, id := range ids {
			res, err := s.TimeoutToken(ctx, id)
			if err != nil {
				return applied, err
			}
			if res.Applied {
				applied++
				progressed = true
			}
		}
		if len(ids) < sweepBatchSize || !progressed {
			return applied, nil
		}
	}
}

// CallbackURL returns the signed completion URL for a token.
func (s *Service) CallbackURL(id string) string {
	return fmt.Sprintf("%s/api/v1/waitpoints/tokens/%s/callback/%s", s.callbackBaseURL, id, CallbackHash(id, s.callbackSecret))
}

// VerifyCallback reports whether hash signs id.
func (s *Service) VerifyCallback(id, hash string) bool {
	want := CallbackHash(id, s.callbackSecret)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(hash))) == 1
}

// CallbackHash derives the unguessable path segment of a callback URL.
func CallbackHash(id, secret string) string {
	sum := sha256.Sum256([]byte(id + "." + secret))
	return hex.EncodeToString(sum[:])[:callbackHashLength]
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func encodeOutput(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append([]byte(nil), v...), nil
	case []byte:
		return append([]byte(nil), v...), nil
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return nil, invalidInput("completion data is not JSON encodable", map[string]any{"error": err.Error()})
		}
		return out, nil
	}
}
