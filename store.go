package waitpoint

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Transition is the terminal write applied when a token leaves WAITING.
type Transition struct {
	Status        Status
	Output        []byte
	OutputType    string
	OutputIsError bool
	CompletedAt   time.Time
}

// ListFilter selects tokens for one page. Forward pages walk newest first and
// stay strictly older than Cursor; backward pages walk oldest first and stay
// strictly newer than Cursor.
type ListFilter struct {
	EnvironmentID  string
	Statuses       []Status
	IdempotencyKey string
	Tags           []string
	From           time.Time
	To             time.Time
	Cursor         *Cursor
	Backward       bool
	Limit          int
}

// Store persists tokens. TransitionIfWaiting must be atomic: of two racing
// transitions on the same token exactly one reports applied.
type Store interface {
	Insert(ctx context.Context, tok *Token) error
	// Get returns nil without error when the token does not exist.
	Get(ctx context.Context, id string) (*Token, error)
	// TransitionIfWaiting applies t only while the token is WAITING and returns
	// the token as stored after the call. A nil token means it does not exist.
	TransitionIfWaiting(ctx context.Context, id string, t Transition) (*Token, bool, error)
	List(ctx context.Context, filter ListFilter) ([]*Token, error)
	// ListDueTimeouts returns ids of WAITING tokens whose deadline is at or before now.
	ListDueTimeouts(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// InMemoryStore keeps tokens in memory.
type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewInMemoryStore constructs an empty in-memory token store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tokens: make(map[string]*Token)}
}

func (s *InMemoryStore) Insert(_ context.Context, tok *Token) error {
	if s == nil {
		return NewError(ErrStoreNotConfigured, "token store not configured", nil, nil)
	}
	if tok == nil || strings.TrimSpace(tok.ID) == "" {
		return errors.New("token id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[tok.ID]; exists {
		return errors.New("token " + tok.ID + " already exists")
	}
	s.tokens[tok.ID] = tok.Clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Token, error) {
	if s == nil {
		return nil, NewError(ErrStoreNotConfigured, "token store not configured", nil, nil)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[strings.TrimSpace(id)].Clone(), nil
}

func (s *InMemoryStore) TransitionIfWaiting(_ context.Context, id string, t Transition) (*Token, bool, error) {
	if s == nil {
		return nil, false, NewError(ErrStoreNotConfigured, "token store not configured", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tokens[strings.TrimSpace(id)]
	if !ok {
		return nil, false, nil
	}
	if current.Status != StatusWaiting {
		return current.Clone(), false, nil
	}
	applyTransition(current, t)
	return current.Clone(), true, nil
}

func (s *InMemoryStore) List(_ context.Context, filter ListFilter) ([]*Token, error) {
	if s == nil {
		return nil, NewError(ErrStoreNotConfigured, "token store not configured", nil, nil)
	}
	s.mu.RLock()
	matched := make([]*Token, 0)
	for _, tok := range s.tokens {
		if filter.matches(tok) {
			matched = append(matched, tok.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if filter.Backward {
			return newerThan(matched[j], matched[i])
		}
		return newerThan(matched[i], matched[j])
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *InMemoryStore) ListDueTimeouts(_ context.Context, now time.Time, limit int) ([]string, error) {
	if s == nil {
		return nil, NewError(ErrStoreNotConfigured, "token store not configured", nil, nil)
	}
	s.mu.RLock()
	due := make([]*Token, 0)
	for _, tok := range s.tokens {
		if tok.Status == StatusWaiting && !tok.TimeoutAt.IsZero() && !tok.TimeoutAt.After(now) {
			due = append(due, tok)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TimeoutAt.Before(due[j].TimeoutAt) })
	ids := make([]string, 0, len(due))
	for _, tok := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, tok.ID)
	}
	s.mu.RUnlock()
	return ids, nil
}

func (f ListFilter) matches(tok *Token) bool {
	if tok == nil {
		return false
	}
	if f.EnvironmentID != "" && tok.EnvironmentID != f.EnvironmentID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if tok.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.IdempotencyKey != "" && tok.IdempotencyKey != f.IdempotencyKey {
		return false
	}
	if !hasAnyTag(tok.Tags, f.Tags) {
		return false
	}
	if !f.From.IsZero() && tok.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tok.CreatedAt.After(f.To) {
		return false
	}
	if f.Cursor != nil {
		if f.Backward {
			return f.Cursor.olderThan(tok)
		}
		return f.Cursor.newerThan(tok)
	}
	return true
}

// newerThan orders by (CreatedAt desc, ID desc).
func newerThan(a, b *Token) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func applyTransition(tok *Token, t Transition) {
	tok.Status = t.Status
	tok.Output = append([]byte(nil), t.Output...)
	tok.OutputType = t.OutputType
	tok.OutputIsError = t.OutputIsError
	tok.CompletedAt = t.CompletedAt.UTC()
}
