package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultTTL applies when a key is supplied without an explicit TTL.
const DefaultTTL = 30 * 24 * time.Hour

var ErrInvalidRecord = errors.New("idempotency record requires namespace, key and resource id")

// Scope identifies one idempotency boundary. Namespace separates independent
// creation paths (for example an environment, or a single run).
type Scope struct {
	Namespace string
	Key       string
}

func (s Scope) normalize() Scope {
	return Scope{
		Namespace: strings.TrimSpace(s.Namespace),
		Key:       strings.TrimSpace(s.Key),
	}
}

// Valid reports whether the scope carries both a namespace and a key.
func (s Scope) Valid() bool {
	norm := s.normalize()
	return norm.Namespace != "" && norm.Key != ""
}

func (s Scope) String() string {
	norm := s.normalize()
	return norm.Namespace + "::" + norm.Key
}

// Record maps a scope to the resource created under it until ExpiresAt.
type Record struct {
	Scope      Scope
	ResourceID string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Live reports whether the record still resolves at now.
func (r *Record) Live(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// Registry is a TTL scoped index from (namespace, key) to a resource id.
type Registry interface {
	// Lookup returns the live record for scope, or nil when absent or expired.
	Lookup(ctx context.Context, scope Scope, now time.Time) (*Record, error)
	// Reserve stores rec unless a live record already holds the scope. When one
	// does, it is returned together with false and nothing is written.
	Reserve(ctx context.Context, rec Record, now time.Time) (*Record, bool, error)
	// Release drops the mapping for scope when it still points at resourceID.
	Release(ctx context.Context, scope Scope, resourceID string) error
}

// InMemoryRegistry keeps idempotency records in memory.
type InMemoryRegistry struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewInMemoryRegistry constructs an empty in-memory registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		records: make(map[string]*Record),
	}
}

func (r *InMemoryRegistry) Lookup(_ context.Context, scope Scope, now time.Time) (*Record, error) {
	if r == nil {
		return nil, errors.New("idempotency registry not configured")
	}
	if !scope.Valid() {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[scope.String()]
	if !ok || !rec.Live(now) {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (r *InMemoryRegistry) Reserve(_ context.Context, rec Record, now time.Time) (*Record, bool, error) {
	if r == nil {
		return nil, false, errors.New("idempotency registry not configured")
	}
	rec, err := normalizeRecord(rec, now)
	if err != nil {
		return nil, false, err
	}
	key := rec.Scope.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.records[key]; ok && current.Live(now) {
		return cloneRecord(current), false, nil
	}
	r.records[key] = cloneRecord(&rec)
	return cloneRecord(&rec), true, nil
}

func (r *InMemoryRegistry) Release(_ context.Context, scope Scope, resourceID string) error {
	if r == nil {
		return errors.New("idempotency registry not configured")
	}
	key := scope.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.records[key]; ok && current.ResourceID == strings.TrimSpace(resourceID) {
		delete(r.records, key)
	}
	return nil
}

// Len returns the number of stored records, expired ones included.
func (r *InMemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func normalizeRecord(rec Record, now time.Time) (Record, error) {
	rec.Scope = rec.Scope.normalize()
	rec.ResourceID = strings.TrimSpace(rec.ResourceID)
	if !rec.Scope.Valid() || rec.ResourceID == "" {
		return rec, ErrInvalidRecord
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(DefaultTTL)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}
