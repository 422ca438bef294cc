package wait

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-waitpoint"
)

// Completion is the terminal view of a token handed back by a Runtime.
type Completion struct {
	TokenID       string
	Status        waitpoint.Status
	Output        []byte
	OutputType    string
	OutputIsError bool
}

func completionOf(tok *waitpoint.Token) Completion {
	return Completion{
		TokenID:       tok.ID,
		Status:        tok.Status,
		Output:        append([]byte(nil), tok.Output...),
		OutputType:    tok.OutputType,
		OutputIsError: tok.OutputIsError,
	}
}

// Runtime suspends the calling task until a token is terminal. When deadline
// is set the runtime also resolves the token once the deadline passes.
type Runtime interface {
	WaitUntil(ctx context.Context, tokenID string, deadline *time.Time) (Completion, error)
}

// TokenSource is the token access LocalRuntime needs.
type TokenSource interface {
	RetrieveToken(ctx context.Context, id string) (*waitpoint.Token, error)
	TimeoutToken(ctx context.Context, id string) (waitpoint.TransitionResult, error)
}

// LocalRuntime blocks goroutines in process and resumes them from token
// transition notifications. Register Notify as a transition listener.
type LocalRuntime struct {
	source TokenSource

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

// NewLocalRuntime builds a runtime that reads token state from source.
func NewLocalRuntime(source TokenSource) *LocalRuntime {
	return &LocalRuntime{
		source:  source,
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
}

// Notify wakes every waiter blocked on tok. Its signature matches
// waitpoint.TransitionListener.
func (r *LocalRuntime) Notify(_ context.Context, tok waitpoint.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.waiters[tok.ID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Waiting returns how many goroutines are blocked on tokenID.
func (r *LocalRuntime) Waiting(tokenID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[tokenID])
}

func (r *LocalRuntime) WaitUntil(ctx context.Context, tokenID string, deadline *time.Time) (Completion, error) {
	if r == nil || r.source == nil {
		return Completion{}, waitpoint.NewError(waitpoint.ErrStoreNotConfigured, "local runtime not configured", nil, nil)
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return Completion{}, waitpoint.NewError(waitpoint.ErrInvalidInput, "token id required", nil, nil)
	}

	// register first so a transition between the read below and the select
	// still wakes us
	wake := r.register(tokenID)
	defer r.unregister(tokenID, wake)

	var expired <-chan time.Time
	if deadline != nil {
		timer := time.NewTimer(time.Until(*deadline))
		defer timer.Stop()
		expired = timer.C
	}

	for {
		tok, err := r.source.RetrieveToken(ctx, tokenID)
		if err != nil {
			return Completion{}, err
		}
		if tok.Status.IsTerminal() {
			return completionOf(tok), nil
		}

		select {
		case <-wake:
		case <-expired:
			expired = nil
			if _, err := r.source.TimeoutToken(ctx, tokenID); err != nil {
				return Completion{}, err
			}
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
	}
}

func (r *LocalRuntime) register(tokenID string) chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.waiters[tokenID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		r.waiters[tokenID] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (r *LocalRuntime) unregister(tokenID string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.waiters[tokenID]
	delete(set, ch)
	if len(set) == 0 {
		delete(r.waiters, tokenID)
	}
}
