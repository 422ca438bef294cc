package wait

import (
	"encoding/json"
	"time"

	"github.com/goliatone/go-waitpoint"
)

// TimeoutError is the failure side of a token that timed out.
type TimeoutError struct {
	TokenID string
	Message string
}

func (e *TimeoutError) Error() string {
	if e == nil || e.Message == "" {
		return "waitpoint timed out"
	}
	return e.Message
}

// Result is the outcome of waiting on a token: OK with Output when the token
// completed, or not OK with Err when it timed out.
type Result[T any] struct {
	OK     bool
	Output T
	Err    *TimeoutError
}

// Unwrap returns the output, or a WaitpointTimeout error when the token timed out.
func (r Result[T]) Unwrap() (T, error) {
	return Unwrap(r)
}

// Unwrap returns r.Output, or a WaitpointTimeout error when r is not OK.
func Unwrap[T any](r Result[T]) (T, error) {
	if r.OK {
		return r.Output, nil
	}
	var zero T
	te := r.Err
	if te == nil {
		te = &TimeoutError{}
	}
	return zero, waitpoint.NewError(waitpoint.ErrWaitpointTimeout, te.Error(), te, map[string]any{
		"token_id": te.TokenID,
	})
}

func decodeResult[T any](c Completion) (Result[T], error) {
	if c.Status == waitpoint.StatusTimedOut || c.OutputIsError {
		return Result[T]{Err: &TimeoutError{TokenID: c.TokenID, Message: timeoutMessage(c.Output)}}, nil
	}
	var out T
	if err := decodeOutput(c.Output, &out); err != nil {
		return Result[T]{}, err
	}
	return Result[T]{OK: true, Output: out}, nil
}

func decodeOutput(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return waitpoint.NewError(waitpoint.ErrInvalidInput, "token output does not match the requested type", err, nil)
	}
	return nil
}

func timeoutMessage(raw []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return "waitpoint timed out"
}

// RetrievedToken is a token view with its output decoded as T.
type RetrievedToken[T any] struct {
	ID                      string
	URL                     string
	Status                  waitpoint.Status
	IdempotencyKey          string
	IdempotencyKeyExpiresAt time.Time
	TimeoutAt               time.Time
	Tags                    []string
	CreatedAt               time.Time
	CompletedAt             time.Time
	// Output is set once the token completed successfully.
	Output *T
	// Err is set once the token timed out.
	Err *TimeoutError
}
