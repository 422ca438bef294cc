package waitpoint

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidInput       = "WAITPOINT_INVALID_INPUT"
	ErrCodePastDeadline       = "WAITPOINT_PAST_DEADLINE"
	ErrCodeNoActiveTask       = "WAITPOINT_NO_TASK_CONTEXT"
	ErrCodeTimeout            = "WAITPOINT_TIMEOUT"
	ErrCodeStaleTransition    = "WAITPOINT_STALE_TRANSITION"
	ErrCodeNotFound           = "WAITPOINT_NOT_FOUND"
	ErrCodeStoreNotConfigured = "WAITPOINT_STORE_NOT_CONFIGURED"
)

var (
	ErrInvalidInput = apperrors.New("invalid input", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidInput)
	ErrPastDeadline = apperrors.New("date is in the past", apperrors.CategoryBadInput).
			WithTextCode(ErrCodePastDeadline)
	ErrNoActiveTaskContext = apperrors.New("wait primitives can only be used from inside a task run", apperrors.CategoryOperation).
				WithTextCode(ErrCodeNoActiveTask)
	ErrWaitpointTimeout = apperrors.New("waitpoint timed out", apperrors.CategoryOperation).
				WithTextCode(ErrCodeTimeout)
	ErrStaleTransition = apperrors.New("waitpoint already resolved", apperrors.CategoryConflict).
				WithTextCode(ErrCodeStaleTransition)
	ErrNotFound = apperrors.New("not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrStoreNotConfigured = apperrors.New("store not configured", apperrors.CategoryInternal).
				WithTextCode(ErrCodeStoreNotConfigured)
)

// NewError clones one of the sentinel errors with a call specific message,
// source and metadata. Sentinels are shared, so callers never mutate them.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidInput
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

var knownCodes = map[string]struct{}{
	ErrCodeInvalidInput:       {},
	ErrCodePastDeadline:       {},
	ErrCodeNoActiveTask:       {},
	ErrCodeTimeout:            {},
	ErrCodeStaleTransition:    {},
	ErrCodeNotFound:           {},
	ErrCodeStoreNotConfigured: {},
}

// ErrorCode returns the waitpoint text code carried by err, looking through
// wrappers such as the runner's RUN_FAILED. Foreign errors yield "".
func ErrorCode(err error) string {
	first := ""
	for err != nil {
		var ge *apperrors.Error
		if !stderrors.As(err, &ge) {
			break
		}
		if _, ok := knownCodes[ge.TextCode]; ok {
			return ge.TextCode
		}
		if first == "" {
			first = ge.TextCode
		}
		if ge.Source == nil {
			break
		}
		err = ge.Source
	}
	return first
}

func IsInvalidInput(err error) bool {
	code := ErrorCode(err)
	return code == ErrCodeInvalidInput || code == ErrCodePastDeadline
}

func IsPastDeadline(err error) bool { return ErrorCode(err) == ErrCodePastDeadline }

func IsNoActiveTaskContext(err error) bool { return ErrorCode(err) == ErrCodeNoActiveTask }

func IsWaitpointTimeout(err error) bool { return ErrorCode(err) == ErrCodeTimeout }

func IsStaleTransition(err error) bool { return ErrorCode(err) == ErrCodeStaleTransition }

func IsNotFound(err error) bool { return ErrorCode(err) == ErrCodeNotFound }

func invalidInput(message string, metadata map[string]any) error {
	return NewError(ErrInvalidInput, message, nil, metadata)
}

func tokenNotFound(id string) error {
	return NewError(ErrNotFound, "waitpoint token not found", nil, map[string]any{"token_id": id})
}
