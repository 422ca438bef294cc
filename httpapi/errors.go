package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-waitpoint"
)

const (
	ErrCodeInternal        = "WAITPOINT_INTERNAL"
	ErrCodeInvalidCallback = "WAITPOINT_INVALID_CALLBACK"
	ErrCodeInvalidBody     = "WAITPOINT_INVALID_BODY"
)

// ErrorBody is the wire shape of a failed call.
type ErrorBody struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Category string         `json:"category,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error *ErrorBody `json:"error"`
}

// HTTPStatusForError maps waitpoint error codes to HTTP statuses.
func HTTPStatusForError(err error) int {
	switch waitpoint.ErrorCode(err) {
	case waitpoint.ErrCodeInvalidInput, waitpoint.ErrCodePastDeadline, ErrCodeInvalidBody:
		return http.StatusBadRequest
	case waitpoint.ErrCodeNotFound:
		return http.StatusNotFound
	case waitpoint.ErrCodeStaleTransition:
		return http.StatusConflict
	case waitpoint.ErrCodeNoActiveTask:
		return http.StatusUnprocessableEntity
	case ErrCodeInvalidCallback:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBodyFor builds the wire error for err. Internal errors hide their text.
func ErrorBodyFor(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) || strings.TrimSpace(ge.TextCode) == "" {
		return &ErrorBody{Code: ErrCodeInternal, Message: "internal error"}
	}
	if HTTPStatusForError(err) == http.StatusInternalServerError {
		return &ErrorBody{Code: ge.TextCode, Message: "internal error", Category: string(ge.Category)}
	}
	return &ErrorBody{
		Code:     ge.TextCode,
		Message:  ge.Message,
		Category: string(ge.Category),
		Details:  ge.Metadata,
	}
}

var sentinelsByCode = map[string]*apperrors.Error{
	waitpoint.ErrCodeInvalidInput:       waitpoint.ErrInvalidInput,
	waitpoint.ErrCodePastDeadline:       waitpoint.ErrPastDeadline,
	waitpoint.ErrCodeNoActiveTask:       waitpoint.ErrNoActiveTaskContext,
	waitpoint.ErrCodeTimeout:            waitpoint.ErrWaitpointTimeout,
	waitpoint.ErrCodeStaleTransition:    waitpoint.ErrStaleTransition,
	waitpoint.ErrCodeNotFound:           waitpoint.ErrNotFound,
	waitpoint.ErrCodeStoreNotConfigured: waitpoint.ErrStoreNotConfigured,
}

// errorFromBody rebuilds a classified error on the client side so the
// waitpoint.IsX helpers keep working across the wire.
func errorFromBody(status int, body *ErrorBody) error {
	if body == nil {
		return apperrors.New(http.StatusText(status), apperrors.CategoryExternal).
			WithTextCode(ErrCodeInternal).
			WithMetadata(map[string]any{"http_status": status})
	}
	if base, ok := sentinelsByCode[body.Code]; ok {
		return waitpoint.NewError(base, body.Message, nil, body.Details)
	}
	return apperrors.New(body.Message, apperrors.CategoryExternal).
		WithTextCode(body.Code).
		WithMetadata(map[string]any{"http_status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatusForError(err), errorEnvelope{Error: ErrorBodyFor(err)})
}

func badBody(err error) error {
	return apperrors.Wrap(err, apperrors.CategoryBadInput, "malformed request body").WithTextCode(ErrCodeInvalidBody)
}
