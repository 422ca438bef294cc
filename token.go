package waitpoint

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a waitpoint token.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusTimedOut
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusCompleted, StatusTimedOut:
		return true
	default:
		return false
	}
}

// ParseStatus accepts any casing of the known statuses.
func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(value)))
	return status, status.Valid()
}

// Type separates tokens resolved by a caller from tokens resolved by a date.
type Type string

const (
	// TypeManual tokens are completed explicitly or time out.
	TypeManual Type = "MANUAL"
	// TypeDateTime tokens back duration waits and complete when their date passes.
	TypeDateTime Type = "DATETIME"
)

const (
	DefaultOutputType = "application/json"
	MaxTags           = 10
	MaxTagLength      = 128
)

// Token is one durable rendezvous point.
type Token struct {
	ID                      string
	Type                    Type
	Status                  Status
	EnvironmentID           string
	IdempotencyKey          string
	IdempotencyKeyExpiresAt time.Time
	TimeoutAt               time.Time
	Tags                    []string
	Output                  []byte
	OutputType              string
	OutputIsError           bool
	CreatedAt               time.Time
	CompletedAt             time.Time
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	cp.Output = append([]byte(nil), t.Output...)
	return &cp
}

// TimeoutMessage extracts the message of a timeout error payload.
func (t *Token) TimeoutMessage() string {
	if t == nil || !t.OutputIsError || len(t.Output) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(t.Output, &payload); err != nil {
		return string(t.Output)
	}
	return payload.Message
}

// CreateTokenRequest carries the caller options for CreateToken.
type CreateTokenRequest struct {
	EnvironmentID     string
	IdempotencyKey    string
	IdempotencyKeyTTL string
	// Timeout is a period ("10m", "24h", "7d") or an RFC3339 date.
	Timeout   string
	TimeoutAt time.Time
	Tags      []string
}

type CreateTokenResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	IsCached bool   `json:"isCached"`
}

type CompleteTokenResponse struct {
	Success bool `json:"success"`
	// Status is the status held by the token after the call.
	Status Status `json:"status,omitempty"`
}

// TransitionResult reports whether a terminal transition applied.
type TransitionResult struct {
	TokenID string
	Applied bool
	Status  Status
}

type WaitForDurationRequest struct {
	Date              time.Time
	IdempotencyKey    string
	IdempotencyKeyTTL string
}

type WaitForDurationResponse struct {
	Waitpoint WaitpointRef `json:"waitpoint"`
}

type WaitpointRef struct {
	ID string `json:"id"`
}

type WaitForTokenResponse struct {
	Success bool `json:"success"`
}

func normalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if len(tag) > MaxTagLength {
			return nil, invalidInput("tag is too long", map[string]any{"tag": tag, "max_length": MaxTagLength})
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) > MaxTags {
		return nil, invalidInput("too many tags", map[string]any{"count": len(out), "max": MaxTags})
	}
	sort.Strings(out)
	return out, nil
}

func hasAnyTag(tags []string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		for _, t := range tags {
			if t == w {
				return true
			}
		}
	}
	return false
}
