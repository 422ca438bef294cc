package httpapi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/goliatone/go-waitpoint"
)

// TokenView is the JSON shape of a retrieved or listed token.
type TokenView struct {
	ID                      string           `json:"id"`
	URL                     string           `json:"url"`
	Type                    waitpoint.Type   `json:"type,omitempty"`
	Status                  waitpoint.Status `json:"status"`
	CompletedAt             *time.Time       `json:"completedAt,omitempty"`
	TimeoutAt               *time.Time       `json:"timeoutAt,omitempty"`
	IdempotencyKey          string           `json:"idempotencyKey,omitempty"`
	IdempotencyKeyExpiresAt *time.Time       `json:"idempotencyKeyExpiresAt,omitempty"`
	Tags                    []string         `json:"tags"`
	CreatedAt               time.Time        `json:"createdAt"`
	Output                  json.RawMessage  `json:"output,omitempty"`
	OutputType              string           `json:"outputType,omitempty"`
	OutputIsError           bool             `json:"outputIsError,omitempty"`
}

// TokenListView is one page of token summaries.
type TokenListView struct {
	Data       []TokenView          `json:"data"`
	Pagination waitpoint.Pagination `json:"pagination"`
}

func viewOf(tok waitpoint.Token, url string, withOutput bool) TokenView {
	v := TokenView{
		ID:                      tok.ID,
		URL:                     url,
		Type:                    tok.Type,
		Status:                  tok.Status,
		CompletedAt:             optionalTime(tok.CompletedAt),
		TimeoutAt:               optionalTime(tok.TimeoutAt),
		IdempotencyKey:          tok.IdempotencyKey,
		IdempotencyKeyExpiresAt: optionalTime(tok.IdempotencyKeyExpiresAt),
		Tags:                    tok.Tags,
		CreatedAt:               tok.CreatedAt,
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	if withOutput && len(tok.Output) > 0 {
		v.Output = rawOutput(tok.Output)
		v.OutputType = tok.OutputType
		v.OutputIsError = tok.OutputIsError
	}
	return v
}

// Token converts the view back into a waitpoint.Token.
func (v TokenView) Token() waitpoint.Token {
	tok := waitpoint.Token{
		ID:             v.ID,
		Status:         v.Status,
		IdempotencyKey: v.IdempotencyKey,
		Tags:           v.Tags,
		CreatedAt:      v.CreatedAt,
		Output:         []byte(v.Output),
		OutputType:     v.OutputType,
		OutputIsError:  v.OutputIsError,
		Type:           v.Type,
	}
	if v.CompletedAt != nil {
		tok.CompletedAt = *v.CompletedAt
	}
	if v.TimeoutAt != nil {
		tok.TimeoutAt = *v.TimeoutAt
	}
	if v.IdempotencyKeyExpiresAt != nil {
		tok.IdempotencyKeyExpiresAt = *v.IdempotencyKeyExpiresAt
	}
	return tok
}

func rawOutput(out []byte) json.RawMessage {
	if json.Valid(out) {
		return json.RawMessage(out)
	}
	quoted, _ := json.Marshal(string(out))
	return json.RawMessage(quoted)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one = strings.TrimSpace(one); one != "" {
			*s = stringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type createTokenBody struct {
	IdempotencyKey    string     `json:"idempotencyKey,omitempty"`
	IdempotencyKeyTTL string     `json:"idempotencyKeyTTL,omitempty"`
	Timeout           string     `json:"timeout,omitempty"`
	Tags              stringList `json:"tags,omitempty"`
}

type completeTokenBody struct {
	Data json.RawMessage `json:"data,omitempty"`
}

type waitForDurationBody struct {
	Date              time.Time `json:"date"`
	IdempotencyKey    string    `json:"idempotencyKey,omitempty"`
	IdempotencyKeyTTL string    `json:"idempotencyKeyTTL,omitempty"`
}

type recomputeView struct {
	BatchID string `json:"batchId"`
	Outcome string `json:"outcome"`
}

type runStatusBody struct {
	EnvironmentID string `json:"environmentId,omitempty"`
	Status        string `json:"status"`
}

type traceView struct {
	TraceID string           `json:"traceId"`
	Events  []TraceEventView `json:"events"`
}

type TraceEventView struct {
	SpanID      string        `json:"spanId"`
	ParentID    string        `json:"parentId,omitempty"`
	RunID       string        `json:"runId,omitempty"`
	Message     string        `json:"message"`
	StartTime   time.Time     `json:"startTime"`
	Duration    time.Duration `json:"duration"`
	IsError     bool          `json:"isError,omitempty"`
	IsPartial   bool          `json:"isPartial,omitempty"`
	IsCancelled bool          `json:"isCancelled,omitempty"`
	Level       string        `json:"level"`
	Kind        string        `json:"kind"`
}
