package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/wait"
)

// Client calls a remote waitpoint server. It satisfies wait.API so task-side
// waits can run against a remote service.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	environmentID string
}

var _ wait.API = (*Client)(nil)

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithEnvironment sends EnvironmentHeader on every request.
func WithEnvironment(id string) ClientOption {
	return func(c *Client) { c.environmentID = strings.TrimSpace(id) }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) CreateToken(ctx context.Context, req waitpoint.CreateTokenRequest) (waitpoint.CreateTokenResponse, error) {
	body := createTokenBody{
		IdempotencyKey:    req.IdempotencyKey,
		IdempotencyKeyTTL: req.IdempotencyKeyTTL,
		Timeout:           req.Timeout,
		Tags:              req.Tags,
	}
	if body.Timeout == "" && !req.TimeoutAt.IsZero() {
		body.Timeout = req.TimeoutAt.UTC().Format(time.RFC3339Nano)
	}
	var out waitpoint.CreateTokenResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/waitpoints/tokens", nil, body, &out)
	return out, err
}

// CompleteToken sends data as the token output. Nil data completes with no
// output.
func (c *Client) CompleteToken(ctx context.Context, id string, data any) (waitpoint.CompleteTokenResponse, error) {
	raw, err := encodeData(data)
	if err != nil {
		return waitpoint.CompleteTokenResponse{}, err
	}
	body := completeTokenBody{Data: raw}
	var out waitpoint.CompleteTokenResponse
	err = c.do(ctx, http.MethodPost, "/api/v1/waitpoints/tokens/"+url.PathEscape(id)+"/complete", nil, body, &out)
	return out, err
}

// encodeData matches Service.CompleteToken: raw bytes are already JSON and go
// out as is, anything else is marshaled.
func encodeData(data any) (json.RawMessage, error) {
	var raw []byte
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return nil, waitpoint.NewError(waitpoint.ErrInvalidInput, "output is not JSON serializable", err, nil)
		}
		return out, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, waitpoint.NewError(waitpoint.ErrInvalidInput, "output bytes are not valid JSON", nil, nil)
	}
	return append(json.RawMessage(nil), raw...), nil
}

// Retrieve returns the token view including its callback URL.
func (c *Client) Retrieve(ctx context.Context, id string) (TokenView, error) {
	var out TokenView
	err := c.do(ctx, http.MethodGet, "/api/v1/waitpoints/tokens/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) RetrieveToken(ctx context.Context, id string) (*waitpoint.Token, error) {
	view, err := c.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	tok := view.Token()
	return &tok, nil
}

func (c *Client) ListTokens(ctx context.Context, q waitpoint.ListTokensQuery) (TokenListView, error) {
	params := url.Values{}
	for _, st := range q.Status {
		params.Add("status", string(st))
	}
	if q.IdempotencyKey != "" {
		params.Set("idempotencyKey", q.IdempotencyKey)
	}
	if len(q.Tags) > 0 {
		params.Set("tags", strings.Join(q.Tags, ","))
	}
	if q.Period != "" {
		params.Set("period", q.Period)
	}
	if !q.From.IsZero() {
		params.Set("from", q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.After != "" {
		params.Set("after", q.After)
	}
	if q.Before != "" {
		params.Set("before", q.Before)
	}
	var out TokenListView
	err := c.do(ctx, http.MethodGet, "/api/v1/waitpoints/tokens", params, nil, &out)
	return out, err
}

// IterTokens follows next cursors until the listing is exhausted.
func (c *Client) IterTokens(ctx context.Context, q waitpoint.ListTokensQuery) iter.Seq2[TokenView, error] {
	return func(yield func(TokenView, error) bool) {
		q.Before = ""
		for {
			page, err := c.ListTokens(ctx, q)
			if err != nil {
				yield(TokenView{}, err)
				return
			}
			for _, v := range page.Data {
				if !yield(v, nil) {
					return
				}
			}
			if page.Pagination.Next == "" {
				return
			}
			q.After = page.Pagination.Next
		}
	}
}

func (c *Client) WaitForDuration(ctx context.Context, runID string, req waitpoint.WaitForDurationRequest) (waitpoint.WaitForDurationResponse, error) {
	body := waitForDurationBody{
		Date:              req.Date,
		IdempotencyKey:    req.IdempotencyKey,
		IdempotencyKeyTTL: req.IdempotencyKeyTTL,
	}
	var out waitpoint.WaitForDurationResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/waitpoints/duration", nil, body, &out)
	return out, err
}

func (c *Client) WaitForToken(ctx context.Context, runID, tokenID string) (waitpoint.WaitForTokenResponse, error) {
	var out waitpoint.WaitForTokenResponse
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/waitpoints/tokens/" + url.PathEscape(tokenID) + "/wait"
	err := c.do(ctx, http.MethodPost, path, nil, nil, &out)
	return out, err
}

// RecomputeBatch asks the server to re-evaluate batch completion now.
func (c *Client) RecomputeBatch(ctx context.Context, batchID string) (string, error) {
	var out recomputeView
	err := c.do(ctx, http.MethodPost, "/api/v1/batches/"+url.PathEscape(batchID)+"/recompute", nil, nil, &out)
	return out.Outcome, err
}

// ReportRunStatus records a run status change for a batch member.
func (c *Client) ReportRunStatus(ctx context.Context, batchID, runID, status string) error {
	body := runStatusBody{EnvironmentID: c.environmentID, Status: status}
	return c.do(ctx, http.MethodPost, "/api/v1/batches/"+url.PathEscape(batchID)+"/runs/"+url.PathEscape(runID), nil, body, nil)
}

// TraceEvents fetches the span summary of a trace. store selects the event
// table the trace was written to.
func (c *Client) TraceEvents(ctx context.Context, traceID, store string, debug bool) ([]TraceEventView, error) {
	params := url.Values{}
	if store != "" {
		params.Set("store", store)
	}
	if debug {
		params.Set("debug", "true")
	}
	var out traceView
	err := c.do(ctx, http.MethodGet, "/api/v1/traces/"+url.PathEscape(traceID)+"/events", params, nil, &out)
	return out.Events, err
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return waitpoint.NewError(waitpoint.ErrInvalidInput, "encode request", err, nil)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return waitpoint.NewError(waitpoint.ErrInvalidInput, "build request", err, map[string]any{"url": target})
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.environmentID != "" {
		req.Header.Set(EnvironmentHeader, c.environmentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryExternal, "waitpoint request failed").
			WithTextCode(ErrCodeInternal).
			WithMetadata(map[string]any{"method": method, "path": path})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryExternal, "read response").WithTextCode(ErrCodeInternal)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var env errorEnvelope
		_ = json.Unmarshal(raw, &env)
		return errorFromBody(resp.StatusCode, env.Error)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryExternal, "decode response").WithTextCode(ErrCodeInternal)
	}
	return nil
}
