package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/EternisAI/buildctl/internal/token"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	idempotencyHeader  = "Idempotency-Key"
)

// TokenSource supplies a valid bearer token for each request, reusing a
// cached one until it nears expiry.
type TokenSource interface {
	Token() (token.SignedToken, error)
}

// Request is a fully constructed API exchange, before the authorization
// header is attached. Immutable once built; dry-run mode renders it instead
// of sending it.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// URL renders the absolute request URL against the given base.
func (r Request) URL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/") + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}
	return u
}

// Client issues authenticated requests against the Build Cloud API. One
// request is in flight at a time; transient failures are retried with
// exponential backoff and jitter.
type Client struct {
	baseURL     string
	tokens      TokenSource
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts int
	newBackOff  func() backoff.BackOff
	newIdemKey  func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithMaxAttempts sets the total number of HTTP attempts per operation.
func WithMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.maxAttempts = attempts
	}
}

// WithBackOffFactory replaces the backoff schedule, used by tests to avoid
// real waits.
func WithBackOffFactory(factory func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = factory
	}
}

// WithIdempotencyKeyFunc replaces the idempotency key generator.
func WithIdempotencyKeyFunc(generate func() string) Option {
	return func(c *Client) {
		c.newIdemKey = generate
	}
}

func NewClient(baseURL string, tokens TokenSource, options ...Option) *Client {
	client := &Client{
		baseURL:     baseURL,
		tokens:      tokens,
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		newIdemKey: uuid.NewString,
	}

	for _, option := range options {
		option(client)
	}

	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}

	return client
}

// ListResourcesRequest builds the request ListResources would send.
func (c *Client) ListResourcesRequest(kind string) (Request, error) {
	if !validKind(kind) {
		return Request{}, &Error{
			Kind:    KindRequestInvalid,
			Message: fmt.Sprintf("unknown resource kind %q, valid kinds: %s", kind, strings.Join(ResourceKinds, ", ")),
		}
	}
	return Request{
		Method: http.MethodGet,
		Path:   "/v1/" + kind,
		Header: http.Header{},
	}, nil
}

// ListResources fetches all resources of the given kind.
func (c *Client) ListResources(ctx context.Context, kind string) ([]Resource, error) {
	req, err := c.ListResourcesRequest(kind)
	if err != nil {
		return nil, err
	}

	var out listResponse
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CreateResourceRequest builds the request CreateResource would send. The
// idempotency key is generated here and stays constant across retries of
// the exchange, so the API can deduplicate a retried create.
func (c *Client) CreateResourceRequest(spec WorkflowSpec) (Request, error) {
	if spec.Name == "" {
		return Request{}, &Error{Kind: KindRequestInvalid, Message: "workflow spec has no name"}
	}

	body, err := json.Marshal(spec)
	if err != nil {
		return Request{}, &Error{Kind: KindRequestInvalid, Message: fmt.Sprintf("encode workflow spec: %v", err)}
	}

	header := http.Header{}
	header.Set(idempotencyHeader, c.newIdemKey())

	return Request{
		Method: http.MethodPost,
		Path:   "/v1/workflows",
		Header: header,
		Body:   body,
	}, nil
}

// CreateResource registers a new workflow definition.
func (c *Client) CreateResource(ctx context.Context, spec WorkflowSpec) (Resource, error) {
	req, err := c.CreateResourceRequest(spec)
	if err != nil {
		return Resource{}, err
	}

	var out Resource
	if err := c.do(ctx, req, &out); err != nil {
		return Resource{}, err
	}
	return out, nil
}

// TriggerActionRequest builds the request TriggerAction would send.
func (c *Client) TriggerActionRequest(workflowID string, params TriggerParams) (Request, error) {
	if workflowID == "" {
		return Request{}, &Error{Kind: KindRequestInvalid, Message: "workflow ID is required"}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return Request{}, &Error{Kind: KindRequestInvalid, Message: fmt.Sprintf("encode trigger params: %v", err)}
	}

	header := http.Header{}
	header.Set(idempotencyHeader, c.newIdemKey())

	return Request{
		Method: http.MethodPost,
		Path:   "/v1/workflows/" + url.PathEscape(workflowID) + "/builds",
		Header: header,
		Body:   body,
	}, nil
}

// TriggerAction starts a build run for the workflow.
func (c *Client) TriggerAction(ctx context.Context, workflowID string, params TriggerParams) (BuildRun, error) {
	req, err := c.TriggerActionRequest(workflowID, params)
	if err != nil {
		return BuildRun{}, err
	}

	var out BuildRun
	if err := c.do(ctx, req, &out); err != nil {
		return BuildRun{}, err
	}
	return out, nil
}

// GetStatusRequest builds the request GetStatus would send.
func (c *Client) GetStatusRequest(runID string) (Request, error) {
	if runID == "" {
		return Request{}, &Error{Kind: KindRequestInvalid, Message: "build run ID is required"}
	}
	return Request{
		Method: http.MethodGet,
		Path:   "/v1/builds/" + url.PathEscape(runID),
		Header: http.Header{},
	}, nil
}

// GetStatus fetches the current status of a build run.
func (c *Client) GetStatus(ctx context.Context, runID string) (BuildRun, error) {
	req, err := c.GetStatusRequest(runID)
	if err != nil {
		return BuildRun{}, err
	}

	var out BuildRun
	if err := c.do(ctx, req, &out); err != nil {
		return BuildRun{}, err
	}
	return out, nil
}

// WaitForRun polls GetStatus until the run reaches a terminal state or the
// context is canceled.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (BuildRun, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetStatus(ctx, runID)
		if err != nil {
			return BuildRun{}, err
		}
		if run.Terminal() {
			return run, nil
		}

		slog.Debug("Build run still in progress", "run_id", runID, "status", run.Status)

		select {
		case <-ctx.Done():
			return BuildRun{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// do performs the exchange with retry. Transient and timeout failures are
// retried up to maxAttempts total; everything else surfaces immediately.
func (c *Client) do(ctx context.Context, req Request, out any) error {
	attempts := 0

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		return c.attempt(ctx, req, out)
	}

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxAttempts-1)), ctx)

	err := backoff.RetryNotify(operation, schedule, func(err error, wait time.Duration) {
		slog.Warn("Request failed, retrying",
			"method", req.Method, "path", req.Path, "wait", wait, "error", err)
	})
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			apiErr.Attempts = attempts
		}
		return err
	}

	return nil
}

func (c *Client) attempt(ctx context.Context, req Request, out any) error {
	tok, err := c.tokens.Token()
	if err != nil {
		// Signing failures will not self-resolve; do not retry.
		return backoff.Permanent(err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL(c.baseURL), body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if parentErr := ctx.Err(); parentErr != nil {
			return backoff.Permanent(parentErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Message: fmt.Sprintf("request exceeded %s deadline", c.timeout)}
		}
		// Connection-level failures are treated like server unavailability.
		return &Error{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	apiErr := &Error{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    readErrorMessage(resp),
	}
	if apiErr.Retryable() {
		return apiErr
	}
	return backoff.Permanent(apiErr)
}

func readErrorMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(raw) == 0 {
		return http.StatusText(resp.StatusCode)
	}

	var parsed errorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func validKind(kind string) bool {
	for _, k := range ResourceKinds {
		if k == kind {
			return true
		}
	}
	return false
}
