package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/buildctl/internal/token"
)

type staticTokens struct {
	value string
	err   error
}

func (s staticTokens) Token() (token.SignedToken, error) {
	if s.err != nil {
		return token.SignedToken{}, s.err
	}
	return token.SignedToken{Value: s.value}, nil
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func newTestClient(t *testing.T, serverURL string, options ...Option) *Client {
	t.Helper()
	options = append([]Option{
		WithBackOffFactory(fastBackOff),
		WithTimeout(5 * time.Second),
	}, options...)
	return NewClient(serverURL, staticTokens{value: "test-token"}, options...)
}

func TestListResourcesSucceedsAfterTransientFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"wf-1","kind":"workflows","name":"Nightly"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resources, err := client.ListResources(context.Background(), KindWorkflows)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "wf-1", resources[0].ID)

	// 500 twice then 200: success after exactly two retries.
	assert.Equal(t, int32(3), hits.Load())
}

func TestListResourcesExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.ListResources(context.Background(), KindWorkflows)
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindTransient, apiErr.Kind)
	assert.Equal(t, 3, apiErr.Attempts)
	assert.Equal(t, int32(3), hits.Load())
}

func TestGetStatusNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"no such build run"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.GetStatus(context.Background(), "run-404")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindNotFound, apiErr.Kind)
	assert.Equal(t, "no such build run", apiErr.Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestAuthorizationFailureIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.ListResources(context.Background(), KindBuilds)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAuthorization, apiErr.Kind)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRequestInvalidIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID","message":"scheme is required"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.CreateResource(context.Background(), WorkflowSpec{Name: "Nightly"})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRequestInvalid, apiErr.Kind)
	assert.Equal(t, "scheme is required", apiErr.Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestUnknownKindFailsBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.ListResources(context.Background(), "gadgets")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRequestInvalid, apiErr.Kind)
	assert.Equal(t, int32(0), hits.Load())
}

func TestSigningFailureIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	client := NewClient(server.URL, staticTokens{err: token.ErrSigningFailure},
		WithBackOffFactory(fastBackOff))

	_, err := client.ListResources(context.Background(), KindWorkflows)
	assert.ErrorIs(t, err, token.ErrSigningFailure)
	assert.Equal(t, int32(0), hits.Load())
}

func TestCreateResourceKeepsIdempotencyKeyAcrossRetries(t *testing.T) {
	var keys []string
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"wf-9","kind":"workflows","name":"Nightly"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	created, err := client.CreateResource(context.Background(), WorkflowSpec{
		Name:        "Nightly",
		TriggerType: "schedule",
		Scheme:      "App",
	})
	require.NoError(t, err)
	assert.Equal(t, "wf-9", created.ID)

	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1], "retried create must reuse the idempotency key")
}

func TestDryRunRequestMatchesWireRequest(t *testing.T) {
	type received struct {
		method string
		path   string
		idem   string
		body   []byte
	}
	var got received
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = received{
			method: r.Method,
			path:   r.URL.Path,
			idem:   r.Header.Get("Idempotency-Key"),
			body:   body,
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"wf-1"}`))
	}))
	defer server.Close()

	spec := WorkflowSpec{
		Name:        "Release",
		TriggerType: "tag",
		TagPattern:  "v*",
		Scheme:      "App",
		Actions:     []WorkflowAction{{Name: "archive", Platform: "iOS"}},
	}

	client := newTestClient(t, server.URL,
		WithIdempotencyKeyFunc(func() string { return "fixed-key" }))

	preview, err := client.CreateResourceRequest(spec)
	require.NoError(t, err)

	_, err = client.CreateResource(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, preview.Method, got.method)
	assert.Equal(t, preview.Path, got.path)
	assert.Equal(t, preview.Header.Get("Idempotency-Key"), got.idem)
	assert.JSONEq(t, string(preview.Body), string(got.body))
}

func TestWorkflowSpecRoundTrip(t *testing.T) {
	var stored WorkflowSpec
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Resource{ID: "wf-1", Kind: KindWorkflows, Name: stored.Name, Workflow: &stored})
	})
	mux.HandleFunc("GET /v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(listResponse{Data: []Resource{
			{ID: "wf-1", Kind: KindWorkflows, Name: stored.Name, Workflow: &stored},
		}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	spec := WorkflowSpec{
		Name:          "PR checks",
		Description:   "runs on every pull request",
		TriggerType:   "pull_request",
		BranchPattern: "main",
		Scheme:        "App",
		Actions: []WorkflowAction{
			{Name: "build", Platform: "iOS"},
			{Name: "test", Platform: "iOS", Destination: "simulator"},
		},
	}

	client := newTestClient(t, server.URL)

	_, err := client.CreateResource(context.Background(), spec)
	require.NoError(t, err)

	resources, err := client.ListResources(context.Background(), KindWorkflows)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.NotNil(t, resources[0].Workflow)
	assert.Equal(t, spec, *resources[0].Workflow)
}

func TestTimeoutIsClassifiedAndRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithTimeout(20*time.Millisecond))

	_, err := client.ListResources(context.Background(), KindWorkflows)
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindTimeout, apiErr.Kind)
	assert.Equal(t, 3, apiErr.Attempts)
	assert.Equal(t, int32(3), hits.Load())
}

func TestCancellationStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t, server.URL)

	_, err := client.ListResources(ctx, KindWorkflows)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWaitForRunPollsUntilTerminal(t *testing.T) {
	statuses := []string{StatusQueued, StatusRunning, StatusCompleted}
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(hits.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		_ = json.NewEncoder(w).Encode(BuildRun{ID: "run-1", Status: statuses[i]})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	run, err := client.WaitForRun(context.Background(), "run-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, int32(3), hits.Load())
}
