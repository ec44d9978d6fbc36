package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fabprov/pkg/engine"
)

type fakeTokens struct {
	gets        atomic.Int32
	invalidates atomic.Int32
	rejected    atomic.Value
}

func (f *fakeTokens) GetToken(context.Context) (string, time.Time, error) {
	n := f.gets.Add(1)
	return "token-" + string(rune('0'+n)), time.Now().Add(time.Hour), nil
}

func (f *fakeTokens) Invalidate(token string) {
	f.invalidates.Add(1)
	f.rejected.Store(token)
}

func newTestClient(t *testing.T, srv *httptest.Server, tokens TokenSource) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/v1"
	cfg.MaxAttempts = 3
	cfg.InitialInterval = 5 * time.Millisecond
	cfg.MaxInterval = 20 * time.Millisecond
	cfg.Budget = 5 * time.Second
	cfg.HTTPClient = srv.Client()
	if tokens == nil {
		tokens = &fakeTokens{}
	}
	c, err := NewClient(cfg, tokens)
	require.NoError(t, err)
	return c
}

func TestSendSuccessNormalizesBody(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotBody, _ = payload["displayName"].(string)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"workspaceId":"ws-123"},"displayName":"W"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Send(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/workspaces",
		Body:   map[string]string{"displayName": "W"},
	})
	require.NoError(t, err)

	assert.Equal(t, ClassSuccess, resp.Class)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ws-123", resp.ResourceID)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "/v1/workspaces", gotPath)
	assert.Equal(t, "W", gotBody)
}

func TestServerErrorsRetriedUpToMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"ServiceBusy","message":"try later"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodPost, Path: "workspaces"})
	require.NoError(t, err)

	assert.Equal(t, ClassServerError, resp.Class)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, "try later", resp.FailureReason)
	assert.Equal(t, "ServiceBusy", resp.ErrorCode)
	assert.True(t, engine.IsServer(resp.Err("create")))
}

func TestServerErrorThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/workspaces/abc"})
	require.NoError(t, err)
	assert.Equal(t, ClassSuccess, resp.Class)
	assert.Equal(t, "abc", resp.ResourceID)
	assert.Equal(t, 2, resp.Attempts)
}

func TestRetryAfterHonoured(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"later"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	start := time.Now()
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, ClassSuccess, resp.Class)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound, http.StatusTooManyRequests} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		c := newTestClient(t, srv, nil)
		resp, err := c.Send(context.Background(), &Request{Method: http.MethodPost, Path: "/workspaces"})
		require.NoError(t, err)
		assert.Equal(t, Classify(status), resp.Class, "status %d", status)
		assert.Equal(t, int32(1), calls.Load(), "status %d must not be retried", status)
		srv.Close()
	}
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"ok"}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{}
	c := newTestClient(t, srv, tokens)
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/workspaces"})
	require.NoError(t, err)
	assert.Equal(t, ClassSuccess, resp.Class)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), tokens.invalidates.Load())
	assert.Equal(t, "token-1", tokens.rejected.Load(), "the rejected token is reported")
}

func TestRepeatedUnauthorizedIsAuthExpired(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/workspaces"})
	require.NoError(t, err)
	assert.Equal(t, ClassAuthExpired, resp.Class)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, engine.IsAuth(resp.Err("list")))
}

func TestAcceptedExtractsOperationURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v1/operations/op-1")
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodPost, Path: "/workspaces/p/warehouses"})
	require.NoError(t, err)
	assert.Equal(t, ClassAccepted, resp.Class)
	assert.Equal(t, srv.URL+"/v1/operations/op-1", resp.OperationURL)
}

func TestAcceptedBodyLinkFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"operationUrl":"https://ops.example.com/op-9"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodPost, Path: "/items"})
	require.NoError(t, err)
	assert.Equal(t, "https://ops.example.com/op-9", resp.OperationURL)
}

func TestNoRetrySendsOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/ops/1", NoRetry: true})
	require.NoError(t, err)
	assert.Equal(t, ClassServerError, resp.Class)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelledContextIsError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, &Request{Method: http.MethodGet, Path: "/slow"})
	require.Error(t, err)
	assert.True(t, engine.IsCancelled(err), "got %v", err)
}

func TestBudgetBoundsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.MaxAttempts = 1000
	cfg.InitialInterval = 20 * time.Millisecond
	cfg.MaxInterval = 50 * time.Millisecond
	cfg.Budget = 300 * time.Millisecond
	cfg.HTTPClient = srv.Client()
	c, err := NewClient(cfg, &fakeTokens{})
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, ClassServerError, resp.Class)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Greater(t, resp.Attempts, 1)
}

func TestListingItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"value": [
				{"id": "n1", "displayName": "1.GenerateData", "type": "Notebook"},
				{"id": "ra1", "principal": {"id": "user-1", "type": "User"}, "role": "Admin"}
			],
			"continuationUri": "https://next.example.com/page2"
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/workspaces/p/items"})
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, engine.ListedItem{ID: "n1", DisplayName: "1.GenerateData", Type: "Notebook"}, resp.Items[0])
	assert.Equal(t, "user-1", resp.Items[1].PrincipalID)
	assert.Equal(t, "https://next.example.com/page2", resp.ContinuationURI)
	assert.Empty(t, resp.ResourceID)
}

func TestResponseHelpers(t *testing.T) {
	dup := &Response{Class: ClassClientError, StatusCode: 400, ErrorCode: "ItemDisplayNameAlreadyInUse"}
	assert.True(t, dup.IsDuplicate())
	assert.True(t, (&Response{Class: ClassConflict}).IsDuplicate())
	assert.False(t, (&Response{Class: ClassClientError, ErrorCode: "InvalidInput"}).IsDuplicate())

	notFound := (&Response{Class: ClassNotFound, StatusCode: 404}).Err("lookup")
	assert.True(t, engine.IsNotFound(notFound))

	limited := (&Response{Class: ClassClientError, StatusCode: 429}).Err("create")
	assert.Equal(t, engine.ErrorClassClient, engine.ClassOf(limited))

	assert.NoError(t, (&Response{Class: ClassSuccess}).Err("create"))
}

func TestResolve(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := newTestClient(t, srv, nil)

	got, err := c.Resolve("workspaces")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/v1/workspaces", got)

	got, err = c.Resolve("https://other.example.com/op")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/op", got)
}
