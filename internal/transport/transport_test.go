package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offsync/internal/config"
	"github.com/TheMichaelB/offsync/internal/events"
	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/transport"
)

func newClient(t *testing.T, baseURL string) *transport.HTTPClient {
	t.Helper()

	cfg := &config.RemoteConfig{
		BaseURL:    baseURL,
		Token:      "test-token",
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		RetryDelay: 5 * time.Millisecond,
		UserAgent:  "test",
	}

	var buf bytes.Buffer
	return transport.NewHTTPClient(cfg, events.NewTestLogger(events.DebugLevel, "json", &buf))
}

func TestHTTPClientCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/records/note", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get(transport.HeaderIdempotencyKey))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"title":"hello"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"srv-1","record":{"id":"srv-1","title":"hello"}}`))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	op := models.Operation{Kind: models.OpCreate, Entity: "note", RecordID: "local-1", Data: json.RawMessage(`{"title":"hello"}`)}

	result, err := transport.Apply(context.Background(), client, "key-1", op)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", result.RecordID)
	assert.JSONEq(t, `{"id":"srv-1","title":"hello"}`, string(result.Record))
	assert.False(t, result.Duplicate)
	assert.False(t, result.AppliedAt.IsZero())
}

func TestHTTPClientRoutes(t *testing.T) {
	tests := []struct {
		name   string
		op     models.Operation
		method string
		path   string
	}{
		{"update", models.Operation{Kind: models.OpUpdate, Entity: "note", RecordID: "7", Data: json.RawMessage(`{}`)}, http.MethodPatch, "/v1/records/note/7"},
		{"delete", models.Operation{Kind: models.OpDelete, Entity: "note", RecordID: "7"}, http.MethodDelete, "/v1/records/note/7"},
		{"action", models.Operation{Kind: models.OpAction, Entity: "task", RecordID: "9", Action: "complete"}, http.MethodPost, "/v1/records/task/9/actions/complete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.method, r.Method)
				assert.Equal(t, tt.path, r.URL.Path)
				w.Header().Set(transport.HeaderReplayed, "true")
				w.WriteHeader(http.StatusNoContent)
			}))
			defer server.Close()

			result, err := transport.Apply(context.Background(), newClient(t, server.URL), "k", tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.op.RecordID, result.RecordID)
			assert.True(t, result.Duplicate)
		})
	}
}

func TestHTTPClientDeleteNotFoundIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	op := models.Operation{Kind: models.OpDelete, Entity: "note", RecordID: "gone"}
	result, err := newClient(t, server.URL).ApplyDelete(context.Background(), "k", op)
	require.NoError(t, err)
	assert.Equal(t, "gone", result.RecordID)
}

func TestHTTPClientStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		class  models.ErrorClass
		code   string
	}{
		{http.StatusRequestTimeout, models.ClassTransient, models.ErrCodeTimeout},
		{http.StatusTooEarly, models.ClassTransient, models.ErrCodeServerBusy},
		{http.StatusTooManyRequests, models.ClassTransient, models.ErrCodeServerBusy},
		{http.StatusInternalServerError, models.ClassTransient, models.ErrCodeServerBusy},
		{http.StatusServiceUnavailable, models.ClassTransient, models.ErrCodeServerBusy},
		{http.StatusBadRequest, models.ClassPermanent, models.ErrCodeValidation},
		{http.StatusUnprocessableEntity, models.ClassPermanent, models.ErrCodeValidation},
		{http.StatusUnauthorized, models.ClassPermanent, models.ErrCodeAuth},
		{http.StatusForbidden, models.ClassPermanent, models.ErrCodeAuth},
		{http.StatusNotFound, models.ClassPermanent, models.ErrCodeNotFound},
		{http.StatusConflict, models.ClassPermanent, models.ErrCodeConflict},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"x","message":"server says no"}`))
			}))
			defer server.Close()

			op := models.Operation{Kind: models.OpUpdate, Entity: "note", RecordID: "1", Data: json.RawMessage(`{}`)}
			_, err := newClient(t, server.URL).ApplyUpdate(context.Background(), "k", op)
			require.Error(t, err)
			assert.Equal(t, tt.class, models.Classify(err))
			assert.Equal(t, tt.code, models.ErrorCode(err))

			var apiErr *models.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			if tt.class == models.ClassPermanent {
				assert.Equal(t, "server says no", models.Reason(err))
			}
		})
	}
}

func TestHTTPClientMutationsAreSingleShot(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	op := models.Operation{Kind: models.OpCreate, Entity: "note", RecordID: "local-1", Data: json.RawMessage(`{}`)}
	_, err := newClient(t, server.URL).ApplyCreate(context.Background(), "k", op)
	assert.True(t, models.IsTransient(err))
	assert.EqualValues(t, 1, hits.Load())
}

func TestHTTPClientNetworkAndTimeout(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		op := models.Operation{Kind: models.OpCreate, Entity: "note", RecordID: "local-1"}
		_, err := newClient(t, url).ApplyCreate(context.Background(), "k", op)
		assert.True(t, models.IsTransient(err))
		assert.Equal(t, models.ErrCodeNetwork, models.ErrorCode(err))
	})

	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		op := models.Operation{Kind: models.OpCreate, Entity: "note", RecordID: "local-1"}
		_, err := newClient(t, server.URL).ApplyCreate(ctx, "k", op)
		assert.True(t, models.IsTransient(err))
		assert.Equal(t, models.ErrCodeTimeout, models.ErrorCode(err))
	})
}

func TestHTTPClientFetchRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/records/note/1", r.URL.Path)
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"1","title":"a"}`))
	}))
	defer server.Close()

	payload, err := newClient(t, server.URL).Fetch(context.Background(), "note", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","title":"a"}`, string(payload))
	assert.EqualValues(t, 3, attempts.Load())
}

func TestHTTPClientFetchPermanentNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).Fetch(context.Background(), "note", "1")
	assert.True(t, models.IsPermanent(err))
	assert.EqualValues(t, 1, attempts.Load())
}

func TestHTTPClientToken(t *testing.T) {
	client := newClient(t, "http://example.invalid")
	assert.Equal(t, "test-token", client.GetToken())
}

func TestApplyUnknownKind(t *testing.T) {
	_, err := transport.Apply(context.Background(), transport.NewMockRemote(), "k", models.Operation{Kind: "upsert"})
	assert.True(t, models.IsPermanent(err))
}

// emptyRemote acknowledges every write without a result body.
type emptyRemote struct{}

func (emptyRemote) ApplyCreate(context.Context, string, models.Operation) (*models.RemoteResult, error) {
	return nil, nil
}

func (emptyRemote) ApplyUpdate(context.Context, string, models.Operation) (*models.RemoteResult, error) {
	return nil, nil
}

func (emptyRemote) ApplyDelete(context.Context, string, models.Operation) (*models.RemoteResult, error) {
	return nil, nil
}

func (emptyRemote) ApplyAction(context.Context, string, models.Operation) (*models.RemoteResult, error) {
	return nil, nil
}

func (emptyRemote) Fetch(context.Context, string, string) (json.RawMessage, error) {
	return nil, nil
}

func TestApplyFillsMissingResult(t *testing.T) {
	for _, kind := range []models.OperationKind{models.OpCreate, models.OpUpdate, models.OpDelete, models.OpAction} {
		t.Run(string(kind), func(t *testing.T) {
			op := models.Operation{Kind: kind, Entity: "note", RecordID: "7", Action: "pin"}

			res, err := transport.Apply(context.Background(), emptyRemote{}, "k", op)
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.Equal(t, "7", res.RecordID)
		})
	}
}
