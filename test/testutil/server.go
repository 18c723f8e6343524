package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/TheMichaelB/offsync/internal/models"
	"github.com/TheMichaelB/offsync/internal/transport"
)

// RemoteServer serves the remote store HTTP API from a MockRemote.
type RemoteServer struct {
	*httptest.Server
	Remote *transport.MockRemote

	down     atomic.Bool
	requests atomic.Int64
}

// NewRemoteServer starts a server closed at the end of the test.
func NewRemoteServer(t testing.TB) *RemoteServer {
	t.Helper()

	s := &RemoteServer{Remote: transport.NewMockRemote()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/records/{kind}", s.mutation(models.OpCreate))
	mux.HandleFunc("PATCH /v1/records/{kind}/{id}", s.mutation(models.OpUpdate))
	mux.HandleFunc("DELETE /v1/records/{kind}/{id}", s.mutation(models.OpDelete))
	mux.HandleFunc("POST /v1/records/{kind}/{id}/actions/{action}", s.mutation(models.OpAction))
	mux.HandleFunc("GET /v1/records/{kind}/{id}", s.fetch)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// SetDown makes every endpoint answer 503.
func (s *RemoteServer) SetDown(down bool) {
	s.down.Store(down)
}

// Requests returns the number of API requests served, health checks
// excluded.
func (s *RemoteServer) Requests() int64 {
	return s.requests.Load()
}

func (s *RemoteServer) mutation(kind models.OperationKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if s.down.Load() {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "maintenance")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}

		op := models.Operation{
			Kind:     kind,
			Entity:   r.PathValue("kind"),
			RecordID: r.PathValue("id"),
			Action:   r.PathValue("action"),
		}
		if len(body) > 0 {
			op.Data = body
		}

		res, err := transport.Apply(r.Context(), s.Remote, r.Header.Get(transport.HeaderIdempotencyKey), op)
		if err != nil {
			writeClassified(w, err)
			return
		}

		if res.Duplicate {
			w.Header().Set(transport.HeaderReplayed, "true")
		}
		status := http.StatusOK
		if kind == models.OpCreate && !res.Duplicate {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	}
}

func (s *RemoteServer) fetch(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if s.down.Load() {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "maintenance")
		return
	}

	payload, err := s.Remote.Fetch(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		writeClassified(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func writeClassified(w http.ResponseWriter, err error) {
	if models.IsTransient(err) {
		writeError(w, http.StatusServiceUnavailable, models.ErrorCode(err), err.Error())
		return
	}

	status := http.StatusUnprocessableEntity
	switch models.ErrorCode(err) {
	case models.ErrCodeAuth:
		status = http.StatusForbidden
	case models.ErrCodeNotFound:
		status = http.StatusNotFound
	case models.ErrCodeConflict:
		status = http.StatusConflict
	}
	writeError(w, status, models.ErrorCode(err), models.Reason(err))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, models.APIError{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
