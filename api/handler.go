// Package api serves the user store over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/a-poor/userdb/users"
)

// maxBodyBytes caps the size of a request body.
const maxBodyBytes = 1 << 20

// UserStore is the record access layer the handlers call.
type UserStore interface {
	Create(ctx context.Context, req users.CreateRequest) (users.User, error)
	Read(ctx context.Context, id string) (users.User, error)
	Update(ctx context.Context, id string, req users.CreateRequest) (users.User, error)
	Delete(ctx context.Context, id string) error
}

// Option configures the handler.
type Option func(*handler)

// WithMetrics serves the gatherer's metrics on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *handler) {
		h.gatherer = g
	}
}

type handler struct {
	store    UserStore
	logger   *zap.Logger
	gatherer prometheus.Gatherer
}

// NewHandler returns the HTTP handler for the user routes:
//
//	POST   /users       create, 201 + user
//	GET    /users/{id}  read, 200 + user or 404
//	PUT    /users/{id}  update, 200 + user (404 only for strict updates)
//	DELETE /users/{id}  delete, 204 or 404
//	GET    /healthz     liveness
func NewHandler(store UserStore, logger *zap.Logger, opts ...Option) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{
		store:  store,
		logger: logger.Named("api"),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /users", h.createUser)
	mux.HandleFunc("GET /users/{id}", h.getUser)
	mux.HandleFunc("PUT /users/{id}", h.updateUser)
	mux.HandleFunc("DELETE /users/{id}", h.deleteUser)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return h.logRequests(mux)
}

func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	req, err := decodeUserBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := h.store.Create(r.Context(), req)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.Read(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) updateUser(w http.ResponseWriter, r *http.Request) {
	req, err := decodeUserBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := h.store.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// userBody is the JSON body of create and update requests. Any
// "id" in the body is ignored.
type userBody struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

func decodeUserBody(r *http.Request) (users.CreateRequest, error) {
	var body userBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return users.CreateRequest{}, errors.New("request body must be a JSON object with string fields name and email")
	}
	if body.Name == nil {
		return users.CreateRequest{}, errors.New("name is required")
	}
	if body.Email == nil {
		return users.CreateRequest{}, errors.New("email is required")
	}
	return users.CreateRequest{
		Name:  *body.Name,
		Email: *body.Email,
	}, nil
}

// writeStoreError maps a store error to a status. Failures are
// already logged by the store, so only the status is written.
func (h *handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, users.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal server error")
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
