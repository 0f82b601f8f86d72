// Package httpapi exposes the store over a small JSON HTTP API, mainly
// useful for manual testing and demos: PUT/GET/DELETE on /api/kv, plus
// /health and /stats.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lsmkv/lsmkv/pkg/dberrors"
	"github.com/lsmkv/lsmkv/pkg/store"
)

const (
	defaultShutdownTimeout = 5 * time.Second
)

// storeAPI is the subset of *store.Store the HTTP layer depends on.
type storeAPI interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, bool, error)
	Delete(key []byte) error
	Stats() store.Stats
}

// Server is the HTTP front end over a store.
type Server struct {
	store      storeAPI
	httpServer *http.Server
	addr       string
}

// NewServer builds a Server that will listen on the given port once
// Start is called.
func NewServer(store storeAPI, port int) *Server {
	return &Server{
		store: store,
		addr:  fmt.Sprintf(":%d", port),
	}
}

// Start begins serving in the background. It returns once the listener
// is set up; a failure while serving is logged, not returned, since by
// then the caller has already moved on to waiting on a shutdown signal.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", s.addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("httpapi: server error", "error", err)
		}
	}()

	slog.Info("httpapi: server started", "addr", s.addr)
	return nil
}

// Stop gracefully shuts the server down, giving in-flight requests up
// to 5 seconds to finish.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	return nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Put("/api/kv", s.handlePut)
	r.Get("/api/kv", s.handleGet)
	r.Delete("/api/kv", s.handleDelete)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("httpapi: failed to encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Stats())
}

type putRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("invalid JSON body"))
		return
	}
	if req.Key == "" {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("missing key"))
		return
	}

	if err := s.store.Put([]byte(req.Key), []byte(req.Value)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("missing key"))
		return
	}

	value, found, err := s.store.Get([]byte(key))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, newErrorResponse("key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, newValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse("missing key"))
		return
	}

	if err := s.store.Delete([]byte(key)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSuccessResponse())
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		s.writeJSON(w, http.StatusBadRequest, newErrorResponse(err.Error()))
	case errors.Is(err, dberrors.ErrClosed):
		s.writeJSON(w, http.StatusServiceUnavailable, newErrorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusInternalServerError, newErrorResponse(err.Error()))
	}
}
