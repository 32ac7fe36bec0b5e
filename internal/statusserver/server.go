// Package statusserver exposes the status events and the error log of a
// running pipeline over HTTP.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/CZERTAINLY/denovo/internal/status"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 5 * time.Second

// Source is the run state served, status.Log implements it.
type Source interface {
	Events(from int) []status.Event
	Errors() []status.Entry
	Summary() status.Summary
}

type Server struct {
	src    Source
	runID  string
	router chi.Router
}

func New(src Source, runID string) *Server {
	s := &Server{src: src, runID: runID}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/events", s.events)
		r.Get("/errors", s.errors)
		r.Get("/summary", s.summary)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve handles requests on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.InfoContext(ctx, "status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
	Run    string `json:"run"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Run: s.runID})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	from := 0
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "from must be a non-negative integer")
			return
		}
		from = n
	}
	writeJSON(w, http.StatusOK, s.src.Events(from))
}

func (s *Server) errors(w http.ResponseWriter, _ *http.Request) {
	entries := s.src.Errors()
	if entries == nil {
		entries = []status.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type summaryResponse struct {
	status.Summary
	Outcome string `json:"outcome"`
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	sum := s.src.Summary()
	writeJSON(w, http.StatusOK, summaryResponse{Summary: sum, Outcome: sum.Outcome()})
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	var body errorResponse
	body.Error.Code = errCode
	body.Error.Message = msg
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}
