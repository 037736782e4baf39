package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/chargepilot/chargepilot/pkg/battery"
	"github.com/chargepilot/chargepilot/pkg/clock"
	"github.com/chargepilot/chargepilot/pkg/log"
	"github.com/chargepilot/chargepilot/pkg/status"
	"github.com/chargepilot/chargepilot/pkg/store"
	"github.com/chargepilot/chargepilot/pkg/wake"
)

// Server is the operator control surface. Its side effects are confined to
// the store, the wake signal, and the delete-active safe-stop path.
type Server struct {
	store   *store.Store
	battery battery.Controller
	clk     clock.Clock
	wake    *wake.Signal
	tracker *status.Tracker

	listenAddr string
	apiKey     string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(s *store.Store, b battery.Controller, clk clock.Clock, w *wake.Signal, tracker *status.Tracker) *Server {
	srv := &Server{
		store:   s,
		battery: b,
		clk:     clk,
		wake:    w,
		tracker: tracker,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	apiKey := lflag.String("status-api-key", "", "API key required to push status updates; empty rejects all updates")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.apiKey = *apiKey
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /putSchedule", s.handlePutSchedule)
	mux.HandleFunc("DELETE /delSchedule/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("GET /getPendingSchedules", s.handlePendingSchedules)
	mux.HandleFunc("GET /getRecentDecisions", s.handleRecentDecisions)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /update_status", s.handleUpdateStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}
