// Package health exposes liveness and metrics over HTTP. The signal is an
// in-process flag the orchestrator halts on unrecoverable conditions, so
// the process supervisor restarts the whole process rather than letting a
// wedged pool linger.
package health

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Signal is a halt-once liveness flag, safe for concurrent use.
type Signal struct {
	halted atomic.Bool
}

// NewSignal returns a healthy signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Halt marks the process unhealthy. There is no way back: recovery is a
// process restart.
func (s *Signal) Halt() {
	s.halted.Store(true)
}

// Healthy reports the current state.
func (s *Signal) Healthy() bool {
	return !s.halted.Load()
}

// NewRouter builds the health/metrics router shared by every binary.
func NewRouter(signal *Signal, log *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !signal.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "halted")
			return
		}
		fmt.Fprintln(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Serve runs the HTTP listener until the server errors. Intended to be
// launched on its own goroutine from main.
func Serve(port int, router chi.Router, log *zap.Logger) {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("health listener starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("health listener failed", zap.Error(err))
	}
}
