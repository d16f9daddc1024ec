package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sevigo/docbias-scanner/internal/server/handler"
)

// Deps bundles the handlers NewRouter wires in, so the router itself stays
// free of any construction logic.
type Deps struct {
	Scans *handler.ScansHandler
	Locks *handler.LocksHandler
	WS    *handler.ProgressWSHandler
}

// NewRouter builds the chi mux exposing the scan pipeline's operational
// surface: health/metrics, a progress websocket, and the internal trigger
// endpoints used for local testing and lock visibility.
func NewRouter(deps Deps, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	// No request timeout on the websocket route: a progress stream is
	// meant to stay open for a scan's full duration, not 60 seconds.
	r.Get("/ws/scans/{id}", deps.WS.Serve)

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/scans", deps.Scans.Trigger)
		r.Get("/locks/stats", deps.Locks.Stats)
	})

	return r
}
