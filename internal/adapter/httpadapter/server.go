// Package httpadapter serves the operational endpoints (health, readiness,
// metrics) and a read-only JSON API over alerts, areas and threat history.
package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/firewatch-service/internal/domain"
)

// Default windows when a request has none.
const (
	defaultThreatWindow = 24 * time.Hour
	defaultStatsWindow  = 7 * 24 * time.Hour
)

// Service is the query surface the API reads from.
type Service interface {
	sharedobs.ReadinessChecker
	ActiveAlerts(min domain.Severity) []domain.Alert
	Alert(id string) (domain.Alert, error)
	AlertStats(window time.Duration) domain.AlertStats
	Areas() []domain.ProtectedArea
	ThreatHistory(areaID string, window time.Duration) ([]domain.ThreatRecord, error)
}

// Server exposes health, readiness, metrics and the query API.
type Server struct {
	httpServer *http.Server
	svc        Service
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /api/v1 routes.
func NewServer(addr string, svc Service, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		svc:    svc,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(svc))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/alerts/active", s.handleActiveAlerts)
	mux.HandleFunc("GET /api/v1/alerts/stats", s.handleAlertStats)
	mux.HandleFunc("GET /api/v1/alerts/{id}", s.handleAlert)
	mux.HandleFunc("GET /api/v1/areas", s.handleAreas)
	mux.HandleFunc("GET /api/v1/areas/{id}/threats", s.handleThreats)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type listResponse[T any] struct {
	Count int `json:"count"`
	Items []T `json:"items"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Count: len(items), Items: items}
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	min := domain.SeverityMedium
	if v := r.URL.Query().Get("min_severity"); v != "" {
		sev, err := domain.ParseSeverity(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		min = sev
	}
	writeJSON(w, http.StatusOK, list(s.svc.ActiveAlerts(min)))
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Alert(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r, defaultStatsWindow)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.AlertStats(window))
}

func (s *Server) handleAreas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, list(s.svc.Areas()))
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r, defaultThreatWindow)
	if !ok {
		return
	}
	records, err := s.svc.ThreatHistory(r.PathValue("id"), window)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list(records))
}

// parseWindow reads the window query parameter, writing a 400 when it is not
// a positive duration.
func parseWindow(w http.ResponseWriter, r *http.Request, def time.Duration) (time.Duration, bool) {
	v := r.URL.Query().Get("window")
	if v == "" {
		return def, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("window must be a positive duration, e.g. 6h"))
		return 0, false
	}
	return d, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.logger.Error("api lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}
