package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

// RegistryFacade is the slice of the Component Registry the debug
// surface needs for a single-instance snapshot.
type RegistryFacade interface {
	Instance(componentID string) (*model.ComponentInstance, bool)
	ComponentIDs() []string
}

// MetricsHandler exposes the Observability subsystem's Prometheus
// collectors and issue ledger.
type MetricsHandler interface {
	Handler() http.Handler
}

// Server is the optional debug/metrics HTTP listener (spec.md §6). It
// is never required for the runtime to function: every route here is a
// read-only diagnostic.
type Server struct {
	log      zerolog.Logger
	registry RegistryFacade
	metrics  MetricsHandler
	router   *Router
	started  time.Time
}

// New builds the debug HTTP handler. metrics may be nil, in which case
// /metrics responds 404.
func New(log zerolog.Logger, registry RegistryFacade, metrics MetricsHandler) *Server {
	s := &Server{log: log, registry: registry, metrics: metrics, router: NewRouter(), started: time.Now()}
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/debug/components", s.handleListComponents)
	s.router.GET(`/debug/components/(?P<id>[^/]+)`, s.handleComponentSnapshot)
	if metrics != nil {
		s.router.GET("/metrics", s.handleMetrics)
	}
	return s
}

// Handler returns the http.Handler to mount (e.g. on a *http.Server).
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"uptime_sec": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"component_ids": s.registry.ComponentIDs(),
	})
}

func (s *Server) handleComponentSnapshot(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r, "id")
	inst, ok := s.registry.Instance(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "component_not_found", "component_id": id})
		return
	}
	state, version := inst.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"component_id": inst.ComponentID,
		"type":         inst.Type,
		"parent_id":    inst.ParentID,
		"state":        state,
		"version":      version,
		"lifecycle":    inst.Lifecycle(),
		"subscribers":  inst.Subscribers(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
	}
}
