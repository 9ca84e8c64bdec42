package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/backup"
	"github.com/FairForge/bastion/internal/failover"
	"github.com/FairForge/bastion/internal/scheduler"
)

// Handler serves the admin surface. It is read-only apart from two
// explicit operator actions: manual failover and database promotion.
type Handler struct {
	catalog    *backup.Catalog
	deploy     *failover.Machine
	database   *failover.Machine
	deployOrch *failover.Orchestrator
	promoter   *failover.Promoter
	sched      *scheduler.Scheduler
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
}

// NewHandler creates the admin API handler. Any collaborator may be nil;
// its endpoints then answer 404.
func NewHandler(catalog *backup.Catalog, deploy, database *failover.Machine,
	sched *scheduler.Scheduler, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		catalog:  catalog,
		deploy:   deploy,
		database: database,
		sched:    sched,
		gatherer: gatherer,
		logger:   logger,
	}
}

// WithDeployOrchestrator enables the manual failover trigger endpoint.
func (h *Handler) WithDeployOrchestrator(o *failover.Orchestrator) *Handler {
	h.deployOrch = o
	return h
}

// WithPromoter enables the database promotion endpoint.
func (h *Handler) WithPromoter(p *failover.Promoter) *Handler {
	h.promoter = p
	return h
}

// Router builds the chi router for the admin surface.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/failover/status", h.FailoverStatus)
		// The only mutations on this surface are explicit operator requests.
		r.Post("/failover/trigger", h.TriggerFailover)
		r.Post("/database/promote", h.PromoteDatabase)
		r.Get("/backups", h.ListBackups)
		r.Get("/backups/{id}", h.GetBackup)
		r.Get("/scheduler/status", h.SchedulerStatus)
	})
	return r
}

// Healthz answers liveness probes.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type failoverStatusResponse struct {
	Deployment *machineStatus `json:"deployment,omitempty"`
	Database   *machineStatus `json:"database,omitempty"`
}

type machineStatus struct {
	State          failover.Status `json:"state"`
	RequiresManual bool            `json:"requires_manual"`
}

// FailoverStatus reports both state machines.
func (h *Handler) FailoverStatus(w http.ResponseWriter, r *http.Request) {
	if h.deploy == nil && h.database == nil {
		http.NotFound(w, r)
		return
	}
	resp := failoverStatusResponse{}
	if h.deploy != nil {
		resp.Deployment = &machineStatus{State: h.deploy.Status(), RequiresManual: h.deploy.RequiresManual()}
	}
	if h.database != nil {
		resp.Database = &machineStatus{State: h.database.Status(), RequiresManual: h.database.RequiresManual()}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListBackups returns catalog records, optionally filtered by component.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		http.NotFound(w, r)
		return
	}
	var comp backup.Component
	if c := r.URL.Query().Get("component"); c != "" {
		comp = backup.Component(c)
		if !backup.ValidComponent(comp) {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown component"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, h.catalog.List(comp))
}

// GetBackup returns a single catalog record.
func (h *Handler) GetBackup(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		http.NotFound(w, r)
		return
	}
	rec, ok := h.catalog.Get(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// TriggerFailover performs a manual deployment switch. The target must
// still pass its health check; all state machine rules apply.
func (h *Handler) TriggerFailover(w http.ResponseWriter, r *http.Request) {
	if h.deployOrch == nil {
		http.NotFound(w, r)
		return
	}
	if err := h.deployOrch.TriggerManual(r.Context()); err != nil {
		h.logger.Warn("manual failover refused", zap.Error(err))
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "switched"})
}

// PromoteDatabase runs a gated replica promotion on operator request.
func (h *Handler) PromoteDatabase(w http.ResponseWriter, r *http.Request) {
	if h.promoter == nil {
		http.NotFound(w, r)
		return
	}
	if err := h.promoter.Promote(r.Context()); err != nil {
		h.logger.Warn("database promotion refused", zap.Error(err))
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "promoted"})
}

type schedulerStatusResponse struct {
	Entries []scheduler.ScheduleEntry `json:"entries"`
}

// SchedulerStatus reports the schedule table snapshot.
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, http.StatusOK, schedulerStatusResponse{Entries: h.sched.Entries()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode admin response", zap.Error(err))
	}
}

// Server wraps the admin surface in an http.Server with sane timeouts.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates the admin HTTP server.
func NewServer(addr string, handler *Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler.Router(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin api listening", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
