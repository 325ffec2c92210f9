// Package admin serves the operational surface of the daemon: Prometheus
// metrics, health, resource statistics and on-demand recovery over HTTP, and
// per-resource readiness over the gRPC health protocol.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sushant-115/transx/core/recovery"
	"github.com/sushant-115/transx/pkg/connection"
	"github.com/sushant-115/transx/pkg/managed"
)

// Server holds the resources it reports on.
type Server struct {
	coord   *recovery.Coordinator
	metrics http.Handler
	logger  *zap.Logger
	health  *health.Server

	mu        sync.RWMutex
	resources map[string]*managed.Resource
}

// New builds a server; metrics may be nil.
func New(coord *recovery.Coordinator, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Server{
		coord:     coord,
		metrics:   metrics,
		logger:    logger.Named("admin"),
		health:    health.NewServer(),
		resources: make(map[string]*managed.Resource),
	}
}

// Add makes r visible to the endpoints and to health checks.
func (s *Server) Add(r *managed.Resource) {
	s.mu.Lock()
	s.resources[r.Name()] = r
	s.mu.Unlock()
	s.SyncHealth()
}

func (s *Server) list() []*managed.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*managed.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *Server) lookup(name string) (*managed.Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[name]
	return r, ok
}

// Health is the gRPC health service. Each resource is a service name; the
// empty name is SERVING once every resource is.
func (s *Server) Health() healthpb.HealthServer { return s.health }

// SyncHealth publishes the current readiness of every resource.
func (s *Server) SyncHealth() {
	all := healthpb.HealthCheckResponse_SERVING
	for _, r := range s.list() {
		st := healthpb.HealthCheckResponse_SERVING
		if !r.Recovered() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			all = st
		}
		s.health.SetServingStatus(r.Name(), st)
	}
	s.health.SetServingStatus("", all)
}

// WatchHealth calls SyncHealth every interval until ctx ends, then marks
// everything NOT_SERVING.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.SyncHealth()
		}
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Method(http.MethodGet, "/metrics", s.metrics)
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/resources", s.handleListResources)
		r.Get("/resources/{name}", s.handleGetResource)
		r.Post("/recover", s.handleRecover)
		r.Post("/resources/{name}/recover", s.handleRecoverResource)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// ResourceView is the JSON form of a resource.
type ResourceView struct {
	Name       string                      `json:"name"`
	XA         bool                        `json:"xa"`
	Recovered  bool                        `json:"recovered"`
	Closed     bool                        `json:"closed"`
	Totals     connection.PartitionStats   `json:"totals"`
	Partitions []connection.PartitionStats `json:"partitions"`
	Recovery   *RecoveryView               `json:"last_recovery,omitempty"`
}

// RecoveryView is the JSON form of a recovery report.
type RecoveryView struct {
	Resource string         `json:"resource"`
	Attempts int            `json:"attempts,omitempty"`
	Scanned  int            `json:"scanned"`
	Outcomes map[string]int `json:"outcomes,omitempty"`
	Error    string         `json:"error,omitempty"`
	Finished time.Time      `json:"finished"`
}

func recoveryView(rep recovery.ResourceReport) *RecoveryView {
	v := &RecoveryView{
		Resource: rep.Resource,
		Attempts: rep.Attempts,
		Scanned:  rep.Scanned,
		Finished: rep.Finished,
	}
	for _, res := range rep.Resolutions {
		if v.Outcomes == nil {
			v.Outcomes = make(map[string]int)
		}
		v.Outcomes[string(res.Outcome)]++
	}
	if rep.Err != nil {
		v.Error = rep.Err.Error()
	}
	return v
}

func (s *Server) view(r *managed.Resource) ResourceView {
	st := r.Stats()
	v := ResourceView{
		Name:       r.Name(),
		XA:         r.XATransactions(),
		Recovered:  r.Recovered(),
		Closed:     st.Closed,
		Totals:     st.Totals(),
		Partitions: st.Partitions,
	}
	if s.coord != nil {
		if rep, ok := s.coord.LastReport(r.Name()); ok {
			v.Recovery = recoveryView(rep)
		}
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	waiting := []string{}
	for _, res := range s.list() {
		if !res.Recovered() {
			waiting = append(waiting, res.Name())
		}
	}
	if len(waiting) > 0 {
		status = http.StatusServiceUnavailable
		body["status"] = "recovering"
		body["waiting"] = waiting
	}
	writeJSON(w, status, body)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources := s.list()
	views := make([]ResourceView, 0, len(resources))
	for _, res := range resources {
		views = append(views, s.view(res))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	writeJSON(w, http.StatusOK, s.view(res))
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		writeError(w, http.StatusNotImplemented, "recovery is not configured")
		return
	}
	rep := s.coord.Recover(r.Context())
	s.SyncHealth()
	views := make([]*RecoveryView, 0, len(rep.Resources))
	for _, rr := range rep.Resources {
		views = append(views, recoveryView(rr))
	}
	status := http.StatusOK
	if len(rep.Failed()) > 0 {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, views)
}

func (s *Server) handleRecoverResource(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		writeError(w, http.StatusNotImplemented, "recovery is not configured")
		return
	}
	name := chi.URLParam(r, "name")
	if _, ok := s.lookup(name); !ok {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	rep, err := s.coord.RecoverResource(r.Context(), name)
	s.SyncHealth()
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, recoveryView(rep))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
