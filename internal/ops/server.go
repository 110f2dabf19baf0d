package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"

	"github.com/quantfabric/xconnect/pkg/config"
	"github.com/quantfabric/xconnect/pkg/health"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/metrics"
	"github.com/quantfabric/xconnect/pkg/runtime"
	"github.com/quantfabric/xconnect/pkg/service"
)

// RuntimeProvider is implemented by services that expose their runtime for
// lifecycle control beyond plain start/stop.
type RuntimeProvider interface {
	Runtime() *runtime.Service
}

// Server is the operator HTTP server.
type Server struct {
	cfg      config.OpsConfig
	router   *chi.Mux
	registry *service.Registry
	health   *health.Registry
	metrics  *metrics.Metrics
	auth     *Auth
	logger   *logging.Logger
	server   *http.Server
}

// NewServer wires the operator surface over the service registry.
func NewServer(cfg config.OpsConfig, reg *service.Registry, healthReg *health.Registry, m *metrics.Metrics, logger *logging.Logger) (*Server, error) {
	auth, err := NewAuth(cfg.JWTSecret, cfg.AdminUser, cfg.AdminPassHash, cfg.TokenExpiry)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	r := chi.NewRouter()
	s := &Server{
		cfg:      cfg,
		router:   r,
		registry: reg,
		health:   healthReg,
		metrics:  m,
		auth:     auth,
		logger:   logger.WithField("component", "ops"),
		server: &http.Server{
			Addr:    cfg.Addr,
			Handler: r,
		},
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogging)
	s.router.Use(s.recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	limit := s.cfg.RequestsPerMin
	if limit <= 0 {
		limit = 120
	}
	s.router.Use(httprate.LimitByIP(limit, time.Minute))
}

func (s *Server) setupRoutes() {
	// Public surface.
	s.router.Group(func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/healthz", s.handleHealth)
		if s.metrics != nil {
			r.Get("/metrics", s.metrics.Handler().ServeHTTP)
		}
	})

	// Operator surface, admin token required.
	s.router.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(s.auth.TokenAuth()))
		r.Use(jwtauth.Authenticator(s.auth.TokenAuth()))
		r.Use(s.adminOnly)

		r.Get("/services", s.handleListServices)
		r.Get("/services/{name}/stats", s.handleServiceStats)
		r.Post("/services/{name}/start", s.handleServiceStart)
		r.Post("/services/{name}/stop", s.handleServiceStop)
		r.Post("/services/{name}/pause", s.handleServicePause)
		r.Post("/services/{name}/resume", s.handleServiceResume)
		r.Post("/services/{name}/restart", s.handleServiceRestart)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", "addr", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("ops server shutting down")
	return s.server.Shutdown(ctx)
}

// Router returns the underlying router, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Response is the standard envelope for operator endpoints.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, Response{Success: false, Error: msg})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.respond(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]string{"token": token},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.health.RunChecks(r.Context())

	status := health.StatusUp
	for _, check := range checks {
		if check.Status == health.StatusDown {
			status = health.StatusDown
			break
		}
		if check.Status == health.StatusUnknown {
			status = health.StatusUnknown
		}
	}

	httpStatus := http.StatusOK
	if status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}
	s.respond(w, httpStatus, Response{
		Success: status == health.StatusUp,
		Data: map[string]interface{}{
			"status": status,
			"checks": checks,
		},
	})
}

// serviceSummary is the per-service row of the list endpoint.
type serviceSummary struct {
	Name   string        `json:"name"`
	State  runtime.State `json:"state"`
	Health string        `json:"health,omitempty"`
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	summaries := make([]serviceSummary, 0, len(names))
	for _, name := range names {
		svc, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		row := serviceSummary{Name: name, State: svc.State()}
		if herr := svc.Health(); herr != nil {
			row.Health = herr.Error()
		}
		summaries = append(summaries, row)
	}
	s.respond(w, http.StatusOK, Response{Success: true, Data: summaries})
}

func (s *Server) handleServiceStats(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	reporter, ok := svc.(service.StatsReporter)
	if !ok {
		s.respondError(w, http.StatusNotImplemented, "service does not report stats")
		return
	}
	s.respond(w, http.StatusOK, Response{Success: true, Data: reporter.Stats()})
}

func (s *Server) handleServiceStart(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.lifecycle(w, r, svc.Name(), func() error { return svc.Start(r.Context()) })
}

func (s *Server) handleServiceStop(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.lifecycle(w, r, svc.Name(), func() error { return svc.Stop(r.Context()) })
}

func (s *Server) handleServicePause(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookupRuntime(w, r)
	if !ok {
		return
	}
	s.lifecycle(w, r, rt.InstanceKey(), rt.Pause)
}

func (s *Server) handleServiceResume(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookupRuntime(w, r)
	if !ok {
		return
	}
	s.lifecycle(w, r, rt.InstanceKey(), rt.Resume)
}

func (s *Server) handleServiceRestart(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookupRuntime(w, r)
	if !ok {
		return
	}
	s.lifecycle(w, r, rt.InstanceKey(), func() error {
		return rt.Restart(r.Context(), "operator restart")
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (service.Service, bool) {
	name := chi.URLParam(r, "name")
	svc, err := s.registry.Get(name)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "unknown service "+name)
		return nil, false
	}
	return svc, true
}

func (s *Server) lookupRuntime(w http.ResponseWriter, r *http.Request) (*runtime.Service, bool) {
	svc, ok := s.lookup(w, r)
	if !ok {
		return nil, false
	}
	provider, ok := svc.(RuntimeProvider)
	if !ok {
		s.respondError(w, http.StatusNotImplemented, "service does not expose runtime control")
		return nil, false
	}
	return provider.Runtime(), true
}

// lifecycle runs a control action and maps the classified error to a status.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, name string, fn func() error) {
	if err := fn(); err != nil {
		s.logger.WithError(err).Warn("lifecycle action failed", "service", name)
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respond(w, http.StatusOK, Response{Success: true, Message: name})
}

// adminOnly rejects tokens without the admin role.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			s.respondError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogging logs each request and feeds the HTTP metrics.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		if s.metrics != nil {
			release := s.metrics.TrackInFlight("admin")
			defer release()
		}
		next.ServeHTTP(ww, r)

		elapsed := time.Since(started)
		if s.metrics != nil {
			s.metrics.RecordRequest(r.Method, r.URL.Path, ww.Status(), elapsed)
		}
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", elapsed.String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// recoverer converts handler panics into 500 responses.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler", "panic", rec, "path", r.URL.Path)
				s.respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
