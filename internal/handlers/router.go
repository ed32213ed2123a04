package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"presenceapi/internal/metrics"
)

// Authenticator guards admin routes
type Authenticator interface {
	Authenticate(next http.Handler) http.Handler
}

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Service   PresenceService
	Readiness ReadinessChecker
	Info      ServiceInfo
	CORS      CORSConfig

	// Optional parts; nil leaves the route unmounted
	Socket   http.Handler
	Admin    Authenticator
	LogLevel http.Handler
	Sizer    metrics.CacheSizer

	Logger *zap.Logger
}

// NewRouter builds the routed, instrumented handler
func NewRouter(cfg RouterConfig) http.Handler {
	ph := NewPresenceHandler(cfg.Service, cfg.Info, cfg.Logger)
	hh := NewHealthHandler(cfg.Readiness)

	r := mux.NewRouter()
	handle := func(path string, h http.HandlerFunc, methods ...string) {
		methods = append(methods, http.MethodOptions)
		r.Handle(path, metrics.Middleware(path, h, cfg.Sizer)).Methods(methods...)
	}

	handle("/", ph.Index, http.MethodGet)
	handle("/ping", ph.Ping, http.MethodGet)
	handle("/v1/health", ph.Health, http.MethodGet)
	handle("/health/liveness", hh.Liveness, http.MethodGet)
	handle("/health/readiness", hh.Readiness, http.MethodGet)

	handle("/v1/users/{user_id}", ph.GetUser, http.MethodGet)
	handle("/v1/presence/batch", ph.BatchPresence, http.MethodPost)
	handle("/v1/presence/{user_id}", ph.GetPresence, http.MethodGet)
	handle("/v1/presence", ph.GetMultiplePresences, http.MethodGet)

	if cfg.Admin != nil {
		invalidate := cfg.Admin.Authenticate(http.HandlerFunc(ph.InvalidateCache))
		r.Handle("/v1/cache/{user_id}", metrics.Middleware("/v1/cache/{user_id}", invalidate, cfg.Sizer)).
			Methods(http.MethodDelete, http.MethodOptions)
	}
	if cfg.Socket != nil {
		r.Handle("/v1/socket", metrics.Middleware("/v1/socket", cfg.Socket, cfg.Sizer)).Methods(http.MethodGet)
	}
	if cfg.LogLevel != nil {
		r.Handle("/log/level", cfg.LogLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return CORSMiddleware(cfg.CORS, r)
}
