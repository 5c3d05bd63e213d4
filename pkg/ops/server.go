package ops

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/guildtools/guildgate/pkg/observability"
	"github.com/guildtools/guildgate/pkg/store"
)

// Options tunes the server's middleware.
type Options struct {
	// AuthToken enables bearer auth on /v1 routes when non-empty.
	AuthToken string

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Server is the operator API. Construct with NewServer and mount via Handler.
type Server struct {
	router  *mux.Router
	store   store.Store
	health  *observability.HealthChecker
	log     *observability.Logger
	metrics *observability.Metrics
	limiter *RateLimiter
	opts    Options
}

// NewServer creates the operator API over the given store.
func NewServer(st store.Store, health *observability.HealthChecker, log *observability.Logger, metrics *observability.Metrics, opts Options) *Server {
	if opts.RateLimitPerSecond <= 0 {
		opts.RateLimitPerSecond = 10
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 20
	}

	s := &Server{
		router:  mux.NewRouter(),
		store:   st,
		health:  health,
		log:     log,
		metrics: metrics,
		limiter: NewRateLimiter(opts.RateLimitPerSecond, opts.RateLimitBurst),
		opts:    opts,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.health.Liveness).Methods("GET")
	s.router.HandleFunc("/readyz", s.health.Readiness).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	if s.opts.AuthToken != "" {
		v1.Use(bearerAuthMiddleware(s.opts.AuthToken))
	}
	v1.HandleFunc("/features", s.listFeatures).Methods("GET")
	v1.HandleFunc("/guilds/{guildID}/permissions", s.listPermissions).Methods("GET")
	v1.HandleFunc("/guilds/{guildID}/permissions/{featureKey}", s.getPermission).Methods("GET")
	v1.HandleFunc("/guilds/{guildID}/security", s.getSecurity).Methods("GET")
	v1.HandleFunc("/guilds/{guildID}/audits", s.listAudits).Methods("GET")
}

// Handler returns the router wrapped in the full middleware chain: request
// ID, access logs, panic recovery, rate limiting, metrics and tracing.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	h = otelhttp.NewHandler(h, "guildgate.ops")
	h = observability.HTTPMetricsMiddleware(s.metrics)(h)
	h = s.limiter.middleware(h)
	h = recoveryMiddleware(s.log)(h)
	h = accessLogMiddleware(s.log)(h)
	h = requestIDMiddleware(h)
	return h
}

// Limiter exposes the rate limiter so the composition root can schedule
// bucket cleanup.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}
