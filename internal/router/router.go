package router

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/transfer-portal/internal/handler/health"
	"github.com/jwalitptl/transfer-portal/internal/handler/prometheus"
	"github.com/jwalitptl/transfer-portal/internal/middleware"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	RateLimitEnabled bool
	RateLimit        middleware.RateLimiterConfig
	CORSConfig       middleware.CORSConfig
	MetricsPath      string
	CookieName       string
	RoleRedirect     middleware.RoleRedirectConfig
}

// Handlers groups the route owners. Public handlers are reachable without
// the auth cookie, Authenticated ones need the cookie but no session, and
// Protected ones get the caller's session.
type Handlers struct {
	Public        []Handler
	Authenticated []Handler
	Protected     []Handler
	Health        *health.Handler
	Metrics       *prometheus.Handler
}

type Router struct {
	engine   *gin.Engine
	config   RouterConfig
	handlers Handlers
	sessions middleware.SessionProvider
	logger   *logger.Logger
}

func NewRouter(config RouterConfig, handlers Handlers, sessions middleware.SessionProvider, log *logger.Logger) *Router {
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	engine := gin.New()

	r := &Router{
		engine:   engine,
		config:   config,
		handlers: handlers,
		sessions: sessions,
		logger:   log,
	}

	engine.Use(
		middleware.RequestID(log),
		middleware.Logger(log),
	)
	if handlers.Metrics != nil {
		engine.Use(handlers.Metrics.Middleware())
	}
	engine.Use(
		middleware.Recovery(log),
		middleware.ErrorHandler(log),
		middleware.CORS(config.CORSConfig),
	)
	if config.RateLimitEnabled {
		engine.Use(middleware.NewRateLimiter(config.RateLimit).RateLimit())
	}

	return r
}

func (r *Router) Setup() {
	if r.handlers.Health != nil {
		r.handlers.Health.RegisterRoutes(r.engine)
	}
	if r.handlers.Metrics != nil {
		r.engine.GET(r.config.MetricsPath, r.handlers.Metrics.Handler())
	}

	r.engine.GET("/", middleware.RoleRedirect(r.config.RoleRedirect))

	public := r.engine.Group("/api")
	for _, h := range r.handlers.Public {
		h.RegisterRoutes(public)
	}

	authenticated := r.engine.Group("/api")
	authenticated.Use(middleware.RequireToken(r.config.CookieName))
	for _, h := range r.handlers.Authenticated {
		h.RegisterRoutes(authenticated)
	}

	protected := r.engine.Group("/api")
	protected.Use(middleware.RequireSession(r.sessions, r.config.CookieName))
	for _, h := range r.handlers.Protected {
		h.RegisterRoutes(protected)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
