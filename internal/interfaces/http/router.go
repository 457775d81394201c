// Package http serves the ops API: health, metrics and the authenticated admin routes.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/interfaces/http/handlers"
	"github.com/turtacn/qsign/internal/interfaces/http/middleware"
	"github.com/turtacn/qsign/pkg/logger"
)

// Dependencies are the collaborators the routes are built from.
type Dependencies struct {
	Health   *handlers.HealthHandler
	Admin    *handlers.AdminHandler
	Observer middleware.RequestObserver
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Router owns the gin engine and the HTTP server.
type Router struct {
	engine *gin.Engine
	config *config.Config
	logger logger.Logger
	server *http.Server
}

// NewRouter builds the engine with every route registered.
func NewRouter(cfg *config.Config, deps Dependencies, log logger.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := &Router{engine: gin.New(), config: cfg, logger: log.WithComponent("HTTP")}
	r.setupRoutes(deps)
	r.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r.engine,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	return r
}

func (r *Router) setupRoutes(deps Dependencies) {
	r.engine.Use(gin.Recovery())
	r.engine.Use(middleware.Observability(otel.Tracer("qsign/http"), deps.Observer, r.logger))

	origins := r.config.Server.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.engine.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}))

	r.engine.GET("/live", deps.Health.LivenessCheck)
	r.engine.GET("/health", deps.Health.HealthCheck)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if r.config.Server.Environment != "production" {
		pprof.Register(r.engine)
	}

	// without a secret any token would verify, so the admin routes stay unmounted
	if r.config.Admin.JWTSecret != "" && deps.Admin != nil {
		admin := r.engine.Group("/api/v1/admin")
		admin.Use(middleware.RequireAdminJWT(r.config.Admin.JWTSecret, r.config.Admin.Issuer, r.logger))
		{
			admin.GET("/pools", deps.Admin.ListPools)
			admin.POST("/replenish", deps.Admin.Replenish)
			admin.POST("/cleanup/:job", deps.Admin.Cleanup)
		}
	} else {
		r.logger.Warn(context.Background(), "admin.jwt_secret is empty, admin API disabled")
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "not_found",
			"error_description": "The requested resource was not found",
		})
	})
}

// Start serves until Stop is called. It returns nil after a graceful shutdown.
func (r *Router) Start() error {
	r.logger.Info(context.Background(), "Starting HTTP server", logger.String("address", r.server.Addr))

	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info(ctx, "Stopping HTTP server")
	return r.server.Shutdown(ctx)
}

// Engine exposes the gin engine, mainly for tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
