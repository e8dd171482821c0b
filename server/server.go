// Package server exposes an actionguard instance over HTTP.
//
// Callers are identified by gateway headers (see auth.HeaderIdentity).
// Every error answer carries an ErrorResponse body.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tekupdk/actionguard/action"
	"github.com/tekupdk/actionguard/app"
	"github.com/tekupdk/actionguard/auth"
	"github.com/tekupdk/actionguard/config"
	"github.com/tekupdk/actionguard/health"
	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/observe"
)

// Deps are the components the routes call into.
type Deps struct {
	Service *action.Service
	Health  *health.Aggregator

	// Reaper serves POST /v1/idempotency/reap. Optional.
	Reaper *idempotency.Reaper

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	Logger      observe.Logger
	ServiceName string
}

// FromApp collects Deps from an assembled App.
func FromApp(a *app.App) Deps {
	d := Deps{
		Service:     a.Service,
		Health:      a.Health,
		Reaper:      a.Reaper,
		Logger:      a.Logger,
		ServiceName: a.Config.Observe.ServiceName,
	}
	if a.Observer != nil {
		d.Metrics = a.Observer.MetricsHandler()
	}
	return d
}

// Server is the HTTP front end.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *gin.Engine
}

// New builds the router. It does not listen until Run.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("server: service is nil")
	}
	if deps.Health == nil {
		deps.Health = health.NewAggregator(health.AggregatorConfig{})
	}
	if deps.Logger == nil {
		deps.Logger = observe.NopLogger()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "actionguard"
	}

	s := &Server{cfg: cfg, deps: deps, router: gin.New()}
	s.routes()
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(gin.Recovery(), otelgin.Middleware(s.deps.ServiceName), requestLogger(s.deps.Logger))

	r.GET("/healthz", gin.WrapF(health.LivenessHandler()))
	r.GET("/readyz", gin.WrapF(health.ReadinessHandler(s.deps.Health)))
	r.GET("/health", gin.WrapF(health.DetailedHandler(s.deps.Health)))
	r.GET("/health/:name", s.checkOne)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := r.Group("/v1", identity())
	{
		actions := v1.Group("/actions")
		{
			actions.GET("", s.listActions)
			actions.POST("/execute", s.execute)
			actions.POST("/dry-run", s.dryRun)
		}
		// Record administration
		admin := v1.Group("/idempotency", requireRole(action.RoleAdmin, action.RoleOwner))
		{
			admin.POST("/keys", s.generateKey)
			admin.GET("/keys/:key", s.lookupKey)
			admin.DELETE("/keys/:key", s.deleteKey)
			admin.GET("/stats", s.stats)
			admin.POST("/reap", s.reap)
		}
	}
}

// Run serves on cfg.Addr until ctx is done, then drains for up to
// ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info(ctx, "http server listening", observe.F("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.deps.Logger.Info(shutdownCtx, "http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.HeaderIdentity(c.Request.Header)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := auth.IdentityFromContext(c.Request.Context())
		for _, r := range roles {
			if id.HasRole(r) {
				c.Next()
				return
			}
		}
		writeError(c, auth.ErrForbidden)
	}
}

func requestLogger(logger observe.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []observe.Field{
			observe.F("method", c.Request.Method),
			observe.F("path", c.FullPath()),
			observe.F("status", c.Writer.Status()),
			observe.F("duration_ms", time.Since(start).Milliseconds()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observe.F("error", c.Errors.Last().Error()))
			logger.Error(c.Request.Context(), "http request failed", fields...)
			return
		}
		logger.Debug(c.Request.Context(), "http request", fields...)
	}
}
