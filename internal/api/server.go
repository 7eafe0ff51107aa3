// Package api exposes the trading core over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tradebot-core/internal/engine"
	"tradebot-core/internal/events"
	"tradebot-core/internal/monitor"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRateLimit      = 20
	defaultRateBurst      = 50
	limiterResetInterval  = 5 * time.Minute
)

// Config wires the Server.
type Config struct {
	Service        *engine.Service
	Bus            *events.Bus
	Metrics        *monitor.SystemMetrics
	Log            logrus.FieldLogger
	Variants       []string
	Meta           SystemMeta
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second per IP
	RateBurst      int
}

// SystemMeta describes the deployment on /health.
type SystemMeta struct {
	Provider string `json:"provider"`
	Version  string `json:"version"`
}

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router   *gin.Engine
	service  *engine.Service
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	log      logrus.FieldLogger
	variants []string
	meta     SystemMeta
	limiters *ipLimiters
	started  time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewSystemMetrics()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	log := cfg.Log.WithField("component", "api")

	s := &Server{
		Router:   gin.New(),
		service:  cfg.Service,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		log:      log,
		variants: cfg.Variants,
		meta:     cfg.Meta,
		limiters: newIPLimiters(cfg.RateLimit, cfg.RateBurst),
		started:  time.Now(),
	}

	// Order matters: request id before the logger, CORS before routes.
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(log, cfg.Metrics))
	s.Router.Use(RateLimitMiddleware(s.limiters, log))
	s.Router.Use(CORSMiddleware())
	s.routes(cfg.RequestTimeout)
	return s
}

func (s *Server) routes(timeout time.Duration) {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws/users/:user_id/logs", s.streamLogs)

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(timeout))
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/variants", s.listVariants)

		user := api.Group("/users/:user_id")
		{
			user.GET("/status", s.getStatus)
			user.GET("/positions", s.getPositions)
			user.GET("/pnl/today", s.getTodayPnL)
			user.GET("/logs", s.getLogs)
			user.GET("/strategies", s.getStrategies)
			user.GET("/performance", s.getPerformance)
			user.GET("/orders", s.getOrders)
			user.GET("/settings", s.getSettings)

			user.POST("/strategies", s.createStrategy)
			user.POST("/strategies/:id/enable", s.enableStrategy)
			user.POST("/strategies/:id/disable", s.disableStrategy)
			user.PUT("/strategies/:id/params", s.updateStrategyParams)
			user.DELETE("/strategies/:id", s.deleteStrategy)
			user.POST("/positions/:id/close", s.closePosition)
			user.POST("/cycle", s.executeNow)
			user.POST("/bot/start", s.startBot)
			user.POST("/bot/stop", s.stopBot)
			user.PUT("/settings", s.updateSettings)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"provider": s.meta.Provider,
		"version":  s.meta.Version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		ticker := time.NewTicker(limiterResetInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiters.reset()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
