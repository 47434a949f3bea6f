// Package api serves the administrative HTTP surface of the copy engine.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"copytrade-core/internal/engine"
	"copytrade-core/internal/events"
	"copytrade-core/internal/monitor"
)

// Admin is the single operator identity allowed to log in.
type Admin struct {
	Username     string
	PasswordHash string // bcrypt
}

// Config wires a Server.
type Config struct {
	Engine    engine.Service
	Store     engine.ReadOnlyDB
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	Admin     Admin
	JWTSecret string
	TokenTTL  time.Duration
	Log       *zap.Logger
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Store     engine.ReadOnlyDB
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	Admin     Admin
	JWTSecret string
	TokenTTL  time.Duration
	log       *zap.Logger
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	log = log.Named("api")

	r := gin.New()
	// Middleware order matters: recovery first, CORS last before routes.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newIPLimiters(20, 50), log))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Engine:    cfg.Engine,
		Store:     cfg.Store,
		Bus:       cfg.Bus,
		Metrics:   cfg.Metrics,
		Admin:     cfg.Admin,
		JWTSecret: cfg.JWTSecret,
		TokenTTL:  cfg.TokenTTL,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/engine/status", s.getStatus)
			protected.POST("/engine/start", s.startEngine)
			protected.POST("/engine/stop", s.stopEngine)
			protected.POST("/engine/masters/:id/start", s.startMonitoring)
			protected.POST("/engine/masters/:id/stop", s.stopMonitoring)

			protected.GET("/accounts", s.listAccounts)
			protected.POST("/accounts", s.createAccount)
			protected.DELETE("/accounts/:id", s.removeAccount)

			protected.GET("/links", s.listLinks)
			protected.POST("/links", s.createLink)
			protected.DELETE("/links/:id", s.removeLink)

			protected.GET("/trades", s.listTrades)
			protected.GET("/logs", s.listLogs)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.Engine.Status()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engine_running": st.IsRunning, "time": st.ServerTime})
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
