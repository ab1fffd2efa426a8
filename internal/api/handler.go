package api

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"footprint-core/internal/engine"
	"footprint-core/internal/events"
	"footprint-core/internal/monitor"
	"footprint-core/pkg/logger"
)

// Options tunes the middleware stack.
type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
}

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Logger  *zap.Logger

	now func() time.Time
}

func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.Metrics, opts Options, log *zap.Logger) *Server {
	log = logger.OrNop(log).Named("api")
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(ginzap.RecoveryWithZap(log, true))                           // Panic recovery (first)
	r.Use(RequestIDMiddleware())                                       // Request ID tracking
	r.Use(ginzap.Ginzap(log, time.RFC3339, true))                      // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(opts.RateLimitRPS, opts.RateLimitBurst)) // Rate limiting
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:  r,
		Engine:  svc,
		Bus:     bus,
		Metrics: metrics,
		Logger:  log,
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		api.GET("/footprint/:symbol/:tf/:y/:m/:d/:h", s.getFootprint)
		api.GET("/verify/:symbol/:tf/:y/:m/:d/:h", s.verifyPartition)
		api.GET("/runs", s.listRuns)

		api.POST("/aggregate", s.aggregate)
		api.POST("/backfill", s.backfill)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router, mainly for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.Router }

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
