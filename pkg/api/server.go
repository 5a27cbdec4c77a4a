package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"aibridge/pkg/api/middleware"
	"aibridge/pkg/hub"
	"aibridge/pkg/models"
)

// Server is the leader's endpoint: the websocket upgrade on "/" plus a few
// read-only diagnostics routes.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	hub    *hub.Hub
	leader models.Identity
	log    *zap.Logger
}

// Config holds API server configuration.
type Config struct {
	Hub         *hub.Hub
	Leader      models.Identity
	ServiceName string
	Logger      *zap.Logger
}

// NewServer creates the leader's HTTP server.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger(log))

	s := &Server{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local browser UIs connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		hub:    cfg.Hub,
		leader: cfg.Leader,
		log:    log,
	}

	s.registerRoutes()

	// No read/write timeouts: they would outlive the upgrade and cut long-lived sockets.
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown or Close.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("Serving bridge endpoint", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight HTTP requests.
// Upgraded websockets are not tracked by net/http; the hub closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down endpoint")
	return s.httpServer.Shutdown(ctx)
}

// Close closes the listener immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func (s *Server) registerRoutes() {
	s.router.GET("/", s.upgrade)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.RateLimitMiddleware())
	{
		v1.GET("/connections", s.listConnections)
		v1.GET("/state", s.getState)
		v1.GET("/leader", s.getLeader)
	}
}

// upgrade handles GET / and serves the socket until the peer leaves.
func (s *Server) upgrade(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusUpgradeRequired, gin.H{"error": "websocket upgrade required"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("Upgrade failed", zap.String("remote", c.Request.RemoteAddr), zap.Error(err))
		return
	}
	if err := s.hub.Attach(ws, c.Request.RemoteAddr); err != nil {
		s.log.Debug("Connection rejected", zap.String("remote", c.Request.RemoteAddr), zap.Error(err))
	}
}

// requestLogger logs plain HTTP requests; websocket sessions are logged by the hub.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
