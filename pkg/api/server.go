// Package api exposes the runtime over HTTP: event submission and
// history, driver and schedule management, instruction CRUD, plan
// inspection, security audit, system status and a WebSocket event
// stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ambientos/ambient/pkg/runtime"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP API server.
type Server struct {
	rt     *runtime.Runtime
	ws     *ConnectionManager
	logger *slog.Logger
}

// NewServer creates the API server around a constructed runtime.
func NewServer(rt *runtime.Runtime) *Server {
	return &Server{
		rt:     rt,
		ws:     NewConnectionManager(rt.Bus, 5*time.Second, rt.Config.Bus.StreamCapacity),
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with all routes installed.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.HandleWS)

	api := r.Group("/api/v1")
	{
		api.POST("/events", s.EmitEvent)
		api.GET("/events", s.EventHistory)

		api.GET("/drivers", s.ListDrivers)
		api.GET("/drivers/:id", s.DriverStatus)
		api.POST("/drivers/:id/start", s.StartDriver)
		api.POST("/drivers/:id/stop", s.StopDriver)

		api.GET("/schedules", s.ListSchedules)
		api.DELETE("/schedules/:id", s.DeleteSchedule)

		api.GET("/instructions", s.ListInstructions)
		api.POST("/instructions", s.SaveInstruction)

		api.GET("/plans", s.ListPlans)

		api.GET("/policies", s.ListPolicies)
		api.GET("/security/audit", s.AuditLog)

		api.GET("/system/status", s.SystemStatus)
	}
	return r
}

// Run serves until ctx is cancelled, then drains with a timeout.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.rt.Config.Server.Host, s.rt.Config.Server.Port)
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.ws.CloseAll()
	return srv.Shutdown(shutdownCtx)
}

// requestLogger logs one line per request in the runtime's slog format.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
