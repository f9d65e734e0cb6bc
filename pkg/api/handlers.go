package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ambientos/ambient/pkg/bus"
	"github.com/ambientos/ambient/pkg/event"
	"github.com/ambientos/ambient/pkg/instruction"
)

// EmitRequest is the body of POST /api/v1/events.
type EmitRequest struct {
	Type     string         `json:"type" binding:"required"`
	Source   string         `json:"source"`
	UserID   string         `json:"userID" binding:"required"`
	Category string         `json:"category"`
	Metadata map[string]any `json:"metadata"`
}

// EmitEvent handles POST /api/v1/events: validates and publishes one
// event onto the bus.
func (s *Server) EmitEvent(c *gin.Context) {
	var req EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	source := req.Source
	if source == "" {
		source = event.SourceAPI
	}
	category := event.Category(req.Category)
	if req.Category == "" {
		category = event.CategoryUser
	}

	e := event.New(source, req.Type, req.UserID, category, req.Metadata)
	if err := e.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := s.rt.Bus.Emit(e)
	c.JSON(http.StatusAccepted, gin.H{"event_id": id})
}

// EventHistory handles GET /api/v1/events. Filters: type, source,
// user_id, category, limit.
func (s *Server) EventHistory(c *gin.Context) {
	filter := bus.Filter{}
	if t := c.Query("type"); t != "" {
		filter.Types = []string{t}
	}
	if src := c.Query("source"); src != "" {
		filter.Sources = []string{src}
	}
	if uid := c.Query("user_id"); uid != "" {
		filter.UserIDs = []string{uid}
	}
	if cat := c.Query("category"); cat != "" {
		filter.Categories = []event.Category{event.Category(cat)}
	}
	limit := intQuery(c, "limit", 100)

	events := s.rt.Bus.History(filter, limit)
	out := make([]map[string]any, len(events))
	for i, e := range events {
		out[i] = e.ToMap()
	}
	c.JSON(http.StatusOK, gin.H{"events": out, "count": len(out)})
}

// ListDrivers handles GET /api/v1/drivers.
func (s *Server) ListDrivers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"drivers": s.rt.Registry.List()})
}

// DriverStatus handles GET /api/v1/drivers/:id.
func (s *Server) DriverStatus(c *gin.Context) {
	st, err := s.rt.Registry.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	manifest, _ := s.rt.Registry.Manifest(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": st, "manifest": manifest})
}

// StartDriver handles POST /api/v1/drivers/:id/start.
func (s *Server) StartDriver(c *gin.Context) {
	if err := s.rt.Registry.Start(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// StopDriver handles POST /api/v1/drivers/:id/stop.
func (s *Server) StopDriver(c *gin.Context) {
	if err := s.rt.Registry.Stop(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// ListSchedules handles GET /api/v1/schedules?user_id=.
func (s *Server) ListSchedules(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": s.rt.Scheduler.List(userID)})
}

// DeleteSchedule handles DELETE /api/v1/schedules/:id.
func (s *Server) DeleteSchedule(c *gin.Context) {
	if err := s.rt.Scheduler.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ListInstructions handles GET /api/v1/instructions?user_id=.
func (s *Server) ListInstructions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	instructions, err := s.rt.Matcher.ForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instructions": instructions})
}

// SaveInstruction handles POST /api/v1/instructions.
func (s *Server) SaveInstruction(c *gin.Context) {
	var in instruction.Instruction
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.rt.Matcher.Save(c.Request.Context(), &in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, in)
}

// ListPlans handles GET /api/v1/plans.
func (s *Server) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": s.rt.Plans.Active()})
}

// ListPolicies handles GET /api/v1/policies.
func (s *Server) ListPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": s.rt.Engine.List()})
}

// AuditLog handles GET /api/v1/security/audit?limit=.
func (s *Server) AuditLog(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	c.JSON(http.StatusOK, gin.H{"audit": s.rt.Security.AuditLog(limit)})
}

// SystemStatus handles GET /api/v1/system/status.
func (s *Server) SystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"bus":         s.rt.Bus.Stats(),
		"processor":   s.rt.Processor.Stats(),
		"drivers":     s.rt.Registry.List(),
		"connections": s.ws.ActiveConnections(),
	})
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.rt.Healthy(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
