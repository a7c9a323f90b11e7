package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/terminus-os/backend/internal/service"
	"github.com/terminus-os/backend/internal/shared/id"
	"github.com/terminus-os/backend/internal/shared/types"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "terminus-backend",
		"status":  "running",
		"endpoints": gin.H{
			"health":   "/health",
			"services": "/services",
			"execute":  "/services/execute",
			"metrics":  "/metrics",
			"stream":   "/stream (WebSocket)",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"uptime_seconds":   s.metrics.Uptime().Seconds(),
		"active_processes": len(s.procs.List()),
		"services":         s.registry.Stats(),
	})
}

func (s *Server) handleListServices(c *gin.Context) {
	var category *types.Category
	if raw := c.Query("category"); raw != "" {
		cat := types.Category(raw)
		category = &cat
	}

	services := s.registry.List(category)
	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"count":    len(services),
	})
}

type discoverRequest struct {
	Intent string `json:"intent" binding:"required"`
	Limit  int    `json:"limit"`
}

func (s *Server) handleDiscoverServices(c *gin.Context) {
	var req discoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 5
	}

	services := s.registry.Discover(req.Intent, req.Limit)
	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"count":    len(services),
	})
}

type executeRequest struct {
	ToolID string                 `json:"tool_id" binding:"required"`
	Params map[string]interface{} `json:"params"`
}

func (s *Server) handleExecuteService(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Params == nil {
		req.Params = make(map[string]interface{})
	}

	requestID := id.NewRequestID().String()
	appCtx := &types.Context{RequestID: &requestID}

	start := time.Now()
	result, err := s.registry.Execute(c.Request.Context(), req.ToolID, req.Params, appCtx)
	if err != nil {
		s.logger.Warn("Tool execution rejected",
			zap.String("tool", req.ToolID),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		// A malformed tool identifier is the caller's formatting
		// mistake; only a well-formed id naming no service is 404.
		status := http.StatusNotFound
		if errors.Is(err, service.ErrInvalidToolID) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error(), "request_id": requestID})
		return
	}

	s.logger.Debug("Tool executed",
		zap.String("tool", req.ToolID),
		zap.String("request_id", requestID),
		zap.Bool("success", result.Success),
		zap.Duration("duration", time.Since(start)),
	)

	c.JSON(http.StatusOK, gin.H{
		"result":     result,
		"request_id": requestID,
	})
}
