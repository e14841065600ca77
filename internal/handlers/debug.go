package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"teamchat/internal/telemetry"
)

// SessionCounter reports live websocket sessions.
type SessionCounter interface {
	SessionCount() int
}

// RegisterDebugRoutes wires operator endpoints. They are absent unless enabled.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, sessions SessionCounter, enabled bool) {
	if !enabled {
		return
	}

	debug := router.Group("/debug")
	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit pipeline check", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	debug.GET("/sessions", func(c *gin.Context) {
		if sessions == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "router not configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions.SessionCount()})
	})
}
