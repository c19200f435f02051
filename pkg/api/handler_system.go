package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loghive/loghive/pkg/version"
)

// healthHandler handles GET /health. Never requires auth.
func (s *Server) healthHandler(c *gin.Context) {
	dbHealth, err := s.db.Health(c.Request.Context())
	status := "healthy"
	code := http.StatusOK
	if err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"version":  version.Full(),
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		"database": dbHealth,
	})
}

// ingestionStatusHandler handles GET /api/ingestion/status: per-protocol
// frame counters plus retry backlog, rule-engine drops and stream clients.
func (s *Server) ingestionStatusHandler(c *gin.Context) {
	pending, err := s.failed.PendingCount(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":               true,
		"protocols":             s.counters.Snapshot(),
		"retry_pending_batches": pending,
		"rule_engine_dropped":   s.engine.DroppedBatches(),
		"stream_clients":        s.hub.ClientCount(),
	})
}

// listSettingsHandler handles GET /api/settings.
func (s *Server) listSettingsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "settings": s.settings.List()})
}

// setSettingHandler handles PUT /api/settings/:key (admin). The mutation is
// audited and broadcast as settings_changed by the service's change hook.
func (s *Server) setSettingHandler(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "value is required")
		return
	}
	key := c.Param("key")
	if err := s.settings.Set(c.Request.Context(), key, req.Value, req.Type, actorOf(c)); err != nil {
		failErr(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), actorOf(c), "update", "setting:"+key, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// auditHandler handles GET /api/audit.
func (s *Server) auditHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := s.audit.Recent(c.Request.Context(), limit)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "audit": records})
}
