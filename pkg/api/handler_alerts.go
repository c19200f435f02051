package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loghive/loghive/pkg/models"
)

// listRulesHandler handles GET /api/alerts/rules, annotating each rule with
// its live state machine position.
func (s *Server) listRulesHandler(c *gin.Context) {
	list, err := s.ruleSvc.List(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	states := s.engine.RuleStates()

	type ruleWithState struct {
		*models.AlertRule
		State models.RuleState `json:"state,omitempty"`
	}
	out := make([]ruleWithState, len(list))
	for i, r := range list {
		out[i] = ruleWithState{AlertRule: r, State: states[r.ID]}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "rules": out})
}

// getRuleHandler handles GET /api/alerts/rules/:id.
func (s *Server) getRuleHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	rule, err := s.ruleSvc.Get(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "rule": rule})
}

// createRuleHandler handles POST /api/alerts/rules (admin).
func (s *Server) createRuleHandler(c *gin.Context) {
	var req alertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "name, window_seconds and comparator are required")
		return
	}
	rule, err := s.ruleSvc.Create(c.Request.Context(), req.toModel())
	if err != nil {
		failErr(c, err)
		return
	}
	s.engine.ReloadRule(rule)
	s.audit.Record(c.Request.Context(), actorOf(c), "create", "alert_rule:"+rule.Name, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{"success": true, "rule": rule})
}

// updateRuleHandler handles PUT /api/alerts/rules/:id (admin). Editing
// returns the rule to Armed and discards its window counters.
func (s *Server) updateRuleHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req alertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "name, window_seconds and comparator are required")
		return
	}
	rule := req.toModel()
	rule.ID = id
	if err := s.ruleSvc.Update(c.Request.Context(), rule); err != nil {
		failErr(c, err)
		return
	}
	s.engine.ReloadRule(rule)
	s.audit.Record(c.Request.Context(), actorOf(c), "update", "alert_rule:"+rule.Name, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true, "rule": rule})
}

// deleteRuleHandler handles DELETE /api/alerts/rules/:id (admin).
func (s *Server) deleteRuleHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.ruleSvc.Delete(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	s.engine.RemoveRule(id)
	s.audit.Record(c.Request.Context(), actorOf(c), "delete", "alert_rule:"+strconv.FormatInt(id, 10), c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// listFiringsHandler handles GET /api/alerts/firings.
func (s *Server) listFiringsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	firings, err := s.ruleSvc.Firings(c.Request.Context(), limit)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "firings": firings})
}

// listPatternsHandler handles GET /api/alerts/correlations.
func (s *Server) listPatternsHandler(c *gin.Context) {
	list, err := s.corrSvc.List(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "patterns": list})
}

// createPatternHandler handles POST /api/alerts/correlations (admin).
func (s *Server) createPatternHandler(c *gin.Context) {
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "name, sequence and group_by are required")
		return
	}
	p := &models.CorrelationPattern{
		Name:     req.Name,
		Sequence: req.Sequence,
		GroupBy:  req.GroupBy,
		Enabled:  true,
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	created, err := s.corrSvc.Create(c.Request.Context(), p)
	if err != nil {
		failErr(c, err)
		return
	}
	s.engine.ReloadPattern(created)
	s.audit.Record(c.Request.Context(), actorOf(c), "create", "correlation:"+created.Name, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{"success": true, "pattern": created})
}

// deletePatternHandler handles DELETE /api/alerts/correlations/:id (admin).
func (s *Server) deletePatternHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.corrSvc.Delete(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	s.engine.RemovePattern(id)
	s.audit.Record(c.Request.Context(), actorOf(c), "delete", "correlation:"+strconv.FormatInt(id, 10), c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true})
}
