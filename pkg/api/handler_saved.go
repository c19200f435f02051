package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loghive/loghive/pkg/models"
)

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "bad_request", "invalid id")
		return 0, false
	}
	return id, true
}

// listSavedHandler handles GET /api/saved-searches.
func (s *Server) listSavedHandler(c *gin.Context) {
	list, err := s.saved.List(c.Request.Context(), actorOf(c))
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "saved_searches": list})
}

// createSavedHandler handles POST /api/saved-searches.
func (s *Server) createSavedHandler(c *gin.Context) {
	var req savedSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	ss := &models.SavedSearch{
		Owner:       actorOf(c),
		Name:        req.Name,
		Description: req.Description,
		Filter:      req.Filter,
		Visibility:  req.Visibility,
	}
	created, err := s.saved.Create(c.Request.Context(), ss)
	if err != nil {
		failErr(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), actorOf(c), "create", "saved_search:"+created.Name, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{"success": true, "saved_search": created})
}

// getSavedHandler handles GET /api/saved-searches/:id.
func (s *Server) getSavedHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ss, err := s.saved.Get(c.Request.Context(), id, actorOf(c))
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "saved_search": ss})
}

// updateSavedHandler handles PUT /api/saved-searches/:id.
func (s *Server) updateSavedHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req savedSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	claims := claimsOf(c)
	ss := &models.SavedSearch{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Filter:      req.Filter,
		Visibility:  req.Visibility,
	}
	if err := s.saved.Update(c.Request.Context(), ss, actorOf(c), claims.Role == models.RoleAdmin); err != nil {
		failErr(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), actorOf(c), "update", "saved_search:"+req.Name, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// deleteSavedHandler handles DELETE /api/saved-searches/:id.
func (s *Server) deleteSavedHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	claims := claimsOf(c)
	if err := s.saved.Delete(c.Request.Context(), id, actorOf(c), claims.Role == models.RoleAdmin); err != nil {
		failErr(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), actorOf(c), "delete", "saved_search:"+c.Param("id"), c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// executeSavedHandler handles POST /api/saved-searches/:id/execute: runs the
// stored filter and bumps its usage stats.
func (s *Server) executeSavedHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ss, err := s.saved.Get(c.Request.Context(), id, actorOf(c))
	if err != nil {
		failErr(c, err)
		return
	}
	result, err := s.searcher.Search(c.Request.Context(), ss.Filter)
	if err != nil {
		failErr(c, err)
		return
	}
	_ = s.saved.MarkUsed(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"rows":    result.Rows,
		"cursor":  result.Cursor,
		"warning": result.Warning,
	})
}
