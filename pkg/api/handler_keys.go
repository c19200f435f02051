package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// apiKeyRequest is the POST /api/keys body.
type apiKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

// createKeyHandler handles POST /api/keys (admin). The plaintext key appears
// only in this response.
func (s *Server) createKeyHandler(c *gin.Context) {
	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	key, err := s.auth.CreateAPIKey(c.Request.Context(), req.Name)
	if err != nil {
		failErr(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), actorOf(c), "create", "api_key:"+key.Name, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"key": gin.H{
			"id":         key.ID,
			"name":       key.Name,
			"key":        key.Key,
			"created_at": key.CreatedAt,
		},
	})
}

// listKeysHandler handles GET /api/keys (admin): metadata only.
func (s *Server) listKeysHandler(c *gin.Context) {
	keys, err := s.users.ListAPIKeys(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "keys": keys})
}

// deleteKeyHandler handles DELETE /api/keys/:id (admin).
func (s *Server) deleteKeyHandler(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.users.DeleteAPIKey(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	s.audit.Record(c.Request.Context(), actorOf(c), "delete", "api_key:"+strconv.FormatInt(id, 10), c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true})
}
