package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// loginHandler handles POST /api/auth/login: verifies credentials and
// returns a JWT plus a session cookie.
func (s *Server) loginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "username and password are required")
		return
	}

	token, user, err := s.auth.Login(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if err != nil {
		failErr(c, err)
		return
	}

	s.audit.Record(c.Request.Context(), user.Username, "login", "session", c.ClientIP())
	c.SetCookie("session", token, int(s.cfg.Auth.SessionTTL.Seconds()), "/", "", s.cfg.Server.UseHTTPS, true)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"token":   token,
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

// logoutHandler handles POST /api/auth/logout: revokes the backing session.
func (s *Server) logoutHandler(c *gin.Context) {
	token := bearerToken(c)
	if token != "" {
		_ = s.auth.Logout(c.Request.Context(), token)
	}
	c.SetCookie("session", "", -1, "/", "", s.cfg.Server.UseHTTPS, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
