package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/loghive/loghive/pkg/auth"
	"github.com/loghive/loghive/pkg/models"
)

// maxBodyBytes caps JSON request bodies: above the 64 KiB message cap plus
// array and envelope overhead, below anything that could exhaust memory.
const maxBodyBytes = 2 * 1024 * 1024

const claimsKey = "auth.claims"

// bodyLimit rejects oversized request bodies at the read level.
func bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	}
}

// ingestRateLimit guards the open /log endpoint with a token bucket.
// Requests beyond the bucket get 429; a shipper that backs off and retries
// loses nothing.
func ingestRateLimit(rps, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			fail(c, http.StatusTooManyRequests, "rate_limited", "ingest rate limit exceeded")
			return
		}
		c.Next()
	}
}

// recovery converts panics into the 500 envelope and keeps the process up.
func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Handler panic recovered", "path", c.Request.URL.Path, "panic", r)
				fail(c, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		c.Next()
	}
}

// requireAuth validates the caller's credential and stores claims on the
// context. Non-interactive clients present an X-API-Key header (viewer
// scope); browsers present a bearer token or session cookie.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			k, err := s.auth.VerifyAPIKey(c.Request.Context(), key)
			if err != nil {
				fail(c, http.StatusUnauthorized, "invalid_token", "missing or invalid token")
				return
			}
			c.Set(claimsKey, &auth.Claims{Username: "key:" + k.Name, Role: models.RoleViewer})
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			fail(c, http.StatusUnauthorized, "invalid_token", "missing or invalid token")
			return
		}
		claims, err := s.auth.Verify(c.Request.Context(), token)
		if err != nil {
			fail(c, http.StatusUnauthorized, "invalid_token", "missing or invalid token")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// requireAdmin gates admin-only routes; must run after requireAuth.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsOf(c)
		if claims == nil || claims.Role != models.RoleAdmin {
			fail(c, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if cookie, err := c.Cookie("session"); err == nil {
		return cookie
	}
	return ""
}

func claimsOf(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// actorOf names the authenticated user for audit rows.
func actorOf(c *gin.Context) string {
	if claims := claimsOf(c); claims != nil {
		return claims.Username
	}
	return "anonymous"
}
