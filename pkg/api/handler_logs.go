package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loghive/loghive/pkg/models"
)

// ingestHandler handles POST /log: a single JSON record or an array.
// Unauthenticated by design; the pipeline treats the payload like any other
// protocol frame.
func (s *Server) ingestHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		fail(c, http.StatusBadRequest, "bad_request", "empty body")
		return
	}

	received := time.Now().UTC()
	peer := c.ClientIP()
	userAgent := c.GetHeader("User-Agent")

	mkFrame := func(record []byte) models.RawFrame {
		return models.RawFrame{
			Proto:      "http",
			Payload:    record,
			PeerAddr:   peer,
			ReceivedAt: received,
			UserAgent:  userAgent,
		}
	}

	switch body[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(body, &records); err != nil {
			fail(c, http.StatusBadRequest, "bad_request", "malformed JSON array")
			return
		}
		for _, rec := range records {
			s.deliver(mkFrame(rec))
		}
	case '{':
		if !json.Valid(body) {
			fail(c, http.StatusBadRequest, "bad_request", "malformed JSON")
			return
		}
		s.deliver(mkFrame(body))
	default:
		fail(c, http.StatusBadRequest, "bad_request", "body must be a JSON object or array")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// searchHandler handles GET /api/logs/search with the filter in query
// parameters.
func (s *Server) searchHandler(c *gin.Context) {
	spec, err := filterFromQuery(c)
	if err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "malformed filter parameter")
		return
	}
	s.runSearch(c, spec)
}

// searchPostHandler handles POST /api/logs/search for filters too long for a
// query string.
func (s *Server) searchPostHandler(c *gin.Context) {
	var spec models.FilterSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "malformed filter body")
		return
	}
	s.runSearch(c, spec)
}

func (s *Server) runSearch(c *gin.Context, spec models.FilterSpec) {
	result, err := s.searcher.Search(c.Request.Context(), spec)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"rows":    result.Rows,
		"cursor":  result.Cursor,
		"warning": result.Warning,
	})
}

// exportHandler handles GET /api/logs/export: streams CSV.
func (s *Server) exportHandler(c *gin.Context) {
	spec, err := filterFromQuery(c)
	if err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "malformed filter parameter")
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="logs.csv"`)
	c.Status(http.StatusOK)

	if err := s.searcher.Export(c.Request.Context(), spec, c.Writer); err != nil {
		// Headers are gone; the partial CSV stands. The timeout is the one
		// expected mid-stream failure and the flushed rows remain valid.
		return
	}
}

// facetsHandler handles GET /api/logs/facets.
func (s *Server) facetsHandler(c *gin.Context) {
	spec, err := filterFromQuery(c)
	if err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "malformed filter parameter")
		return
	}
	fields := splitParam(c.Query("fields"))
	if len(fields) == 0 {
		fields = []string{"level", "source", "category"}
	}

	facets, err := s.searcher.Facets(c.Request.Context(), spec, fields)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "facets": facets})
}
