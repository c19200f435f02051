package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loghive/loghive/pkg/models"
)

// loginRequest is the POST /api/auth/login body.
type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// savedSearchRequest is the saved-search create/update body.
type savedSearchRequest struct {
	Name        string            `json:"name" binding:"required"`
	Description string            `json:"description"`
	Filter      models.FilterSpec `json:"filter"`
	Visibility  models.Visibility `json:"visibility"`
}

// alertRuleRequest is the alert rule create/update body.
type alertRuleRequest struct {
	Name            string            `json:"name" binding:"required"`
	Query           models.FilterSpec `json:"query"`
	WindowSeconds   int               `json:"window_seconds" binding:"required"`
	Threshold       int64             `json:"threshold"`
	Comparator      models.Comparator `json:"comparator" binding:"required"`
	Severity        models.Level      `json:"severity"`
	CooldownSeconds int               `json:"cooldown_seconds"`
	Enabled         *bool             `json:"enabled"`
}

func (r *alertRuleRequest) toModel() *models.AlertRule {
	rule := &models.AlertRule{
		Name:            r.Name,
		Query:           r.Query,
		WindowSeconds:   r.WindowSeconds,
		Threshold:       r.Threshold,
		Comparator:      r.Comparator,
		Severity:        r.Severity,
		CooldownSeconds: r.CooldownSeconds,
		Enabled:         true,
	}
	if r.Enabled != nil {
		rule.Enabled = *r.Enabled
	}
	if rule.CooldownSeconds == 0 {
		rule.CooldownSeconds = 300
	}
	return rule
}

// patternRequest is the correlation pattern create body.
type patternRequest struct {
	Name     string                    `json:"name" binding:"required"`
	Sequence []models.CorrelationStage `json:"sequence" binding:"required"`
	GroupBy  string                    `json:"group_by" binding:"required"`
	Enabled  *bool                     `json:"enabled"`
}

// settingRequest is the PUT /api/settings/:key body.
type settingRequest struct {
	Value string `json:"value" binding:"required"`
	Type  string `json:"type"`
}

// filterFromQuery builds a FilterSpec from GET query parameters.
func filterFromQuery(c *gin.Context) (models.FilterSpec, error) {
	spec := models.FilterSpec{
		Text:          c.Query("text"),
		CaseSensitive: c.Query("case_sensitive") == "true",
		Cursor:        c.Query("cursor"),
	}
	if c.Query("text_match") == string(models.MatchRegex) {
		spec.TextMatch = models.MatchRegex
	}
	spec.Levels = splitParam(c.Query("levels"))
	spec.Sources = splitParam(c.Query("sources"))
	spec.Categories = splitParam(c.Query("categories"))

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return spec, err
		}
		spec.Limit = n
	}
	for name, dst := range map[string]**time.Time{
		"time_from": &spec.TimeFrom,
		"time_to":   &spec.TimeTo,
	} {
		if v := c.Query(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return spec, err
			}
			*dst = &t
		}
	}
	return spec, nil
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
