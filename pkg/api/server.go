package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loghive/loghive/pkg/auth"
	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/listeners"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/rules"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
	"github.com/loghive/loghive/pkg/stream"
)

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	cfg      *config.Config
	db       *database.Client
	searcher *search.Engine
	saved    *services.SavedSearchService
	ruleSvc  *services.AlertRuleService
	corrSvc  *services.CorrelationService
	opEvents *services.OperationalEventService
	failed   *services.FailedBatchStore
	settings *services.SettingsService
	audit    *services.AuditService
	users    *services.UserService
	auth     *auth.Service
	hub      *stream.Hub
	engine   *rules.Engine
	counters *listeners.Counters
	metrics  *metrics.Metrics

	// deliver feeds HTTP-ingested records into the pipeline.
	deliver func(models.RawFrame)

	startedAt time.Time
}

// Deps bundles the server's collaborators.
type Deps struct {
	Cfg      *config.Config
	DB       *database.Client
	Searcher *search.Engine
	Saved    *services.SavedSearchService
	Rules    *services.AlertRuleService
	Corr     *services.CorrelationService
	OpEvents *services.OperationalEventService
	Failed   *services.FailedBatchStore
	Settings *services.SettingsService
	Audit    *services.AuditService
	Users    *services.UserService
	Auth     *auth.Service
	Hub      *stream.Hub
	Engine   *rules.Engine
	Counters *listeners.Counters
	Metrics  *metrics.Metrics
	Deliver  func(models.RawFrame)
}

// NewServer creates the API server and registers all routes.
func NewServer(d Deps) *Server {
	if d.Cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	s := &Server{
		router:    router,
		cfg:       d.Cfg,
		db:        d.DB,
		searcher:  d.Searcher,
		saved:     d.Saved,
		ruleSvc:   d.Rules,
		corrSvc:   d.Corr,
		opEvents:  d.OpEvents,
		failed:    d.Failed,
		settings:  d.Settings,
		audit:     d.Audit,
		users:     d.Users,
		auth:      d.Auth,
		hub:       d.Hub,
		engine:    d.Engine,
		counters:  d.Counters,
		metrics:   d.Metrics,
		deliver:   d.Deliver,
		startedAt: time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.router.Use(recovery(), bodyLimit())

	// Never-auth surfaces.
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.POST("/log",
		ingestRateLimit(s.cfg.Server.IngestRPS, s.cfg.Server.IngestBurst), s.ingestHandler)

	api := s.router.Group("/api")

	// Auth endpoints.
	api.POST("/auth/login", s.loginHandler)
	api.POST("/auth/logout", s.logoutHandler)

	// Authenticated surfaces.
	authed := api.Group("", s.requireAuth())
	{
		authed.GET("/logs/search", s.searchHandler)
		authed.POST("/logs/search", s.searchPostHandler)
		authed.GET("/logs/export", s.exportHandler)
		authed.GET("/logs/facets", s.facetsHandler)

		authed.GET("/saved-searches", s.listSavedHandler)
		authed.POST("/saved-searches", s.createSavedHandler)
		authed.GET("/saved-searches/:id", s.getSavedHandler)
		authed.PUT("/saved-searches/:id", s.updateSavedHandler)
		authed.DELETE("/saved-searches/:id", s.deleteSavedHandler)
		authed.POST("/saved-searches/:id/execute", s.executeSavedHandler)

		authed.GET("/alerts/rules", s.listRulesHandler)
		authed.GET("/alerts/rules/:id", s.getRuleHandler)
		authed.GET("/alerts/firings", s.listFiringsHandler)
		authed.GET("/alerts/correlations", s.listPatternsHandler)

		authed.GET("/ingestion/status", s.ingestionStatusHandler)
		authed.GET("/settings", s.listSettingsHandler)
		authed.GET("/audit", s.auditHandler)
	}

	// Admin-only mutations.
	admin := api.Group("", s.requireAuth(), s.requireAdmin())
	{
		admin.POST("/alerts/rules", s.createRuleHandler)
		admin.PUT("/alerts/rules/:id", s.updateRuleHandler)
		admin.DELETE("/alerts/rules/:id", s.deleteRuleHandler)
		admin.POST("/alerts/correlations", s.createPatternHandler)
		admin.DELETE("/alerts/correlations/:id", s.deletePatternHandler)
		admin.PUT("/settings/:key", s.setSettingHandler)
		admin.POST("/keys", s.createKeyHandler)
		admin.GET("/keys", s.listKeysHandler)
		admin.DELETE("/keys/:id", s.deleteKeyHandler)
	}

	// WebSocket streaming; authentication happens in-band.
	s.router.GET("/stream", func(c *gin.Context) {
		s.hub.HandleWS(c.Writer, c.Request)
	})
}

// Start serves HTTP (or HTTPS per configuration) until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.cfg.Server.UseHTTPS {
		return s.httpServer.ListenAndServeTLS(s.cfg.Server.SSLCertPath, s.cfg.Server.SSLKeyPath)
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener. Used by tests to bind
// a random port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.router}
	return s.httpServer.Serve(ln)
}

// Handler exposes the router for httptest-style tests.
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
