// loghive server - multi-protocol log ingestion, search, alerting and
// real-time streaming over a single embedded store.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/loghive/loghive/pkg/api"
	"github.com/loghive/loghive/pkg/auth"
	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/ingest"
	"github.com/loghive/loghive/pkg/listeners"
	"github.com/loghive/loghive/pkg/logging"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/retention"
	"github.com/loghive/loghive/pkg/rules"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
	"github.com/loghive/loghive/pkg/stream"
	"github.com/loghive/loghive/pkg/version"
)

const (
	exitConfig    = 1
	exitPortInUse = 2
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("No .env file loaded, continuing with existing environment", "path", *envPath)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(exitConfig)
	}

	logCloser := logging.Setup(cfg.DataDir, *debug)
	defer logCloser.Close()

	slog.Info("Starting loghive", "version", version.Full(),
		"port", cfg.Server.Port, "data_dir", cfg.DataDir, "env", cfg.Env)

	if err := run(cfg); err != nil {
		if isAddrInUse(err) {
			slog.Error("Port already in use", "port", cfg.Server.Port, "error", err)
			os.Exit(exitPortInUse)
		}
		slog.Error("Startup failed", "error", err)
		os.Exit(exitConfig)
	}
}

func run(cfg *config.Config) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store.
	db, err := database.NewClient(rootCtx, database.DefaultConfig(cfg.DataDir))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Database close failed", "error", err)
		}
	}()

	// Services.
	eventStore := services.NewEventStore(db)
	failedBatches := services.NewFailedBatchStore(db)
	savedSearches := services.NewSavedSearchService(db)
	alertRules := services.NewAlertRuleService(db)
	correlations := services.NewCorrelationService(db)
	opEvents := services.NewOperationalEventService(db)
	settings := services.NewSettingsService(db)
	auditLog := services.NewAuditService(db)
	users := services.NewUserService(db)
	slog.Info("Services initialized")

	seedSettings(rootCtx, settings, cfg)

	// Auth.
	authSvc := auth.NewService(users, cfg.Auth)
	if err := authSvc.BootstrapAdmin(rootCtx); err != nil {
		return err
	}

	// Metrics, stream hub, operational event fan-out.
	m := metrics.New()
	hub := stream.NewHub(authSvc, m)
	ops := &opSink{events: opEvents, hub: hub}
	settings.OnChange(func(st services.Setting) {
		hub.Publish("sessions", "settings_changed", st)
	})

	// Pipeline.
	queue := ingest.NewQueue(cfg.Ingest.QueueCapacity, m)
	geo := ingest.NewGeoDB()
	if path := os.Getenv("GEO_TABLE_PATH"); path != "" {
		if err := geo.LoadCSV(path); err != nil {
			slog.Warn("Geo table load failed, using built-in ranges", "path", path, "error", err)
		}
	}
	enricher := ingest.NewEnricher(geo)
	enricher.EnableReverseDNS = os.Getenv("REVERSE_DNS_ENABLED") == "true"

	writer := ingest.NewWriter(queue, eventStore, failedBatches, cfg.Ingest, m)
	retryWorker := ingest.NewRetryWorker(failedBatches, writer, cfg.Ingest, m, ops)

	// Rule engine, fed post-commit alongside the stream hub.
	engine := rules.NewEngine(alertRules, correlations, opEvents, hub, m)
	if err := engine.Load(rootCtx); err != nil {
		return err
	}
	writer.OnCommit(hub.PublishLogs)
	writer.OnCommit(engine.OnCommit)

	// Listeners.
	counters := listeners.NewCounters()
	listenerMgr := listeners.NewManager(cfg.Protocols, counters, m, ops,
		services.NewFileOffsetStore(settings))
	pipeline := ingest.NewPipeline(listenerMgr.Frames(), queue, enricher, cfg.Ingest, m)

	// Retention.
	retainer := retention.NewService(cfg.Retention, cfg.DataDir, db,
		eventStore, opEvents, users, settings, ops)
	if err := retainer.Start(); err != nil {
		return err
	}
	defer retainer.Stop()

	// HTTP API.
	server := api.NewServer(api.Deps{
		Cfg:      cfg,
		DB:       db,
		Searcher: search.NewEngine(db),
		Saved:    savedSearches,
		Rules:    alertRules,
		Corr:     correlations,
		OpEvents: opEvents,
		Failed:   failedBatches,
		Settings: settings,
		Audit:    auditLog,
		Users:    users,
		Auth:     authSvc,
		Hub:      hub,
		Engine:   engine,
		Counters: counters,
		Metrics:  m,
		Deliver:  listenerMgr.Deliver,
	})

	// Task tree. Shutdown order on signal: listeners stop accepting, the
	// pipeline drains the frame channel, the writer drains the queue and
	// flushes, the retry worker stops (in-flight rows replay after restart),
	// the hub says goodbye, and main's defers close retention and the store.
	listenCtx, stopListeners := context.WithCancel(rootCtx)
	defer stopListeners()

	g, gctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		return supervise(gctx, "listeners", func(context.Context) error { return listenerMgr.Run(listenCtx) })
	})
	// The pipeline runs until the frame channel closes (after the listeners
	// exit), so queued frames still drain during shutdown.
	g.Go(func() error { pipeline.Run(context.Background()); return nil })
	g.Go(func() error { writer.Run(rootCtx); return nil })
	g.Go(func() error { retryWorker.Run(rootCtx); return nil })
	g.Go(func() error { engine.Run(rootCtx); return nil })

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()
	slog.Info("HTTP server listening", "port", cfg.Server.Port, "https", cfg.Server.UseHTTPS)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			_ = g.Wait()
			return err
		}
	case <-rootCtx.Done():
		slog.Info("Shutdown signal received")
	}

	// Ordered shutdown.
	stopListeners()
	_ = g.Wait()

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	hub.Shutdown()
	slog.Info("Shutdown complete")
	return nil
}

// supervise restarts a task after a recovered panic, with 1s backoff. Data
// errors never panic; this is the last line against programming errors
// taking the process down.
func supervise(ctx context.Context, name string, task func(context.Context) error) error {
	for {
		err := runRecovered(ctx, name, task)
		if ctx.Err() != nil || err == nil {
			return err
		}
		slog.Error("Task crashed, restarting", "task", name, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func runRecovered(ctx context.Context, name string, task func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task_panic", "task", name, "panic", r)
			err = errors.New("task panicked")
		}
	}()
	return task(ctx)
}

// opSink fans operational events to the store and the live alerts channel.
type opSink struct {
	events *services.OperationalEventService
	hub    *stream.Hub
}

func (s *opSink) RecordOp(ctx context.Context, channel, typ string, payload any) {
	s.events.Record(ctx, channel, typ, payload)
	s.hub.Publish(channel, typ, payload)
}

// seedSettings writes first-run defaults from the startup configuration.
func seedSettings(ctx context.Context, settings *services.SettingsService, cfg *config.Config) {
	defaults := []struct{ key, value, typ string }{
		{services.SettingTimezone, cfg.Timezone, "string"},
		{services.SettingDateFormat, "2006-01-02 15:04:05", "string"},
		{services.SettingTheme, "dark", "string"},
		{services.SettingRetentionDays, strconv.Itoa(cfg.Retention.RetentionDays), "int"},
		{services.SettingOrderByIngestTime, "false", "bool"},
	}
	for _, d := range defaults {
		if err := settings.SetDefault(ctx, d.key, d.value, d.typ); err != nil {
			slog.Warn("Settings seed failed", "key", d.key, "error", err)
		}
	}
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && strings.Contains(opErr.Err.Error(), "address already in use")
}
