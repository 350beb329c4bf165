// Package server wires storage, workers, schedules and the HTTP surface
// into one runnable process.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vaultstream/vaultstream/internal/adapters"
	"github.com/vaultstream/vaultstream/internal/archive"
	"github.com/vaultstream/vaultstream/internal/blob"
	"github.com/vaultstream/vaultstream/internal/botreg"
	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/config"
	"github.com/vaultstream/vaultstream/internal/distq"
	"github.com/vaultstream/vaultstream/internal/httpapi"
	"github.com/vaultstream/vaultstream/internal/match"
	"github.com/vaultstream/vaultstream/internal/parser"
	"github.com/vaultstream/vaultstream/internal/pusher"
	"github.com/vaultstream/vaultstream/internal/settings"
	"github.com/vaultstream/vaultstream/internal/store"
	storesqlite "github.com/vaultstream/vaultstream/internal/store/sqlite"
	"github.com/vaultstream/vaultstream/internal/taskqueue"
	"github.com/vaultstream/vaultstream/internal/telemetry"
	"github.com/vaultstream/vaultstream/migrations"
)

// Sentinel errors that map onto process exit codes.
var (
	ErrConfig    = errors.New("configuration error")
	ErrStorage   = errors.New("storage unreachable")
	ErrMigration = errors.New("migration required")
)

// eventRetention is how long outbox rows are kept.
const eventRetention = 7 * 24 * time.Hour

// Server is the assembled process.
type Server struct {
	cfg    *config.Config
	db     *sql.DB
	stores *store.Stores

	settings *settings.Service
	bus      *bus.Bus
	tasks    *taskqueue.Queue
	registry *adapters.Registry
	engine   *match.Engine
	distq    *distq.Service
	bots     *botreg.Registry
	parser   *parser.Worker
	pusher   *pusher.Worker
	telem    *telemetry.Provider

	httpSrv  *http.Server
	cron     *cron.Cron
	logClose func() error
}

// New builds the server: opens storage, applies embedded migrations, and
// wires every component.
func New(ctx context.Context, cfg *config.Config, version string) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	logClose, err := setupLogging(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	db, err := storesqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	stores := storesqlite.NewStores(db)
	settingsSvc := settings.New(stores.Settings)
	eventBus := bus.New(stores.Events, "srv-"+uuid.NewString()[:8])

	blobStore, err := blob.NewLocalStore(cfg.Storage.MediaRoot, cfg.Storage.PublicBaseURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	archiver := archive.New(blobStore, httpClient, archive.Options{
		WebPQuality: settingsSvc.GetInt(ctx, settings.KeyArchiveWebPQuality, 80),
		MaxImages:   settingsSvc.GetInt(ctx, settings.KeyArchiveImageMax, 9),
	})

	tasks := taskqueue.New(stores.Tasks)
	registry := adapters.NewRegistry(httpClient)
	registry.SetFallback(adapters.NewLLMAdapter(adapters.LLMConfig{
		APIKey:  settingsSvc.Get(ctx, settings.KeyTextLLMAPIKey),
		BaseURL: settingsSvc.Get(ctx, settings.KeyTextLLMAPIBase),
		Model:   settingsSvc.Get(ctx, settings.KeyTextLLMModel),
	}, httpClient))

	engine := match.NewEngine(stores.Rules, stores.Queue, stores.Pushed, stores.Bots, eventBus)
	dq := distq.NewService(stores.Queue, eventBus)
	bots := botreg.New(stores.Bots, settingsSvc, eventBus, nil)

	parseWorker := parser.NewWorker(tasks, stores.Contents, stores.Rules, registry, archiver,
		engine, settingsSvc, eventBus, parser.Options{Concurrency: cfg.Workers.ParseConcurrency})
	pushWorker := pusher.NewWorker(stores.Queue, stores.Contents, stores.Rules, stores.Pushed,
		bots, dq, eventBus, pusher.Options{
			BatchSize:    cfg.Workers.PushBatchSize,
			PollInterval: time.Duration(cfg.Workers.PushIntervalSec) * time.Second,
		})

	telem, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		slog.Warn("telemetry init failed", "error", err)
		telem = nil
	}

	// The API token resolves per request so a settings write applies
	// without a restart.
	tokenFunc := func(r *http.Request) string {
		if t := settingsSvc.Get(r.Context(), settings.KeyAPIToken); t != "" {
			return t
		}
		return cfg.Server.APIToken
	}

	mux := http.NewServeMux()
	httpapi.NewSharesHandler(stores.Contents, registry, tasks, eventBus, tokenFunc).RegisterRoutes(mux)
	httpapi.NewContentsHandler(stores.Contents, stores.Queue, tasks, engine, dq, eventBus, tokenFunc).RegisterRoutes(mux)
	httpapi.NewQueueHandler(dq, tokenFunc).RegisterRoutes(mux)
	httpapi.NewRulesHandler(stores.Rules, stores.Queue, eventBus, tokenFunc).RegisterRoutes(mux)
	httpapi.NewBotsHandler(bots, stores.Bots, stores.Queue, tokenFunc).RegisterRoutes(mux)
	httpapi.NewSettingsHandler(settingsSvc, tokenFunc).RegisterRoutes(mux)
	httpapi.NewEventsHandler(eventBus, tokenFunc).RegisterRoutes(mux)
	mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(blobStore.Root()))))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})

	s := &Server{
		cfg:      cfg,
		db:       db,
		stores:   stores,
		settings: settingsSvc,
		bus:      eventBus,
		tasks:    tasks,
		registry: registry,
		engine:   engine,
		distq:    dq,
		bots:     bots,
		parser:   parseWorker,
		pusher:   pushWorker,
		telem:    telem,
		logClose: logClose,
		httpSrv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.cron = s.buildCron(ctx)
	return s, nil
}

// applyMigrations brings the schema up to date from the embedded files.
func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	v, dirty, _ := m.Version()
	slog.Info("schema ready", "version", v, "dirty", dirty)
	return nil
}

// buildCron schedules the maintenance jobs: lease recovery, outbox
// pruning, and the optional periodic bot chat sync.
func (s *Server) buildCron(ctx context.Context) *cron.Cron {
	c := cron.New()

	c.AddFunc("@every 1m", func() {
		if n, err := s.stores.Tasks.RequeueExpired(context.Background(), taskqueue.LeaseTTL, time.Now().UTC()); err == nil && n > 0 {
			slog.Info("expired task leases requeued", "count", n)
		}
		if n, err := s.stores.Queue.ReleaseExpired(context.Background(), taskqueue.LeaseTTL, time.Now().UTC()); err == nil && n > 0 {
			slog.Info("expired queue leases released", "count", n)
		}
	})

	c.AddFunc("@daily", func() {
		cutoff := time.Now().UTC().Add(-eventRetention)
		if n, err := s.stores.Events.Prune(context.Background(), cutoff); err == nil && n > 0 {
			slog.Info("realtime events pruned", "count", n)
		}
	})

	if spec := s.settings.Get(ctx, settings.KeyBotSyncCron); spec != "" {
		if _, err := c.AddFunc(spec, func() { s.bots.SyncAll(context.Background()) }); err != nil {
			slog.Warn("invalid bot sync cron", "spec", spec, "error", err)
		}
	}

	return c
}

// ApplyConfig absorbs a hot-reloaded config. Only the log level changes at
// runtime; listener and storage changes need a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	logLevel.Set(parseLevel(cfg.Logging.Level))
}

// Run starts workers and the HTTP listener and blocks until ctx cancels.
func (s *Server) Run(ctx context.Context) error {
	// Recover anything a previous process left locked.
	now := time.Now().UTC()
	if n, err := s.stores.Tasks.RequeueExpired(ctx, taskqueue.LeaseTTL, now); err == nil && n > 0 {
		slog.Info("startup: requeued orphaned tasks", "count", n)
	}
	if n, err := s.stores.Queue.ReleaseExpired(ctx, taskqueue.LeaseTTL, now); err == nil && n > 0 {
		slog.Info("startup: released orphaned queue items", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(s.bus.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(s.parser.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(s.pusher.Run(gctx)) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		slog.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.cron.Start()
	defer s.cron.Stop()

	err := g.Wait()
	s.close()
	return err
}

func (s *Server) close() {
	if s.telem != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.telem.Shutdown(shutdownCtx)
		cancel()
	}
	if err := s.db.Close(); err != nil {
		slog.Warn("database close failed", "error", err)
	}
	if s.logClose != nil {
		s.logClose()
	}
	slog.Info("server stopped")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
