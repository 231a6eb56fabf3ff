// Package app wires the data layer together: cache engine, hybrid store,
// request coordinator and telemetry, with one explicit lifecycle. Every
// consumer receives the App by reference; nothing is a package-level
// singleton.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/tmplscout/tmplscout/cache"
	"github.com/tmplscout/tmplscout/request"
	"github.com/tmplscout/tmplscout/store"
	"github.com/tmplscout/tmplscout/telemetry"
)

// Config configures the whole application.
type Config struct {
	// DataDir is the root directory for all local state: the cache tiers
	// and the embedded database.
	DataDir string

	// RemoteURL is the base URL of the hosted template service. Empty
	// runs fully offline.
	RemoteURL string

	// RemoteToken authenticates against the remote service.
	RemoteToken string

	// Cache overrides cache engine defaults. Dir is derived from DataDir.
	Cache cache.Config

	// Store overrides hybrid store defaults.
	Store store.Config

	// Request overrides request coordinator defaults.
	Request request.Config

	// Metrics configures OTel export. Zero disables initialization.
	Metrics telemetry.MetricsConfig
}

// App owns every component and its background loops. Construct with New,
// launch loops with Start, release everything with Close.
type App struct {
	logger *slog.Logger

	cacheEngine *cache.Engine
	coordinator *request.Coordinator
	hybrid      *store.HybridStore

	metricsShutdown func(context.Context) error
}

// Option configures an App.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	embedder store.Embedder
}

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEmbedder enables the semantic search accelerator.
func WithEmbedder(e store.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// New constructs the application. On error, anything already constructed
// is closed again.
func New(ctx context.Context, cfg Config, opts ...Option) (*App, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("app: DataDir is required")
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{logger: o.logger}

	if cfg.Metrics.ServiceName != "" {
		shutdown, err := telemetry.InitMetrics(ctx, cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("initializing metrics: %w", err)
		}
		a.metricsShutdown = shutdown
	}

	cacheCfg := cfg.Cache
	cacheCfg.Dir = filepath.Join(cfg.DataDir, "cache")
	engine, err := cache.New(cacheCfg, cache.WithLogger(o.logger))
	if err != nil {
		a.closePartial(ctx)
		return nil, fmt.Errorf("creating cache engine: %w", err)
	}
	a.cacheEngine = engine

	local, err := store.OpenLocal(store.DefaultLocalConfig(filepath.Join(cfg.DataDir, "store.db")))
	if err != nil {
		a.closePartial(ctx)
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	storeOpts := []store.Option{
		store.WithLogger(o.logger),
		store.WithCache(engine),
	}
	if o.embedder != nil {
		storeOpts = append(storeOpts, store.WithEmbedder(o.embedder))
	}

	if cfg.RemoteURL != "" {
		var transportOpts []request.HTTPTransportOption
		if cfg.RemoteToken != "" {
			transportOpts = append(transportOpts, request.WithBearerToken(cfg.RemoteToken))
		}
		transport := request.NewHTTPTransport(cfg.RemoteURL, transportOpts...)

		coordinator, err := request.New(cfg.Request, transport,
			request.WithLogger(o.logger),
			request.WithCache(engine),
		)
		if err != nil {
			_ = local.Close()
			a.closePartial(ctx)
			return nil, fmt.Errorf("creating request coordinator: %w", err)
		}
		a.coordinator = coordinator
		storeOpts = append(storeOpts, store.WithRemote(store.NewRemote(coordinator)))
	}

	a.hybrid = store.New(cfg.Store, local, storeOpts...)

	return a, nil
}

// Start launches every background loop: cache cleanup, the connectivity
// probe and delta sync.
func (a *App) Start(ctx context.Context) {
	a.cacheEngine.Start(ctx)
	a.hybrid.Start(ctx)
}

// Close stops all background loops and releases every component. Safe to
// call once after New, whether or not Start ran.
func (a *App) Close(ctx context.Context) error {
	var firstErr error

	if a.hybrid != nil {
		if err := a.hybrid.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.cacheEngine != nil {
		if err := a.cacheEngine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.metricsShutdown != nil {
		if err := a.metricsShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// closePartial unwinds a half-finished New.
func (a *App) closePartial(ctx context.Context) {
	if a.cacheEngine != nil {
		_ = a.cacheEngine.Close()
	}
	if a.metricsShutdown != nil {
		_ = a.metricsShutdown(ctx)
	}
}

// Cache returns the cache engine.
func (a *App) Cache() *cache.Engine {
	return a.cacheEngine
}

// Store returns the hybrid store.
func (a *App) Store() *store.HybridStore {
	return a.hybrid
}

// Coordinator returns the request coordinator, or nil when no remote is
// configured.
func (a *App) Coordinator() *request.Coordinator {
	return a.coordinator
}
