package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/tmplscout/tmplscout"
	"github.com/tmplscout/tmplscout/app"
	"github.com/tmplscout/tmplscout/store"
	"github.com/tmplscout/tmplscout/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

type globals struct {
	DataDir       string `help:"Directory for local cache and database state." env:"TMPLSCOUT_DATA_DIR"`
	RemoteURL     string `help:"Base URL of the hosted template service. Empty runs offline." env:"TMPLSCOUT_REMOTE_URL"`
	RemoteToken   string `help:"Bearer token for the remote service." env:"TMPLSCOUT_REMOTE_TOKEN"`
	LogLevel      string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info" env:"TMPLSCOUT_LOG_LEVEL"`
	LogFormat     string `help:"Log format (text, json)." enum:"text,json" default:"text" env:"TMPLSCOUT_LOG_FORMAT"`
	MetricsListen string `help:"Address to serve Prometheus metrics on. Empty disables metrics." env:"TMPLSCOUT_METRICS_LISTEN"`
	OTLPEndpoint  string `help:"OTLP gRPC endpoint for metric export." env:"TMPLSCOUT_OTLP_ENDPOINT"`
}

type cli struct {
	globals

	Search  searchCmd        `cmd:"" help:"Search templates by keyword."`
	Analyze analyzeCmd       `cmd:"" help:"Look up a cached analysis for a file."`
	Stats   statsCmd         `cmd:"" help:"Show cache and request statistics."`
	Sync    syncCmd          `cmd:"" help:"Run a delta sync against the remote service."`
	Cache   cacheCmd         `cmd:"" help:"Manage the local cache."`
	Version kong.VersionFlag `help:"Show version and exit."`
}

// runCtx carries the constructed application into each command.
type runCtx struct {
	ctx    context.Context
	app    *app.App
	logger *slog.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("tmplscout"),
		kong.Description("Template discovery with a local-first cache."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s)", version, commit)},
	)

	logger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}

	dataDir := c.DataDir
	if dataDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("resolving cache directory: %w", err)
		}
		dataDir = filepath.Join(base, "tmplscout")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := app.Config{
		DataDir:     dataDir,
		RemoteURL:   c.RemoteURL,
		RemoteToken: c.RemoteToken,
	}
	if c.MetricsListen != "" || c.OTLPEndpoint != "" {
		cfg.Metrics = telemetry.MetricsConfig{
			ServiceName:      "tmplscout",
			ServiceVersion:   version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.MetricsListen != "",
		}
	}

	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	a.Start(ctx)

	if c.MetricsListen != "" {
		go serveMetrics(ctx, c.MetricsListen, logger)
	}

	return kctx.Run(&runCtx{ctx: ctx, app: a, logger: logger})
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return slog.New(handler), nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}

type searchCmd struct {
	Query    string `arg:"" optional:"" help:"Keyword query."`
	Category string `help:"Restrict results to a category."`
	Limit    int    `help:"Maximum number of results." default:"20"`
}

func (s *searchCmd) Run(rc *runCtx) error {
	templates, err := rc.app.Store().Search(rc.ctx, store.Query{
		Text:     s.Query,
		Category: s.Category,
		Limit:    s.Limit,
	})
	if err != nil {
		return fmt.Errorf("searching templates: %w", err)
	}

	if len(templates) == 0 {
		fmt.Println("no templates found")
		return nil
	}

	for _, t := range templates {
		fmt.Printf("%-8d %-30s %-12s %.2f\n", t.ID, t.Name, t.Category, t.Score)
	}
	return nil
}

type analyzeCmd struct {
	Path string `arg:"" type:"existingfile" help:"File to look up."`
	Type string `help:"Analysis type." default:"structure"`
}

func (a *analyzeCmd) Run(rc *runCtx) error {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	hash := tmplscout.HashBytes(data)
	analysis, err := rc.app.Store().AnalysisFor(rc.ctx, hash.String(), a.Type)
	if err != nil {
		if errors.Is(err, tmplscout.ErrNotFound) {
			fmt.Printf("no %s analysis for %s\n", a.Type, hash.ShortString())
			return nil
		}
		return fmt.Errorf("looking up analysis: %w", err)
	}

	fmt.Printf("analysis %s for %s (confidence %.2f)\n", analysis.AnalysisType, hash.ShortString(), analysis.Confidence)
	fmt.Println(analysis.Result)
	return nil
}

type statsCmd struct{}

func (statsCmd) Run(rc *runCtx) error {
	stats := rc.app.Cache().Stats()

	fmt.Println("cache:")
	fmt.Printf("  fast     hits=%d misses=%d evictions=%d\n", stats.FastHits, stats.FastMisses, stats.FastEvictions)
	fmt.Printf("  persist  hits=%d misses=%d\n", stats.PersistHits, stats.PersistMisses)
	fmt.Printf("  disk     hits=%d misses=%d evictions=%d files=%d\n", stats.DiskHits, stats.DiskMisses, stats.DiskEvictions, rc.app.Cache().DiskLen())
	fmt.Printf("  expired=%d compression-saved=%s errors=%d avg-get=%s\n",
		stats.ExpiredRemoved, formatBytes(stats.CompressionBytesSaved), stats.Errors, stats.AvgGetLatency)

	templates, analyses, err := rc.app.Store().Counts(rc.ctx)
	if err != nil {
		return fmt.Errorf("counting records: %w", err)
	}
	state := "offline"
	if rc.app.Store().Online() {
		state = "online"
	}
	fmt.Println("store:")
	fmt.Printf("  templates=%d analyses=%d state=%s\n", templates, analyses, state)

	if coord := rc.app.Coordinator(); coord != nil {
		m := coord.Metrics()
		fmt.Println("requests:")
		fmt.Printf("  total=%d succeeded=%d failed=%d retried=%d\n", m.TotalRequests, m.Succeeded, m.Failed, m.Retried)
		fmt.Printf("  cache-hit-rate=%.1f%% dedup-rate=%.1f%% batch-efficiency=%.1f avg-latency=%s\n",
			m.CacheHitRate*100, m.DedupRate*100, m.BatchEfficiency, m.AvgLatency)
	}

	return nil
}

type syncCmd struct{}

func (syncCmd) Run(rc *runCtx) error {
	if rc.app.Coordinator() == nil {
		return fmt.Errorf("no remote configured, set --remote-url")
	}
	if err := rc.app.Store().SyncNow(rc.ctx); err != nil {
		return fmt.Errorf("syncing: %w", err)
	}

	templates, analyses, err := rc.app.Store().Counts(rc.ctx)
	if err != nil {
		return fmt.Errorf("counting records: %w", err)
	}
	fmt.Printf("sync complete: %d templates, %d analyses\n", templates, analyses)
	return nil
}

type cacheCmd struct {
	Purge   cachePurgeCmd   `cmd:"" help:"Remove cache entries."`
	Cleanup cacheCleanupCmd `cmd:"" help:"Reap expired entries across all tiers."`
}

type cachePurgeCmd struct {
	Namespace string `help:"Only purge entries in this namespace."`
}

func (p *cachePurgeCmd) Run(rc *runCtx) error {
	rc.app.Cache().Clear(rc.ctx, p.Namespace)
	if p.Namespace == "" {
		fmt.Println("cache purged")
	} else {
		fmt.Printf("namespace %q purged\n", p.Namespace)
	}
	return nil
}

type cacheCleanupCmd struct{}

func (cacheCleanupCmd) Run(rc *runCtx) error {
	result := rc.app.Cache().RunCleanup(rc.ctx)
	deleted, err := rc.app.Store().CleanupExpired(rc.ctx)
	if err != nil {
		return fmt.Errorf("cleaning store: %w", err)
	}

	fmt.Printf("cleanup: fast=%d persist=%d disk-expired=%d disk-evicted=%d store=%d in %s\n",
		result.FastExpired, result.PersistReaped, result.DiskExpired, result.DiskEvicted, deleted, result.Duration)
	return nil
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	units := strings.Split("KMGTPE", "")
	return fmt.Sprintf("%.1f%siB", float64(n)/float64(div), units[exp])
}
