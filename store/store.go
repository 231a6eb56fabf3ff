package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	tmplscout "github.com/tmplscout/tmplscout"
	"github.com/tmplscout/tmplscout/cache"
	"github.com/tmplscout/tmplscout/telemetry"
)

const (
	searchNamespace   = "search"
	analysisNamespace = "analysis"
)

// Config enumerates hybrid store tuning options. Zero fields are filled
// with defaults at construction.
type Config struct {
	// SyncInterval is how often the background delta sync runs.
	SyncInterval time.Duration

	// ProbeInterval is how often remote connectivity is checked.
	ProbeInterval time.Duration

	// SearchCacheTTL bounds how long search results are memoized.
	SearchCacheTTL time.Duration

	// RecordTTL is the expiry applied to rows written through from the
	// remote store.
	RecordTTL time.Duration

	// SearchLimit is the default result cap for queries without one.
	SearchLimit int
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:   5 * time.Minute,
		ProbeInterval:  30 * time.Second,
		SearchCacheTTL: 2 * time.Minute,
		RecordTTL:      24 * time.Hour,
		SearchLimit:    20,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.SearchCacheTTL <= 0 {
		c.SearchCacheTTL = def.SearchCacheTTL
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = def.RecordTTL
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = def.SearchLimit
	}
}

// HybridStore serves template and analysis lookups from the cache engine,
// the embedded local store and, when reachable, the remote store. The
// local store is authoritative offline; remote results are written through
// into it.
type HybridStore struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	local    *LocalStore
	remote   *Remote
	cache    *cache.Engine
	embedder Embedder
	index    *vectorIndex

	online atomic.Bool
	closed atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	syncer  *Syncer
}

// Option configures a HybridStore.
type Option func(*HybridStore)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *HybridStore) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *HybridStore) {
		s.now = now
	}
}

// WithRemote attaches the remote store client. Without it the store runs
// purely locally.
func WithRemote(remote *Remote) Option {
	return func(s *HybridStore) {
		s.remote = remote
	}
}

// WithCache attaches the cache engine for lookup memoization.
func WithCache(engine *cache.Engine) Option {
	return func(s *HybridStore) {
		s.cache = engine
	}
}

// WithEmbedder enables the semantic search accelerator. Embedding or index
// failures silently fall back to keyword matching.
func WithEmbedder(e Embedder) Option {
	return func(s *HybridStore) {
		s.embedder = e
		s.index = newVectorIndex()
	}
}

// New creates a HybridStore over the local store.
func New(cfg Config, local *LocalStore, opts ...Option) *HybridStore {
	cfg.applyDefaults()

	s := &HybridStore{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		local:  local,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.remote != nil {
		s.syncer = newSyncer(local, s.remote, cfg.SyncInterval, s.logger, s.now)
	}
	return s
}

// Start launches the connectivity probe and the background sync loop. It
// probes once synchronously so the online flag is meaningful immediately.
func (s *HybridStore) Start(ctx context.Context) {
	if s.remote == nil {
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.probe(ctx)
	s.syncer.Start(ctx)
	go s.probeLoop(ctx)
}

func (s *HybridStore) probeLoop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

// probe checks remote connectivity and updates the online flag.
func (s *HybridStore) probe(ctx context.Context) {
	err := s.remote.Ping(ctx)
	s.setOnline(ctx, err == nil)
	if err != nil {
		s.logger.Debug("connectivity probe failed", "error", err)
	}
}

func (s *HybridStore) setOnline(ctx context.Context, online bool) {
	if s.online.Swap(online) != online {
		s.logger.Info("remote connectivity changed", "online", online)
	}
	telemetry.UpdateOnlineState(ctx, online)
}

// Online reports whether the remote store is currently reachable.
func (s *HybridStore) Online() bool {
	return s.online.Load()
}

// Close stops the background loops and closes the local store. Further
// lookups return tmplscout.ErrClosed. Idempotent.
func (s *HybridStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		s.syncer.Stop()
		close(s.stopCh)
		<-s.doneCh
	}

	return s.local.Close()
}

// Search resolves a template query: cache, then local store, then the
// remote store when reachable. Remote results are written through to the
// local store and the cache. Offline, local-only results are returned
// without error, possibly empty.
func (s *HybridStore) Search(ctx context.Context, q Query) ([]Template, error) {
	if s.closed.Load() {
		return nil, tmplscout.ErrClosed
	}
	if q.Limit <= 0 {
		q.Limit = s.cfg.SearchLimit
	}
	key := searchKey(q)

	if s.cache != nil {
		if payload, ok := s.cache.Get(ctx, searchNamespace, key); ok {
			var templates []Template
			if err := json.Unmarshal(payload, &templates); err == nil {
				telemetry.RecordSearch(ctx, "cache")
				return templates, nil
			}
			// Undecodable entry, drop it and fall through.
			s.cache.Delete(ctx, searchNamespace, key)
		}
	}

	if templates := s.semanticSearch(ctx, q); len(templates) > 0 {
		s.memoize(ctx, key, templates)
		telemetry.RecordSearch(ctx, "semantic")
		return templates, nil
	}

	templates, err := s.local.SearchTemplates(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(templates) > 0 {
		s.memoize(ctx, key, templates)
		telemetry.RecordSearch(ctx, "local")
		return templates, nil
	}

	if s.remote == nil || !s.online.Load() {
		telemetry.RecordSearch(ctx, "offline")
		return templates, nil
	}

	remote, err := s.remote.SearchTemplates(ctx, q)
	if err != nil {
		// Unreachability degrades to local-only results, never an error.
		if errors.Is(err, tmplscout.ErrRemoteUnavailable) {
			s.setOnline(ctx, false)
		}
		s.logger.Warn("remote search failed, serving local results", "error", err)
		telemetry.RecordSearch(ctx, "offline")
		return templates, nil
	}

	s.writeThrough(ctx, remote)
	s.memoize(ctx, key, remote)
	telemetry.RecordSearch(ctx, "remote")
	return remote, nil
}

// semanticSearch ranks local templates by embedding similarity. Any
// failure returns nil so the caller falls back to keyword matching.
func (s *HybridStore) semanticSearch(ctx context.Context, q Query) []Template {
	if s.embedder == nil || s.index == nil || q.Text == "" || s.index.len() == 0 {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		s.logger.Debug("embedding failed, using keyword search", "error", err)
		return nil
	}

	ids := s.index.search(vec, q.Limit)
	if len(ids) == 0 {
		return nil
	}

	templates, err := s.local.TemplatesByIDs(ctx, ids)
	if err != nil {
		s.logger.Debug("semantic candidate lookup failed, using keyword search", "error", err)
		return nil
	}

	if q.Category != "" {
		filtered := templates[:0]
		for _, t := range templates {
			if t.Category == q.Category {
				filtered = append(filtered, t)
			}
		}
		templates = filtered
	}
	return templates
}

// writeThrough persists remote results into the local store and feeds the
// semantic index. Local write failures are logged but do not fail the
// search: the results are still returned to the caller.
func (s *HybridStore) writeThrough(ctx context.Context, templates []Template) {
	now := s.now()
	expires := now.Add(s.cfg.RecordTTL)
	stamped := make([]Template, len(templates))
	for i, t := range templates {
		t.CachedAt = now
		if t.ExpiresAt.IsZero() {
			t.ExpiresAt = expires
		}
		stamped[i] = t
	}

	if err := s.local.UpsertTemplates(ctx, stamped); err != nil {
		s.logger.Warn("write-through to local store failed", "error", err)
		return
	}
	s.indexTemplates(ctx, stamped)
}

// indexTemplates embeds templates into the semantic index, best effort.
func (s *HybridStore) indexTemplates(ctx context.Context, templates []Template) {
	if s.embedder == nil || s.index == nil {
		return
	}
	for _, t := range templates {
		vec, err := s.embedder.Embed(ctx, t.Name+"\n"+t.Content)
		if err != nil {
			s.logger.Debug("embedding template failed", "id", t.ID, "error", err)
			continue
		}
		s.index.upsert(t.ID, vec)
	}
}

func (s *HybridStore) memoize(ctx context.Context, key string, templates []Template) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(templates)
	if err != nil {
		return
	}
	s.cache.Set(ctx, searchNamespace, key, payload, cache.SetOptions{TTL: s.cfg.SearchCacheTTL})
}

// AnalysisFor resolves an analysis result: cache, then local store, then
// remote when reachable. Returns tmplscout.ErrNotFound when no tier has it.
func (s *HybridStore) AnalysisFor(ctx context.Context, contentHash, analysisType string) (*Analysis, error) {
	if s.closed.Load() {
		return nil, tmplscout.ErrClosed
	}
	key := contentHash + "/" + analysisType

	if s.cache != nil {
		if payload, ok := s.cache.Get(ctx, analysisNamespace, key); ok {
			var a Analysis
			if err := json.Unmarshal(payload, &a); err == nil {
				return &a, nil
			}
			s.cache.Delete(ctx, analysisNamespace, key)
		}
	}

	a, err := s.local.AnalysisFor(ctx, contentHash, analysisType)
	if err == nil {
		s.memoizeAnalysis(ctx, key, a)
		return a, nil
	}
	if !errors.Is(err, tmplscout.ErrNotFound) {
		return nil, err
	}

	if s.remote == nil || !s.online.Load() {
		return nil, tmplscout.ErrNotFound
	}

	remote, err := s.remote.AnalysisFor(ctx, contentHash, analysisType)
	if err != nil {
		if isNotFound(err) {
			return nil, tmplscout.ErrNotFound
		}
		if errors.Is(err, tmplscout.ErrRemoteUnavailable) {
			s.setOnline(ctx, false)
		}
		s.logger.Warn("remote analysis lookup failed", "error", err)
		return nil, tmplscout.ErrNotFound
	}

	now := s.now()
	remote.CachedAt = now
	if remote.ExpiresAt.IsZero() {
		remote.ExpiresAt = now.Add(s.cfg.RecordTTL)
	}
	if err := s.local.UpsertAnalyses(ctx, []Analysis{*remote}); err != nil {
		s.logger.Warn("write-through to local store failed", "error", err)
	}
	s.memoizeAnalysis(ctx, key, remote)
	return remote, nil
}

// SaveAnalysis stores a locally computed analysis result.
func (s *HybridStore) SaveAnalysis(ctx context.Context, a Analysis) error {
	if s.closed.Load() {
		return tmplscout.ErrClosed
	}
	now := s.now()
	a.CachedAt = now
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = now.Add(s.cfg.RecordTTL)
	}

	if err := s.local.UpsertAnalyses(ctx, []Analysis{a}); err != nil {
		return err
	}
	s.memoizeAnalysis(ctx, a.ContentHash+"/"+a.AnalysisType, &a)
	return nil
}

func (s *HybridStore) memoizeAnalysis(ctx context.Context, key string, a *Analysis) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	s.cache.Set(ctx, analysisNamespace, key, payload, cache.SetOptions{TTL: s.cfg.SearchCacheTTL})
}

// SyncNow runs one delta-sync pass immediately.
func (s *HybridStore) SyncNow(ctx context.Context) error {
	if s.closed.Load() {
		return tmplscout.ErrClosed
	}
	if s.syncer == nil {
		return nil
	}
	return s.syncer.RunOnce(ctx)
}

// CleanupExpired removes expired rows from the local store.
func (s *HybridStore) CleanupExpired(ctx context.Context) (int64, error) {
	return s.local.DeleteExpired(ctx)
}

// Counts returns the unexpired row counts of the local store.
func (s *HybridStore) Counts(ctx context.Context) (templates, analyses int64, err error) {
	return s.local.Counts(ctx)
}

// searchKey derives the cache key for a query from its fingerprint.
func searchKey(q Query) string {
	return tmplscout.Fingerprint(http.MethodGet, "templates/search", map[string]string{
		"q":        q.Text,
		"category": q.Category,
		"limit":    strconv.Itoa(q.Limit),
	}, nil).String()
}
