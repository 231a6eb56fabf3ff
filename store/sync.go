package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tmplscout "github.com/tmplscout/tmplscout"
	"github.com/tmplscout/tmplscout/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	tableTemplates = "template_cache"
	tableAnalyses  = "analysis_cache"
)

// Syncer reconciles the local store against the remote on a fixed
// interval, fetching only records modified since the last cursor. Sync is
// best-effort: a failing table logs a warning and leaves its cursor in
// place for the next tick.
type Syncer struct {
	local    *LocalStore
	remote   *Remote
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newSyncer(local *LocalStore, remote *Remote, interval time.Duration, logger *slog.Logger, now func() time.Time) *Syncer {
	return &Syncer{
		local:    local,
		remote:   remote,
		interval: interval,
		logger:   logger,
		now:      now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background sync loop.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("background sync incomplete", "error", err)
			}
		}
	}
}

// Stop signals the loop to exit and waits for it.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// RunOnce performs one delta-sync pass over every tracked table.
func (s *Syncer) RunOnce(ctx context.Context) error {
	g := new(errgroup.Group)

	g.Go(func() error {
		return s.syncTable(ctx, tableTemplates, func(ctx context.Context, since time.Time, prevHash string) (int, string, error) {
			templates, err := s.remote.TemplatesModifiedSince(ctx, since)
			if err != nil {
				return 0, "", err
			}
			if len(templates) == 0 {
				return 0, "", nil
			}
			hash, err := batchHash(templates)
			if err != nil {
				return 0, "", err
			}
			if hash == prevHash {
				// Identical refetch, nothing to apply.
				return len(templates), hash, nil
			}
			return len(templates), hash, s.local.UpsertTemplates(ctx, templates)
		})
	})

	g.Go(func() error {
		return s.syncTable(ctx, tableAnalyses, func(ctx context.Context, since time.Time, prevHash string) (int, string, error) {
			analyses, err := s.remote.AnalysesModifiedSince(ctx, since)
			if err != nil {
				return 0, "", err
			}
			if len(analyses) == 0 {
				return 0, "", nil
			}
			hash, err := batchHash(analyses)
			if err != nil {
				return 0, "", err
			}
			if hash == prevHash {
				return len(analyses), hash, nil
			}
			return len(analyses), hash, s.local.UpsertAnalyses(ctx, analyses)
		})
	})

	return g.Wait()
}

// syncTable fetches and applies one table's delta, then advances its
// cursor. The cursor only moves after a fully applied batch.
func (s *Syncer) syncTable(ctx context.Context, table string, apply func(ctx context.Context, since time.Time, prevHash string) (int, string, error)) error {
	cursor, err := s.local.Cursor(ctx, table)
	if err != nil {
		telemetry.RecordSyncRun(ctx, table, "failure", 0)
		return err
	}

	records, hash, err := apply(ctx, cursor.LastSync, cursor.SyncHash)
	if err != nil {
		s.logger.Warn("table sync failed", "table", table, "error", err)
		telemetry.RecordSyncRun(ctx, table, "failure", 0)
		return fmt.Errorf("syncing %s: %w", table, err)
	}

	if records == 0 {
		telemetry.RecordSyncRun(ctx, table, "noop", 0)
		return nil
	}

	cursor.LastSync = s.now()
	cursor.SyncHash = hash
	if err := s.local.SaveCursor(ctx, cursor); err != nil {
		s.logger.Warn("saving sync cursor failed", "table", table, "error", err)
		telemetry.RecordSyncRun(ctx, table, "failure", records)
		return err
	}

	telemetry.RecordSyncRun(ctx, table, "success", records)
	s.logger.Debug("table synced", "table", table, "records", records)
	return nil
}

// batchHash is the content hash of a synchronized batch, recorded on the
// cursor so an identical refetch is recognizable.
func batchHash(records any) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return tmplscout.HashBytes(data).String(), nil
}
