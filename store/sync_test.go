package store

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmplscout/tmplscout/request"
)

func TestSyncerRunOnceUpserts(t *testing.T) {
	local := newTestLocal(t)
	now := time.Now()

	templates := testTemplates(now)
	analyses := []Analysis{
		{ContentHash: "h1", AnalysisType: "deps", Result: "{}", Confidence: 0.5, CachedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	exec := newFakeExecutor(func(req request.Request) (*request.Response, error) {
		switch req.Endpoint {
		case "/v1/templates":
			return jsonResponse(t, templates), nil
		case "/v1/analyses":
			return jsonResponse(t, analyses), nil
		default:
			return nil, errors.New("unexpected endpoint")
		}
	})

	syncer := newSyncer(local, NewRemote(exec), time.Minute, slog.New(slog.DiscardHandler), time.Now)
	ctx := context.Background()

	require.NoError(t, syncer.RunOnce(ctx))

	templatesCount, analysesCount, err := local.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), templatesCount)
	assert.Equal(t, int64(1), analysesCount)

	cursor, err := local.Cursor(ctx, tableTemplates)
	require.NoError(t, err)
	assert.False(t, cursor.LastSync.IsZero())
	assert.NotEmpty(t, cursor.SyncHash)
}

func TestSyncerSendsCursorTimestamp(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()

	lastSync := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, local.SaveCursor(ctx, SyncCursor{Table: tableTemplates, LastSync: lastSync}))

	var seenSince string
	exec := newFakeExecutor(func(req request.Request) (*request.Response, error) {
		if req.Endpoint == "/v1/templates" {
			seenSince = req.Params["modified_since"]
		}
		return jsonResponse(t, []Template{}), nil
	})

	syncer := newSyncer(local, NewRemote(exec), time.Minute, slog.New(slog.DiscardHandler), time.Now)
	require.NoError(t, syncer.RunOnce(ctx))

	assert.Equal(t, lastSync.Format(time.RFC3339), seenSince)
}

func TestSyncerFailureLeavesCursor(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()

	exec := newFakeExecutor(func(req request.Request) (*request.Response, error) {
		if req.Endpoint == "/v1/templates" {
			return nil, errors.New("remote down")
		}
		return jsonResponse(t, []Analysis{}), nil
	})

	syncer := newSyncer(local, NewRemote(exec), time.Minute, slog.New(slog.DiscardHandler), time.Now)
	err := syncer.RunOnce(ctx)
	require.Error(t, err)

	cursor, cerr := local.Cursor(ctx, tableTemplates)
	require.NoError(t, cerr)
	assert.True(t, cursor.LastSync.IsZero(), "failed sync must not advance the cursor")
}

func TestSyncerUnchangedBatchSkipsUpsert(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()
	now := time.Now()

	templates := testTemplates(now)
	exec := newFakeExecutor(func(req request.Request) (*request.Response, error) {
		switch req.Endpoint {
		case "/v1/templates":
			return jsonResponse(t, templates), nil
		default:
			return jsonResponse(t, []Analysis{}), nil
		}
	})

	syncer := newSyncer(local, NewRemote(exec), time.Minute, slog.New(slog.DiscardHandler), time.Now)
	require.NoError(t, syncer.RunOnce(ctx))

	first, err := local.Cursor(ctx, tableTemplates)
	require.NoError(t, err)

	// Same batch again: the cursor hash is unchanged and still advances.
	require.NoError(t, syncer.RunOnce(ctx))
	second, err := local.Cursor(ctx, tableTemplates)
	require.NoError(t, err)
	assert.Equal(t, first.SyncHash, second.SyncHash)
	assert.False(t, second.LastSync.Before(first.LastSync))
}

func TestSyncerStartStop(t *testing.T) {
	local := newTestLocal(t)

	exec := newFakeExecutor(func(req request.Request) (*request.Response, error) {
		return jsonResponse(t, []Template{}), nil
	})

	syncer := newSyncer(local, NewRemote(exec), time.Hour, slog.New(slog.DiscardHandler), time.Now)
	syncer.Start(context.Background())
	syncer.Stop()
	syncer.Stop()
}
