package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmplscout "github.com/tmplscout/tmplscout"
)

func newTestLocal(t *testing.T) *LocalStore {
	t.Helper()
	local, err := OpenLocal(DefaultLocalConfig(""))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, local.Close())
	})
	return local
}

func testTemplates(now time.Time) []Template {
	expires := now.Add(time.Hour)
	return []Template{
		{ID: 1, Name: "go-web-service", Category: "backend", Content: "http server scaffold", Score: 0.9, CachedAt: now, ExpiresAt: expires},
		{ID: 2, Name: "react-dashboard", Category: "frontend", Content: "dashboard with charts", Score: 0.8, CachedAt: now, ExpiresAt: expires},
		{ID: 3, Name: "go-cli", Category: "backend", Content: "command line tool scaffold", Score: 0.7, CachedAt: now, ExpiresAt: expires},
	}
}

func TestLocalStoreSearchTemplates(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, local.UpsertTemplates(ctx, testTemplates(now)))

	results, err := local.SearchTemplates(ctx, Query{Text: "scaffold"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "go-web-service", results[0].Name, "best score first")
	assert.Equal(t, "go-cli", results[1].Name)

	results, err = local.SearchTemplates(ctx, Query{Category: "frontend"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "react-dashboard", results[0].Name)

	results, err = local.SearchTemplates(ctx, Query{Text: "scaffold", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = local.SearchTemplates(ctx, Query{Text: "nothing matches this"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLocalStoreSearchExcludesExpired(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()
	now := time.Now()

	templates := testTemplates(now)
	templates[0].ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, local.UpsertTemplates(ctx, templates))

	results, err := local.SearchTemplates(ctx, Query{Category: "backend"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "go-cli", results[0].Name)
}

func TestLocalStoreUpsertReplaces(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, local.UpsertTemplates(ctx, testTemplates(now)))

	updated := []Template{{ID: 1, Name: "go-web-service", Category: "backend", Content: "updated scaffold", Score: 0.95, CachedAt: now, ExpiresAt: now.Add(time.Hour)}}
	require.NoError(t, local.UpsertTemplates(ctx, updated))

	results, err := local.TemplatesByIDs(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "updated scaffold", results[0].Content)
	assert.Equal(t, 0.95, results[0].Score)
}

func TestLocalStoreTemplatesByIDsOrder(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()

	require.NoError(t, local.UpsertTemplates(ctx, testTemplates(time.Now())))

	results, err := local.TemplatesByIDs(ctx, []int64{3, 1, 99})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(3), results[0].ID, "input order preserved")
	assert.Equal(t, int64(1), results[1].ID)
}

func TestLocalStoreAnalysisRoundTrip(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()
	now := time.Now()

	a := Analysis{
		ContentHash:  "abc123",
		AnalysisType: "dependencies",
		Result:       `{"language":"go"}`,
		Confidence:   0.92,
		CachedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}
	require.NoError(t, local.UpsertAnalyses(ctx, []Analysis{a}))

	got, err := local.AnalysisFor(ctx, "abc123", "dependencies")
	require.NoError(t, err)
	assert.Equal(t, a.Result, got.Result)
	assert.Equal(t, a.Confidence, got.Confidence)

	_, err = local.AnalysisFor(ctx, "abc123", "structure")
	assert.ErrorIs(t, err, tmplscout.ErrNotFound)

	_, err = local.AnalysisFor(ctx, "missing", "dependencies")
	assert.ErrorIs(t, err, tmplscout.ErrNotFound)
}

func TestLocalStoreCursorRoundTrip(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()

	cursor, err := local.Cursor(ctx, "template_cache")
	require.NoError(t, err)
	assert.True(t, cursor.LastSync.IsZero(), "unsynced table has a zero cursor")
	assert.Empty(t, cursor.SyncHash)

	cursor.LastSync = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	cursor.SyncHash = "deadbeef"
	require.NoError(t, local.SaveCursor(ctx, cursor))

	got, err := local.Cursor(ctx, "template_cache")
	require.NoError(t, err)
	assert.Equal(t, cursor.SyncHash, got.SyncHash)
	assert.WithinDuration(t, cursor.LastSync, got.LastSync, time.Second)

	// Saving again replaces the row.
	cursor.SyncHash = "cafebabe"
	require.NoError(t, local.SaveCursor(ctx, cursor))
	got, err = local.Cursor(ctx, "template_cache")
	require.NoError(t, err)
	assert.Equal(t, "cafebabe", got.SyncHash)
}

func TestLocalStoreDeleteExpired(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()
	now := time.Now()

	templates := testTemplates(now)
	templates[0].ExpiresAt = now.Add(-time.Minute)
	templates[1].ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, local.UpsertTemplates(ctx, templates))
	require.NoError(t, local.UpsertAnalyses(ctx, []Analysis{
		{ContentHash: "h1", AnalysisType: "deps", ExpiresAt: now.Add(-time.Minute)},
	}))

	deleted, err := local.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	templatesLeft, analysesLeft, err := local.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), templatesLeft)
	assert.Equal(t, int64(0), analysesLeft)
}
