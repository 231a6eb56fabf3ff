package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tmplscout/tmplscout/cache"
	"github.com/tmplscout/tmplscout/store"
)

func TestNewRequiresDataDir(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestOfflineLifecycle(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	a, err := New(ctx, Config{DataDir: t.TempDir()}, WithLogger(logger))
	require.NoError(t, err)

	require.Nil(t, a.Coordinator())
	require.NotNil(t, a.Cache())
	require.NotNil(t, a.Store())

	a.Start(ctx)

	// No remote configured: a search is served from the empty local store
	// without error.
	templates, err := a.Store().Search(ctx, store.Query{Text: "web"})
	require.NoError(t, err)
	require.Empty(t, templates)

	a.Cache().Set(ctx, "search", "k", []byte("v"), cache.SetOptions{})
	payload, ok := a.Cache().Get(ctx, "search", "k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), payload)

	require.NoError(t, a.Close(ctx))
}

func TestRemoteConfiguredBuildsCoordinator(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, Config{
		DataDir:     t.TempDir(),
		RemoteURL:   "http://127.0.0.1:1",
		RemoteToken: "token",
	}, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	require.NotNil(t, a.Coordinator())
	require.NoError(t, a.Close(ctx))
}
