package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"marketchat/internal/infra/config"
	infraoutbox "marketchat/internal/infra/outbox"
)

func TestMemoryApplicationRelaysChatEvents(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	app, err := buildApplication(context.Background(), config.Config{StorageMode: config.StorageMemory}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { app.close(logger) })
	require.IsType(t, infraoutbox.LogProducer{}, app.worker.Producer)
	require.Empty(t, app.checks)

	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"profiles": [
			{"id": "buyer", "display_name": "Bea"},
			{"id": "seller", "display_name": "Sam", "avatar_path": "users/seller/avatar.jpg"}
		],
		"listings": [{"id": "post-1", "title": "Desk lamp"}],
		"sessions": [{"user_id": "buyer"}, {"user_id": "seller", "roles": ["admin"]}]
	}`), 0o600))
	require.NoError(t, app.loadSeed(path, logger))

	ctx := context.Background()
	id, err := app.memory.CreateThread(ctx, "post-1", "buyer", "seller")
	require.NoError(t, err)
	rows, err := app.memory.ListThreadsForUser(ctx, "buyer")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id, rows[0].ID)
	require.Equal(t, "Desk lamp", rows[0].Listing.Title)

	sent, err := app.worker.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
}

func TestSeedNeedsMemoryStorage(t *testing.T) {
	app := &application{}
	require.Error(t, app.loadSeed("missing.json", slog.New(slog.DiscardHandler)))
}
