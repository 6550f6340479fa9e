package inventory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/inventory"
	"forgeline/internal/migrate"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return engine.New(conn, config.Default(), zap.NewNop())
}

func TestIndexFollowsMaterialChanges(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	_, err := eng.CreateMaterial(ctx, engine.MaterialInput{ID: "oak", Name: "Oak", Quantity: 40}, "op")
	require.NoError(t, err)

	ix := inventory.New(eng.Repo, time.Millisecond, zap.NewNop())
	require.NoError(t, ix.Load(ctx))
	m, ok := ix.Get("oak")
	require.True(t, ok)
	assert.Equal(t, 40.0, m.Quantity)

	_, err = eng.CreateMaterial(ctx, engine.MaterialInput{ID: "bolt", Name: "Bolt", Quantity: 5}, "op")
	require.NoError(t, err)
	qty := 8.0
	_, err = eng.UpdateMaterial(ctx, "oak", engine.MaterialPatch{Quantity: &qty}, "op")
	require.NoError(t, err)
	// Project events are filtered out of the material feed.
	_, err = eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "p1", Name: "Desk"})
	require.NoError(t, err)

	require.NoError(t, ix.Sync(ctx))
	m, ok = ix.Get("oak")
	require.True(t, ok)
	assert.Equal(t, 8.0, m.Quantity)

	low := ix.LowStock(10)
	require.Len(t, low, 2)
	assert.Equal(t, "Bolt", low[0].Name)
	assert.Equal(t, "Oak", low[1].Name)

	require.NoError(t, eng.DeleteMaterial(ctx, "bolt", "op"))
	require.NoError(t, ix.Sync(ctx))
	_, ok = ix.Get("bolt")
	assert.False(t, ok)
	assert.Len(t, ix.Snapshot(), 1)
}

func TestApplyIgnoresUndecodablePayload(t *testing.T) {
	ix := inventory.New(newEngine(t).Repo, time.Second, zap.NewNop())
	err := ix.Apply(context.Background(), domain.Event{ID: 1, Type: "material.created", EntityID: "x", Payload: "{not json"})
	require.NoError(t, err)
	_, ok := ix.Get("x")
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eng := newEngine(t)
	ix := inventory.New(eng.Repo, 5*time.Millisecond, zap.NewNop())
	require.NoError(t, ix.Load(ctx))
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	_, err := eng.CreateMaterial(context.Background(), engine.MaterialInput{ID: "tin", Name: "Tin", Quantity: 1}, "op")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := ix.Get("tin")
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
