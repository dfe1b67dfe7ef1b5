package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/storage"
	"github.com/ashita-ai/darwin/internal/storage/sqlite"
	"github.com/ashita-ai/darwin/internal/storage/storagetest"
	"github.com/ashita-ai/darwin/internal/testutil"
)

func TestRegistryContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Registry {
		return testutil.NewSQLiteRegistry(t)
	})
}

func TestOpen_FileDatabaseSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "darwin.db")

	store, err := sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	a, _ := storagetest.Spawn(t, store, "backend")
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSpawning, got.Status)
	assert.Equal(t, a.CreatedAt, got.CreatedAt)
}

func TestWithClock(t *testing.T) {
	fixed := storage.Now().Add(-72 * time.Hour)
	store := testutil.NewSQLiteRegistry(t, sqlite.WithClock(func() time.Time { return fixed }))
	a, w := storagetest.Spawn(t, store, "backend")
	assert.True(t, a.CreatedAt.Equal(fixed))
	assert.True(t, w.CreatedAt.Equal(fixed))
}
