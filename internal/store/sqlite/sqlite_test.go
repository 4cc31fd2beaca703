package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointmesh/internal/job"
	"pointmesh/internal/job/jobtest"
)

func open(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	jobtest.RunStoreTests(t, func(t *testing.T) job.Store {
		return open(t, filepath.Join(t.TempDir(), "jobs.db"))
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	s, err := Open(path)
	require.NoError(t, err)
	j := job.New("reopen-1", "inputs/a.xyz", []byte(`{"voxel_size":0.02}`))
	require.NoError(t, s.Create(ctx, j))
	require.NoError(t, j.Start(time.Now()))
	require.NoError(t, s.Save(ctx, j))
	require.NoError(t, s.SetProgress(ctx, j.ID, 40, "running reconstruct"))
	require.NoError(t, s.Close())

	s = open(t, path)
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Processing, got.Status)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, `{"voxel_size":0.02}`, string(got.Params))

	// migrations are idempotent
	require.NoError(t, s.MigrateUp())
}
