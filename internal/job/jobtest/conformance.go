// Package jobtest holds the behaviour every job.Store implementation must
// share. Store packages call RunStoreTests from their own tests.
package jobtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointmesh/internal/job"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) job.Store

var jobCmp = []cmp.Option{
	cmpopts.EquateApproxTime(time.Millisecond),
	cmpopts.EquateEmpty(),
}

func ids(jobs []job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

// RunStoreTests exercises newStore against the job.Store contract.
func RunStoreTests(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		j := job.New("create-1", "inputs/a.xyz", []byte(`{"method":"poisson"}`))
		require.NoError(t, s.Create(ctx, j))
		assert.True(t, errors.Is(s.Create(ctx, j), job.ErrExists))

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		if diff := cmp.Diff(j, got, jobCmp...); diff != "" {
			t.Errorf("Get mismatch (-want +got):\n%s", diff)
		}

		_, err = s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, job.ErrNotFound))
	})

	t.Run("progress never decreases", func(t *testing.T) {
		s := newStore(t)
		j := job.New("progress-1", "in", nil)
		require.NoError(t, s.Create(ctx, j))

		require.NoError(t, s.SetProgress(ctx, j.ID, 30, "early"))
		got, _ := s.Get(ctx, j.ID)
		assert.Equal(t, 0, got.Progress, "ignored while queued")

		require.NoError(t, j.Start(time.Now()))
		require.NoError(t, s.Save(ctx, j))
		require.NoError(t, s.SetProgress(ctx, j.ID, 50, "running reconstruct"))
		require.NoError(t, s.SetProgress(ctx, j.ID, 20, "stale"))
		got, _ = s.Get(ctx, j.ID)
		assert.Equal(t, 50, got.Progress)

		// a full save carrying an older progress keeps the stored value
		require.NoError(t, s.Save(ctx, j))
		got, _ = s.Get(ctx, j.ID)
		assert.Equal(t, 50, got.Progress)

		assert.True(t, errors.Is(s.SetProgress(ctx, "missing", 1, ""), job.ErrNotFound))
	})

	t.Run("cancel flag", func(t *testing.T) {
		s := newStore(t)
		j := job.New("cancel-1", "in", nil)
		require.NoError(t, s.Create(ctx, j))
		require.NoError(t, s.RequestCancel(ctx, j.ID))
		require.NoError(t, s.RequestCancel(ctx, j.ID), "idempotent")

		require.NoError(t, j.Start(time.Now()))
		require.NoError(t, s.Save(ctx, j))
		ok, err := s.CancelRequested(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, ok, "save must not clear the flag")

		require.NoError(t, j.Cancel(time.Now()))
		require.NoError(t, s.Save(ctx, j))
		assert.True(t, errors.Is(s.RequestCancel(ctx, j.ID), job.ErrTerminal))
		assert.True(t, errors.Is(s.RequestCancel(ctx, "missing"), job.ErrNotFound))
	})

	t.Run("terminal records are immutable", func(t *testing.T) {
		s := newStore(t)
		j := job.New("terminal-1", "in", nil)
		require.NoError(t, s.Create(ctx, j))
		require.NoError(t, j.Start(time.Now()))
		require.NoError(t, s.Save(ctx, j))
		require.NoError(t, s.SetTaskID(ctx, j.ID, "task-1"))

		failed := j
		require.NoError(t, failed.Fail("transport: hard time limit exceeded", time.Now()))
		require.NoError(t, s.Save(ctx, failed))

		late := j
		require.NoError(t, late.Complete("meshes/terminal-1.ply", time.Now()))
		assert.True(t, errors.Is(s.Save(ctx, late), job.ErrTerminal))

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.Failed, got.Status)
		assert.Equal(t, "task-1", got.TaskID)
		assert.Empty(t, got.OutputRef)
		require.NotNil(t, got.FinishedAt)
	})

	t.Run("invalid transition", func(t *testing.T) {
		s := newStore(t)
		j := job.New("transition-1", "in", nil)
		require.NoError(t, s.Create(ctx, j))
		j.Status = job.Completed
		j.OutputRef = "x"
		assert.True(t, errors.Is(s.Save(ctx, j), job.ErrInvalidTransition))

		assert.True(t, errors.Is(s.Save(ctx, job.New("missing", "in", nil)), job.ErrNotFound))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		j := job.New("delete-1", "in", nil)
		require.NoError(t, s.Create(ctx, j))
		require.NoError(t, s.Delete(ctx, j.ID))
		assert.True(t, errors.Is(s.Delete(ctx, j.ID), job.ErrNotFound))
	})

	t.Run("list and stale", func(t *testing.T) {
		s := newStore(t)
		base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		for i, id := range []string{"list-0", "list-1", "list-2"} {
			j := job.New(id, "in", nil)
			j.CreatedAt = base.Add(time.Duration(i) * time.Hour)
			require.NoError(t, s.Create(ctx, j))
		}
		started := job.New("list-3", "in", nil)
		started.CreatedAt = base.Add(3 * time.Hour)
		require.NoError(t, s.Create(ctx, started))
		require.NoError(t, started.Start(base.Add(4*time.Hour)))
		require.NoError(t, s.Save(ctx, started))

		page, err := s.List(ctx, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"list-3", "list-2"}, ids(page))
		page, err = s.List(ctx, 10, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"list-0"}, ids(page))

		stale, err := s.Stale(ctx, job.Queued, base.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"list-1", "list-0"}, ids(stale))

		stale, err = s.Stale(ctx, job.Processing, base.Add(210*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, stale, "processing jobs age from their start")
		stale, err = s.Stale(ctx, job.Processing, base.Add(5*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"list-3"}, ids(stale))
	})

	t.Run("heartbeat and unattended", func(t *testing.T) {
		s := newStore(t)
		base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		for _, id := range []string{"beat-queued", "beat-running", "beat-silent", "beat-done"} {
			j := job.New(id, "in", nil)
			j.CreatedAt = base
			require.NoError(t, s.Create(ctx, j))
		}
		running, err := s.Get(ctx, "beat-running")
		require.NoError(t, err)
		require.NoError(t, running.Start(base))
		require.NoError(t, s.Save(ctx, running))
		done, err := s.Get(ctx, "beat-done")
		require.NoError(t, err)
		require.NoError(t, done.Fail("boom", base))
		require.NoError(t, s.Save(ctx, done))

		require.NoError(t, s.Heartbeat(ctx, "beat-queued", base.Add(time.Hour)))
		require.NoError(t, s.Heartbeat(ctx, "beat-running", base.Add(time.Hour)))
		require.NoError(t, s.Heartbeat(ctx, "beat-done", base.Add(time.Hour)), "ignored once terminal")
		assert.True(t, errors.Is(s.Heartbeat(ctx, "missing", base), job.ErrNotFound))

		// a later full save keeps the heartbeat
		require.NoError(t, s.SetProgress(ctx, "beat-running", 40, "running reconstruct"))
		require.NoError(t, s.Save(ctx, running))
		got, err := s.Get(ctx, "beat-running")
		require.NoError(t, err)
		require.NotNil(t, got.HeartbeatAt)
		assert.WithinDuration(t, base.Add(time.Hour), *got.HeartbeatAt, time.Millisecond)

		lost, err := s.Unattended(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"beat-silent"}, ids(lost))

		lost, err = s.Unattended(ctx, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"beat-queued", "beat-running", "beat-silent"}, ids(lost))
	})
}
