package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointmesh/internal/geometry"
	"pointmesh/internal/job"
	"pointmesh/internal/meshio"
	"pointmesh/internal/pipeline"
)

func init() {
	pipeline.SetLogger(nil)
}

type fakeLauncher struct {
	launched  []string
	cancelled []string
	err       error
}

func (l *fakeLauncher) Launch(_ context.Context, j job.Job) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	l.launched = append(l.launched, j.ID)
	return "task-" + j.ID, nil
}

func (l *fakeLauncher) Cancel(jobID string) bool {
	l.cancelled = append(l.cancelled, jobID)
	return true
}

func newService(l Launcher) *Service {
	s := New(job.NewMemoryStore(), l)
	n := 0
	s.NewID = func() string {
		n++
		return "generated-" + string(rune('0'+n))
	}
	return s
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	l := &fakeLauncher{}
	s := newService(l)

	j, err := s.Submit(ctx, "", "inputs/a.xyz", pipeline.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "generated-1", j.ID)
	assert.Equal(t, job.Queued, j.Status)
	assert.Equal(t, "task-generated-1", j.TaskID)
	assert.Equal(t, []string{"generated-1"}, l.launched)

	stored, err := s.Status(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-generated-1", stored.TaskID)
	p, err := pipeline.DecodeParams(stored.Params)
	require.NoError(t, err)
	if diff := cmp.Diff(pipeline.DefaultParams(), p); diff != "" {
		t.Errorf("stored params mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Submit(ctx, j.ID, "inputs/a.xyz", pipeline.DefaultParams())
	assert.ErrorIs(t, err, job.ErrExists)
}

func TestSubmit_RejectsInvalidParams(t *testing.T) {
	ctx := context.Background()
	l := &fakeLauncher{}
	s := newService(l)

	p := pipeline.DefaultParams()
	p.Method = "marching_cubes"
	_, err := s.Submit(ctx, "bad", "inputs/a.xyz", p)
	require.Error(t, err)
	assert.True(t, pipeline.IsConfigurationError(err))

	_, err = s.Submit(ctx, "no-input", "", pipeline.DefaultParams())
	assert.True(t, pipeline.IsConfigurationError(err))

	_, err = s.Status(ctx, "bad")
	assert.ErrorIs(t, err, job.ErrNotFound, "rejected submissions leave no record")
	assert.Empty(t, l.launched)
}

func TestSubmit_LaunchFailureFailsRecord(t *testing.T) {
	ctx := context.Background()
	s := newService(&fakeLauncher{err: errors.New("broker down")})

	j, err := s.Submit(ctx, "lost", "inputs/a.xyz", pipeline.DefaultParams())
	var terr *pipeline.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, job.Failed, j.Status)

	stored, err := s.Status(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, job.Failed, stored.Status)
	assert.Equal(t, "transport: launch: broker down", stored.Error)
	assert.Nil(t, stored.StartedAt, "never processed")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	l := &fakeLauncher{}
	s := newService(l)

	_, err := s.Submit(ctx, "c1", "inputs/a.xyz", pipeline.DefaultParams())
	require.NoError(t, err)

	res, err := s.Cancel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, CancelOK, res)
	assert.Equal(t, []string{"c1"}, l.cancelled)

	res, err = s.Cancel(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, CancelNotFound, res)

	j, _ := s.Status(ctx, "c1")
	require.NoError(t, j.Start(time.Now()))
	require.NoError(t, j.Complete("meshes/c1.ply", time.Now()))
	require.NoError(t, s.Store.Save(ctx, j))
	before, _ := s.Status(ctx, "c1")

	res, err = s.Cancel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, CancelAlreadyTerminal, res)
	after, _ := s.Status(ctx, "c1")
	assert.Equal(t, before, after, "record unchanged")
	assert.Equal(t, "already terminal", res.String())
}

type flakyStore struct {
	*job.MemoryStore
}

func (flakyStore) RequestCancel(context.Context, string) error {
	return errors.New("database is locked")
}

type ownerLauncher struct {
	fakeLauncher
	owned map[string]bool
}

func (l *ownerLauncher) Cancel(jobID string) bool {
	l.cancelled = append(l.cancelled, jobID)
	return l.owned[jobID]
}

func TestCancel_StoreWriteFails(t *testing.T) {
	ctx := context.Background()
	l := &ownerLauncher{owned: map[string]bool{"mine": true}}
	s := New(flakyStore{job.NewMemoryStore()}, l)
	for _, id := range []string{"mine", "elsewhere"} {
		_, err := s.Submit(ctx, id, "inputs/a.xyz", pipeline.DefaultParams())
		require.NoError(t, err)
	}

	res, err := s.Cancel(ctx, "mine")
	require.NoError(t, err, "the in-process token still stops the job")
	assert.Equal(t, CancelOK, res)

	_, err = s.Cancel(ctx, "elsewhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, []string{"mine", "elsewhere"}, l.cancelled)
}

type memArtifacts struct{}

func (memArtifacts) LoadPointCloud(context.Context, string) (*geometry.PointCloud, error) {
	return geometry.SyntheticSurface(500, 3), nil
}

func (memArtifacts) SaveMesh(_ context.Context, jobID string, m *geometry.Mesh, f meshio.Format) (*geometry.StoredArtifact, error) {
	return &geometry.StoredArtifact{Ref: "meshes/" + jobID + "." + string(f), Meta: m.Metadata()}, nil
}

func TestCancelImmediatelyAfterSubmit(t *testing.T) {
	ctx := context.Background()
	s := newService(&fakeLauncher{})
	_, err := s.Submit(ctx, "quick", "inputs/a.xyz", pipeline.DefaultParams())
	require.NoError(t, err)
	res, err := s.Cancel(ctx, "quick")
	require.NoError(t, err)
	require.Equal(t, CancelOK, res)

	// the worker picks the job up after the cancel request
	orch := pipeline.NewOrchestrator(s.Store, pipeline.DefaultRegistry(memArtifacts{}))
	out, err := orch.Run(ctx, "quick", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, job.Cancelled, out.Job.Status)
	assert.Equal(t, 0, out.Job.Progress)
	assert.Empty(t, out.Job.Error)
	assert.Empty(t, out.Job.OutputRef)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := newService(&fakeLauncher{})
	_, err := s.Submit(ctx, "d1", "inputs/a.xyz", pipeline.DefaultParams())
	require.NoError(t, err)

	assert.Error(t, s.Delete(ctx, "d1"), "active jobs are not deleted")
	_, err = s.Cancel(ctx, "d1")
	require.NoError(t, err)

	j, _ := s.Status(ctx, "d1")
	require.NoError(t, j.Fail("transport: test", time.Now()))
	require.NoError(t, s.Store.Save(ctx, j))
	require.NoError(t, s.Delete(ctx, "d1"))
	assert.ErrorIs(t, s.Delete(ctx, "d1"), job.ErrNotFound)

	jobs, err := s.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	_, err = s.List(ctx, -1, 0)
	assert.Error(t, err)
}
