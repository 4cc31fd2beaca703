package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointmesh/internal/geometry"
	"pointmesh/internal/job"
	"pointmesh/internal/keys"
	"pointmesh/internal/meshio"
)

func init() {
	SetLogger(nil)
}

// memArtifacts serves point clouds from memory and encodes saved meshes.
type memArtifacts struct {
	mu     sync.Mutex
	clouds map[string]*geometry.PointCloud
	saved  map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{clouds: make(map[string]*geometry.PointCloud), saved: make(map[string][]byte)}
}

func (a *memArtifacts) LoadPointCloud(_ context.Context, ref string) (*geometry.PointCloud, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc, ok := a.clouds[ref]
	if !ok {
		return nil, fmt.Errorf("no input %q", ref)
	}
	return pc.Clone(), nil
}

func (a *memArtifacts) SaveMesh(_ context.Context, jobID string, m *geometry.Mesh, f meshio.Format) (*geometry.StoredArtifact, error) {
	var buf bytes.Buffer
	if err := meshio.WriteMesh(&buf, m, f); err != nil {
		return nil, err
	}
	ref := keys.Mesh(jobID, string(f))
	a.mu.Lock()
	a.saved[ref] = buf.Bytes()
	a.mu.Unlock()
	return &geometry.StoredArtifact{Ref: ref, Meta: m.Metadata()}, nil
}

func (a *memArtifacts) RemoveOutput(_ context.Context, ref string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.saved, ref)
	return nil
}

func (a *memArtifacts) has(ref string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.saved[ref]
	return ok
}

// counter wraps every registered stage and records invocations.
type counter struct {
	mu    sync.Mutex
	calls []string
}

func (c *counter) wrap(t *testing.T, reg *Registry) {
	for _, name := range reg.Names() {
		st, _ := reg.Get(name)
		name, inner := name, st.Factory
		require.NoError(t, reg.Replace(name, func(req Request) (Operation, error) {
			op, err := inner(req)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, in geometry.Artifact) (geometry.Artifact, error) {
				c.mu.Lock()
				c.calls = append(c.calls, name)
				c.mu.Unlock()
				return op(ctx, in)
			}, nil
		}))
	}
}

func (c *counter) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type event struct {
	percent int
	status  string
}

type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (s *recordingSink) Emit(_ string, percent int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{percent, status})
}

func (s *recordingSink) percents() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.events))
	for i, e := range s.events {
		out[i] = e.percent
	}
	return out
}

// statusStore records every status written through Save.
type statusStore struct {
	job.Store
	mu    sync.Mutex
	saved []job.Status
}

func (s *statusStore) Save(ctx context.Context, j job.Job) error {
	s.mu.Lock()
	s.saved = append(s.saved, j.Status)
	s.mu.Unlock()
	return s.Store.Save(ctx, j)
}

type fixture struct {
	store     *statusStore
	artifacts *memArtifacts
	registry  *Registry
	counter   *counter
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     &statusStore{Store: job.NewMemoryStore()},
		artifacts: newMemArtifacts(),
		counter:   &counter{},
	}
	f.artifacts.clouds["inputs/surface.xyz"] = geometry.SyntheticSurface(2500, 11)
	f.registry = DefaultRegistry(f.artifacts)
	f.counter.wrap(t, f.registry)
	f.orch = NewOrchestrator(f.store, f.registry)
	return f
}

func (f *fixture) submit(t *testing.T, id string, p Params) {
	t.Helper()
	data, err := p.Encode()
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), job.New(id, "inputs/surface.xyz", data)))
}

func testParams() Params {
	p := DefaultParams()
	p.VoxelSize = 0.02
	p.RemoveOutliers = true
	p.PoissonDepth = 8
	p.RemoveSmallComponents = true
	p.MinComponent = 10
	p.Smooth = true
	return p
}

func assertMonotonic(t *testing.T, percents []int) {
	t.Helper()
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards: %v", percents)
		}
	}
	for _, p := range percents {
		if p < 0 || p > 100 {
			t.Fatalf("progress %d out of range in %v", p, percents)
		}
	}
}

func TestResolve(t *testing.T) {
	reg := DefaultRegistry(newMemArtifacts())

	t.Run("optional stages follow params", func(t *testing.T) {
		p := DefaultParams()
		p.RemoveOutliers = false
		p.Smooth = true
		def, err := Resolve(Request{JobID: "x", InputRef: "in", Params: p}, reg)
		require.NoError(t, err)
		assert.Equal(t, []string{
			StageLoad, StageDownsample, StageDeduplicate, StageEstimateNormals,
			StageReconstruct, StageTransferColor, StageSmooth, StagePersist,
		}, def.Names())

		total := 0
		for _, s := range def.Stages {
			total += s.Weight
		}
		assert.Equal(t, 100, total)
		assert.Equal(t, StagePersist, def.Stages[len(def.Stages)-1].Name)
	})

	tests := []struct {
		name   string
		mutate func(*Params)
		field  string
	}{
		{"unsupported method", func(p *Params) { p.Method = "marching_cubes" }, "method"},
		{"zero voxel", func(p *Params) { p.VoxelSize = 0 }, "voxel_size"},
		{"voxel too large", func(p *Params) { p.VoxelSize = 1.5 }, "voxel_size"},
		{"depth too large", func(p *Params) { p.PoissonDepth = 16 }, "poisson_depth"},
		{"alpha too small", func(p *Params) { p.Method = "alphaShape"; p.AlphaShapeAlpha = 0.001 }, "alpha_shape_alpha"},
		{"negative radius", func(p *Params) { p.Method = "ballPivoting"; p.BallPivotingRadii = []float64{0.1, -1} }, "ball_pivoting_radii"},
		{"unknown colour", func(p *Params) { p.ColorMethod = "bilinear" }, "color_method"},
		{"point format for mesh", func(p *Params) { p.OutputFormat = "xyz" }, "output_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			_, err := Resolve(Request{JobID: "x", InputRef: "in", Params: p}, reg)
			var cerr *ConfigurationError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}

	t.Run("missing input", func(t *testing.T) {
		_, err := Resolve(Request{JobID: "x", Params: DefaultParams()}, reg)
		assert.True(t, IsConfigurationError(err))
	})

	t.Run("weights above 100", func(t *testing.T) {
		heavy := DefaultRegistry(newMemArtifacts())
		st, _ := heavy.Get(StageReconstruct)
		st.Weight = 95
		heavy.Register(StageReconstruct, st)
		_, err := Resolve(Request{JobID: "x", InputRef: "in", Params: DefaultParams()}, heavy)
		assert.True(t, IsConfigurationError(err))
	})
}

func TestParseParams(t *testing.T) {
	in := `
voxel_size: 0.02
method: ballPivoting
ball_pivoting_radii: [0.05, 0.1]
smooth: true
output_format: obj
`
	p, err := ParseParams(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 0.02, p.VoxelSize)
	assert.Equal(t, []float64{0.05, 0.1}, p.BallPivotingRadii)
	assert.Equal(t, DefaultParams().NormalMaxNN, p.NormalMaxNN, "omitted keys keep defaults")
	require.NoError(t, p.Validate())

	r, err := p.Reconstructor()
	require.NoError(t, err)
	assert.Equal(t, geometry.MethodBallPivoting, r.Method())
	assert.Equal(t, meshio.FormatOBJ, p.Format())

	_, err = ParseParams(strings.NewReader("voxel: 0.1\n"))
	assert.True(t, IsConfigurationError(err), "unknown keys are rejected")

	empty, err := ParseParams(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultParams(), empty)
}

func TestDecodeParams_RoundTrip(t *testing.T) {
	p := testParams()
	data, err := p.Encode()
	require.NoError(t, err)
	got, err := DecodeParams(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = DecodeParams([]byte("{"))
	assert.True(t, IsConfigurationError(err))
}

func TestOrchestrator_Completes(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "ok", testParams())
	sink := &recordingSink{}

	res, err := f.orch.Run(context.Background(), "ok", sink, NewToken())
	require.NoError(t, err)

	assert.Equal(t, job.Completed, res.Job.Status)
	assert.Equal(t, 100, res.Job.Progress)
	assert.Empty(t, res.Job.Error)
	assert.Equal(t, "meshes/ok.ply", res.Job.OutputRef)
	require.NotNil(t, res.Output)
	assert.Greater(t, res.Output.Meta.Triangles, 0)
	assert.NotEmpty(t, f.artifacts.saved["meshes/ok.ply"])

	percents := sink.percents()
	assertMonotonic(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])

	stored, err := f.store.Get(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, job.Completed, stored.Status)
	assert.Equal(t, []job.Status{job.Processing, job.Completed}, f.store.saved)
	assert.Equal(t, len(Order), len(f.counter.names()))
}

func TestOrchestrator_ReferenceScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("10k point scenario")
	}
	f := newFixture(t)
	f.artifacts.clouds["inputs/surface.xyz"] = geometry.SyntheticSurface(10000, 1)

	p := DefaultParams()
	p.VoxelSize = 0.02
	p.RemoveOutliers = true
	p.Method = geometry.MethodPoisson
	p.PoissonDepth = 9
	p.ColorMethod = geometry.ColorNearest
	p.RemoveSmallComponents = true
	p.MinComponent = 1000
	p.Smooth = true
	f.submit(t, "ref", p)

	res, err := f.orch.Run(context.Background(), "ref", nil, nil)
	require.NoError(t, err)
	require.Equal(t, job.Completed, res.Job.Status, res.Job.Error)
	assert.Greater(t, res.Output.Meta.Triangles, 1000)
	assert.True(t, res.Output.Meta.HasColors)
}

func TestOrchestrator_StageFailureStopsRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Replace(StageReconstruct, func(Request) (Operation, error) {
		return func(context.Context, geometry.Artifact) (geometry.Artifact, error) {
			return nil, fmt.Errorf("poisson: %w", geometry.ErrDegenerate)
		}, nil
	}))
	f.submit(t, "bad", testParams())
	sink := &recordingSink{}

	res, err := f.orch.Run(context.Background(), "bad", sink, nil)
	require.NoError(t, err)

	assert.Equal(t, job.Failed, res.Job.Status)
	assert.Contains(t, res.Job.Error, "stage reconstruct")
	assert.Contains(t, res.Job.Error, geometry.ErrDegenerate.Error())
	assert.Empty(t, res.Job.OutputRef)
	assert.Empty(t, f.artifacts.saved)
	assert.NotContains(t, f.counter.names(), StageTransferColor)
	assert.NotContains(t, f.counter.names(), StagePersist)
	assertMonotonic(t, sink.percents())
}

func TestOrchestrator_CancelBeforeFirstStage(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "c0", testParams())
	token := NewToken()
	token.RequestCancel()

	res, err := f.orch.Run(context.Background(), "c0", nil, token)
	require.NoError(t, err)
	assert.Equal(t, job.Cancelled, res.Job.Status)
	assert.Equal(t, 0, res.Job.Progress)
	assert.Empty(t, res.Job.Error)
	assert.Empty(t, res.Job.OutputRef)
	assert.Empty(t, f.counter.names())
}

func TestOrchestrator_CancelFlagOnRecord(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "c1", testParams())
	require.NoError(t, f.store.RequestCancel(context.Background(), "c1"))

	res, err := f.orch.Run(context.Background(), "c1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, job.Cancelled, res.Job.Status)
	assert.Empty(t, f.counter.names())
}

func TestOrchestrator_CancelBetweenStages(t *testing.T) {
	f := newFixture(t)
	token := NewToken()
	st, _ := f.registry.Get(StageDownsample)
	inner := st.Factory
	require.NoError(t, f.registry.Replace(StageDownsample, func(req Request) (Operation, error) {
		op, err := inner(req)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, in geometry.Artifact) (geometry.Artifact, error) {
			token.RequestCancel()
			return op(ctx, in)
		}, nil
	}))
	f.submit(t, "c2", testParams())

	res, err := f.orch.Run(context.Background(), "c2", nil, token)
	require.NoError(t, err)
	assert.Equal(t, job.Cancelled, res.Job.Status)
	assert.Equal(t, 25, res.Job.Progress, "load and downsample completed")
	assert.Empty(t, f.artifacts.saved)
}

func TestOrchestrator_InvalidRecordNeverProcesses(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(context.Background(),
		job.New("inv", "inputs/surface.xyz", []byte(`{"method":"marching_cubes"}`))))

	res, err := f.orch.Run(context.Background(), "inv", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, job.Failed, res.Job.Status)
	assert.Contains(t, res.Job.Error, "marching_cubes")
	assert.Equal(t, []job.Status{job.Failed}, f.store.saved)
	assert.Empty(t, f.counter.names())
}

func TestOrchestrator_ExternalTerminalWins(t *testing.T) {
	f := newFixture(t)
	st, _ := f.registry.Get(StageLoad)
	inner := st.Factory
	require.NoError(t, f.registry.Replace(StageLoad, func(req Request) (Operation, error) {
		op, err := inner(req)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, in geometry.Artifact) (geometry.Artifact, error) {
			j, _ := f.store.Get(ctx, req.JobID)
			_ = j.Fail("transport: hard time limit exceeded", time.Now())
			_ = f.store.Save(ctx, j)
			return op(ctx, in)
		}, nil
	}))
	f.submit(t, "late", testParams())

	res, err := f.orch.Run(context.Background(), "late", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, job.Failed, res.Job.Status)
	assert.Contains(t, res.Job.Error, "hard time limit")
	assert.Nil(t, res.Output)
	assert.Contains(t, f.counter.names(), StagePersist, "the run went on to persist")
	assert.False(t, f.artifacts.has(keys.Mesh("late", "ply")), "mesh of the discarded result is removed")
}

func TestOrchestrator_ContextDone(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "ctx", testParams())
	ctx, cancel := context.WithCancel(context.Background())
	st, _ := f.registry.Get(StageLoad)
	inner := st.Factory
	require.NoError(t, f.registry.Replace(StageLoad, func(req Request) (Operation, error) {
		op, err := inner(req)
		if err != nil {
			return nil, err
		}
		return func(c context.Context, in geometry.Artifact) (geometry.Artifact, error) {
			defer cancel()
			return op(c, in)
		}, nil
	}))

	res, err := f.orch.Run(ctx, "ctx", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, job.Failed, res.Job.Status)
	assert.Contains(t, res.Job.Error, "transport")
	assert.Equal(t, 15, res.Job.Progress)
}

func TestOrchestrator_NotQueued(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "twice", testParams())
	_, err := f.orch.Run(context.Background(), "twice", nil, nil)
	require.NoError(t, err)

	_, err = f.orch.Run(context.Background(), "twice", nil, nil)
	assert.True(t, errors.Is(err, job.ErrInvalidTransition))
}

func TestSinks(t *testing.T) {
	var got []string
	multi := MultiSink{
		SinkFunc(func(id string, p int, s string) { got = append(got, fmt.Sprintf("%s:%d:%s", id, p, s)) }),
		nil,
		NopSink{},
		LogSink{},
	}
	multi.Emit("j", 40, "reconstruct done")
	assert.Equal(t, []string{"j:40:reconstruct done"}, got)

	store := job.NewMemoryStore()
	j := job.New("r", "in", nil)
	require.NoError(t, store.Create(context.Background(), j))
	require.NoError(t, j.Start(time.Now()))
	require.NoError(t, store.Save(context.Background(), j))

	rs := NewRecordSink(store)
	rs.Emit("r", 30, "running reconstruct")
	rs.Emit("r", 10, "stale")
	rs.Emit("missing", 10, "dropped without panic")
	stored, _ := store.Get(context.Background(), "r")
	assert.Equal(t, 30, stored.Progress)
}

func TestAlgorithms(t *testing.T) {
	c := Algorithms()
	require.Len(t, c.Methods, 3)
	for _, m := range c.Methods {
		assert.NotEmpty(t, CanonicalMethod(m.Name), m.Name)
	}
	for _, p := range c.Common {
		if p.Min != nil && p.Max != nil {
			assert.LessOrEqual(t, *p.Min, *p.Max, p.Name)
		}
	}
}
