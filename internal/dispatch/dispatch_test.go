package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointmesh/internal/geometry"
	"pointmesh/internal/job"
	"pointmesh/internal/pipeline"
	"pointmesh/internal/storage"
)

func init() {
	pipeline.SetLogger(nil)
}

type mockPublisher struct {
	mu   sync.Mutex
	keys []string
	msgs [][]byte
	err  error
}

func (p *mockPublisher) Publish(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.msgs = append(p.msgs, value)
	return nil
}

// mockSource is a MessageIterator over a buffered channel.
type mockSource struct {
	ch        chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func newMockSource() *mockSource {
	return &mockSource{ch: make(chan kafka.Message, 16)}
}

func (s *mockSource) Messages() <-chan kafka.Message { return s.ch }

func (s *mockSource) CommitOffset(_ context.Context, msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msg.Offset)
	return nil
}

func (s *mockSource) push(t *testing.T, offset int64, value []byte) {
	t.Helper()
	s.ch <- kafka.Message{Topic: "mesh-tasks", Offset: offset, Value: value}
}

func (s *mockSource) offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type fixture struct {
	store    *job.MemoryStore
	registry *pipeline.Registry
	orch     *pipeline.Orchestrator
	input    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := storage.NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	artifacts := storage.NewArtifacts(blobs)
	input, err := artifacts.SavePointCloud(context.Background(), "inputs/surface.xyz", geometry.SyntheticSurface(2500, 11))
	require.NoError(t, err)

	store := job.NewMemoryStore()
	reg := pipeline.DefaultRegistry(artifacts)
	return &fixture{store: store, registry: reg, orch: pipeline.NewOrchestrator(store, reg), input: input}
}

func (f *fixture) submit(t *testing.T, id string) []byte {
	t.Helper()
	p := pipeline.DefaultParams()
	p.VoxelSize = 0.02
	p.PoissonDepth = 8
	data, err := p.Encode()
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), job.New(id, f.input, data)))
	msg, err := TaskMessage{TaskID: "task-" + id, JobID: id, InputRef: f.input}.Encode()
	require.NoError(t, err)
	return msg
}

func TestDecodeTask(t *testing.T) {
	_, err := DecodeTask([]byte("not json"))
	assert.Error(t, err)
	_, err = DecodeTask([]byte(`{"task_id":"t"}`))
	assert.Error(t, err)

	m, err := DecodeTask([]byte(`{"task_id":"t","job_id":"j","input_ref":"inputs/a.xyz"}`))
	require.NoError(t, err)
	assert.Equal(t, TaskMessage{TaskID: "t", JobID: "j", InputRef: "inputs/a.xyz"}, m)
}

func TestDispatcher_Launch(t *testing.T) {
	pub := &mockPublisher{}
	d := NewDispatcher(pub)
	j := job.New("job-1", "inputs/a.xyz", nil)

	taskID, err := d.Launch(context.Background(), j)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "job-1", pub.keys[0])

	m, err := DecodeTask(pub.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, taskID, m.TaskID)
	assert.Equal(t, "inputs/a.xyz", m.InputRef)

	pub.err = errors.New("leader not available")
	_, err = d.Launch(context.Background(), j)
	var terr *pipeline.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dispatch", terr.Op)
}

func TestWorker_ProcessesAndCommits(t *testing.T) {
	f := newFixture(t)
	src := newMockSource()
	src.push(t, 0, []byte("garbage"))
	src.push(t, 1, f.submit(t, "remote-1"))
	src.push(t, 2, f.submit(t, "remote-2"))
	// redelivery of a job that already ran
	src.push(t, 3, []byte(`{"task_id":"again","job_id":"remote-1"}`))
	src.push(t, 4, []byte(`{"task_id":"ghost","job_id":"missing"}`))
	close(src.ch)

	w := NewWorker(f.store, f.orch, src, WorkerConfig{Concurrency: 1})
	require.NoError(t, w.Run(context.Background()))

	for _, id := range []string{"remote-1", "remote-2"} {
		got, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, job.Completed, got.Status, id)
		assert.NotEmpty(t, got.OutputRef)
	}
	assert.ElementsMatch(t, []int64{0, 1, 2, 3, 4}, src.offsets())
}

func TestWorker_ObservesCancelFlag(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	st, _ := f.registry.Get(pipeline.StageDownsample)
	require.NoError(t, f.registry.Replace(pipeline.StageDownsample, func(req pipeline.Request) (pipeline.Operation, error) {
		op, err := st.Factory(req)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, in geometry.Artifact) (geometry.Artifact, error) {
			entered <- struct{}{}
			<-release
			return op(ctx, in)
		}, nil
	}))

	src := newMockSource()
	src.push(t, 7, f.submit(t, "remote-cancel"))
	close(src.ch)
	w := NewWorker(f.store, f.orch, src, WorkerConfig{CancelPoll: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("stage never started")
	}
	require.NoError(t, f.store.RequestCancel(context.Background(), "remote-cancel"))
	time.Sleep(100 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	got, err := f.store.Get(context.Background(), "remote-cancel")
	require.NoError(t, err)
	assert.Equal(t, job.Cancelled, got.Status)
	assert.Equal(t, 25, got.Progress)
	assert.Equal(t, []int64{7}, src.offsets())
}

func TestSweeper_FailsOverdueJobs(t *testing.T) {
	ctx := context.Background()
	store := job.NewMemoryStore()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, created time.Time, started *time.Time) {
		j := job.New(id, "in", nil)
		j.CreatedAt = created
		require.NoError(t, store.Create(ctx, j))
		if started != nil {
			require.NoError(t, j.Start(*started))
			require.NoError(t, store.Save(ctx, j))
		}
	}
	longAgo := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)
	mk("stuck", longAgo, &longAgo)
	mk("running", longAgo, &recent)
	mk("never-picked", longAgo, nil)
	mk("fresh", recent, nil)

	s := &Sweeper{Store: store, HardLimit: 30 * time.Minute, QueueTimeout: time.Hour, Now: func() time.Time { return now }}
	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := map[string]job.Status{
		"stuck":        job.Failed,
		"running":      job.Processing,
		"never-picked": job.Failed,
		"fresh":        job.Queued,
	}
	for id, status := range want {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, id)
		if status == job.Failed {
			assert.Contains(t, got.Error, "transport: sweep")
		}
	}

	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep finds nothing")
}
