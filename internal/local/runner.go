// Package local runs jobs inside the submitting process. Each job gets a
// JobHandle carrying its cancellation token, a bounded progress queue and a
// result future. Records are still persisted so status survives restarts.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pointmesh/internal/job"
	"pointmesh/internal/pipeline"
	"pointmesh/internal/supervise"
)

var errQueueClosed = errors.New("progress queue closed without a result")

// Config sizes a Runner.
type Config struct {
	// Workers bounds concurrent jobs. Defaults to 1.
	Workers int
	// QueueSize bounds each job's progress queue. Defaults to 64.
	QueueSize int
	// Timeout is the hard wall-clock limit per job; zero disables it.
	Timeout time.Duration
	// CancelPoll, when set, also watches the record for cancel requests
	// written by other processes.
	CancelPoll time.Duration
	// Lease is how long a record may go without a heartbeat before another
	// process treats it as abandoned. Defaults to 30s; heartbeats are sent
	// every Lease/3.
	Lease time.Duration
}

// JobHandle is owned by whoever started the job.
type JobHandle struct {
	ID     string
	TaskID string

	token   *pipeline.Token
	queue   *Queue
	done    chan struct{}
	outcome Outcome
}

func newHandle(id string, queueSize int) *JobHandle {
	return &JobHandle{
		ID:     id,
		TaskID: uuid.NewString(),
		token:  pipeline.NewToken(),
		queue:  NewQueue(queueSize),
		done:   make(chan struct{}),
	}
}

// Cancel requests cooperative cancellation at the next stage boundary.
func (h *JobHandle) Cancel() { h.token.RequestCancel() }

func (h *JobHandle) Token() *pipeline.Token { return h.token }

// Queue is the job's progress queue. It is closed after the result message.
func (h *JobHandle) Queue() *Queue { return h.queue }

func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finished or ctx is done.
func (h *JobHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Poll drains the handle's queue on a fixed interval. See Poll.
func (h *JobHandle) Poll(ctx context.Context, interval time.Duration, onUpdate func(Snapshot)) (Outcome, error) {
	return Poll(ctx, h.queue, interval, onUpdate)
}

func (h *JobHandle) finish(o Outcome) {
	h.outcome = o
	h.queue.Send(Message{Kind: KindResult, Result: &o})
	h.queue.Close()
	close(h.done)
}

// Runner is a bounded in-process worker pool.
type Runner struct {
	store      job.Store
	sup        *supervise.Supervisor
	sem        chan struct{}
	queueSize  int
	cancelPoll time.Duration
	lease      time.Duration

	mu      sync.Mutex
	handles map[string]*JobHandle
	wg      sync.WaitGroup
}

func NewRunner(store job.Store, orch *pipeline.Orchestrator, cfg Config) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	return &Runner{
		store:      store,
		sup:        supervise.New(store, orch.Run, supervise.Limits{Hard: cfg.Timeout}),
		sem:        make(chan struct{}, cfg.Workers),
		queueSize:  cfg.QueueSize,
		cancelPoll: cfg.CancelPoll,
		lease:      cfg.Lease,
		handles:    make(map[string]*JobHandle),
	}
}

// Start runs the queued job jobID in the background and returns at once.
// The run stops being scheduled when ctx is done.
func (r *Runner) Start(ctx context.Context, jobID string) (*JobHandle, error) {
	r.mu.Lock()
	if _, ok := r.handles[jobID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("job %s: already running: %w", jobID, job.ErrExists)
	}
	h := newHandle(jobID, r.queueSize)
	r.handles[jobID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.forget(jobID)
		stop := r.heartbeat(ctx, jobID)
		out := r.execute(ctx, h)
		stop()
		h.finish(out)
	}()
	return h, nil
}

func (r *Runner) execute(ctx context.Context, h *JobHandle) Outcome {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		terr := &pipeline.TransportError{Op: "schedule", Err: ctx.Err()}
		j, err := r.abandon(ctx, h.ID, terr)
		if err == nil {
			err = terr
		}
		return Outcome{Job: j, Err: err}
	}

	stop := supervise.WatchCancel(ctx, r.store, h.ID, r.cancelPoll, h.token)
	defer stop()
	sink := pipeline.MultiSink{pipeline.NewRecordSink(r.store), ChannelSink{Queue: h.queue}}
	res, err := r.sup.Execute(ctx, h.ID, sink, h.token)
	return Outcome{Job: res.Job, Output: res.Output, Err: err}
}

// heartbeat refreshes the record's lease until the returned stop is called,
// so Recover in other processes leaves the job alone.
func (r *Runner) heartbeat(ctx context.Context, id string) func() {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	beat := func() {
		if err := r.store.Heartbeat(ctx, id, time.Now()); err != nil && ctx.Err() == nil {
			pipeline.Logf("job %s: heartbeat: %v", id, err)
		}
	}
	beat()
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// abandon fails a job that will never run. A record already terminal is
// returned as is.
func (r *Runner) abandon(ctx context.Context, id string, cause error) (job.Job, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	j, err := r.store.Get(wctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status.Terminal() {
		return j, nil
	}
	if err := j.Fail(cause.Error(), time.Now()); err != nil {
		return j, err
	}
	if err := r.store.Save(wctx, j); err != nil && !errors.Is(err, job.ErrTerminal) {
		return j, err
	}
	return j, nil
}

// Launch starts j and returns the handle's task id. It lets a Runner back
// the submission service.
func (r *Runner) Launch(ctx context.Context, j job.Job) (string, error) {
	h, err := r.Start(ctx, j.ID)
	if err != nil {
		return "", err
	}
	return h.TaskID, nil
}

// Cancel sets the token of a running job. It reports false when the job is
// not owned by this runner.
func (r *Runner) Cancel(jobID string) bool {
	h, ok := r.Handle(jobID)
	if ok {
		h.Cancel()
	}
	return ok
}

func (r *Runner) Handle(jobID string) (*JobHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[jobID]
	return h, ok
}

func (r *Runner) forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, jobID)
}

// Wait blocks until every started job finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Recover fails queued and processing records whose owner stopped sending
// heartbeats for longer than the lease. Jobs owned by this runner and jobs
// kept alive by other processes sharing the store are left alone.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	cause := &pipeline.TransportError{Op: "recover", Err: errors.New("process exited before the job finished")}
	cutoff := time.Now().Add(-r.lease)
	lost, err := r.store.Unattended(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range lost {
		if _, live := r.Handle(j.ID); live {
			continue
		}
		// the owner may have come back since the scan
		cur, err := r.store.Get(ctx, j.ID)
		if errors.Is(err, job.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if cur.HeartbeatAt != nil && !cur.HeartbeatAt.Before(cutoff) {
			continue
		}
		if _, err := r.abandon(ctx, j.ID, cause); err != nil {
			return n, err
		}
		pipeline.Logf("job %s: recovered %s record as failed", j.ID, j.Status)
		n++
	}
	return n, nil
}
