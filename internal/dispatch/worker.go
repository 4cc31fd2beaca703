package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"pointmesh/internal/job"
	"pointmesh/internal/pipeline"
	"pointmesh/internal/supervise"
	"pointmesh/pkg/graceful"
)

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	// Concurrency bounds jobs running at once. Defaults to 1.
	Concurrency int
	// CancelPoll is how often a running job's record is checked for a
	// cancel request. Defaults to two seconds.
	CancelPoll time.Duration
	// Limits are the per-job soft and hard wall-clock limits.
	Limits supervise.Limits
	// DrainTimeout bounds how long running jobs may continue after shutdown
	// starts. Jobs still running then have their context cancelled and
	// fail at the next stage boundary. Zero waits for them.
	DrainTimeout time.Duration
}

// Worker consumes task messages and runs each job under supervision.
//
// Offsets are committed after a job reaches a terminal state, so a task is
// redelivered if the worker dies mid-job. Redelivery of a job that is no
// longer queued is a no-op. With Concurrency > 1 offsets may be committed out
// of order; a job lost that way is stuck in processing until the Sweeper
// fails it.
type Worker struct {
	store job.Store
	sup   *supervise.Supervisor
	tasks *Iterator
	cfg   WorkerConfig
}

func NewWorker(store job.Store, orch *pipeline.Orchestrator, source MessageIterator, cfg WorkerConfig) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = 2 * time.Second
	}
	return &Worker{
		store: store,
		sup:   supervise.New(store, orch.Run, cfg.Limits),
		tasks: NewIterator(source),
		cfg:   cfg,
	}
}

// Run processes tasks until ctx is done or the source is exhausted, then
// drains running jobs.
func (w *Worker) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for d := range w.tasks.Tasks(ctx) {
		g.Go(func() error {
			w.handle(jobCtx, d)
			return nil
		})
	}

	log.Printf("Worker draining running jobs")
	if err := graceful.Drain(w.cfg.DrainTimeout, func() { g.Wait() }); err != nil {
		cancelJobs()
		g.Wait()
	}
	return ctx.Err()
}

func (w *Worker) handle(ctx context.Context, d Delivery) {
	id := d.Task.JobID
	log.Printf("job %s: task %s received", id, d.Task.TaskID)

	token := pipeline.NewToken()
	stop := supervise.WatchCancel(ctx, w.store, id, w.cfg.CancelPoll, token)
	sink := pipeline.MultiSink{pipeline.NewRecordSink(w.store), pipeline.LogSink{}}
	res, err := w.sup.Execute(ctx, id, sink, token)
	stop()

	switch {
	case errors.Is(err, job.ErrInvalidTransition), errors.Is(err, job.ErrNotFound):
		log.Printf("job %s: task %s skipped: %v", id, d.Task.TaskID, err)
	case err != nil:
		// The record could not be written. Leave the offset uncommitted so
		// the task is redelivered.
		log.Printf("job %s: task %s aborted: %v", id, d.Task.TaskID, err)
		return
	default:
		log.Printf("job %s: task %s finished %s", id, d.Task.TaskID, res.Job.Status)
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.tasks.Commit(cctx, d.Msg); err != nil {
		log.Printf("job %s: failed to commit offset: %v", id, err)
	}
}
