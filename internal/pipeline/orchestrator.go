package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pointmesh/internal/geometry"
	"pointmesh/internal/job"
)

// terminalWriteTimeout bounds the final status write, which must happen even
// when the run context is already done.
const terminalWriteTimeout = 10 * time.Second

// Orchestrator walks a resolved Definition for one job at a time and drives the
// job record through its states. Stage failures never escape Run: they end up
// on the record. Run only returns an error when the record itself could not be
// read or written.
type Orchestrator struct {
	Store    job.Store
	Registry *Registry
	Now      func() time.Time
	// Outputs removes a mesh persisted for a record that was finalised by
	// someone else in the meantime. Nil leaves such files in place.
	Outputs OutputRemover
}

// Result is the outcome of Run.
type Result struct {
	Job    job.Job
	Output *geometry.StoredArtifact
}

func NewOrchestrator(store job.Store, reg *Registry) *Orchestrator {
	o := &Orchestrator{Store: store, Registry: reg, Now: time.Now}
	if reg != nil {
		o.Outputs = reg.outputs
	}
	return o
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// Run executes the queued job jobID. Progress goes to sink (nil discards it);
// token is checked before every stage (nil never cancels).
func (o *Orchestrator) Run(ctx context.Context, jobID string, sink ProgressSink, token *Token) (Result, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if token == nil {
		token = NewToken()
	}

	j, err := o.Store.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if j.Status != job.Queued {
		return Result{Job: j}, fmt.Errorf("job %s is %s, not queued: %w", j.ID, j.Status, job.ErrInvalidTransition)
	}
	if j.CancelRequested {
		token.RequestCancel()
	}

	params, err := DecodeParams(j.Params)
	var def *Definition
	if err == nil {
		def, err = Resolve(Request{JobID: j.ID, InputRef: j.InputRef, Params: params}, o.Registry)
	}
	if err != nil {
		Logf("job %s: rejected: %v", j.ID, err)
		return o.finish(ctx, j, sink, func(j *job.Job) error { return j.Fail(err.Error(), o.now()) })
	}

	if err := j.Start(o.now()); err != nil {
		return Result{Job: j}, err
	}
	if err := o.Store.Save(ctx, j); err != nil {
		return Result{Job: j}, fmt.Errorf("job %s: start: %w", j.ID, err)
	}
	sink.Emit(j.ID, 0, "processing")
	Logf("job %s: processing %s [%s]", j.ID, params.Describe(), strings.Join(def.Names(), " > "))

	var current geometry.Artifact
	progress := 0
	for _, st := range def.Stages {
		if token.CancelRequested() {
			j.Progress = progress
			return o.finish(ctx, j, sink, func(j *job.Job) error { return j.Cancel(o.now()) })
		}
		if err := ctx.Err(); err != nil {
			j.Progress = progress
			terr := &TransportError{Op: "run interrupted before " + st.Name, Err: err}
			return o.finish(ctx, j, sink, func(j *job.Job) error { return j.Fail(terr.Error(), o.now()) })
		}

		sink.Emit(j.ID, progress, "running "+st.Name)
		started := time.Now()
		out, err := st.Operation(ctx, current)
		if err == nil && out == nil {
			err = errors.New("operation returned no artifact")
		}
		if err != nil {
			j.Progress = progress
			serr := &StageExecutionError{Stage: st.Name, Err: err}
			return o.finish(ctx, j, sink, func(j *job.Job) error { return j.Fail(serr.Error(), o.now()) })
		}
		current = out
		progress = min(progress+st.Weight, 100)
		Logf("job %s: %s done in %s (%s)", j.ID, st.Name, time.Since(started).Round(time.Millisecond), describe(out.Metadata()))
		sink.Emit(j.ID, progress, st.Name+" done")
	}

	stored, ok := current.(*geometry.StoredArtifact)
	if !ok {
		j.Progress = progress
		serr := &StageExecutionError{Stage: StagePersist, Err: fmt.Errorf("no stored output, got %T", current)}
		return o.finish(ctx, j, sink, func(j *job.Job) error { return j.Fail(serr.Error(), o.now()) })
	}
	res, err := o.finish(ctx, j, sink, func(j *job.Job) error { return j.Complete(stored.Ref, o.now()) })
	if err == nil && res.Job.Status == job.Completed {
		res.Output = stored
	}
	return res, err
}

// finish applies a terminal transition and writes it. If another actor
// already finalised the record (hard timeout, sweeper), that record wins and
// is returned instead.
func (o *Orchestrator) finish(ctx context.Context, j job.Job, sink ProgressSink, apply func(*job.Job) error) (Result, error) {
	if err := apply(&j); err != nil {
		return Result{Job: j}, err
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := o.Store.Save(wctx, j); err != nil {
		if !errors.Is(err, job.ErrTerminal) {
			return Result{Job: j}, fmt.Errorf("job %s: save %s: %w", j.ID, j.Status, err)
		}
		stored, gerr := o.Store.Get(wctx, j.ID)
		if gerr != nil {
			return Result{Job: j}, gerr
		}
		Logf("job %s: %s result discarded, record already %s", j.ID, j.Status, stored.Status)
		if j.Status == job.Completed && j.OutputRef != "" {
			o.discardOutput(wctx, j.ID, j.OutputRef)
		}
		return Result{Job: stored}, nil
	}

	sink.Emit(j.ID, j.Progress, j.StatusText)
	switch j.Status {
	case job.Failed:
		Logf("job %s: failed at %d%%: %s", j.ID, j.Progress, j.Error)
	case job.Cancelled:
		Logf("job %s: cancelled at %d%%", j.ID, j.Progress)
	default:
		Logf("job %s: %s -> %s", j.ID, j.Status, j.OutputRef)
	}
	return Result{Job: j}, nil
}

func (o *Orchestrator) discardOutput(ctx context.Context, id, ref string) {
	if o.Outputs == nil {
		Logf("job %s: output %s is orphaned", id, ref)
		return
	}
	if err := o.Outputs.RemoveOutput(ctx, ref); err != nil {
		Logf("job %s: remove orphaned output %s: %v", id, ref, err)
	}
}

func describe(m geometry.Metadata) string {
	switch m.Kind {
	case "point_cloud":
		return fmt.Sprintf("%d points, colors=%t normals=%t", m.Points, m.HasColors, m.HasNormals)
	case "mesh":
		return fmt.Sprintf("%d vertices, %d triangles, colors=%t", m.Vertices, m.Triangles, m.HasColors)
	}
	return m.Kind
}
