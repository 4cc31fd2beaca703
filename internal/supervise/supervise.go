// Package supervise runs one orchestrator execution under wall-clock limits.
//
// The soft limit only logs. The hard limit requests cancellation, cancels the
// run context and forces the record to failed straight away, whatever stage
// is running. The stage in flight cannot be preempted: it keeps running in
// the background and its final write is rejected by the store because the
// record is already terminal.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pointmesh/internal/job"
	"pointmesh/internal/pipeline"
)

// ErrHardLimit is wrapped in the transport error recorded on a killed job.
var ErrHardLimit = errors.New("hard time limit exceeded")

// RunFunc matches (*pipeline.Orchestrator).Run.
type RunFunc func(ctx context.Context, jobID string, sink pipeline.ProgressSink, token *pipeline.Token) (pipeline.Result, error)

// Limits are wall-clock budgets for one job. Zero disables a limit.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

type Supervisor struct {
	Store  job.Store
	Run    RunFunc
	Limits Limits
	Now    func() time.Time
}

func New(store job.Store, run RunFunc, limits Limits) *Supervisor {
	return &Supervisor{Store: store, Run: run, Limits: limits, Now: time.Now}
}

type outcome struct {
	res pipeline.Result
	err error
}

// Execute runs jobID and returns when the run finishes or the hard limit
// fires, whichever comes first.
func (s *Supervisor) Execute(ctx context.Context, jobID string, sink pipeline.ProgressSink, token *pipeline.Token) (pipeline.Result, error) {
	if token == nil {
		token = pipeline.NewToken()
	}
	if s.Limits.Soft <= 0 && s.Limits.Hard <= 0 {
		return s.Run(ctx, jobID, sink, token)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Run(runCtx, jobID, sink, token)
		done <- outcome{res, err}
	}()

	soft := timer(s.Limits.Soft)
	defer stop(soft)
	hard := timer(s.Limits.Hard)
	defer stop(hard)

	for {
		select {
		case o := <-done:
			return o.res, o.err
		case <-channel(soft):
			pipeline.Logf("job %s: soft time limit %s exceeded, still running", jobID, s.Limits.Soft)
			soft = nil
		case <-channel(hard):
			token.RequestCancel()
			cancel()
			return s.kill(ctx, jobID, sink)
		}
	}
}

// kill forces the record to failed. A record that reached a terminal state
// on its own in the meantime is returned unchanged.
func (s *Supervisor) kill(ctx context.Context, jobID string, sink pipeline.ProgressSink) (pipeline.Result, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	terr := &pipeline.TransportError{Op: "supervise", Err: fmt.Errorf("%w after %s", ErrHardLimit, s.Limits.Hard)}
	for attempt := 0; attempt < 3; attempt++ {
		j, err := s.Store.Get(wctx, jobID)
		if err != nil {
			return pipeline.Result{}, err
		}
		if j.Status.Terminal() {
			return pipeline.Result{Job: j}, nil
		}
		if err := j.Fail(terr.Error(), s.now()); err != nil {
			return pipeline.Result{Job: j}, err
		}
		err = s.Store.Save(wctx, j)
		switch {
		case err == nil:
			pipeline.Logf("job %s: killed at %d%%: %s", jobID, j.Progress, j.Error)
			if sink != nil {
				sink.Emit(jobID, j.Progress, j.StatusText)
			}
			return pipeline.Result{Job: j}, nil
		case errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrInvalidTransition):
			// the record moved under us; re-read and decide again
			continue
		default:
			return pipeline.Result{Job: j}, err
		}
	}
	j, err := s.Store.Get(wctx, jobID)
	return pipeline.Result{Job: j}, err
}

func (s *Supervisor) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func timer(d time.Duration) *time.Timer {
	if d <= 0 {
		return nil
	}
	return time.NewTimer(d)
}

func stop(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// channel returns nil for a nil timer so its select case never fires.
func channel(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
