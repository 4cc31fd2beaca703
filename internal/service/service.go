// Package service is the submission interface: submit, cancel and read jobs
// over a job.Store, handing accepted jobs to a Launcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"pointmesh/internal/job"
	"pointmesh/internal/pipeline"
)

// Launcher starts a created job somewhere: the local runner or the Kafka
// dispatcher. It returns an opaque task id.
type Launcher interface {
	Launch(ctx context.Context, j job.Job) (string, error)
}

// Canceller is implemented by launchers that own a job's cancellation token
// in process. Distributed workers observe the record flag instead.
type Canceller interface {
	Cancel(jobID string) bool
}

// CancelResult is the outcome of Cancel.
type CancelResult int

const (
	CancelOK CancelResult = iota
	CancelNotFound
	CancelAlreadyTerminal
)

func (r CancelResult) String() string {
	switch r {
	case CancelOK:
		return "ok"
	case CancelNotFound:
		return "not found"
	case CancelAlreadyTerminal:
		return "already terminal"
	}
	return "unknown"
}

// Service validates submissions, creates records and launches them.
type Service struct {
	Store    job.Store
	Launcher Launcher
	NewID    func() string
	Now      func() time.Time
}

func New(store job.Store, launcher Launcher) *Service {
	return &Service{Store: store, Launcher: launcher, NewID: uuid.NewString, Now: time.Now}
}

// Submit rejects invalid parameters with a *pipeline.ConfigurationError and
// never creates a record for them. An empty jobID gets a generated one. A
// launch failure marks the record failed and returns the transport error
// along with the record.
func (s *Service) Submit(ctx context.Context, jobID, inputRef string, params pipeline.Params) (job.Job, error) {
	if inputRef == "" {
		return job.Job{}, &pipeline.ConfigurationError{Field: "input_ref", Reason: "is required"}
	}
	if err := params.Validate(); err != nil {
		return job.Job{}, err
	}
	data, err := params.Encode()
	if err != nil {
		return job.Job{}, err
	}
	if jobID == "" {
		jobID = s.NewID()
	}

	j := job.New(jobID, inputRef, data)
	if err := s.Store.Create(ctx, j); err != nil {
		return job.Job{}, err
	}

	taskID, err := s.Launcher.Launch(ctx, j)
	if err != nil {
		var terr *pipeline.TransportError
		if !errors.As(err, &terr) {
			terr = &pipeline.TransportError{Op: "launch", Err: err}
		}
		failed, ferr := s.failUnlaunched(ctx, j, terr)
		if ferr != nil {
			log.Printf("job %s: could not record launch failure: %v", j.ID, ferr)
		}
		return failed, terr
	}
	if err := s.Store.SetTaskID(ctx, j.ID, taskID); err != nil {
		log.Printf("job %s: task id %s not recorded: %v", j.ID, taskID, err)
	} else {
		j.TaskID = taskID
	}
	log.Printf("job %s: submitted as task %s (%s)", j.ID, taskID, params.Describe())
	return j, nil
}

func (s *Service) failUnlaunched(ctx context.Context, j job.Job, cause error) (job.Job, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := j.Fail(cause.Error(), s.Now()); err != nil {
		return j, err
	}
	if err := s.Store.Save(wctx, j); err != nil {
		if errors.Is(err, job.ErrTerminal) {
			return s.Store.Get(wctx, j.ID)
		}
		return j, err
	}
	return j, nil
}

// Cancel requests cancellation. The record flag is set for workers polling
// it; an in-process launcher also gets its token set directly. A failed flag
// write is only an error when no in-process job took the request.
func (s *Service) Cancel(ctx context.Context, jobID string) (CancelResult, error) {
	err := s.Store.RequestCancel(ctx, jobID)
	switch {
	case errors.Is(err, job.ErrNotFound):
		return CancelNotFound, nil
	case errors.Is(err, job.ErrTerminal):
		return CancelAlreadyTerminal, nil
	}
	inProcess := false
	if c, ok := s.Launcher.(Canceller); ok {
		inProcess = c.Cancel(jobID)
	}
	if err != nil {
		if !inProcess {
			return CancelOK, fmt.Errorf("cancel %s: %w", jobID, err)
		}
		// the token alone stops an in-process job
		log.Printf("job %s: cancel flag not stored: %v", jobID, err)
	}
	log.Printf("job %s: cancel requested", jobID)
	return CancelOK, nil
}

// Status returns a snapshot of the record.
func (s *Service) Status(ctx context.Context, jobID string) (job.Job, error) {
	return s.Store.Get(ctx, jobID)
}

// List returns records newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]job.Job, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("limit and offset must not be negative")
	}
	return s.Store.List(ctx, limit, offset)
}

// Delete removes a terminal record. Active jobs must be cancelled first.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	j, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: cancel it first", jobID, j.Status)
	}
	return s.Store.Delete(ctx, jobID)
}
