// Package job holds the durable record of one pipeline execution and the
// contract every job store implements.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Cancelled  Status = "cancelled"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrTerminal          = errors.New("job is terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions lists the statuses reachable from each status. queued -> failed
// covers jobs that never reached a worker.
var transitions = map[Status][]Status{
	Queued:     {Processing, Failed},
	Processing: {Completed, Failed, Cancelled},
}

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case Queued, Processing, Completed, Failed, Cancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Sources returns every status from which next can be reached.
func Sources(next Status) []Status {
	var out []Status
	for _, from := range []Status{Queued, Processing} {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

// Job is the durable record of one pipeline execution.
type Job struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	Progress        int             `json:"progress"`
	StatusText      string          `json:"status_text,omitempty"`
	Error           string          `json:"error,omitempty"`
	InputRef        string          `json:"input_ref"`
	OutputRef       string          `json:"output_ref,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	// HeartbeatAt is refreshed by the process that owns a running job.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// New returns a queued job created now.
func New(id, inputRef string, params []byte) Job {
	return Job{
		ID:         id,
		Status:     Queued,
		StatusText: "queued",
		InputRef:   inputRef,
		Params:     params,
		CreatedAt:  time.Now().UTC(),
	}
}

// Start moves a queued job to processing at progress 0.
func (j *Job) Start(now time.Time) error {
	if err := j.transition(Processing); err != nil {
		return err
	}
	j.Progress = 0
	j.StatusText = "processing"
	t := now.UTC()
	j.StartedAt = &t
	return nil
}

// Complete records the output locator and finishes the job at 100%.
func (j *Job) Complete(outputRef string, now time.Time) error {
	if outputRef == "" {
		return fmt.Errorf("job %s: complete without output", j.ID)
	}
	if err := j.transition(Completed); err != nil {
		return err
	}
	j.OutputRef = outputRef
	j.Progress = 100
	j.StatusText = "completed"
	j.finish(now)
	return nil
}

// Fail records msg as the job's error.
func (j *Job) Fail(msg string, now time.Time) error {
	if msg == "" {
		msg = "unknown error"
	}
	if err := j.transition(Failed); err != nil {
		return err
	}
	j.Error = msg
	j.StatusText = "failed"
	j.finish(now)
	return nil
}

// Cancel finishes the job without output. Progress keeps its last value.
func (j *Job) Cancel(now time.Time) error {
	if err := j.transition(Cancelled); err != nil {
		return err
	}
	j.StatusText = "cancelled"
	j.finish(now)
	return nil
}

func (j *Job) transition(next Status) error {
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, ErrTerminal)
	}
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("job %s: %s -> %s: %w", j.ID, j.Status, next, ErrInvalidTransition)
	}
	j.Status = next
	return nil
}

func (j *Job) finish(now time.Time) {
	t := now.UTC()
	j.FinishedAt = &t
}

// Validate checks the record invariants.
func (j Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id is empty")
	}
	if _, err := ParseStatus(string(j.Status)); err != nil {
		return err
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("job %s: progress %d out of range", j.ID, j.Progress)
	}
	if (j.Error != "") != (j.Status == Failed) {
		return fmt.Errorf("job %s: error message must be set only when failed", j.ID)
	}
	if (j.OutputRef != "") != (j.Status == Completed) {
		return fmt.Errorf("job %s: output must be set only when completed", j.ID)
	}
	return nil
}
