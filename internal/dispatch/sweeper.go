package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pointmesh/internal/job"
	"pointmesh/internal/pipeline"
)

// Sweeper makes sure no job stays non-terminal forever: processing jobs
// older than the hard limit lost their worker, queued jobs older than the
// queue timeout were never picked up.
type Sweeper struct {
	Store        job.Store
	HardLimit    time.Duration
	QueueTimeout time.Duration
	Interval     time.Duration
	Now          func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Sweep failed after %d jobs: %v", n, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce fails every overdue job and reports how many it failed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	n := 0
	rules := []struct {
		status job.Status
		limit  time.Duration
		reason string
	}{
		// A little grace so the supervisor on a live worker wins the race.
		{job.Processing, s.HardLimit + s.HardLimit/10, "worker lost, no result within %s"},
		{job.Queued, s.QueueTimeout, "task not picked up within %s"},
	}
	for _, r := range rules {
		if r.limit <= 0 {
			continue
		}
		stale, err := s.Store.Stale(ctx, r.status, now.Add(-r.limit))
		if err != nil {
			return n, err
		}
		for _, j := range stale {
			terr := &pipeline.TransportError{Op: "sweep", Err: fmt.Errorf(r.reason, r.limit)}
			if err := j.Fail(terr.Error(), now); err != nil {
				continue
			}
			err := s.Store.Save(ctx, j)
			switch {
			case err == nil:
				log.Printf("job %s: swept %s job: %s", j.ID, r.status, j.Error)
				n++
			case errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrInvalidTransition):
				// finished or started concurrently
			default:
				return n, err
			}
		}
	}
	return n, nil
}
