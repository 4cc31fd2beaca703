package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists job records. Implementations serialise writes per row:
//   - Save rejects writes to a record that is already terminal (ErrTerminal)
//     and status changes not allowed by the state machine (ErrInvalidTransition).
//   - SetProgress never lowers the stored progress and is a no-op once the
//     record is no longer processing.
type Store interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	Save(ctx context.Context, j Job) error
	SetProgress(ctx context.Context, id string, percent int, text string) error
	SetTaskID(ctx context.Context, id, taskID string) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int) ([]Job, error)
	// Stale returns jobs in status whose reference time (StartedAt for
	// processing, CreatedAt otherwise) is before the cutoff.
	Stale(ctx context.Context, status Status, before time.Time) ([]Job, error)
	// Heartbeat marks a queued or processing job as still owned. It is a
	// no-op on terminal records.
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// Unattended returns queued and processing jobs whose last heartbeat, or
	// CreatedAt when there was none, is before the cutoff.
	Unattended(ctx context.Context, before time.Time) ([]Job, error)
}

// CheckSave verifies that next may overwrite stored.
func CheckSave(stored, next Job) error {
	if stored.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", stored.ID, stored.Status, ErrTerminal)
	}
	if next.Status != stored.Status && !stored.Status.CanTransition(next.Status) {
		return fmt.Errorf("job %s: %s -> %s: %w", stored.ID, stored.Status, next.Status, ErrInvalidTransition)
	}
	return next.Validate()
}

// MemoryStore is an in-process Store used by tests and single-shot CLI runs.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Create(_ context.Context, j Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s: %w", j.ID, ErrExists)
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

func (s *MemoryStore) Save(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[j.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", j.ID, ErrNotFound)
	}
	if err := CheckSave(stored, j); err != nil {
		return err
	}
	j.CancelRequested = j.CancelRequested || stored.CancelRequested
	if j.TaskID == "" {
		j.TaskID = stored.TaskID
	}
	j.HeartbeatAt = stored.HeartbeatAt
	if j.Status == Processing && stored.Progress > j.Progress {
		j.Progress = stored.Progress
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) SetProgress(_ context.Context, id string, percent int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.Status != Processing {
		return nil
	}
	if percent > j.Progress {
		j.Progress = min(percent, 100)
	}
	j.StatusText = text
	s.jobs[id] = j
	return nil
}

func (s *MemoryStore) SetTaskID(_ context.Context, id, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	j.TaskID = taskID
	s.jobs[id] = j
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, j.Status, ErrTerminal)
	}
	j.CancelRequested = true
	s.jobs[id] = j
	return nil
}

func (s *MemoryStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return j.CancelRequested, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit, offset int) ([]Job, error) {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()

	SortNewestFirst(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Stale(_ context.Context, status Status, before time.Time) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Status != status {
			continue
		}
		ref := j.CreatedAt
		if status == Processing && j.StartedAt != nil {
			ref = *j.StartedAt
		}
		if ref.Before(before) {
			out = append(out, j)
		}
	}
	SortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.Status.Terminal() {
		return nil
	}
	t := at.UTC()
	j.HeartbeatAt = &t
	s.jobs[id] = j
	return nil
}

func (s *MemoryStore) Unattended(_ context.Context, before time.Time) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			continue
		}
		ref := j.CreatedAt
		if j.HeartbeatAt != nil {
			ref = *j.HeartbeatAt
		}
		if ref.Before(before) {
			out = append(out, j)
		}
	}
	SortNewestFirst(out)
	return out, nil
}

// SortNewestFirst orders jobs by creation time, newest first, then by id.
func SortNewestFirst(jobs []Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}
