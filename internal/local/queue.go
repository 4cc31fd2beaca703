package local

import (
	"context"
	"sync"
	"time"

	"pointmesh/internal/geometry"
	"pointmesh/internal/job"
)

// Kind tags a Message.
type Kind int

const (
	KindProgress Kind = iota
	KindStatus
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindStatus:
		return "status"
	case KindResult:
		return "result"
	}
	return "unknown"
}

// Message is one entry of a job's progress queue. Exactly one field is
// meaningful, selected by Kind.
type Message struct {
	Kind     Kind
	Progress int
	Status   string
	Result   *Outcome
}

// Outcome is the final result of a local job.
type Outcome struct {
	Job    job.Job
	Output *geometry.StoredArtifact
	Err    error
}

// OutputRef is empty unless the job completed.
func (o Outcome) OutputRef() string { return o.Job.OutputRef }

// Queue is a bounded single-producer single-consumer message queue. Sends
// never block: when the queue is full the oldest message is dropped, which
// is harmless for progress and status since only the latest value matters.
type Queue struct {
	ch      chan Message
	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Message, size)}
}

// Send enqueues m. It is a no-op after Close.
func (q *Queue) Send(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- m:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped++
		default:
		}
	}
}

// Close tears the queue down. Buffered messages stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Dropped reports how many messages were discarded because the queue was full.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// C exposes the receive side.
func (q *Queue) C() <-chan Message { return q.ch }

// ChannelSink is a pipeline.ProgressSink feeding a Queue.
type ChannelSink struct {
	Queue *Queue
}

func (s ChannelSink) Emit(_ string, percent int, status string) {
	s.Queue.Send(Message{Kind: KindProgress, Progress: percent})
	s.Queue.Send(Message{Kind: KindStatus, Status: status})
}

// Snapshot is the coalesced view a poller hands to its callback.
type Snapshot struct {
	Progress int
	Status   string
}

// Poll drains q every interval, coalescing everything read in one tick into
// a single Snapshot passed to onUpdate when it changed. It returns the
// outcome once a result message arrives, or an error when ctx is done or the
// queue is torn down without a result.
func Poll(ctx context.Context, q *Queue, interval time.Duration, onUpdate func(Snapshot)) (Outcome, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Snapshot
	seen := false
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}

		cur := last
		var result *Outcome
		open := true
	drain:
		for {
			select {
			case m, ok := <-q.C():
				if !ok {
					open = false
					break drain
				}
				switch m.Kind {
				case KindProgress:
					cur.Progress = max(cur.Progress, m.Progress)
				case KindStatus:
					cur.Status = m.Status
				case KindResult:
					result = m.Result
				}
			default:
				break drain
			}
		}

		if onUpdate != nil && (cur != last || !seen) && (cur != Snapshot{}) {
			onUpdate(cur)
			seen = true
		}
		last = cur
		if result != nil {
			return *result, nil
		}
		if !open {
			return Outcome{}, errQueueClosed
		}
	}
}
