package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pointmesh/internal/job"
	"pointmesh/internal/pipeline"
)

// Publisher is satisfied by *kafkaclient.KafkaProducer.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Dispatcher hands jobs to the worker fleet.
type Dispatcher struct {
	publisher Publisher
	now       func() time.Time
}

func NewDispatcher(p Publisher) *Dispatcher {
	return &Dispatcher{publisher: p, now: time.Now}
}

// Launch publishes j keyed by its id and returns the new task id. Broker
// failures come back as *pipeline.TransportError.
func (d *Dispatcher) Launch(ctx context.Context, j job.Job) (string, error) {
	msg := TaskMessage{
		TaskID:      uuid.NewString(),
		JobID:       j.ID,
		InputRef:    j.InputRef,
		SubmittedAt: d.now().UTC(),
	}
	data, err := msg.Encode()
	if err != nil {
		return "", err
	}
	if err := d.publisher.Publish(ctx, j.ID, data); err != nil {
		return "", &pipeline.TransportError{Op: "dispatch", Err: err}
	}
	return msg.TaskID, nil
}
