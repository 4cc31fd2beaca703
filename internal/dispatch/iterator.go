package dispatch

import (
	"context"
	"log"

	"github.com/segmentio/kafka-go"
)

// Iterator decodes task messages from a MessageIterator.
//
// The Iterator does not manage the lifecycle of the underlying message source;
// callers start and stop their consumer outside and pass in an implementation
// of MessageIterator.
type Iterator struct {
	msgIterator MessageIterator
}

func NewIterator(iterator MessageIterator) *Iterator {
	return &Iterator{msgIterator: iterator}
}

// Tasks starts a goroutine that receives messages, decodes each as a
// TaskMessage and emits a Delivery on the returned channel. Messages that do
// not decode can never succeed: they are logged, committed and skipped. The
// output channel is closed when the underlying Messages() channel is closed
// or ctx is done.
func (it *Iterator) Tasks(ctx context.Context) <-chan Delivery {
	out := make(chan Delivery)
	go func() {
		defer close(out)

		for msg := range it.msgIterator.Messages() {
			task, err := DecodeTask(msg.Value)
			if err != nil {
				log.Printf("Skipping message at offset %d: %v", msg.Offset, err)
				if err := it.Commit(ctx, msg); err != nil {
					log.Printf("Failed to commit offset: %v", err)
				}
				continue
			}
			select {
			case out <- Delivery{Task: task, Msg: msg}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Commit acknowledges msg on the underlying source.
func (it *Iterator) Commit(ctx context.Context, msg kafka.Message) error {
	return it.msgIterator.CommitOffset(ctx, msg)
}
