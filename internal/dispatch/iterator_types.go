package dispatch

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// MessageIterator defines the contract for consuming messages from a Kafka topic.
// It is used by the Iterator to abstract away the details of the underlying
// Kafka consumer (pkg/kafkaclient).
//
// Implementations are responsible for the lifecycle of the consumer connection.
type MessageIterator interface {
	// Messages returns a receive-only channel of Kafka messages. The channel
	// is closed by the implementation when the consumer is stopped or the
	// underlying source is exhausted.
	Messages() <-chan kafka.Message

	// CommitOffset acknowledges that a message has been fully processed.
	CommitOffset(ctx context.Context, msg kafka.Message) error
}

// Delivery pairs a decoded task with the message that carried it. The
// message must be committed once the task has been handled.
type Delivery struct {
	Task TaskMessage
	Msg  kafka.Message
}
