package kafkaclient

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaReader defines the interface for a Kafka message reader.
// This allows for easy mocking in unit tests.
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig selects the topic and consumer group to read.
type ConsumerConfig struct {
	Broker  string
	Topic   string
	GroupID string
	// Backoff is the pause after a read error. Defaults to one second.
	Backoff time.Duration
}

// KafkaConsumer fetches messages without committing them; the caller commits
// each message once it has been fully processed.
type KafkaConsumer struct {
	reader  KafkaReader
	backoff time.Duration
	// a channel to signal a graceful shutdown.
	doneChan chan struct{}
	stopOnce sync.Once
	// a wait group to ensure all goroutines have exited before the program terminates.
	wg          sync.WaitGroup
	messageChan chan kafka.Message
}

// NewKafkaConsumer creates a consumer on a real kafka-go reader.
func NewKafkaConsumer(cfg ConsumerConfig) (*KafkaConsumer, error) {
	if cfg.Broker == "" || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka consumer needs broker, topic and group id")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{cfg.Broker},
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
		// Offsets are committed explicitly after processing.
		CommitInterval: 0,
		MinBytes:       1,
		MaxBytes:       10e6,
	})
	return NewConsumerWithReader(reader, cfg.Backoff), nil
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(reader KafkaReader, backoff time.Duration) *KafkaConsumer {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &KafkaConsumer{
		reader:      reader,
		backoff:     backoff,
		doneChan:    make(chan struct{}),
		messageChan: make(chan kafka.Message),
	}
}

func (kc *KafkaConsumer) Messages() <-chan kafka.Message {
	return kc.messageChan
}

func (kc *KafkaConsumer) CommitOffset(ctx context.Context, msg kafka.Message) error {
	log.Printf("Committing offset for topic=%s, partition=%d, offset=%d", msg.Topic, msg.Partition, msg.Offset)
	return kc.reader.CommitMessages(ctx, msg)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || strings.Contains(err.Error(), "reader closed")
}

// StartConsuming begins the fetch loop in a separate goroutine. The message
// channel is closed when the loop exits.
func (kc *KafkaConsumer) StartConsuming(ctx context.Context) {
	kc.wg.Add(1)
	go func() {
		defer kc.wg.Done()
		defer close(kc.messageChan)

		log.Println("Starting Kafka consumer loop...")
		for {
			select {
			case <-ctx.Done():
				log.Println("Context canceled, stopping consumer loop.")
				return
			case <-kc.doneChan:
				log.Println("Shutdown signal received, stopping consumer loop.")
				return
			default:
			}

			msg, err := kc.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || isClosed(err) {
					return
				}
				log.Printf("Error reading message: %v", err)
				select {
				case <-time.After(kc.backoff):
				case <-ctx.Done():
					return
				case <-kc.doneChan:
					return
				}
				continue
			}

			select {
			case kc.messageChan <- msg:
				log.Printf("Message received: topic=%s, partition=%d, offset=%d", msg.Topic, msg.Partition, msg.Offset)
			case <-ctx.Done():
				return
			case <-kc.doneChan:
				return
			}
		}
	}()
}

// Stop gracefully shuts down the consumer. It is safe to call twice.
func (kc *KafkaConsumer) Stop() {
	kc.stopOnce.Do(func() {
		log.Println("Attempting to stop Kafka consumer...")
		close(kc.doneChan)
		if err := kc.reader.Close(); err != nil {
			log.Printf("Failed to close Kafka reader: %v", err)
		}
		kc.wg.Wait()
		log.Println("Kafka consumer stopped gracefully.")
	})
}

// Iterator provides a channel-based interface to consume messages.
type Iterator struct {
	consumer *KafkaConsumer
}

// NewIterator returns a new Iterator for the consumer.
func (kc *KafkaConsumer) NewIterator() *Iterator {
	return &Iterator{consumer: kc}
}

// Messages returns the channel of Kafka messages.
func (it *Iterator) Messages() <-chan kafka.Message {
	return it.consumer.messageChan
}

// CommitOffset manually commits the offset of a message.
func (it *Iterator) CommitOffset(ctx context.Context, msg kafka.Message) error {
	return it.consumer.CommitOffset(ctx, msg)
}
