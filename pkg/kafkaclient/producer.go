package kafkaclient

import (
	"context"
	"errors"
	"log"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaProducer.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes keyed messages to one topic.
type KafkaProducer struct {
	writer KafkaWriter
	topic  string
}

// NewKafkaProducer creates a producer that waits for every in-sync replica to
// acknowledge a write.
func NewKafkaProducer(broker, topic string) (*KafkaProducer, error) {
	if broker == "" || topic == "" {
		return nil, errors.New("kafka producer needs broker and topic")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(w, topic), nil
}

// NewProducerWithWriter wraps an existing writer; topic is only used in logs.
func NewProducerWithWriter(w KafkaWriter, topic string) *KafkaProducer {
	return &KafkaProducer{writer: w, topic: topic}
}

// Publish writes value under key. Messages with the same key keep their order.
func (p *KafkaProducer) Publish(ctx context.Context, key string, value []byte) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return err
	}
	log.Printf("Published message: topic=%s, key=%s", p.topic, key)
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
