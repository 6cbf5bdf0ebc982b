package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return &Producer{writer: writer}
}

// Publish writes records to the producer's topic
func (p *Producer) Publish(ctx context.Context, msgs ...kafka.Message) error {
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a new Kafka consumer. Offsets are committed
// synchronously so an ack means the record will not be redelivered.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{reader: reader}
}

// ConsumeMessage reads a single message
func (c *Consumer) ConsumeMessage(ctx context.Context) (kafka.Message, error) {
	return c.reader.FetchMessage(ctx)
}

// CommitMessage commits a message
func (c *Consumer) CommitMessage(ctx context.Context, msg kafka.Message) error {
	return c.reader.CommitMessages(ctx, msg)
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// KafkaQueue is a Queue backed by a work topic and a dead-letter topic.
// Requeued messages go back onto the work topic with their attempt count and
// not-before time in headers.
type KafkaQueue struct {
	producer *Producer
	dlq      *Producer
	consumer *Consumer
	logger   *zap.Logger
}

// NewKafkaQueue creates the producers and the consumer group reader
func NewKafkaQueue(brokers []string, topic, dlqTopic, groupID string) *KafkaQueue {
	return &KafkaQueue{
		producer: NewProducer(brokers, topic),
		dlq:      NewProducer(brokers, dlqTopic),
		consumer: NewConsumer(brokers, topic, groupID),
		logger:   util.GetLogger(),
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, msg Message) error {
	km, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return q.producer.Publish(ctx, km)
}

// Consume fetches records until ctx is done. A record whose body cannot be
// decoded is delivered with an empty WebhookEventID so the consumer can
// dead-letter it.
func (q *KafkaQueue) Consume(ctx context.Context) <-chan Delivery {
	out := make(chan Delivery)

	go func() {
		defer close(out)
		q.logger.Info("Starting Kafka consumer", zap.String("topic", q.consumer.reader.Config().Topic))

		for {
			km, err := q.consumer.ConsumeMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				q.logger.Error("Error fetching message", zap.Error(err))
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			msg, err := decodeMessage(km)
			if err != nil {
				q.logger.Warn("Undecodable fulfillment message",
					zap.Int("partition", km.Partition),
					zap.Int64("offset", km.Offset),
					zap.Error(err))
			}

			record := km
			d := Delivery{
				Message: msg,
				ack: func(ctx context.Context) error {
					return q.consumer.CommitMessage(ctx, record)
				},
			}

			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (q *KafkaQueue) DeadLetter(ctx context.Context, msg Message, reason string) error {
	km, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	km.Headers = append(km.Headers, kafka.Header{Key: HeaderReason, Value: []byte(reason)})
	return q.dlq.Publish(ctx, km)
}

func (q *KafkaQueue) Close() error {
	return errors.Join(q.consumer.Close(), q.producer.Close(), q.dlq.Close())
}
