package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the dispatcher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaEvent is the record value published per notification.
type kafkaEvent struct {
	Tokens       []string     `json:"tokens"`
	Notification Notification `json:"notification"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Kafka publishes notifications to a topic consumed by a separate push
// worker. Records are keyed by user id so one user's notifications stay
// ordered. Token invalidation is handled by that worker, so Notify never
// reports invalid tokens.
type Kafka struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafka creates a Kafka dispatcher writing to topic.
func NewKafka(brokers []string, topic string, timeout time.Duration) *Kafka {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: timeout,
		},
		timeout: timeout,
	}
}

func (k *Kafka) Notify(ctx context.Context, tokens []string, n Notification) (Result, error) {
	value, err := json.Marshal(kafkaEvent{Tokens: tokens, Notification: n, CreatedAt: time.Now().UTC()})
	if err != nil {
		return Result{}, fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:     []byte(n.UserID),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(n.Type)}},
		Time:    time.Now(),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return Result{}, fmt.Errorf("publish notification: %w", err)
	}
	return Result{}, nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
