// Package events publishes token usage to Kafka for downstream billing and analytics.
package events

import (
	"chat-ledger/internal/logger"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// UsageEvent mirrors one token usage ledger row.
type UsageEvent struct {
	UsageID          string    `json:"usage_id"`
	UserID           string    `json:"user_id"`
	ChatID           string    `json:"chat_id,omitempty"`
	MessageID        string    `json:"message_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Estimated        bool      `json:"estimated"`
	Timestamp        time.Time `json:"timestamp"`
}

// UsagePublisher delivers usage events.
type UsagePublisher interface {
	PublishUsage(ctx context.Context, event UsageEvent) error
	Close() error
}

// NoopPublisher is used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishUsage(ctx context.Context, event UsageEvent) error { return nil }
func (NoopPublisher) Close() error                                             { return nil }

// KafkaPublisher sends events with a sarama SyncProducer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a SyncProducer that waits for all in-sync replicas.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{"brokers": brokers, "topic": topic}).Info("Kafka usage producer initialized")
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// PublishUsage keys the message by user so a user's events stay ordered within a partition.
func (p *KafkaPublisher) PublishUsage(ctx context.Context, event UsageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding usage event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.UserID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte("token_usage")},
			{Key: []byte("model"), Value: []byte(event.Model)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("sending usage event: %w", err)
	}

	logger.FromContext(ctx).WithFields(logrus.Fields{
		"partition": partition,
		"offset":    offset,
		"usage_id":  event.UsageID,
	}).Debug("Usage event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
