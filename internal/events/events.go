// Package events publishes committed coin facts to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	DefaultTopic        = "storycoins.events"
	defaultWriteTimeout = 5 * time.Second
	headerEventType     = "event_type"
)

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects brokers and topic. No brokers disables publishing.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Publisher implements coins.EventPublisher. Messages are keyed by account so per-account order holds.
type Publisher struct {
	writer Writer
	topic  string
	logger *zap.Logger
}

// New returns a Kafka publisher, or a no-op publisher when cfg has no brokers.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		logger.Info("event publishing disabled: no kafka brokers configured")
		return &Publisher{logger: logger}, nil
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
		// Async keeps request handlers off the broker round trip; delivery failures surface in Completion.
		Async:      true,
		Completion: completionLogger(topic, logger),
	}
	return NewWithWriter(writer, topic, logger), nil
}

func completionLogger(topic string, logger *zap.Logger) func(messages []kafka.Message, err error) {
	return func(messages []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, message := range messages {
			logger.Error("event delivery failed",
				zap.String("topic", topic),
				zap.String("account_id", string(message.Key)),
				zap.ByteString("payload", message.Value),
				zap.Error(err),
			)
		}
	}
}

// NewWithWriter wires an explicit writer.
func NewWithWriter(writer Writer, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: writer, topic: topic, logger: logger}
}

// Enabled reports whether events reach Kafka.
func (publisher *Publisher) Enabled() bool {
	return publisher.writer != nil
}

// Publish hands event to the writer. Writers built by New deliver in the background,
// so a broker outage does not hold up the caller.
func (publisher *Publisher) Publish(ctx context.Context, event coins.DomainEvent) error {
	if publisher.writer == nil {
		return nil
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	message := kafka.Message{
		Key:     []byte(event.AccountID),
		Value:   value,
		Headers: []kafka.Header{{Key: headerEventType, Value: []byte(event.Type)}},
	}
	if err := publisher.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type, publisher.topic, err)
	}
	publisher.logger.Debug("published event",
		zap.String("topic", publisher.topic),
		zap.String("type", string(event.Type)),
		zap.String("account_id", event.AccountID),
	)
	return nil
}

// Close flushes and closes the writer.
func (publisher *Publisher) Close() error {
	if publisher.writer == nil {
		return nil
	}
	if err := publisher.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer for %s: %w", publisher.topic, err)
	}
	return nil
}
