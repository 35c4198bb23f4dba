// Package eventbus mirrors the API job event log to Kafka: a best-effort,
// asynchronous shadow of the event stream for downstream consumers that
// should not have to poll Postgres directly. Postgres remains the system of
// record for the monotonic event_id invariant — a mirror publish can fail
// without affecting the originating write. Only events recorded through
// queue.PostgresStore.InsertEvent are published; the events that
// CreateJob, UpdateJobStatus, UpdateJobProgress and CancelJob write inside
// their own transactions are not.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/casparian-io/casparian/internal/config"
	"github.com/casparian-io/casparian/internal/queue"
)

// DefaultTopic is the topic events are mirrored to when Config.Topic is
// unset.
const DefaultTopic = "casparian.job-events"

const publishTimeout = 5 * time.Second

// Config configures the Kafka mirror.
type Config struct {
	Brokers []string
	Topic   string
}

// LoadConfig reads broker/topic configuration from the environment.
func LoadConfig() Config {
	return Config{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("CASPARIAN_KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("CASPARIAN_EVENTS_TOPIC", DefaultTopic),
	}
}

func (c Config) topic() string {
	if c.Topic == "" {
		return DefaultTopic
	}

	return c.Topic
}

// Event is the wire shape mirrored to Kafka for one API job event.
type Event struct {
	JobID     string          `json:"job_id"`
	EventID   int64           `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Publisher mirrors queue.ApiJobEvent values to Kafka. It implements
// queue.EventPublisher.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher returns a Publisher writing to cfg.Brokers/cfg.Topic.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.topic(),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: logger,
	}
}

// Publish mirrors one event. Failures are logged and swallowed, never
// propagated to the caller — callers are expected to invoke this from a
// goroutine, matching queue.EventPublisher's fire-and-forget contract.
func (p *Publisher) Publish(ctx context.Context, e queue.ApiJobEvent) {
	payload, err := json.Marshal(Event{
		JobID:     e.JobID,
		EventID:   e.EventID,
		EventType: string(e.EventType),
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	})
	if err != nil {
		p.logger.Warn("eventbus: failed to encode event", "job_id", e.JobID, "event_id", e.EventID, "error", err.Error())

		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.writer.WriteMessages(pubCtx, kafka.Message{
		Key:   []byte(e.JobID),
		Value: payload,
	})
	if err != nil {
		p.logger.Warn("eventbus: publish failed", "job_id", e.JobID, "event_id", e.EventID, "error", err.Error())
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("eventbus: closing publisher: %w", err)
	}

	return nil
}

// Consumer wraps a *kafka.Reader for downstream consumers of the mirrored
// stream. No package in this module reads from it.
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer returns a Consumer reading cfg.Topic under groupID.
func NewConsumer(cfg Config, groupID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.topic(),
			GroupID: groupID,
		}),
	}
}

// Next blocks until the next mirrored event is available or ctx is done.
func (c *Consumer) Next(ctx context.Context) (Event, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("eventbus: reading message: %w", err)
	}

	var e Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return Event{}, fmt.Errorf("eventbus: decoding message: %w", err)
	}

	return e, nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("eventbus: closing consumer: %w", err)
	}

	return nil
}
