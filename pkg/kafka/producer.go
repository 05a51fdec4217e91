package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// Config holds Kafka configuration
type Config struct {
	Brokers []string
	Topic   string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, topic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}
	return Config{Brokers: brokerList, Topic: topic}
}

// SyncEvent is published after every sync attempt.
type SyncEvent struct {
	Type            string    `json:"type"` // "sync.completed" | "sync.failed"
	UserID          string    `json:"user_id"`
	IntegrationType string    `json:"integration_type"`
	ContractID      string    `json:"contract_id,omitempty"`
	ExternalID      string    `json:"external_id,omitempty"`
	Direction       string    `json:"direction"`
	Created         bool      `json:"created,omitempty"`
	Error           string    `json:"error,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	Timestamp       time.Time `json:"timestamp"`

	// Tracing
	TraceID string `json:"trace_id,omitempty"`
}

// Publisher is the producer surface the sync orchestrator depends on.
type Publisher interface {
	PublishSyncEvent(ctx context.Context, evt *SyncEvent) error
}

// Noop drops events; used when Kafka is disabled.
type Noop struct{}

func (Noop) PublishSyncEvent(context.Context, *SyncEvent) error { return nil }

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles producing messages to Kafka
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, logger: logger, topic: cfg.Topic}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishSyncEvent writes evt keyed by user and contract so events for one
// contract stay ordered on a partition.
func (p *Producer) PublishSyncEvent(ctx context.Context, evt *SyncEvent) error {
	if evt == nil {
		return fmt.Errorf("sync event is nil")
	}

	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishSyncEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("integration_type", evt.IntegrationType),
	)

	msg, err := buildMessage(ctx, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		metrics.RecordKafkaPublish(p.topic, "error")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish sync event to Kafka topic %s", p.topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	metrics.RecordKafkaPublish(p.topic, "success")
	p.logger.WithContext(ctx).Debugf("Published %s for contract %s to Kafka", evt.Type, evt.ContractID)
	return nil
}

func buildMessage(ctx context.Context, evt *SyncEvent) (kafka.Message, error) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal sync event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "user_id", Value: []byte(evt.UserID)},
		{Key: "integration_type", Value: []byte(evt.IntegrationType)},
		{Key: "type", Value: []byte(evt.Type)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}

	return kafka.Message{
		Key:     []byte(fmt.Sprintf("%s:%s", evt.UserID, evt.ContractID)),
		Value:   data,
		Headers: headers,
	}, nil
}
