// Package kafka implements the Kafka side of the bridge: event publishing,
// dead letter publishing and the egress consumer group.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cloudevents/sdk-go/v2/binding/format"
	"github.com/cloudevents/sdk-go/v2/event"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/config/dto"
	"github.com/jittakal/kafeventcoap/internal/errors"
)

// MetricsCollector defines metrics operations for Kafka publishing.
type MetricsCollector interface {
	IncEventsPublished(topic, eventType string)
	ObservePublishLatency(topic string, duration float64)
	IncPublishErrors(topic string)
	IncDLQPublished(topic, kind string)
}

// NewSyncProducer creates a sarama SyncProducer from the bridge configuration.
func NewSyncProducer(cfg dto.KafkaConfig, logger *zap.Logger) (sarama.SyncProducer, error) {
	saramaConfig, err := newProducerConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.BootstrapServers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka producer created successfully",
		zap.Strings("brokers", cfg.BootstrapServers),
		zap.String("securityProtocol", cfg.SecurityProtocol),
	)
	return producer, nil
}

func newProducerConfig(cfg dto.KafkaConfig, logger *zap.Logger) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Producer.RequiredAcks)
	saramaConfig.Producer.Compression = parseCompressionType(cfg.Producer.CompressionType)
	if cfg.Producer.MaxMessageBytes > 0 {
		saramaConfig.Producer.MaxMessageBytes = cfg.Producer.MaxMessageBytes
	}
	saramaConfig.Producer.Idempotent = cfg.Producer.IdempotentWrites
	saramaConfig.Producer.Retry.Max = cfg.Producer.RetryMax
	saramaConfig.Producer.Retry.Backoff = time.Duration(cfg.Producer.RetryBackoffMS) * time.Millisecond

	// Idempotent producer requires Net.MaxOpenRequests to be 1
	if cfg.Producer.IdempotentWrites {
		saramaConfig.Net.MaxOpenRequests = 1
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	}

	if err := configureSecurity(saramaConfig, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return saramaConfig, nil
}

// parseCompressionType parses compression type string
func parseCompressionType(compressionType string) sarama.CompressionCodec {
	switch compressionType {
	case "gzip":
		return sarama.CompressionGZIP
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}

// Publisher publishes decoded events to a Kafka topic as structured JSON.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
	metrics  MetricsCollector
	mu       sync.RWMutex
	closed   bool
}

// NewPublisher wraps producer. The publisher owns the producer and closes it on Close.
func NewPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger, metrics MetricsCollector) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		metrics:  metrics,
	}
}

// Topic returns the destination topic.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish produces e to the events topic, keyed by event id.
func (p *Publisher) Publish(ctx context.Context, e *event.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.ErrPublisherClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	eventBytes, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal CloudEvent: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(e.ID()),
		Value:   sarama.ByteEncoder(eventBytes),
		Headers: eventHeaders(e),
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	if p.metrics != nil {
		p.metrics.ObservePublishLatency(p.topic, time.Since(start).Seconds())
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncPublishErrors(p.topic)
		}
		return &errors.PublishError{Topic: p.topic, EventID: e.ID(), Err: err}
	}

	if p.metrics != nil {
		p.metrics.IncEventsPublished(p.topic, e.Type())
	}
	p.logger.Debug("Event produced successfully",
		zap.String("topic", p.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("eventId", e.ID()),
		zap.String("eventType", e.Type()),
		zap.String("source", e.Source()),
	)
	return nil
}

// Close closes the publisher and its producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

func eventHeaders(e *event.Event) []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte("content-type"), Value: []byte(format.JSON.MediaType())},
		{Key: []byte("ce_specversion"), Value: []byte(e.SpecVersion())},
		{Key: []byte("ce_type"), Value: []byte(e.Type())},
		{Key: []byte("ce_source"), Value: []byte(e.Source())},
		{Key: []byte("ce_id"), Value: []byte(e.ID())},
	}
	if subject := e.Subject(); subject != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte("ce_subject"), Value: []byte(subject)})
	}
	return headers
}
