package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/config/dto"
	"github.com/jittakal/kafeventcoap/internal/errors"
)

// DLQRecord is the value published for a datagram that could not be decoded.
type DLQRecord struct {
	Datagram         []byte    `json:"datagram"`
	RemoteAddr       string    `json:"remote_addr"`
	FailureKind      string    `json:"failure_kind"`
	FailureReason    string    `json:"failure_reason"`
	FailureTimestamp time.Time `json:"failure_timestamp"`
	ProcessorID      string    `json:"processor_id"`
}

// DLQPublisher publishes undecodable datagrams to a dead letter topic.
// It shares a producer owned by someone else and never closes it.
type DLQPublisher struct {
	producer    sarama.SyncProducer
	config      dto.DLQConfig
	logger      *zap.Logger
	metrics     MetricsCollector
	processorID string
	mu          sync.RWMutex
	closed      bool
}

// NewDLQPublisher creates a new DLQ publisher.
func NewDLQPublisher(
	producer sarama.SyncProducer,
	config dto.DLQConfig,
	processorID string,
	logger *zap.Logger,
	metrics MetricsCollector,
) *DLQPublisher {
	if !config.Enabled {
		logger.Info("DLQ is disabled")
	}
	return &DLQPublisher{
		producer:    producer,
		config:      config,
		logger:      logger,
		metrics:     metrics,
		processorID: processorID,
	}
}

// Enabled reports whether records are actually published.
func (p *DLQPublisher) Enabled() bool {
	return p != nil && p.config.Enabled
}

// Publish sends the raw datagram and failure details to the DLQ topic.
func (p *DLQPublisher) Publish(ctx context.Context, datagram []byte, remote, kind string, cause error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.ErrPublisherClosed
	}
	if !p.config.Enabled {
		p.logger.Debug("DLQ disabled, skipping publish")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := DLQRecord{
		Datagram:         datagram,
		RemoteAddr:       remote,
		FailureKind:      kind,
		FailureTimestamp: time.Now().UTC(),
		ProcessorID:      p.processorID,
	}
	if cause != nil {
		record.FailureReason = cause.Error()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ record: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(remote),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("failure_kind"), Value: []byte(kind)},
			{Key: []byte("remote_addr"), Value: []byte(remote)},
			{Key: []byte("processor_id"), Value: []byte(p.processorID)},
		},
		Timestamp: record.FailureTimestamp,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("failed to publish to DLQ",
			zap.Error(err),
			zap.String("dlqTopic", p.config.Topic),
			zap.String("remote", remote),
		)
		return &errors.PublishError{Topic: p.config.Topic, Err: err}
	}

	if p.metrics != nil {
		p.metrics.IncDLQPublished(p.config.Topic, kind)
	}
	p.logger.Info("published datagram to DLQ",
		zap.String("dlqTopic", p.config.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("remote", remote),
		zap.String("kind", kind),
	)
	return nil
}

// Close stops further publishing.
func (p *DLQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
