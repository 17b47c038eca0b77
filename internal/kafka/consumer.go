package kafka

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/config/dto"
	"github.com/jittakal/kafeventcoap/internal/errors"
)

// RecordHandler processes one consumed record. Returned errors are logged;
// the record is marked consumed either way.
type RecordHandler interface {
	HandleRecord(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// RecordHandlerFunc adapts a function to RecordHandler.
type RecordHandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

// HandleRecord calls f.
func (f RecordHandlerFunc) HandleRecord(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

// ConsumerGroup consumes topics with a sarama consumer group.
type ConsumerGroup struct {
	group   sarama.ConsumerGroup
	groupID string
	topics  []string
	logger  *zap.Logger
	ready   chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewConsumerGroup creates a consumer group for the egress topics.
func NewConsumerGroup(cfg dto.KafkaConfig, groupID string, topics []string, logger *zap.Logger) (*ConsumerGroup, error) {
	saramaConfig, err := newConsumerConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(cfg.BootstrapServers, groupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka consumer created",
		zap.String("groupId", groupID),
		zap.Strings("brokers", cfg.BootstrapServers),
		zap.Strings("topics", topics),
	)
	return NewConsumerGroupFrom(group, groupID, topics, logger), nil
}

// NewConsumerGroupFrom wraps an existing sarama consumer group.
func NewConsumerGroupFrom(group sarama.ConsumerGroup, groupID string, topics []string, logger *zap.Logger) *ConsumerGroup {
	return &ConsumerGroup{
		group:   group,
		groupID: groupID,
		topics:  topics,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

func newConsumerConfig(cfg dto.KafkaConfig, logger *zap.Logger) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = offsetInitial(cfg.Consumer.AutoOffsetReset)
	saramaConfig.Consumer.Return.Errors = true

	if cfg.Consumer.SessionTimeoutMS > 0 {
		saramaConfig.Consumer.Group.Session.Timeout = time.Duration(cfg.Consumer.SessionTimeoutMS) * time.Millisecond
	}
	if cfg.Consumer.HeartbeatIntervalMS > 0 {
		saramaConfig.Consumer.Group.Heartbeat.Interval = time.Duration(cfg.Consumer.HeartbeatIntervalMS) * time.Millisecond
	}

	if err := configureSecurity(saramaConfig, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return saramaConfig, nil
}

// offsetInitial converts the AutoOffsetReset config to Sarama's offset constant.
func offsetInitial(autoOffsetReset string) int64 {
	switch autoOffsetReset {
	case "earliest":
		return sarama.OffsetOldest
	default:
		return sarama.OffsetNewest
	}
}

// Ready is closed once the first session has been set up.
func (c *ConsumerGroup) Ready() <-chan struct{} {
	return c.ready
}

// Run consumes until ctx is cancelled or the group fails. Sessions are
// rejoined after every rebalance.
func (c *ConsumerGroup) Run(ctx context.Context, handler RecordHandler) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errors.ErrForwarderClosed
	}

	h := &consumerGroupHandler{consumer: c, handler: handler}

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", zap.Error(err))
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics, h); err != nil {
			if stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close closes the consumer group.
func (c *ConsumerGroup) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("closing kafka consumer")
	return c.group.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	consumer *ConsumerGroup
	handler  RecordHandler
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("consumer group session setup",
		zap.String("memberId", session.MemberID()),
		zap.Int32("generationId", session.GenerationID()),
	)
	h.consumer.once.Do(func() { close(h.consumer.ready) })
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("consumer group session cleanup", zap.String("memberId", session.MemberID()))
	return nil
}

// ConsumeClaim processes messages from a partition.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := h.handler.HandleRecord(session.Context(), message); err != nil {
				h.consumer.logger.Error("failed to handle record",
					zap.Error(err),
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
				)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
