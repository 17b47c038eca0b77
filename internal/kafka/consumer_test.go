package kafka

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/config/dto"
	"github.com/jittakal/kafeventcoap/internal/errors"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return map[string][]int32{"commands": {0}} }
func (s *fakeSession) MemberID() string { return "member-1" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "commands" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeGroup runs a single session over the queued messages.
type fakeGroup struct {
	messages []*sarama.ConsumerMessage
	session  *fakeSession
	errs     chan error
	closed   bool
}

func newFakeGroup(messages ...*sarama.ConsumerMessage) *fakeGroup {
	return &fakeGroup{messages: messages, errs: make(chan error)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	if g.closed {
		return sarama.ErrClosedConsumerGroup
	}
	g.session = &fakeSession{ctx: ctx}
	if err := handler.Setup(g.session); err != nil {
		return err
	}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(g.messages))}
	for _, m := range g.messages {
		claim.messages <- m
	}
	close(claim.messages)
	g.messages = nil

	if err := handler.ConsumeClaim(g.session, claim); err != nil {
		return err
	}
	if err := handler.Cleanup(g.session); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }
func (g *fakeGroup) Close() error {
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return nil
}
func (g *fakeGroup) Pause(map[string][]int32) {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll() {}
func (g *fakeGroup) ResumeAll() {}

func TestConsumerGroup_Run(t *testing.T) {
	group := newFakeGroup(
		&sarama.ConsumerMessage{Topic: "commands", Offset: 1, Value: []byte("ok")},
		&sarama.ConsumerMessage{Topic: "commands", Offset: 2, Value: []byte("bad")},
		&sarama.ConsumerMessage{Topic: "commands", Offset: 3, Value: []byte("ok")},
	)
	consumer := NewConsumerGroupFrom(group, "egress", []string{"commands"}, zap.NewNop())

	var mu sync.Mutex
	var handled []string
	ctx, cancel := context.WithCancel(context.Background())
	handler := RecordHandlerFunc(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, string(msg.Value))
		if len(handled) == 3 {
			cancel()
		}
		if string(msg.Value) == "bad" {
			return stderrors.New("undecodable record")
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx, handler) }()

	select {
	case <-consumer.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never became ready")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if len(handled) != 3 {
		t.Errorf("handled = %v, want 3 records", handled)
	}
	// Failed records are still marked so they do not block the partition.
	if got := group.session.marked; len(got) != 3 || got[1] != 2 {
		t.Errorf("marked offsets = %v, want [1 2 3]", got)
	}

	if err := consumer.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := consumer.Run(context.Background(), handler); !stderrors.Is(err, errors.ErrForwarderClosed) {
		t.Errorf("Run() after Close error = %v, want ErrForwarderClosed", err)
	}
}

func TestNewConsumerConfig(t *testing.T) {
	tests := []struct {
		name       string
		cfg        dto.KafkaConfig
		wantOffset int64
		wantErr    bool
	}{
		{
			name: "earliest",
			cfg: dto.KafkaConfig{
				SecurityProtocol: "PLAINTEXT",
				Consumer:         dto.ConsumerConfig{AutoOffsetReset: "earliest", SessionTimeoutMS: 10000, HeartbeatIntervalMS: 3000},
			},
			wantOffset: sarama.OffsetOldest,
		},
		{
			name:       "latest by default",
			cfg:        dto.KafkaConfig{SecurityProtocol: "PLAINTEXT"},
			wantOffset: sarama.OffsetNewest,
		},
		{
			name:    "bad protocol",
			cfg:     dto.KafkaConfig{SecurityProtocol: "TCP"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := newConsumerConfig(tt.cfg, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("newConsumerConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if config.Consumer.Offsets.Initial != tt.wantOffset {
				t.Errorf("Offsets.Initial = %d, want %d", config.Consumer.Offsets.Initial, tt.wantOffset)
			}
			if tt.cfg.Consumer.SessionTimeoutMS > 0 && config.Consumer.Group.Session.Timeout != 10*time.Second {
				t.Errorf("Session.Timeout = %v, want 10s", config.Consumer.Group.Session.Timeout)
			}
			if err := config.Validate(); err != nil {
				t.Errorf("sarama config invalid: %v", err)
			}
		})
	}
}
