// Package egress forwards CloudEvents consumed from Kafka to a CoAP endpoint.
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/errors"
	"github.com/jittakal/kafeventcoap/pkg/cecoap"
	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// ackTimeout bounds the wait for an acknowledgement of a confirmable request.
const ackTimeout = 2 * time.Second

// MetricsCollector defines metrics operations for the forwarder.
type MetricsCollector interface {
	IncEventsForwarded(topic, encoding string)
	IncEncodeFailures(kind string)
	ObserveDatagramBytes(direction string, size int)
}

// Config contains forwarder settings.
type Config struct {
	TargetAddress string
	URIPath       string
	Mode          binding.Encoding
	Confirmable   bool
	AckTimeout    time.Duration
}

// ParseMode maps a configured mode name to a binding encoding.
func ParseMode(s string) (binding.Encoding, error) {
	switch strings.ToLower(s) {
	case "", "binary":
		return binding.EncodingBinary, nil
	case "structured":
		return binding.EncodingStructured, nil
	default:
		return binding.EncodingUnknown, fmt.Errorf("unsupported egress mode: %s", s)
	}
}

// Forwarder turns Kafka records into CoAP POST requests.
type Forwarder struct {
	config    Config
	codec     *cecoap.Codec
	segments  []string
	logger    *zap.Logger
	metrics   MetricsCollector
	messageID atomic.Uint32

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewForwarder dials the target endpoint. metrics may be nil.
func NewForwarder(config Config, codec *cecoap.Codec, logger *zap.Logger, metrics MetricsCollector) (*Forwarder, error) {
	conn, err := net.Dial("udp", config.TargetAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", config.TargetAddress, err)
	}
	return NewForwarderFrom(conn, config, codec, logger, metrics), nil
}

// NewForwarderFrom wraps an already connected datagram conn.
func NewForwarderFrom(conn net.Conn, config Config, codec *cecoap.Codec, logger *zap.Logger, metrics MetricsCollector) *Forwarder {
	if config.Mode == binding.EncodingUnknown {
		config.Mode = binding.EncodingBinary
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = ackTimeout
	}
	f := &Forwarder{
		config:   config,
		codec:    codec,
		segments: splitPath(config.URIPath),
		logger:   logger,
		metrics:  metrics,
		conn:     conn,
	}
	f.messageID.Store(rand.Uint32N(1 << 16))
	return f
}

// HandleRecord decodes a JSON CloudEvent record and sends it to the target.
func (f *Forwarder) HandleRecord(ctx context.Context, msg *sarama.ConsumerMessage) error {
	forwardErr := func(err error) error {
		return &errors.ForwardError{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Target:    f.config.TargetAddress,
			Err:       err,
		}
	}

	var e event.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		f.countFailure("invalid_record")
		return forwardErr(fmt.Errorf("record is not a CloudEvent: %w", err))
	}

	req, size, err := f.send(ctx, &e)
	if err != nil {
		return forwardErr(err)
	}

	if f.metrics != nil {
		f.metrics.IncEventsForwarded(msg.Topic, f.config.Mode.String())
		f.metrics.ObserveDatagramBytes("egress", size)
	}
	f.logger.Debug("event forwarded",
		zap.String("eventId", e.ID()),
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Uint16("messageId", req.MessageID),
	)
	return nil
}

// Send encodes e as a CoAP POST and delivers it to the target. Confirmable
// requests wait for a success acknowledgement.
func (f *Forwarder) Send(ctx context.Context, e *event.Event) error {
	_, _, err := f.send(ctx, e)
	return err
}

func (f *Forwarder) send(ctx context.Context, e *event.Event) (*coap.Message, int, error) {
	req, err := f.request(ctx, e)
	if err != nil {
		f.countFailure(cecoap.ErrorKind(err))
		return nil, 0, err
	}
	datagram, err := req.MarshalBinary()
	if err != nil {
		f.countFailure("marshal")
		return nil, 0, err
	}
	if err := f.deliver(ctx, req, datagram); err != nil {
		return nil, 0, err
	}
	return req, len(datagram), nil
}

// request builds the CoAP POST carrying e.
func (f *Forwarder) request(ctx context.Context, e *event.Event) (*coap.Message, error) {
	typ := coap.NonConfirmable
	if f.config.Confirmable {
		typ = coap.Confirmable
	}
	token := uuid.New()
	req := &coap.Message{
		Type:      typ,
		Code:      coap.POST,
		MessageID: uint16(f.messageID.Add(1)),
		Token:     token[:8],
	}
	// A profile that carries subject on Uri-Path owns those options.
	if f.codec.Profile.Path == nil {
		for _, segment := range f.segments {
			req.AddOption(coap.URIPath, []byte(segment))
		}
	}
	if err := cecoap.NewPacket(req, f.codec).FromEvent(ctx, e, f.config.Mode); err != nil {
		return nil, err
	}
	return req, nil
}

func (f *Forwarder) deliver(ctx context.Context, req *coap.Message, datagram []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrForwarderClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_ = f.conn.SetWriteDeadline(time.Now().Add(f.config.AckTimeout))
	if _, err := f.conn.Write(datagram); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrConnectionLost, err)
	}
	if req.Type != coap.Confirmable {
		return nil
	}
	return f.awaitAck(req)
}

// awaitAck reads until the acknowledgement matching req arrives. An empty
// ACK announces a separate response (RFC 7252 section 5.2.2), which is
// matched by token, acknowledged when confirmable and then checked. A target
// that confirms receipt but sends no response in time counts as delivered.
// Unrelated datagrams are skipped.
func (f *Forwarder) awaitAck(req *coap.Message) error {
	_ = f.conn.SetReadDeadline(time.Now().Add(f.config.AckTimeout))
	buf := make([]byte, 2048)
	received := false
	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if !stderrors.As(err, &netErr) || !netErr.Timeout() {
				return fmt.Errorf("%w: %v", errors.ErrConnectionLost, err)
			}
			if received {
				f.logger.Debug("no separate response before timeout", zap.Uint16("messageId", req.MessageID))
				return nil
			}
			return fmt.Errorf("no acknowledgement for message %d: %w", req.MessageID, errors.ErrConnectionLost)
		}

		var resp coap.Message
		if err := resp.UnmarshalBinary(buf[:n]); err != nil {
			continue
		}
		sameExchange := resp.MessageID == req.MessageID
		switch {
		case sameExchange && resp.Type == coap.Reset:
			return fmt.Errorf("message %d reset by %s", req.MessageID, f.config.TargetAddress)
		case sameExchange && resp.Type == coap.Acknowledgement && resp.Code == coap.Empty:
			received = true
			_ = f.conn.SetReadDeadline(time.Now().Add(f.config.AckTimeout))
		case sameExchange && resp.Type == coap.Acknowledgement:
			return checkResponse(&resp)
		case received && bytes.Equal(resp.Token, req.Token) && coap.Class(resp.Code) != 0:
			if resp.Type == coap.Confirmable {
				f.acknowledge(&resp)
			}
			return checkResponse(&resp)
		}
	}
}

// acknowledge answers a confirmable separate response with an empty ACK.
func (f *Forwarder) acknowledge(resp *coap.Message) {
	ack := &coap.Message{Type: coap.Acknowledgement, Code: coap.Empty, MessageID: resp.MessageID}
	data, err := ack.MarshalBinary()
	if err == nil {
		_ = f.conn.SetWriteDeadline(time.Now().Add(f.config.AckTimeout))
		_, err = f.conn.Write(data)
	}
	if err != nil {
		f.logger.Warn("failed to acknowledge separate response", zap.Error(err), zap.Uint16("messageId", resp.MessageID))
	}
}

func checkResponse(resp *coap.Message) error {
	if coap.Class(resp.Code) != 2 {
		return fmt.Errorf("target answered %s: %s", coap.Dotted(resp.Code), resp.Payload)
	}
	return nil
}

func (f *Forwarder) countFailure(kind string) {
	f.logger.Warn("failed to encode event for CoAP", zap.String("kind", kind))
	if f.metrics != nil {
		f.metrics.IncEncodeFailures(kind)
	}
}

// HealthCheck reports whether the forwarder can still send.
func (f *Forwarder) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrForwarderClosed
	}
	return nil
}

// Close releases the socket.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.conn.Close()
}

func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
