// Package ingress receives CoAP datagrams over UDP, decodes them into events
// and publishes the events to Kafka.
package ingress

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/errors"
	"github.com/jittakal/kafeventcoap/pkg/cecoap"
	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// maxUDPDatagram is the largest datagram the socket can hand us.
const maxUDPDatagram = 65535

// Publisher delivers decoded events downstream.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// DeadLetter receives datagrams that could not be decoded.
type DeadLetter interface {
	Publish(ctx context.Context, datagram []byte, remote, kind string, cause error) error
}

// MetricsCollector defines metrics operations for the listener.
type MetricsCollector interface {
	IncDatagramsReceived(encoding, result string)
	IncDecodeFailures(kind string)
	IncRepliesSent(code string)
	ObserveDatagramBytes(direction string, size int)
}

// Config contains listener settings.
type Config struct {
	ListenAddress    string
	MaxDatagramBytes int
	ReplyEnabled     bool
	// ExchangeLifetime bounds how long a message id is remembered per
	// remote. Zero disables deduplication.
	ExchangeLifetime time.Duration
	// DedupEntries caps the remembered exchanges. Zero means no cap.
	DedupEntries int
}

// Listener is a UDP CoAP endpoint that turns requests into published events.
type Listener struct {
	config    Config
	codec     *cecoap.Codec
	publisher Publisher
	dlq       DeadLetter
	logger    *zap.Logger
	metrics   MetricsCollector
	exchanges *exchanges

	mu     sync.RWMutex
	conn   net.PacketConn
	closed bool
	ready  chan struct{}
	wg     sync.WaitGroup
}

// NewListener creates a listener. dlq and metrics may be nil.
func NewListener(
	config Config,
	codec *cecoap.Codec,
	publisher Publisher,
	dlq DeadLetter,
	logger *zap.Logger,
	metrics MetricsCollector,
) *Listener {
	if config.MaxDatagramBytes <= 0 || config.MaxDatagramBytes > maxUDPDatagram {
		config.MaxDatagramBytes = maxUDPDatagram
	}
	return &Listener{
		config:    config,
		codec:     codec,
		publisher: publisher,
		dlq:       dlq,
		logger:    logger,
		metrics:   metrics,
		exchanges: newExchanges(config.DedupEntries, config.ExchangeLifetime),
		ready:     make(chan struct{}),
	}
}

// ListenAndServe binds the configured UDP address and serves until ctx is done.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", l.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.config.ListenAddress, err)
	}
	return l.Serve(ctx, conn)
}

// Serve reads datagrams from conn until ctx is done or Close is called.
// Each datagram is handled on its own goroutine.
func (l *Listener) Serve(ctx context.Context, conn net.PacketConn) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return errors.ErrListenerClosed
	}
	l.conn = conn
	close(l.ready)
	l.mu.Unlock()

	l.logger.Info("CoAP listener started",
		zap.String("address", conn.LocalAddr().String()),
		zap.String("profile", l.codec.Profile.Name),
		zap.String("policy", l.codec.Policy.Mode.String()),
	)

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	buf := make([]byte, maxUDPDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if l.isClosed() {
				l.wg.Wait()
				return nil
			}
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			_ = l.Close()
			l.wg.Wait()
			return fmt.Errorf("read datagram: %w", err)
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			// In-flight datagrams are published even while shutting down.
			l.handle(context.WithoutCancel(ctx), conn, datagram, addr)
		}()
	}
}

// Ready is closed once the socket is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before Serve.
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// HealthCheck reports whether the listener is accepting datagrams.
func (l *Listener) HealthCheck(context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errors.ErrListenerClosed
	}
	if l.conn == nil {
		return stderrors.New("listener not bound")
	}
	return nil
}

// Close stops the listener. In-flight datagrams finish before Serve returns.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Listener) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func (l *Listener) handle(ctx context.Context, conn net.PacketConn, datagram []byte, addr net.Addr) {
	remote := addr.String()
	if l.metrics != nil {
		l.metrics.ObserveDatagramBytes("ingress", len(datagram))
	}

	if len(datagram) > l.config.MaxDatagramBytes {
		l.reject(ctx, datagram, remote, "too_large", errors.ErrDatagramTooLarge)
		if msg, ok := header(datagram); ok && msg.Type == coap.Confirmable {
			if reply := l.reply(msg, coap.RequestEntityTooLarge, nil); reply != nil {
				l.send(conn, addr, reply, coap.Dotted(reply.Code))
			}
		}
		return
	}

	var msg coap.Message
	if err := msg.UnmarshalBinary(datagram); err != nil {
		l.reject(ctx, datagram, remote, "malformed_packet", fmt.Errorf("%w: %v", errors.ErrMalformedPacket, err))
		// RFC 7252 section 4.2: a confirmable message that cannot be parsed is rejected with RST.
		if h, ok := header(datagram); ok && h.Type == coap.Confirmable {
			l.send(conn, addr, &coap.Message{Type: coap.Reset, Code: coap.Empty, MessageID: h.MessageID}, "rst")
		}
		return
	}

	switch {
	case msg.IsPing():
		l.count("unknown", "ping")
		l.send(conn, addr, &coap.Message{Type: coap.Reset, Code: coap.Empty, MessageID: msg.MessageID}, "rst")
		return
	case msg.Type == coap.Acknowledgement || msg.Type == coap.Reset:
		l.count("unknown", "ignored")
		return
	}

	// RFC 7252 section 4.5: a retransmission gets the original answer.
	ex, duplicate := l.exchanges.begin(remote, msg.MessageID)
	if duplicate {
		l.count("unknown", "duplicate")
		<-ex.done
		if ex.reply != nil && msg.Type == coap.Confirmable {
			l.send(conn, addr, ex.reply, coap.Dotted(ex.reply.Code))
		}
		return
	}

	reply := l.process(ctx, &msg, datagram, remote)
	ex.finish(reply)
	if reply != nil {
		l.send(conn, addr, reply, coap.Dotted(reply.Code))
	}
}

// process decodes and publishes one request and returns the reply to send,
// or nil when none is due.
func (l *Listener) process(ctx context.Context, msg *coap.Message, datagram []byte, remote string) *coap.Message {
	if msg.Code != coap.POST && msg.Code != coap.PUT {
		l.count("unknown", "method_not_allowed")
		return l.reply(msg, coap.MethodNotAllowed, nil)
	}

	options := cecoap.OptionsFrom(msg.Options)
	encoding := l.codec.Profile.DetectEncoding(options).String()

	e, err := cecoap.NewPacket(msg, l.codec).ToEvent(ctx)
	if err != nil {
		kind := cecoap.ErrorKind(err)
		decodeErr := &errors.DecodeError{Remote: remote, Kind: kind, Err: err}
		l.logger.Warn("failed to decode datagram",
			zap.Error(decodeErr),
			zap.String("encoding", encoding),
			zap.Uint16("messageId", msg.MessageID),
		)
		if l.metrics != nil {
			l.metrics.IncDecodeFailures(kind)
		}
		l.count(encoding, "decode_failed")
		l.deadLetter(ctx, datagram, remote, kind, err)
		return l.reply(msg, coap.BadRequest, []byte(err.Error()))
	}

	if err := l.publisher.Publish(ctx, e); err != nil {
		l.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("eventId", e.ID()),
			zap.String("remote", remote),
			zap.Bool("retryable", errors.IsRetryable(err)),
		)
		l.count(encoding, "publish_failed")
		return l.reply(msg, coap.ServiceUnavailable, nil)
	}

	l.logger.Debug("event published",
		zap.String("eventId", e.ID()),
		zap.String("eventType", e.Type()),
		zap.String("encoding", encoding),
		zap.String("remote", remote),
	)
	l.count(encoding, "published")
	return l.reply(msg, coap.Changed, nil)
}

func (l *Listener) reject(ctx context.Context, datagram []byte, remote, kind string, cause error) {
	l.logger.Warn("rejected datagram",
		zap.String("remote", remote),
		zap.String("kind", kind),
		zap.Int("size", len(datagram)),
		zap.Error(cause),
	)
	l.count("unknown", kind)
	l.deadLetter(ctx, datagram, remote, kind, cause)
}

func (l *Listener) deadLetter(ctx context.Context, datagram []byte, remote, kind string, cause error) {
	if l.dlq == nil {
		return
	}
	if err := l.dlq.Publish(ctx, datagram, remote, kind, cause); err != nil {
		l.logger.Error("failed to dead-letter datagram", zap.Error(err), zap.String("remote", remote))
	}
}

// reply builds the piggybacked ACK for a confirmable request.
// Non-confirmable requests get no response.
func (l *Listener) reply(req *coap.Message, code coap.Code, payload []byte) *coap.Message {
	if !l.config.ReplyEnabled || req.Type != coap.Confirmable {
		return nil
	}
	return &coap.Message{
		Type:      coap.Acknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   payload,
	}
}

func (l *Listener) send(conn net.PacketConn, addr net.Addr, msg *coap.Message, label string) {
	data, err := msg.MarshalBinary()
	if err != nil {
		l.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.WriteTo(data, addr); err != nil {
		l.logger.Warn("failed to send reply", zap.Error(err), zap.String("remote", addr.String()))
		return
	}
	if l.metrics != nil {
		l.metrics.IncRepliesSent(label)
	}
}

func (l *Listener) count(encoding, result string) {
	if l.metrics != nil {
		l.metrics.IncDatagramsReceived(encoding, result)
	}
}

// header parses the fixed CoAP header and token of a datagram that could
// not be decoded in full.
func header(datagram []byte) (*coap.Message, bool) {
	if len(datagram) < 4 || datagram[0]>>6 != 1 {
		return nil, false
	}
	msg := &coap.Message{
		Type:      coap.Type(datagram[0] >> 4 & 0x03),
		MessageID: binary.BigEndian.Uint16(datagram[2:4]),
	}
	if tkl := int(datagram[0] & 0x0f); tkl <= 8 && len(datagram) >= 4+tkl {
		msg.Token = datagram[4 : 4+tkl]
	}
	return msg, true
}
