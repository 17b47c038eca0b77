package ingress

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/event"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/errors"
	"github.com/jittakal/kafeventcoap/pkg/cecoap"
	"github.com/jittakal/kafeventcoap/pkg/coap"
)

type fakePublisher struct {
	events chan *event.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, e *event.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events <- e
	return nil
}

type deadLetter struct {
	datagram []byte
	kind     string
}

type fakeDLQ struct {
	records chan deadLetter
}

func (d *fakeDLQ) Publish(_ context.Context, datagram []byte, _ string, kind string, _ error) error {
	d.records <- deadLetter{datagram: datagram, kind: kind}
	return nil
}

type fakeMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *fakeMetrics) IncDatagramsReceived(encoding, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[encoding+"/"+result]++
}
func (m *fakeMetrics) IncDecodeFailures(string) {}
func (m *fakeMetrics) IncRepliesSent(string) {}
func (m *fakeMetrics) ObserveDatagramBytes(string, int) {}

func (m *fakeMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[key]
}

type harness struct {
	listener  *Listener
	client    net.PacketConn
	publisher *fakePublisher
	dlq       *fakeDLQ
	metrics   *fakeMetrics
	codec     *cecoap.Codec
}

func newHarness(t *testing.T, config Config, publishErr error) *harness {
	t.Helper()

	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}

	h := &harness{
		client:    client,
		publisher: &fakePublisher{events: make(chan *event.Event, 4), err: publishErr},
		dlq:       &fakeDLQ{records: make(chan deadLetter, 4)},
		metrics:   &fakeMetrics{results: map[string]int{}},
		codec:     cecoap.NewCodec(cecoap.PrivateSubject, cecoap.StrictPolicy()),
	}
	h.listener = NewListener(config, h.codec, h.publisher, h.dlq, zap.NewNop(), h.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.listener.Serve(ctx, server) }()
	<-h.listener.Ready()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
		client.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, datagram []byte) {
	t.Helper()
	if _, err := h.client.WriteTo(datagram, h.listener.Addr()); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (h *harness) roundTrip(t *testing.T, datagram []byte) *coap.Message {
	t.Helper()
	h.send(t, datagram)

	buf := make([]byte, 2048)
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := h.client.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	var reply coap.Message
	if err := reply.UnmarshalBinary(buf[:n]); err != nil {
		t.Fatalf("reply does not parse: %v", err)
	}
	return &reply
}

func (h *harness) expectNoReply(t *testing.T) {
	t.Helper()
	buf := make([]byte, 2048)
	_ = h.client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, _, err := h.client.ReadFrom(buf); err == nil {
		t.Errorf("unexpected reply of %d bytes", n)
	}
}

func telemetryEvent() *event.Event {
	e := event.New()
	e.SetID("evt-42")
	e.SetSource("/sensors/7")
	e.SetType("com.example.telemetry")
	e.SetSubject("room-3")
	_ = e.SetData("application/json", map[string]float64{"temp": 21.5})
	return &e
}

func (h *harness) binaryRequest(t *testing.T, typ coap.Type, mid uint16, e *event.Event) []byte {
	t.Helper()
	msg := &coap.Message{Type: typ, Code: coap.POST, MessageID: mid, Token: []byte{0xca, 0xfe}}
	if err := cecoap.NewPacket(msg, h.codec).FromEvent(context.Background(), e, binding.EncodingBinary); err != nil {
		t.Fatalf("FromEvent() error = %v", err)
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	return data
}

func marshal(t *testing.T, msg *coap.Message) []byte {
	t.Helper()
	data, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	return data
}

func TestListener_ConfirmableBinaryRequest(t *testing.T) {
	h := newHarness(t, Config{ReplyEnabled: true, MaxDatagramBytes: 1152}, nil)

	reply := h.roundTrip(t, h.binaryRequest(t, coap.Confirmable, 100, telemetryEvent()))

	if reply.Type != coap.Acknowledgement || reply.Code != coap.Changed {
		t.Errorf("reply = %v %v, want ACK 2.04", reply.Type, reply.Code)
	}
	if reply.MessageID != 100 || string(reply.Token) != "\xca\xfe" {
		t.Errorf("reply id/token = %d/%x, want 100/cafe", reply.MessageID, reply.Token)
	}

	select {
	case got := <-h.publisher.events:
		if got.ID() != "evt-42" || got.Subject() != "room-3" || got.DataContentType() != "application/json" {
			t.Errorf("published event = %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}
	if got := h.metrics.count("binary/published"); got != 1 {
		t.Errorf("binary/published = %d, want 1", got)
	}
}

func TestListener_StructuredNonConfirmable(t *testing.T) {
	h := newHarness(t, Config{ReplyEnabled: true}, nil)

	msg := &coap.Message{Type: coap.NonConfirmable, Code: coap.POST, MessageID: 5}
	if err := cecoap.NewPacket(msg, h.codec).FromEvent(context.Background(), telemetryEvent(), binding.EncodingStructured); err != nil {
		t.Fatalf("FromEvent() error = %v", err)
	}
	h.send(t, marshal(t, msg))

	select {
	case got := <-h.publisher.events:
		if got.Type() != "com.example.telemetry" {
			t.Errorf("Type() = %s", got.Type())
		}
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}
	h.expectNoReply(t)
}

func TestListener_DecodeFailure(t *testing.T) {
	h := newHarness(t, Config{ReplyEnabled: true}, nil)

	// Registry options without a spec version cannot be classified.
	msg := &coap.Message{Type: coap.Confirmable, Code: coap.POST, MessageID: 9, Token: []byte{1}}
	msg.AddOption(2048, []byte("evt-1"))
	datagram := marshal(t, msg)

	reply := h.roundTrip(t, datagram)
	if reply.Code != coap.BadRequest {
		t.Errorf("reply code = %v, want 4.00", reply.Code)
	}
	if !strings.Contains(string(reply.Payload), "wrong encoding") {
		t.Errorf("diagnostic payload = %q", reply.Payload)
	}

	select {
	case record := <-h.dlq.records:
		if record.kind != "wrong_encoding" {
			t.Errorf("dead letter kind = %s, want wrong_encoding", record.kind)
		}
		if string(record.datagram) != string(datagram) {
			t.Error("dead letter does not carry the original datagram")
		}
	case <-time.After(time.Second):
		t.Fatal("datagram was not dead-lettered")
	}
}

func TestListener_PublishFailure(t *testing.T) {
	publishErr := &errors.PublishError{Topic: "coap.events", Err: sarama.ErrOutOfBrokers}
	h := newHarness(t, Config{ReplyEnabled: true}, publishErr)

	reply := h.roundTrip(t, h.binaryRequest(t, coap.Confirmable, 11, telemetryEvent()))
	if reply.Code != coap.ServiceUnavailable {
		t.Errorf("reply code = %v, want 5.03", reply.Code)
	}
}

func TestListener_Ping(t *testing.T) {
	h := newHarness(t, Config{ReplyEnabled: true}, nil)

	reply := h.roundTrip(t, marshal(t, &coap.Message{Type: coap.Confirmable, Code: coap.Empty, MessageID: 77}))
	if reply.Type != coap.Reset || reply.MessageID != 77 {
		t.Errorf("reply = %v id %d, want RST id 77", reply.Type, reply.MessageID)
	}
}

func TestListener_MethodNotAllowed(t *testing.T) {
	h := newHarness(t, Config{ReplyEnabled: true}, nil)

	reply := h.roundTrip(t, marshal(t, &coap.Message{Type: coap.Confirmable, Code: coap.GET, MessageID: 3}))
	if reply.Code != coap.MethodNotAllowed {
		t.Errorf("reply code = %v, want 4.05", reply.Code)
	}
}

func TestListener_MalformedConfirmable(t *testing.T) {
	h := newHarness(t, Config{ReplyEnabled: true}, nil)

	// Version 1 CON header with a reserved option nibble.
	datagram := []byte{0x40, 0x02, 0x00, 0x21, 0xf0}
	reply := h.roundTrip(t, datagram)
	if reply.Type != coap.Reset || reply.MessageID != 0x21 {
		t.Errorf("reply = %v id %d, want RST id 33", reply.Type, reply.MessageID)
	}

	select {
	case record := <-h.dlq.records:
		if record.kind != "malformed_packet" {
			t.Errorf("dead letter kind = %s, want malformed_packet", record.kind)
		}
	case <-time.After(time.Second):
		t.Fatal("datagram was not dead-lettered")
	}
}

func TestListener_TooLarge(t *testing.T) {
	h := newHarness(t, Config{ReplyEnabled: true, MaxDatagramBytes: 64}, nil)

	e := telemetryEvent()
	_ = e.SetData("text/plain", strings.Repeat("x", 200))
	reply := h.roundTrip(t, h.binaryRequest(t, coap.Confirmable, 12, e))
	if reply.Code != coap.RequestEntityTooLarge {
		t.Errorf("reply code = %v, want 4.13", reply.Code)
	}
	if string(reply.Token) != "\xca\xfe" {
		t.Errorf("reply token = %x, want cafe", reply.Token)
	}
}

func TestListener_RepliesDisabled(t *testing.T) {
	h := newHarness(t, Config{ReplyEnabled: false}, nil)

	h.send(t, h.binaryRequest(t, coap.Confirmable, 13, telemetryEvent()))
	select {
	case <-h.publisher.events:
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}
	h.expectNoReply(t)
}

func TestListener_CloseBeforeServe(t *testing.T) {
	l := NewListener(Config{}, cecoap.NewCodec(cecoap.PrivateSubject, cecoap.StrictPolicy()), &fakePublisher{}, nil, zap.NewNop(), nil)
	if err := l.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Serve error = nil")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := l.Serve(context.Background(), conn); !stderrors.Is(err, errors.ErrListenerClosed) {
		t.Errorf("Serve() after Close error = %v, want ErrListenerClosed", err)
	}
	if err := l.HealthCheck(context.Background()); !stderrors.Is(err, errors.ErrListenerClosed) {
		t.Errorf("HealthCheck() error = %v, want ErrListenerClosed", err)
	}
}

func TestListener_Retransmission(t *testing.T) {
	tests := []struct {
		name       string
		typ        coap.Type
		lifetime   time.Duration
		wantEvents int
	}{
		{"confirmable answered again", coap.Confirmable, time.Minute, 1},
		{"non-confirmable dropped", coap.NonConfirmable, time.Minute, 1},
		{"deduplication disabled", coap.Confirmable, 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{ReplyEnabled: true, ExchangeLifetime: tt.lifetime}, nil)
			datagram := h.binaryRequest(t, tt.typ, 7, telemetryEvent())

			for i := 0; i < 2; i++ {
				if tt.typ != coap.Confirmable {
					h.send(t, datagram)
					continue
				}
				reply := h.roundTrip(t, datagram)
				if reply.Code != coap.Changed || reply.MessageID != 7 {
					t.Errorf("reply %d = %v id %d, want 2.04 id 7", i, reply.Code, reply.MessageID)
				}
			}

			published := 0
		drain:
			for {
				select {
				case <-h.publisher.events:
					published++
				case <-time.After(300 * time.Millisecond):
					break drain
				}
			}
			if published != tt.wantEvents {
				t.Errorf("published %d events, want %d", published, tt.wantEvents)
			}
			if got, want := h.metrics.count("unknown/duplicate"), 2-tt.wantEvents; got != want {
				t.Errorf("unknown/duplicate = %d, want %d", got, want)
			}
		})
	}
}

type blockingPublisher struct {
	started  chan struct{}
	release  chan struct{}
	finished atomic.Bool
}

func (p *blockingPublisher) Publish(context.Context, *event.Event) error {
	close(p.started)
	<-p.release
	p.finished.Store(true)
	return nil
}

// brokenConn delivers the queued datagrams and then fails every read.
type brokenConn struct {
	net.PacketConn
	datagrams chan []byte
	closed    atomic.Bool
}

func (c *brokenConn) ReadFrom(b []byte) (int, net.Addr, error) {
	if d, ok := <-c.datagrams; ok {
		return copy(b, d), c.LocalAddr(), nil
	}
	return 0, nil, stderrors.New("network interface went away")
}

func (c *brokenConn) Close() error {
	c.closed.Store(true)
	return c.PacketConn.Close()
}

func TestListener_ReadFailureWaitsForHandlers(t *testing.T) {
	inner, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	conn := &brokenConn{PacketConn: inner, datagrams: make(chan []byte, 1)}
	publisher := &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
	h := &harness{codec: cecoap.NewCodec(cecoap.PrivateSubject, cecoap.StrictPolicy())}
	l := NewListener(Config{}, h.codec, publisher, nil, zap.NewNop(), nil)

	conn.datagrams <- h.binaryRequest(t, coap.NonConfirmable, 1, telemetryEvent())
	close(conn.datagrams)

	done := make(chan error, 1)
	go func() { done <- l.Serve(context.Background(), conn) }()

	select {
	case <-publisher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram was not handled")
	}
	select {
	case err := <-done:
		t.Fatalf("Serve() returned %v with a datagram in flight", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(publisher.release)
	select {
	case err := <-done:
		if err == nil {
			t.Error("Serve() error = nil, want read error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return")
	}
	if !publisher.finished.Load() {
		t.Error("Serve() returned before the in-flight publish finished")
	}
	if !conn.closed.Load() {
		t.Error("socket left open after read failure")
	}
	if err := l.HealthCheck(context.Background()); !stderrors.Is(err, errors.ErrListenerClosed) {
		t.Errorf("HealthCheck() error = %v, want ErrListenerClosed", err)
	}
}
