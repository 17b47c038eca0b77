package egress

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/errors"
	"github.com/jittakal/kafeventcoap/pkg/cecoap"
	"github.com/jittakal/kafeventcoap/pkg/coap"
)

type fakeMetrics struct {
	forwarded map[string]int
	failures  map[string]int
	bytes     int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{forwarded: map[string]int{}, failures: map[string]int{}}
}

func (m *fakeMetrics) IncEventsForwarded(topic, encoding string) { m.forwarded[topic+"/"+encoding]++ }
func (m *fakeMetrics) IncEncodeFailures(kind string) { m.failures[kind]++ }
func (m *fakeMetrics) ObserveDatagramBytes(_ string, size int) { m.bytes += size }

type answer int

const (
	piggybacked answer = iota // ACK carrying the response code
	silent                    // no answer at all
	separate                  // empty ACK, then a CON response with the token
	emptyOnly                 // empty ACK and nothing else
)

// target is a loopback CoAP endpoint that records requests and answers
// confirmable ones as configured.
type target struct {
	conn     net.PacketConn
	requests chan *coap.Message
	acks     chan *coap.Message
	code     coap.Code
	answer   answer
}

func newTarget(t *testing.T, code coap.Code, a answer) *target {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tg := &target{
		conn:     conn,
		requests: make(chan *coap.Message, 4),
		acks:     make(chan *coap.Message, 4),
		code:     code,
		answer:   a,
	}
	go tg.serve()
	t.Cleanup(func() { conn.Close() })
	return tg
}

func (tg *target) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := tg.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		var req coap.Message
		if err := req.UnmarshalBinary(buf[:n]); err != nil {
			continue
		}
		if req.Type == coap.Acknowledgement {
			tg.acks <- &req
			continue
		}
		tg.requests <- &req
		if req.Type != coap.Confirmable {
			continue
		}
		switch tg.answer {
		case piggybacked:
			tg.write(addr, &coap.Message{Type: coap.Acknowledgement, Code: tg.code, MessageID: req.MessageID, Token: req.Token})
		case separate:
			tg.write(addr, &coap.Message{Type: coap.Acknowledgement, Code: coap.Empty, MessageID: req.MessageID})
			tg.write(addr, &coap.Message{Type: coap.Confirmable, Code: tg.code, MessageID: req.MessageID + 1000, Token: req.Token})
		case emptyOnly:
			tg.write(addr, &coap.Message{Type: coap.Acknowledgement, Code: coap.Empty, MessageID: req.MessageID})
		}
	}
}

func (tg *target) write(addr net.Addr, msg *coap.Message) {
	if data, err := msg.MarshalBinary(); err == nil {
		_, _ = tg.conn.WriteTo(data, addr)
	}
}

func (tg *target) next(t *testing.T) *coap.Message {
	t.Helper()
	select {
	case req := <-tg.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("target received nothing")
		return nil
	}
}

func record(t *testing.T) *sarama.ConsumerMessage {
	t.Helper()
	e := event.New()
	e.SetID("cmd-1")
	e.SetSource("/controller")
	e.SetType("com.example.command")
	e.SetSubject("valve-4")
	_ = e.SetData("application/json", map[string]bool{"open": true})
	value, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "commands", Partition: 2, Offset: 40, Value: value}
}

func newTestForwarder(t *testing.T, tg *target, config Config, profile *cecoap.Profile, metrics MetricsCollector) *Forwarder {
	t.Helper()
	config.TargetAddress = tg.conn.LocalAddr().String()
	f, err := NewForwarder(config, cecoap.NewCodec(profile, cecoap.StrictPolicy()), zap.NewNop(), metrics)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestForwarder_HandleRecord(t *testing.T) {
	tests := []struct {
		name     string
		profile  *cecoap.Profile
		mode     binding.Encoding
		wantPath []string
	}{
		{"binary private profile keeps configured path", cecoap.PrivateSubject, binding.EncodingBinary, []string{"events", "in"}},
		{"uri-path profile carries subject", cecoap.URIPathSubject, binding.EncodingBinary, []string{"valve-4"}},
		{"structured", cecoap.PrivateSubject, binding.EncodingStructured, []string{"events", "in"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTarget(t, coap.Changed, piggybacked)
			metrics := newFakeMetrics()
			f := newTestForwarder(t, tg, Config{URIPath: "/events/in", Mode: tt.mode}, tt.profile, metrics)

			if err := f.HandleRecord(context.Background(), record(t)); err != nil {
				t.Fatalf("HandleRecord() error = %v", err)
			}

			req := tg.next(t)
			if req.Type != coap.NonConfirmable || req.Code != coap.POST {
				t.Errorf("request = %v %v, want NON 0.02", req.Type, req.Code)
			}
			if len(req.Token) != 8 {
				t.Errorf("token length = %d, want 8", len(req.Token))
			}

			var path []string
			for _, v := range req.OptionValues(coap.URIPath) {
				path = append(path, string(v))
			}
			if diff := cmp.Diff(tt.wantPath, path); diff != "" {
				t.Errorf("Uri-Path mismatch (-want +got):\n%s", diff)
			}

			e, err := cecoap.NewPacket(req, f.codec).ToEvent(context.Background())
			if err != nil {
				t.Fatalf("ToEvent() error = %v", err)
			}
			if e.ID() != "cmd-1" || e.Subject() != "valve-4" {
				t.Errorf("decoded event = %s", e)
			}

			if got := metrics.forwarded["commands/"+tt.mode.String()]; got != 1 {
				t.Errorf("forwarded metric = %d, want 1", got)
			}
			if metrics.bytes == 0 {
				t.Error("datagram bytes not observed")
			}
		})
	}
}

func TestForwarder_Confirmable(t *testing.T) {
	tests := []struct {
		name    string
		code    coap.Code
		answer  answer
		wantErr bool
		wantAck bool
	}{
		{"acknowledged", coap.Changed, piggybacked, false, false},
		{"rejected", coap.BadRequest, piggybacked, true, false},
		{"no answer", coap.Changed, silent, true, false},
		{"separate response", coap.Changed, separate, false, true},
		{"separate rejection", coap.BadRequest, separate, true, true},
		{"empty ack only", coap.Changed, emptyOnly, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTarget(t, tt.code, tt.answer)
			f := newTestForwarder(t, tg, Config{Confirmable: true, AckTimeout: 300 * time.Millisecond}, cecoap.PrivateSubject, nil)

			err := f.HandleRecord(context.Background(), record(t))
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
			req := tg.next(t)
			if req.Type != coap.Confirmable {
				t.Errorf("request type = %v, want CON", req.Type)
			}

			if tt.wantAck {
				select {
				case ack := <-tg.acks:
					if ack.Code != coap.Empty || ack.MessageID != req.MessageID+1000 {
						t.Errorf("ack = %v id %d, want empty ACK id %d", ack.Code, ack.MessageID, req.MessageID+1000)
					}
				case <-time.After(time.Second):
					t.Error("separate response was not acknowledged")
				}
			}

			if err == nil {
				return
			}
			var forwardErr *errors.ForwardError
			if !stderrors.As(err, &forwardErr) || forwardErr.Offset != 40 || forwardErr.Partition != 2 {
				t.Errorf("error = %v, want *ForwardError for commands/2@40", err)
			}
		})
	}
}

func TestForwarder_InvalidRecords(t *testing.T) {
	tests := []struct {
		name     string
		value    []byte
		wantKind string
	}{
		{"not json", []byte("plain text"), "invalid_record"},
		{"missing id", []byte(`{"specversion":"1.0","source":"/s","type":"t"}`), "missing_required_attribute"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTarget(t, coap.Changed, piggybacked)
			metrics := newFakeMetrics()
			f := newTestForwarder(t, tg, Config{}, cecoap.PrivateSubject, metrics)

			err := f.HandleRecord(context.Background(), &sarama.ConsumerMessage{Topic: "commands", Value: tt.value})
			if err == nil {
				t.Fatal("HandleRecord() error = nil, want error")
			}
			if metrics.failures[tt.wantKind] != 1 {
				t.Errorf("failures = %v, want one %s", metrics.failures, tt.wantKind)
			}
		})
	}
}

func TestForwarder_Closed(t *testing.T) {
	tg := newTarget(t, coap.Changed, piggybacked)
	f := newTestForwarder(t, tg, Config{}, cecoap.PrivateSubject, nil)

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := f.HealthCheck(context.Background()); !stderrors.Is(err, errors.ErrForwarderClosed) {
		t.Errorf("HealthCheck() error = %v, want ErrForwarderClosed", err)
	}
	if err := f.HandleRecord(context.Background(), record(t)); !stderrors.Is(err, errors.ErrForwarderClosed) {
		t.Errorf("HandleRecord() after Close error = %v, want ErrForwarderClosed", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    binding.Encoding
		wantErr bool
	}{
		{"", binding.EncodingBinary, false},
		{"binary", binding.EncodingBinary, false},
		{"Structured", binding.EncodingStructured, false},
		{"batch", binding.EncodingUnknown, true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestForwarder_Send(t *testing.T) {
	tg := newTarget(t, coap.Changed, piggybacked)
	f := newTestForwarder(t, tg, Config{Confirmable: true}, cecoap.URIPathSubject, nil)

	e := event.New()
	e.SetID("gen-1")
	e.SetSource("/generator")
	e.SetType("com.example.telemetry")
	e.SetSubject("devices/d-1")
	if err := f.Send(context.Background(), &e); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	req := tg.next(t)
	var path []string
	for _, v := range req.OptionValues(coap.URIPath) {
		path = append(path, string(v))
	}
	if diff := cmp.Diff([]string{"devices", "d-1"}, path); diff != "" {
		t.Errorf("Uri-Path mismatch (-want +got):\n%s", diff)
	}
}
