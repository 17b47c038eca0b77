package coap

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

const (
	headerLen        = 4
	maxTokenLen      = 8
	minOptionsCap    = 16
	maxContentFormat = math.MaxUint16
)

var (
	// ErrMalformed wraps every datagram decoding failure.
	ErrMalformed = errors.New("coap: malformed message")
	// ErrInvalidTokenLen is returned for tokens longer than 8 bytes.
	ErrInvalidTokenLen = errors.New("coap: token length exceeds 8 bytes")
)

// optionDefs is the RFC 7252 option table with Content-Format widened to
// carry a media-type string. The stock table drops such values as having an
// illegal length.
var optionDefs = func() map[message.OptionID]message.OptionDef {
	defs := maps.Clone(message.CoapOptionDefs)
	def := defs[message.ContentFormat]
	def.MaxLen = maxContentFormat
	defs[message.ContentFormat] = def
	return defs
}()

// Message is a CoAP message as carried in one UDP datagram.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// AddOption appends an option entry.
func (m *Message) AddOption(id OptionID, value []byte) {
	m.Options = append(m.Options, Option{ID: id, Value: value})
}

// Option returns the first value carried for id.
func (m *Message) Option(id OptionID) ([]byte, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}

// OptionValues returns every value carried for id, in arrival order.
func (m *Message) OptionValues(id OptionID) [][]byte {
	var values [][]byte
	for _, o := range m.Options {
		if o.ID == id {
			values = append(values, o.Value)
		}
	}
	return values
}

// RemoveOption drops every entry for id.
func (m *Message) RemoveOption(id OptionID) {
	kept := m.Options[:0]
	for _, o := range m.Options {
		if o.ID != id {
			kept = append(kept, o)
		}
	}
	m.Options = kept
}

// IsPing reports whether the message is an empty confirmable message.
func (m *Message) IsPing() bool {
	return m.Type == Confirmable && m.Code == Empty
}

// MarshalBinary encodes the message with the go-coap UDP coder. Options are
// written in ascending number order; entries sharing a number keep their
// relative order.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > maxTokenLen {
		return nil, ErrInvalidTokenLen
	}
	options := make(message.Options, len(m.Options))
	copy(options, m.Options)
	sort.SliceStable(options, func(i, j int) bool { return options[i].ID < options[j].ID })

	msg := message.Message{
		Token:     m.Token,
		Options:   options,
		Code:      m.Code,
		Payload:   m.Payload,
		MessageID: int32(m.MessageID),
		Type:      m.Type,
	}
	size, err := coder.DefaultCoder.Size(msg)
	if err != nil {
		return nil, fmt.Errorf("coap: %w", err)
	}
	buf := make([]byte, size)
	n, err := coder.DefaultCoder.Encode(msg, buf)
	if err != nil {
		return nil, fmt.Errorf("coap: %w", err)
	}
	return buf[:n], nil
}

// UnmarshalBinary decodes a datagram into m, replacing its contents. The
// result does not alias data.
func (m *Message) UnmarshalBinary(data []byte) error {
	var msg message.Message
	err := withOptionsCap(len(data), func(capacity int) error {
		msg = message.Message{Options: make(message.Options, 0, capacity)}
		_, err := coder.DefaultCoder.Decode(data, &msg)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// The header and token were validated above; options are read again
	// with the binding's table.
	var options message.Options
	err = withOptionsCap(len(data), func(capacity int) error {
		options = make(message.Options, 0, capacity)
		_, err := options.Unmarshal(data[headerLen+len(msg.Token):], optionDefs)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m.Type = msg.Type
	m.Code = msg.Code
	m.MessageID = uint16(msg.MessageID)
	m.Token = clone(msg.Token)
	m.Payload = clone(msg.Payload)
	m.Options = make([]Option, len(options))
	for i, o := range options {
		m.Options[i] = Option{ID: o.ID, Value: append([]byte{}, o.Value...)}
	}
	return nil
}

// withOptionsCap retries decode with a growing options buffer. A datagram
// holds at most one option per byte, which bounds the growth.
func withOptionsCap(limit int, decode func(capacity int) error) error {
	for capacity := minOptionsCap; ; capacity *= 2 {
		err := decode(capacity)
		if !errors.Is(err, message.ErrOptionsTooSmall) || capacity > limit {
			return err
		}
	}
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
