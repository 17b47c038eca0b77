package cecoap

import (
	"context"
	"fmt"

	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// PacketEventer converts between a CoAP message and an event. The interface
// is sealed: *Packet is its only implementation.
type PacketEventer interface {
	ToEvent(ctx context.Context) (*event.Event, error)
	FromEvent(ctx context.Context, e *event.Event, mode binding.Encoding) error

	sealed()
}

// Packet adapts a *coap.Message to events through a Codec.
type Packet struct {
	Message *coap.Message
	Codec   *Codec
}

var _ PacketEventer = (*Packet)(nil)

// NewPacket wraps msg.
func NewPacket(msg *coap.Message, codec *Codec) *Packet {
	return &Packet{Message: msg, Codec: codec}
}

func (*Packet) sealed() {}

// ToEvent decodes the message's options and payload.
func (p *Packet) ToEvent(ctx context.Context) (*event.Event, error) {
	return p.Codec.Decode(ctx, OptionsFrom(p.Message.Options), p.Message.Payload)
}

// FromEvent replaces every event-bearing option and the payload of the
// message with e in the given mode. Options outside the profile, such as
// Uri-Host or Observe, are kept. The message is untouched on error.
func (p *Packet) FromEvent(ctx context.Context, e *event.Event, mode binding.Encoding) error {
	var (
		options Options
		payload []byte
		err     error
	)
	switch mode {
	case binding.EncodingBinary:
		options, payload, err = p.Codec.EncodeBinary(ctx, e)
	case binding.EncodingStructured:
		options, payload, err = p.Codec.EncodeStructured(ctx, e)
	default:
		err = &Error{Kind: ErrWrongEncoding, Err: fmt.Errorf("cannot write %s mode", mode)}
	}
	if err != nil {
		return err
	}

	kept := make([]coap.Option, 0, len(p.Message.Options))
	for _, o := range p.Message.Options {
		if !p.Codec.Profile.owns(o.ID) {
			kept = append(kept, o)
		}
	}
	p.Message.Options = append(kept, options.List()...)
	p.Message.Payload = payload
	return nil
}
