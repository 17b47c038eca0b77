package cecoap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/binding/format"
	"github.com/cloudevents/sdk-go/v2/binding/spec"
	"github.com/cloudevents/sdk-go/v2/event"
)

// Codec decodes and encodes events for one profile and encode policy. It holds
// no per-call state and is safe for concurrent use.
type Codec struct {
	Profile *Profile
	Policy  EncodePolicy
}

// NewCodec returns a Codec for profile using policy on binary encode.
func NewCodec(profile *Profile, policy EncodePolicy) *Codec {
	return &Codec{Profile: profile, Policy: policy}
}

// Decode builds an event from options and payload in whichever mode the
// options announce. Options without a structured Content-Format or a
// spec-version option fail with ErrWrongEncoding.
func (c *Codec) Decode(ctx context.Context, options Options, payload []byte) (*event.Event, error) {
	m := c.Profile.NewMessage(options, payload)
	if m.ReadEncoding() == binding.EncodingUnknown {
		return nil, &Error{
			Kind: ErrWrongEncoding,
			Err:  errors.New("neither a structured Content-Format nor a spec-version option is present"),
		}
	}
	return c.toEvent(ctx, m)
}

// DecodeBinary decodes a binary-mode message.
func (c *Codec) DecodeBinary(ctx context.Context, options Options, payload []byte) (*event.Event, error) {
	m := c.Profile.NewMessage(options, payload)
	if enc := m.ReadEncoding(); enc != binding.EncodingBinary {
		return nil, wrongEncoding(enc, binding.EncodingBinary)
	}
	return c.toEvent(ctx, m)
}

// DecodeStructured decodes a structured-mode message.
func (c *Codec) DecodeStructured(ctx context.Context, options Options, payload []byte) (*event.Event, error) {
	m := c.Profile.NewMessage(options, payload)
	if enc := m.ReadEncoding(); enc != binding.EncodingStructured {
		return nil, wrongEncoding(enc, binding.EncodingStructured)
	}
	return c.toEvent(ctx, m)
}

func (c *Codec) toEvent(ctx context.Context, m *Message) (*event.Event, error) {
	e, err := binding.ToEvent(ctx, m)
	if err != nil {
		return nil, classify(err, m.encoding)
	}
	if err := validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

// EncodeBinary writes e as binary-mode options and payload. Either every
// attribute is written or an error is returned with no options.
func (c *Codec) EncodeBinary(ctx context.Context, e *event.Event) (Options, []byte, error) {
	version := spec.VS.Version(e.SpecVersion())
	if version == nil {
		return nil, nil, &Error{
			Kind:      ErrInvalidSpecVersion,
			Attribute: AttributeSpecVersion,
			Err:       fmt.Errorf("unsupported value %q", e.SpecVersion()),
		}
	}
	if err := validate(e); err != nil {
		return nil, nil, err
	}

	w := c.Profile.NewWriter(c.Policy)
	for _, attr := range encodeOrder(version) {
		value := attr.Get(e.Context)
		if value == nil {
			continue
		}
		if err := w.SetAttribute(attr, value); err != nil {
			return nil, nil, err
		}
	}

	extensions := e.Extensions()
	names := make([]string, 0, len(extensions))
	for name := range extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.SetExtension(name, extensions[name]); err != nil {
			return nil, nil, err
		}
	}

	if data := e.Data(); len(data) > 0 {
		if err := w.SetData(bytes.NewReader(data)); err != nil {
			return nil, nil, err
		}
	}
	if err := w.End(ctx); err != nil {
		return nil, nil, err
	}
	return w.Options(), w.Payload(), nil
}

// EncodeStructured writes e as a JSON event under a single Content-Format
// option.
func (c *Codec) EncodeStructured(ctx context.Context, e *event.Event) (Options, []byte, error) {
	if err := validate(e); err != nil {
		return nil, nil, err
	}
	b, err := format.JSON.Marshal(e)
	if err != nil {
		return nil, nil, &Error{Kind: ErrInvalidAttributeValue, Err: fmt.Errorf("marshaling event: %w", err)}
	}

	w := c.Profile.NewWriter(c.Policy)
	if err := w.SetStructuredEvent(ctx, format.JSON, bytes.NewReader(b)); err != nil {
		return nil, nil, err
	}
	return w.Options(), w.Payload(), nil
}

// WriteMessage writes any sdk-go binding message. Structured messages stay
// structured; everything else is written in binary mode.
func (c *Codec) WriteMessage(ctx context.Context, m binding.Message) (Options, []byte, error) {
	w := c.Profile.NewWriter(c.Policy)
	if _, err := binding.Write(ctx, m, w, w); err != nil {
		return nil, nil, classify(err, m.ReadEncoding())
	}
	if err := w.End(ctx); err != nil {
		return nil, nil, err
	}
	return w.Options(), w.Payload(), nil
}

// encodeOrder lists spec-version and content type first, then the remaining
// attributes of version.
func encodeOrder(version spec.Version) []spec.Attribute {
	attrs := make([]spec.Attribute, 0, len(version.Attributes()))
	attrs = append(attrs,
		version.AttributeFromKind(spec.SpecVersion),
		version.AttributeFromKind(spec.DataContentType),
	)
	for _, a := range version.Attributes() {
		if k := a.Kind(); k != spec.SpecVersion && k != spec.DataContentType {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

// validate checks required attributes before the event model's own rules so
// that a missing attribute is reported by name.
func validate(e *event.Event) error {
	required := []struct {
		name  string
		value string
	}{
		{"id", e.ID()},
		{"source", e.Source()},
		{AttributeType, e.Type()},
	}
	for _, r := range required {
		if r.value == "" {
			return &Error{Kind: ErrMissingRequiredAttribute, Attribute: r.name}
		}
	}
	if err := e.Validate(); err != nil {
		return &Error{Kind: ErrInvalidAttributeValue, Err: err}
	}
	return nil
}

// classify maps errors surfacing from the sdk-go binding helpers onto the
// package error kinds.
func classify(err error, detected binding.Encoding) error {
	var ce *Error
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, binding.ErrNotBinary):
		return wrongEncoding(detected, binding.EncodingBinary)
	case errors.Is(err, binding.ErrNotStructured):
		return wrongEncoding(detected, binding.EncodingStructured)
	case errors.Is(err, binding.ErrUnknownEncoding):
		return &Error{Kind: ErrWrongEncoding, Err: err}
	default:
		return &Error{Kind: ErrInvalidAttributeValue, Err: err}
	}
}
