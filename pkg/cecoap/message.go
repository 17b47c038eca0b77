package cecoap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/binding/format"
	"github.com/cloudevents/sdk-go/v2/binding/spec"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// Message is a received CoAP option set and payload read as a binding.Message.
// It never modifies Options.
type Message struct {
	Options Options
	Payload []byte

	profile  *Profile
	encoding binding.Encoding
}

var (
	_ binding.Message               = (*Message)(nil)
	_ binding.MessageMetadataReader = (*Message)(nil)
)

// NewMessage wraps options and payload, detecting the encoding once.
func (p *Profile) NewMessage(options Options, payload []byte) *Message {
	return &Message{
		Options:  options,
		Payload:  payload,
		profile:  p,
		encoding: p.DetectEncoding(options),
	}
}

func (m *Message) ReadEncoding() binding.Encoding {
	return m.encoding
}

func (m *Message) ReadStructured(ctx context.Context, writer binding.StructuredWriter) error {
	if m.encoding != binding.EncodingStructured {
		return binding.ErrNotStructured
	}
	return writer.SetStructuredEvent(ctx, format.JSON, bytes.NewReader(m.Payload))
}

func (m *Message) ReadBinary(ctx context.Context, writer binding.BinaryWriter) error {
	if m.encoding != binding.EncodingBinary {
		return binding.ErrNotBinary
	}

	svOption := m.profile.specVersion
	raw, ok := m.Options.Get(svOption)
	if !ok {
		return &Error{Kind: ErrMissingRequiredAttribute, Attribute: AttributeSpecVersion, Option: svOption}
	}
	sv, err := text(raw, AttributeSpecVersion, svOption)
	if err != nil {
		return err
	}
	version := spec.VS.Version(sv)
	if version == nil {
		return &Error{
			Kind:      ErrInvalidSpecVersion,
			Attribute: AttributeSpecVersion,
			Option:    svOption,
			Err:       fmt.Errorf("unsupported value %q", sv),
		}
	}

	// Attribute values are validated before anything reaches the writer, so a
	// bad option cannot leave a half-built event behind.
	type pending struct {
		id    coap.OptionID
		attr  spec.Attribute
		name  string
		value string
	}
	var values []pending

	if raw, ok := m.Options.Get(coap.ContentFormat); ok {
		ct, err := text(raw, AttributeDataContentType, coap.ContentFormat)
		if err != nil {
			return err
		}
		values = append(values, pending{
			id:    coap.ContentFormat,
			attr:  version.AttributeFromKind(spec.DataContentType),
			value: ct,
		})
	}

	for _, id := range m.Options.IDs() {
		if id == svOption || id == coap.ContentFormat || !m.profile.carries(id) {
			continue
		}

		value, err := m.decodeValue(id)
		if err != nil {
			return err
		}

		if name, ok := m.profile.Registry.AttributeFor(id); ok {
			if attr := versionAttribute(version, name); attr != nil {
				values = append(values, pending{id: id, attr: attr, value: value})
				continue
			}
		}
		values = append(values, pending{id: id, name: strconv.FormatUint(uint64(id), 10), value: value})
	}

	if err := writer.SetAttribute(version.AttributeFromKind(spec.SpecVersion), version.String()); err != nil {
		return attributeError(AttributeSpecVersion, svOption, err)
	}
	for _, v := range values {
		if v.attr != nil {
			if err := writer.SetAttribute(v.attr, v.value); err != nil {
				return attributeError(v.attr.Name(), v.id, err)
			}
			continue
		}
		if err := writer.SetExtension(v.name, v.value); err != nil {
			return attributeError(v.name, v.id, err)
		}
	}

	if len(m.Payload) > 0 {
		return writer.SetData(bytes.NewReader(m.Payload))
	}
	return nil
}

func (m *Message) Finish(error) error {
	return nil
}

// GetAttribute reads one attribute without building an event. Values that do
// not decode are reported as absent.
func (m *Message) GetAttribute(kind spec.Kind) (spec.Attribute, interface{}) {
	version := m.version()
	if version == nil {
		return nil, nil
	}
	attr := version.AttributeFromKind(kind)
	if attr == nil {
		return nil, nil
	}

	var id coap.OptionID
	switch kind {
	case spec.SpecVersion:
		return attr, version.String()
	case spec.DataContentType:
		id = coap.ContentFormat
	default:
		var ok bool
		if id, ok = m.profile.Registry.OptionFor(spec.V1.AttributeFromKind(kind).Name()); !ok {
			return attr, nil
		}
	}

	if !m.Options.Has(id) {
		return attr, nil
	}
	value, err := m.decodeValue(id)
	if err != nil {
		return attr, nil
	}
	return attr, value
}

// GetExtension returns the value of a numerically named extension.
func (m *Message) GetExtension(name string) interface{} {
	n, err := strconv.ParseUint(name, 10, 16)
	if err != nil {
		return nil
	}
	id := coap.OptionID(n)
	if !m.profile.carries(id) || !m.Options.Has(id) {
		return nil
	}
	value, err := m.decodeValue(id)
	if err != nil {
		return nil
	}
	return value
}

func (m *Message) version() spec.Version {
	raw, ok := m.Options.Get(m.profile.specVersion)
	if !ok || !utf8.Valid(raw) {
		return nil
	}
	return spec.VS.Version(string(raw))
}

// decodeValue turns the entries of one option into attribute text. Path
// segments are joined; any other repeated option yields its first entry.
func (m *Message) decodeValue(id coap.OptionID) (string, error) {
	entries := m.Options.Values(id)
	name := strconv.FormatUint(uint64(id), 10)
	if attr, ok := m.profile.Registry.AttributeFor(id); ok {
		name = attr
	}

	segments := make([]string, len(entries))
	for i, e := range entries {
		s, err := text(e, name, id)
		if err != nil {
			return "", err
		}
		segments[i] = s
	}

	if p := m.profile.Path; p != nil && id == p.Option {
		return p.Join(segments), nil
	}
	return segments[0], nil
}

// versionAttribute resolves a registry name in version. Registry names follow
// the 1.0 attribute names, so 0.3 renames such as schemaurl resolve by kind.
func versionAttribute(version spec.Version, name string) spec.Attribute {
	if attr := version.Attribute(name); attr != nil {
		return attr
	}
	if v1 := spec.V1.Attribute(name); v1 != nil {
		return version.AttributeFromKind(v1.Kind())
	}
	return nil
}

func text(raw []byte, attribute string, id coap.OptionID) (string, error) {
	if !utf8.Valid(raw) {
		return "", &Error{Kind: ErrInvalidUTF8Value, Attribute: attribute, Option: id}
	}
	return string(raw), nil
}

// attributeError keeps errors raised by this package and classifies anything
// else the event model rejected as an invalid attribute value.
func attributeError(attribute string, id coap.OptionID, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: ErrInvalidAttributeValue, Attribute: attribute, Option: id, Err: err}
}
