package cecoap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/binding/format"
	"github.com/cloudevents/sdk-go/v2/binding/spec"
	"github.com/cloudevents/sdk-go/v2/types"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// Writer collects an event into CoAP options and a payload. It implements
// binding.BinaryWriter and binding.StructuredWriter, so any binding.Message can
// be written into it with binding.Write. A Writer serves one event; the
// option numbers it has emitted are tracked per Writer, never shared.
type Writer struct {
	profile *Profile
	policy  EncodePolicy

	options Options
	payload []byte
	used    []coap.OptionID // sorted
	ended   bool
}

var (
	_ binding.BinaryWriter     = (*Writer)(nil)
	_ binding.StructuredWriter = (*Writer)(nil)
)

// NewWriter returns an empty Writer for profile p.
func (p *Profile) NewWriter(policy EncodePolicy) *Writer {
	return &Writer{
		profile: p,
		policy:  policy,
		options: Options{},
	}
}

// Options returns the options written so far.
func (w *Writer) Options() Options {
	return w.options
}

// Payload returns the payload written so far, nil when there is none.
func (w *Writer) Payload() []byte {
	return w.payload
}

func (w *Writer) Start(context.Context) error {
	return nil
}

// End applies the encode policy. Calling it again has no effect.
func (w *Writer) End(context.Context) error {
	if w.ended {
		return nil
	}
	w.ended = true
	w.policy.apply(w.profile, w.options)
	return nil
}

func (w *Writer) SetAttribute(attribute spec.Attribute, value interface{}) error {
	id, name, err := w.optionForAttribute(attribute)
	if err != nil {
		return err
	}
	if value == nil {
		w.options.Del(id)
		w.unmarkUsed(id)
		return nil
	}

	s, err := types.Format(value)
	if err != nil {
		return &Error{Kind: ErrInvalidAttributeValue, Attribute: name, Option: id, Err: err}
	}

	if p := w.profile.Path; p != nil && id == p.Option {
		w.options[id] = p.Split(s)
	} else {
		w.options.SetString(id, s)
	}
	w.markUsed(id)
	return nil
}

func (w *Writer) SetExtension(name string, value interface{}) error {
	n, err := strconv.ParseUint(name, 10, 16)
	if err != nil {
		return &Error{Kind: ErrInvalidExtensionName, Attribute: name, Err: err}
	}
	id := coap.OptionID(n)
	if w.profile.reserved(id) {
		return &Error{Kind: ErrReservedOrDuplicateOption, Attribute: name, Option: id}
	}
	if value == nil {
		w.options.Del(id)
		w.unmarkUsed(id)
		return nil
	}
	if w.isUsed(id) {
		return &Error{Kind: ErrReservedOrDuplicateOption, Attribute: name, Option: id}
	}

	s, err := types.Format(value)
	if err != nil {
		return &Error{Kind: ErrInvalidAttributeValue, Attribute: name, Option: id, Err: err}
	}
	w.options.SetString(id, s)
	w.markUsed(id)
	return nil
}

func (w *Writer) SetData(data io.Reader) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("reading event data: %w", err)
	}
	if len(b) > 0 {
		w.payload = b
	}
	return nil
}

// SetStructuredEvent replaces anything written so far with a structured
// message: Content-Format set to the format's media type and the serialized
// event as payload.
func (w *Writer) SetStructuredEvent(_ context.Context, f format.Format, event io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, event); err != nil {
		return fmt.Errorf("reading structured event: %w", err)
	}
	w.options = Options{}
	w.used = nil
	w.options.SetString(coap.ContentFormat, f.MediaType())
	w.payload = buf.Bytes()
	w.ended = true
	return nil
}

// optionForAttribute maps a core attribute to its option. Attributes of older
// spec versions fall back to the 1.0 name of the same kind.
func (w *Writer) optionForAttribute(attribute spec.Attribute) (coap.OptionID, string, error) {
	name := attribute.Name()
	switch attribute.Kind() {
	case spec.SpecVersion:
		return w.profile.specVersion, name, nil
	case spec.DataContentType:
		return coap.ContentFormat, name, nil
	}

	if id, ok := w.profile.Registry.OptionFor(name); ok {
		return id, name, nil
	}
	if v1 := spec.V1.AttributeFromKind(attribute.Kind()); v1 != nil {
		if id, ok := w.profile.Registry.OptionFor(v1.Name()); ok {
			return id, name, nil
		}
	}
	return 0, name, &Error{Kind: ErrUnknownAttribute, Attribute: name}
}

func (w *Writer) isUsed(id coap.OptionID) bool {
	i := sort.Search(len(w.used), func(i int) bool { return w.used[i] >= id })
	return i < len(w.used) && w.used[i] == id
}

func (w *Writer) markUsed(id coap.OptionID) {
	i := sort.Search(len(w.used), func(i int) bool { return w.used[i] >= id })
	if i < len(w.used) && w.used[i] == id {
		return
	}
	w.used = append(w.used, 0)
	copy(w.used[i+1:], w.used[i:])
	w.used[i] = id
}

func (w *Writer) unmarkUsed(id coap.OptionID) {
	i := sort.Search(len(w.used), func(i int) bool { return w.used[i] >= id })
	if i < len(w.used) && w.used[i] == id {
		w.used = append(w.used[:i], w.used[i+1:]...)
	}
}
