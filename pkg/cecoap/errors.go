package cecoap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudevents/sdk-go/v2/binding"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// Error kinds. Match them with errors.Is.
var (
	ErrWrongEncoding             = errors.New("wrong encoding")
	ErrMissingRequiredAttribute  = errors.New("missing required attribute")
	ErrInvalidSpecVersion        = errors.New("invalid spec version")
	ErrInvalidUTF8Value          = errors.New("option value is not valid UTF-8")
	ErrUnknownAttribute          = errors.New("unknown attribute")
	ErrInvalidExtensionName      = errors.New("extension name is not an option number")
	ErrReservedOrDuplicateOption = errors.New("option number reserved or already used")
	ErrInvalidAttributeValue     = errors.New("invalid attribute value")
)

// Error reports a failed decode or encode with the attribute and option involved.
type Error struct {
	Kind      error
	Attribute string
	Option    coap.OptionID
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("cecoap: ")
	b.WriteString(e.Kind.Error())
	if e.Attribute != "" {
		fmt.Fprintf(&b, ": attribute=%s", e.Attribute)
	}
	if e.Option != 0 {
		fmt.Fprintf(&b, " option=%d", e.Option)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

var kindLabels = []struct {
	kind  error
	label string
}{
	{ErrWrongEncoding, "wrong_encoding"},
	{binding.ErrNotBinary, "wrong_encoding"},
	{binding.ErrNotStructured, "wrong_encoding"},
	{ErrMissingRequiredAttribute, "missing_required_attribute"},
	{ErrInvalidSpecVersion, "invalid_spec_version"},
	{ErrInvalidUTF8Value, "invalid_utf8_value"},
	{ErrUnknownAttribute, "unknown_attribute"},
	{ErrInvalidExtensionName, "invalid_extension_name"},
	{ErrReservedOrDuplicateOption, "reserved_or_duplicate_option"},
	{ErrInvalidAttributeValue, "invalid_attribute_value"},
}

// ErrorKind returns a stable label for err, suitable for metrics.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindLabels {
		if errors.Is(err, k.kind) {
			return k.label
		}
	}
	return "other"
}

func wrongEncoding(detected binding.Encoding, want binding.Encoding) error {
	return &Error{
		Kind: ErrWrongEncoding,
		Err:  fmt.Errorf("detected %s, want %s", detected, want),
	}
}
