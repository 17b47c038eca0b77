package cecoap

import (
	"bytes"
	"unicode/utf8"

	"github.com/cloudevents/sdk-go/v2/binding"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// StructuredMediaType marks a structured-mode message in Content-Format.
const StructuredMediaType = "application/cloudevents+json"

// DetectEncoding classifies options as binding.EncodingStructured,
// binding.EncodingBinary or binding.EncodingUnknown. A Content-Format equal
// to or starting with StructuredMediaType wins over a spec-version option.
func (p *Profile) DetectEncoding(options Options) binding.Encoding {
	if ct, ok := options.Get(coap.ContentFormat); ok && utf8.Valid(ct) &&
		bytes.HasPrefix(ct, []byte(StructuredMediaType)) {
		return binding.EncodingStructured
	}
	if options.Has(p.specVersion) {
		return binding.EncodingBinary
	}
	return binding.EncodingUnknown
}
