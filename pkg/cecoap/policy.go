package cecoap

import (
	"fmt"
	"strings"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// PolicyMode selects how the binary encoder treats missing options.
type PolicyMode int

const (
	// Strict emits only what the event carries.
	Strict PolicyMode = iota
	// InjectDefaults fills a missing Content-Format and type option with
	// fixed values for consumers that require them.
	InjectDefaults
)

// Fallback values for InjectDefaults.
const (
	DefaultContentFormat = "application/json"
	DefaultTypeMarker    = "io.cloudevents.coap.untyped"
)

func (m PolicyMode) String() string {
	switch m {
	case Strict:
		return "strict"
	case InjectDefaults:
		return "inject-defaults"
	default:
		return fmt.Sprintf("PolicyMode(%d)", int(m))
	}
}

// ParsePolicyMode parses "strict" or "inject-defaults".
func ParsePolicyMode(s string) (PolicyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return Strict, nil
	case "inject-defaults":
		return InjectDefaults, nil
	default:
		return Strict, fmt.Errorf("unknown encode policy %q", s)
	}
}

// EncodePolicy configures default injection for binary encoding.
type EncodePolicy struct {
	Mode PolicyMode

	ContentFormat string
	Type          string
	// TypeOption is the option checked for a type marker. Zero means the
	// profile's type option.
	TypeOption coap.OptionID
}

// StrictPolicy returns the protocol-pure policy.
func StrictPolicy() EncodePolicy {
	return EncodePolicy{Mode: Strict}
}

// InjectDefaultsPolicy returns a policy that injects the package defaults.
func InjectDefaultsPolicy() EncodePolicy {
	return EncodePolicy{
		Mode:          InjectDefaults,
		ContentFormat: DefaultContentFormat,
		Type:          DefaultTypeMarker,
	}
}

func (p EncodePolicy) apply(profile *Profile, options Options) {
	if p.Mode != InjectDefaults {
		return
	}
	if p.ContentFormat != "" && !options.Has(coap.ContentFormat) {
		options.SetString(coap.ContentFormat, p.ContentFormat)
	}

	typeOption := p.TypeOption
	if typeOption == 0 {
		id, ok := profile.Registry.OptionFor(AttributeType)
		if !ok {
			return
		}
		typeOption = id
	}
	if p.Type != "" && !options.Has(typeOption) {
		options.SetString(typeOption, p.Type)
	}
}
