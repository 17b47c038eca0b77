package cecoap

import (
	"fmt"
	"sort"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// Profile is one option numbering scheme: a registry, the first option number
// available to event attributes, and an optional path aggregation policy.
type Profile struct {
	Name       string
	Registry   *Registry
	CustomBase coap.OptionID
	Path       *PathAggregator

	specVersion coap.OptionID
}

// NewProfile validates and assembles a profile. Every registered attribute
// except datacontenttype and the path attribute must sit at or above
// customBase, and the registry must map specversion.
func NewProfile(name string, registry *Registry, customBase coap.OptionID, path *PathAggregator) (*Profile, error) {
	if registry == nil {
		return nil, fmt.Errorf("profile %s: nil registry", name)
	}

	sv, ok := registry.OptionFor(AttributeSpecVersion)
	if !ok {
		return nil, fmt.Errorf("profile %s: registry does not map %s", name, AttributeSpecVersion)
	}

	if path != nil {
		id, ok := registry.OptionFor(path.Attribute)
		if !ok || id != path.Option {
			return nil, fmt.Errorf("profile %s: path attribute %s must map to option %d",
				name, path.Attribute, path.Option)
		}
	}

	for _, attr := range registry.Attributes() {
		if attr == AttributeDataContentType || (path != nil && attr == path.Attribute) {
			continue
		}
		id, _ := registry.OptionFor(attr)
		if id < customBase {
			return nil, fmt.Errorf("profile %s: %s uses option %d below custom base %d",
				name, attr, id, customBase)
		}
	}

	return &Profile{
		Name:        name,
		Registry:    registry,
		CustomBase:  customBase,
		Path:        path,
		specVersion: sv,
	}, nil
}

func mustProfile(name string, registry *Registry, customBase coap.OptionID, path *PathAggregator) *Profile {
	p, err := NewProfile(name, registry, customBase, path)
	if err != nil {
		panic(err)
	}
	return p
}

// Preset profiles.
var (
	// PrivateSubject numbers core attributes from 2048 and keeps subject on a
	// private option.
	PrivateSubject = mustProfile("private-2048", MustRegistry(map[string]coap.OptionID{
		"id":                     2048,
		"source":                 2049,
		AttributeSpecVersion:     2050,
		AttributeType:            2051,
		"dataschema":             2052,
		AttributeSubject:         2053,
		"time":                   2054,
		AttributeDataContentType: coap.ContentFormat,
	}), 2048, nil)

	// URIPathSubject numbers core attributes from 4200 and carries subject on
	// Uri-Path segments.
	URIPathSubject = mustProfile("uri-path-4200", MustRegistry(map[string]coap.OptionID{
		"id":                     4200,
		"source":                 4201,
		AttributeSpecVersion:     4202,
		AttributeType:            4203,
		"dataschema":             4204,
		"time":                   4205,
		AttributeSubject:         coap.URIPath,
		AttributeDataContentType: coap.ContentFormat,
	}), 4200, SubjectOnURIPath())
)

var presets = map[string]*Profile{
	PrivateSubject.Name: PrivateSubject,
	URIPathSubject.Name: URIPathSubject,
}

// ProfileByName returns a preset profile.
func ProfileByName(name string) (*Profile, error) {
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (available: %v)", name, ProfileNames())
	}
	return p, nil
}

// ProfileNames lists the preset names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpecVersionOption is the option number carrying specversion.
func (p *Profile) SpecVersionOption() coap.OptionID {
	return p.specVersion
}

// carries reports whether option id holds an event attribute on decode.
func (p *Profile) carries(id coap.OptionID) bool {
	return id >= p.CustomBase || (p.Path != nil && id == p.Path.Option)
}

// owns reports whether option id is written by this binding.
func (p *Profile) owns(id coap.OptionID) bool {
	return id == coap.ContentFormat || p.carries(id)
}

// reserved reports whether an extension may not use option id.
func (p *Profile) reserved(id coap.OptionID) bool {
	return id < p.CustomBase || p.Registry.Reserved(id)
}
