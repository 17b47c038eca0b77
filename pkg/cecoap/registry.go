package cecoap

import (
	"fmt"
	"sort"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// Attribute names with a fixed place in every registry.
const (
	AttributeSpecVersion     = "specversion"
	AttributeDataContentType = "datacontenttype"
	AttributeType            = "type"
	AttributeSubject         = "subject"
)

// Registry is an immutable bidirectional table between attribute names and
// option numbers.
type Registry struct {
	toOption    map[string]coap.OptionID
	toAttribute map[coap.OptionID]string
}

// NewRegistry builds a registry from table. datacontenttype is always mapped to
// Content-Format; it is added when the table leaves it out and rejected when
// the table maps it elsewhere.
func NewRegistry(table map[string]coap.OptionID) (*Registry, error) {
	r := &Registry{
		toOption:    make(map[string]coap.OptionID, len(table)+1),
		toAttribute: make(map[coap.OptionID]string, len(table)+1),
	}

	for name, id := range table {
		if name == "" {
			return nil, fmt.Errorf("registry: empty attribute name for option %d", id)
		}
		if name == AttributeDataContentType && id != coap.ContentFormat {
			return nil, fmt.Errorf("registry: %s must map to Content-Format (%d), got %d",
				AttributeDataContentType, coap.ContentFormat, id)
		}
		if name != AttributeDataContentType && id == coap.ContentFormat {
			return nil, fmt.Errorf("registry: Content-Format is reserved for %s, not %s",
				AttributeDataContentType, name)
		}
		if other, ok := r.toAttribute[id]; ok {
			return nil, fmt.Errorf("registry: option %d mapped to both %s and %s", id, other, name)
		}
		r.toOption[name] = id
		r.toAttribute[id] = name
	}

	if _, ok := r.toOption[AttributeDataContentType]; !ok {
		r.toOption[AttributeDataContentType] = coap.ContentFormat
		r.toAttribute[coap.ContentFormat] = AttributeDataContentType
	}

	return r, nil
}

// MustRegistry is NewRegistry that panics on error. Use it for static tables.
func MustRegistry(table map[string]coap.OptionID) *Registry {
	r, err := NewRegistry(table)
	if err != nil {
		panic(err)
	}
	return r
}

// OptionFor returns the option number carrying attribute name.
func (r *Registry) OptionFor(name string) (coap.OptionID, bool) {
	id, ok := r.toOption[name]
	return id, ok
}

// AttributeFor returns the attribute carried by option id.
func (r *Registry) AttributeFor(id coap.OptionID) (string, bool) {
	name, ok := r.toAttribute[id]
	return name, ok
}

// Reserved reports whether id belongs to a registered attribute.
func (r *Registry) Reserved(id coap.OptionID) bool {
	_, ok := r.toAttribute[id]
	return ok
}

// Attributes returns the registered attribute names, sorted.
func (r *Registry) Attributes() []string {
	names := make([]string, 0, len(r.toOption))
	for name := range r.toOption {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
