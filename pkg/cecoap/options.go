package cecoap

import (
	"sort"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// Options maps an option number to its values in arrival order.
type Options map[coap.OptionID][][]byte

// OptionsFrom groups an ordered option list by number.
func OptionsFrom(list []coap.Option) Options {
	o := make(Options, len(list))
	for _, opt := range list {
		o.Add(opt.ID, opt.Value)
	}
	return o
}

// Add appends a value for id.
func (o Options) Add(id coap.OptionID, value []byte) {
	o[id] = append(o[id], value)
}

// Set replaces all values for id with value.
func (o Options) Set(id coap.OptionID, value []byte) {
	o[id] = [][]byte{value}
}

// SetString replaces all values for id with s.
func (o Options) SetString(id coap.OptionID, s string) {
	o.Set(id, []byte(s))
}

// Get returns the first value for id.
func (o Options) Get(id coap.OptionID) ([]byte, bool) {
	values := o[id]
	if len(values) == 0 {
		return nil, false
	}
	return values[0], true
}

// Values returns every value for id.
func (o Options) Values(id coap.OptionID) [][]byte {
	return o[id]
}

// Has reports whether at least one value is present for id.
func (o Options) Has(id coap.OptionID) bool {
	return len(o[id]) > 0
}

// Del removes id.
func (o Options) Del(id coap.OptionID) {
	delete(o, id)
}

// IDs returns the option numbers present, ascending.
func (o Options) IDs() []coap.OptionID {
	ids := make([]coap.OptionID, 0, len(o))
	for id, values := range o {
		if len(values) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	c := make(Options, len(o))
	for id, values := range o {
		cp := make([][]byte, len(values))
		for i, v := range values {
			cp[i] = append([]byte(nil), v...)
		}
		c[id] = cp
	}
	return c
}

// List flattens the set into ascending option order, keeping the order of
// repeated values.
func (o Options) List() []coap.Option {
	var list []coap.Option
	for _, id := range o.IDs() {
		for _, v := range o[id] {
			list = append(list, coap.Option{ID: id, Value: v})
		}
	}
	return list
}
