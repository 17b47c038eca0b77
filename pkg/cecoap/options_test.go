package cecoap

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

func TestOptionsFromAndList(t *testing.T) {
	list := []coap.Option{
		{ID: 2049, Value: []byte("urn:x")},
		{ID: coap.URIPath, Value: []byte("a")},
		{ID: coap.ContentFormat, Value: []byte("text/plain")},
		{ID: coap.URIPath, Value: []byte("b")},
	}

	o := OptionsFrom(list)

	if diff := cmp.Diff([]coap.OptionID{coap.URIPath, coap.ContentFormat, 2049}, o.IDs()); diff != "" {
		t.Errorf("IDs() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{[]byte("a"), []byte("b")}, o.Values(coap.URIPath)); diff != "" {
		t.Errorf("Values(Uri-Path) mismatch (-want +got):\n%s", diff)
	}

	want := []coap.Option{
		{ID: coap.URIPath, Value: []byte("a")},
		{ID: coap.URIPath, Value: []byte("b")},
		{ID: coap.ContentFormat, Value: []byte("text/plain")},
		{ID: 2049, Value: []byte("urn:x")},
	}
	if diff := cmp.Diff(want, o.List()); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestOptionsAccessors(t *testing.T) {
	o := Options{}

	if _, ok := o.Get(2048); ok {
		t.Error("Get on empty options reported a value")
	}

	o.Add(2048, []byte("one"))
	o.Add(2048, []byte("two"))
	if v, ok := o.Get(2048); !ok || string(v) != "one" {
		t.Errorf("Get(2048) = %q, %v, want %q, true", v, ok, "one")
	}

	o.SetString(2048, "three")
	if got := len(o.Values(2048)); got != 1 {
		t.Errorf("len(Values(2048)) after Set = %d, want 1", got)
	}

	c := o.Clone()
	c[2048][0][0] = 'X'
	if v, _ := o.Get(2048); string(v) != "three" {
		t.Errorf("Clone shares storage: original now %q", v)
	}

	o.Del(2048)
	if o.Has(2048) {
		t.Error("Has(2048) = true after Del")
	}
	if len(o.IDs()) != 0 {
		t.Errorf("IDs() = %v after Del, want empty", o.IDs())
	}
}

func TestPathAggregator(t *testing.T) {
	a := SubjectOnURIPath()

	tests := []struct {
		value    string
		segments []string
		joined   string
	}{
		{"a/b/c", []string{"a", "b", "c"}, "a/b/c"},
		{"single", []string{"single"}, "single"},
		{"a/b/", []string{"a", "b", ""}, "a/b"},
		{"/lead", []string{"", "lead"}, "/lead"},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			split := a.Split(tt.value)
			got := make([]string, len(split))
			for i, s := range split {
				got[i] = string(s)
			}
			if diff := cmp.Diff(tt.segments, got); diff != "" {
				t.Errorf("Split(%q) mismatch (-want +got):\n%s", tt.value, diff)
			}
			if joined := a.Join(got); joined != tt.joined {
				t.Errorf("Join(%v) = %q, want %q", got, joined, tt.joined)
			}
		})
	}
}
