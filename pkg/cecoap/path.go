package cecoap

import (
	"strings"

	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// PathAggregator carries one attribute over a repeatable path option, one
// option entry per "/"-separated segment.
type PathAggregator struct {
	Attribute string
	Option    coap.OptionID
}

// SubjectOnURIPath carries subject on Uri-Path.
func SubjectOnURIPath() *PathAggregator {
	return &PathAggregator{Attribute: AttributeSubject, Option: coap.URIPath}
}

// Split turns value into path segments, preserving order.
func (a *PathAggregator) Split(value string) [][]byte {
	parts := strings.Split(value, "/")
	segments := make([][]byte, len(parts))
	for i, p := range parts {
		segments[i] = []byte(p)
	}
	return segments
}

// Join reassembles segments in arrival order and strips trailing slashes.
// Segments must already be valid UTF-8.
func (a *PathAggregator) Join(segments []string) string {
	return strings.TrimRight(strings.Join(segments, "/"), "/")
}
