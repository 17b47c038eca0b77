package coap

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

type (
	// Type is the CoAP message type.
	Type = message.Type
	// Code is a CoAP request method or response code.
	Code = codes.Code
	// OptionID is a CoAP option number.
	OptionID = message.OptionID
	// Option is one (number, value) pair. Repeated numbers are legal.
	Option = message.Option
)

// Message types.
const (
	Confirmable     = message.Confirmable
	NonConfirmable  = message.NonConfirmable
	Acknowledgement = message.Acknowledgement
	Reset           = message.Reset
)

// Codes used by the bridge.
const (
	Empty                 = codes.Empty
	GET                   = codes.GET
	POST                  = codes.POST
	PUT                   = codes.PUT
	DELETE                = codes.DELETE
	Created               = codes.Created
	Changed               = codes.Changed
	Content               = codes.Content
	BadRequest            = codes.BadRequest
	NotFound              = codes.NotFound
	MethodNotAllowed      = codes.MethodNotAllowed
	RequestEntityTooLarge = codes.RequestEntityTooLarge
	InternalServerError   = codes.InternalServerError
	ServiceUnavailable    = codes.ServiceUnavailable
)

// Native option numbers used by the bridge.
const (
	URIHost       = message.URIHost
	URIPath       = message.URIPath
	ContentFormat = message.ContentFormat
)

// Class returns the code class: 0 request, 2 success, 4 client error, 5 server error.
func Class(c Code) uint8 {
	return uint8(c>>5) & 0x07
}

// Dotted formats c as class.detail, e.g. 2.04.
func Dotted(c Code) string {
	return fmt.Sprintf("%d.%02d", Class(c), uint8(c)&0x1f)
}
