// Package cecoap binds CloudEvents to CoAP option sets.
//
// A CoAP message carries an event in one of two modes:
//
//   - Binary mode: every event attribute travels in its own option and the
//     payload is the event data. Core attributes use the option numbers of a
//     Profile's Registry; datacontenttype always uses Content-Format (12).
//     Extension attributes are named by their decimal option number.
//   - Structured mode: the payload is the JSON event format and the only
//     option is Content-Format set to application/cloudevents+json.
//
// Two deployment profiles are provided as presets. PrivateSubject numbers the
// core attributes from 2048 and carries subject on a private option.
// URIPathSubject numbers them from 4200 and carries subject on Uri-Path,
// one segment per path element.
//
// A Codec pairs a profile with an EncodePolicy. Decoding goes through the
// sdk-go binding machinery:
//
//	codec := cecoap.NewCodec(cecoap.PrivateSubject, cecoap.StrictPolicy())
//	e, err := codec.Decode(ctx, cecoap.OptionsFrom(msg.Options), msg.Payload)
//
// Encoding:
//
//	options, payload, err := codec.EncodeBinary(ctx, e)
//
// Every call is a pure transform over its arguments. Profiles and codecs
// are immutable after construction and safe for concurrent use.
package cecoap
