// Package coap adapts the go-coap v3 message model and UDP coder to the
// bridge.
//
// Option values are kept as raw bytes. Decoding accepts a Content-Format
// option that carries a media-type string, as the CloudEvents binding in
// package cecoap expects.
//
// Example:
//
//	msg := &coap.Message{
//		Type:      coap.NonConfirmable,
//		Code:      coap.POST,
//		MessageID: 42,
//	}
//	msg.AddOption(coap.URIPath, []byte("events"))
//	msg.Payload = []byte("hello")
//
//	datagram, err := msg.MarshalBinary()
//	if err != nil {
//		return err
//	}
package coap
