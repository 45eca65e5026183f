// Package transport delivers individual messages through external providers.
//
// Two real transports exist: an SMTP email sender and an HTTP SMS gateway
// client. Both implement Transport, which the dispatcher calls once per
// recipient. A scriptable Mock backs tests.
package transport

import "context"

// Message is one personalized delivery to one recipient.
//
// For SMS, To is an E.164-ish phone number and Text is the body; Subject and
// HTML are ignored. For email, To is an address, and HTML (when non-empty)
// is sent as the body with Text as the plain fallback.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Transport sends one message to one recipient, returning an error on
// delivery failure. Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}
