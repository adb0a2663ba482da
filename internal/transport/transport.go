// Package transport defines the contract that email delivery backends
// implement so the relay can hand them composed messages.
package transport

import (
	"context"
	"net/http"

	"github.com/shineum/mailjet-relay/internal/email"
)

// Transport delivers composed messages to a backend service.
type Transport interface {
	// IsStarted reports whether the transport is ready to send.
	IsStarted() bool

	// Start prepares the transport for sending.
	Start() bool

	// Stop releases whatever Start acquired.
	Stop() bool

	// Send delivers msg with a single request to the backend. The returned
	// response is the backend's raw HTTP response when the backend speaks
	// HTTP, and nil otherwise; callers must close a non-nil body.
	//
	// failedRecipients receives addresses the backend rejected individually.
	// None of the transports in this module can tell which recipients
	// failed, so they leave it untouched.
	Send(ctx context.Context, msg *email.Message, failedRecipients *[]string) (*http.Response, error)

	// RegisterPlugin attaches a listener for transport events.
	RegisterPlugin(p Plugin)

	// Name returns the human-readable name of the transport.
	Name() string
}

// Event describes something that happened inside a transport.
type Event struct {
	Transport string
	Message   *email.Message
	Err       error
}

// Plugin listens for transport events.
type Plugin interface {
	TransportEvent(Event)
}
