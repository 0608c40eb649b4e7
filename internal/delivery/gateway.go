// Package delivery sends rendered OTP messages to users.
//
// The core only sees the Gateway interface and a binary outcome. Concrete
// transports (development log, SMTP relay, the Resend HTTP API, a NATS subject
// consumed by an external mailer) are interchangeable deployment details.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

// ErrSendFailed wraps every transport-level failure so callers never depend on
// provider specific error values.
var ErrSendFailed = errors.New("delivery failed")

// Message is a provider-agnostic email payload.
type Message struct {
	To       string `json:"to"`
	From     string `json:"from,omitempty"`
	Subject  string `json:"subject"`
	TextBody string `json:"text_body"`
	HTMLBody string `json:"html_body,omitempty"`
}

// Gateway makes one delivery attempt per Send call. It does not retry.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, msg Message) error

func (f GatewayFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

func sendFailed(transport string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrSendFailed, transport, err)
}
