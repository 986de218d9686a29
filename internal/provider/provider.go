// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/mailgun-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider normalizes the message source and hands the result to the
// target service (Mailgun, SES, Postmark, ...).
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if normalization or delivery fails.
	Send(ctx context.Context, msg email.Message) (*Receipt, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// Receipt describes a message accepted by a provider.
type Receipt struct {
	Provider  string
	MessageID string
	Envelope  email.Envelope

	// Response is the provider's raw answer, when it has one.
	Response string
}
