// Package resend implements a Provider backed by the Resend email API.
package resend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
	"github.com/samber/lo"

	"github.com/shineum/mailgun-relay/internal/email"
	"github.com/shineum/mailgun-relay/internal/provider"
)

// ErrInvalidConfig is returned by New for incomplete configuration.
var ErrInvalidConfig = errors.New("resend: invalid config")

// Config holds the configuration for creating a Provider.
type Config struct {
	APIKey string

	// Sender overrides the From address when set.
	Sender string
}

// EmailSender is the subset of the Resend client used by the provider.
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Provider sends messages through Resend.
type Provider struct {
	client EmailSender
	sender string
}

// New creates a Provider using the Resend HTTP client.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	return NewWithClient(cfg.Sender, resend.NewClient(cfg.APIKey).Emails), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, client EmailSender) *Provider {
	return &Provider{client: client, sender: sender}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "resend"
}

// Send delivers the message.
func (p *Provider) Send(ctx context.Context, msg email.Message) (*provider.Receipt, error) {
	e, err := msg.Normalize(ctx)
	if err != nil {
		return nil, fmt.Errorf("resend: %w", err)
	}

	params, err := p.buildRequest(msg, e)
	if err != nil {
		return nil, fmt.Errorf("resend: %w", err)
	}

	sent, err := p.client.SendWithContext(ctx, params)
	if err != nil {
		slog.Error("resend send failed", "error", err, "message_id", msg.MessageID())
		return nil, fmt.Errorf("resend send failed: %w", err)
	}

	slog.Debug("resend accepted message", "message_id", msg.MessageID(), "resend_id", sent.Id)

	return &provider.Receipt{
		Provider:  p.Name(),
		MessageID: msg.MessageID(),
		Envelope:  msg.Envelope(),
		Response:  sent.Id,
	}, nil
}

func (p *Provider) buildRequest(msg email.Message, e *email.Email) (*resend.SendEmailRequest, error) {
	from := e.From.String()
	if p.sender != "" {
		from = p.sender
	}

	params := &resend.SendEmailRequest{
		From:    from,
		To:      rendered(e.To),
		Cc:      rendered(e.Cc),
		Bcc:     rendered(e.Bcc),
		ReplyTo: email.JoinAddresses(e.ReplyTo),
		Subject: e.Subject,
		Html:    e.HTML,
		Text:    e.Text,
	}
	if params.ReplyTo == "" && p.sender != "" && e.From.Address != p.sender {
		params.ReplyTo = e.From.String()
	}
	if id := msg.MessageID(); id != "" {
		params.Headers = map[string]string{"Message-ID": id}
	}

	for _, att := range e.Attachments {
		content, err := att.Decode()
		if err != nil {
			return nil, err
		}
		params.Attachments = append(params.Attachments, &resend.Attachment{
			Content:     content,
			Filename:    lo.CoalesceOrEmpty(att.Filename, att.CID),
			ContentType: att.ContentType,
		})
	}
	return params, nil
}

func rendered(addrs []email.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	return lo.Map(addrs, func(a email.Address, _ int) string {
		return a.String()
	})
}
