// Package postmark implements a Provider backed by the Postmark
// transactional email API.
package postmark

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mrz1836/postmark"
	"github.com/samber/lo"

	"github.com/shineum/mailgun-relay/internal/email"
	"github.com/shineum/mailgun-relay/internal/provider"
)

// ErrInvalidConfig is returned by New for incomplete configuration.
var ErrInvalidConfig = errors.New("postmark: invalid config")

// Postmark API error codes that no retry can fix.
const (
	codeInvalidRequest    = 300
	codeInactiveRecipient = 406
)

// Config holds the configuration for creating a Provider.
type Config struct {
	ServerToken string

	// MessageStream selects the Postmark stream; empty uses "outbound".
	MessageStream string

	// Sender overrides the From address when set.
	Sender string
}

// EmailSender is the subset of the Postmark client used by the provider.
type EmailSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// Provider sends messages through Postmark.
type Provider struct {
	client EmailSender
	config Config
}

// New creates a Provider using the Postmark HTTP client.
func New(cfg Config) (*Provider, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: server token is required", ErrInvalidConfig)
	}
	return NewWithClient(cfg, postmark.NewClient(cfg.ServerToken, "")), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(cfg Config, client EmailSender) *Provider {
	return &Provider{client: client, config: cfg}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "postmark"
}

// Send delivers the message. Attachments with a Content-ID are sent as
// inline parts.
func (p *Provider) Send(ctx context.Context, msg email.Message) (*provider.Receipt, error) {
	e, err := msg.Normalize(ctx)
	if err != nil {
		return nil, fmt.Errorf("postmark: %w", err)
	}

	req, err := p.buildEmail(msg, e)
	if err != nil {
		return nil, fmt.Errorf("postmark: %w", err)
	}

	resp, err := p.client.SendEmail(ctx, req)
	if err != nil {
		return nil, errors.Join(errors.New("postmark: failed to send email"), err)
	}
	if resp.ErrorCode > 0 {
		apiErr := fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
		if resp.ErrorCode == codeInvalidRequest || resp.ErrorCode == codeInactiveRecipient {
			return nil, fmt.Errorf("postmark: %w: %w", email.ErrMalformed, apiErr)
		}
		return nil, fmt.Errorf("postmark: %w", apiErr)
	}

	slog.Debug("postmark accepted message",
		"message_id", msg.MessageID(),
		"postmark_id", resp.MessageID,
	)

	return &provider.Receipt{
		Provider:  p.Name(),
		MessageID: msg.MessageID(),
		Envelope:  msg.Envelope(),
		Response:  resp.MessageID,
	}, nil
}

func (p *Provider) buildEmail(msg email.Message, e *email.Email) (postmark.Email, error) {
	from := e.From.String()
	if p.config.Sender != "" {
		from = p.config.Sender
	}

	req := postmark.Email{
		From:          from,
		To:            email.JoinAddresses(e.To),
		Cc:            email.JoinAddresses(e.Cc),
		Bcc:           email.JoinAddresses(e.Bcc),
		ReplyTo:       email.JoinAddresses(e.ReplyTo),
		Subject:       e.Subject,
		TextBody:      e.Text,
		HTMLBody:      e.HTML,
		MessageStream: p.config.MessageStream,
	}
	if req.ReplyTo == "" && p.config.Sender != "" && e.From.Address != p.config.Sender {
		req.ReplyTo = e.From.String()
	}
	if id := msg.MessageID(); id != "" {
		req.Headers = []postmark.Header{{Name: "Message-ID", Value: id}}
	}

	for _, att := range e.Attachments {
		content, err := att.Decode()
		if err != nil {
			return postmark.Email{}, err
		}
		req.Attachments = append(req.Attachments, postmark.Attachment{
			Name:        lo.CoalesceOrEmpty(att.Filename, att.CID),
			Content:     base64.StdEncoding.EncodeToString(content),
			ContentType: lo.CoalesceOrEmpty(att.ContentType, "application/octet-stream"),
			ContentID:   contentID(att.CID),
		})
	}
	return req, nil
}

func contentID(cid string) string {
	if cid == "" {
		return ""
	}
	return "cid:" + cid
}
