// Package stdout implements a Provider that prints emails instead of
// delivering them. It is the fallback when no delivery service is
// configured.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/shineum/mailgun-relay/internal/email"
	"github.com/shineum/mailgun-relay/internal/provider"
)

const rule = "========================================\n"

// Provider prints email messages in a human-readable format.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the normalized message. Only normalization and write
// failures are reported.
func (p *Provider) Send(ctx context.Context, msg email.Message) (*provider.Receipt, error) {
	e, err := msg.Normalize(ctx)
	if err != nil {
		return nil, fmt.Errorf("stdout: %w", err)
	}

	var b strings.Builder
	b.WriteString(rule)
	fmt.Fprintf(&b, "Message-ID: %s\n", msg.MessageID())
	fmt.Fprintf(&b, "From: %s\n", e.From)
	fmt.Fprintf(&b, "To: %s\n", joinList(e.To))
	for _, h := range []struct {
		name  string
		addrs []email.Address
	}{
		{"Cc", e.Cc},
		{"Bcc", e.Bcc},
		{"Reply-To", e.ReplyTo},
	} {
		if len(h.addrs) > 0 {
			fmt.Fprintf(&b, "%s: %s\n", h.name, joinList(h.addrs))
		}
	}
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	b.WriteString("Body:\n")

	body := e.Text
	if body == "" {
		body = e.HTML
	}
	b.WriteString(body + "\n")

	if len(e.Attachments) > 0 {
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(lo.Map(e.Attachments, describe), ", "))
	}
	b.WriteString(rule)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return nil, fmt.Errorf("stdout: failed to write message: %w", err)
	}

	return &provider.Receipt{
		Provider:  p.Name(),
		MessageID: msg.MessageID(),
		Envelope:  msg.Envelope(),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func joinList(addrs []email.Address) string {
	return strings.Join(lo.Map(addrs, func(a email.Address, _ int) string {
		return a.String()
	}), ", ")
}

func describe(att email.Attachment, _ int) string {
	name := att.Filename
	if name == "" {
		name = "cid:" + att.CID
	} else if att.CID != "" {
		name += " cid:" + att.CID
	}
	return fmt.Sprintf("%s (%s)", name, formatSize(len(att.Content)))
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
