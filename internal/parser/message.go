package parser

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/shineum/mailgun-relay/internal/email"
)

// Message is a raw RFC 5322 message received with an SMTP envelope. It is
// parsed at most once, on the first call to Normalize or MessageID.
type Message struct {
	raw      []byte
	envelope email.Envelope
	hostname string

	once      sync.Once
	parsed    *email.Email
	err       error
	messageID string
}

// NewMessage wraps raw message data. hostname is used for generated
// Message-IDs.
func NewMessage(raw []byte, envelope email.Envelope, hostname string) *Message {
	if hostname == "" {
		hostname = "localhost"
	}
	return &Message{raw: raw, envelope: envelope, hostname: hostname}
}

// Normalize parses the message. Senders and recipients missing from the
// headers are filled from the envelope; envelope recipients absent from
// every header are delivered as Bcc.
func (m *Message) Normalize(ctx context.Context) (*email.Email, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.once.Do(m.parse)
	if m.err != nil {
		return nil, m.err
	}
	return m.parsed, nil
}

// Envelope returns the SMTP envelope.
func (m *Message) Envelope() email.Envelope {
	return m.envelope
}

// MessageID returns the Message-ID header, or a generated one when the
// message has none.
func (m *Message) MessageID() string {
	m.once.Do(m.parse)
	return m.messageID
}

func (m *Message) parse() {
	msg, err := Parse(m.raw)
	if err != nil {
		m.err = err
		m.messageID = m.generateID()
		return
	}

	if msg.From.IsZero() && m.envelope.From != "" {
		msg.From = email.Address{Address: m.envelope.From}
	}

	listed := lo.Flatten([][]string{
		email.Mailboxes(msg.To),
		email.Mailboxes(msg.Cc),
		email.Mailboxes(msg.Bcc),
	})
	unlisted, _ := lo.Difference(m.envelope.To, listed)
	unlisted = lo.Uniq(unlisted)

	// Envelope recipients missing from the headers become To when the
	// message names no primary recipient, Bcc otherwise.
	if len(msg.To) == 0 {
		msg.To = toAddresses(unlisted)
	} else {
		msg.Bcc = append(msg.Bcc, toAddresses(unlisted)...)
	}

	if msg.MessageID == "" {
		msg.MessageID = m.generateID()
	}
	m.messageID = msg.MessageID
	m.parsed = msg
}

func (m *Message) generateID() string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), m.hostname)
}

func toAddresses(mailboxes []string) []email.Address {
	return lo.Map(mailboxes, func(addr string, _ int) email.Address {
		return email.Address{Address: addr}
	})
}
