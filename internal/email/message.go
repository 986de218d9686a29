// Package email defines the core email data model used throughout the relay.
package email

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// ErrMalformed marks a message that can never be delivered as submitted.
// Callers use errors.Is to tell it apart from transient delivery failures.
var ErrMalformed = errors.New("malformed message")

// Address is a mailbox with an optional display name.
type Address struct {
	Name    string
	Address string
}

// String renders the address as "Name <address>", or the bare address
// when no display name is set.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// IsZero reports whether the address has no mailbox.
func (a Address) IsZero() bool {
	return a.Address == ""
}

// JoinAddresses renders every address and joins them with ",".
func JoinAddresses(addrs []Address) string {
	return strings.Join(lo.Map(addrs, func(a Address, _ int) string {
		return a.String()
	}), ",")
}

// Mailboxes returns the bare mailbox of every address.
func Mailboxes(addrs []Address) []string {
	return lo.Map(addrs, func(a Address, _ int) string {
		return a.Address
	})
}

// Email represents a normalized email message with all its components.
type Email struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	ReplyTo     []Address
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
	Headers     map[string][]string
	MessageID   string
}

// HasBody reports whether the message carries a text or an HTML body.
func (e *Email) HasBody() bool {
	return e.Text != "" || e.HTML != ""
}

// Attachment represents a file attached to an email message. Content is
// stored as given and decoded according to Encoding on demand.
type Attachment struct {
	Filename    string
	ContentType string
	CID         string
	Content     []byte
	Encoding    string
}

// Decode returns the raw attachment bytes.
func (a Attachment) Decode() ([]byte, error) {
	switch strings.ToLower(a.Encoding) {
	case "", "binary", "utf8", "utf-8", "ascii", "latin1", "7bit", "8bit":
		return a.Content, nil
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(a.Content))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("%w: attachment %q: invalid base64 content: %w", ErrMalformed, a.name(), err)
			}
		}
		return decoded, nil
	case "hex":
		decoded, err := hex.DecodeString(strings.TrimSpace(string(a.Content)))
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %q: invalid hex content: %w", ErrMalformed, a.name(), err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: attachment %q: unsupported encoding %q", ErrMalformed, a.name(), a.Encoding)
	}
}

func (a Attachment) name() string {
	if a.Filename != "" {
		return a.Filename
	}
	return a.CID
}

// Envelope is the SMTP-level addressing of a message, distinct from its headers.
type Envelope struct {
	From string
	To   []string
}

// Message is a message source that can be normalized on demand.
// Normalize may be called once per delivery; the returned Email must not be
// modified by the caller.
type Message interface {
	Normalize(ctx context.Context) (*Email, error)
	Envelope() Envelope
	MessageID() string
}

// Static wraps an already-normalized Email as a Message.
type Static struct {
	Email *Email
}

// Normalize returns the wrapped Email.
func (s Static) Normalize(context.Context) (*Email, error) {
	if s.Email == nil {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	return s.Email, nil
}

// Envelope derives the envelope from the message headers.
func (s Static) Envelope() Envelope {
	if s.Email == nil {
		return Envelope{}
	}
	rcpts := lo.Uniq(lo.Flatten([][]string{
		Mailboxes(s.Email.To),
		Mailboxes(s.Email.Cc),
		Mailboxes(s.Email.Bcc),
	}))
	return Envelope{From: s.Email.From.Address, To: rcpts}
}

// MessageID returns the Message-ID of the wrapped Email.
func (s Static) MessageID() string {
	if s.Email == nil {
		return ""
	}
	return s.Email.MessageID
}
