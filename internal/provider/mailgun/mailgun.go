// Package mailgun implements a Provider that submits messages to the Mailgun
// messages API as multipart forms.
package mailgun

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/mailgun-relay/internal/email"
	"github.com/shineum/mailgun-relay/internal/httpform"
	"github.com/shineum/mailgun-relay/internal/provider"
)

// ErrCorruptedMessage is returned when inline images must be matched
// against the body but the message has neither a text nor an HTML body.
var ErrCorruptedMessage = fmt.Errorf("%w: the email data is corrupted: no text or html body", email.ErrMalformed)

// Info describes a message accepted by Mailgun.
type Info struct {
	Envelope  email.Envelope
	MessageID string

	// Message is the form that was submitted.
	Message *httpform.Form

	// Response is the raw body returned by the API.
	Response string
}

// DoneFunc receives the outcome of SendMail. Exactly one of err and info
// is non-nil.
type DoneFunc func(err error, info *Info)

// Transport turns messages into Mailgun form submissions. It holds only
// configuration resolved at construction and is safe for concurrent use.
type Transport struct {
	connection Connection
	request    httpform.Request
	client     *httpform.Client
	classifier *Classifier
}

// New creates a Transport. The connection strategy and request parameters
// are resolved once here and reused for every send.
func New(cfg Config) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := []httpform.Option{httpform.WithTimeout(cfg.Timeout)}
	if len(cfg.AcceptedStatus) > 0 {
		opts = append(opts, httpform.WithAcceptedStatus(cfg.AcceptedStatus...))
	}

	return newWithClient(cfg, httpform.NewClient(opts...)), nil
}

// newWithClient creates a Transport with a custom form client, used for
// testing. cfg must already be validated. The classifier is copied, so later
// changes to the caller's value do not reach the Transport.
func newWithClient(cfg Config, client *httpform.Client) *Transport {
	conn := cfg.Resolve()
	req := conn.request(cfg.Hostname, targetPath(cfg.Domain))
	req.Username = "api"
	req.Password = cfg.APIKey

	return &Transport{
		connection: conn,
		request:    req,
		client:     client,
		classifier: cfg.Classifier.clone(),
	}
}

// Name returns the provider name.
func (t *Transport) Name() string {
	return "mailgun"
}

// Connection returns the resolved connection strategy.
func (t *Transport) Connection() Connection {
	return t.connection
}

// Request returns a copy of the request parameters used for every send.
func (t *Transport) Request() httpform.Request {
	return t.request
}

// SendMail delivers msg and reports the outcome to done. The work runs on
// its own goroutine, so done is never called from within SendMail.
func (t *Transport) SendMail(ctx context.Context, msg email.Message, done DoneFunc) {
	go func() {
		info, err := t.Deliver(ctx, msg)
		if err != nil {
			done(err, nil)
			return
		}
		done(nil, info)
	}()
}

// Send implements provider.Provider on top of SendMail.
func (t *Transport) Send(ctx context.Context, msg email.Message) (*provider.Receipt, error) {
	type result struct {
		info *Info
		err  error
	}

	ch := make(chan result, 1)
	t.SendMail(ctx, msg, func(err error, info *Info) {
		ch <- result{info: info, err: err}
	})

	res := <-ch
	if res.err != nil {
		return nil, res.err
	}

	return &provider.Receipt{
		Provider:  t.Name(),
		MessageID: res.info.MessageID,
		Envelope:  res.info.Envelope,
		Response:  res.info.Response,
	}, nil
}

// Deliver normalizes msg, builds the form and submits it with exactly one
// request. Normalization errors are returned unchanged.
func (t *Transport) Deliver(ctx context.Context, msg email.Message) (*Info, error) {
	data, err := msg.Normalize(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrCorruptedMessage
	}

	form, err := t.BuildForm(data)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Submit(ctx, t.request, form)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Envelope:  msg.Envelope(),
		MessageID: msg.MessageID(),
		Message:   form,
		Response:  resp,
	}

	slog.Debug("mailgun accepted message",
		"message_id", info.MessageID,
		"recipients", len(info.Envelope.To),
	)

	return info, nil
}

// BuildForm converts a normalized message into the Mailgun form: addresses,
// then subject/text/html, then inline images, then ordinary attachments.
func (t *Transport) BuildForm(data *email.Email) (*httpform.Form, error) {
	var refs CIDSet
	if t.classifier.NeedsBody {
		if !data.HasBody() {
			return nil, ErrCorruptedMessage
		}
		refs = ReferencedCIDs(data.Text, data.HTML)
	}

	inline, ordinary := t.classifier.Partition(data.Attachments, refs)

	form := httpform.New()
	appendAddresses(form, data)
	appendContent(form, data)
	if err := appendImages(form, inline); err != nil {
		return nil, err
	}
	if err := appendAttachments(form, ordinary); err != nil {
		return nil, err
	}
	return form, nil
}

// addressFields lists the address roles in form order with their field names.
var addressFields = []struct {
	name  string
	value func(*email.Email) []email.Address
}{
	{name: "from", value: func(m *email.Email) []email.Address {
		if m.From.IsZero() {
			return nil
		}
		return []email.Address{m.From}
	}},
	{name: "to", value: func(m *email.Email) []email.Address { return m.To }},
	{name: "cc", value: func(m *email.Email) []email.Address { return m.Cc }},
	{name: "bcc", value: func(m *email.Email) []email.Address { return m.Bcc }},
	{name: "h:Reply-To", value: func(m *email.Email) []email.Address { return m.ReplyTo }},
}

func appendAddresses(form *httpform.Form, data *email.Email) {
	for _, field := range addressFields {
		addrs := field.value(data)
		if len(addrs) == 0 {
			continue
		}
		form.Append(field.name, email.JoinAddresses(addrs))
	}
}

func appendContent(form *httpform.Form, data *email.Email) {
	for _, field := range []struct{ name, value string }{
		{"subject", data.Subject},
		{"text", data.Text},
		{"html", data.HTML},
	} {
		if field.value == "" {
			continue
		}
		form.Append(field.name, field.value)
	}
}

func appendImages(form *httpform.Form, atts []email.Attachment) error {
	for _, att := range atts {
		if err := appendFile(form, "inline", att.CID, att); err != nil {
			return err
		}
	}
	return nil
}

func appendAttachments(form *httpform.Form, atts []email.Attachment) error {
	for _, att := range atts {
		filename := att.Filename
		if filename == "" {
			filename = att.CID
		}
		if err := appendFile(form, "attachment", filename, att); err != nil {
			return err
		}
	}
	return nil
}

func appendFile(form *httpform.Form, field, filename string, att email.Attachment) error {
	data, err := att.Decode()
	if err != nil {
		return err
	}
	form.AppendFile(field, data, httpform.FileOptions{
		Filename:    filename,
		ContentType: att.ContentType,
		KnownLength: len(data),
	})
	return nil
}
