package ses

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailgun-relay/internal/email"
	"github.com/shineum/mailgun-relay/internal/parser"
	"github.com/shineum/mailgun-relay/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

// newTestProvider returns a Provider whose retries do not sleep.
func newTestProvider(mock *mockSESClient) *Provider {
	p := NewWithClient("sender@example.com", mock)
	p.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(maxRetries, retry.NewConstant(time.Millisecond))
	}
	return p
}

func addrs(mailboxes ...string) []email.Address {
	out := make([]email.Address, 0, len(mailboxes))
	for _, m := range mailboxes {
		out = append(out, email.Address{Address: m})
	}
	return out
}

func TestName(t *testing.T) {
	t.Parallel()

	var p provider.Provider = NewWithClient("sender@example.com", &mockSESClient{})
	assert.Equal(t, "ses", p.Name())
}

func TestSend_SimpleTextEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	msg := email.Static{Email: &email.Email{
		From:      email.Address{Address: "sender@example.com"},
		To:        addrs("to@example.com"),
		Subject:   "Test Subject",
		Text:      "Hello, World!",
		MessageID: "<m1@example.com>",
	}}

	receipt, err := newTestProvider(mock).Send(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, &provider.Receipt{
		Provider:  "ses",
		MessageID: "<m1@example.com>",
		Envelope:  email.Envelope{From: "sender@example.com", To: []string{"to@example.com"}},
		Response:  "test-message-id",
	}, receipt)
	assert.Equal(t, 1, mock.callCount)

	input := mock.lastInput
	require.NotNil(t, input.Content.Simple)
	assert.Equal(t, "sender@example.com", aws.ToString(input.FromEmailAddress))
	assert.Empty(t, input.ReplyToAddresses, "sender is the author")
	assert.Equal(t, "Test Subject", aws.ToString(input.Content.Simple.Subject.Data))
	assert.Equal(t, "Hello, World!", aws.ToString(input.Content.Simple.Body.Text.Data))
	assert.Nil(t, input.Content.Simple.Body.Html)
}

func TestBuildSimpleInput(t *testing.T) {
	t.Parallel()

	input := buildSimpleInput("relay@example.com", &email.Email{
		From:    email.Address{Name: "Alice", Address: "alice@example.com"},
		To:      []email.Address{{Name: "Bob", Address: "bob@example.com"}, {Address: "to2@example.com"}},
		Cc:      addrs("cc@example.com"),
		Bcc:     addrs("bcc@example.com"),
		Subject: "Test",
		Text:    "text",
		HTML:    "<p>html</p>",
	})

	assert.Equal(t, "relay@example.com", aws.ToString(input.FromEmailAddress))
	assert.Equal(t, []string{"Alice <alice@example.com>"}, input.ReplyToAddresses)
	assert.Equal(t, []string{"Bob <bob@example.com>", "to2@example.com"}, input.Destination.ToAddresses)
	assert.Equal(t, []string{"cc@example.com"}, input.Destination.CcAddresses)
	assert.Equal(t, []string{"bcc@example.com"}, input.Destination.BccAddresses)
	require.NotNil(t, input.Content.Simple.Body.Html)
	require.NotNil(t, input.Content.Simple.Body.Text)
	assert.Equal(t, "UTF-8", aws.ToString(input.Content.Simple.Body.Html.Charset))
	assert.Equal(t, "<p>html</p>", aws.ToString(input.Content.Simple.Body.Html.Data))
}

func TestBuildSimpleInput_ExplicitReplyTo(t *testing.T) {
	t.Parallel()

	input := buildSimpleInput("relay@example.com", &email.Email{
		From:    email.Address{Address: "alice@example.com"},
		ReplyTo: addrs("support@example.com"),
	})
	assert.Equal(t, []string{"support@example.com"}, input.ReplyToAddresses)
}

func TestSend_WithAttachments(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	msg := email.Static{Email: &email.Email{
		From:    email.Address{Address: "sender@example.com"},
		To:      addrs("to@example.com"),
		Bcc:     addrs("hidden@example.com"),
		Subject: "With Attachment",
		Text:    "See attachment",
		Attachments: []email.Attachment{
			{Filename: "test.txt", ContentType: "text/plain", Content: []byte("ZmlsZSBjb250ZW50"), Encoding: "base64"},
		},
	}}

	_, err := newTestProvider(mock).Send(context.Background(), msg)
	require.NoError(t, err)

	input := mock.lastInput
	require.NotNil(t, input.Content.Raw)
	assert.Nil(t, input.Content.Simple)
	assert.Equal(t, []string{"to@example.com", "hidden@example.com"}, input.Destination.ToAddresses)

	raw := string(input.Content.Raw.Data)
	assert.Contains(t, raw, "From: sender@example.com\r\n")
	assert.Contains(t, raw, "To: to@example.com\r\n")
	assert.NotContains(t, raw, "hidden@example.com", "bcc stays out of the headers")

	parsed, err := parser.Parse(input.Content.Raw.Data)
	require.NoError(t, err)
	assert.Equal(t, "With Attachment", parsed.Subject)
	assert.Equal(t, "See attachment", parsed.Text)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "test.txt", parsed.Attachments[0].Filename)
	assert.Equal(t, "file content", string(parsed.Attachments[0].Content))
}

func TestBuildRawMessage(t *testing.T) {
	t.Parallel()

	raw, err := buildRawMessage("sender@example.com", &email.Email{
		From:      email.Address{Name: "Doe, Jane", Address: "jane@example.com"},
		To:        addrs("to@example.com"),
		Cc:        addrs("cc@example.com"),
		Subject:   "Raw Test",
		Text:      "text body",
		MessageID: "<msg-123@example.com>",
		Attachments: []email.Attachment{
			{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("pdf content")},
		},
	})
	require.NoError(t, err)

	s := string(raw)
	for _, want := range []string{
		"From: sender@example.com\r\n",
		"Reply-To: \"Doe, Jane\" <jane@example.com>\r\n",
		"To: to@example.com\r\n",
		"Cc: cc@example.com\r\n",
		"Subject: Raw Test\r\n",
		"Message-ID: <msg-123@example.com>\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: multipart/mixed; boundary=",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=doc.pdf",
		"Content-Transfer-Encoding: base64",
	} {
		assert.Contains(t, s, want)
	}
}

func TestBuildRawMessage_InlineImages(t *testing.T) {
	t.Parallel()

	raw, err := buildRawMessage("sender@example.com", &email.Email{
		To:      addrs("to@example.com"),
		Subject: "Newsletter",
		Text:    "plain",
		HTML:    `<img src="cid:logo">`,
		Attachments: []email.Attachment{
			{CID: "logo", ContentType: "image/png", Content: []byte{0x89, 'P', 'N', 'G'}},
			{Filename: "terms.pdf", ContentType: "application/pdf", Content: []byte("%PDF")},
		},
	})
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, "multipart/alternative")
	assert.Contains(t, s, "multipart/related")
	assert.Contains(t, s, "Content-Id: <logo>")
	assert.Contains(t, s, "Content-Disposition: inline\r\n")

	parsed, err := parser.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain", parsed.Text)
	assert.Equal(t, `<img src="cid:logo">`, parsed.HTML)
	require.Len(t, parsed.Attachments, 2)
	assert.Equal(t, "logo", parsed.Attachments[0].CID)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, parsed.Attachments[0].Content)
	assert.Equal(t, "terms.pdf", parsed.Attachments[1].Filename)
}

func TestBuildRawMessage_DecodeError(t *testing.T) {
	t.Parallel()

	_, err := buildRawMessage("sender@example.com", &email.Email{
		Text:        "x",
		Attachments: []email.Attachment{{Filename: "bad.bin", Content: []byte("zz"), Encoding: "hex"}},
	})
	assert.ErrorIs(t, err, email.ErrMalformed)
}

func TestSend_RetryOnError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	mock.sendFn = func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
		if mock.callCount <= 2 {
			return nil, errors.New("transient error")
		}
		return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
	}

	receipt, err := newTestProvider(mock).Send(context.Background(), email.Static{Email: &email.Email{Text: "Hello"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", receipt.Response)
	assert.Equal(t, 3, mock.callCount)
}

func TestSend_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}

	_, err := newTestProvider(mock).Send(context.Background(), email.Static{Email: &email.Email{Text: "Hello"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Contains(t, err.Error(), "persistent error")
	assert.NotErrorIs(t, err, email.ErrMalformed)
	// 1 initial + 3 retries
	assert.Equal(t, 4, mock.callCount)
}

func TestSend_RejectedIsPermanent(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, &types.MessageRejected{Message: aws.String("Email address is not verified")}
		},
	}

	_, err := newTestProvider(mock).Send(context.Background(), email.Static{Email: &email.Email{Text: "Hello"}})
	require.ErrorIs(t, err, email.ErrMalformed)
	var rejected *types.MessageRejected
	assert.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, mock.callCount)
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestProvider(mock).Send(ctx, email.Static{Email: &email.Email{Text: "Hello"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, mock.callCount)
}

func TestSend_NormalizeError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	_, err := newTestProvider(mock).Send(context.Background(), email.Static{})
	require.ErrorIs(t, err, email.ErrMalformed)
	assert.Zero(t, mock.callCount)
}

func TestEncodeBase64WithLineBreaks(t *testing.T) {
	t.Parallel()

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	lines := strings.Split(encodeBase64WithLineBreaks(data), "\r\n")
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], 76)
	assert.Len(t, lines[1], 136-76)
	assert.Empty(t, encodeBase64WithLineBreaks(nil))
}

func TestDefaultBackoff(t *testing.T) {
	t.Parallel()

	b := defaultBackoff()
	for _, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		got, stop := b.Next()
		require.False(t, stop)
		assert.Equal(t, want, got)
	}
	_, stop := b.Next()
	assert.True(t, stop)
}
