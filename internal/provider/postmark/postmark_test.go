package postmark

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/mrz1836/postmark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailgun-relay/internal/email"
	"github.com/shineum/mailgun-relay/internal/provider"
)

type mockClient struct {
	resp  postmark.EmailResponse
	err   error
	calls int
	last  postmark.Email
}

func (m *mockClient) SendEmail(_ context.Context, e postmark.Email) (postmark.EmailResponse, error) {
	m.calls++
	m.last = e
	return m.resp, m.err
}

func sampleEmail() *email.Email {
	return &email.Email{
		From:      email.Address{Name: "Alice", Address: "alice@example.com"},
		To:        []email.Address{{Name: "Bob", Address: "bob@example.com"}, {Address: "carol@example.com"}},
		Bcc:       []email.Address{{Address: "hidden@example.com"}},
		Subject:   "Hello",
		Text:      "plain",
		HTML:      `<img src="cid:logo">`,
		MessageID: "<p1@example.com>",
		Attachments: []email.Attachment{
			{CID: "logo", ContentType: "image/png", Content: []byte("png")},
			{Filename: "a.txt", Content: []byte("6869"), Encoding: "hex"},
		},
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	p, err := New(Config{ServerToken: "token"})
	require.NoError(t, err)
	var _ provider.Provider = p
	assert.Equal(t, "postmark", p.Name())
}

func TestSend(t *testing.T) {
	t.Parallel()

	mock := &mockClient{resp: postmark.EmailResponse{MessageID: "pm-1"}}
	p := NewWithClient(Config{MessageStream: "broadcast"}, mock)

	receipt, err := p.Send(context.Background(), email.Static{Email: sampleEmail()})
	require.NoError(t, err)

	assert.Equal(t, "postmark", receipt.Provider)
	assert.Equal(t, "<p1@example.com>", receipt.MessageID)
	assert.Equal(t, "pm-1", receipt.Response)
	assert.Equal(t, 1, mock.calls)

	got := mock.last
	assert.Equal(t, "Alice <alice@example.com>", got.From)
	assert.Equal(t, "Bob <bob@example.com>,carol@example.com", got.To)
	assert.Empty(t, got.Cc)
	assert.Equal(t, "hidden@example.com", got.Bcc)
	assert.Empty(t, got.ReplyTo)
	assert.Equal(t, "Hello", got.Subject)
	assert.Equal(t, "plain", got.TextBody)
	assert.Equal(t, `<img src="cid:logo">`, got.HTMLBody)
	assert.Equal(t, "broadcast", got.MessageStream)
	assert.Equal(t, []postmark.Header{{Name: "Message-ID", Value: "<p1@example.com>"}}, got.Headers)

	assert.Equal(t, []postmark.Attachment{
		{
			Name:        "logo",
			Content:     base64.StdEncoding.EncodeToString([]byte("png")),
			ContentType: "image/png",
			ContentID:   "cid:logo",
		},
		{
			Name:        "a.txt",
			Content:     base64.StdEncoding.EncodeToString([]byte("hi")),
			ContentType: "application/octet-stream",
		},
	}, got.Attachments)
}

func TestSend_SenderOverride(t *testing.T) {
	t.Parallel()

	mock := &mockClient{}
	p := NewWithClient(Config{Sender: "relay@example.com"}, mock)

	_, err := p.Send(context.Background(), email.Static{Email: &email.Email{
		From: email.Address{Name: "Alice", Address: "alice@example.com"},
		To:   []email.Address{{Address: "bob@example.com"}},
		Text: "hi",
	}})
	require.NoError(t, err)

	assert.Equal(t, "relay@example.com", mock.last.From)
	assert.Equal(t, "Alice <alice@example.com>", mock.last.ReplyTo)
	assert.Nil(t, mock.last.Headers)
}

func TestSend_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		client    *mockClient
		msg       email.Message
		malformed bool
		contains  string
		calls     int
	}{
		{
			name:      "normalize failure",
			client:    &mockClient{},
			msg:       email.Static{},
			malformed: true,
			contains:  "empty message",
		},
		{
			name:   "bad attachment",
			client: &mockClient{},
			msg: email.Static{Email: &email.Email{
				Attachments: []email.Attachment{{Filename: "x", Content: []byte("?"), Encoding: "uuencode"}},
			}},
			malformed: true,
			contains:  "unsupported encoding",
		},
		{
			name:     "transport error",
			client:   &mockClient{err: errors.New("connection reset")},
			msg:      email.Static{Email: sampleEmail()},
			contains: "connection reset",
			calls:    1,
		},
		{
			name:      "inactive recipient",
			client:    &mockClient{resp: postmark.EmailResponse{ErrorCode: 406, Message: "inactive"}},
			msg:       email.Static{Email: sampleEmail()},
			malformed: true,
			contains:  "postmark error: 406 - inactive",
			calls:     1,
		},
		{
			name:     "server side error",
			client:   &mockClient{resp: postmark.EmailResponse{ErrorCode: 100, Message: "maintenance"}},
			msg:      email.Static{Email: sampleEmail()},
			contains: "postmark error: 100 - maintenance",
			calls:    1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewWithClient(Config{}, tt.client).Send(context.Background(), tt.msg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Equal(t, tt.malformed, errors.Is(err, email.ErrMalformed))
			assert.Equal(t, tt.calls, tt.client.calls)
		})
	}
}
