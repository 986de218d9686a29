package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailgun-relay/internal/email"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParsePlainTextEmail(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: Sender <sender@example.com>",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	))
	require.NoError(t, err)

	assert.Equal(t, email.Address{Name: "Sender", Address: "sender@example.com"}, msg.From)
	assert.Equal(t, []email.Address{{Address: "recipient@example.com"}}, msg.To)
	assert.Equal(t, "Test Subject", msg.Subject)
	assert.Equal(t, "<test123@example.com>", msg.MessageID)
	assert.Equal(t, "Hello, this is a plain text email.", msg.Text)
	assert.Empty(t, msg.HTML)
	assert.Empty(t, msg.Attachments)
}

func TestParseHTMLOnly(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: sender@example.com",
		"Content-Type: text/html; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"<p>caf=C3=A9</p>",
	))
	require.NoError(t, err)
	assert.Equal(t, "<p>café</p>", msg.HTML)
	assert.Empty(t, msg.Text)
}

func TestParseAddressesWithNames(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: \"Acme Billing\" <billing@acme.test>",
		"To: Alice <alice@example.com>, bob@example.com",
		"Cc: carol@example.com",
		"Reply-To: Support <help@acme.test>",
		"Subject: =?UTF-8?B?SGVsbG8gd29ybGQ=?=",
		"",
		"body",
	))
	require.NoError(t, err)

	assert.Equal(t, "Acme Billing <billing@acme.test>", msg.From.String())
	assert.Equal(t, "Alice <alice@example.com>,bob@example.com", email.JoinAddresses(msg.To))
	assert.Equal(t, []email.Address{{Address: "carol@example.com"}}, msg.Cc)
	assert.Equal(t, []email.Address{{Name: "Support", Address: "help@acme.test"}}, msg.ReplyTo)
	assert.Equal(t, "Hello world", msg.Subject)
}

func TestParseMultipartTextAndHTML(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: sender@example.com",
		"To: alice@example.com, bob@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html",
		"Content-Disposition: inline",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	))
	require.NoError(t, err)

	require.Len(t, msg.To, 2)
	assert.Equal(t, "Plain text body", msg.Text)
	assert.Equal(t, "<html><body><p>HTML body</p></body></html>", msg.HTML)
	assert.Empty(t, msg.Attachments)
}

func TestParseEmailWithAttachments(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: With Attachment",
		"Content-Type: multipart/mixed; boundary=mixedboundary",
		"",
		"--mixedboundary",
		"Content-Type: text/plain",
		"",
		"Email body text",
		"--mixedboundary",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVs",
		"bG8g",
		"V29ybGQ=",
		"--mixedboundary--",
	))
	require.NoError(t, err)

	assert.Equal(t, "Email body text", msg.Text)
	require.Len(t, msg.Attachments, 1)

	att := msg.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Empty(t, att.CID)
	assert.Empty(t, att.Encoding)
	assert.Equal(t, "Hello World", string(att.Content))
}

func TestParseInlineImage(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: sender@example.com",
		"To: recipient@example.com",
		"Content-Type: multipart/related; boundary=rel",
		"",
		"--rel",
		"Content-Type: text/html",
		"",
		"<img src=\"cid:logo1\">",
		"--rel",
		"Content-Type: image/png",
		"Content-ID: <logo1>",
		"Content-Disposition: inline",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--rel--",
	))
	require.NoError(t, err)

	assert.Equal(t, `<img src="cid:logo1">`, msg.HTML)
	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "logo1", att.CID)
	assert.Empty(t, att.Filename)
	assert.Equal(t, "image/png", att.ContentType)
	assert.Len(t, att.Content, 8)
}

func TestParseMalformedMIME(t *testing.T) {
	t.Parallel()

	t.Run("completely invalid message", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("not a valid email at all\x00\x01\x02"))
		require.Error(t, err)
		assert.ErrorIs(t, err, email.ErrMalformed)
	})

	t.Run("missing content type defaults to text/plain", func(t *testing.T) {
		t.Parallel()
		msg, err := Parse(crlf(
			"From: sender@example.com",
			"Subject: No Content Type",
			"",
			"Body without content type header",
		))
		require.NoError(t, err)
		assert.Equal(t, "Body without content type header", msg.Text)
	})

	t.Run("multipart missing boundary", func(t *testing.T) {
		t.Parallel()
		_, err := Parse(crlf(
			"From: sender@example.com",
			"Content-Type: multipart/mixed",
			"",
			"some body",
		))
		assert.ErrorIs(t, err, email.ErrMalformed)
	})

	t.Run("undecodable attachment", func(t *testing.T) {
		t.Parallel()
		_, err := Parse(crlf(
			"From: sender@example.com",
			"Content-Type: multipart/mixed; boundary=b1",
			"",
			"--b1",
			"Content-Type: text/plain",
			"",
			"Body",
			"--b1",
			"Content-Type: application/pdf",
			"Content-Disposition: attachment; filename=\"doc.pdf\"",
			"Content-Transfer-Encoding: base64",
			"",
			"!!!not base64!!!",
			"--b1--",
		))
		require.Error(t, err)
		assert.ErrorIs(t, err, email.ErrMalformed)
		assert.Contains(t, err.Error(), "application/pdf")
	})

	t.Run("undecodable part in nested multipart", func(t *testing.T) {
		t.Parallel()
		_, err := Parse(crlf(
			"From: sender@example.com",
			"Content-Type: multipart/mixed; boundary=outer",
			"",
			"--outer",
			"Content-Type: multipart/related; boundary=inner",
			"",
			"--inner",
			"Content-Type: text/html",
			"",
			"<img src=\"cid:logo\">",
			"--inner",
			"Content-Type: image/png",
			"Content-ID: <logo>",
			"Content-Transfer-Encoding: base64",
			"",
			"***",
			"--inner--",
			"--outer--",
		))
		assert.ErrorIs(t, err, email.ErrMalformed)
	})

	t.Run("undecodable single part body", func(t *testing.T) {
		t.Parallel()
		_, err := Parse(crlf(
			"From: sender@example.com",
			"Content-Type: text/plain",
			"Content-Transfer-Encoding: base64",
			"",
			"%%%",
		))
		assert.ErrorIs(t, err, email.ErrMalformed)
	})
}

func TestParseEmptyAddressFields(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: sender@example.com",
		"Subject: No To",
		"",
		"Body",
	))
	require.NoError(t, err)

	assert.Nil(t, msg.To)
	assert.Nil(t, msg.Cc)
	assert.Nil(t, msg.Bcc)
	assert.Nil(t, msg.ReplyTo)
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: sender@example.com",
		"X-Custom-Header: custom-value",
		"",
		"Body",
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"custom-value"}, msg.Headers["X-Custom-Header"])
}

func TestParseAttachmentWithoutFilename(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=bound",
		"",
		"--bound",
		"Content-Type: text/plain",
		"",
		"body",
		"--bound",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--bound--",
	))
	require.NoError(t, err)

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "attachment.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "Hello World", string(msg.Attachments[0].Content))
}

func TestParseNestedMultipart(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"Plain text part",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>HTML part</p>",
		"--inner--",
		"--outer",
		"Content-Type: application/octet-stream; name=\"data.bin\"",
		"Content-Disposition: attachment; filename=\"data.bin\"",
		"",
		"binarydata",
		"--outer--",
	))
	require.NoError(t, err)

	assert.Equal(t, "Plain text part", msg.Text)
	assert.Equal(t, "<p>HTML part</p>", msg.HTML)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "data.bin", msg.Attachments[0].Filename)
}
