package ses

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/samber/lo"

	"github.com/shineum/mailgun-relay/internal/email"
)

// buildRawMessage constructs a raw MIME message for emails with
// attachments. Attachments carrying a Content-ID are placed next to the
// HTML body in a multipart/related part so that cid: references resolve.
func buildRawMessage(sender string, e *email.Email) ([]byte, error) {
	inline, attached := lo.FilterReject(e.Attachments, func(a email.Attachment, _ int) bool {
		return a.CID != "" && e.HTML != ""
	})

	var buf bytes.Buffer
	writeHeader(&buf, "From", sender)
	if rt := replyTo(sender, e); len(rt) > 0 {
		writeHeader(&buf, "Reply-To", headerList(rt))
	}
	if len(e.To) > 0 {
		writeHeader(&buf, "To", headerList(e.To))
	}
	if len(e.Cc) > 0 {
		writeHeader(&buf, "Cc", headerList(e.Cc))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("UTF-8", e.Subject))
	if e.MessageID != "" {
		writeHeader(&buf, "Message-ID", e.MessageID)
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	mixed := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", multipartType("mixed", mixed))
	buf.WriteString("\r\n")

	if err := writeBody(mixed, e, inline); err != nil {
		return nil, err
	}
	for _, att := range attached {
		if err := writeAttachment(mixed, att, "attachment"); err != nil {
			return nil, err
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBody writes the text and HTML bodies as one part of w: a single
// text part, or multipart/alternative when both are present, with the
// HTML wrapped in multipart/related when inline parts exist.
func writeBody(w *multipart.Writer, e *email.Email, inline []email.Attachment) error {
	var parts []func(*multipart.Writer) error
	if e.Text != "" {
		parts = append(parts, textPart("text/plain", e.Text))
	}
	if e.HTML != "" {
		html := textPart("text/html", e.HTML)
		if len(inline) > 0 {
			html = relatedPart(html, inline)
		}
		parts = append(parts, html)
	}

	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0](w)
	default:
		return nestedPart(w, "alternative", parts...)
	}
}

func textPart(contentType, body string) func(*multipart.Writer) error {
	return func(w *multipart.Writer) error {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", contentType+"; charset=UTF-8")
		h.Set("Content-Transfer-Encoding", "base64")
		part, err := w.CreatePart(h)
		if err != nil {
			return fmt.Errorf("failed to create body part: %w", err)
		}
		_, err = part.Write([]byte(encodeBase64WithLineBreaks([]byte(body))))
		return err
	}
}

func relatedPart(html func(*multipart.Writer) error, inline []email.Attachment) func(*multipart.Writer) error {
	return func(w *multipart.Writer) error {
		parts := []func(*multipart.Writer) error{html}
		for _, att := range inline {
			parts = append(parts, func(w *multipart.Writer) error {
				return writeAttachment(w, att, "inline")
			})
		}
		return nestedPart(w, "related", parts...)
	}
}

// nestedPart writes a multipart/<subtype> part containing parts.
func nestedPart(w *multipart.Writer, subtype string, parts ...func(*multipart.Writer) error) error {
	var body bytes.Buffer
	inner := multipart.NewWriter(&body)
	for _, write := range parts {
		if err := write(inner); err != nil {
			return err
		}
	}
	if err := inner.Close(); err != nil {
		return fmt.Errorf("failed to close %s part: %w", subtype, err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", multipartType(subtype, inner))
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", subtype, err)
	}
	_, err = part.Write(body.Bytes())
	return err
}

func writeAttachment(w *multipart.Writer, att email.Attachment, disposition string) error {
	content, err := att.Decode()
	if err != nil {
		return err
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "base64")
	if att.Filename != "" {
		h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": att.Filename}))
	} else {
		h.Set("Content-Disposition", disposition)
	}
	if att.CID != "" {
		h.Set("Content-ID", "<"+att.CID+">")
	}

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create attachment part: %w", err)
	}
	_, err = part.Write([]byte(encodeBase64WithLineBreaks(content)))
	return err
}

func multipartType(subtype string, w *multipart.Writer) string {
	return mime.FormatMediaType("multipart/"+subtype, map[string]string{"boundary": w.Boundary()})
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", name, value)
}

// headerList renders addresses for a header, quoting and encoding
// display names as needed.
func headerList(addrs []email.Address) string {
	return strings.Join(lo.Map(addrs, func(a email.Address, _ int) string {
		if a.Name == "" {
			return a.Address
		}
		return (&mail.Address{Name: a.Name, Address: a.Address}).String()
	}), ", ")
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	lines := make([]string, 0, len(encoded)/76+1)
	for len(encoded) > 76 {
		lines = append(lines, encoded[:76])
		encoded = encoded[76:]
	}
	lines = append(lines, encoded)
	return strings.Join(lines, "\r\n")
}
