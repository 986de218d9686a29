// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/shineum/mailgun-relay/internal/email"
)

// wordDecoder decodes RFC 2047 encoded words in headers and filenames.
var wordDecoder = &mime.WordDecoder{}

// Parse parses a raw RFC 5322 email message into an Email.
// It handles plain text messages, multipart messages with text/html bodies,
// inline images and attachments. Attachment content is returned decoded.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse message: %w", email.ErrMalformed, err)
	}

	result := &email.Email{
		Headers:   make(map[string][]string, len(msg.Header)),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
		To:        parseAddressList(msg.Header.Get("To")),
		Cc:        parseAddressList(msg.Header.Get("Cc")),
		Bcc:       parseAddressList(msg.Header.Get("Bcc")),
		ReplyTo:   parseAddressList(msg.Header.Get("Reply-To")),
	}
	for key, values := range msg.Header {
		result.Headers[key] = values
	}
	if from := parseAddressList(msg.Header.Get("From")); len(from) > 0 {
		result.From = from[0]
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.Text = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: multipart message missing boundary", email.ErrMalformed)
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("%w: failed to parse multipart message: %w", email.ErrMalformed, err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read message body: %w", email.ErrMalformed, err)
	}
	switch mediaType {
	case "text/html":
		result.HTML = string(body)
	case "text/plain":
		result.Text = string(body)
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.Text = string(body)
	}

	return result, nil
}

// parseMultipart walks a multipart body, filling the text and HTML bodies
// and collecting inline parts and attachments.
func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextRawPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, result); err != nil {
				if errors.Is(err, email.ErrMalformed) {
					return err
				}
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return fmt.Errorf("%w: %s part: %w", email.ErrMalformed, mediaType, err)
		}

		disposition, dispParams := parseDisposition(part.Header)
		cid := contentID(part.Header)
		filename := partFilename(params, dispParams)

		if disposition != "attachment" && cid == "" && filename == "" {
			switch mediaType {
			case "text/plain":
				if result.Text == "" {
					result.Text = string(content)
				}
			case "text/html":
				if result.HTML == "" {
					result.HTML = string(content)
				}
			default:
				slog.Warn("unrecognized MIME part, skipping",
					"content_type", mediaType,
					"disposition", disposition,
				)
			}
			continue
		}
		if filename == "" && cid == "" {
			filename = fallbackFilename(mediaType)
		}

		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    filename,
			ContentType: mediaType,
			CID:         cid,
			Content:     content,
		})
	}
}

// decodeBody reads a body and undoes its Content-Transfer-Encoding.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))

	if encoding == "quoted-printable" {
		r = quotedprintable.NewReader(r)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if encoding != "base64" {
		return raw, nil
	}

	decoded, err := email.Attachment{Content: raw, Encoding: "base64"}.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 content: %w", err)
	}
	return decoded, nil
}

func parseDisposition(h textproto.MIMEHeader) (string, map[string]string) {
	v := h.Get("Content-Disposition")
	if v == "" {
		return "", nil
	}
	disposition, params, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(v, ";", 2)[0])), nil
	}
	return disposition, params
}

// contentID returns the Content-ID without its angle brackets.
func contentID(h textproto.MIMEHeader) string {
	id := strings.TrimSpace(h.Get("Content-Id"))
	return strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
}

// partFilename looks for a filename in Content-Disposition, then in the
// Content-Type "name" parameter.
func partFilename(typeParams, dispParams map[string]string) string {
	if fn := dispParams["filename"]; fn != "" {
		return decodeHeader(fn)
	}
	if name := typeParams["name"]; name != "" {
		return decodeHeader(name)
	}
	return ""
}

// fallbackFilename derives a name from the media type, since providers
// require one for attachments.
func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseAddressList parses a header address list, keeping display names.
func parseAddressList(raw string) []email.Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parser := mail.AddressParser{WordDecoder: wordDecoder}
	addresses, err := parser.ParseList(raw)
	if err != nil {
		// Fall back to a simple comma split if RFC 5322 parsing fails
		var result []email.Address
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, email.Address{Address: trimmed})
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, email.Address{Name: addr.Name, Address: addr.Address})
	}
	return result
}
