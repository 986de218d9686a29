// Package httpform builds multipart/form-data bodies and submits them with a
// single HTTP POST.
package httpform

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// Field is one entry of a multipart form. A field with a Filename is sent
// as a file part.
type Field struct {
	Name        string
	Value       string
	Data        []byte
	Filename    string
	ContentType string
	KnownLength int
}

// IsFile reports whether the field is a file part.
func (f Field) IsFile() bool {
	return f.Filename != "" || f.Data != nil
}

// FileOptions describes a file part.
type FileOptions struct {
	Filename    string
	ContentType string
	KnownLength int
}

// Form is an ordered multipart form. It is not safe for concurrent use.
type Form struct {
	boundary string
	fields   []Field
}

// New returns an empty form with a random boundary.
func New() *Form {
	return &Form{boundary: multipart.NewWriter(io.Discard).Boundary()}
}

// Append adds a text field.
func (f *Form) Append(name, value string) {
	f.fields = append(f.fields, Field{Name: name, Value: value})
}

// AppendFile adds a file field. A zero KnownLength is replaced with len(data).
func (f *Form) AppendFile(name string, data []byte, opts FileOptions) {
	if data == nil {
		data = []byte{}
	}
	if opts.KnownLength == 0 {
		opts.KnownLength = len(data)
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	f.fields = append(f.fields, Field{
		Name:        name,
		Data:        data,
		Filename:    opts.Filename,
		ContentType: opts.ContentType,
		KnownLength: opts.KnownLength,
	})
}

// Fields returns the fields in submission order.
func (f *Form) Fields() []Field {
	return f.fields
}

// Files returns the file fields with the given name.
func (f *Form) Files(name string) []Field {
	var out []Field
	for _, field := range f.fields {
		if field.IsFile() && field.Name == name {
			out = append(out, field)
		}
	}
	return out
}

// Value returns the first text value of the named field.
func (f *Form) Value(name string) (string, bool) {
	for _, field := range f.fields {
		if !field.IsFile() && field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// Boundary returns the multipart boundary.
func (f *Form) Boundary() string {
	return f.boundary
}

// ContentType returns the Content-Type header value for the form body.
func (f *Form) ContentType() string {
	return "multipart/form-data; boundary=" + f.boundary
}

// Headers returns the headers generated for the form body.
func (f *Form) Headers() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", f.ContentType())
	return h
}

// Reader streams the encoded form. The body is produced on a separate
// goroutine as the returned reader is consumed.
func (f *Form) Reader() io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(f.Encode(pw))
	}()
	return pr
}

// Len returns the encoded size of the form body in bytes.
func (f *Form) Len() int64 {
	var c counter
	if err := f.Encode(&c); err != nil {
		return -1
	}
	return int64(c)
}

type counter int64

func (c *counter) Write(p []byte) (int, error) {
	*c += counter(len(p))
	return len(p), nil
}

// Encode writes the form into w.
func (f *Form) Encode(w io.Writer) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(f.boundary); err != nil {
		return fmt.Errorf("failed to set boundary: %w", err)
	}

	for _, field := range f.fields {
		if !field.IsFile() {
			if err := mw.WriteField(field.Name, field.Value); err != nil {
				return fmt.Errorf("failed to write field %q: %w", field.Name, err)
			}
			continue
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(field.Name), escapeQuotes(field.Filename)))
		header.Set("Content-Type", field.ContentType)

		part, err := mw.CreatePart(header)
		if err != nil {
			return fmt.Errorf("failed to create part %q: %w", field.Name, err)
		}
		if _, err := part.Write(field.Data); err != nil {
			return fmt.Errorf("failed to write part %q: %w", field.Name, err)
		}
	}

	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
