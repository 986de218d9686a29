package httpform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request holds the connection parameters for one form submission.
type Request struct {
	// Plaintext selects an http:// connection instead of https://. It
	// describes the connection actually opened, which for a forward proxy
	// is the proxy and not the final target.
	Plaintext bool

	// Host is the host[:port] to connect to.
	Host string

	// Path is either a relative path or, when talking to a forward proxy,
	// the absolute URL of the final target.
	Path string

	// HostHeader overrides the Host header when set.
	HostHeader string

	// Username and Password are sent as HTTP basic auth when Username is set.
	Username string
	Password string

	// Header is merged over the form headers.
	Header http.Header

	// Transport replaces the client's round tripper for this request.
	Transport http.RoundTripper
}

// URL returns the request URL. An absolute Path is kept opaque so it is
// written verbatim on the request line.
func (r Request) URL() *url.URL {
	u := &url.URL{Scheme: "https", Host: r.Host}
	if r.Plaintext {
		u.Scheme = "http"
	}
	if strings.Contains(r.Path, "://") {
		u.Opaque = r.Path
	} else {
		u.Path = r.Path
	}
	return u
}

// ResponseError is returned when the server answers with a status outside
// the accepted set. Its message is the raw response body.
type ResponseError struct {
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return e.Body
}

// DefaultAcceptedStatus is used when a Client is built without WithAcceptedStatus.
var DefaultAcceptedStatus = []int{http.StatusOK, http.StatusAccepted}

// Client submits forms. It never retries and never follows redirects.
type Client struct {
	transport http.RoundTripper
	timeout   time.Duration
	accepted  map[int]struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the default round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// WithTimeout bounds each submission. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithAcceptedStatus sets the status codes treated as success.
func WithAcceptedStatus(codes ...int) Option {
	return func(c *Client) {
		if len(codes) == 0 {
			return
		}
		c.accepted = make(map[int]struct{}, len(codes))
		for _, code := range codes {
			c.accepted[code] = struct{}{}
		}
	}
}

// NewClient creates a Client. The default transport ignores proxy
// environment variables: proxying is expressed in the Request itself.
func NewClient(opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil

	c := &Client{transport: transport}
	WithAcceptedStatus(DefaultAcceptedStatus...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Accepts reports whether status counts as success.
func (c *Client) Accepts(status int) bool {
	_, ok := c.accepted[status]
	return ok
}

// Submit POSTs the form and returns the response body. A status outside
// the accepted set yields a *ResponseError carrying the body.
func (c *Client) Submit(ctx context.Context, r Request, form *Form) (string, error) {
	body := form.Reader()
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://placeholder/", body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.URL = r.URL()
	req.Host = r.Host
	req.ContentLength = form.Len()

	for key, values := range form.Headers() {
		req.Header[key] = values
	}
	for key, values := range r.Header {
		req.Header[key] = values
	}
	if r.HostHeader != "" {
		req.Host = r.HostHeader
	}
	if r.Username != "" {
		req.SetBasicAuth(r.Username, r.Password)
	}

	transport := c.transport
	if r.Transport != nil {
		transport = r.Transport
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	slog.Debug("submitting form",
		"host", r.Host,
		"path", r.Path,
		"plaintext", r.Plaintext,
		"fields", len(form.Fields()),
	)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if !c.Accepts(resp.StatusCode) {
		return "", &ResponseError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	return string(data), nil
}
