package mailgun

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailgun-relay/internal/httpform"
)

// DefaultHostname is Mailgun's public API host.
const DefaultHostname = "api.mailgun.net"

// Config holds the configuration for creating a Transport.
type Config struct {
	// Hostname is the API host. Defaults to DefaultHostname.
	Hostname string

	// Domain is the sending domain; it is part of the request path.
	Domain string

	// APIKey is sent as the password of the "api" basic-auth user.
	APIKey string

	// Proxy routes requests through an HTTP forward proxy. Ignored when
	// Agent is set.
	Proxy *Proxy

	// Agent is a pre-built round tripper used for every request.
	// AgentPlaintext makes the connection plain HTTP.
	Agent          http.RoundTripper
	AgentPlaintext bool

	// Classifier decides which attachments are sent as inline images.
	// Defaults to ReferencedImages.
	Classifier *Classifier

	// AcceptedStatus lists the status codes counted as success.
	// Defaults to httpform.DefaultAcceptedStatus.
	AcceptedStatus []int

	// Timeout bounds each request. Zero means no limit.
	Timeout time.Duration
}

// Proxy describes an HTTP forward proxy.
type Proxy struct {
	Protocol string
	Host     string
	Port     int
}

// Addr returns host:port, or the bare host when no port is set.
func (p Proxy) Addr() string {
	if p.Port == 0 {
		return p.Host
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Plaintext reports whether the connection to the proxy is plain HTTP.
func (p Proxy) Plaintext() bool {
	return !strings.HasPrefix(strings.ToLower(p.Protocol), "https")
}

// Connection is the strategy used to reach the API. It is one of Direct,
// ViaAgent or ViaProxy.
type Connection interface {
	request(hostname, path string) httpform.Request
}

// Direct connects straight to the API host over TLS.
type Direct struct{}

func (Direct) request(hostname, path string) httpform.Request {
	return httpform.Request{Host: hostname, Path: path}
}

// ViaAgent sends every request through a caller-supplied round tripper.
type ViaAgent struct {
	Agent     http.RoundTripper
	Plaintext bool
}

func (a ViaAgent) request(hostname, path string) httpform.Request {
	return httpform.Request{
		Plaintext: a.Plaintext,
		Host:      hostname,
		Path:      path,
		Transport: a.Agent,
	}
}

// ViaProxy connects to a forward proxy and asks it for the absolute
// target URL, naming the real host in the Host header.
type ViaProxy struct {
	Proxy Proxy
}

func (v ViaProxy) request(hostname, path string) httpform.Request {
	return httpform.Request{
		Plaintext:  v.Proxy.Plaintext(),
		Host:       v.Proxy.Addr(),
		Path:       "https://" + hostname + path,
		HostHeader: hostname,
	}
}

// Resolve picks the connection strategy for cfg. An agent wins over a proxy.
func (cfg Config) Resolve() Connection {
	switch {
	case cfg.Agent != nil:
		return ViaAgent{Agent: cfg.Agent, Plaintext: cfg.AgentPlaintext}
	case cfg.Proxy != nil:
		return ViaProxy{Proxy: *cfg.Proxy}
	default:
		return Direct{}
	}
}

// validate fills defaults and checks required fields.
func (cfg *Config) validate() error {
	if cfg.Hostname == "" {
		cfg.Hostname = DefaultHostname
	}
	if cfg.Classifier == nil {
		cfg.Classifier = ReferencedImages.clone()
	}

	var errs []error
	if cfg.Domain == "" {
		errs = append(errs, errors.New("domain is required"))
	}
	if cfg.APIKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if cfg.Agent == nil && cfg.Proxy != nil && cfg.Proxy.Host == "" {
		errs = append(errs, errors.New("proxy host is required"))
	}
	if cfg.Classifier.Inline == nil {
		errs = append(errs, fmt.Errorf("classifier %q has no Inline function", cfg.Classifier.Name))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid mailgun config: %w", errors.Join(errs...))
	}
	return nil
}

// targetPath returns the messages endpoint path for the domain.
func targetPath(domain string) string {
	return "/v3/" + domain + "/messages"
}
