// Package tls provides the STARTTLS certificate for the SMTP listener,
// either loaded from disk or generated in memory.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
)

// DefaultHostnames are the subject names of a generated certificate when
// none are configured.
var DefaultHostnames = []string{"localhost", "127.0.0.1"}

const certValidity = 365 * 24 * time.Hour

// Options selects the certificate source. A certificate is loaded from
// CertFile and KeyFile when both are set; otherwise one is generated for
// Hostnames.
type Options struct {
	CertFile  string
	KeyFile   string
	Hostnames []string
}

// FromFiles reports whether the certificate is loaded from disk.
func (o Options) FromFiles() bool {
	return o.CertFile != "" && o.KeyFile != ""
}

// Mode names the certificate source for logging.
func (o Options) Mode() string {
	if o.FromFiles() {
		return "file"
	}
	return "self-signed"
}

// GenerateSelfSignedCert generates an in-memory ECDSA P-256 self-signed
// certificate valid for one year. The first hostname becomes the common
// name; every hostname is added as a DNS or IP SAN. No files are written
// to disk.
func GenerateSelfSignedCert(hostnames ...string) (*tls.Certificate, error) {
	hostnames = lo.Uniq(lo.Compact(lo.Map(hostnames, func(h string, _ int) string {
		return strings.TrimSpace(h)
	})))
	if len(hostnames) == 0 {
		hostnames = DefaultHostnames
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: hostnames[0]},
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hostnames {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create X509 key pair: %w", err)
	}
	return &cert, nil
}

// LoadOrGenerateTLS returns a server tls.Config for STARTTLS using the
// certificate selected by opts.
func LoadOrGenerateTLS(opts Options) (*tls.Config, error) {
	var cert tls.Certificate

	if opts.FromFiles() {
		for _, path := range []string{opts.CertFile, opts.KeyFile} {
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("tls file not found: %w", err)
			}
		}
		loaded, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = loaded
	} else {
		generated, err := GenerateSelfSignedCert(opts.Hostnames...)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		cert = *generated
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
