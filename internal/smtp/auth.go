// Package smtp implements the relay's SMTP listener: a small ESMTP state
// machine with STARTTLS and AUTH that hands each message to a Provider.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrAuthFailed is returned when the credentials do not match.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAuthSyntax is returned when a client response cannot be decoded.
	ErrAuthSyntax = errors.New("malformed authentication response")
)

// Authenticator checks SMTP AUTH credentials against a single configured
// account.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: []byte(username),
		password: []byte(password),
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain checks an AUTH PLAIN response, base64("authzid\0user\0pass").
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrAuthSyntax
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return ErrAuthSyntax
	}
	return a.verify([]byte(parts[1]), []byte(parts[2]))
}

// VerifyLogin checks the base64 username and password collected by the
// AUTH LOGIN challenge-response exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return ErrAuthSyntax
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return ErrAuthSyntax
	}
	return a.verify(user, pass)
}

func (a *Authenticator) verify(user, pass []byte) error {
	userOK := subtle.ConstantTimeCompare(user, a.username)
	passOK := subtle.ConstantTimeCompare(pass, a.password)
	if userOK&passOK != 1 {
		return ErrAuthFailed
	}
	return nil
}
