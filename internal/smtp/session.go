package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailgun-relay/internal/email"
	"github.com/shineum/mailgun-relay/internal/parser"
	"github.com/shineum/mailgun-relay/internal/provider"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize is used when SessionConfig.MaxMessageSize is unset.
const DefaultMaxMessageSize = 25 * 1024 * 1024

// SessionConfig holds what a session needs from its server.
type SessionConfig struct {
	Hostname       string
	Provider       provider.Provider
	Auth           *Authenticator
	TLSConfig      *tls.Config
	MaxMessageSize int64
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cfg    SessionConfig
	log    *slog.Logger

	state         int
	authenticated bool
	tlsActive     bool

	// current transaction
	envelope email.Envelope
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		cfg:    cfg,
		log:    slog.With("remote_addr", conn.RemoteAddr().String()),
		state:  stateConnected,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mailgun-relay", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		line, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if quit := s.handleCommand(ctx, cmd, arg); quit {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	s.state = stateGreeted

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.cfg.Hostname, arg)}
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.cfg.Auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "8BITMIME", fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize), "OK")
	s.writeMultiline(250, lines)
}

// handleSTARTTLS upgrades the connection to TLS. The client must greet
// again afterwards.
func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.authenticated = false
	s.resetTransaction()
	s.state = stateConnected
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.cfg.Auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.authenticated {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(strings.TrimSpace(initial))
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch {
	case err == nil:
		s.authenticated = true
		s.writeLine("235 Authentication successful")
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 Authentication cancelled")
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrAuthSyntax):
		s.log.Warn("authentication failed", "mechanism", mechanism)
		s.writeLine("535 Authentication failed")
	default:
		s.log.Debug("authentication aborted", "error", err)
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

// challenge sends a 334 prompt and returns the client's answer.
func (s *Session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}
	answer, err := s.readLine()
	if err != nil {
		return "", err
	}
	if answer == "*" {
		return "", errAuthCancelled
	}
	return answer, nil
}

func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	return s.cfg.Auth.VerifyPlain(encoded)
}

func (s *Session) authLogin() error {
	user, err := s.challenge("VXNlcm5hbWU6") // "Username:"
	if err != nil {
		return err
	}
	pass, err := s.challenge("UGFzc3dvcmQ6") // "Password:"
	if err != nil {
		return err
	}
	return s.cfg.Auth.VerifyLogin(user, pass)
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.cfg.Auth.Enabled() && !s.authenticated {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	addr, params, ok := parsePath(arg, "FROM:")
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	if size, found := params["SIZE"]; found {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			s.writeLine("501 Invalid SIZE parameter")
			return
		}
		if n > s.cfg.MaxMessageSize {
			s.writeLine("552 Message size exceeds fixed maximum message size")
			return
		}
	}

	s.envelope = email.Envelope{From: addr}
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	addr, _, ok := parsePath(arg, "TO:")
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.envelope.To = append(s.envelope.To, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message body and delivers it through the provider.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooBig, err := s.readData()
	if err != nil {
		s.log.Error("error reading DATA", "error", err)
		return
	}
	defer s.resetTransaction()

	if tooBig {
		s.log.Warn("message rejected, too large",
			"from", s.envelope.From,
			"max_size", s.cfg.MaxMessageSize,
		)
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	msg := parser.NewMessage(raw, s.envelope, s.cfg.Hostname)
	receipt, err := s.cfg.Provider.Send(ctx, msg)
	if err != nil {
		s.log.Error("provider send failed",
			"provider", s.cfg.Provider.Name(),
			"message_id", msg.MessageID(),
			"error", err,
		)
		if errors.Is(err, email.ErrMalformed) {
			s.writeLine("550 Message rejected: %s", firstLine(err.Error()))
			return
		}
		s.writeLine("451 Temporary failure, please try again later")
		return
	}

	id := msg.MessageID()
	if receipt != nil && receipt.MessageID != "" {
		id = receipt.MessageID
	}
	s.log.Info("message delivered",
		"provider", s.cfg.Provider.Name(),
		"message_id", id,
		"recipients", len(s.envelope.To),
	)
	s.writeLine("250 OK %s", id)
}

// readData reads a dot-terminated message. Once the size limit is
// exceeded the rest is drained and discarded.
func (s *Session) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	tooBig := false

	for {
		line, err := s.readRawLine()
		if err != nil {
			return nil, false, err
		}
		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		line = strings.TrimPrefix(line, ".")

		if tooBig {
			continue
		}
		if int64(buf.Len()+len(line)) > s.cfg.MaxMessageSize {
			tooBig = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}
	return buf.Bytes(), tooBig, nil
}

// resetTransaction clears the current mail transaction without
// affecting the greeting or authentication.
func (s *Session) resetTransaction() {
	s.envelope = email.Envelope{}
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

func (s *Session) readLine() (string, error) {
	line, err := s.readRawLine()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readRawLine reads one line including its terminator, extending the idle
// deadline first.
func (s *Session) readRawLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		return "", err
	}
	return s.reader.ReadString('\n')
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

func (s *Session) writeMultiline(code int, lines []string) {
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.writeLine("%d%s%s", code, sep, line)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// parsePath parses "FROM:<addr> KEY=VALUE ..." style arguments. The
// prefix is matched case-insensitively and the address may be bare or in
// angle brackets. "<>" yields an empty address.
func parsePath(arg, prefix string) (string, map[string]string, bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	var addr string
	if strings.HasPrefix(rest, "<") {
		end := strings.Index(rest, ">")
		if end < 0 {
			return "", nil, false
		}
		addr, rest = rest[1:end], rest[end+1:]
	} else {
		addr, rest, _ = strings.Cut(rest, " ")
		if addr == "" {
			return "", nil, false
		}
	}

	params := make(map[string]string)
	for _, field := range strings.Fields(rest) {
		key, value, _ := strings.Cut(field, "=")
		params[strings.ToUpper(key)] = value
	}
	return strings.TrimSpace(addr), params, true
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
