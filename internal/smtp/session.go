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

	"github.com/google/uuid"

	"github.com/shineum/mailjet-relay/internal/email"
	"github.com/shineum/mailjet-relay/internal/metrics"
	"github.com/shineum/mailjet-relay/internal/parser"
	"github.com/shineum/mailjet-relay/internal/transport"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
	stateData
	stateDone
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize is used when no message size limit is configured (10 MB).
const DefaultMaxMessageSize = 10 * 1024 * 1024

// SessionConfig holds the dependencies shared by every session of a server.
type SessionConfig struct {
	Auth      *Authenticator
	Transport transport.Transport
	Hostname  string

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// MaxMessageSize bounds DATA payloads in bytes. Zero means DefaultMaxMessageSize.
	MaxMessageSize int

	// Metrics may be nil.
	Metrics *metrics.Collector
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	id        string
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	state     int
	auth      *Authenticator
	transport transport.Transport
	hostname  string
	maxSize   int
	metrics   *metrics.Collector
	log       *slog.Logger

	// TLS support
	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	auth := cfg.Auth
	if auth == nil {
		auth = NewAuthenticator("", "")
	}
	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	id := uuid.NewString()

	return &Session{
		id:        id,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      auth,
		transport: cfg.Transport,
		hostname:  cfg.Hostname,
		maxSize:   maxSize,
		metrics:   cfg.Metrics,
		log:       slog.With("session", id, "remote", conn.RemoteAddr().String()),
		tlsConfig: cfg.TLSConfig,
	}
}

// ID returns the session identifier used in log records.
func (s *Session) ID() string {
	return s.id
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	s.log.Debug("session opened")
	s.writeLine("220 %s ESMTP mailjet-relay", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
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
		s.handleRSET()
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

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if cmd == "HELO" {
		s.state = stateGreeted
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.state = stateGreeted
	s.writeLine("250-%s Hello %s", s.hostname, arg)

	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.maxSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	switch mechanism {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// handleAuthPlain processes AUTH PLAIN authentication.
func (s *Session) handleAuthPlain(parts []string) {
	var encoded string

	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.log.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyPlain(encoded); err != nil {
		s.log.Warn("authentication failed", "mechanism", "PLAIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// handleAuthLogin processes AUTH LOGIN authentication via challenge-response.
func (s *Session) handleAuthLogin() {
	// "Username:"
	s.writeLine("334 VXNlcm5hbWU6")
	userLine, err := s.reader.ReadString('\n')
	if err != nil {
		s.log.Error("failed to read AUTH LOGIN username", "error", err)
		return
	}
	encodedUser := strings.TrimRight(userLine, "\r\n")

	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	// "Password:"
	s.writeLine("334 UGFzc3dvcmQ6")
	passLine, err := s.reader.ReadString('\n')
	if err != nil {
		s.log.Error("failed to read AUTH LOGIN password", "error", err)
		return
	}
	encodedPass := strings.TrimRight(passLine, "\r\n")

	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyLogin(encodedUser, encodedPass); err != nil {
		s.log.Warn("authentication failed", "mechanism", "LOGIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes the MAIL FROM command, honouring a SIZE= parameter.
func (s *Session) handleMAIL(arg string) {
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := declaredSize(arg[5:]); ok && size > s.maxSize {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message, parses it and hands it to the transport.
// Payloads above maxSize are drained and rejected with 552.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data bytes.Buffer
	received := 0
	tooLarge := false
	lineStart := true
	for {
		// ReadSlice caps each read at the reader's buffer, so a line without
		// a terminator is consumed in chunks instead of being held whole.
		chunk, err := s.reader.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			s.log.Error("error reading DATA", "error", err)
			return
		}
		complete := err == nil

		if lineStart {
			if complete && string(bytes.TrimRight(chunk, "\r\n")) == "." {
				break
			}
			// Dot-stuffing: lines starting with ".." have the leading dot removed
			if bytes.HasPrefix(chunk, []byte("..")) {
				chunk = chunk[1:]
			}
		}
		lineStart = complete

		received += len(chunk)
		if tooLarge {
			continue
		}
		if received > s.maxSize {
			tooLarge = true
			data.Reset()
			continue
		}
		data.Write(chunk)
	}

	if tooLarge {
		s.log.Warn("message too large", "size", received, "max", s.maxSize)
		s.reply(received, 552, "Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return
	}

	msg, err := parser.Parse(data.Bytes())
	if err != nil {
		s.log.Error("failed to parse message", "error", err)
		s.reply(received, 550, "Failed to process message")
		s.resetTransaction()
		return
	}

	if len(msg.From) == 0 {
		msg.From = email.Addrs(s.mailFrom)
	}
	if len(msg.To) == 0 {
		msg.To = email.Addrs(s.rcptTo...)
	}
	if hidden := s.envelopeOnlyRecipients(msg); len(hidden) > 0 {
		msg.Bcc = email.Merge(msg.Bcc, hidden)
	}

	code, text := s.deliver(ctx, msg)
	s.reply(received, code, text)
	s.resetTransaction()
}

// envelopeOnlyRecipients returns RCPT TO addresses that no header names.
// Clients strip the Bcc header, so these only exist in the envelope.
func (s *Session) envelopeOnlyRecipients(msg *email.Message) email.AddressList {
	known := make(map[string]struct{})
	for _, addr := range msg.Recipients().Addresses() {
		known[strings.ToLower(addr)] = struct{}{}
	}

	var hidden []string
	for _, addr := range s.rcptTo {
		key := strings.ToLower(addr)
		if _, ok := known[key]; ok {
			continue
		}
		known[key] = struct{}{}
		hidden = append(hidden, addr)
	}
	return email.Addrs(hidden...)
}

// deliver sends msg through the transport and maps the outcome to an SMTP reply.
// Shutdown does not cancel an in-flight send; it is bounded by shutdownTimeout.
func (s *Session) deliver(ctx context.Context, msg *email.Message) (int, string) {
	name := s.transport.Name()
	start := time.Now()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var failed []string
	resp, err := s.transport.Send(sendCtx, msg, &failed)
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	elapsed := time.Since(start)

	if len(failed) > 0 {
		s.log.Warn("transport reported failed recipients",
			"transport", name,
			"failed", failed,
		)
	}

	if err == nil {
		s.metrics.ObserveSend(name, metrics.OutcomeSent, elapsed)
		s.log.Info("message relayed",
			"transport", name,
			"from", strings.Join(msg.From.Addresses(), ","),
			"recipients", len(msg.Recipients()),
			"subject", msg.Subject,
			"duration", elapsed,
		)
		return 250, "OK message queued"
	}

	code, text, outcome := mapSendError(err)
	s.metrics.ObserveSend(name, outcome, elapsed)
	s.log.Error("transport send failed",
		"transport", name,
		"outcome", outcome,
		"error", err,
	)
	return code, text
}

// mapSendError converts a transport error into an SMTP reply and a metrics outcome.
func mapSendError(err error) (int, string, string) {
	var te *transport.Error
	switch {
	case errors.Is(err, transport.ErrMalformedMessage):
		return 550, "Message rejected: " + err.Error(), metrics.OutcomeMalformed
	case errors.As(err, &te) && te.Permanent():
		return 554, fmt.Sprintf("Delivery rejected by %s (HTTP %d)", te.Transport, te.StatusCode), metrics.OutcomeRejected
	default:
		return 451, "Temporary failure, please try again later", metrics.OutcomeFailed
	}
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// reply writes the final DATA reply and records it.
func (s *Session) reply(size, code int, text string) {
	s.metrics.ObserveData(size, strconv.Itoa(code))
	s.writeLine("%d %s", code, text)
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats. ESMTP parameters after
// the address are ignored.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// declaredSize returns the value of a SIZE= ESMTP parameter, if present.
func declaredSize(s string) (int, bool) {
	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || !strings.EqualFold(key, "SIZE") {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
