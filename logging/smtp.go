// Package logging provides SMTP-specific structured logging
package logging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
)

// SMTPLogger provides SMTP-specific logging methods bound to one connection
type SMTPLogger struct {
	Logger
	sessionID string
	clientIP  string
}

// NewSMTPLogger creates a new SMTP logger with session context
func NewSMTPLogger(logger Logger, conn net.Conn) *SMTPLogger {
	sessionID := generateSessionID()

	return &SMTPLogger{
		Logger:    logger.With(F("session_id", sessionID)),
		sessionID: sessionID,
		clientIP:  ClientIP(conn),
	}
}

// ClientIP returns the remote IP of conn without its port, or "" if unknown.
func ClientIP(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	ip := addr.String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ip
}

// SessionIDBytes is the number of bytes used for session ID generation
const SessionIDBytes = 12

// generateSessionID creates a random session identifier
func generateSessionID() string {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("sess_%x", time.Now().UnixNano())
	}
	return "sess_" + hex.EncodeToString(b)
}

// LogConnection logs connection establishment
func (l *SMTPLogger) LogConnection(localAddr string) {
	l.Info("SMTP connection established",
		F("client_ip", l.clientIP),
		F("local_addr", localAddr))
}

// LogConnectionClosed logs connection closure
func (l *SMTPLogger) LogConnectionClosed(duration time.Duration, reason string) {
	l.Info("SMTP connection closed",
		F("client_ip", l.clientIP),
		F("reason", reason),
		F("duration_ms", duration.Milliseconds()))
}

// LogCommand logs an SMTP command received
func (l *SMTPLogger) LogCommand(command, arg, smtpState string) {
	fields := []Field{
		F("client_ip", l.clientIP),
		F("command", command),
		F("smtp_state", smtpState),
	}
	if arg != "" {
		fields = append(fields, F("arg", arg))
	}
	l.Debug("SMTP command received", fields...)
}

// LogResponse logs an SMTP response sent
func (l *SMTPLogger) LogResponse(response string) {
	responseCode, _, _ := strings.Cut(response, " ")

	fields := []Field{
		F("client_ip", l.clientIP),
		F("response", response),
		F("response_code", responseCode),
	}

	if strings.HasPrefix(responseCode, "4") || strings.HasPrefix(responseCode, "5") {
		l.Warn("SMTP error response sent", fields...)
		return
	}
	l.Debug("SMTP response sent", fields...)
}

// LogProtocolError logs a line the session rejected
func (l *SMTPLogger) LogProtocolError(err error, smtpState string) {
	l.Warn("SMTP protocol error",
		F("client_ip", l.clientIP),
		F("error", err.Error()),
		F("smtp_state", smtpState))
}

// LogMessageStart logs the start of message collection
func (l *SMTPLogger) LogMessageStart(from string, to []string) {
	l.Info("SMTP message collection started",
		F("client_ip", l.clientIP),
		F("mail_from", from),
		F("rcpt_to", to),
		F("rcpt_count", len(to)))
}

// LogMessageStored logs successful message storage
func (l *SMTPLogger) LogMessageStored(from string, to []string, size int, duration time.Duration) {
	l.Info("SMTP message stored successfully",
		F("client_ip", l.clientIP),
		F("mail_from", from),
		F("rcpt_to", to),
		F("message_size", size),
		F("duration_ms", duration.Milliseconds()))
}

// LogMessageStorageError logs message storage failures
func (l *SMTPLogger) LogMessageStorageError(from string, to []string, size int, err error) {
	l.Error("SMTP message storage failed", err,
		F("client_ip", l.clientIP),
		F("mail_from", from),
		F("rcpt_to", to),
		F("message_size", size))
}

// LogStateTransition logs SMTP state changes
func (l *SMTPLogger) LogStateTransition(fromState, toState, command string) {
	l.Debug("SMTP state transition",
		F("client_ip", l.clientIP),
		F("from_state", fromState),
		F("to_state", toState),
		F("command", command))
}

// GetSessionID returns the session ID for external use
func (l *SMTPLogger) GetSessionID() string {
	return l.sessionID
}

// GetClientIP returns the client IP for external use
func (l *SMTPLogger) GetClientIP() string {
	return l.clientIP
}
