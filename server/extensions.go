package server

import "time"

// Extension points let callers plug storage, rate limiting and event
// delivery into the server without touching the protocol code.

// Message is a transaction accepted by the protocol core, handed to the
// MessageStore together with its connection context.
type Message struct {
	From    string   // Envelope sender (MAIL FROM); empty for the null reverse-path
	To      []string // Envelope recipients (RCPT TO), in the order given
	Content []byte   // Raw body lines as received, CR LF included
	Size    int      // len(Content)

	// Context
	SessionID      string
	ClientIP       string
	ClientHostname string // Name given in HELO/EHLO
	Hostname       string // Server hostname announced in the greeting
	ReceivedAt     time.Time
}

// MessageStore receives completed transactions.
// Implementations can write to disk, queue, forward, etc.
type MessageStore interface {
	// Store saves a message and returns an error if storage fails.
	Store(msg *Message) error
}

// SessionObserver receives notifications about session events.
type SessionObserver interface {
	// OnConnect is called when a client connects, before the greeting.
	OnConnect(session *SessionContext)

	// OnMessage is called after a message was stored.
	OnMessage(session *SessionContext, msg *Message)

	// OnError is called for protocol and storage errors.
	OnError(session *SessionContext, err error, command string)

	// OnDisconnect is called when the connection is closed.
	OnDisconnect(session *SessionContext, duration time.Duration)
}

// SessionContext describes the session an event belongs to.
type SessionContext struct {
	ID               string
	ClientIP         string
	ClientHostname   string // empty until HELO/EHLO
	Hostname         string
	State            string
	MessagesAccepted int
}

// RateLimiter controls connection and message rates per client.
type RateLimiter interface {
	// AllowConnection checks if a new connection should be allowed.
	AllowConnection(clientIP string) (allowed bool, reason string)

	// AllowMessage checks if a message should be accepted.
	AllowMessage(clientIP string) (allowed bool, reason string)

	// RecordConnection records that a connection was made.
	RecordConnection(clientIP string)

	// RecordMessage records that a message was accepted.
	RecordMessage(clientIP string)

	// ReleaseConnection records that a connection was closed.
	ReleaseConnection(clientIP string)
}
