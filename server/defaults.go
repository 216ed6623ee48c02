package server

import (
	"fmt"
	"sync"
	"time"

	"smtpfront/logging"
	"smtpfront/storage"
)

const (
	// Default per-IP limits for the in-memory rate limiter
	defaultMaxConnsPerMinute    = 60
	defaultMaxMessagesPerMinute = 120
)

// DiscardStore accepts every message and keeps nothing.
type DiscardStore struct {
	logger logging.Logger
}

// NewDiscardStore creates a store that only logs what it receives.
func NewDiscardStore(logger logging.Logger) *DiscardStore {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DiscardStore{logger: logger}
}

// Store logs the envelope and drops the message.
func (d *DiscardStore) Store(msg *Message) error {
	d.logger.Info("Message discarded",
		logging.F("session_id", msg.SessionID),
		logging.F("from", msg.From),
		logging.F("to", msg.To),
		logging.F("size", msg.Size))
	return nil
}

// MailboxStore writes messages to a Maildir.
type MailboxStore struct {
	mailbox *storage.Mailbox
}

// NewMailboxStore creates a store backed by mailbox.
func NewMailboxStore(mailbox *storage.Mailbox) *MailboxStore {
	return &MailboxStore{mailbox: mailbox}
}

// Store saves a message into the Maildir.
func (ms *MailboxStore) Store(msg *Message) error {
	storageMsg := &storage.Message{
		From:           msg.From,
		To:             msg.To,
		ClientHostname: msg.ClientHostname,
		ReceivedAt:     msg.ReceivedAt,
		Content:        msg.Content,
	}

	if _, err := ms.mailbox.SaveMessage(storageMsg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// NoOpObserver is a no-op implementation of SessionObserver.
// Used when no observers are registered.
type NoOpObserver struct{}

// OnConnect does nothing.
func (n *NoOpObserver) OnConnect(_ *SessionContext) {}

// OnMessage does nothing.
func (n *NoOpObserver) OnMessage(_ *SessionContext, _ *Message) {}

// OnError does nothing.
func (n *NoOpObserver) OnError(_ *SessionContext, _ error, _ string) {}

// OnDisconnect does nothing.
func (n *NoOpObserver) OnDisconnect(_ *SessionContext, _ time.Duration) {}

// NoOpRateLimiter allows all connections and messages.
type NoOpRateLimiter struct{}

// NewNoOpRateLimiter creates a rate limiter that allows everything.
func NewNoOpRateLimiter() *NoOpRateLimiter {
	return &NoOpRateLimiter{}
}

// AllowConnection always allows connections.
func (n *NoOpRateLimiter) AllowConnection(_ string) (ok bool, reason string) {
	return true, ""
}

// AllowMessage always allows messages.
func (n *NoOpRateLimiter) AllowMessage(_ string) (ok bool, reason string) {
	return true, ""
}

// RecordConnection does nothing.
func (n *NoOpRateLimiter) RecordConnection(_ string) {}

// RecordMessage does nothing.
func (n *NoOpRateLimiter) RecordMessage(_ string) {}

// ReleaseConnection does nothing.
func (n *NoOpRateLimiter) ReleaseConnection(_ string) {}

// SimpleRateLimiter is an in-memory per-IP limiter with one-minute windows.
// State is per process; use a shared limiter when running several instances.
type SimpleRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientState
	now     func() time.Time

	maxConnsPerMinute    int
	maxMessagesPerMinute int
}

type clientState struct {
	connections int
	messages    int
	resetAt     time.Time
}

// NewSimpleRateLimiter creates a rate limiter. Non-positive limits fall back
// to the defaults.
func NewSimpleRateLimiter(maxConnsPerMinute, maxMessagesPerMinute int) *SimpleRateLimiter {
	if maxConnsPerMinute <= 0 {
		maxConnsPerMinute = defaultMaxConnsPerMinute
	}
	if maxMessagesPerMinute <= 0 {
		maxMessagesPerMinute = defaultMaxMessagesPerMinute
	}
	return &SimpleRateLimiter{
		clients:              make(map[string]*clientState),
		now:                  time.Now,
		maxConnsPerMinute:    maxConnsPerMinute,
		maxMessagesPerMinute: maxMessagesPerMinute,
	}
}

// client returns the current window for clientIP. Callers hold r.mu.
func (r *SimpleRateLimiter) client(clientIP string) *clientState {
	now := r.now()
	cs, ok := r.clients[clientIP]
	if !ok {
		cs = &clientState{resetAt: now.Add(time.Minute)}
		r.clients[clientIP] = cs
	}
	if now.After(cs.resetAt) {
		cs.connections = 0
		cs.messages = 0
		cs.resetAt = now.Add(time.Minute)
	}
	return cs
}

// AllowConnection checks whether a new connection from clientIP should be allowed.
func (r *SimpleRateLimiter) AllowConnection(clientIP string) (allowed bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client(clientIP).connections >= r.maxConnsPerMinute {
		return false, "Too many connections, try again later"
	}
	return true, ""
}

// AllowMessage checks whether a message from clientIP should be accepted.
func (r *SimpleRateLimiter) AllowMessage(clientIP string) (allowed bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client(clientIP).messages >= r.maxMessagesPerMinute {
		return false, "Too many messages, try again later"
	}
	return true, ""
}

// RecordConnection counts a connection against the current window.
func (r *SimpleRateLimiter) RecordConnection(clientIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client(clientIP).connections++
}

// RecordMessage counts a message against the current window.
func (r *SimpleRateLimiter) RecordMessage(clientIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client(clientIP).messages++
}

// ReleaseConnection drops the state of clients whose window has expired.
func (r *SimpleRateLimiter) ReleaseConnection(_ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for ip, cs := range r.clients {
		if now.After(cs.resetAt) {
			delete(r.clients, ip)
		}
	}
}
