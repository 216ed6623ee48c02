// Package notify publishes SMTP session events to NATS.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"smtpfront/logging"
	"smtpfront/server"
)

// Event types, also used as the last subject token.
const (
	EventConnect    = "connect"
	EventMessage    = "message"
	EventError      = "error"
	EventDisconnect = "disconnect"
)

// Publisher is the part of *nats.Conn the observer needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON document published for every session event.
type Event struct {
	Type             string        `json:"type"`
	Time             time.Time     `json:"time"`
	SessionID        string        `json:"session_id"`
	ClientIP         string        `json:"client_ip"`
	ClientHostname   string        `json:"client_hostname,omitempty"`
	Hostname         string        `json:"hostname"`
	State            string        `json:"state"`
	MessagesAccepted int           `json:"messages_accepted"`
	Message          *MessageEvent `json:"message,omitempty"`
	Error            string        `json:"error,omitempty"`
	Command          string        `json:"command,omitempty"`
	DurationMS       int64         `json:"duration_ms,omitempty"`
}

// MessageEvent carries the envelope of a stored message. The body is not
// published.
type MessageEvent struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Size int      `json:"size"`
}

// Connect dials the NATS server at url with reconnect logging.
func Connect(url string, logger logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	nc, err := nats.Connect(url,
		nats.Name("smtpfront"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.F("err", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", logging.F("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSObserver implements server.SessionObserver by publishing each event
// to <subject>.<event type>. Publish failures are logged and dropped; they
// never affect the SMTP session.
type NATSObserver struct {
	pub     Publisher
	subject string
	logger  logging.Logger
	now     func() time.Time
}

var _ server.SessionObserver = (*NATSObserver)(nil)

// NewNATSObserver creates an observer publishing through pub, usually a
// *nats.Conn.
func NewNATSObserver(pub Publisher, subject string, logger logging.Logger) *NATSObserver {
	if subject == "" {
		subject = server.DefaultNATSSubject
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &NATSObserver{
		pub:     pub,
		subject: subject,
		logger:  logger,
		now:     time.Now,
	}
}

// OnConnect publishes a connect event.
func (o *NATSObserver) OnConnect(session *server.SessionContext) {
	o.publish(o.event(EventConnect, session))
}

// OnMessage publishes the envelope of a stored message.
func (o *NATSObserver) OnMessage(session *server.SessionContext, msg *server.Message) {
	ev := o.event(EventMessage, session)
	ev.Message = &MessageEvent{
		From: msg.From,
		To:   msg.To,
		Size: msg.Size,
	}
	o.publish(ev)
}

// OnError publishes a protocol or storage error.
func (o *NATSObserver) OnError(session *server.SessionContext, err error, command string) {
	ev := o.event(EventError, session)
	if err != nil {
		ev.Error = err.Error()
	}
	ev.Command = command
	o.publish(ev)
}

// OnDisconnect publishes a disconnect event with the session duration.
func (o *NATSObserver) OnDisconnect(session *server.SessionContext, duration time.Duration) {
	ev := o.event(EventDisconnect, session)
	ev.DurationMS = duration.Milliseconds()
	o.publish(ev)
}

func (o *NATSObserver) event(typ string, session *server.SessionContext) *Event {
	ev := &Event{
		Type: typ,
		Time: o.now().UTC(),
	}
	if session != nil {
		ev.SessionID = session.ID
		ev.ClientIP = session.ClientIP
		ev.ClientHostname = session.ClientHostname
		ev.Hostname = session.Hostname
		ev.State = session.State
		ev.MessagesAccepted = session.MessagesAccepted
	}
	return ev
}

// Subject returns the subject events of typ are published to.
func (o *NATSObserver) Subject(typ string) string {
	return o.subject + "." + typ
}

func (o *NATSObserver) publish(ev *Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		o.logger.Error("Failed to encode event", err, logging.F("type", ev.Type))
		return
	}

	if err := o.pub.Publish(o.Subject(ev.Type), data); err != nil {
		o.logger.Warn("Failed to publish event",
			logging.F("type", ev.Type),
			logging.F("session_id", ev.SessionID),
			logging.F("err", err))
	}
}
