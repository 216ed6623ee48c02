package smtp

import (
	"bytes"
)

// DefaultMaxInvalidCommands is the number of consecutive rejected lines after
// which a session is closed.
const DefaultMaxInvalidCommands = 10

// SessionConfig holds the per-connection parameters of a Session.
type SessionConfig struct {
	Hostname string // announced in the greeting
	Agent    string // announced in the greeting

	// MaxInvalidCommands closes the session after this many consecutive
	// rejected lines. Zero or less disables the limit.
	MaxInvalidCommands int

	// MaxMessageSize caps the collected body in bytes. Zero or less disables the cap.
	MaxMessageSize int

	// OnTransition, if set, is called after every state change.
	OnTransition func(from, to State, kind CommandKind)
}

// Transaction is a completed MAIL/RCPT/DATA exchange.
type Transaction struct {
	ClientHostname string
	Sender         string
	Recipients     []string
	Body           []byte // raw lines, CR LF included, terminator excluded
}

// Session is the state machine for one SMTP connection. It does no I/O: the
// caller feeds it lines and writes back the replies it returns. A Session is
// not safe for concurrent use.
type Session struct {
	cfg   SessionConfig
	state State

	clientHostname    string
	hasClientHostname bool
	sender            string
	hasSender         bool
	recipients        []string

	inDataMode   bool
	body         []byte
	bodyRejected Reply

	invalid    int
	terminated bool
}

// NewSession returns a Session waiting for HELO/EHLO.
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		cfg:   cfg,
		state: StateAwaitGreeting,
	}
}

// Greeting returns the 220 banner to send when the connection opens.
func (s *Session) Greeting() Reply {
	return GreetingReply(s.cfg.Hostname, s.cfg.Agent)
}

// HandleLine parses one raw command line and applies it. The returned error is
// the parse error, if any, and is informational: the reply already accounts for it.
// Once the session is terminated it returns ErrSessionClosed and a zero reply.
func (s *Session) HandleLine(line []byte) (Command, Reply, error) {
	if s.terminated {
		return Command{Kind: KindInvalid}, Reply{}, ErrSessionClosed
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		return cmd, s.Reject(ReplyForError(err)), err
	}

	reply, err := s.Handle(cmd)
	return cmd, reply, err
}

// Handle applies a parsed command and returns the reply for it.
func (s *Session) Handle(cmd Command) (Reply, error) {
	if s.terminated {
		return Reply{}, ErrSessionClosed
	}

	switch cmd.Kind {
	case KindInvalid, KindUnknown:
		return s.Reject(ReplyForError(ErrUnknownCommand)), nil
	}

	if !s.state.Allows(cmd.Kind) {
		return s.Reject(replyBadSeq), nil
	}

	switch cmd.Kind {
	case KindHelo, KindEhlo:
		s.clientHostname = cmd.Arg
		s.hasClientHostname = true
		s.transition(StateAwaitMailFrom, cmd.Kind)
		return s.accept(HelloReply(cmd.Arg)), nil

	case KindMailFrom:
		s.sender = cmd.Arg
		s.hasSender = true
		s.transition(StateAwaitRcptTo, cmd.Kind)
		return s.accept(replyOk), nil

	case KindRcptTo:
		s.recipients = append(s.recipients, cmd.Arg)
		return s.accept(replyOk), nil

	case KindData:
		if len(s.recipients) == 0 {
			return s.Reject(replyNeedRcpt), nil
		}
		s.inDataMode = true
		s.body = nil
		s.bodyRejected = Reply{}
		s.transition(StateCollectingData, cmd.Kind)
		return s.accept(replyStartData), nil

	case KindRset:
		s.resetEnvelope()
		s.transition(StateAwaitMailFrom, cmd.Kind)
		return s.accept(replyOk), nil

	case KindNoop:
		return s.accept(replyOk), nil

	case KindQuit:
		s.close(cmd.Kind)
		return replyBye, nil
	}

	return s.Reject(replyBadSeq), nil
}

// Reject records a rejected line and returns the reply to send for it. When
// the consecutive-invalid limit is reached the session is closed and a 421 is
// returned instead.
func (s *Session) Reject(reply Reply) Reply {
	s.invalid++
	if s.cfg.MaxInvalidCommands > 0 && s.invalid >= s.cfg.MaxInvalidCommands {
		s.close(KindInvalid)
		return replyTooMany
	}
	return reply
}

// Collect consumes one raw line while in data mode. It returns a zero reply
// until the terminator line arrives. On the terminator it returns the final
// reply and, if the body was accepted, the completed transaction.
func (s *Session) Collect(line []byte) (Reply, *Transaction) {
	if !s.inDataMode {
		return Reply{}, nil
	}

	if bytes.Equal(line, dotCRLF) {
		return s.finishData()
	}

	if !bytes.HasSuffix(line, crlf) {
		s.RejectBody(ReplyForError(ErrInvalidLineEnding))
	}
	if !s.bodyRejected.IsZero() {
		return Reply{}, nil
	}
	if s.cfg.MaxMessageSize > 0 && len(s.body)+len(line) > s.cfg.MaxMessageSize {
		s.RejectBody(replyTooLarge)
		return Reply{}, nil
	}

	s.body = append(s.body, line...)
	return Reply{}, nil
}

// RejectBody marks the message being collected as rejected. Collection
// continues until the terminator, which is then answered with reply instead
// of 250. The first rejection wins.
func (s *Session) RejectBody(reply Reply) {
	if !s.inDataMode || !s.bodyRejected.IsZero() {
		return
	}
	s.bodyRejected = reply
	s.body = nil
}

var dotCRLF = []byte{'.', cr, lf}

func (s *Session) finishData() (Reply, *Transaction) {
	var (
		reply = replyOk
		tx    *Transaction
	)

	if !s.bodyRejected.IsZero() {
		reply = s.bodyRejected
	} else {
		tx = &Transaction{
			ClientHostname: s.clientHostname,
			Sender:         s.sender,
			Recipients:     append([]string(nil), s.recipients...),
			Body:           s.body,
		}
	}

	// The sender stays; the next transaction starts with RCPT.
	s.inDataMode = false
	s.body = nil
	s.bodyRejected = Reply{}
	s.recipients = nil
	s.transition(StateAwaitRcptTo, KindData)

	return reply, tx
}

// Terminate closes the session from the server side, e.g. on idle timeout.
func (s *Session) Terminate() {
	s.close(KindInvalid)
}

func (s *Session) accept(reply Reply) Reply {
	s.invalid = 0
	return reply
}

func (s *Session) close(kind CommandKind) {
	s.inDataMode = false
	s.terminated = true
	s.transition(StateClosed, kind)
}

func (s *Session) resetEnvelope() {
	s.sender = ""
	s.hasSender = false
	s.recipients = nil
}

func (s *Session) transition(to State, kind CommandKind) {
	from := s.state
	if from == to || !from.CanTransitionTo(to) {
		return
	}
	s.state = to
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(from, to, kind)
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// ClientHostname returns the name given in HELO/EHLO, if any.
func (s *Session) ClientHostname() (string, bool) {
	return s.clientHostname, s.hasClientHostname
}

// Sender returns the reverse-path of the open transaction, if any.
func (s *Session) Sender() (string, bool) {
	return s.sender, s.hasSender
}

// Recipients returns a copy of the recipients in the order they were given.
func (s *Session) Recipients() []string {
	return append([]string(nil), s.recipients...)
}

// InDataMode reports whether the session is collecting a message body.
func (s *Session) InDataMode() bool { return s.inDataMode }

// Terminated reports whether the session is closed.
func (s *Session) Terminated() bool { return s.terminated }
