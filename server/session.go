package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"smtpfront/logging"
	"smtpfront/metrics"
	"smtpfront/smtp"
)

var (
	replyIdleTimeout = smtp.ClosingReply("Idle timeout, closing connection")
	replyNonASCII    = smtp.Reply{Code: smtp.Code500, Text: "Syntax error, non-ASCII characters"}
	replyLineTooLong = smtp.Reply{Code: smtp.Code500, Text: "Line too long"}
	replyStoreFailed = smtp.Reply{Code: smtp.Code451, Text: smtp.GetErrorMessage(smtp.Code451)}
)

// Session represents a single SMTP client connection. It owns the socket
// and the protocol state machine; nothing in it is shared with other
// connections.
type Session struct {
	conn      net.Conn
	reader    *LineReader
	proto     *smtp.Session
	config    *Config
	logger    *logging.SMTPLogger
	startTime time.Time

	writeMu     sync.Mutex
	closeReason string
	messages    int
}

// NewSession creates a session for conn. config must have had
// EnsureDefaults applied.
func NewSession(conn net.Conn, config *Config) *Session {
	s := &Session{
		conn:      conn,
		reader:    NewLineReader(conn, config.MaxLineLength),
		config:    config,
		logger:    logging.NewSMTPLogger(config.Logger, conn),
		startTime: time.Now(),
	}

	s.proto = smtp.NewSession(smtp.SessionConfig{
		Hostname:           config.Hostname,
		Agent:              config.Agent,
		MaxInvalidCommands: config.MaxInvalidCommands,
		MaxMessageSize:     config.MaxMessageSize,
		OnTransition:       s.onTransition,
	})

	return s
}

// Handle serves the connection until QUIT, a fatal protocol condition or an
// I/O failure, and closes it.
func (s *Session) Handle() error {
	clientIP := s.logger.GetClientIP()
	s.logger.LogConnection(localAddr(s.conn))

	if ok, reason := s.config.RateLimiter.AllowConnection(clientIP); !ok {
		s.logger.Warn("Connection rejected by rate limiter", logging.F("reason", reason))
		metrics.ConnectionRateLimited()
		err := s.writeReply(smtp.ClosingReply(reason))
		s.closeConn()
		s.logger.LogConnectionClosed(time.Since(s.startTime), "rate limited")
		return err
	}

	s.config.RateLimiter.RecordConnection(clientIP)
	metrics.ConnectionOpened()
	s.config.Observer.OnConnect(s.context())

	defer func() {
		duration := time.Since(s.startTime)
		s.closeConn()
		s.logger.LogConnectionClosed(duration, s.closeReason)
		s.config.Observer.OnDisconnect(s.context(), duration)
		s.config.RateLimiter.ReleaseConnection(clientIP)
		metrics.ConnectionClosed(duration)
	}()

	if err := s.writeReply(s.proto.Greeting()); err != nil {
		s.closeReason = "write failed"
		return err
	}

	return s.runCommandLoop()
}

// runCommandLoop reads lines and feeds them to the protocol state machine.
func (s *Session) runCommandLoop() error {
	for {
		if s.config.IdleTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
				s.logger.Debug("Failed to set read deadline", logging.F("err", err))
			}
		}

		line, err := s.reader.ReadLine()
		if err != nil {
			if done, err := s.handleReadError(err); done {
				return err
			}
		} else if s.proto.InDataMode() {
			if err := s.handleDataLine(line); err != nil {
				s.closeReason = "write failed"
				return err
			}
		} else if err := s.handleCommandLine(line); err != nil {
			s.closeReason = "write failed"
			return err
		}

		if s.proto.Terminated() {
			if s.closeReason == "" {
				s.closeReason = "too many invalid commands"
			}
			return nil
		}
	}
}

// handleReadError decides whether a read error ends the session. Line
// errors are answered and the loop goes on.
func (s *Session) handleReadError(err error) (done bool, _ error) {
	var netErr net.Error

	switch {
	case IsLineError(err):
		s.logger.LogProtocolError(err, s.proto.State().String())
		s.config.Observer.OnError(s.context(), err, "")

		reply := replyLineTooLong
		class := "toolong"
		if errors.Is(err, ErrNonASCII) {
			reply = replyNonASCII
			class = "nonascii"
		}
		metrics.ProtocolError(class)

		if s.proto.InDataMode() {
			s.proto.RejectBody(reply)
			return false, nil
		}
		if werr := s.writeReply(s.proto.Reject(reply)); werr != nil {
			s.closeReason = "write failed"
			return true, werr
		}
		return false, nil

	case errors.As(err, &netErr) && netErr.Timeout():
		s.proto.Terminate()
		s.closeReason = "idle timeout"
		s.logger.Info("Closing idle session", logging.F("idle_timeout", s.config.IdleTimeout))
		if werr := s.writeReplyBy(replyIdleTimeout, time.Now().Add(maxWriteDeadline)); werr != nil {
			s.logger.Debug("Failed to send idle timeout reply", logging.F("err", werr))
		}
		return true, nil

	case errors.Is(err, io.EOF):
		s.closeReason = "client closed connection"
		return true, nil

	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		s.closeReason = "connection closed by server"
		return true, nil

	default:
		s.closeReason = "read failed"
		return true, err
	}
}

// handleCommandLine runs one command line through the state machine and
// writes the reply.
func (s *Session) handleCommandLine(line []byte) error {
	state := s.proto.State()

	cmd, reply, err := s.proto.HandleLine(line)
	s.logger.LogCommand(cmd.Kind.String(), cmd.Arg, state.String())

	switch {
	case err != nil:
		s.logger.LogProtocolError(err, state.String())
		s.config.Observer.OnError(s.context(), err, cmd.Kind.String())
		metrics.ProtocolError(errorClass(err))
	case reply.Code == smtp.Code503:
		metrics.ProtocolError("sequence")
	}

	if cmd.Kind == smtp.KindQuit && s.proto.Terminated() {
		s.closeReason = "quit"
	}

	metrics.Command(cmd.Kind.String(), reply.Code)
	return s.writeReply(reply)
}

// handleDataLine collects one body line and, on the terminator, delivers
// the transaction.
func (s *Session) handleDataLine(line []byte) error {
	reply, tx := s.proto.Collect(line)
	if reply.IsZero() {
		return nil
	}

	switch {
	case tx != nil:
		reply = s.deliver(tx)
	default:
		s.logger.Warn("Message rejected", logging.F("response", reply.String()))
		metrics.Transaction("rejected")
	}

	return s.writeReply(reply)
}

// deliver hands a completed transaction to the message store.
func (s *Session) deliver(tx *smtp.Transaction) smtp.Reply {
	clientIP := s.logger.GetClientIP()

	if ok, reason := s.config.RateLimiter.AllowMessage(clientIP); !ok {
		s.logger.Warn("Message rejected by rate limiter", logging.F("reason", reason))
		metrics.Transaction("ratelimited")
		return smtp.Reply{Code: smtp.Code451, Text: reason}
	}

	msg := &Message{
		From:           tx.Sender,
		To:             tx.Recipients,
		Content:        tx.Body,
		Size:           len(tx.Body),
		SessionID:      s.logger.GetSessionID(),
		ClientIP:       clientIP,
		ClientHostname: tx.ClientHostname,
		Hostname:       s.config.Hostname,
		ReceivedAt:     time.Now(),
	}

	start := time.Now()
	if err := s.config.MessageStore.Store(msg); err != nil {
		s.logger.LogMessageStorageError(msg.From, msg.To, msg.Size, err)
		s.config.Observer.OnError(s.context(), err, smtp.CmdDATA)
		metrics.Transaction("storeerror")
		return replyStoreFailed
	}

	s.messages++
	s.config.RateLimiter.RecordMessage(clientIP)
	s.logger.LogMessageStored(msg.From, msg.To, msg.Size, time.Since(start))
	s.config.Observer.OnMessage(s.context(), msg)
	metrics.Transaction("accepted")

	return smtp.Reply{Code: smtp.Code250, Text: "Ok"}
}

func (s *Session) onTransition(from, to smtp.State, kind smtp.CommandKind) {
	s.logger.LogStateTransition(from.String(), to.String(), kind.String())
	if to == smtp.StateCollectingData {
		sender, _ := s.proto.Sender()
		s.logger.LogMessageStart(sender, s.proto.Recipients())
	}
}

// writeReply sends one reply line. Writes are bounded by the idle timeout.
func (s *Session) writeReply(reply smtp.Reply) error {
	var deadline time.Time
	if s.config.IdleTimeout > 0 {
		deadline = time.Now().Add(s.config.IdleTimeout)
	}
	return s.writeReplyBy(reply, deadline)
}

// writeReplyBy sends one reply line with a write deadline; a zero deadline
// means none.
func (s *Session) writeReplyBy(reply smtp.Reply, deadline time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.logger.Debug("Failed to set write deadline", logging.F("err", err))
	}

	resp := reply.String()
	_, err := s.conn.Write([]byte(resp + "\r\n"))
	s.logger.LogResponse(resp)
	return err
}

// CloseWith421 attempts to notify the client with a 421 response and close the connection.
// It uses the provided context to bound the write.
func (s *Session) CloseWith421(ctx context.Context, reason string) error {
	dl := time.Now().Add(maxWriteDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}

	err := s.writeReplyBy(smtp.ClosingReply(reason), dl)
	if err != nil {
		s.logger.Debug("Failed to write 421 on shutdown", logging.F("err", err))
	}

	if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		return errors.Join(err, cerr)
	}
	return err
}

func (s *Session) closeConn() {
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Error closing connection", logging.F("err", err))
	}
}

// context snapshots the session for observers.
func (s *Session) context() *SessionContext {
	clientHostname, _ := s.proto.ClientHostname()
	return &SessionContext{
		ID:               s.logger.GetSessionID(),
		ClientIP:         s.logger.GetClientIP(),
		ClientHostname:   clientHostname,
		Hostname:         s.config.Hostname,
		State:            s.proto.State().String(),
		MessagesAccepted: s.messages,
	}
}

// errorClass labels a parse error for metrics.
func errorClass(err error) string {
	var syntaxErr *smtp.SyntaxError
	switch {
	case errors.As(err, &syntaxErr):
		return "syntax"
	case errors.Is(err, smtp.ErrUnknownCommand):
		return "unknown"
	case errors.Is(err, smtp.ErrInvalidLineEnding):
		return "lineending"
	default:
		return "other"
	}
}

func localAddr(conn net.Conn) string {
	if addr := conn.LocalAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
