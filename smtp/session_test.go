package smtp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return NewSession(SessionConfig{
		Hostname:           "mx.test",
		Agent:              "smtpfront",
		MaxInvalidCommands: DefaultMaxInvalidCommands,
	})
}

// send feeds one command line and returns the rendered reply.
func send(t *testing.T, s *Session, line string) string {
	t.Helper()
	_, reply, err := s.HandleLine([]byte(line))
	if err == ErrSessionClosed {
		t.Fatalf("session closed before %q", line)
	}
	return reply.String()
}

func TestSessionScriptedExchange(t *testing.T) {
	s := newTestSession()

	assert.Equal(t, "220 mx.test ESMTP smtpfront", s.Greeting().String())
	assert.Equal(t, StateAwaitGreeting, s.State())

	assert.Equal(t, "250 Hello a", send(t, s, "EHLO a\r\n"))
	assert.Equal(t, StateAwaitMailFrom, s.State())

	assert.Equal(t, "250 Ok", send(t, s, "MAIL FROM:<a@b>\r\n"))
	assert.Equal(t, StateAwaitRcptTo, s.State())

	assert.Equal(t, "250 Ok", send(t, s, "RCPT TO:<c@d>\r\n"))
	assert.Equal(t, "354 End data with <CR><LF>.<CR><LF>", send(t, s, "DATA\r\n"))
	assert.True(t, s.InDataMode())
	assert.Equal(t, StateCollectingData, s.State())

	for _, line := range []string{"Subject: hi\r\n", "\r\n", "..leading dot\r\n", "body\r\n"} {
		reply, tx := s.Collect([]byte(line))
		assert.True(t, reply.IsZero())
		assert.Nil(t, tx)
	}

	reply, tx := s.Collect([]byte(".\r\n"))
	assert.Equal(t, "250 Ok", reply.String())
	require.NotNil(t, tx)
	assert.Equal(t, "a", tx.ClientHostname)
	assert.Equal(t, "a@b", tx.Sender)
	assert.Equal(t, []string{"c@d"}, tx.Recipients)
	assert.Equal(t, "Subject: hi\r\n\r\n..leading dot\r\nbody\r\n", string(tx.Body))

	assert.False(t, s.InDataMode())
	assert.Equal(t, StateAwaitRcptTo, s.State())
	sender, hasSender := s.Sender()
	assert.True(t, hasSender)
	assert.Equal(t, "a@b", sender)
	assert.Empty(t, s.Recipients())

	assert.Equal(t, "221 Bye", send(t, s, "QUIT\r\n"))
	assert.True(t, s.Terminated())
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionRecipientsAppendInOrder(t *testing.T) {
	s := newTestSession()
	send(t, s, "HELO client\r\n")
	send(t, s, "MAIL FROM:<a@b>\r\n")

	want := []string{"one@x", "two@x", "one@x", "three@x"}
	for _, rcpt := range want {
		assert.Equal(t, "250 Ok", send(t, s, "RCPT TO:<"+rcpt+">\r\n"))
	}

	assert.Equal(t, want, s.Recipients())
	assert.Equal(t, StateAwaitRcptTo, s.State())

	got := s.Recipients()
	got[0] = "mutated"
	assert.Equal(t, "one@x", s.Recipients()[0])
}

func TestSessionOutOfOrderCommandsStayConnected(t *testing.T) {
	s := newTestSession()

	assert.Equal(t, "503 Bad sequence of commands", send(t, s, "MAIL FROM:<a@b>\r\n"))
	assert.Equal(t, "503 Bad sequence of commands", send(t, s, "DATA\r\n"))
	assert.Equal(t, StateAwaitGreeting, s.State())
	assert.False(t, s.Terminated())

	send(t, s, "EHLO a\r\n")
	assert.Equal(t, "503 Bad sequence of commands", send(t, s, "EHLO again\r\n"))
	assert.Equal(t, "503 Bad sequence of commands", send(t, s, "RCPT TO:<c@d>\r\n"))

	name, ok := s.ClientHostname()
	assert.True(t, ok)
	assert.Equal(t, "a", name)
}

func TestSessionParseErrorsStayConnected(t *testing.T) {
	s := newTestSession()
	send(t, s, "EHLO a\r\n")

	assert.Equal(t, "501 Invalid MAIL command: Missing >", send(t, s, "MAIL FROM:<a@b\r\n"))
	assert.Equal(t, "500 Syntax error, command unrecognized", send(t, s, "VRFY x\r\n"))
	assert.Equal(t, "500 Syntax error, invalid line ending", send(t, s, "MAIL FROM:<a@b>\n"))
	assert.Equal(t, StateAwaitMailFrom, s.State())

	assert.Equal(t, "250 Ok", send(t, s, "MAIL FROM:<a@b>\r\n"))
}

func TestSessionDataWithoutRecipients(t *testing.T) {
	s := newTestSession()
	s.Handle(Command{Kind: KindEhlo, Arg: "a"})

	_, hasSender := s.Sender()
	assert.False(t, hasSender)

	reply, err := s.Handle(Command{Kind: KindMailFrom, Arg: ""})
	require.NoError(t, err)
	assert.Equal(t, "250 Ok", reply.String())

	sender, hasSender := s.Sender()
	assert.True(t, hasSender)
	assert.Empty(t, sender)

	reply, err = s.Handle(Command{Kind: KindData})
	require.NoError(t, err)
	assert.Equal(t, "503 Bad sequence of commands: need RCPT", reply.String())
	assert.False(t, s.InDataMode())
}

func TestSessionInvalidLimit(t *testing.T) {
	s := NewSession(SessionConfig{Hostname: "h", Agent: "a", MaxInvalidCommands: 3})

	assert.Equal(t, "500 Syntax error, command unrecognized", send(t, s, "XXXX\r\n"))
	assert.Equal(t, "500 Syntax error, command unrecognized", send(t, s, "XXXX\r\n"))
	assert.Equal(t, "421 Too many invalid commands, closing connection", send(t, s, "XXXX\r\n"))
	assert.True(t, s.Terminated())

	_, reply, err := s.HandleLine([]byte("QUIT\r\n"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, reply.IsZero())

	_, err = s.Handle(Command{Kind: KindQuit})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionAcceptedCommandResetsInvalidCount(t *testing.T) {
	s := NewSession(SessionConfig{MaxInvalidCommands: 2})

	send(t, s, "XXXX\r\n")
	send(t, s, "NOOP\r\n")
	send(t, s, "XXXX\r\n")
	assert.False(t, s.Terminated())

	assert.Equal(t, 421, s.Reject(Reply{Code: Code500, Text: "Line too long"}).Code)
	assert.True(t, s.Terminated())
}

func TestSessionRset(t *testing.T) {
	s := newTestSession()
	send(t, s, "EHLO a\r\n")
	send(t, s, "MAIL FROM:<a@b>\r\n")
	send(t, s, "RCPT TO:<c@d>\r\n")

	assert.Equal(t, "250 Ok", send(t, s, "RSET\r\n"))
	assert.Equal(t, StateAwaitMailFrom, s.State())
	assert.Empty(t, s.Recipients())
	_, hasSender := s.Sender()
	assert.False(t, hasSender)

	name, _ := s.ClientHostname()
	assert.Equal(t, "a", name)
}

func TestSessionNoopKeepsState(t *testing.T) {
	s := newTestSession()
	assert.Equal(t, "250 Ok", send(t, s, "NOOP\r\n"))
	assert.Equal(t, StateAwaitGreeting, s.State())

	send(t, s, "HELO a\r\n")
	send(t, s, "MAIL FROM:<a@b>\r\n")
	assert.Equal(t, "250 Ok", send(t, s, "noop\r\n"))
	assert.Equal(t, StateAwaitRcptTo, s.State())
}

func TestSessionCollectTaintedBody(t *testing.T) {
	s := newTestSession()
	send(t, s, "EHLO a\r\n")
	send(t, s, "MAIL FROM:<a@b>\r\n")
	send(t, s, "RCPT TO:<c@d>\r\n")
	send(t, s, "DATA\r\n")

	s.Collect([]byte("good\r\n"))
	s.Collect([]byte("bare lf\n"))
	reply, tx := s.Collect([]byte(".\r\n"))

	assert.Equal(t, "500 Syntax error, invalid line ending", reply.String())
	assert.Nil(t, tx)
	assert.Equal(t, StateAwaitRcptTo, s.State())
}

func TestSessionCollectOversizeBody(t *testing.T) {
	s := NewSession(SessionConfig{MaxMessageSize: 16})
	send(t, s, "EHLO a\r\n")
	send(t, s, "MAIL FROM:<a@b>\r\n")
	send(t, s, "RCPT TO:<c@d>\r\n")
	send(t, s, "DATA\r\n")

	s.Collect([]byte("0123456789\r\n"))
	s.Collect([]byte(strings.Repeat("x", 20) + "\r\n"))
	s.Collect([]byte("tail\r\n"))
	reply, tx := s.Collect([]byte(".\r\n"))

	assert.Equal(t, 552, reply.Code)
	assert.Nil(t, tx)
	assert.False(t, s.InDataMode())
}

func TestSessionCollectOutsideDataMode(t *testing.T) {
	s := newTestSession()
	reply, tx := s.Collect([]byte(".\r\n"))
	assert.True(t, reply.IsZero())
	assert.Nil(t, tx)
}

func TestSessionSecondTransaction(t *testing.T) {
	s := newTestSession()
	send(t, s, "EHLO a\r\n")

	send(t, s, "MAIL FROM:<a@b>\r\n")

	for _, rcpt := range []string{"first@x", "second@x"} {
		send(t, s, "RCPT TO:<"+rcpt+">\r\n")
		send(t, s, "DATA\r\n")
		s.Collect([]byte("hello\r\n"))
		reply, tx := s.Collect([]byte(".\r\n"))
		assert.Equal(t, "250 Ok", reply.String())
		require.NotNil(t, tx)
		assert.Equal(t, "a@b", tx.Sender)
		assert.Equal(t, []string{rcpt}, tx.Recipients)
	}
}

func TestSessionRcptAfterTerminator(t *testing.T) {
	s := newTestSession()
	send(t, s, "EHLO a\r\n")
	send(t, s, "MAIL FROM:<a@b>\r\n")
	send(t, s, "RCPT TO:<c@d>\r\n")
	send(t, s, "DATA\r\n")
	s.Collect([]byte("body\r\n"))

	reply, _ := s.Collect([]byte(".\r\n"))
	assert.Equal(t, "250 Ok", reply.String())
	assert.Equal(t, StateAwaitRcptTo, s.State())

	assert.Equal(t, "250 Ok", send(t, s, "RCPT TO:<e@f>\r\n"))
	assert.Equal(t, []string{"e@f"}, s.Recipients())
	assert.Equal(t, "503 Bad sequence of commands", send(t, s, "MAIL FROM:<x@y>\r\n"))

	assert.Equal(t, "250 Ok", send(t, s, "RSET\r\n"))
	assert.Equal(t, StateAwaitMailFrom, s.State())
	assert.Equal(t, "250 Ok", send(t, s, "MAIL FROM:<x@y>\r\n"))
}

func TestSessionTransitionHook(t *testing.T) {
	var seen []string
	s := NewSession(SessionConfig{
		OnTransition: func(from, to State, kind CommandKind) {
			seen = append(seen, from.String()+">"+to.String()+":"+kind.String())
		},
	})

	send(t, s, "HELO a\r\n")
	send(t, s, "MAIL FROM:<a@b>\r\n")
	send(t, s, "RCPT TO:<c@d>\r\n")
	send(t, s, "RCPT TO:<e@f>\r\n")
	send(t, s, "QUIT\r\n")

	assert.Equal(t, []string{
		"GREETING>MAIL:HELO",
		"MAIL>RCPT:MAIL",
		"RCPT>CLOSED:QUIT",
	}, seen)
}

func TestSessionTerminate(t *testing.T) {
	s := newTestSession()
	send(t, s, "EHLO a\r\n")
	s.Terminate()

	assert.True(t, s.Terminated())
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionRejectBodyFirstWins(t *testing.T) {
	s := newTestSession()
	send(t, s, "EHLO a\r\n")
	send(t, s, "MAIL FROM:<a@b>\r\n")
	send(t, s, "RCPT TO:<c@d>\r\n")
	send(t, s, "DATA\r\n")

	s.Collect([]byte("ok\r\n"))
	s.RejectBody(Reply{Code: Code500, Text: "Syntax error, non-ASCII characters"})
	s.Collect([]byte("bare\n"))
	reply, tx := s.Collect([]byte(".\r\n"))

	assert.Equal(t, "500 Syntax error, non-ASCII characters", reply.String())
	assert.Nil(t, tx)

	s.RejectBody(replyTooLarge)
	send(t, s, "RCPT TO:<c@d>\r\n")
	send(t, s, "DATA\r\n")
	reply, tx = s.Collect([]byte(".\r\n"))
	assert.Equal(t, "250 Ok", reply.String())
	require.NotNil(t, tx)
	assert.Empty(t, tx.Body)
}
