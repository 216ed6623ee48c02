package smtp

import (
	"fmt"
	"strconv"
)

// Reply is a single-line SMTP response.
type Reply struct {
	Code int
	Text string
}

// String renders the reply without its line terminator.
func (r Reply) String() string {
	return strconv.Itoa(r.Code) + " " + r.Text
}

// IsZero reports whether r carries no reply.
func (r Reply) IsZero() bool {
	return r.Code == 0
}

var (
	replyOk        = Reply{Code: Code250, Text: "Ok"}
	replyStartData = Reply{Code: Code354, Text: "End data with <CR><LF>.<CR><LF>"}
	replyBye       = Reply{Code: Code221, Text: "Bye"}
	replyBadSeq    = Reply{Code: Code503, Text: GetErrorMessage(Code503)}
	replyNeedRcpt  = Reply{Code: Code503, Text: "Bad sequence of commands: need RCPT"}
	replyTooMany   = Reply{Code: Code421, Text: "Too many invalid commands, closing connection"}
	replyTooLarge  = Reply{Code: Code552, Text: GetErrorMessage(Code552)}
)

// GreetingReply is the banner sent when a connection opens.
func GreetingReply(hostname, agent string) Reply {
	return Reply{Code: Code220, Text: fmt.Sprintf("%s ESMTP %s", hostname, agent)}
}

// HelloReply acknowledges HELO/EHLO.
func HelloReply(clientHostname string) Reply {
	return Reply{Code: Code250, Text: "Hello " + clientHostname}
}

// ClosingReply is a 421 sent when the server drops the connection on its own.
func ClosingReply(reason string) Reply {
	if reason == "" {
		reason = GetErrorMessage(Code421)
	}
	return Reply{Code: Code421, Text: reason}
}
