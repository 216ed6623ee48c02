package smtp

// CommandKind identifies the variant of a parsed Command.
type CommandKind int

// Command kinds. KindInvalid and KindUnknown label lines that failed to parse.
const (
	KindInvalid CommandKind = iota
	KindUnknown
	KindHelo
	KindEhlo
	KindMailFrom
	KindRcptTo
	KindData
	KindQuit
	KindRset
	KindNoop
)

// Command name constants
const (
	CmdHELO = "HELO"
	CmdEHLO = "EHLO"
	CmdMAIL = "MAIL"
	CmdRCPT = "RCPT"
	CmdDATA = "DATA"
	CmdQUIT = "QUIT"
	CmdRSET = "RSET"
	CmdNOOP = "NOOP"
)

// String returns the command verb, or INVALID/UNKNOWN for failed lines.
func (k CommandKind) String() string {
	switch k {
	case KindHelo:
		return CmdHELO
	case KindEhlo:
		return CmdEHLO
	case KindMailFrom:
		return CmdMAIL
	case KindRcptTo:
		return CmdRCPT
	case KindData:
		return CmdDATA
	case KindQuit:
		return CmdQUIT
	case KindRset:
		return CmdRSET
	case KindNoop:
		return CmdNOOP
	case KindUnknown:
		return "UNKNOWN"
	default:
		return "INVALID"
	}
}

// Command is a parsed SMTP command. Arg holds the client hostname for
// HELO/EHLO and the address for MAIL/RCPT, copied verbatim from the line.
type Command struct {
	Kind CommandKind
	Arg  string
}

const (
	sp = ' '
	cr = '\r'
	lf = '\n'
)

var crlf = []byte{cr, lf}

// ParseCommand parses one raw line, terminator included, into a Command.
// On failure the returned Command has KindInvalid or KindUnknown and the error
// is ErrInvalidLineEnding, ErrUnknownCommand or a *SyntaxError.
func ParseCommand(line []byte) (Command, error) {
	s := NewScanner(line)

	if !EqualFoldASCII(s.PopBack(2), crlf) {
		return Command{Kind: KindInvalid}, ErrInvalidLineEnding
	}

	token := s.PopFront(4)

	var (
		cmd Command
		err error
	)

	switch {
	case EqualFoldASCII(token, []byte(CmdMAIL)):
		cmd, err = parsePath(s, KindMailFrom, CmdMAIL, "FROM:")
	case EqualFoldASCII(token, []byte(CmdRCPT)):
		cmd, err = parsePath(s, KindRcptTo, CmdRCPT, "TO:")
	case EqualFoldASCII(token, []byte(CmdDATA)):
		cmd, err = parseBare(s, KindData, CmdDATA)
	case EqualFoldASCII(token, []byte(CmdHELO)):
		cmd, err = parseHello(s, KindHelo, CmdHELO)
	case EqualFoldASCII(token, []byte(CmdEHLO)):
		cmd, err = parseHello(s, KindEhlo, CmdEHLO)
	case EqualFoldASCII(token, []byte(CmdQUIT)):
		cmd, err = parseBare(s, KindQuit, CmdQUIT)
	case EqualFoldASCII(token, []byte(CmdRSET)):
		cmd, err = parseBare(s, KindRset, CmdRSET)
	case EqualFoldASCII(token, []byte(CmdNOOP)):
		cmd, err = parseNoop(s)
	default:
		return Command{Kind: KindUnknown}, ErrUnknownCommand
	}

	if err != nil {
		return Command{Kind: KindInvalid}, err
	}
	return cmd, nil
}

// parsePath handles MAIL FROM:<addr> and RCPT TO:<addr>, with or without
// angle brackets.
func parsePath(s *Scanner, kind CommandKind, name, keyword string) (Command, error) {
	invalid := "Invalid " + name + " command"

	if len(s.PopWhile(isSP)) == 0 {
		return Command{}, syntaxError(invalid + ": Missing SP")
	}

	if !EqualFoldASCII(s.PopFront(len(keyword)), []byte(keyword)) {
		return Command{}, syntaxError(invalid)
	}

	var (
		addr      []byte
		bracketed bool
	)

	if !s.IsEmpty() && s.RefFront(1)[0] == '<' {
		s.PopFront(1)
		addr = s.PopWhile(func(b byte) bool { return b != '>' })
		if len(s.PopFront(1)) != 1 {
			return Command{}, syntaxError(invalid + ": Missing >")
		}
		bracketed = true
	} else {
		addr = s.PopWhile(func(b byte) bool { return b != sp })
	}

	if !s.IsEmpty() {
		return Command{}, syntaxError(invalid)
	}

	if len(addr) == 0 {
		// <> is the null reverse-path, only meaningful for MAIL.
		if kind == KindRcptTo {
			return Command{}, syntaxError(invalid + ": Empty address")
		}
		if !bracketed {
			return Command{}, syntaxError(invalid)
		}
	}

	return Command{Kind: kind, Arg: string(addr)}, nil
}

// parseBare handles commands that take no arguments.
func parseBare(s *Scanner, kind CommandKind, name string) (Command, error) {
	if !s.IsEmpty() {
		return Command{}, syntaxError("Invalid " + name + " command")
	}
	return Command{Kind: kind}, nil
}

// parseHello handles HELO/EHLO: one SP, then the hostname verbatim.
func parseHello(s *Scanner, kind CommandKind, name string) (Command, error) {
	invalid := "Invalid " + name + " command"

	if s.IsEmpty() || s.PopFront(1)[0] != sp {
		return Command{}, syntaxError(invalid + ": Missing SP")
	}
	if s.IsEmpty() {
		return Command{}, syntaxError(invalid + ": Missing hostname")
	}

	return Command{Kind: kind, Arg: string(s.Bytes())}, nil
}

// parseNoop accepts NOOP with or without a parameter string.
func parseNoop(s *Scanner) (Command, error) {
	if !s.IsEmpty() && s.RefFront(1)[0] != sp {
		return Command{}, syntaxError("Invalid " + CmdNOOP + " command")
	}
	return Command{Kind: KindNoop}, nil
}

func isSP(b byte) bool { return b == sp }

// EqualFoldASCII reports whether a and b have the same length and are equal
// after upper-casing ASCII letters. Bytes outside a-z are compared as is.
func EqualFoldASCII(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if upperASCII(a[i]) != upperASCII(b[i]) {
			return false
		}
	}
	return true
}

func upperASCII(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}
