package smtp

import (
	"errors"
)

//nolint:revive // exported constants are intentionally grouped here
const (
	// Common SMTP codes exported for callers to avoid magic numbers
	Code220 = 220
	Code221 = 221
	Code250 = 250
	Code354 = 354
	Code421 = 421
	Code451 = 451
	Code500 = 500
	Code501 = 501
	Code502 = 502
	Code503 = 503
	Code552 = 552
	Code554 = 554
)

// Package-level mapping of standard SMTP error messages.
var errorMessages = map[int]string{
	Code421: "Service not available, closing transmission channel",
	Code451: "Requested action aborted: local error in processing",
	Code500: "Syntax error, command unrecognized", //nolint:misspell // RFC 5321 uses US spelling
	Code501: "Syntax error in parameters or arguments",
	Code502: "Command not implemented",
	Code503: "Bad sequence of commands",
	Code552: "Requested mail action aborted: exceeded storage allocation",
	Code554: "Transaction failed",
}

// GetErrorMessage returns a standard SMTP error message for the given error code.
func GetErrorMessage(code int) string {
	if msg, exists := errorMessages[code]; exists {
		return msg
	}
	return "Unknown error"
}

var (
	// ErrInvalidLineEnding is returned when a line does not end in CR LF.
	ErrInvalidLineEnding = errors.New("invalid line ending")

	// ErrUnknownCommand is returned for a command token outside the vocabulary.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrSessionClosed is returned when a command arrives after the session ended.
	ErrSessionClosed = errors.New("session closed")
)

// SyntaxError reports a correctly terminated line whose command body is malformed.
// Reason names the violated rule and is shown to the peer.
type SyntaxError struct {
	Reason string
}

func (e *SyntaxError) Error() string {
	return e.Reason
}

func syntaxError(reason string) error {
	return &SyntaxError{Reason: reason}
}

// ReplyForError maps a parse error to the negative reply sent to the peer.
func ReplyForError(err error) Reply {
	var syntaxErr *SyntaxError

	switch {
	case errors.As(err, &syntaxErr):
		return Reply{Code: Code501, Text: syntaxErr.Reason}
	case errors.Is(err, ErrUnknownCommand):
		return Reply{Code: Code500, Text: GetErrorMessage(Code500)}
	case errors.Is(err, ErrInvalidLineEnding):
		return Reply{Code: Code500, Text: "Syntax error, invalid line ending"}
	default:
		return Reply{Code: Code451, Text: GetErrorMessage(Code451)}
	}
}
