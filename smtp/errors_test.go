package smtp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetErrorMessage(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{Code421, "Service not available, closing transmission channel"},
		{Code500, "Syntax error, command unrecognized"},
		{Code503, "Bad sequence of commands"},
		{Code552, "Requested mail action aborted: exceeded storage allocation"},
		{999, "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("Code_%d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, GetErrorMessage(tt.code))
		})
	}
}

func TestReplyForError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"syntax", &SyntaxError{Reason: "Invalid MAIL command: Missing >"}, "501 Invalid MAIL command: Missing >"},
		{"wrapped syntax", fmt.Errorf("line 3: %w", &SyntaxError{Reason: "Invalid DATA command"}), "501 Invalid DATA command"},
		{"unknown", ErrUnknownCommand, "500 Syntax error, command unrecognized"},
		{"line ending", ErrInvalidLineEnding, "500 Syntax error, invalid line ending"},
		{"other", errors.New("boom"), "451 Requested action aborted: local error in processing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ReplyForError(tt.err).String())
		})
	}
}

func TestSyntaxErrorMessage(t *testing.T) {
	err := syntaxError("Invalid HELO command: Missing SP")
	assert.EqualError(t, err, "Invalid HELO command: Missing SP")
}

func TestReplyHelpers(t *testing.T) {
	assert.Equal(t, "220 mx.example ESMTP smtpfront", GreetingReply("mx.example", "smtpfront").String())
	assert.Equal(t, "250 Hello a", HelloReply("a").String())
	assert.Equal(t, "421 Idle timeout", ClosingReply("Idle timeout").String())
	assert.Equal(t, "421 Service not available, closing transmission channel", ClosingReply("").String())

	assert.True(t, Reply{}.IsZero())
	assert.False(t, replyStartData.IsZero())
}
