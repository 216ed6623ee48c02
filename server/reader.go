package server

import (
	"bufio"
	"errors"
	"io"
)

// DefaultMaxLineLength is the longest line accepted, terminator included.
const DefaultMaxLineLength = 1000

var (
	// ErrNonASCII is returned for a line containing a byte of 127 or above.
	ErrNonASCII = errors.New("non-ASCII characters in line")

	// ErrLineTooLong is returned for a line longer than the configured maximum.
	ErrLineTooLong = errors.New("line too long")
)

// IsLineError reports whether err rejects a single line and leaves the
// stream usable.
func IsLineError(err error) bool {
	return errors.Is(err, ErrNonASCII) || errors.Is(err, ErrLineTooLong)
}

// LineReader hands out one raw protocol line per call, terminator included.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader wraps r. A maxLineLength of zero or less disables the limit.
func NewLineReader(r io.Reader, maxLineLength int) *LineReader {
	return &LineReader{
		r:   bufio.NewReader(r),
		max: maxLineLength,
	}
}

// ReadLine returns the next line up to and including LF. A line with no CR
// before the LF is returned as is; rejecting it is the parser's job.
//
// It returns io.EOF only when the stream ends between lines and
// io.ErrUnexpectedEOF when it ends inside one. On ErrNonASCII and
// ErrLineTooLong the offending line has been consumed in full.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var (
		line     []byte
		read     int
		tooLong  bool
		nonASCII bool
	)

	for {
		chunk, err := lr.r.ReadSlice('\n')
		read += len(chunk)

		if !nonASCII && hasNonASCII(chunk) {
			nonASCII = true
		}
		if !tooLong {
			if lr.max > 0 && read > lr.max {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if read == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	switch {
	case tooLong:
		return nil, ErrLineTooLong
	case nonASCII:
		return nil, ErrNonASCII
	}
	return line, nil
}

func hasNonASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x7f {
			return true
		}
	}
	return false
}
