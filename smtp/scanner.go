package smtp

import (
	"sync/atomic"

	"smtpfront/logging"
)

var (
	diagnostics  = logging.NewNopLogger()
	clampedTotal atomic.Int64
)

// SetLogger sets the logger used to report scanner anomalies. A nil logger
// restores the default, which discards everything.
func SetLogger(l logging.Logger) {
	if l == nil {
		l = logging.NewNopLogger()
	}
	diagnostics = l
}

// Clamped returns how many scanner requests asked for more bytes than were left.
func Clamped() int64 {
	return clampedTotal.Load()
}

// Scanner is a view over a byte slice that shrinks from either end.
// It never copies; every returned slice aliases the original data.
type Scanner struct {
	data []byte
}

// NewScanner returns a Scanner over data.
func NewScanner(data []byte) *Scanner {
	return &Scanner{data: data}
}

// Len returns the number of bytes left in the view.
func (s *Scanner) Len() int { return len(s.data) }

// IsEmpty reports whether the view is empty.
func (s *Scanner) IsEmpty() bool { return len(s.data) == 0 }

// Bytes returns the remaining view.
func (s *Scanner) Bytes() []byte { return s.data }

// PopFront removes up to n bytes from the front and returns them.
func (s *Scanner) PopFront(n int) []byte {
	n = s.clamp("pop_front", n)
	front := s.data[:n:n]
	s.data = s.data[n:]
	return front
}

// PopBack removes up to n bytes from the back and returns them.
func (s *Scanner) PopBack(n int) []byte {
	n = s.clamp("pop_back", n)
	split := len(s.data) - n
	back := s.data[split:]
	s.data = s.data[:split:split]
	return back
}

// RefFront returns up to n bytes from the front without consuming them.
func (s *Scanner) RefFront(n int) []byte {
	n = s.clamp("ref_front", n)
	return s.data[:n:n]
}

// PopWhile removes the longest run of leading bytes satisfying pred.
func (s *Scanner) PopWhile(pred func(byte) bool) []byte {
	n := 0
	for n < len(s.data) && pred(s.data[n]) {
		n++
	}
	return s.PopFront(n)
}

func (s *Scanner) clamp(op string, n int) int {
	if n < 0 {
		return 0
	}
	if n > len(s.data) {
		clampedTotal.Add(1)
		diagnostics.Debug("scanner request exceeds remaining length",
			logging.F("op", op),
			logging.F("requested", n),
			logging.F("available", len(s.data)))
		return len(s.data)
	}
	return n
}
