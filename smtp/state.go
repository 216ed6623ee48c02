// Package smtp provides SMTP protocol state management functionality.
package smtp

// State represents the current state of an SMTP session.
type State int

// SMTP session states.
const (
	// StateAwaitGreeting is the initial state; the client must identify itself.
	StateAwaitGreeting State = iota

	// StateAwaitMailFrom is the state after HELO/EHLO, waiting for a sender.
	StateAwaitMailFrom

	// StateAwaitRcptTo is the state after MAIL FROM; recipients accumulate here.
	StateAwaitRcptTo

	// StateCollectingData is the state after DATA until the terminator line,
	// which leads back to StateAwaitRcptTo.
	StateCollectingData

	// StateClosed is the terminal state.
	StateClosed
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateAwaitGreeting:
		return "GREETING"
	case StateAwaitMailFrom:
		return "MAIL"
	case StateAwaitRcptTo:
		return "RCPT"
	case StateCollectingData:
		return "DATA"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// allowed maps each command to the states it may be issued in.
var allowed = map[CommandKind]map[State]bool{
	KindHelo:     {StateAwaitGreeting: true},
	KindEhlo:     {StateAwaitGreeting: true},
	KindMailFrom: {StateAwaitMailFrom: true},
	KindRcptTo:   {StateAwaitRcptTo: true},
	KindData:     {StateAwaitRcptTo: true},
	KindRset:     {StateAwaitMailFrom: true, StateAwaitRcptTo: true},
	KindNoop:     {StateAwaitGreeting: true, StateAwaitMailFrom: true, StateAwaitRcptTo: true},
	KindQuit:     {StateAwaitGreeting: true, StateAwaitMailFrom: true, StateAwaitRcptTo: true},
}

// Allows reports whether a command of the given kind is legal in this state.
func (s State) Allows(kind CommandKind) bool {
	if m, ok := allowed[kind]; ok {
		return m[s]
	}
	return false
}

// CanTransitionTo checks whether the state is allowed to transition to the specified next state.
func (s State) CanTransitionTo(next State) bool {
	transitions := map[State]map[State]bool{
		StateAwaitGreeting:  {StateAwaitMailFrom: true, StateClosed: true},
		StateAwaitMailFrom:  {StateAwaitRcptTo: true, StateClosed: true},
		StateAwaitRcptTo:    {StateAwaitRcptTo: true, StateCollectingData: true, StateAwaitMailFrom: true, StateClosed: true},
		StateCollectingData: {StateAwaitRcptTo: true, StateClosed: true},
		StateClosed:         {},
	}

	if m, ok := transitions[s]; ok {
		return m[next]
	}
	return false
}
