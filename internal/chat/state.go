package chat

import "fmt"

// State is the connection state owned by the Arbiter.
type State int

const (
	StateNone State = iota
	StateListening
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is something that asks the Arbiter to change state.
type Event int

const (
	EventStart Event = iota
	EventConnect
	EventAttemptSucceeded // a listener or dialer produced a stream
	EventAttemptFailed    // the dialer gave up
	EventStreamFailed     // the session's read loop ended
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventConnect:
		return "connect"
	case EventAttemptSucceeded:
		return "attempt-succeeded"
	case EventAttemptFailed:
		return "attempt-failed"
	case EventStreamFailed:
		return "stream-failed"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Action is the work the Arbiter performs for a transition.
type Action int

const (
	// ActionIgnore leaves every handle alone.
	ActionIgnore Action = iota
	// ActionListen cancels the dialer and session and arms missing accept-loops.
	ActionListen
	// ActionDial cancels the previous dialer and session and starts a new dialer.
	ActionDial
	// ActionPromote cancels all pending attempts and turns the stream into the session.
	ActionPromote
	// ActionReject closes the offered stream.
	ActionReject
	// ActionRestart is ActionListen triggered by a failure.
	ActionRestart
	// ActionShutdown cancels the dialer, every accept-loop and the session.
	ActionShutdown
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionListen:
		return "listen"
	case ActionDial:
		return "dial"
	case ActionPromote:
		return "promote"
	case ActionReject:
		return "reject"
	case ActionRestart:
		return "restart"
	case ActionShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Transition is one cell of the state table.
type Transition struct {
	Next   State
	Action Action
}

// transitions holds every (state, event) pair. Events from attempts that are
// no longer current never reach the table; they are closed or dropped first.
var transitions = map[State]map[Event]Transition{
	StateNone: {
		EventStart:            {StateListening, ActionListen},
		EventConnect:          {StateConnecting, ActionDial},
		EventAttemptSucceeded: {StateNone, ActionReject},
		EventAttemptFailed:    {StateNone, ActionIgnore},
		EventStreamFailed:     {StateNone, ActionIgnore},
		EventStop:             {StateNone, ActionShutdown},
	},
	StateListening: {
		EventStart:            {StateListening, ActionListen},
		EventConnect:          {StateConnecting, ActionDial},
		EventAttemptSucceeded: {StateConnected, ActionPromote},
		EventAttemptFailed:    {StateListening, ActionRestart},
		EventStreamFailed:     {StateListening, ActionIgnore},
		EventStop:             {StateNone, ActionShutdown},
	},
	StateConnecting: {
		EventStart:            {StateListening, ActionListen},
		EventConnect:          {StateConnecting, ActionDial},
		EventAttemptSucceeded: {StateConnected, ActionPromote},
		EventAttemptFailed:    {StateListening, ActionRestart},
		EventStreamFailed:     {StateConnecting, ActionIgnore},
		EventStop:             {StateNone, ActionShutdown},
	},
	StateConnected: {
		EventStart:            {StateListening, ActionListen},
		EventConnect:          {StateConnecting, ActionDial},
		EventAttemptSucceeded: {StateConnected, ActionReject},
		EventAttemptFailed:    {StateConnected, ActionIgnore},
		EventStreamFailed:     {StateListening, ActionRestart},
		EventStop:             {StateNone, ActionShutdown},
	},
}

// Next looks up the transition for e in state s. Unknown pairs keep the
// state and do nothing.
func Next(s State, e Event) Transition {
	if row, ok := transitions[s]; ok {
		if t, ok := row[e]; ok {
			return t
		}
	}
	return Transition{Next: s, Action: ActionIgnore}
}
