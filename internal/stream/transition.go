package stream

type eventKind int

const (
	eventConnect eventKind = iota
	eventOpened
	eventClosed
	eventMessage
)

type effect int

const (
	effectNone effect = iota
	effectDial
	effectCancelReconnect
	effectScheduleReconnect
)

// transition is the connection state machine. It has no side effects; the
// owner goroutine executes the returned effect.
func transition(s State, e eventKind) (State, effect) {
	switch e {
	case eventConnect:
		if s == Disconnected {
			return Connecting, effectDial
		}
	case eventOpened:
		if s == Connecting {
			return Connected, effectCancelReconnect
		}
	case eventClosed:
		if s == Connecting || s == Connected {
			return Disconnected, effectScheduleReconnect
		}
	}
	return s, effectNone
}
