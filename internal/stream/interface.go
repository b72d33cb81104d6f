package stream

import (
	"context"

	"codeberg.org/mutker/energentctl/internal/telemetry"
)

// State is the connection state of the telemetry socket.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Conn is an open telemetry socket.
type Conn interface {
	// ReadMessage blocks until the next message arrives or the connection
	// ends. Close unblocks a pending read.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens telemetry sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Sink receives every valid sample in arrival order.
type Sink func(telemetry.Sample)
