package session

import "fmt"

// State is the playback state of a [Session].
type State int

const (
	// StateIdle means nothing is playing. The session advances as soon as
	// the queue is non-empty and a voice connection is up.
	StateIdle State = iota

	// StateResolving means the head request is being resolved and its pipe
	// opened.
	StateResolving

	// StatePlaying means frames are being streamed.
	StatePlaying

	// StatePaused means the stream is held and no frames are sent.
	StatePaused

	// StateStopping means the current pipe is being closed.
	StateStopping

	// StateTerminated is absorbing. Every command returns [ErrTerminated].
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
