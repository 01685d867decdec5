// Package audio defines the voice transport abstractions used by bardic.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] accepts outgoing PCM frames and reports connection state
//     changes (disconnect, reconnect) to a single registered callback.
//
// Implementations live in adapter packages (audio/discord) and in audio/mock
// for tests. A guild session only ever talks to these interfaces, so its
// state machine can be exercised without a live gateway.
package audio

import (
	"context"
)

// EventType classifies connection state changes emitted by a [Connection].
type EventType int

const (
	// EventDisconnect is emitted when the bot is removed from the voice
	// channel or the voice link drops unexpectedly.
	EventDisconnect EventType = iota

	// EventReconnect is emitted when the voice link is re-established after
	// an [EventDisconnect].
	EventReconnect

	// EventMove is emitted when the bot is moved to a different channel
	// without losing the link.
	EventMove
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventDisconnect:
		return "DISCONNECT"
	case EventReconnect:
		return "RECONNECT"
	case EventMove:
		return "MOVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a voice connection state change.
type Event struct {
	// Type is the kind of change.
	Type EventType

	// ChannelID is the voice channel the connection is now in. Empty for
	// [EventDisconnect].
	ChannelID string

	// Err carries the transport error that caused a disconnect, if known.
	Err error
}

// Connection represents an active voice link in one guild.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// ChannelID returns the voice channel the connection currently occupies.
	ChannelID() string

	// OutputStream returns the write-only channel for outgoing PCM frames.
	// Frames must be [FrameBytes] long; the transport encodes and sends them
	// in order. The channel is buffered but small, so writers observe
	// backpressure when they outrun real time.
	//
	// The platform does NOT close this channel on Disconnect. Writes after
	// Disconnect are dropped.
	OutputStream() chan<- AudioFrame

	// OnStateChange registers cb as the callback for connection state
	// changes. Only one callback may be registered at a time; subsequent
	// calls replace the previous registration. The callback runs on an
	// internal goroutine and must not block.
	OnStateChange(cb func(Event))

	// Disconnect leaves the voice channel and stops the send loop. It is
	// safe to call Disconnect more than once.
	Disconnect() error

	// Release stops the send loop and state reporting without leaving the
	// channel. It is used when a newer Connection for the same guild takes
	// over the underlying voice link. Safe to call more than once, and
	// after Disconnect.
	Release()
}

// Platform joins voice channels for a single guild.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID and returns an
	// active [Connection]. ctx governs the connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
