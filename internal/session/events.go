package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/bardic/pkg/track"
)

// EventKind identifies what happened in a session.
type EventKind int

const (
	// EventTrackQueued is emitted after a request is added to the queue.
	EventTrackQueued EventKind = iota + 1

	// EventTrackStarted is emitted when the first frame of a track is about
	// to be sent.
	EventTrackStarted

	// EventTrackEnded is emitted once per started or failed-to-open track.
	// Reason is one of the End* constants.
	EventTrackEnded

	// EventQueueEmptied is emitted when the session tries to advance and
	// finds nothing queued.
	EventQueueEmptied

	// EventResolveFailed is emitted exactly once for a request that could
	// not be resolved.
	EventResolveFailed

	// EventAdvanceHalted is emitted when too many consecutive tracks failed
	// and the session stopped advancing.
	EventAdvanceHalted

	// EventPlaybackPaused and EventPlaybackResumed mirror Pause and Resume.
	EventPlaybackPaused
	EventPlaybackResumed

	// EventSessionTerminated is the last event a session emits.
	EventSessionTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventTrackQueued:
		return "track_queued"
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventQueueEmptied:
		return "queue_emptied"
	case EventResolveFailed:
		return "resolve_failed"
	case EventAdvanceHalted:
		return "advance_halted"
	case EventPlaybackPaused:
		return "playback_paused"
	case EventPlaybackResumed:
		return "playback_resumed"
	case EventSessionTerminated:
		return "session_terminated"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Reasons carried by [EventTrackEnded].
const (
	EndFinished     = "finished"
	EndSkipped      = "skipped"
	EndStopped      = "stopped"
	EndFailed       = "failed"
	EndDisconnected = "disconnected"
)

// Reasons carried by [EventSessionTerminated].
const (
	TerminatedLeft          = "left"
	TerminatedIdle          = "idle"
	TerminatedDisconnected  = "voice disconnected"
	TerminatedConnectFailed = "voice connect failed"
	TerminatedShutdown      = "shutdown"
	TerminatedInternal      = "internal error"
)

// Event describes something that happened in a guild session.
type Event struct {
	Kind    EventKind `json:"kind"`
	GuildID string    `json:"guild_id"`

	// Request is the queue entry the event is about, if any.
	Request *track.Request `json:"request,omitempty"`

	// Track is the resolved track for TrackStarted.
	Track *track.Info `json:"track,omitempty"`

	// Title is the resolved title or, before resolution, the query.
	Title string `json:"title,omitempty"`

	// Reason explains TrackEnded, ResolveFailed and SessionTerminated.
	Reason string `json:"reason,omitempty"`

	// Position is the 1-based queue position for TrackQueued.
	Position int `json:"position,omitempty"`

	// Err is the underlying failure, if any. It is not serialized.
	Err error `json:"-"`

	At time.Time `json:"at"`
}

// Notifier receives session events. Notify is called from a single
// dispatcher goroutine per session, in emission order. Implementations
// shared between sessions must be safe for concurrent use.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(Event)

// Notify implements [Notifier].
func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

// Notify implements [Notifier].
func (ns Notifiers) Notify(ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ev)
		}
	}
}

const dispatchBuffer = 64

// dispatcher delivers events to a notifier without letting a slow notifier
// stall the session. Events that do not fit in the buffer are dropped.
type dispatcher struct {
	ch     chan Event
	done   chan struct{}
	target Notifier
	log    *slog.Logger
}

func newDispatcher(target Notifier, log *slog.Logger) *dispatcher {
	d := &dispatcher{
		ch:     make(chan Event, dispatchBuffer),
		done:   make(chan struct{}),
		target: target,
		log:    log,
	}
	go d.run()
	return d
}

// emit must only be called from the session's control goroutine.
func (d *dispatcher) emit(ev Event) {
	select {
	case d.ch <- ev:
	default:
		d.log.Warn("session: event dropped, notifier too slow", "kind", ev.Kind)
	}
}

// close flushes pending events and waits for the dispatcher to exit or ctx
// to expire.
func (d *dispatcher) close(ctx context.Context) {
	close(d.ch)
	select {
	case <-d.done:
	case <-ctx.Done():
		d.log.Warn("session: gave up waiting for notifier", "pending", len(d.ch))
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for ev := range d.ch {
		d.deliver(ev)
	}
}

func (d *dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("session: notifier panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	if d.target != nil {
		d.target.Notify(ev)
	}
}
