package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/bardic/internal/session"
)

const (
	recordBuffer  = 128
	recordTimeout = 5 * time.Second
)

// Recorder turns session events into history entries and writes them to a
// [Store] from a single background goroutine. It implements
// [session.Notifier] and never blocks the caller; entries that do not fit
// in the write buffer are dropped and logged.
type Recorder struct {
	store Store

	mu      sync.Mutex
	playing map[string]Entry // by guild ID

	entries chan Entry
	done    chan struct{}
	stopped chan struct{}
	close   sync.Once
}

// NewRecorder starts a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	r := &Recorder{
		store:   store,
		playing: make(map[string]Entry),
		entries: make(chan Entry, recordBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.run()
	return r
}

// Notify implements [session.Notifier].
func (r *Recorder) Notify(ev session.Event) {
	switch ev.Kind {
	case session.EventTrackStarted:
		r.mu.Lock()
		r.playing[ev.GuildID] = entryFor(ev)
		r.mu.Unlock()

	case session.EventTrackEnded:
		r.mu.Lock()
		e, ok := r.playing[ev.GuildID]
		delete(r.playing, ev.GuildID)
		r.mu.Unlock()
		if !ok {
			// The track failed before it started.
			e = entryFor(ev)
		}
		e.EndedAt = ev.At
		e.Reason = ev.Reason
		r.enqueue(e)

	case session.EventSessionTerminated:
		r.mu.Lock()
		delete(r.playing, ev.GuildID)
		r.mu.Unlock()
	}
}

func entryFor(ev session.Event) Entry {
	e := Entry{GuildID: ev.GuildID, Title: ev.Title, StartedAt: ev.At}
	if ev.Request != nil {
		e.Query = ev.Request.Query
		e.RequesterID = ev.Request.Requester.ID
		e.RequesterName = ev.Request.Requester.Name
	}
	return e
}

func (r *Recorder) enqueue(e Entry) {
	select {
	case r.entries <- e:
	case <-r.done:
	default:
		slog.Warn("history: write buffer full, entry dropped", "guild_id", e.GuildID, "title", e.Title)
	}
}

func (r *Recorder) run() {
	defer close(r.stopped)
	for {
		select {
		case e := <-r.entries:
			r.write(e)
		case <-r.done:
			// Flush what is already buffered.
			for {
				select {
				case e := <-r.entries:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.Record(ctx, e); err != nil {
		slog.Warn("history: record failed", "guild_id", e.GuildID, "err", err)
	}
}

// Close stops accepting entries and waits until the buffered ones are
// written.
func (r *Recorder) Close() {
	r.close.Do(func() { close(r.done) })
	<-r.stopped
}
