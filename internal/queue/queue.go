// Package queue implements the per-guild playback queue: an ordered FIFO of
// track requests owned by exactly one session.
//
// A Queue is not safe for concurrent use. The owning session's control loop
// is its only writer and reader; other goroutines see copies returned by
// [Queue.PeekAll].
package queue

import (
	"errors"

	"github.com/MrWong99/bardic/pkg/track"
)

// ErrFull is returned by Enqueue when the queue is at its configured limit.
var ErrFull = errors.New("queue: full")

// Queue is a bounded FIFO of track requests.
type Queue struct {
	items []track.Request
	max   int
}

// New creates an empty queue holding at most max entries. A non-positive max
// means unlimited.
func New(max int) *Queue {
	return &Queue{max: max}
}

// Enqueue appends req and returns its 1-based position.
func (q *Queue) Enqueue(req track.Request) (int, error) {
	if q.max > 0 && len(q.items) >= q.max {
		return 0, ErrFull
	}
	q.items = append(q.items, req)
	return len(q.items), nil
}

// PushFront puts req at the head so it plays next.
func (q *Queue) PushFront(req track.Request) error {
	if q.max > 0 && len(q.items) >= q.max {
		return ErrFull
	}
	q.items = append([]track.Request{req}, q.items...)
	return nil
}

// PopNext removes and returns the head.
func (q *Queue) PopNext() (track.Request, bool) {
	if len(q.items) == 0 {
		return track.Request{}, false
	}
	head := q.items[0]
	q.items[0] = track.Request{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return head, true
}

// Skip drops the head and returns it so the caller can report what was
// skipped. It is used when nothing is playing; while a track plays,
// skipping ends that track instead.
func (q *Queue) Skip() (track.Request, bool) {
	return q.PopNext()
}

// Clear removes every entry and returns how many were removed.
func (q *Queue) Clear() int {
	n := len(q.items)
	q.items = nil
	return n
}

// PeekAll returns a copy of the entries in play order.
func (q *Queue) PeekAll() []track.Request {
	if len(q.items) == 0 {
		return nil
	}
	out := make([]track.Request, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int { return len(q.items) }

// SetMax changes the length limit. Entries already queued are kept even if
// they exceed the new limit.
func (q *Queue) SetMax(max int) { q.max = max }

// ReplaceLast replaces the most recently queued entry of requesterID with req
// in place and returns the entry it replaced. ok is false when the requester
// has nothing queued.
func (q *Queue) ReplaceLast(requesterID string, req track.Request) (old track.Request, ok bool) {
	for i := len(q.items) - 1; i >= 0; i-- {
		if q.items[i].Requester.ID == requesterID {
			old = q.items[i]
			q.items[i] = req
			return old, true
		}
	}
	return track.Request{}, false
}

// Remove deletes the entry at the 0-based index.
func (q *Queue) Remove(index int) (track.Request, bool) {
	if index < 0 || index >= len(q.items) {
		return track.Request{}, false
	}
	req := q.items[index]
	q.items = append(q.items[:index], q.items[index+1:]...)
	return req, true
}

// RemoveBy deletes every entry queued by requesterID and returns how many
// were removed.
func (q *Queue) RemoveBy(requesterID string) int {
	kept := q.items[:0]
	for _, r := range q.items {
		if r.Requester.ID != requesterID {
			kept = append(kept, r)
		}
	}
	n := len(q.items) - len(kept)
	clear(q.items[len(kept):])
	q.items = kept
	return n
}
