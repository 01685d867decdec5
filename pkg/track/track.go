// Package track defines the data shared between the resolver, the playback
// queue, the guild session and the notifiers: what a user asked for
// ([Request]) and what the resolver turned it into ([Info]).
package track

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Info describes a resolved, playable track. It is produced by a resolver and
// read-only afterward.
type Info struct {
	// Title is the human-readable track title.
	Title string `json:"title"`

	// Locator is the canonical page URL the audio pipe fetches from.
	Locator string `json:"locator"`

	// StreamURL is a direct media URL, when the resolver reported one. It
	// usually expires after a few hours.
	StreamURL string `json:"stream_url,omitempty"`

	// Duration is zero when the extractor does not report a length
	// (live streams, some radio links).
	Duration time.Duration `json:"duration,omitempty"`

	// Uploader is the channel or artist name, if known.
	Uploader string `json:"uploader,omitempty"`
}

// Requester identifies the user who enqueued a track.
type Requester struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Request is a single queue entry. Build one with [NewRequest]; a Request is
// not modified after creation.
type Request struct {
	// Query is the raw search terms or URL the user supplied.
	Query string `json:"query"`

	// Requester is the user who asked for the track.
	Requester Requester `json:"requester"`

	// Resolved is non-nil when the track was resolved before enqueueing.
	Resolved *Info `json:"resolved,omitempty"`

	// QueuedAt is when the request was created.
	QueuedAt time.Time `json:"queued_at"`
}

// NewRequest creates a Request for query on behalf of requester.
func NewRequest(query string, requester Requester) Request {
	return Request{
		Query:     strings.TrimSpace(query),
		Requester: requester,
		QueuedAt:  time.Now(),
	}
}

// WithInfo returns a copy of r carrying a pre-resolved Info.
func (r Request) WithInfo(info Info) Request {
	r.Resolved = &info
	return r
}

// Label returns the best display string for the request: the resolved title
// when known, otherwise the raw query.
func (r Request) Label() string {
	if r.Resolved != nil && r.Resolved.Title != "" {
		return r.Resolved.Title
	}
	return r.Query
}

// IsURL reports whether s looks like an absolute http(s) URL rather than
// search terms.
func IsURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// FormatDuration renders d as m:ss or h:mm:ss. Zero renders as "live".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "live"
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
