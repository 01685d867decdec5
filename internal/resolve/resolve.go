// Package resolve turns user queries (search terms or URLs) into playable
// [track.Info] descriptors by invoking an external extraction tool.
//
// The resolver never retries on its own beyond trying the configured search
// providers in order; retry policy belongs to the guild session.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/bardic/pkg/track"
)

// Resolver resolves a query into a playable track.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation by terminating any subprocess they started.
type Resolver interface {
	Resolve(ctx context.Context, query string) (track.Info, error)
}

// Kind classifies a resolution failure.
type Kind int

const (
	// KindNotFound means the query matched nothing or the output was unusable.
	KindNotFound Kind = iota + 1

	// KindToolFailed means the extractor crashed or exited non-zero.
	KindToolFailed

	// KindTimeout means the extractor did not answer within the deadline and
	// was killed.
	KindTimeout
)

// Sentinel errors matching each [Kind] via errors.Is.
var (
	ErrNotFound   = errors.New("resolve: not found")
	ErrToolFailed = errors.New("resolve: extraction tool failed")
	ErrTimeout    = errors.New("resolve: timed out")
)

// String returns the metric label for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindToolFailed:
		return "tool_failed"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindToolFailed:
		return ErrToolFailed
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// Error describes a failed resolution.
type Error struct {
	Kind  Kind
	Query string

	// Detail is a short, user-presentable explanation, typically the last
	// line of the extractor's stderr.
	Detail string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("resolve %q: %s", e.Query, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Reason returns a short, human-readable reason for notifications.
func (e *Error) Reason() string {
	switch e.Kind {
	case KindNotFound:
		if e.Detail != "" {
			return "nothing found: " + e.Detail
		}
		return "nothing found"
	case KindTimeout:
		return "the lookup timed out"
	default:
		if e.Detail != "" {
			return "extractor error: " + e.Detail
		}
		return "extractor error"
	}
}

// KindOf returns the Kind of a resolution error, or 0 when err is not one.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}
