// Package pipe turns a resolved track into a stream of fixed-size PCM frames
// by running an external command chain (yt-dlp piped into ffmpeg, or ffmpeg
// alone on a direct media URL) and slicing its stdout.
//
// A [FrameStream] never hangs: a silent producer surfaces as a Stalled
// error after the stall timeout, and [FrameStream.Close] always reaps every
// process it spawned.
package pipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/MrWong99/bardic/pkg/track"
)

// Opener starts audio pipes.
type Opener interface {
	// Open spawns the processes needed to decode info and returns a stream
	// of frames. It fails fast with an error wrapping proc.ErrExhausted when
	// the subprocess cap is reached.
	Open(ctx context.Context, info track.Info) (FrameStream, error)
}

// FrameStream yields decoded audio frames in order.
//
// Next must be called from a single goroutine. Hold, Dropped and Close are
// safe to call from any goroutine.
type FrameStream interface {
	// Next blocks until the next frame is available. It returns io.EOF on a
	// clean end and a *Error on failure.
	Next(ctx context.Context) (audio.AudioFrame, error)

	// Hold tells the stream its consumer is paused (true) or playing again
	// (false). Frames already buffered are kept and delivered in order after
	// release. A source that can idle stops producing while held; one that
	// cannot may discard what exceeds its buffer.
	Hold(held bool)

	// Dropped reports how many frames were discarded while held.
	Dropped() uint64

	// Close stops every process and releases the subprocess slots. It is
	// idempotent and returns once all processes are reaped.
	Close() error
}

// Kind classifies a pipe failure.
type Kind int

const (
	// KindIOError means reading the decoder output failed.
	KindIOError Kind = iota + 1

	// KindProcessExited means a process in the chain exited unsuccessfully.
	KindProcessExited

	// KindStalled means no frame arrived within the stall timeout.
	KindStalled
)

// Sentinel errors matching each [Kind] via errors.Is.
var (
	ErrIO            = errors.New("pipe: read failed")
	ErrProcessExited = errors.New("pipe: process exited")
	ErrStalled       = errors.New("pipe: stalled")
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("pipe: stream closed")

func (k Kind) String() string {
	switch k {
	case KindIOError:
		return "io_error"
	case KindProcessExited:
		return "process_exited"
	case KindStalled:
		return "stalled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindIOError:
		return ErrIO
	case KindProcessExited:
		return ErrProcessExited
	case KindStalled:
		return ErrStalled
	default:
		return nil
	}
}

// Error is a mid-stream failure.
type Error struct {
	Kind Kind

	// Stage names the process that failed ("yt-dlp", "ffmpeg"), if known.
	Stage string

	// Detail is the last stderr line of the failing process, if any.
	Detail string

	Err error
}

func (e *Error) Error() string {
	msg := "pipe: " + e.Kind.String()
	if e.Stage != "" {
		msg += " (" + e.Stage + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of a pipe error, or 0 when err is not one.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
