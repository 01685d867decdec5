// Package proc bounds and supervises the external processes bardic spawns
// (yt-dlp, ffmpeg).
//
// A single [Limiter] is shared by the resolver and the audio pipe so the
// whole process never runs more than a configured number of helpers at once.
// Admission never blocks: when the cap is reached callers receive
// [ErrExhausted] and decide themselves whether to retry later.
package proc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrExhausted is returned when the subprocess cap is reached. It is
// retryable: slots free up as soon as running tracks end.
var ErrExhausted = errors.New("proc: subprocess limit reached")

// Limiter is a process-wide admission gate for external processes.
//
// Limiter is safe for concurrent use.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
	onChange func(delta int64)
}

// NewLimiter creates a Limiter admitting up to capacity concurrent processes.
// A non-positive capacity disables the cap.
func NewLimiter(capacity int) *Limiter {
	l := &Limiter{capacity: int64(capacity)}
	if capacity > 0 {
		l.sem = semaphore.NewWeighted(int64(capacity))
	}
	return l
}

// OnChange registers a hook invoked with +n on acquire and -n on release.
// It is intended for gauges and must be set before the limiter is shared.
func (l *Limiter) OnChange(fn func(delta int64)) {
	l.onChange = fn
}

// TryAcquire reserves n process slots without blocking. The returned release
// function is idempotent. When the cap is reached it returns an error
// wrapping [ErrExhausted].
func (l *Limiter) TryAcquire(n int) (release func(), err error) {
	if n <= 0 {
		return func() {}, nil
	}
	if l == nil {
		return func() {}, nil
	}
	if l.sem != nil && !l.sem.TryAcquire(int64(n)) {
		return nil, fmt.Errorf("%w (%d in use, capacity %d)", ErrExhausted, l.inUse.Load(), l.capacity)
	}
	l.inUse.Add(int64(n))
	if l.onChange != nil {
		l.onChange(int64(n))
	}

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		l.inUse.Add(-int64(n))
		if l.onChange != nil {
			l.onChange(-int64(n))
		}
		if l.sem != nil {
			l.sem.Release(int64(n))
		}
	}, nil
}

// InUse returns the number of slots currently held.
func (l *Limiter) InUse() int {
	if l == nil {
		return 0
	}
	return int(l.inUse.Load())
}

// Capacity returns the configured cap, or 0 when unlimited.
func (l *Limiter) Capacity() int {
	if l == nil {
		return 0
	}
	return int(l.capacity)
}
