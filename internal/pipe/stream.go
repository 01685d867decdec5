package pipe

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/bardic/internal/proc"
	"github.com/MrWong99/bardic/pkg/audio"
)

// Compile-time interface assertion.
var _ FrameStream = (*stream)(nil)

type process struct {
	name   string
	waiter *proc.Waiter
	stderr *proc.TailBuffer
}

// stream is the FrameStream returned by [Subprocess.Open].
//
// A reader goroutine slices the last process's stdout into frames and
// sends them on a buffered channel. A full channel blocks the reader, which
// in turn blocks the decoder through the OS pipe. While held the reader
// stops reading altogether, so the chain idles and no frame is lost.
type stream struct {
	procs  []process
	stdout *os.File

	frames chan audio.AudioFrame
	endErr error // written by read before frames is closed
	done   chan struct{}
	wake   chan struct{}
	held   atomic.Bool

	stall time.Duration
	grace time.Duration

	release func()
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// Next implements [FrameStream].
func (s *stream) Next(ctx context.Context) (audio.AudioFrame, error) {
	timer := time.NewTimer(s.stall)
	defer timer.Stop()

	select {
	case f, ok := <-s.frames:
		if !ok {
			if s.endErr != nil {
				return audio.AudioFrame{}, s.endErr
			}
			return audio.AudioFrame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	case <-s.done:
		return audio.AudioFrame{}, ErrClosed
	case <-timer.C:
		return audio.AudioFrame{}, &Error{Kind: KindStalled, Detail: "no audio for " + s.stall.String()}
	}
}

// Hold implements [FrameStream].
func (s *stream) Hold(held bool) {
	if s.held.Swap(held) == held {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dropped implements [FrameStream]. An OS pipe can idle indefinitely, so a
// subprocess stream never drops.
func (s *stream) Dropped() uint64 { return 0 }

// Close implements [FrameStream].
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.terminate()
		// Unblocks the reader if a stray grandchild still holds the
		// write end open.
		_ = s.stdout.Close()
		s.cancel()
		s.release()
	})
	return nil
}

// terminate stops every process concurrently and waits for all of them.
func (s *stream) terminate() {
	var wg sync.WaitGroup
	for _, p := range s.procs {
		wg.Go(func() { p.waiter.Terminate(s.grace) })
	}
	wg.Wait()
}

// read runs in its own goroutine for the lifetime of the stream.
func (s *stream) read() {
	defer close(s.frames)

	var seq uint64
	for {
		if !s.waitReleased() {
			return
		}
		buf := make([]byte, audio.FrameBytes)
		n, err := io.ReadFull(s.stdout, buf)
		if n > 0 {
			if n < audio.FrameBytes {
				clear(buf[n:])
			}
			if !s.deliver(audio.AudioFrame{Data: buf, Seq: seq}) {
				return
			}
			seq++
		}
		if err == nil {
			continue
		}
		if s.closing() {
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.endErr = s.exitError()
			return
		}
		s.endErr = &Error{Kind: KindIOError, Err: err}
		return
	}
}

// waitReleased parks the reader while the stream is held. It returns false
// when the stream was closed while waiting.
func (s *stream) waitReleased() bool {
	for s.held.Load() {
		select {
		case <-s.done:
			return false
		case <-s.wake:
		}
	}
	return true
}

// deliver hands f to the consumer. It returns false when the stream was
// closed while waiting.
func (s *stream) deliver(f audio.AudioFrame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// exitError waits for the chain to finish after the decoder closed its
// output and reports the first unsuccessful exit, checked from the decoder
// backwards. Processes that do not exit within the kill grace are
// terminated.
func (s *stream) exitError() error {
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	expired := false
	for _, p := range s.procs {
		if expired {
			p.waiter.Terminate(s.grace)
			continue
		}
		select {
		case <-p.waiter.Done():
		case <-timer.C:
			expired = true
			p.waiter.Terminate(s.grace)
		case <-s.done:
			return nil
		}
	}

	last := s.procs[len(s.procs)-1]
	if err := last.waiter.Err(); err != nil {
		for _, p := range s.procs[:len(s.procs)-1] {
			logExit(p)
		}
		return &Error{Kind: KindProcessExited, Stage: last.name, Detail: last.stderr.LastLine(), Err: err}
	}
	for _, p := range s.procs[:len(s.procs)-1] {
		if err := p.waiter.Err(); err != nil {
			return &Error{Kind: KindProcessExited, Stage: p.name, Detail: p.stderr.LastLine(), Err: err}
		}
	}
	return nil
}
