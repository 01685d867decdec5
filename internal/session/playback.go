package session

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/MrWong99/bardic/internal/pipe"
	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/MrWong99/bardic/pkg/track"
)

// playback is the track currently owned by a session. The control
// goroutine creates it; the streamer goroutine runs it.
type playback struct {
	req     track.Request
	info    track.Info
	stream  pipe.FrameStream
	cancel  context.CancelFunc
	started time.Time

	sent   atomic.Int64
	paused atomic.Bool
	wake   chan struct{}
}

func newPlayback(req track.Request, info track.Info, stream pipe.FrameStream, cancel context.CancelFunc) *playback {
	return &playback{
		req:     req,
		info:    info,
		stream:  stream,
		cancel:  cancel,
		started: time.Now(),
		wake:    make(chan struct{}, 1),
	}
}

func (p *playback) pause() { p.paused.Store(true) }

func (p *playback) resume() {
	p.paused.Store(false)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run streams frames to out at one frame per tick until the stream ends or
// ctx is cancelled. The stream is closed before run returns. A clean end
// returns nil.
func (p *playback) run(ctx context.Context, out chan<- audio.AudioFrame, tick time.Duration) error {
	defer p.stream.Close()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if err := p.waitWhilePaused(ctx); err != nil {
			return err
		}
		f, err := p.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		// A pause that arrived while waiting for the tick keeps the frame
		// until playback resumes.
		if err := p.waitWhilePaused(ctx); err != nil {
			return err
		}
		select {
		case out <- f:
			p.sent.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *playback) waitWhilePaused(ctx context.Context) error {
	if !p.paused.Load() {
		return nil
	}
	p.stream.Hold(true)
	defer p.stream.Hold(false)
	for p.paused.Load() {
		select {
		case <-p.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
