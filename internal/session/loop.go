package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/pipe"
	"github.com/MrWong99/bardic/internal/proc"
	"github.com/MrWong99/bardic/internal/resolve"
	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/MrWong99/bardic/pkg/track"
)

// loop is the control goroutine.
func (s *Session) loop() {
	defer s.finish()
	for fn := range s.inbox {
		s.handle(fn)
		if s.state == StateTerminated {
			return
		}
		s.reconcileIdle()
	}
}

// handle runs fn and turns a panic into termination of this session only.
func (s *Session) handle(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session: panic in control loop", "panic", r, "stack", string(debug.Stack()))
			s.terminateErr(TerminatedInternal, fmt.Errorf("panic: %v", r))
		}
	}()
	fn()
}

// finish runs after termination. It keeps handling worker results until
// every worker exited so handed-over resources are released, then flushes
// the event dispatcher and closes done.
func (s *Session) finish() {
	workersDone := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(workersDone)
	}()
	for waiting := true; waiting; {
		select {
		case fn := <-s.inbox:
			s.handle(fn)
		case <-workersDone:
			waiting = false
		}
	}
	for drained := false; !drained; {
		select {
		case fn := <-s.inbox:
			s.handle(fn)
		default:
			drained = true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	s.events.close(ctx)
	cancel()
	close(s.done)
}

func (s *Session) emit(ev Event) {
	ev.GuildID = s.guildID
	ev.At = time.Now()
	s.events.emit(ev)
}

// restartCycle begins a new advance cycle after user action: the failure
// count and halt flag reset and an idle session starts playing.
func (s *Session) restartCycle() {
	s.failures = 0
	s.halted = false
	if s.state == StateIdle {
		s.advance()
	}
}

// advance starts the next queued request if the session is idle, connected
// and not halted.
func (s *Session) advance() {
	if s.state != StateIdle || s.halted || !s.voiceUp || s.conn == nil {
		return
	}
	req, ok := s.queue.PopNext()
	if !ok {
		s.emit(Event{Kind: EventQueueEmptied})
		return
	}
	s.admission = 0
	s.launch(req)
}

type prepared struct {
	info   track.Info
	stream pipe.FrameStream
	err    error
	opened bool // resolution succeeded; err, if any, came from Open
}

// launch resolves req and opens its pipe in a worker.
func (s *Session) launch(req track.Request) {
	if s.work != nil {
		s.work()
	}
	s.state = StateResolving
	s.gen++
	g := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.work = cancel
	s.pending = &req

	s.spawn(func() {
		res := s.prepare(ctx, req)
		if !s.post(func() { s.onPrepared(g, req, res) }) && res.stream != nil {
			_ = res.stream.Close()
		}
	})
}

// prepare runs on a worker goroutine.
func (s *Session) prepare(ctx context.Context, req track.Request) (res prepared) {
	ctx, span := observe.StartSpan(ctx, "session.prepare")
	span.SetAttributes(observe.SpanGuild(ctx)...)
	span.SetAttributes(attribute.String("track.query", req.Query))
	defer func() {
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "prepare failed")
		}
		span.End()
	}()

	if req.Resolved != nil {
		res.info = *req.Resolved
	} else {
		info, err := s.cfg.Resolver.Resolve(ctx, req.Query)
		if err != nil {
			res.err = err
			return res
		}
		res.info = info
	}
	res.opened = true
	res.stream, res.err = s.cfg.Opener.Open(ctx, res.info)
	return res
}

func (s *Session) onPrepared(g uint64, req track.Request, res prepared) {
	if g != s.gen || s.state != StateResolving {
		if res.stream != nil {
			s.closeStream(res.stream)
		}
		return
	}
	s.work()
	s.work = nil
	s.pending = nil

	if res.err == nil {
		s.startStream(req, res.info, res.stream)
		return
	}

	if errors.Is(res.err, proc.ErrExhausted) && s.admission < s.policy.MaxAdmissionRetries {
		s.retryAdmission(req)
		return
	}

	s.state = StateIdle
	if !res.opened {
		s.log.Info("session: resolve failed", "query", req.Query, "error", res.err)
		s.emit(Event{Kind: EventResolveFailed, Request: &req, Title: req.Query, Reason: failureReason(res.err), Err: res.err})
	} else {
		s.log.Warn("session: open pipe failed", "title", res.info.Title, "error", res.err)
		s.emit(Event{Kind: EventTrackEnded, Request: &req, Title: res.info.Title, Reason: EndFailed, Err: res.err})
		s.cfg.Metrics.RecordTrackEnded(s.ctx, EndFailed)
	}
	s.fail()
}

// retryAdmission keeps req pending and relaunches it after a backoff.
func (s *Session) retryAdmission(req track.Request) {
	s.admission++
	attempt := s.admission
	backoff := s.policy.AdmissionBackoff

	s.gen++
	g := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.work = cancel
	s.pending = &req
	s.log.Debug("session: subprocess cap reached, retrying", "query", req.Query, "attempt", attempt)

	s.spawn(func() {
		if err := backoff.Wait(ctx, attempt); err != nil {
			return
		}
		s.post(func() {
			if g == s.gen && s.state == StateResolving {
				s.launch(req)
			}
		})
	})
}

func failureReason(err error) string {
	var re *resolve.Error
	switch {
	case errors.As(err, &re):
		return re.Reason()
	case errors.Is(err, proc.ErrExhausted):
		return "the bot is busy, try again shortly"
	default:
		return err.Error()
	}
}

// fail counts a failed track and either advances or halts.
func (s *Session) fail() {
	s.failures++
	if s.failures >= s.policy.MaxConsecutiveFailures {
		n := s.failures
		s.failures = 0
		s.halted = true
		s.log.Warn("session: halting after consecutive failures", "failures", n)
		s.emit(Event{Kind: EventAdvanceHalted, Reason: fmt.Sprintf("%d tracks in a row failed", n)})
		return
	}
	s.advance()
}

// abandonPending cancels in-flight resolution or an admission retry.
func (s *Session) abandonPending() {
	if s.work != nil {
		s.work()
		s.work = nil
	}
	s.gen++
	s.pending = nil
}

// closeStream releases a stream that arrived after it was no longer
// wanted. Once terminated there are no more workers to hand it to.
func (s *Session) closeStream(fs pipe.FrameStream) {
	if s.state == StateTerminated {
		_ = fs.Close()
		return
	}
	s.spawn(func() { _ = fs.Close() })
}

func (s *Session) startStream(req track.Request, info track.Info, stream pipe.FrameStream) {
	ctx, cancel := context.WithCancel(s.ctx)
	p := newPlayback(req, info, stream, cancel)
	s.current = p
	s.state = StatePlaying
	s.log.Info("session: track started", "title", info.Title, "requester", req.Requester.Name)
	s.emit(Event{Kind: EventTrackStarted, Request: &p.req, Track: &p.info, Title: info.Title})
	s.cfg.Metrics.RecordTrackStarted(s.ctx)

	out := s.conn.OutputStream()
	tick := s.cfg.FrameDuration
	s.spawn(func() {
		err := p.run(ctx, out, tick)
		s.post(func() { s.onStreamDone(p, err) })
	})
}

// stopCurrent cancels the streamer; onStreamDone finishes the transition.
func (s *Session) stopCurrent(reason string) {
	p := s.current
	if p == nil {
		return
	}
	if s.state != StateStopping {
		s.stopping = reason
	}
	s.state = StateStopping
	p.cancel()
}

func (s *Session) onStreamDone(p *playback, err error) {
	if p != s.current {
		return
	}
	s.current = nil
	s.cfg.Metrics.RecordFrames(s.ctx, p.sent.Load(), int64(p.stream.Dropped()))

	reason := s.stopping
	s.stopping = ""
	var endErr error
	if reason == "" {
		reason = EndFinished
		if err != nil {
			reason = EndFailed
			endErr = err
		}
	}
	s.state = StateIdle
	if endErr != nil {
		s.log.Warn("session: track failed", "title", p.info.Title, "error", endErr)
	} else {
		s.log.Info("session: track ended", "title", p.info.Title, "reason", reason)
	}
	s.emit(Event{Kind: EventTrackEnded, Request: &p.req, Title: p.info.Title, Reason: reason, Err: endErr})
	s.cfg.Metrics.RecordTrackEnded(s.ctx, reason)

	if s.leaving {
		s.terminate(TerminatedLeft)
		return
	}
	switch reason {
	case EndFinished, EndSkipped:
		s.failures = 0
		s.advance()
	case EndFailed:
		s.fail()
	case EndStopped:
		s.halted = true
	case EndDisconnected:
		s.advance()
	}
}

// connect joins channelID in a worker.
func (s *Session) connect(channelID string) {
	s.connecting = true
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	platform := s.cfg.Platform
	s.spawn(func() {
		defer cancel()
		conn, err := platform.Connect(ctx, channelID)
		s.handOver(channelID, conn, err)
	})
}

// rejoin reconnects to channelID in a worker, within the grace period.
func (s *Session) rejoin(channelID string) {
	s.connecting = true
	ctx, cancel := context.WithTimeout(s.ctx, s.policy.GracePeriod)
	r := s.cfg.Reconnector
	s.spawn(func() {
		defer cancel()
		conn, err := r.Reconnect(ctx, channelID)
		s.handOver(channelID, conn, err)
	})
}

func (s *Session) handOver(channelID string, conn audio.Connection, err error) {
	if err != nil {
		conn = nil
	}
	if !s.post(func() { s.onConnected(channelID, conn, err) }) && conn != nil {
		_ = conn.Disconnect()
	}
}

func (s *Session) onConnected(channelID string, conn audio.Connection, err error) {
	s.connecting = false
	if s.state == StateTerminated {
		if conn != nil {
			_ = conn.Disconnect()
		}
		return
	}
	if err != nil {
		if s.grace != nil {
			s.log.Warn("session: rejoin failed, waiting for grace period", "channel_id", channelID, "error", err)
			return
		}
		s.log.Warn("session: voice connect failed", "channel_id", channelID, "error", err)
		s.terminateErr(TerminatedConnectFailed, err)
		return
	}

	if old := s.conn; old != nil && old != conn {
		old.Release()
	}
	s.conn = conn
	s.connGen++
	g := s.connGen
	s.channelID = channelID
	if id := conn.ChannelID(); id != "" {
		s.channelID = id
	}
	s.voiceUp = true
	s.stopGrace()
	conn.OnStateChange(func(ev audio.Event) {
		s.post(func() { s.onVoiceEvent(g, ev) })
	})
	s.log.Info("session: voice connected", "channel_id", s.channelID)

	if s.state == StateIdle && s.queue.Len() > 0 {
		s.advance()
	}
}

func (s *Session) onVoiceEvent(g uint64, ev audio.Event) {
	if g != s.connGen || s.state == StateTerminated {
		return
	}
	switch ev.Type {
	case audio.EventDisconnect:
		if !s.voiceUp {
			return
		}
		s.voiceUp = false
		s.log.Warn("session: voice disconnected", "channel_id", s.channelID, "error", ev.Err)
		switch s.state {
		case StatePlaying, StatePaused, StateStopping:
			s.stopCurrent(EndDisconnected)
		case StateResolving:
			req := *s.pending
			s.abandonPending()
			if err := s.queue.PushFront(req); err != nil {
				s.log.Debug("session: dropped request on disconnect", "query", req.Query, "error", err)
			}
			s.state = StateIdle
		}
		s.startGrace()
		if s.policy.Rejoin && !s.connecting && s.channelID != "" {
			s.rejoin(s.channelID)
		}

	case audio.EventReconnect, audio.EventMove:
		if ev.ChannelID != "" {
			s.channelID = ev.ChannelID
		}
		if s.voiceUp {
			return
		}
		s.voiceUp = true
		s.stopGrace()
		s.log.Info("session: voice reconnected", "channel_id", s.channelID)
		if s.state == StateIdle && s.queue.Len() > 0 {
			s.advance()
		}
	}
}

func (s *Session) startGrace() {
	s.stopGrace()
	s.graceGen++
	g := s.graceGen
	s.grace = time.AfterFunc(s.policy.GracePeriod, func() {
		s.post(func() {
			if g == s.graceGen && s.grace != nil {
				s.grace = nil
				s.log.Info("session: grace period expired")
				s.terminate(TerminatedDisconnected)
			}
		})
	})
}

func (s *Session) stopGrace() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.graceGen++
}

// reconcileIdle arms the idle timer when the session has nothing to do and
// disarms it otherwise. Commands disarm it first, so activity restarts the
// countdown.
func (s *Session) reconcileIdle() {
	idle := s.state == StateIdle && s.grace == nil && !s.connecting &&
		(s.queue.Len() == 0 || s.halted || !s.voiceUp)
	if !idle {
		s.disarmIdle()
		return
	}
	if s.idle != nil {
		return
	}
	s.idleGen++
	g := s.idleGen
	s.idle = time.AfterFunc(s.policy.IdleTimeout, func() {
		s.post(func() {
			if g == s.idleGen && s.idle != nil {
				s.idle = nil
				s.log.Info("session: idle timeout")
				s.terminate(TerminatedIdle)
			}
		})
	})
}

func (s *Session) disarmIdle() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.idleGen++
}

func (s *Session) terminate(reason string) { s.terminateErr(reason, nil) }

// terminateErr moves the session to Terminated. The control goroutine exits
// after the current message.
func (s *Session) terminateErr(reason string, err error) {
	if s.state == StateTerminated {
		return
	}
	s.state = StateTerminated
	close(s.quit)
	s.log.Info("session: terminated", "reason", reason)

	s.abandonPending()
	if p := s.current; p != nil {
		p.cancel()
		s.current = nil
		end := s.stopping
		if end == "" {
			end = EndStopped
		}
		s.emit(Event{Kind: EventTrackEnded, Request: &p.req, Title: p.info.Title, Reason: end})
		s.cfg.Metrics.RecordTrackEnded(s.ctx, end)
	}
	s.queue.Clear()
	s.stopGrace()
	s.disarmIdle()
	if s.conn != nil {
		s.conn.Release()
		if derr := s.conn.Disconnect(); derr != nil {
			s.log.Debug("session: disconnect failed", "error", derr)
		}
		s.conn = nil
	}
	s.voiceUp = false
	s.emit(Event{Kind: EventSessionTerminated, Reason: reason, Err: err})
	s.cancel()

	if s.cfg.OnTerminate != nil {
		s.cfg.OnTerminate(s)
	}
}
