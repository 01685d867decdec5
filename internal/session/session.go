// Package session implements the per-guild playback session: a state
// machine that owns a track queue and drives resolve, open and stream for
// one guild's voice connection.
//
// Each [Session] runs a single control goroutine. Public methods send
// closures to it and wait for the reply, so all session state is touched by
// exactly one goroutine. Slow work (resolving, opening pipes, connecting,
// streaming) runs in worker goroutines that post their results back tagged
// with a generation number; results from a superseded generation are
// discarded and their resources released.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/pipe"
	"github.com/MrWong99/bardic/internal/queue"
	"github.com/MrWong99/bardic/internal/resilience"
	"github.com/MrWong99/bardic/internal/resolve"
	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/MrWong99/bardic/pkg/track"
)

var (
	// ErrTerminated is returned by every method once the session ended.
	ErrTerminated = errors.New("session: terminated")

	// ErrNothingPlaying is returned by Skip and Stop when there is nothing
	// to act on.
	ErrNothingPlaying = errors.New("session: nothing playing")

	// ErrNotPlaying is returned by Pause outside the playing state.
	ErrNotPlaying = errors.New("session: not playing")

	// ErrNotPaused is returned by Resume when there is nothing to resume.
	ErrNotPaused = errors.New("session: not paused")

	// ErrNoMatch is returned by Remove when no queued entry matches.
	ErrNoMatch = errors.New("session: no matching queue entry")
)

// Policy holds the tunables that may change while a session runs.
type Policy struct {
	// GracePeriod is how long a disconnected session waits for the voice
	// connection to come back before terminating. Default: 60s.
	GracePeriod time.Duration

	// IdleTimeout terminates a session that sat idle with nothing queued.
	// Default: 5m.
	IdleTimeout time.Duration

	// MaxConsecutiveFailures halts advancing after this many tracks in a
	// row failed to resolve, open or play. Default: 3.
	MaxConsecutiveFailures int

	// MaxAdmissionRetries bounds how often a track is retried when the
	// subprocess cap is reached. Default: 5.
	MaxAdmissionRetries int

	// AdmissionBackoff spaces admission retries.
	AdmissionBackoff resilience.Backoff

	// MaxQueue limits the queue length. Zero means unlimited.
	MaxQueue int

	// Rejoin makes the session try to reconnect on its own after a
	// disconnect, within the grace period.
	Rejoin bool
}

// DefaultPolicy returns the policy used for zero fields.
func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:            60 * time.Second,
		IdleTimeout:            5 * time.Minute,
		MaxConsecutiveFailures: 3,
		MaxAdmissionRetries:    5,
		AdmissionBackoff:       resilience.Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2},
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.GracePeriod <= 0 {
		p.GracePeriod = d.GracePeriod
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = d.IdleTimeout
	}
	if p.MaxConsecutiveFailures <= 0 {
		p.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if p.MaxAdmissionRetries < 0 {
		p.MaxAdmissionRetries = 0
	}
	if p.AdmissionBackoff == (resilience.Backoff{}) {
		p.AdmissionBackoff = d.AdmissionBackoff
	}
	return p
}

// Config holds the dependencies of a [Session].
type Config struct {
	GuildID string

	Resolver resolve.Resolver
	Opener   pipe.Opener
	Platform audio.Platform

	// Notifier receives session events. May be nil.
	Notifier Notifier

	// Metrics records playback metrics. May be nil.
	Metrics *observe.Metrics

	Policy Policy

	// Reconnector is used when Policy.Rejoin is set. Defaults to one built
	// on Platform.
	Reconnector *Reconnector

	// OnTerminate is called once from the control goroutine after the
	// session terminated. The registry uses it to drop the session.
	OnTerminate func(*Session)

	// FrameDuration paces the stream. Default: audio.FrameDuration.
	FrameDuration time.Duration

	// ConnectTimeout bounds a single voice join. Default: 30s.
	ConnectTimeout time.Duration
}

const (
	inboxSize             = 16
	defaultConnectTimeout = 30 * time.Second
	closeWait             = 5 * time.Second
)

// Session is one guild's playback session.
type Session struct {
	guildID string
	cfg     Config
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inbox chan func()
	quit  chan struct{} // closed when the control goroutine stops accepting work
	done  chan struct{} // closed after workers and the dispatcher finished

	workers sync.WaitGroup
	events  *dispatcher

	// Everything below is owned by the control goroutine.
	policy   Policy
	state    State
	queue    *queue.Queue
	gen      uint64
	work     context.CancelFunc
	pending  *track.Request // request being resolved or retried
	current  *playback
	stopping string // TrackEnded reason once the current stream closes
	leaving  bool

	conn       audio.Connection
	connGen    uint64
	channelID  string
	voiceUp    bool
	connecting bool

	failures  int
	admission int
	halted    bool

	grace    *time.Timer
	graceGen uint64
	idle     *time.Timer
	idleGen  uint64
}

// New creates a session and starts its control goroutine.
func New(cfg Config) *Session {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audio.FrameDuration
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Reconnector == nil && cfg.Platform != nil {
		cfg.Reconnector = NewReconnector(ReconnectorConfig{Platform: cfg.Platform})
	}

	ctx, cancel := context.WithCancel(observe.WithGuild(context.Background(), cfg.GuildID))
	log := slog.With("guild_id", cfg.GuildID)
	policy := cfg.Policy.withDefaults()

	s := &Session{
		guildID: cfg.GuildID,
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan func(), inboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		events:  newDispatcher(cfg.Notifier, log),
		policy:  policy,
		queue:   queue.New(policy.MaxQueue),
	}
	go s.loop()
	return s
}

// GuildID returns the guild the session belongs to.
func (s *Session) GuildID() string { return s.guildID }

// Done is closed once the session has terminated and released every
// resource, including its subprocesses.
func (s *Session) Done() <-chan struct{} { return s.done }

// call runs fn on the control goroutine and returns its result.
func call[T any](ctx context.Context, s *Session, fn func() (T, error)) (T, error) {
	var (
		zero   T
		result T
		err    error
	)
	reply := make(chan struct{})
	job := func() {
		defer close(reply)
		if s.state == StateTerminated {
			err = ErrTerminated
			return
		}
		result, err = fn()
	}

	select {
	case s.inbox <- job:
	case <-s.quit:
		return zero, ErrTerminated
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case <-reply:
		return result, err
	case <-s.quit:
		select {
		case <-reply:
			return result, err
		default:
			return zero, ErrTerminated
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// do is call for commands without a result value.
func (s *Session) do(ctx context.Context, fn func() error) error {
	_, err := call(ctx, s, func() (struct{}, error) {
		s.disarmIdle()
		return struct{}{}, fn()
	})
	return err
}

// post delivers an internal result to the control goroutine. It reports
// false when the session no longer accepts work; the caller then owns any
// resources it meant to hand over.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// spawn runs fn as a tracked worker goroutine. A panic in fn terminates
// this session instead of the process.
func (s *Session) spawn(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("session: panic in worker", "panic", r, "stack", string(debug.Stack()))
				err := fmt.Errorf("panic: %v", r)
				s.post(func() { s.terminateErr(TerminatedInternal, err) })
			}
		}()
		fn()
	}()
}

// Join connects to the voice channel channelID. It returns once the
// attempt has started; queued tracks play as soon as the connection is up.
// Joining while already connected is a no-op.
func (s *Session) Join(ctx context.Context, channelID string) error {
	return s.do(ctx, func() error {
		if (s.conn != nil && s.voiceUp) || s.connecting {
			return nil
		}
		s.connect(channelID)
		return nil
	})
}

// Enqueue appends req to the queue. It returns the 1-based queue position
// and whether the track starts right away.
func (s *Session) Enqueue(ctx context.Context, req track.Request) (position int, startsNow bool, err error) {
	type result struct {
		pos   int
		start bool
	}
	r, err := call(ctx, s, func() (result, error) {
		s.disarmIdle()
		pos, err := s.queue.Enqueue(req)
		if err != nil {
			return result{}, err
		}
		s.emit(Event{Kind: EventTrackQueued, Request: &req, Title: req.Label(), Position: pos})
		if s.grace != nil && !s.connecting && s.channelID != "" {
			s.connect(s.channelID)
		}
		start := s.state == StateIdle && s.queue.Len() == 1
		s.restartCycle()
		return result{pos: pos, start: start && (s.voiceUp || s.connecting)}, nil
	})
	return r.pos, r.start, err
}

// ReplaceOutcome describes what [Session.Replace] did.
type ReplaceOutcome int

const (
	// ReplacedQueued means the requester's latest queued entry was swapped.
	ReplacedQueued ReplaceOutcome = iota + 1

	// ReplacedCurrent means the requester's playing track was skipped and
	// the new request plays next.
	ReplacedCurrent

	// ReplaceAppended means the requester had nothing to replace and the
	// request was queued normally.
	ReplaceAppended
)

// ReplaceResult is returned by [Session.Replace].
type ReplaceResult struct {
	Outcome ReplaceOutcome

	// Old is the request that was replaced, if any.
	Old track.Request

	// Position is the 1-based queue position of the new request.
	Position int
}

// Replace swaps the requester's most recent queued request for req. When
// the requester has nothing queued but their track is playing, that track
// is skipped and req plays next. Otherwise req is queued normally.
func (s *Session) Replace(ctx context.Context, req track.Request) (ReplaceResult, error) {
	return call(ctx, s, func() (ReplaceResult, error) {
		s.disarmIdle()
		who := req.Requester.ID
		if old, ok := s.queue.ReplaceLast(who, req); ok {
			pos := 0
			for i, r := range s.queue.PeekAll() {
				if r.Requester.ID == who {
					pos = i + 1
				}
			}
			return ReplaceResult{Outcome: ReplacedQueued, Old: old, Position: pos}, nil
		}

		if p := s.current; p != nil && p.req.Requester.ID == who && s.state != StateStopping {
			if err := s.queue.PushFront(req); err != nil {
				return ReplaceResult{}, err
			}
			s.emit(Event{Kind: EventTrackQueued, Request: &req, Title: req.Label(), Position: 1})
			old := p.req
			s.stopCurrent(EndSkipped)
			s.restartCycle()
			return ReplaceResult{Outcome: ReplacedCurrent, Old: old, Position: 1}, nil
		}

		pos, err := s.queue.Enqueue(req)
		if err != nil {
			return ReplaceResult{}, err
		}
		s.emit(Event{Kind: EventTrackQueued, Request: &req, Title: req.Label(), Position: pos})
		s.restartCycle()
		return ReplaceResult{Outcome: ReplaceAppended, Position: pos}, nil
	})
}

// Skip ends the current track and advances. While a track is still being
// resolved, that request is dropped instead. When nothing is playing the
// head of the queue is removed. It returns the skipped request.
func (s *Session) Skip(ctx context.Context) (track.Request, error) {
	return call(ctx, s, func() (track.Request, error) {
		s.disarmIdle()
		switch s.state {
		case StatePlaying, StatePaused:
			req := s.current.req
			s.stopCurrent(EndSkipped)
			return req, nil
		case StateResolving:
			req := *s.pending
			s.abandonPending()
			s.state = StateIdle
			s.failures = 0
			s.advance()
			return req, nil
		case StateStopping:
			if s.current != nil {
				return s.current.req, nil
			}
			return track.Request{}, ErrNothingPlaying
		default:
			head, ok := s.queue.Skip()
			if !ok {
				return track.Request{}, ErrNothingPlaying
			}
			return head, nil
		}
	})
}

// Pause holds the current track. Frames keep decoding into a bounded
// buffer so Resume continues where playback stopped.
func (s *Session) Pause(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state != StatePlaying {
			return ErrNotPlaying
		}
		s.current.pause()
		s.state = StatePaused
		s.emit(Event{Kind: EventPlaybackPaused, Request: &s.current.req, Title: s.current.info.Title})
		return nil
	})
}

// Resume continues a paused track. On an idle session with a non-empty
// queue (for example after advancing halted) it starts the next track.
func (s *Session) Resume(ctx context.Context) error {
	return s.do(ctx, func() error {
		switch {
		case s.state == StatePaused:
			s.current.resume()
			s.state = StatePlaying
			s.emit(Event{Kind: EventPlaybackResumed, Request: &s.current.req, Title: s.current.info.Title})
			return nil
		case s.state == StateIdle && s.queue.Len() > 0:
			s.restartCycle()
			return nil
		default:
			return ErrNotPaused
		}
	})
}

// Stop ends the current track without advancing. The queue is kept. With
// leave set the queue is cleared, the voice connection closed and the
// session terminated.
func (s *Session) Stop(ctx context.Context, leave bool) error {
	return s.do(ctx, func() error {
		if leave {
			s.queue.Clear()
			if s.state == StateResolving {
				s.abandonPending()
			}
			if s.current != nil {
				s.leaving = true
				s.stopCurrent(EndStopped)
				return nil
			}
			s.terminate(TerminatedLeft)
			return nil
		}

		switch s.state {
		case StatePlaying, StatePaused:
			s.stopCurrent(EndStopped)
			return nil
		case StateResolving:
			req := *s.pending
			s.abandonPending()
			if err := s.queue.PushFront(req); err != nil {
				s.log.Debug("session: dropped request on stop", "query", req.Query, "error", err)
			}
			s.state = StateIdle
			s.halted = true
			return nil
		case StateStopping:
			return nil
		default:
			return ErrNothingPlaying
		}
	})
}

// QueueSnapshot returns the queued requests in play order.
func (s *Session) QueueSnapshot(ctx context.Context) ([]track.Request, error) {
	return call(ctx, s, func() ([]track.Request, error) {
		return s.queue.PeekAll(), nil
	})
}

// NowPlaying describes the track currently owned by the session.
type NowPlaying struct {
	Request track.Request `json:"request"`
	Info    track.Info    `json:"info"`
	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`
	Paused  bool          `json:"paused"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	GuildID    string          `json:"guild_id"`
	State      State           `json:"state"`
	ChannelID  string          `json:"channel_id,omitempty"`
	Connected  bool            `json:"connected"`
	NowPlaying *NowPlaying     `json:"now_playing,omitempty"`
	Resolving  *track.Request  `json:"resolving,omitempty"`
	Queue      []track.Request `json:"queue"`
	Halted     bool            `json:"halted,omitempty"`
}

// Snapshot returns the session state, the current track and the queue.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	return call(ctx, s, func() (Snapshot, error) {
		snap := Snapshot{
			GuildID:   s.guildID,
			State:     s.state,
			ChannelID: s.channelID,
			Connected: s.voiceUp,
			Queue:     s.queue.PeekAll(),
			Halted:    s.halted,
		}
		if p := s.current; p != nil {
			snap.NowPlaying = &NowPlaying{
				Request: p.req,
				Info:    p.info,
				Started: p.started,
				Elapsed: time.Duration(p.sent.Load()) * s.cfg.FrameDuration,
				Paused:  p.paused.Load(),
			}
		}
		if s.pending != nil {
			req := *s.pending
			snap.Resolving = &req
		}
		return snap, nil
	})
}

// Remove deletes a queued request. query is either a 1-based queue
// position or text fuzzily matched against queued titles and queries.
func (s *Session) Remove(ctx context.Context, query string) (track.Request, error) {
	return call(ctx, s, func() (track.Request, error) {
		s.disarmIdle()
		query = strings.TrimSpace(query)
		if n, err := strconv.Atoi(query); err == nil {
			if req, ok := s.queue.Remove(n - 1); ok {
				return req, nil
			}
			return track.Request{}, ErrNoMatch
		}
		idx, score := s.queue.FindBest(query)
		if idx < 0 || score < queue.MinMatchScore {
			return track.Request{}, ErrNoMatch
		}
		req, _ := s.queue.Remove(idx)
		return req, nil
	})
}

// Clear empties the queue and returns how many requests were removed. The
// current track keeps playing.
func (s *Session) Clear(ctx context.Context) (int, error) {
	return call(ctx, s, func() (int, error) {
		s.disarmIdle()
		return s.queue.Clear(), nil
	})
}

// ClearBy removes every queued request of requesterID and returns how many
// were removed.
func (s *Session) ClearBy(ctx context.Context, requesterID string) (int, error) {
	return call(ctx, s, func() (int, error) {
		s.disarmIdle()
		return s.queue.RemoveBy(requesterID), nil
	})
}

// SetPolicy replaces the session's tunables. The queue limit applies to
// future enqueues; running timers keep their original deadline.
func (s *Session) SetPolicy(ctx context.Context, p Policy) error {
	return s.do(ctx, func() error {
		s.policy = p.withDefaults()
		s.queue.SetMax(s.policy.MaxQueue)
		return nil
	})
}

// Terminate ends the session with reason and waits until it released its
// resources or ctx expires.
func (s *Session) Terminate(ctx context.Context, reason string) error {
	err := s.do(ctx, func() error {
		s.terminate(reason)
		return nil
	})
	if err != nil && !errors.Is(err, ErrTerminated) {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
