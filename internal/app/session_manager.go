package app

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/pipe"
	"github.com/MrWong99/bardic/internal/resolve"
	"github.com/MrWong99/bardic/internal/session"
	"github.com/MrWong99/bardic/pkg/audio"
)

// SessionManager owns one playback session per guild. Sessions are created
// on first use and dropped from the map when they terminate.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	policy   session.Policy
	closed   bool

	// Dependencies injected at construction.
	platform func(guildID string) audio.Platform
	resolver resolve.Resolver
	opener   pipe.Opener
	notifier session.Notifier
	metrics  *observe.Metrics
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Platform returns the voice platform for a guild.
	Platform func(guildID string) audio.Platform

	Resolver resolve.Resolver
	Opener   pipe.Opener

	// Notifier receives the events of every session. Optional.
	Notifier session.Notifier

	Metrics *observe.Metrics

	// Policy is applied to new sessions. See [SessionManager.SetPolicy].
	Policy session.Policy
}

// ErrShutdown is returned once [SessionManager.Shutdown] was called.
var ErrShutdown = errors.New("app: session manager shut down")

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		sessions: make(map[string]*session.Session),
		policy:   cfg.Policy,
		platform: cfg.Platform,
		resolver: cfg.Resolver,
		opener:   cfg.Opener,
		notifier: cfg.Notifier,
		metrics:  m,
	}
}

// GetOrCreate returns the live session for guildID, creating it if needed.
// Concurrent callers for the same guild always receive the same session.
// It returns nil after Shutdown.
func (sm *SessionManager) GetOrCreate(guildID string) *session.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil
	}
	if s, ok := sm.sessions[guildID]; ok {
		return s
	}

	var platform audio.Platform
	if sm.platform != nil {
		platform = sm.platform(guildID)
	}
	s := session.New(session.Config{
		GuildID:     guildID,
		Resolver:    sm.resolver,
		Opener:      sm.opener,
		Platform:    platform,
		Notifier:    sm.notifier,
		Metrics:     sm.metrics,
		Policy:      sm.policy,
		OnTerminate: func(s *session.Session) { sm.Remove(s.GuildID(), s) },
	})
	sm.sessions[guildID] = s
	sm.metrics.AddActiveSessions(context.Background(), 1)

	slog.Info("session created", "guild_id", guildID)
	return s
}

// Get returns the live session for guildID, if any.
func (sm *SessionManager) Get(guildID string) (*session.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[guildID]
	return s, ok
}

// Remove drops s from the map, but only if it is still the session
// registered for guildID. A terminated session therefore never evicts the
// session that replaced it.
func (sm *SessionManager) Remove(guildID string, s *session.Session) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if cur, ok := sm.sessions[guildID]; !ok || cur != s {
		return false
	}
	delete(sm.sessions, guildID)
	sm.metrics.AddActiveSessions(context.Background(), -1)

	slog.Info("session removed", "guild_id", guildID)
	return true
}

// ListActive returns the guild IDs with a live session, sorted.
func (sm *SessionManager) ListActive() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Do runs fn against the guild's session. If the session terminated between
// lookup and use, the stale entry is removed and fn is retried once with a
// fresh session.
func (sm *SessionManager) Do(ctx context.Context, guildID string, fn func(*session.Session) error) error {
	for attempt := 0; ; attempt++ {
		s := sm.GetOrCreate(guildID)
		if s == nil {
			return ErrShutdown
		}
		err := fn(s)
		if !errors.Is(err, session.ErrTerminated) || attempt > 0 || ctx.Err() != nil {
			return err
		}
		sm.Remove(guildID, s)
	}
}

// SetPolicy applies p to every live session and to sessions created later.
func (sm *SessionManager) SetPolicy(ctx context.Context, p session.Policy) {
	sm.mu.Lock()
	sm.policy = p
	live := sm.snapshot()
	sm.mu.Unlock()

	for _, s := range live {
		if err := s.SetPolicy(ctx, p); err != nil && !errors.Is(err, session.ErrTerminated) {
			slog.Warn("session: apply policy failed", "guild_id", s.GuildID(), "err", err)
		}
	}
}

// Shutdown terminates every session and waits for them to release their
// resources or for ctx to expire. No sessions are created afterwards.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	live := sm.snapshot()
	sm.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range live {
		wg.Go(func() {
			if err := s.Terminate(ctx, session.TerminatedShutdown); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	slog.Info("session manager shut down", "sessions", len(live))
	return errors.Join(errs...)
}

// snapshot must be called with sm.mu held.
func (sm *SessionManager) snapshot() []*session.Session {
	out := make([]*session.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s)
	}
	return out
}
