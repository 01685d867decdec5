// Package app wires the Bardic subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the resolver, the audio
// pipe, the play history and the session registry from the config, Run
// serves the HTTP endpoints, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithResolver,
// WithOpener, WithPlatform, ...). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/bardic/internal/config"
	"github.com/MrWong99/bardic/internal/feed"
	"github.com/MrWong99/bardic/internal/health"
	"github.com/MrWong99/bardic/internal/history"
	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/pipe"
	"github.com/MrWong99/bardic/internal/proc"
	"github.com/MrWong99/bardic/internal/resolve"
	"github.com/MrWong99/bardic/internal/session"
	"github.com/MrWong99/bardic/pkg/audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics  *observe.Metrics
	limiter  *proc.Limiter
	resolver resolve.Resolver
	opener   pipe.Opener
	history  history.Store
	recorder *history.Recorder
	hub      *feed.Hub
	sessions *SessionManager
	handler  http.Handler

	platform  func(guildID string) audio.Platform
	notifiers []session.Notifier
	checkers  []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	mu       sync.Mutex
	addr     net.Addr
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithPlatform sets the per-guild voice platform. Without it sessions
// cannot join voice.
func WithPlatform(fn func(guildID string) audio.Platform) Option {
	return func(a *App) { a.platform = fn }
}

// WithNotifier adds a receiver for every session event.
func WithNotifier(n session.Notifier) Option {
	return func(a *App) { a.notifiers = append(a.notifiers, n) }
}

// WithChecker adds a readiness check to /readyz.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// WithResolver injects a resolver instead of creating a yt-dlp one.
func WithResolver(r resolve.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithOpener injects an audio pipe opener instead of the subprocess one.
func WithOpener(o pipe.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithHistoryStore injects a play history store instead of creating one
// from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Tools ─────────────────────────────────────────────────────────
	a.initTools()

	// ── 2. Play history ──────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Event feed ────────────────────────────────────────────────────
	a.hub = feed.NewHub()
	a.closers = append(a.closers, func() error { a.hub.Close(); return nil })

	// ── 4. Sessions ──────────────────────────────────────────────────────
	notifiers := append(session.Notifiers{a.recorder, a.hub}, a.notifiers...)
	a.sessions = NewSessionManager(SessionManagerConfig{
		Platform: a.platform,
		Resolver: a.resolver,
		Opener:   a.opener,
		Notifier: notifiers,
		Metrics:  a.metrics,
		Policy:   PolicyFrom(cfg.Playback),
	})

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTools sets up the shared subprocess cap, the resolver and the audio
// pipe.
func (a *App) initTools() {
	t := a.cfg.Tools
	a.limiter = proc.NewLimiter(t.MaxSubprocesses)
	a.limiter.OnChange(func(delta int64) {
		a.metrics.AddActiveSubprocesses(context.Background(), delta)
	})

	if a.resolver == nil {
		a.resolver = resolve.NewYTDLP(resolve.YTDLPConfig{
			Executable: t.YTDLPPath,
			Timeout:    t.ResolveTimeout,
			Providers:  t.SearchProviders,
			Format:     t.Format,
			Limiter:    a.limiter,
			Metrics:    a.metrics,
		})
	}
	if a.opener == nil {
		a.opener = pipe.NewSubprocess(pipe.Config{
			YTDLPPath:    t.YTDLPPath,
			FFmpegPath:   t.FFmpegPath,
			Mode:         pipe.Mode(t.PipeMode),
			Format:       t.Format,
			StallTimeout: a.cfg.Playback.StallTimeout,
			KillGrace:    t.KillGrace,
			PauseBuffer:  a.cfg.Playback.PauseBuffer,
			Limiter:      a.limiter,
			Metrics:      a.metrics,
		})
		a.checkers = append(a.checkers,
			health.Binary("yt-dlp", orDefault(t.YTDLPPath, "yt-dlp")),
			health.Binary("ffmpeg", orDefault(t.FFmpegPath, "ffmpeg")),
		)
	}
}

// initHistory connects the play history store and its recorder. A
// PostgreSQL DSN selects the durable store; otherwise history lives in
// memory.
func (a *App) initHistory(ctx context.Context) error {
	if a.history == nil {
		if dsn := a.cfg.History.PostgresDSN; dsn != "" {
			pg, err := history.NewPGStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.history = pg
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
			a.checkers = append(a.checkers, health.Checker{Name: "history", Check: pg.Ping})
			slog.Info("play history stored in postgres")
		} else {
			a.history = history.NewMemStore(a.cfg.History.Limit)
			slog.Debug("play history kept in memory", "limit", a.cfg.History.Limit)
		}
	}
	a.recorder = history.NewRecorder(a.history)
	// The recorder must flush before the store closes.
	a.closers = append([]func() error{func() error { a.recorder.Close(); return nil }}, a.closers...)
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.Handle("GET /events", a.hub)
	mux.HandleFunc("GET /api/sessions", a.handleSessions)
	mux.HandleFunc("GET /api/sessions/{guild}", a.handleSession)
	mux.HandleFunc("GET /api/history/{guild}", a.handleHistory)
	return observe.Middleware(a.metrics)(mux)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// PolicyFrom converts the playback config into a session policy.
func PolicyFrom(p config.PlaybackConfig) session.Policy {
	pol := session.DefaultPolicy()
	if p.GracePeriod > 0 {
		pol.GracePeriod = p.GracePeriod
	}
	if p.IdleTimeout > 0 {
		pol.IdleTimeout = p.IdleTimeout
	}
	if p.MaxConsecutiveFailures > 0 {
		pol.MaxConsecutiveFailures = p.MaxConsecutiveFailures
	}
	if p.MaxAdmissionRetries > 0 {
		pol.MaxAdmissionRetries = p.MaxAdmissionRetries
	}
	pol.MaxQueue = p.MaxQueue
	pol.Rejoin = p.Rejoin
	return pol
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Resolver returns the track resolver.
func (a *App) Resolver() resolve.Resolver { return a.resolver }

// History returns the play history store.
func (a *App) History() history.Store { return a.history }

// Handler returns the HTTP handler serving health, metrics, the event feed
// and the session API.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the address the HTTP server listens on once Run started.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Reload applies the playback part of a config change to live sessions.
// The caller owns the log level and vote settings.
func (a *App) Reload(ctx context.Context, cfg *config.Config, d config.ConfigDiff) {
	if !d.PlaybackChanged {
		return
	}
	a.sessions.SetPolicy(ctx, PolicyFrom(cfg.Playback))
	slog.Info("config reload: playback policy updated")
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled. It returns ctx.Err() on a clean
// stop. With an empty listen address it only waits for ctx.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Server.ListenAddr == "" {
		slog.Info("http server disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown terminates every session, then runs the closers in order. It
// respects the context deadline: if ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", len(a.sessions.ListActive()), "closers", len(a.closers))

		if err := a.sessions.Shutdown(ctx); err != nil {
			slog.Warn("session shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── HTTP API ────────────────────────────────────────────────────────────────

const snapshotTimeout = 2 * time.Second

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()

	snaps := []session.Snapshot{}
	for _, id := range a.sessions.ListActive() {
		s, ok := a.sessions.Get(id)
		if !ok {
			continue
		}
		snap, err := s.Snapshot(ctx)
		if err != nil {
			// Terminated between listing and snapshotting.
			continue
		}
		snaps = append(snaps, snap)
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.sessions.Get(r.PathValue("guild"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no session for guild"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()
	snap, err := s.Snapshot(ctx)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := a.history.Recent(r.Context(), r.PathValue("guild"), a.cfg.History.Limit)
	if err != nil {
		slog.Warn("history lookup failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response", "err", err)
	}
}
