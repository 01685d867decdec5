package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/bardic/internal/app"
	"github.com/MrWong99/bardic/internal/config"
	"github.com/MrWong99/bardic/internal/feed"
	"github.com/MrWong99/bardic/internal/history"
	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/pipe"
	"github.com/MrWong99/bardic/internal/queue"
	"github.com/MrWong99/bardic/internal/session"
	"github.com/MrWong99/bardic/pkg/audio"
	audiomock "github.com/MrWong99/bardic/pkg/audio/mock"
	"github.com/MrWong99/bardic/pkg/track"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
	}
	cfg.ApplyDefaults()
	return cfg
}

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, q string) (track.Info, error) {
	return track.Info{Title: q, Locator: "https://example.com/" + q}, nil
}

type failingOpener struct{}

func (failingOpener) Open(context.Context, track.Info) (pipe.FrameStream, error) {
	return nil, errors.New("no audio in tests")
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	conn := &audiomock.Connection{ChannelIDResult: "voice-1"}
	base := []app.Option{
		app.WithMetrics(m),
		app.WithResolver(stubResolver{}),
		app.WithOpener(failingOpener{}),
		app.WithPlatform(func(string) audio.Platform { return &audiomock.Platform{ConnectResult: conn} }),
	}
	a, err := app.New(t.Context(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func getJSON(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("decode %s: %v (body %q)", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestPolicyFrom(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Playback.GracePeriod = 10 * time.Second
	cfg.Playback.MaxQueue = 7
	cfg.Playback.Rejoin = true

	p := app.PolicyFrom(cfg.Playback)
	if p.GracePeriod != 10*time.Second || p.MaxQueue != 7 || !p.Rejoin {
		t.Errorf("policy = %+v", p)
	}
	if p.MaxConsecutiveFailures != config.DefaultMaxFailures {
		t.Errorf("MaxConsecutiveFailures = %d, want %d", p.MaxConsecutiveFailures, config.DefaultMaxFailures)
	}

	// Zero durations keep the session defaults.
	def := session.DefaultPolicy()
	if got := app.PolicyFrom(config.PlaybackConfig{}); got.IdleTimeout != def.IdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", got.IdleTimeout, def.IdleTimeout)
	}
}

func TestNew_InMemoryHistory(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	if _, ok := a.History().(*history.MemStore); !ok {
		t.Errorf("History() = %T, want *history.MemStore", a.History())
	}
	if a.Sessions() == nil || a.Resolver() == nil || a.Handler() == nil {
		t.Error("New left a subsystem unset")
	}
}

func TestApp_HTTPEndpoints(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	h := a.Handler()

	if code := getJSON(t, h, "/healthz", nil); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}

	var snaps []map[string]any
	if code := getJSON(t, h, "/api/sessions", &snaps); code != http.StatusOK || len(snaps) != 0 {
		t.Errorf("/api/sessions = %d %+v, want 200 []", code, snaps)
	}

	err := a.Sessions().Do(t.Context(), "g1", func(s *session.Session) error {
		_, _, err := s.Enqueue(t.Context(), track.NewRequest("lofi", track.Requester{ID: "1", Name: "ann"}))
		return err
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var raw map[string]any
	if code := getJSON(t, h, "/api/sessions/g1", &raw); code != http.StatusOK {
		t.Fatalf("/api/sessions/g1 = %d", code)
	}
	if raw["guild_id"] != "g1" || raw["state"] != "idle" {
		t.Errorf("snapshot = %v", raw)
	}
	if q, _ := raw["queue"].([]any); len(q) != 1 {
		t.Errorf("queue = %v, want one entry", raw["queue"])
	}

	if code := getJSON(t, h, "/api/sessions", &snaps); code != http.StatusOK || len(snaps) != 1 {
		t.Errorf("/api/sessions lists %d sessions, want 1", len(snaps))
	}
	if code := getJSON(t, h, "/api/sessions/nope", nil); code != http.StatusNotFound {
		t.Errorf("/api/sessions/nope = %d, want 404", code)
	}

	var entries []history.Entry
	if code := getJSON(t, h, "/api/history/g1", &entries); code != http.StatusOK || entries == nil || len(entries) != 0 {
		t.Errorf("/api/history/g1 = %d %v, want 200 []", code, entries)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
}

func TestApp_EventFeed(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// The hub registers the client asynchronously; keep enqueueing until an
	// event arrives.
	got := make(chan feed.Message, 1)
	go func() {
		var m feed.Message
		if err := wsjson.Read(ctx, conn, &m); err == nil {
			got <- m
		}
	}()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		select {
		case m := <-got:
			if m.Kind != "track_queued" || m.GuildID != "g1" {
				t.Errorf("message = %+v", m)
			}
			return
		case <-ctx.Done():
			t.Fatal("no event received")
		case <-tick.C:
			_ = a.Sessions().Do(ctx, "g1", func(s *session.Session) error {
				_, _, err := s.Enqueue(ctx, track.NewRequest(fmt.Sprintf("song %d", i), track.Requester{ID: "1"}))
				return err
			})
		}
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	old := testConfig()
	a := newTestApp(t, old)

	s := a.Sessions().GetOrCreate("g1")
	req := track.NewRequest("a", track.Requester{ID: "1"})
	if _, _, err := s.Enqueue(t.Context(), req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	next := testConfig()
	next.Playback.MaxQueue = 1

	// Without the playback flag nothing is applied.
	a.Reload(t.Context(), next, config.ConfigDiff{VotesChanged: true})
	if _, _, err := s.Enqueue(t.Context(), req); err != nil {
		t.Fatalf("Enqueue before playback reload: %v", err)
	}

	a.Reload(t.Context(), next, config.Diff(old, next))
	if _, _, err := s.Enqueue(t.Context(), req); !errors.Is(err, queue.ErrFull) {
		t.Errorf("Enqueue after reload = %v, want queue.ErrFull", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if a.Sessions().GetOrCreate("g2") != nil {
		t.Error("session created after Shutdown")
	}
}
