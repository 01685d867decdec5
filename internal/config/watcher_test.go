package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/bardic/internal/config"
)

const watcherBaseYAML = `
server:
  listen_addr: ":8080"
  log_level: info
discord:
  dj_role: DJ
playback:
  grace_period: 60s
  vote_ratio: 0.5
`

type reload struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

// reloads collects the callbacks a watcher makes.
type reloads struct {
	mu  sync.Mutex
	got []reload
	ch  chan struct{}
}

func newReloads() *reloads { return &reloads{ch: make(chan struct{}, 16)} }

func (r *reloads) fn(old, new *config.Config, d config.ConfigDiff) {
	r.mu.Lock()
	r.got = append(r.got, reload{old: old, new: new, diff: d})
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *reloads) wait(t *testing.T) reload {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within timeout")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// rewrite replaces the file and moves its mtime forward by step seconds so
// the change is visible regardless of filesystem timestamp resolution.
func rewrite(t *testing.T, path, content string, step int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	ts := time.Now().Add(time.Duration(step) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func startWatcher(t *testing.T, r *reloads) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, watcherBaseYAML, 0)
	var fn config.ReloadFunc
	if r != nil {
		fn = r.fn
	}
	w, err := config.NewWatcher(path, fn, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func waitCurrent(t *testing.T, w *config.Watcher, ok func(*config.Config) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !ok(w.Current()) {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never picked up the change: %+v", w.Current())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.Discord.DJRole != "DJ" {
		t.Errorf("Current() = %+v", cfg)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_LogLevelAndPlayback(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, path := startWatcher(t, r)

	rewrite(t, path, `
server:
  listen_addr: ":8080"
  log_level: debug
discord:
  dj_role: DJ
playback:
  grace_period: 30s
  vote_ratio: 0.5
`, 1)

	got := r.wait(t)
	if !got.diff.LogLevelChanged || got.diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level debug", got.diff)
	}
	if !got.diff.PlaybackChanged || got.diff.VotesChanged {
		t.Errorf("diff = %+v, want only playback besides the log level", got.diff)
	}
	if len(got.diff.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", got.diff.RestartRequired)
	}
	if got.old.Playback.GracePeriod != 60*time.Second || got.new.Playback.GracePeriod != 30*time.Second {
		t.Errorf("grace period %v -> %v", got.old.Playback.GracePeriod, got.new.Playback.GracePeriod)
	}
	if w.Current() != got.new {
		t.Error("Current() is not the config handed to the callback")
	}
}

func TestWatcher_VoteSettings(t *testing.T) {
	t.Parallel()
	r := newReloads()
	_, path := startWatcher(t, r)

	rewrite(t, path, `
server:
  listen_addr: ":8080"
  log_level: info
discord:
  dj_role: Mods
playback:
  grace_period: 60s
  vote_ratio: 0.75
`, 1)

	got := r.wait(t)
	if !got.diff.VotesChanged || got.diff.PlaybackChanged || got.diff.LogLevelChanged {
		t.Errorf("diff = %+v, want only votes", got.diff)
	}
	if got.new.Discord.DJRole != "Mods" || got.new.Playback.VoteRatio != 0.75 {
		t.Errorf("new config = %+v", got.new)
	}
}

func TestWatcher_RestartOnlyChangeIsNotApplied(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, path := startWatcher(t, r)

	rewrite(t, path, `
server:
  listen_addr: ":9090"
  log_level: info
discord:
  dj_role: DJ
playback:
  grace_period: 60s
  vote_ratio: 0.5
  pause_buffer: 10
`, 1)
	waitCurrent(t, w, func(c *config.Config) bool { return c.Server.ListenAddr == ":9090" })
	if n := r.count(); n != 0 {
		t.Fatalf("callback fired %d times for restart-only settings", n)
	}

	// A later hot change is diffed against the latest file, so the restart
	// fields are not reported again.
	rewrite(t, path, `
server:
  listen_addr: ":9090"
  log_level: warn
discord:
  dj_role: DJ
playback:
  grace_period: 60s
  vote_ratio: 0.5
  pause_buffer: 10
`, 2)
	got := r.wait(t)
	if !got.diff.LogLevelChanged || len(got.diff.RestartRequired) != 0 {
		t.Errorf("diff = %+v, want only the log level", got.diff)
	}
}

func TestWatcher_MixedChangeReportsRestartFields(t *testing.T) {
	t.Parallel()
	r := newReloads()
	_, path := startWatcher(t, r)

	rewrite(t, path, `
server:
  listen_addr: ":9090"
  log_level: info
discord:
  dj_role: DJ
playback:
  grace_period: 60s
  vote_ratio: 0.5
  max_queue: 5
`, 1)

	got := r.wait(t)
	if !got.diff.PlaybackChanged {
		t.Errorf("diff = %+v, want playback change", got.diff)
	}
	if !slices.Contains(got.diff.RestartRequired, "server.listen_addr") {
		t.Errorf("RestartRequired = %v, want server.listen_addr", got.diff.RestartRequired)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	r := newReloads()
	w, path := startWatcher(t, r)

	rewrite(t, path, "server:\n  log_level: bananas\n", 1)
	time.Sleep(200 * time.Millisecond)

	if n := r.count(); n != 0 {
		t.Errorf("callback fired %d times for an invalid file", n)
	}
	if lvl := w.Current().Server.LogLevel; lvl != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the previous %q", lvl, config.LogInfo)
	}

	// Fixing the file recovers.
	rewrite(t, path, "server:\n  listen_addr: \":8080\"\n  log_level: error\ndiscord:\n  dj_role: DJ\nplayback:\n  grace_period: 60s\n  vote_ratio: 0.5\n", 2)
	if got := r.wait(t); got.diff.NewLogLevel != config.LogError {
		t.Errorf("diff = %+v, want log level error", got.diff)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	r := newReloads()
	_, path := startWatcher(t, r)

	ts := time.Now().Add(time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if n := r.count(); n != 0 {
		t.Errorf("callback fired %d times for a touch", n)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, nil)
	w.Stop()
	w.Stop()
}
