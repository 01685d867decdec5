package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/bardic/internal/pipe"
	"github.com/MrWong99/bardic/internal/resolve"
	"github.com/MrWong99/bardic/pkg/audio"
	audiomock "github.com/MrWong99/bardic/pkg/audio/mock"
	"github.com/MrWong99/bardic/pkg/track"
)

// ─── resolver ────────────────────────────────────────────────────────────────

type fakeResolver struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, query string) (track.Info, error)
}

func (r *fakeResolver) Resolve(ctx context.Context, query string) (track.Info, error) {
	r.mu.Lock()
	r.calls = append(r.calls, query)
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, query)
	}
	return track.Info{Title: "title:" + query, Locator: "https://example.com/" + query}, nil
}

func (r *fakeResolver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// failing returns a resolver func that fails for the listed queries.
func failing(bad ...string) func(context.Context, string) (track.Info, error) {
	return func(_ context.Context, q string) (track.Info, error) {
		if slices.Contains(bad, q) {
			return track.Info{}, &resolve.Error{Kind: resolve.KindNotFound, Query: q}
		}
		return track.Info{Title: "title:" + q, Locator: "https://example.com/" + q}, nil
	}
}

// ─── pipe ────────────────────────────────────────────────────────────────────

// fakeOpener opens fakeStreams and checks that at most one is open at once.
type fakeOpener struct {
	mu        sync.Mutex
	opened    []string
	streams   []*fakeStream
	active    int
	maxActive int

	// frames per stream; zero means the stream never ends on its own.
	frames int
	// endErr is returned after the last frame instead of io.EOF.
	endErr error
	// openErr, when set, is consulted before each open.
	openErr func(title string) error
}

func (o *fakeOpener) Open(_ context.Context, info track.Info) (pipe.FrameStream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		if err := o.openErr(info.Title); err != nil {
			return nil, err
		}
	}
	o.active++
	o.maxActive = max(o.maxActive, o.active)
	o.opened = append(o.opened, info.Title)
	fs := &fakeStream{
		opener:  o,
		frames:  o.frames,
		endErr:  o.endErr,
		closed:  make(chan struct{}),
		release: make(chan struct{}),
	}
	o.streams = append(o.streams, fs)
	return fs, nil
}

func (o *fakeOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.opened)
}

func (o *fakeOpener) MaxActive() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxActive
}

func (o *fakeOpener) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *fakeOpener) Stream(i int) *fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i >= len(o.streams) {
		return nil
	}
	return o.streams[i]
}

type fakeStream struct {
	opener *fakeOpener
	frames int
	endErr error

	seq       atomic.Uint64
	holds     atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
	release   chan struct{} // closing it ends an endless stream
}

func (s *fakeStream) Next(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case <-s.closed:
		return audio.AudioFrame{}, pipe.ErrClosed
	default:
	}
	n := s.seq.Load()
	if s.frames > 0 && n >= uint64(s.frames) {
		if s.endErr != nil {
			return audio.AudioFrame{}, s.endErr
		}
		return audio.AudioFrame{}, io.EOF
	}
	if s.frames == 0 {
		select {
		case <-s.release:
			return audio.AudioFrame{}, io.EOF
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		case <-s.closed:
			return audio.AudioFrame{}, pipe.ErrClosed
		case <-time.After(time.Millisecond):
		}
	}
	s.seq.Add(1)
	return audio.AudioFrame{Data: make([]byte, audio.FrameBytes), Seq: n}, nil
}

func (s *fakeStream) Hold(held bool) {
	if held {
		s.holds.Add(1)
	}
}

func (s *fakeStream) Dropped() uint64 { return 0 }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.opener.mu.Lock()
		s.opener.active--
		s.opener.mu.Unlock()
	})
	return nil
}

func (s *fakeStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── notifier ────────────────────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 1)}
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) Count(kind EventKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// waitCount blocks until at least n events of kind were recorded.
func (r *recorder) waitCount(t *testing.T, kind EventKind, n int) []Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		var matched []Event
		for _, ev := range r.Events() {
			if ev.Kind == kind {
				matched = append(matched, ev)
			}
		}
		if len(matched) >= n {
			return matched
		}
		select {
		case <-r.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %v events; got %v", n, kind, r.summary())
		}
	}
}

func (r *recorder) wait(t *testing.T, kind EventKind) Event {
	t.Helper()
	evs := r.waitCount(t, kind, 1)
	return evs[0]
}

// summary renders the recorded events as "kind(title/reason)" strings.
func (r *recorder) summary() []string {
	var out []string
	for _, ev := range r.Events() {
		s := ev.Kind.String()
		if ev.Title != "" || ev.Reason != "" {
			s += fmt.Sprintf("(%s/%s)", ev.Title, ev.Reason)
		}
		out = append(out, s)
	}
	return out
}

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	s        *Session
	resolver *fakeResolver
	opener   *fakeOpener
	conn     *audiomock.Connection
	platform *audiomock.Platform
	events   *recorder
	out      chan audio.AudioFrame

	mu       sync.Mutex
	received []audio.AudioFrame
	stopSink chan struct{}
	sinkDone chan struct{}

	terminated atomic.Int32
}

type harnessOption func(*Config, *harness)

func withPolicy(p Policy) harnessOption {
	return func(c *Config, _ *harness) { c.Policy = p }
}

func withFrames(n int) harnessOption {
	return func(_ *Config, h *harness) { h.opener.frames = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	out := make(chan audio.AudioFrame, 4)
	h := &harness{
		resolver: &fakeResolver{},
		opener:   &fakeOpener{frames: 3},
		events:   newRecorder(),
		out:      out,
		stopSink: make(chan struct{}),
		sinkDone: make(chan struct{}),
	}
	h.conn = &audiomock.Connection{ChannelIDResult: "voice-1", OutputStreamResult: out}
	h.platform = &audiomock.Platform{ConnectResult: h.conn}

	cfg := Config{
		GuildID:       "guild-1",
		Resolver:      h.resolver,
		Opener:        h.opener,
		Platform:      h.platform,
		Notifier:      h.events,
		FrameDuration: time.Millisecond,
		OnTerminate:   func(*Session) { h.terminated.Add(1) },
	}
	for _, o := range opts {
		o(&cfg, h)
	}
	h.s = New(cfg)

	go h.sink()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.s.Terminate(ctx, TerminatedShutdown)
		close(h.stopSink)
		<-h.sinkDone
	})
	return h
}

func (h *harness) sink() {
	defer close(h.sinkDone)
	for {
		select {
		case f := <-h.out:
			h.mu.Lock()
			h.received = append(h.received, f)
			h.mu.Unlock()
		case <-h.stopSink:
			return
		}
	}
}

func (h *harness) Received() []audio.AudioFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.received)
}

// join connects the session and waits until the connection is up.
func (h *harness) join(t *testing.T) {
	t.Helper()
	if err := h.s.Join(t.Context(), "voice-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, "voice connected", func() bool {
		snap, err := h.s.Snapshot(t.Context())
		return err == nil && snap.Connected
	})
}

func (h *harness) enqueue(t *testing.T, queries ...string) {
	t.Helper()
	for _, q := range queries {
		if _, _, err := h.s.Enqueue(t.Context(), track.NewRequest(q, alice)); err != nil {
			t.Fatalf("Enqueue(%q): %v", q, err)
		}
	}
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	snap, err := h.s.Snapshot(t.Context())
	if errors.Is(err, ErrTerminated) {
		return StateTerminated
	}
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return snap.State
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.state(t) == want })
}

var (
	alice = track.Requester{ID: "u1", Name: "alice"}
	bob   = track.Requester{ID: "u2", Name: "bob"}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (o *fakeOpener) SetFrames(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = n
}
