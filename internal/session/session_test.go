package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/bardic/internal/pipe"
	"github.com/MrWong99/bardic/internal/proc"
	"github.com/MrWong99/bardic/internal/resilience"
	"github.com/MrWong99/bardic/internal/resolve"
	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/MrWong99/bardic/pkg/track"
)

func titles(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Title)
	}
	return out
}

func TestSession_QueueSnapshotIsFIFO(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	want := []string{"a", "b", "c", "d", "e"}
	h.enqueue(t, want...)

	got, err := h.s.QueueSnapshot(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	var queries []string
	for _, r := range got {
		queries = append(queries, r.Query)
	}
	if !slices.Equal(queries, want) {
		t.Fatalf("snapshot = %v, want %v", queries, want)
	}
	if n := h.events.waitCount(t, EventTrackQueued, 5); n[4].Position != 5 {
		t.Errorf("last position = %d, want 5", n[4].Position)
	}
}

func TestSession_PlaysQueueInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.join(t)
	h.enqueue(t, "a", "b", "c")

	h.events.wait(t, EventQueueEmptied)
	started := titles(h.events.waitCount(t, EventTrackStarted, 3))
	if !slices.Equal(started, []string{"title:a", "title:b", "title:c"}) {
		t.Fatalf("started = %v", started)
	}
	for _, ev := range h.events.waitCount(t, EventTrackEnded, 3) {
		if ev.Reason != EndFinished {
			t.Errorf("%s ended with %q", ev.Title, ev.Reason)
		}
	}
	waitFor(t, "all frames", func() bool { return len(h.Received()) == 9 })
	if h.opener.MaxActive() != 1 {
		t.Errorf("max concurrent pipes = %d, want 1", h.opener.MaxActive())
	}
	h.waitState(t, StateIdle)
}

func TestSession_EnqueueReportsStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0))
	h.join(t)

	pos, starts, err := h.s.Enqueue(t.Context(), track.NewRequest("first", alice))
	if err != nil || pos != 1 || !starts {
		t.Fatalf("first Enqueue = %d, %v, %v", pos, starts, err)
	}
	h.events.wait(t, EventTrackStarted)
	pos, starts, err = h.s.Enqueue(t.Context(), track.NewRequest("second", alice))
	if err != nil || pos != 1 || starts {
		t.Fatalf("second Enqueue = %d, %v, %v", pos, starts, err)
	}
}

func TestSession_SkipClosesPipeBeforeNextOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0))
	h.join(t)
	h.enqueue(t, "a", "b", "c", "d")

	for i := range 3 {
		h.events.waitCount(t, EventTrackStarted, i+1)
		skipped, err := h.s.Skip(t.Context())
		if err != nil {
			t.Fatalf("Skip %d: %v", i, err)
		}
		if want := string(rune('a' + i)); skipped.Query != want {
			t.Errorf("skipped %q, want %q", skipped.Query, want)
		}
	}
	h.events.waitCount(t, EventTrackStarted, 4)

	if got := h.opener.MaxActive(); got != 1 {
		t.Fatalf("max concurrent pipes = %d, want 1", got)
	}
	for i := range 3 {
		if !h.opener.Stream(i).Closed() {
			t.Errorf("stream %d not closed", i)
		}
	}
	for _, ev := range h.events.waitCount(t, EventTrackEnded, 3) {
		if ev.Reason != EndSkipped {
			t.Errorf("end reason = %q, want skipped", ev.Reason)
		}
	}
}

func TestSession_PauseResumeKeepsFrames(t *testing.T) {
	t.Parallel()

	const total = 200
	h := newHarness(t, withFrames(total))
	h.join(t)
	h.enqueue(t, "long")
	h.events.wait(t, EventTrackStarted)

	waitFor(t, "some frames", func() bool { return len(h.Received()) >= 5 })
	if err := h.s.Pause(t.Context()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.events.wait(t, EventPlaybackPaused)
	if err := h.s.Pause(t.Context()); !errors.Is(err, ErrNotPlaying) {
		t.Errorf("second Pause = %v, want ErrNotPlaying", err)
	}

	// At most one frame that was already past the pause check may still
	// arrive; after that delivery stops.
	time.Sleep(20 * time.Millisecond)
	frozen := len(h.Received())
	time.Sleep(30 * time.Millisecond)
	if got := len(h.Received()); got != frozen {
		t.Fatalf("frames delivered while paused: %d -> %d", frozen, got)
	}
	if h.opener.Stream(0).holds.Load() == 0 {
		t.Error("stream was never held")
	}

	if err := h.s.Resume(t.Context()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.events.wait(t, EventPlaybackResumed)
	h.events.wait(t, EventTrackEnded)

	waitFor(t, "all frames", func() bool { return len(h.Received()) >= total })
	frames := h.Received()
	if len(frames) != total {
		t.Fatalf("received %d frames, want %d", len(frames), total)
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Fatalf("frame %d has seq %d", i, f.Seq)
		}
	}
}

func TestSession_ResolveFailureAdvancesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.resolver.fn = failing("bad")
	h.enqueue(t, "bad", "good")
	h.join(t)

	h.events.wait(t, EventQueueEmptied)
	if n := h.events.Count(EventResolveFailed); n != 1 {
		t.Fatalf("ResolveFailed count = %d, want 1", n)
	}
	failed := h.events.wait(t, EventResolveFailed)
	if failed.Request == nil || failed.Request.Query != "bad" || failed.Reason == "" {
		t.Errorf("ResolveFailed = %+v", failed)
	}
	started := titles(h.events.waitCount(t, EventTrackStarted, 1))
	if !slices.Equal(started, []string{"title:good"}) {
		t.Errorf("started = %v, want only the good track", started)
	}
	if slices.Contains(h.opener.Opened(), "title:bad") {
		t.Error("opened a pipe for the failed request")
	}
}

func TestSession_AThenBTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(20))
	h.resolver.fn = func(ctx context.Context, q string) (track.Info, error) {
		if q == "B" {
			return track.Info{}, &resolve.Error{Kind: resolve.KindTimeout, Query: q, Err: context.DeadlineExceeded}
		}
		return track.Info{Title: q, Locator: "https://example.com/" + q}, nil
	}
	h.enqueue(t, "A", "B")
	h.join(t)

	h.events.wait(t, EventQueueEmptied)
	var seq []string
	for _, ev := range h.events.Events() {
		switch ev.Kind {
		case EventTrackStarted, EventTrackEnded, EventResolveFailed, EventQueueEmptied:
			seq = append(seq, ev.Kind.String()+":"+ev.Title)
		}
	}
	want := []string{"track_started:A", "track_ended:A", "resolve_failed:B", "queue_emptied:"}
	if !slices.Equal(seq, want) {
		t.Fatalf("events = %v, want %v", seq, want)
	}
	if ev := h.events.wait(t, EventResolveFailed); !errors.Is(ev.Err, resolve.ErrTimeout) {
		t.Errorf("ResolveFailed err = %v, want timeout", ev.Err)
	}
}

func TestSession_HaltsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.resolver.fn = failing("x1", "x2", "x3", "x4")
	h.enqueue(t, "x1", "x2", "x3", "x4")
	h.join(t)

	halted := h.events.wait(t, EventAdvanceHalted)
	if halted.Reason == "" {
		t.Error("AdvanceHalted without reason")
	}
	if n := h.events.Count(EventResolveFailed); n != 3 {
		t.Fatalf("ResolveFailed count = %d, want 3", n)
	}
	snap, err := h.s.Snapshot(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateIdle || !snap.Halted || len(snap.Queue) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Resume starts a fresh cycle.
	if err := h.s.Resume(t.Context()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.events.waitCount(t, EventResolveFailed, 4)
}

func TestSession_PipeFailureCountsAsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.opener.endErr = &pipe.Error{Kind: pipe.KindProcessExited, Stage: "ffmpeg"}
	h.enqueue(t, "a", "b", "c", "d")
	h.join(t)

	h.events.wait(t, EventAdvanceHalted)
	ended := h.events.waitCount(t, EventTrackEnded, 3)
	for _, ev := range ended {
		if ev.Reason != EndFailed || !errors.Is(ev.Err, pipe.ErrProcessExited) {
			t.Errorf("ended = %q err %v", ev.Reason, ev.Err)
		}
	}
	if got := h.opener.Opened(); len(got) != 3 {
		t.Errorf("opened %v, want 3 tracks", got)
	}
}

func TestSession_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.resolver.fn = failing("x1", "x2", "x3", "x4")
	h.enqueue(t, "x1", "x2", "ok", "x3", "x4", "end")
	h.join(t)

	h.events.wait(t, EventQueueEmptied)
	if h.events.Count(EventAdvanceHalted) != 0 {
		t.Fatalf("halted although failures were not consecutive: %v", h.events.summary())
	}
	if n := h.events.Count(EventTrackStarted); n != 2 {
		t.Errorf("started %d tracks, want 2", n)
	}
}

func TestSession_AdmissionRetry(t *testing.T) {
	t.Parallel()

	var rejections atomic.Int32
	h := newHarness(t, withPolicy(Policy{
		MaxAdmissionRetries: 3,
		AdmissionBackoff:    resilience.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}))
	h.opener.openErr = func(title string) error {
		if title == "title:busy" && rejections.Add(1) <= 2 {
			return fmt.Errorf("pipe: %w", proc.ErrExhausted)
		}
		if title == "title:never" {
			return proc.ErrExhausted
		}
		return nil
	}
	h.join(t)
	h.enqueue(t, "busy")
	h.events.wait(t, EventTrackStarted)
	if got := rejections.Load(); got != 3 {
		t.Errorf("open attempts = %d, want 3", got)
	}

	h.enqueue(t, "never")
	ended := h.events.waitCount(t, EventTrackEnded, 2)
	if ended[1].Reason != EndFailed || !errors.Is(ended[1].Err, proc.ErrExhausted) {
		t.Errorf("ended = %+v", ended[1])
	}
}

func TestSession_SkipWhileResolving(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	block := make(chan struct{})
	h.resolver.fn = func(ctx context.Context, q string) (track.Info, error) {
		if q == "slow" {
			select {
			case <-block:
			case <-ctx.Done():
				return track.Info{}, ctx.Err()
			}
		}
		return track.Info{Title: q, Locator: "https://example.com/" + q}, nil
	}
	h.join(t)
	h.enqueue(t, "slow", "next")
	h.waitState(t, StateResolving)

	skipped, err := h.s.Skip(t.Context())
	if err != nil || skipped.Query != "slow" {
		t.Fatalf("Skip = %q, %v", skipped.Query, err)
	}
	if ev := h.events.wait(t, EventTrackStarted); ev.Title != "next" {
		t.Errorf("started %q, want next", ev.Title)
	}
	close(block)
	if h.events.Count(EventResolveFailed) != 0 {
		t.Error("skipped resolution reported as failure")
	}
}

func TestSession_SkipNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := h.s.Skip(t.Context()); !errors.Is(err, ErrNothingPlaying) {
		t.Fatalf("Skip = %v, want ErrNothingPlaying", err)
	}
	// Not connected: skipping drops the head.
	h.enqueue(t, "a", "b")
	if r, err := h.s.Skip(t.Context()); err != nil || r.Query != "a" {
		t.Fatalf("Skip = %q, %v", r.Query, err)
	}
	if q, err := h.s.QueueSnapshot(t.Context()); err != nil || len(q) != 1 || q[0].Query != "b" {
		t.Errorf("queue after Skip = %v, %v, want [b]", q, err)
	}
}

func TestSession_StopKeepsQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0))
	h.join(t)
	h.enqueue(t, "a", "b")
	h.events.wait(t, EventTrackStarted)

	if err := h.s.Stop(t.Context(), false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ev := h.events.wait(t, EventTrackEnded); ev.Reason != EndStopped {
		t.Errorf("end reason = %q", ev.Reason)
	}
	h.waitState(t, StateIdle)
	q, _ := h.s.QueueSnapshot(t.Context())
	if len(q) != 1 || q[0].Query != "b" {
		t.Fatalf("queue after stop = %v", q)
	}
	if n := h.events.Count(EventTrackStarted); n != 1 {
		t.Errorf("advanced after stop: %d starts", n)
	}
	if err := h.s.Stop(t.Context(), false); !errors.Is(err, ErrNothingPlaying) {
		t.Errorf("second Stop = %v", err)
	}

	// Resume starts the kept queue.
	if err := h.s.Resume(t.Context()); err != nil {
		t.Fatal(err)
	}
	h.events.waitCount(t, EventTrackStarted, 2)
}

func TestSession_StopAndLeave(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0))
	h.join(t)
	h.enqueue(t, "a", "b")
	h.events.wait(t, EventTrackStarted)

	if err := h.s.Stop(t.Context(), true); err != nil {
		t.Fatalf("Stop(leave): %v", err)
	}
	<-h.s.Done()

	term := h.events.wait(t, EventSessionTerminated)
	if term.Reason != TerminatedLeft {
		t.Errorf("reason = %q", term.Reason)
	}
	if h.conn.Disconnects() != 1 {
		t.Errorf("disconnects = %d, want 1", h.conn.Disconnects())
	}
	if h.opener.Active() != 0 {
		t.Error("pipe left open")
	}
	if h.terminated.Load() != 1 {
		t.Error("OnTerminate not called once")
	}
	if _, _, err := h.s.Enqueue(t.Context(), track.NewRequest("c", alice)); !errors.Is(err, ErrTerminated) {
		t.Errorf("Enqueue after leave = %v", err)
	}
	evs := h.events.Events()
	if evs[len(evs)-1].Kind != EventSessionTerminated {
		t.Errorf("last event = %v", evs[len(evs)-1].Kind)
	}
}

func TestSession_DisconnectThenReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0), withPolicy(Policy{GracePeriod: time.Hour}))
	h.join(t)
	h.enqueue(t, "a", "b")
	h.events.wait(t, EventTrackStarted)

	h.conn.EmitEvent(audio.Event{Type: audio.EventDisconnect})
	if ev := h.events.wait(t, EventTrackEnded); ev.Reason != EndDisconnected {
		t.Errorf("end reason = %q", ev.Reason)
	}
	h.waitState(t, StateIdle)
	if !h.opener.Stream(0).Closed() {
		t.Error("pipe not closed on disconnect")
	}

	// Commands still work during the grace period.
	if q, err := h.s.QueueSnapshot(t.Context()); err != nil || len(q) != 1 {
		t.Fatalf("QueueSnapshot = %v, %v", q, err)
	}

	h.conn.EmitEvent(audio.Event{Type: audio.EventReconnect, ChannelID: "voice-2"})
	if ev := h.events.waitCount(t, EventTrackStarted, 2)[1]; ev.Title != "title:b" {
		t.Errorf("started %q after reconnect", ev.Title)
	}
	snap, _ := h.s.Snapshot(t.Context())
	if snap.ChannelID != "voice-2" || !snap.Connected {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.events.Count(EventSessionTerminated) != 0 {
		t.Error("session terminated despite reconnect")
	}
}

func TestSession_GraceExpiryTerminates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0), withPolicy(Policy{GracePeriod: 30 * time.Millisecond}))
	h.join(t)
	h.enqueue(t, "a", "b")
	h.events.wait(t, EventTrackStarted)

	h.conn.EmitEvent(audio.Event{Type: audio.EventDisconnect})

	select {
	case <-h.s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate after grace period")
	}
	if n := h.events.Count(EventSessionTerminated); n != 1 {
		t.Fatalf("SessionTerminated count = %d, want 1", n)
	}
	if ev := h.events.wait(t, EventSessionTerminated); ev.Reason != TerminatedDisconnected {
		t.Errorf("reason = %q", ev.Reason)
	}
	if h.terminated.Load() != 1 {
		t.Error("OnTerminate not called")
	}
	if _, err := h.s.QueueSnapshot(t.Context()); !errors.Is(err, ErrTerminated) {
		t.Errorf("QueueSnapshot after termination = %v", err)
	}
}

func TestSession_RejoinAfterDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0), withPolicy(Policy{GracePeriod: time.Hour, Rejoin: true}))
	h.join(t)
	h.enqueue(t, "a", "b")
	h.events.wait(t, EventTrackStarted)

	h.conn.EmitEvent(audio.Event{Type: audio.EventDisconnect})
	h.events.waitCount(t, EventTrackStarted, 2)
	if calls := h.platform.Calls(); len(calls) != 2 || calls[1].ChannelID != "voice-1" {
		t.Errorf("connect calls = %v", calls)
	}
}

func TestSession_EnqueueDuringGraceReconnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0), withPolicy(Policy{GracePeriod: time.Hour}))
	h.join(t)
	h.enqueue(t, "a", "b")
	h.events.wait(t, EventTrackStarted)

	h.conn.EmitEvent(audio.Event{Type: audio.EventDisconnect})
	h.events.wait(t, EventTrackEnded)
	h.waitState(t, StateIdle)
	if calls := h.platform.Calls(); len(calls) != 1 {
		t.Fatalf("reconnected without rejoin policy: %v", calls)
	}

	h.enqueue(t, "c")
	if ev := h.events.waitCount(t, EventTrackStarted, 2)[1]; ev.Title != "title:b" {
		t.Errorf("started %q after reconnect", ev.Title)
	}
	if calls := h.platform.Calls(); len(calls) != 2 || calls[1].ChannelID != "voice-1" {
		t.Errorf("connect calls = %v", calls)
	}
	if h.events.Count(EventSessionTerminated) != 0 {
		t.Error("session terminated despite reconnect")
	}
}

func TestSession_JoinFailureTerminates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.platform.SetConnectError(errors.New("missing permissions"))
	h.enqueue(t, "a")
	if err := h.s.Join(t.Context(), "voice-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	<-h.s.Done()
	ev := h.events.wait(t, EventSessionTerminated)
	if ev.Reason != TerminatedConnectFailed || ev.Err == nil {
		t.Errorf("terminated = %+v", ev)
	}
}

func TestSession_IdleTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withPolicy(Policy{IdleTimeout: 100 * time.Millisecond}))
	h.enqueue(t, "a")
	h.join(t)
	h.events.wait(t, EventQueueEmptied)

	select {
	case <-h.s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("idle session did not terminate")
	}
	if ev := h.events.wait(t, EventSessionTerminated); ev.Reason != TerminatedIdle {
		t.Errorf("reason = %q", ev.Reason)
	}
	if h.conn.Disconnects() != 1 {
		t.Errorf("disconnects = %d", h.conn.Disconnects())
	}
}

func TestSession_NotIdleWhilePlaying(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0), withPolicy(Policy{IdleTimeout: 50 * time.Millisecond}))
	h.enqueue(t, "a")
	h.join(t)
	h.events.wait(t, EventTrackStarted)
	time.Sleep(150 * time.Millisecond)
	if h.state(t) != StatePlaying {
		t.Fatalf("state = %v, want playing", h.state(t))
	}
}

func TestSession_PanicTerminatesOnlyThatSession(t *testing.T) {
	t.Parallel()

	broken := newHarness(t)
	broken.resolver.fn = func(context.Context, string) (track.Info, error) {
		panic("extractor exploded")
	}
	healthy := newHarness(t)

	broken.join(t)
	healthy.join(t)
	broken.enqueue(t, "boom")
	healthy.enqueue(t, "fine")

	<-broken.s.Done()
	if ev := broken.events.wait(t, EventSessionTerminated); ev.Reason != TerminatedInternal {
		t.Errorf("reason = %q", ev.Reason)
	}
	healthy.events.wait(t, EventQueueEmptied)
	if healthy.state(t) == StateTerminated {
		t.Error("healthy session terminated")
	}
}

func TestSession_Replace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withFrames(0))
	h.join(t)
	h.enqueue(t, "a")
	h.events.wait(t, EventTrackStarted)

	// Alice has nothing queued but is playing: her track is replaced.
	res, err := h.s.Replace(t.Context(), track.NewRequest("a2", alice))
	if err != nil || res.Outcome != ReplacedCurrent || res.Old.Query != "a" {
		t.Fatalf("Replace current = %+v, %v", res, err)
	}
	if ev := h.events.waitCount(t, EventTrackStarted, 2)[1]; ev.Title != "title:a2" {
		t.Errorf("started %q", ev.Title)
	}

	if _, _, err := h.s.Enqueue(t.Context(), track.NewRequest("b1", bob)); err != nil {
		t.Fatal(err)
	}
	res, err = h.s.Replace(t.Context(), track.NewRequest("b2", bob))
	if err != nil || res.Outcome != ReplacedQueued || res.Old.Query != "b1" || res.Position != 1 {
		t.Fatalf("Replace queued = %+v, %v", res, err)
	}

	carol := track.Requester{ID: "u3", Name: "carol"}
	res, err = h.s.Replace(t.Context(), track.NewRequest("c1", carol))
	if err != nil || res.Outcome != ReplaceAppended || res.Position != 2 {
		t.Fatalf("Replace append = %+v, %v", res, err)
	}
}

func TestSession_RemoveAndClear(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t, "bohemian rhapsody", "darude sandstorm", "never gonna give you up")

	r, err := h.s.Remove(t.Context(), "sandstorm")
	if err != nil || r.Query != "darude sandstorm" {
		t.Fatalf("Remove fuzzy = %q, %v", r.Query, err)
	}
	r, err = h.s.Remove(t.Context(), "2")
	if err != nil || r.Query != "never gonna give you up" {
		t.Fatalf("Remove index = %q, %v", r.Query, err)
	}
	if _, err := h.s.Remove(t.Context(), "completely unrelated words"); !errors.Is(err, ErrNoMatch) {
		t.Errorf("Remove unmatched = %v", err)
	}
	if _, err := h.s.Remove(t.Context(), "9"); !errors.Is(err, ErrNoMatch) {
		t.Errorf("Remove out of range = %v", err)
	}
	for _, q := range []string{"b1", "b2"} {
		if _, _, err := h.s.Enqueue(t.Context(), track.NewRequest(q, bob)); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := h.s.ClearBy(t.Context(), bob.ID); err != nil || n != 2 {
		t.Errorf("ClearBy = %d, %v", n, err)
	}
	if n, err := h.s.Clear(t.Context()); err != nil || n != 1 {
		t.Errorf("Clear = %d, %v", n, err)
	}
}

func TestSession_SetPolicyAppliesQueueLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.s.SetPolicy(t.Context(), Policy{MaxQueue: 1}); err != nil {
		t.Fatal(err)
	}
	h.enqueue(t, "a")
	if _, _, err := h.s.Enqueue(t.Context(), track.NewRequest("b", alice)); err == nil {
		t.Fatal("Enqueue beyond the limit succeeded")
	}
}

func TestSession_SlowNotifierDoesNotBlock(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var delivered atomic.Int32
	s := New(Config{
		GuildID:  "g",
		Resolver: &fakeResolver{},
		Opener:   &fakeOpener{frames: 1},
		Notifier: NotifierFunc(func(Event) {
			delivered.Add(1)
			<-block
		}),
	})
	for i := range dispatchBuffer * 2 {
		if _, _, err := s.Enqueue(t.Context(), track.NewRequest(fmt.Sprint(i), alice)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	close(block)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := s.Terminate(ctx, TerminatedShutdown); err != nil {
		t.Fatal(err)
	}
	if got := delivered.Load(); got == 0 || got > dispatchBuffer+2 {
		t.Errorf("delivered = %d", got)
	}
}

func TestSession_TerminateCancelsResolution(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cancelled := make(chan struct{})
	h.resolver.fn = func(ctx context.Context, _ string) (track.Info, error) {
		<-ctx.Done()
		close(cancelled)
		return track.Info{}, ctx.Err()
	}
	h.join(t)
	h.enqueue(t, "stuck")
	h.waitState(t, StateResolving)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := h.s.Terminate(ctx, TerminatedShutdown); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cancelled:
	default:
		t.Fatal("resolution not cancelled before Done")
	}
}
