package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/proc"
	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/MrWong99/bardic/pkg/track"
)

// Compile-time interface assertion.
var _ Opener = (*Subprocess)(nil)

// Mode selects how the command chain is assembled.
type Mode string

const (
	// ModePipe runs yt-dlp on the track locator and pipes its output into
	// ffmpeg. It works for every source yt-dlp understands.
	ModePipe Mode = "pipe"

	// ModeLink runs ffmpeg directly on the resolved stream URL. It spawns one
	// process instead of two but fails once the URL expires. Tracks without a
	// stream URL fall back to ModePipe.
	ModeLink Mode = "link"
)

// Defaults for [Config].
const (
	defaultStallTimeout = 15 * time.Second
	defaultKillGrace    = 2 * time.Second
	defaultPauseBuffer  = 250
	defaultFormat       = "bestaudio/best"
)

// BuildFunc assembles the command chain for info. Each command's stdout is
// connected to the next one's stdin; the last command must write s16le
// 48 kHz stereo PCM to stdout. Commands must not be started.
type BuildFunc func(ctx context.Context, info track.Info) ([]*exec.Cmd, error)

// Config configures a [Subprocess] opener.
type Config struct {
	// YTDLPPath and FFmpegPath override the binaries. Empty uses $PATH.
	YTDLPPath  string
	FFmpegPath string

	// Mode selects the command chain. Default: ModePipe.
	Mode Mode

	// Format is the yt-dlp format selector. Default: "bestaudio/best".
	Format string

	// StallTimeout bounds each Next call. Default: 15s.
	StallTimeout time.Duration

	// KillGrace is how long Close waits after SIGTERM before SIGKILL.
	// Default: 2s.
	KillGrace time.Duration

	// PauseBuffer is the number of frames buffered ahead of the consumer.
	// Default: 250 (5s).
	PauseBuffer int

	// Limiter bounds concurrent processes. Nil disables the cap.
	Limiter *proc.Limiter

	// Metrics receives pipe start latency. May be nil.
	Metrics *observe.Metrics

	// Build replaces the command chain. Tests only.
	Build BuildFunc
}

// Subprocess opens frame streams backed by external processes.
type Subprocess struct {
	cfg   Config
	build BuildFunc
}

// NewSubprocess creates an opener from cfg.
func NewSubprocess(cfg Config) *Subprocess {
	if cfg.Mode == "" {
		cfg.Mode = ModePipe
	}
	if cfg.Format == "" {
		cfg.Format = defaultFormat
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.PauseBuffer <= 0 {
		cfg.PauseBuffer = defaultPauseBuffer
	}
	s := &Subprocess{cfg: cfg, build: cfg.Build}
	if s.build == nil {
		s.build = s.buildChain
	}
	return s
}

// Open implements [Opener].
func (s *Subprocess) Open(ctx context.Context, info track.Info) (FrameStream, error) {
	if info.Locator == "" && info.StreamURL == "" {
		return nil, fmt.Errorf("pipe: track %q has no locator", info.Title)
	}
	start := time.Now()

	// Processes outlive the Open call, so they get their own lifetime
	// context that Close cancels.
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmds, err := s.build(life, info)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pipe: build command: %w", err)
	}
	if len(cmds) == 0 {
		cancel()
		return nil, errors.New("pipe: empty command chain")
	}

	release, err := s.cfg.Limiter.TryAcquire(len(cmds))
	if err != nil {
		cancel()
		s.cfg.Metrics.RecordAdmissionRejected(ctx, "pipe")
		return nil, err
	}

	st, err := startChain(cmds, s.cfg)
	if err != nil {
		release()
		cancel()
		return nil, err
	}
	st.release = release
	st.cancel = cancel
	go st.read()

	s.cfg.Metrics.RecordPipeStart(ctx, time.Since(start).Seconds())
	observe.Logger(ctx).Debug("pipe: opened", "title", info.Title, "processes", len(cmds))
	return st, nil
}

// buildChain assembles the real yt-dlp/ffmpeg chain.
func (s *Subprocess) buildChain(ctx context.Context, info track.Info) ([]*exec.Cmd, error) {
	if s.cfg.Mode == ModeLink && info.StreamURL != "" {
		return []*exec.Cmd{s.ffmpeg(ctx, info.StreamURL, true)}, nil
	}

	src := info.Locator
	if src == "" {
		src = info.StreamURL
	}
	dl := ytdlp.New().
		Format(s.cfg.Format).
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoWarnings().
		IgnoreConfig().
		BuildCommand(ctx, src)
	if s.cfg.YTDLPPath != "" {
		dl.Path = s.cfg.YTDLPPath
	}
	dl.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	return []*exec.Cmd{dl, s.ffmpeg(ctx, "pipe:0", false)}, nil
}

func (s *Subprocess) ffmpeg(ctx context.Context, input string, remote bool) *exec.Cmd {
	bin := s.cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	var args []string
	if remote {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	args = append(args,
		"-i", input,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-loglevel", "warning",
		"pipe:1",
	)
	return exec.CommandContext(ctx, bin, args...)
}

// startChain wires cmds together with OS pipes and starts them. On failure
// every started process is terminated and every descriptor closed.
func startChain(cmds []*exec.Cmd, cfg Config) (*stream, error) {
	var parentEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	st := &stream{
		frames: make(chan audio.AudioFrame, cfg.PauseBuffer),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		stall:  cfg.StallTimeout,
		grace:  cfg.KillGrace,
	}

	// childEnds are the descriptors handed to children; the parent closes
	// its copies once the children have started.
	var childEnds []*os.File
	for i := 0; i < len(cmds)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(childEnds)
			return nil, fmt.Errorf("pipe: create pipe: %w", err)
		}
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
		childEnds = append(childEnds, r, w)
	}
	out, w, err := os.Pipe()
	if err != nil {
		closeAll(childEnds)
		return nil, fmt.Errorf("pipe: create pipe: %w", err)
	}
	cmds[len(cmds)-1].Stdout = w
	childEnds = append(childEnds, w)
	parentEnds = append(parentEnds, out)

	for _, cmd := range cmds {
		tail := &proc.TailBuffer{Max: 2048}
		cmd.Stderr = tail
		if cmd.WaitDelay == 0 {
			cmd.WaitDelay = cfg.KillGrace
		}
		if err := cmd.Start(); err != nil {
			closeAll(childEnds)
			closeAll(parentEnds)
			st.terminate()
			return nil, fmt.Errorf("pipe: start %s: %w", stageName(cmd), err)
		}
		st.procs = append(st.procs, process{
			name:   stageName(cmd),
			waiter: proc.Watch(cmd),
			stderr: tail,
		})
	}
	closeAll(childEnds)

	st.stdout = out
	return st, nil
}

func stageName(cmd *exec.Cmd) string {
	if len(cmd.Args) > 0 {
		return filepath.Base(cmd.Args[0])
	}
	return filepath.Base(cmd.Path)
}

// logExit reports a non-zero exit of an upstream process at debug level.
// Upstream failures usually show up again as a failed decoder exit.
func logExit(p process) {
	if err := p.waiter.Err(); err != nil {
		slog.Debug("pipe: process exited", "stage", p.name, "error", err, "stderr", p.stderr.LastLine())
	}
}
