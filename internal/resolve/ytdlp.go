package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/bardic/internal/observe"
	"github.com/MrWong99/bardic/internal/proc"
	"github.com/MrWong99/bardic/internal/resilience"
	"github.com/MrWong99/bardic/pkg/track"
)

// Compile-time interface assertion.
var _ Resolver = (*YTDLP)(nil)

// printTemplate is the tab-separated record yt-dlp prints per entry. The
// direct media URL comes last because it is the field most often missing.
const printTemplate = "%(webpage_url)s\t%(title)s\t%(duration)s\t%(uploader)s\t%(url)s"

// Defaults for [YTDLPConfig].
const (
	defaultTimeout = 20 * time.Second
	defaultFormat  = "bestaudio/best"
)

// DefaultProviders are the yt-dlp search prefixes tried for free-text
// queries, in order.
var DefaultProviders = []string{"ytsearch", "scsearch"}

// notFoundMarkers are stderr fragments yt-dlp prints for queries that are
// well-formed but lead nowhere. They are reported as NotFound rather than
// tool failures so they do not trip the circuit breaker.
var notFoundMarkers = []string{
	"unsupported url",
	"video unavailable",
	"private video",
	"http error 404",
	"is not a valid url",
	"no video formats found",
	"this video has been removed",
	"requested format is not available",
}

// RunFunc executes the extractor with args and returns its stdout and
// stderr. It is the seam used by tests to avoid spawning yt-dlp.
type RunFunc func(ctx context.Context, args ...string) (stdout, stderr string, err error)

// YTDLPConfig configures a [YTDLP] resolver.
type YTDLPConfig struct {
	// Executable overrides the yt-dlp binary path. Empty uses $PATH.
	Executable string

	// Timeout bounds each extractor invocation. Default: 20s.
	Timeout time.Duration

	// Providers are the search prefixes for free-text queries, tried in
	// order. Default: [DefaultProviders].
	Providers []string

	// Format is the yt-dlp format selector used to pick the stream URL.
	// Default: "bestaudio/best".
	Format string

	// Proxy is passed to yt-dlp's --proxy when set.
	Proxy string

	// Limiter bounds concurrent extractor processes. Nil disables the cap.
	Limiter *proc.Limiter

	// Breaker configures the per-provider circuit breakers. IsFailure is
	// set internally.
	Breaker resilience.CircuitBreakerConfig

	// Metrics receives resolve latency and failure counts. May be nil.
	Metrics *observe.Metrics

	// Run replaces the yt-dlp invocation. Tests only.
	Run RunFunc
}

// YTDLP resolves queries with yt-dlp.
//
// Identical concurrent queries share a single extractor run. The run is
// cancelled once every caller waiting on it has gone away.
type YTDLP struct {
	cfg       YTDLPConfig
	run       RunFunc
	providers *resilience.FallbackGroup[string]
	direct    *resilience.CircuitBreaker
	flight    singleflight.Group

	mu      sync.Mutex
	flights map[string]*flightCall
}

// flightCall is the context shared by the callers of one query.
type flightCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewYTDLP creates a yt-dlp backed resolver.
func NewYTDLP(cfg YTDLPConfig) *YTDLP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders
	}
	if cfg.Format == "" {
		cfg.Format = defaultFormat
	}

	breaker := cfg.Breaker
	breaker.IsFailure = countsAgainstTool

	fb := resilience.FallbackConfig{
		CircuitBreaker: breaker,
		Abort: func(err error) bool {
			return errors.Is(err, proc.ErrExhausted) ||
				errors.Is(err, context.Canceled)
		},
	}
	providers := resilience.NewFallbackGroup(cfg.Providers[0], cfg.Providers[0], fb)
	for _, p := range cfg.Providers[1:] {
		providers.AddFallback(p, p)
	}

	direct := breaker
	direct.Name = "direct"

	y := &YTDLP{
		cfg:       cfg,
		providers: providers,
		direct:    resilience.NewCircuitBreaker(direct),
		flights:   make(map[string]*flightCall),
	}
	y.run = cfg.Run
	if y.run == nil {
		y.run = y.exec
	}
	return y
}

// countsAgainstTool reports whether err indicates a broken extractor, as
// opposed to a query with no results or a caller giving up.
func countsAgainstTool(err error) bool {
	if errors.Is(err, proc.ErrExhausted) || errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, ErrNotFound)
}

// Resolve implements [Resolver]. URLs are resolved directly; anything else
// goes through the search providers.
func (y *YTDLP) Resolve(ctx context.Context, query string) (track.Info, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return track.Info{}, &Error{Kind: KindNotFound, Query: query, Detail: "empty query"}
	}

	ch, fc := y.join(ctx, query)
	defer y.leave(query, fc)
	select {
	case <-ctx.Done():
		return track.Info{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return track.Info{}, res.Err
		}
		return res.Val.(track.Info), nil
	}
}

// join registers the caller as a waiter on query's shared run, starting the
// run if none is in flight. The run keeps the first caller's values but has
// its own cancellation.
func (y *YTDLP) join(ctx context.Context, query string) (<-chan singleflight.Result, *flightCall) {
	y.mu.Lock()
	defer y.mu.Unlock()
	fc, ok := y.flights[query]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fc = &flightCall{ctx: runCtx, cancel: cancel}
		y.flights[query] = fc
	}
	fc.waiters++
	ch := y.flight.DoChan(query, func() (any, error) {
		return y.resolve(fc.ctx, query)
	})
	return ch, fc
}

// leave drops a waiter. The last one cancels the run, which kills the
// extractor and frees its subprocess slot, and makes the next caller start
// afresh.
func (y *YTDLP) leave(query string, fc *flightCall) {
	y.mu.Lock()
	defer y.mu.Unlock()
	fc.waiters--
	if fc.waiters > 0 {
		return
	}
	fc.cancel()
	if y.flights[query] == fc {
		delete(y.flights, query)
	}
	y.flight.Forget(query)
}

func (y *YTDLP) resolve(ctx context.Context, query string) (info track.Info, err error) {
	ctx, span := observe.StartSpan(ctx, "resolve")
	span.SetAttributes(attribute.String("resolve.query", query))
	span.SetAttributes(observe.SpanGuild(ctx)...)
	start := time.Now()
	defer func() {
		kind := ""
		if err != nil {
			kind = KindOf(err).String()
			if errors.Is(err, proc.ErrExhausted) {
				kind = ""
				y.cfg.Metrics.RecordAdmissionRejected(ctx, "resolve")
			} else {
				y.cfg.Metrics.RecordResolve(ctx, time.Since(start).Seconds(), kind)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
		} else {
			y.cfg.Metrics.RecordResolve(ctx, time.Since(start).Seconds(), "")
			span.SetAttributes(attribute.String("resolve.title", info.Title))
		}
		span.End()
	}()

	release, err := y.cfg.Limiter.TryAcquire(1)
	if err != nil {
		return track.Info{}, err
	}
	defer release()

	if track.IsURL(query) {
		err = y.direct.Execute(func() error {
			var runErr error
			info, runErr = y.runOnce(ctx, query, query)
			return runErr
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return track.Info{}, &Error{Kind: KindToolFailed, Query: query, Detail: "extractor temporarily disabled", Err: err}
		}
		return info, err
	}

	info, err = resilience.ExecuteWithResult(y.providers, func(provider string) (track.Info, error) {
		return y.runOnce(ctx, query, provider+"1:"+query)
	})
	if err != nil {
		return track.Info{}, classifyAll(query, err)
	}
	return info, nil
}

// classifyAll maps the error returned by the provider walk to a resolution
// error, keeping the most specific cause.
func classifyAll(query string, err error) error {
	if errors.Is(err, proc.ErrExhausted) || errors.Is(err, context.Canceled) {
		return err
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return &Error{Kind: KindToolFailed, Query: query, Detail: "extractor temporarily disabled", Err: err}
	}
	return &Error{Kind: KindToolFailed, Query: query, Err: err}
}

// runOnce invokes the extractor for target with the per-call timeout and
// parses the first record.
func (y *YTDLP) runOnce(ctx context.Context, query, target string) (track.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, y.cfg.Timeout)
	defer cancel()

	stdout, stderr, err := y.run(ctx, target)
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return track.Info{}, &Error{Kind: KindTimeout, Query: query, Err: ctx.Err()}
	case context.Canceled:
		return track.Info{}, fmt.Errorf("resolve: %q: %w", query, ctx.Err())
	}
	if err != nil {
		detail := lastLine(stderr)
		if isNotFound(stderr) {
			return track.Info{}, &Error{Kind: KindNotFound, Query: query, Detail: detail}
		}
		return track.Info{}, &Error{Kind: KindToolFailed, Query: query, Detail: detail, Err: err}
	}

	info, ok := parseRecord(stdout)
	if !ok {
		return track.Info{}, &Error{Kind: KindNotFound, Query: query, Detail: "no playable result"}
	}
	return info, nil
}

// exec runs the real yt-dlp binary through go-ytdlp.
func (y *YTDLP) exec(ctx context.Context, args ...string) (string, string, error) {
	cmd := ytdlp.New().
		Print(printTemplate).
		Format(y.cfg.Format).
		NoPlaylist().
		NoWarnings().
		IgnoreConfig()
	if y.cfg.Executable != "" {
		cmd.SetExecutable(y.cfg.Executable)
	}
	if y.cfg.Proxy != "" {
		cmd.Proxy(y.cfg.Proxy)
	}

	res, err := cmd.Run(ctx, args...)
	if res == nil {
		if err == nil {
			err = errors.New("yt-dlp returned no result")
		}
		return "", "", fmt.Errorf("run yt-dlp: %w", err)
	}
	if err != nil {
		slog.Debug("resolve: yt-dlp failed", "args", args, "exit_code", res.ExitCode, "error", err)
	}
	return res.Stdout, res.Stderr, err
}

// parseRecord extracts the first usable line of printTemplate output.
func parseRecord(stdout string) (track.Info, bool) {
	for line := range strings.SplitSeq(stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		get := func(i int) string {
			if i >= len(fields) {
				return ""
			}
			v := strings.TrimSpace(fields[i])
			if v == "NA" {
				return ""
			}
			return v
		}

		info := track.Info{
			Locator:   get(0),
			Title:     get(1),
			Duration:  parseSeconds(get(2)),
			Uploader:  get(3),
			StreamURL: get(4),
		}
		if info.Locator == "" {
			info.Locator = info.StreamURL
		}
		if info.Locator == "" || info.Title == "" {
			continue
		}
		return info, true
	}
	return track.Info{}, false
}

func parseSeconds(s string) time.Duration {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func isNotFound(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return strings.TrimPrefix(l, "ERROR: ")
		}
	}
	return ""
}
