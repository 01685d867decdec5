package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BARDIC_"

// KnownSearchProviders lists the yt-dlp search prefixes bardic has been
// used with. Used by [Validate] to warn about likely typos.
var KnownSearchProviders = []string{"ytsearch", "ytmsearch", "scsearch", "bcsearch"}

// overrides are the settings that may come from the environment. Empty
// values leave the file's setting untouched.
type overrides struct {
	DiscordToken string   `env:"DISCORD_TOKEN"`
	GuildID      string   `env:"GUILD_ID"`
	HistoryDSN   string   `env:"HISTORY_DSN"`
	ListenAddr   string   `env:"LISTEN_ADDR"`
	LogLevel     LogLevel `env:"LOG_LEVEL"`
	YTDLPPath    string   `env:"YTDLP_PATH"`
	FFmpegPath   string   `env:"FFMPEG_PATH"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: stat %q: %w", p, err)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, nil); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays BARDIC_* variables onto cfg. When environ is nil the
// process environment is used.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o overrides
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Discord.Token, o.DiscordToken)
	set(&cfg.Discord.GuildID, o.GuildID)
	set(&cfg.History.PostgresDSN, o.HistoryDSN)
	set(&cfg.Server.ListenAddr, o.ListenAddr)
	set(&cfg.Tools.YTDLPPath, o.YTDLPPath)
	set(&cfg.Tools.FFmpegPath, o.FFmpegPath)
	if o.LogLevel != "" {
		cfg.Server.LogLevel = o.LogLevel
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Discord
	if cfg.Discord.CommandRate < 0 {
		errs = append(errs, fmt.Errorf("discord.command_rate %.2f must not be negative", cfg.Discord.CommandRate))
	}
	if cfg.Discord.CommandBurst < 0 {
		errs = append(errs, fmt.Errorf("discord.command_burst %d must not be negative", cfg.Discord.CommandBurst))
	}

	// Tools
	if cfg.Tools.PipeMode != "" && !cfg.Tools.PipeMode.IsValid() {
		errs = append(errs, fmt.Errorf("tools.pipe_mode %q is invalid; valid values: pipe, link", cfg.Tools.PipeMode))
	}
	seen := make(map[string]int, len(cfg.Tools.SearchProviders))
	for i, p := range cfg.Tools.SearchProviders {
		if p == "" {
			errs = append(errs, fmt.Errorf("tools.search_providers[%d] is empty", i))
			continue
		}
		if prev, ok := seen[p]; ok {
			errs = append(errs, fmt.Errorf("tools.search_providers[%d] %q is a duplicate of [%d]", i, p, prev))
		}
		seen[p] = i
		validateSearchProvider(p)
	}
	for name, d := range map[string]int64{
		"tools.resolve_timeout":  int64(cfg.Tools.ResolveTimeout),
		"tools.kill_grace":       int64(cfg.Tools.KillGrace),
		"tools.max_subprocesses": int64(cfg.Tools.MaxSubprocesses),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	// Playback
	p := cfg.Playback
	for name, v := range map[string]int64{
		"playback.grace_period":             int64(p.GracePeriod),
		"playback.idle_timeout":             int64(p.IdleTimeout),
		"playback.max_consecutive_failures": int64(p.MaxConsecutiveFailures),
		"playback.max_admission_retries":    int64(p.MaxAdmissionRetries),
		"playback.stall_timeout":            int64(p.StallTimeout),
		"playback.pause_buffer":             int64(p.PauseBuffer),
		"playback.max_queue":                int64(p.MaxQueue),
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if p.VoteRatio < 0 || p.VoteRatio > 1 {
		errs = append(errs, fmt.Errorf("playback.vote_ratio %.2f is out of range [0, 1]", p.VoteRatio))
	}

	// History
	if cfg.History.Limit < 0 {
		errs = append(errs, fmt.Errorf("history.limit %d must not be negative", cfg.History.Limit))
	}

	return errors.Join(errs...)
}

// validateSearchProvider logs a warning if name is not a known yt-dlp
// search prefix.
func validateSearchProvider(name string) {
	if slices.Contains(KnownSearchProviders, name) {
		return
	}
	slog.Warn("unknown search provider; may be a typo or a less common extractor",
		"name", name,
		"known", KnownSearchProviders,
	)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}
