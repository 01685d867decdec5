// Command bardic is the entry point of the Bardic Discord music bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/bardic/internal/app"
	"github.com/MrWong99/bardic/internal/config"
	"github.com/MrWong99/bardic/internal/discord"
	"github.com/MrWong99/bardic/internal/discord/commands"
	"github.com/MrWong99/bardic/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "bardic: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "bardic: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "bardic: %v\n", err)
		}
		return 1
	}
	if cfg.Discord.Token == "" {
		fmt.Fprintln(os.Stderr, "bardic: no bot token, set discord.token or BARDIC_DISCORD_TOKEN")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("bardic starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discord.New(ctx, discord.Config{
		Token:        cfg.Discord.Token,
		GuildID:      cfg.Discord.GuildID,
		DJRole:       cfg.Discord.DJRole,
		CommandRate:  cfg.Discord.CommandRate,
		CommandBurst: cfg.Discord.CommandBurst,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	announcer := discord.NewAnnouncer(bot.Session(), 0)
	votes := discord.NewVotes()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithPlatform(bot.Platform),
		app.WithNotifier(announcer),
		app.WithNotifier(votes),
		app.WithChecker(bot.ReadyCheck()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = bot.Close()
		return 1
	}

	music := commands.NewMusic(commands.MusicConfig{
		Sessions:       application.Sessions(),
		Voice:          bot.Voice(),
		Perms:          bot.Permissions(),
		Votes:          votes,
		Resolver:       application.Resolver(),
		ResolveTimeout: cfg.Tools.ResolveTimeout,
		Channels:       announcer,
		History:        application.History(),
		HistoryLimit:   min(cfg.History.Limit, 10),
		VoteRatio:      cfg.Playback.VoteRatio,
	})
	music.Register(bot.Router())

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_, new *config.Config, d config.ConfigDiff) {
			application.Reload(ctx, new, d)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("config reload: log level changed", "level", d.NewLogLevel)
			}
			if d.VotesChanged {
				music.SetVoteRatio(new.Playback.VoteRatio)
				bot.Permissions().SetDJRole(new.Discord.DJRole)
				slog.Info("config reload: vote settings updated", "ratio", new.Playback.VoteRatio, "dj_role", new.Discord.DJRole)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return application.Run(gctx) })

	slog.Info("bot ready, press Ctrl+C to shut down")

	exit := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	// Sessions leave voice before the gateway closes; the announcer drains
	// the final messages before that too.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	announcer.Close()
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	title := color.New(color.FgHiMagenta, color.Bold)
	key := color.New(color.FgHiBlack)
	on := color.New(color.FgGreen)
	off := color.New(color.FgYellow)

	row := func(name, value string, enabled bool) {
		c := on
		if !enabled {
			c = off
		}
		fmt.Printf("  %s %s\n", key.Sprintf("%-16s", name), c.Sprint(value))
	}

	title.Println("♪ Bardic " + version)
	scope := "global"
	if cfg.Discord.GuildID != "" {
		scope = "guild " + cfg.Discord.GuildID
	}
	row("Commands", scope, true)
	dj := cfg.Discord.DJRole
	if dj == "" {
		dj = "(admins only)"
	}
	row("DJ role", dj, cfg.Discord.DJRole != "")
	row("Search", strings.Join(cfg.Tools.SearchProviders, ", "), true)
	row("Pipe mode", string(cfg.Tools.PipeMode), true)
	row("Subprocesses", fmt.Sprintf("%d max", cfg.Tools.MaxSubprocesses), true)
	row("Vote ratio", fmt.Sprintf("%.0f%%", cfg.Playback.VoteRatio*100), true)
	if cfg.History.PostgresDSN != "" {
		row("History", "postgres", true)
	} else {
		row("History", fmt.Sprintf("memory (%d per guild)", cfg.History.Limit), false)
	}
	if cfg.Server.ListenAddr != "" {
		row("Listen addr", cfg.Server.ListenAddr, true)
	} else {
		row("Listen addr", "(disabled)", false)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
