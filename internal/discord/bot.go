// Package discord is the Discord front end of Bardic. It owns the
// discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, decides who counts as a DJ, tallies skip and stop
// votes, and announces playback in text channels.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/bardic/internal/health"
	"github.com/MrWong99/bardic/pkg/audio"
	discordaudio "github.com/MrWong99/bardic/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID registers commands in one guild for instant updates. Empty
	// registers them globally.
	GuildID string

	// DJRole is the role ID or name whose members skip votes.
	DJRole string

	// CommandRate and CommandBurst throttle slash commands per user.
	CommandRate  float64
	CommandBurst int

	// Bitrate is the Opus bitrate in bits per second; 0 uses the default.
	Bitrate int
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	router    *CommandRouter
	perms     *PermissionChecker
	voice     *StateVoice
	guildID   string
	bitrate   int
	commands  []*discordgo.ApplicationCommand
	ready     health.Flag
	closeOnce sync.Once

	platformMu sync.Mutex
	platforms  map[string]*discordaudio.Platform
}

// New creates a Bot, connects to Discord, and registers the interaction
// handler.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	session.StateEnabled = true

	b := &Bot{
		session:   session,
		router:    NewCommandRouter(NewUserLimiter(cfg.CommandRate, cfg.CommandBurst)),
		perms:     NewPermissionChecker(cfg.DJRole, StateRoles(session.State)),
		voice:     &StateVoice{State: session.State},
		guildID:   cfg.GuildID,
		bitrate:   cfg.Bitrate,
		platforms: make(map[string]*discordaudio.Platform),
	}

	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.ready.Set(true)
		slog.Info("discord gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.ready.Set(false)
		slog.Warn("discord gateway disconnected")
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		b.ready.Set(true)
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

// Platform returns the voice platform of guildID. Platforms are created on
// first use and reused afterwards.
func (b *Bot) Platform(guildID string) audio.Platform {
	b.platformMu.Lock()
	defer b.platformMu.Unlock()
	p, ok := b.platforms[guildID]
	if !ok {
		p = discordaudio.New(b.Session(), guildID, b.bitrate)
		b.platforms[guildID] = p
	}
	return p
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the DJ permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Voice returns the voice-state directory backed by the gateway cache.
func (b *Bot) Voice() VoiceDirectory {
	return b.voice
}

// ReadyCheck reports gateway readiness to /readyz.
func (b *Bot) ReadyCheck() health.Checker {
	return b.ready.Checker("discord")
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered), "guild_id", b.guildID)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from Discord. Guild-scoped commands are unregistered;
// global ones are left in place since they take long to propagate.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && b.guildID != "" && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}
		b.ready.Set(false)
		slog.Info("discord bot closed")
	})
	return closeErr
}
