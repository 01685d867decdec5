// Package commands implements the Bardic slash commands.
//
// Each command is a plain function from an [Invocation] to a
// [discord.Reply]; the Discord plumbing (deferring, option parsing,
// responding) lives in [Music.Register] so the logic can be exercised
// without a gateway connection.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/bardic/internal/app"
	"github.com/MrWong99/bardic/internal/discord"
	"github.com/MrWong99/bardic/internal/history"
	"github.com/MrWong99/bardic/internal/proc"
	"github.com/MrWong99/bardic/internal/queue"
	"github.com/MrWong99/bardic/internal/resolve"
	"github.com/MrWong99/bardic/internal/session"
	"github.com/MrWong99/bardic/pkg/track"
)

const (
	commandTimeout        = 30 * time.Second
	defaultResolveTimeout = 20 * time.Second
	maxChoices            = 25
	maxChoiceName         = 100
)

// Invocation is a parsed slash command.
type Invocation struct {
	GuildID   string
	ChannelID string
	UserID    string
	UserName  string
	DJ        bool
	Options   map[string]string
}

// ChannelTracker remembers where a guild's announcements should go.
type ChannelTracker interface {
	SetChannel(guildID, channelID string)
}

// MusicConfig holds the dependencies of the music commands.
type MusicConfig struct {
	Sessions *app.SessionManager
	Voice    discord.VoiceDirectory
	Perms    *discord.PermissionChecker
	Votes    *discord.Votes

	// Resolver looks tracks up when the command runs so users get
	// immediate feedback. Nil leaves resolution to the session.
	Resolver       resolve.Resolver
	ResolveTimeout time.Duration

	// Channels and History are optional.
	Channels     ChannelTracker
	History      history.Store
	HistoryLimit int

	VoteRatio float64
}

// Music implements /play, /replace, /skip, /stop, /pause, /resume, /queue,
// /nowplaying, /remove, /clear, /leave and /history.
type Music struct {
	cfg   MusicConfig
	ratio atomic.Uint64
	now   func() time.Time
}

// NewMusic creates the music commands.
func NewMusic(cfg MusicConfig) *Music {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.Votes == nil {
		cfg.Votes = discord.NewVotes()
	}
	m := &Music{cfg: cfg, now: time.Now}
	m.SetVoteRatio(cfg.VoteRatio)
	return m
}

// SetVoteRatio changes the share of listeners needed to pass a vote.
func (m *Music) SetVoteRatio(r float64) {
	m.ratio.Store(math.Float64bits(r))
}

// VoteRatio returns the current vote ratio.
func (m *Music) VoteRatio() float64 {
	return math.Float64frombits(m.ratio.Load())
}

type command struct {
	def     *discordgo.ApplicationCommand
	run     func(context.Context, Invocation) discord.Reply
	deferIt bool
}

func (m *Music) commands() []command {
	query := func(desc string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "query",
			Description: desc,
			Required:    true,
		}
	}
	simple := func(name, desc string) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{Name: name, Description: desc}
	}
	return []command{
		{def: &discordgo.ApplicationCommand{
			Name: "play", Description: "Play a song or add it to the queue",
			Options: []*discordgo.ApplicationCommandOption{query("A URL or search terms")},
		}, run: m.Play, deferIt: true},
		{def: &discordgo.ApplicationCommand{
			Name: "replace", Description: "Replace your most recently queued song",
			Options: []*discordgo.ApplicationCommandOption{query("A URL or search terms")},
		}, run: m.Replace, deferIt: true},
		{def: simple("skip", "Vote to skip the current song"), run: m.Skip},
		{def: simple("stop", "Vote to stop playback and keep the queue"), run: m.Stop},
		{def: simple("pause", "Pause playback"), run: m.Pause},
		{def: simple("resume", "Resume playback"), run: m.Resume},
		{def: simple("queue", "Show the queue"), run: m.Queue},
		{def: simple("nowplaying", "Show the current song"), run: m.NowPlaying},
		{def: &discordgo.ApplicationCommand{
			Name: "remove", Description: "Remove a song from the queue",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:         discordgo.ApplicationCommandOptionString,
				Name:         "track",
				Description:  "Queue position or part of the title",
				Required:     true,
				Autocomplete: true,
			}},
		}, run: m.Remove},
		{def: simple("clear", "Remove your queued tracks, or the whole queue as a DJ"), run: m.Clear},
		{def: simple("leave", "Stop playback, clear the queue and leave voice"), run: m.Leave},
		{def: simple("history", "Show recently played songs"), run: m.History, deferIt: true},
	}
}

// Register wires the commands into router.
func (m *Music) Register(router *discord.CommandRouter) {
	for _, c := range m.commands() {
		router.RegisterCommand(c.def.Name, c.def, m.handler(c))
	}
	router.RegisterAutocomplete("remove", m.handleRemoveAutocomplete)
}

func (m *Music) handler(c command) discord.HandlerFunc {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		inv := m.invocation(i)
		if inv.GuildID == "" {
			discord.RespondEphemeral(s, i, "Music commands only work in a server.")
			return
		}
		if m.cfg.Channels != nil {
			m.cfg.Channels.SetChannel(inv.GuildID, inv.ChannelID)
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		slog.Debug("discord: command", "name", c.def.Name, "guild_id", inv.GuildID, "user_id", inv.UserID)
		if !c.deferIt {
			discord.Respond(s, i, c.run(ctx, inv))
			return
		}
		discord.DeferReply(s, i, false)
		discord.EditReply(s, i, c.run(ctx, inv))
	}
}

func (m *Music) invocation(i *discordgo.InteractionCreate) Invocation {
	inv := Invocation{
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		UserID:    discord.InteractionUserID(i),
		UserName:  displayName(i),
		Options:   make(map[string]string),
	}
	if m.cfg.Perms != nil {
		inv.DJ = m.cfg.Perms.IsDJ(i)
	}
	for _, opt := range i.ApplicationCommandData().Options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionString:
			inv.Options[opt.Name] = opt.StringValue()
		case discordgo.ApplicationCommandOptionInteger:
			inv.Options[opt.Name] = strconv.FormatInt(opt.IntValue(), 10)
		}
	}
	return inv
}

func displayName(i *discordgo.InteractionCreate) string {
	u := i.User
	if i.Member != nil {
		if i.Member.Nick != "" {
			return i.Member.Nick
		}
		u = i.Member.User
	}
	switch {
	case u == nil:
		return ""
	case u.GlobalName != "":
		return u.GlobalName
	default:
		return u.Username
	}
}

// ─── queueing ─────────────────────────────────────────────────────────────

type wrongChannelError struct{ channelID string }

func (e *wrongChannelError) Error() string {
	return "bot is playing in another channel: " + e.channelID
}

// Play queues a track, joining the caller's voice channel when needed.
func (m *Music) Play(ctx context.Context, inv Invocation) discord.Reply {
	vc, req, reply, ok := m.prepare(ctx, inv)
	if !ok {
		return reply
	}
	var (
		pos    int
		starts bool
	)
	err := m.cfg.Sessions.Do(ctx, inv.GuildID, func(s *session.Session) error {
		if err := m.ensureJoined(ctx, s, vc); err != nil {
			return err
		}
		var err error
		pos, starts, err = s.Enqueue(ctx, req)
		return err
	})
	if err != nil {
		return m.failure(err)
	}
	if starts {
		return discord.Textf("▶️ Playing **%s**.", req.Label())
	}
	return discord.Textf("Queued **%s** at position %d.", req.Label(), pos)
}

// Replace swaps the caller's most recent request for a new one.
func (m *Music) Replace(ctx context.Context, inv Invocation) discord.Reply {
	vc, req, reply, ok := m.prepare(ctx, inv)
	if !ok {
		return reply
	}
	var res session.ReplaceResult
	err := m.cfg.Sessions.Do(ctx, inv.GuildID, func(s *session.Session) error {
		if err := m.ensureJoined(ctx, s, vc); err != nil {
			return err
		}
		var err error
		res, err = s.Replace(ctx, req)
		return err
	})
	if err != nil {
		return m.failure(err)
	}
	switch res.Outcome {
	case session.ReplacedQueued:
		return discord.Textf("Replaced **%s** with **%s** at position %d.", res.Old.Label(), req.Label(), res.Position)
	case session.ReplacedCurrent:
		return discord.Textf("Skipped **%s**; **%s** plays next.", res.Old.Label(), req.Label())
	default:
		return discord.Textf("You had nothing queued, so **%s** was added at position %d.", req.Label(), res.Position)
	}
}

// prepare validates a /play or /replace invocation and builds its request.
func (m *Music) prepare(ctx context.Context, inv Invocation) (string, track.Request, discord.Reply, bool) {
	query := strings.TrimSpace(inv.Options["query"])
	if query == "" {
		return "", track.Request{}, discord.Privatef("Tell me what to play."), false
	}
	vc := m.cfg.Voice.UserChannel(inv.GuildID, inv.UserID)
	if vc == "" {
		return "", track.Request{}, discord.Privatef("You must be in a voice channel to play music."), false
	}

	req := track.NewRequest(query, track.Requester{ID: inv.UserID, Name: inv.UserName})
	if m.cfg.Resolver == nil {
		return vc, req, discord.Reply{}, true
	}
	rctx, cancel := context.WithTimeout(ctx, m.cfg.ResolveTimeout)
	defer cancel()
	info, err := m.cfg.Resolver.Resolve(rctx, req.Query)
	switch {
	case err == nil:
		req = req.WithInfo(info)
	case errors.Is(err, proc.ErrExhausted):
		// Leave it to the session, which retries admission.
	case errors.Is(err, resolve.ErrNotFound):
		return "", req, discord.Privatef("Nothing found for **%s**.", query), false
	default:
		return "", req, discord.Privatef("Could not look up **%s**: %s.", query, reason(err)), false
	}
	return vc, req, discord.Reply{}, true
}

func (m *Music) ensureJoined(ctx context.Context, s *session.Session, vc string) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	switch {
	case !snap.Connected:
		// Never joined, or the connection dropped and the session is in its
		// grace period.
		return s.Join(ctx, vc)
	case snap.ChannelID != vc:
		return &wrongChannelError{channelID: snap.ChannelID}
	}
	return nil
}

func reason(err error) string {
	var re *resolve.Error
	if errors.As(err, &re) {
		return re.Reason()
	}
	return err.Error()
}

// failure turns a session error into a user-facing reply.
func (m *Music) failure(err error) discord.Reply {
	var wc *wrongChannelError
	switch {
	case errors.As(err, &wc):
		return discord.Privatef("I'm already playing in <#%s>. Join that channel to use me.", wc.channelID)
	case errors.Is(err, queue.ErrFull):
		return discord.Privatef("The queue is full.")
	case errors.Is(err, session.ErrNothingPlaying), errors.Is(err, session.ErrNotPlaying):
		return discord.Privatef("Nothing is playing.")
	case errors.Is(err, session.ErrNotPaused):
		return discord.Privatef("Playback isn't paused.")
	case errors.Is(err, session.ErrNoMatch):
		return discord.Privatef("No queued track matches that.")
	case errors.Is(err, session.ErrTerminated), errors.Is(err, app.ErrShutdown):
		return discord.Privatef("The player is restarting. Try again in a moment.")
	case errors.Is(err, context.DeadlineExceeded):
		return discord.Privatef("That took too long. Try again.")
	default:
		slog.Error("discord: command failed", "err", err)
		return discord.Privatef("Something went wrong: %v", err)
	}
}

// ─── voting ───────────────────────────────────────────────────────────────

// current returns the session's current request and a key identifying this
// particular play of it.
func current(snap session.Snapshot) (track.Request, string) {
	switch {
	case snap.NowPlaying != nil:
		np := snap.NowPlaying
		return np.Request, fmt.Sprintf("%d:%s", np.Started.UnixNano(), np.Request.Query)
	case snap.Resolving != nil:
		return *snap.Resolving, fmt.Sprintf("r%d:%s", snap.Resolving.QueuedAt.UnixNano(), snap.Resolving.Query)
	default:
		return track.Request{}, ""
	}
}

// vote runs the shared skip/stop flow. act is called once the vote passes
// or the caller may bypass it.
func (m *Music) vote(ctx context.Context, inv Invocation, kind discord.VoteKind, verb string, act func(*session.Session, track.Request) discord.Reply) discord.Reply {
	s, ok := m.cfg.Sessions.Get(inv.GuildID)
	if !ok {
		return discord.Privatef("Nothing is playing.")
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return m.failure(err)
	}
	req, key := current(snap)
	if key == "" {
		return discord.Privatef("Nothing is playing.")
	}
	if inv.DJ || (req.Requester.ID != "" && req.Requester.ID == inv.UserID) {
		return act(s, req)
	}
	if m.cfg.Voice.UserChannel(inv.GuildID, inv.UserID) != snap.ChannelID {
		return discord.Privatef("Join <#%s> to vote.", snap.ChannelID)
	}

	listeners := m.cfg.Voice.Listeners(inv.GuildID, snap.ChannelID)
	st := m.cfg.Votes.Cast(inv.GuildID, kind, key, inv.UserID, listeners, m.VoteRatio())
	switch st.Outcome {
	case discord.VoteSuccess:
		return act(s, req)
	case discord.VoteAlreadyVoted:
		return discord.Privatef("You already voted to %s **%s**. %s", verb, req.Label(), missing(st.Missing))
	case discord.VoteNeedsMore:
		return discord.Textf("%s voted to %s **%s**. %s", inv.UserName, verb, req.Label(), missing(st.Missing))
	default:
		return discord.Privatef("Nothing is playing.")
	}
}

func missing(n int) string {
	if n == 1 {
		return "1 more vote needed."
	}
	return fmt.Sprintf("%d more votes needed.", n)
}

// Skip ends the current track, by vote unless the caller is a DJ or the
// track's requester.
func (m *Music) Skip(ctx context.Context, inv Invocation) discord.Reply {
	return m.vote(ctx, inv, discord.VoteSkip, "skip", func(s *session.Session, _ track.Request) discord.Reply {
		skipped, err := s.Skip(ctx)
		if err != nil {
			return m.failure(err)
		}
		return discord.Textf("⏭️ Skipped **%s**.", skipped.Label())
	})
}

// Stop ends the current track and halts the queue, by vote.
func (m *Music) Stop(ctx context.Context, inv Invocation) discord.Reply {
	return m.vote(ctx, inv, discord.VoteStop, "stop", func(s *session.Session, req track.Request) discord.Reply {
		if err := s.Stop(ctx, false); err != nil {
			return m.failure(err)
		}
		return discord.Textf("⏹️ Stopped **%s**. The queue is kept; use /resume to continue.", req.Label())
	})
}

// ─── playback control ────────────────────────────────────────────────────

// listening returns the caller's session if they share its voice channel.
func (m *Music) listening(ctx context.Context, inv Invocation) (*session.Session, session.Snapshot, *discord.Reply) {
	s, ok := m.cfg.Sessions.Get(inv.GuildID)
	if !ok {
		r := discord.Privatef("Nothing is playing.")
		return nil, session.Snapshot{}, &r
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		r := m.failure(err)
		return nil, snap, &r
	}
	if !inv.DJ && m.cfg.Voice.UserChannel(inv.GuildID, inv.UserID) != snap.ChannelID {
		r := discord.Privatef("Join <#%s> first.", snap.ChannelID)
		return nil, snap, &r
	}
	return s, snap, nil
}

// Pause holds the current track.
func (m *Music) Pause(ctx context.Context, inv Invocation) discord.Reply {
	s, _, r := m.listening(ctx, inv)
	if r != nil {
		return *r
	}
	if err := s.Pause(ctx); err != nil {
		return m.failure(err)
	}
	return discord.Textf("⏸️ Paused.")
}

// Resume continues a paused track or a stopped queue.
func (m *Music) Resume(ctx context.Context, inv Invocation) discord.Reply {
	s, _, r := m.listening(ctx, inv)
	if r != nil {
		return *r
	}
	if err := s.Resume(ctx); err != nil {
		return m.failure(err)
	}
	return discord.Textf("▶️ Resumed.")
}

// Leave stops playback, clears the queue and disconnects. Callers who are
// not DJs may only do this when they are alone with the bot.
func (m *Music) Leave(ctx context.Context, inv Invocation) discord.Reply {
	s, ok := m.cfg.Sessions.Get(inv.GuildID)
	if !ok {
		return discord.Privatef("I'm not in a voice channel.")
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return m.failure(err)
	}
	if !inv.DJ {
		alone := m.cfg.Voice.UserChannel(inv.GuildID, inv.UserID) == snap.ChannelID &&
			m.cfg.Voice.Listeners(inv.GuildID, snap.ChannelID) <= 1
		if !alone {
			return discord.Privatef("Only a DJ can make me leave while others are listening.")
		}
	}
	if err := s.Stop(ctx, true); err != nil {
		return m.failure(err)
	}
	if snap.ChannelID == "" {
		return discord.Textf("👋 Bye.")
	}
	return discord.Textf("👋 Left <#%s>.", snap.ChannelID)
}

// ─── queue inspection ────────────────────────────────────────────────────

// Queue shows the queue.
func (m *Music) Queue(ctx context.Context, inv Invocation) discord.Reply {
	s, ok := m.cfg.Sessions.Get(inv.GuildID)
	if !ok {
		return discord.Reply{Embed: discord.QueueEmbed(session.Snapshot{GuildID: inv.GuildID})}
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return m.failure(err)
	}
	return discord.Reply{Embed: discord.QueueEmbed(snap)}
}

// NowPlaying shows the current track.
func (m *Music) NowPlaying(ctx context.Context, inv Invocation) discord.Reply {
	s, ok := m.cfg.Sessions.Get(inv.GuildID)
	if !ok {
		return discord.Reply{Embed: discord.NowPlayingEmbed(session.Snapshot{GuildID: inv.GuildID})}
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return m.failure(err)
	}
	return discord.Reply{Embed: discord.NowPlayingEmbed(snap)}
}

// Remove drops a queued track by position or title.
func (m *Music) Remove(ctx context.Context, inv Invocation) discord.Reply {
	s, ok := m.cfg.Sessions.Get(inv.GuildID)
	if !ok {
		return discord.Privatef("The queue is empty.")
	}
	req, err := s.Remove(ctx, inv.Options["track"])
	if err != nil {
		return m.failure(err)
	}
	return discord.Textf("Removed **%s** from the queue.", req.Label())
}

// Clear empties the queue for DJs. Everyone else removes only their own
// entries.
func (m *Music) Clear(ctx context.Context, inv Invocation) discord.Reply {
	s, ok := m.cfg.Sessions.Get(inv.GuildID)
	if !ok {
		return discord.Privatef("The queue is already empty.")
	}
	if !inv.DJ {
		n, err := s.ClearBy(ctx, inv.UserID)
		switch {
		case err != nil:
			return m.failure(err)
		case n == 0:
			return discord.Privatef("You have nothing queued.")
		case n == 1:
			return discord.Textf("Removed 1 of your tracks from the queue.")
		}
		return discord.Textf("Removed %d of your tracks from the queue.", n)
	}
	n, err := s.Clear(ctx)
	if err != nil {
		return m.failure(err)
	}
	if n == 1 {
		return discord.Textf("Cleared 1 track from the queue.")
	}
	return discord.Textf("Cleared %d tracks from the queue.", n)
}

// History lists recently played tracks.
func (m *Music) History(ctx context.Context, inv Invocation) discord.Reply {
	if m.cfg.History == nil {
		return discord.Privatef("Play history is not enabled.")
	}
	entries, err := m.cfg.History.Recent(ctx, inv.GuildID, m.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("discord: history lookup failed", "guild_id", inv.GuildID, "err", err)
		return discord.Privatef("Could not load the play history.")
	}
	return discord.Reply{Embed: discord.HistoryEmbed(entries, m.now())}
}

// RemoveChoices suggests queue entries whose label contains prefix.
func (m *Music) RemoveChoices(ctx context.Context, guildID, prefix string) []*discordgo.ApplicationCommandOptionChoice {
	s, ok := m.cfg.Sessions.Get(guildID)
	if !ok {
		return nil
	}
	reqs, err := s.QueueSnapshot(ctx)
	if err != nil {
		return nil
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	var choices []*discordgo.ApplicationCommandOptionChoice
	for i, req := range reqs {
		label := req.Label()
		if prefix != "" && !strings.Contains(strings.ToLower(label), prefix) {
			continue
		}
		name := fmt.Sprintf("%d. %s", i+1, label)
		if r := []rune(name); len(r) > maxChoiceName {
			name = string(r[:maxChoiceName-1]) + "…"
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: strconv.Itoa(i + 1)})
		if len(choices) == maxChoices {
			break
		}
	}
	return choices
}

func (m *Music) handleRemoveAutocomplete(s *discordgo.Session, i *discordgo.InteractionCreate) {
	var prefix string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Focused {
			prefix = opt.StringValue()
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	discord.RespondChoices(s, i, m.RemoveChoices(ctx, i.GuildID, prefix))
}
