package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/bardic/internal/session"
	"github.com/MrWong99/bardic/pkg/track"
)

// MessageSender is the subset of *discordgo.Session the announcer posts with.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

const (
	defaultPanelInterval = 15 * time.Second
	announceBuffer       = 128
)

// panel is a live "now playing" message that is edited in place while the
// track plays.
type panel struct {
	channelID string
	messageID string
	title     string
	locator   string
	requester track.Requester
	duration  time.Duration
	started   time.Time
	pausedAt  time.Time
	paused    time.Duration
}

func (p *panel) elapsed(now time.Time) time.Duration {
	end := now
	if !p.pausedAt.IsZero() {
		end = p.pausedAt
	}
	return end.Sub(p.started) - p.paused
}

func (p *panel) embed(now time.Time) *discordgo.MessageEmbed {
	color, footer := embedColorGreen, "Playing"
	if !p.pausedAt.IsZero() {
		color, footer = embedColorYellow, "Paused"
	}
	return &discordgo.MessageEmbed{
		Title:       "Now playing",
		Description: trackLink(p.title, p.locator),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Progress", Value: progressLine(p.elapsed(now), p.duration)},
			{Name: "Requested by", Value: requesterName(p.requester), Inline: true},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: footer},
		Timestamp: p.started.UTC().Format(time.RFC3339),
	}
}

func (p *panel) endedEmbed(reason string, now time.Time) *discordgo.MessageEmbed {
	color := embedColorBlue
	if reason == session.EndFailed || reason == session.EndDisconnected {
		color = embedColorRed
	}
	return &discordgo.MessageEmbed{
		Title:       "Played",
		Description: trackLink(p.title, p.locator),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Listened", Value: formatDuration(p.elapsed(now)), Inline: true},
			{Name: "Requested by", Value: requesterName(p.requester), Inline: true},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: endedText(reason)},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

func endedText(reason string) string {
	switch reason {
	case session.EndFinished:
		return "Finished"
	case session.EndSkipped:
		return "Skipped"
	case session.EndStopped:
		return "Stopped"
	case session.EndFailed:
		return "Playback failed"
	case session.EndDisconnected:
		return "Voice connection lost"
	default:
		return reason
	}
}

// Announcer posts session events to the text channel each guild's last
// command came from. It keeps one live now-playing panel per guild, edited
// every interval and finalized when the track ends.
//
// Notify never blocks; events are handled in order by a single worker.
type Announcer struct {
	sender   MessageSender
	interval time.Duration
	now      func() time.Time

	events  chan session.Event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu       sync.Mutex
	channels map[string]string // guild → text channel

	// Owned by the worker goroutine.
	panels map[string]*panel
	played map[string]bool
}

var _ session.Notifier = (*Announcer)(nil)

// NewAnnouncer starts an announcer. interval <= 0 uses a default.
func NewAnnouncer(sender MessageSender, interval time.Duration) *Announcer {
	if interval <= 0 {
		interval = defaultPanelInterval
	}
	a := &Announcer{
		sender:   sender,
		interval: interval,
		now:      time.Now,
		events:   make(chan session.Event, announceBuffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		channels: make(map[string]string),
		panels:   make(map[string]*panel),
		played:   make(map[string]bool),
	}
	go a.loop()
	return a
}

// SetChannel records where guildID's announcements go.
func (a *Announcer) SetChannel(guildID, channelID string) {
	if channelID == "" {
		return
	}
	a.mu.Lock()
	a.channels[guildID] = channelID
	a.mu.Unlock()
}

func (a *Announcer) channel(guildID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels[guildID]
}

// Notify implements session.Notifier.
func (a *Announcer) Notify(ev session.Event) {
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.events <- ev:
	default:
		slog.Warn("announcer: event dropped", "guild_id", ev.GuildID, "kind", ev.Kind)
	}
}

// Close stops the worker after it has handled every queued event.
func (a *Announcer) Close() {
	a.once.Do(func() { close(a.done) })
	<-a.stopped
}

func (a *Announcer) loop() {
	defer close(a.stopped)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-a.events:
			a.handle(ev)
		case <-ticker.C:
			a.refresh()
		case <-a.done:
			for {
				select {
				case ev := <-a.events:
					a.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Announcer) refresh() {
	now := a.now()
	for guildID, p := range a.panels {
		if p.messageID == "" || !p.pausedAt.IsZero() {
			continue
		}
		if _, err := a.sender.ChannelMessageEditEmbed(p.channelID, p.messageID, p.embed(now)); err != nil {
			slog.Debug("announcer: failed to refresh panel", "guild_id", guildID, "err", err)
		}
	}
}

func (a *Announcer) handle(ev session.Event) {
	switch ev.Kind {
	case session.EventTrackStarted:
		a.startPanel(ev)
	case session.EventPlaybackPaused, session.EventPlaybackResumed:
		a.togglePanel(ev)
	case session.EventTrackEnded:
		a.endPanel(ev)
	case session.EventResolveFailed:
		a.say(ev.GuildID, fmt.Sprintf("Could not play **%s**: %s.", ev.Title, ev.Reason))
	case session.EventAdvanceHalted:
		a.say(ev.GuildID, fmt.Sprintf("Playback stopped: %s. Use /play or /skip to continue.", ev.Reason))
	case session.EventQueueEmptied:
		if a.played[ev.GuildID] {
			delete(a.played, ev.GuildID)
			a.say(ev.GuildID, "The queue is empty. Add more with /play.")
		}
	case session.EventSessionTerminated:
		a.terminate(ev)
	}
}

func (a *Announcer) startPanel(ev session.Event) {
	ch := a.channel(ev.GuildID)
	if ch == "" {
		return
	}
	p := &panel{channelID: ch, title: ev.Title, started: ev.At}
	if p.started.IsZero() {
		p.started = a.now()
	}
	if ev.Track != nil {
		p.locator = ev.Track.Locator
		p.duration = ev.Track.Duration
	}
	if ev.Request != nil {
		p.requester = ev.Request.Requester
	}
	msg, err := a.sender.ChannelMessageSendEmbed(ch, p.embed(a.now()))
	if err != nil {
		slog.Warn("announcer: failed to post now playing", "guild_id", ev.GuildID, "channel", ch, "err", err)
	} else {
		p.messageID = msg.ID
	}
	a.panels[ev.GuildID] = p
	a.played[ev.GuildID] = true
}

func (a *Announcer) togglePanel(ev session.Event) {
	p := a.panels[ev.GuildID]
	if p == nil {
		return
	}
	now := a.now()
	if ev.Kind == session.EventPlaybackPaused && p.pausedAt.IsZero() {
		p.pausedAt = now
	} else if ev.Kind == session.EventPlaybackResumed && !p.pausedAt.IsZero() {
		p.paused += now.Sub(p.pausedAt)
		p.pausedAt = time.Time{}
	}
	if p.messageID != "" {
		if _, err := a.sender.ChannelMessageEditEmbed(p.channelID, p.messageID, p.embed(now)); err != nil {
			slog.Debug("announcer: failed to update panel", "guild_id", ev.GuildID, "err", err)
		}
	}
}

func (a *Announcer) endPanel(ev session.Event) {
	p := a.panels[ev.GuildID]
	delete(a.panels, ev.GuildID)
	if p == nil {
		// The track failed before its first frame.
		if ev.Reason == session.EndFailed {
			a.say(ev.GuildID, fmt.Sprintf("Could not play **%s**.", ev.Title))
		}
		return
	}
	if p.messageID == "" {
		return
	}
	if _, err := a.sender.ChannelMessageEditEmbed(p.channelID, p.messageID, p.endedEmbed(ev.Reason, a.now())); err != nil {
		slog.Debug("announcer: failed to finalize panel", "guild_id", ev.GuildID, "err", err)
	}
}

func (a *Announcer) terminate(ev session.Event) {
	if p := a.panels[ev.GuildID]; p != nil && p.messageID != "" {
		_, _ = a.sender.ChannelMessageEditEmbed(p.channelID, p.messageID, p.endedEmbed(session.EndStopped, a.now()))
	}
	delete(a.panels, ev.GuildID)
	delete(a.played, ev.GuildID)

	switch ev.Reason {
	case session.TerminatedIdle:
		a.say(ev.GuildID, "Left the voice channel after being idle.")
	case session.TerminatedDisconnected:
		a.say(ev.GuildID, "Lost the voice connection and could not rejoin.")
	case session.TerminatedConnectFailed:
		a.say(ev.GuildID, "Could not join the voice channel.")
	case session.TerminatedInternal:
		a.say(ev.GuildID, "Playback crashed and was reset. Sorry!")
	}
}

func (a *Announcer) say(guildID, text string) {
	ch := a.channel(guildID)
	if ch == "" {
		return
	}
	if _, err := a.sender.ChannelMessageSend(ch, text); err != nil {
		slog.Warn("announcer: failed to send message", "guild_id", guildID, "channel", ch, "err", err)
	}
}
