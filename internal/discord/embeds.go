package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/bardic/internal/history"
	"github.com/MrWong99/bardic/internal/session"
	"github.com/MrWong99/bardic/pkg/track"
)

const (
	embedColorGreen  = 0x2ECC71
	embedColorYellow = 0xF1C40F
	embedColorRed    = 0xE74C3C
	embedColorBlue   = 0x5865F2
)

// queuePageSize is how many queue entries an embed lists before eliding.
const queuePageSize = 10

// NowPlayingEmbed renders the current track of a session snapshot.
func NowPlayingEmbed(snap session.Snapshot) *discordgo.MessageEmbed {
	np := snap.NowPlaying
	if np == nil {
		desc := "Nothing is playing."
		if snap.Resolving != nil {
			desc = fmt.Sprintf("Loading **%s**…", snap.Resolving.Label())
		}
		return &discordgo.MessageEmbed{Title: "Now playing", Description: desc, Color: embedColorBlue}
	}

	color := embedColorGreen
	footer := "Playing"
	if np.Paused {
		color = embedColorYellow
		footer = "Paused"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Progress", Value: progressLine(np.Elapsed, np.Info.Duration), Inline: false},
		{Name: "Requested by", Value: requesterName(np.Request.Requester), Inline: true},
		{Name: "Up next", Value: fmt.Sprintf("%d queued", len(snap.Queue)), Inline: true},
	}
	if np.Info.Uploader != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Uploader", Value: np.Info.Uploader, Inline: true})
	}
	return &discordgo.MessageEmbed{
		Title:       "Now playing",
		Description: trackLink(np.Info.Title, np.Info.Locator),
		Color:       color,
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
		Timestamp:   np.Started.UTC().Format(time.RFC3339),
	}
}

// QueueEmbed lists the queued requests of a session snapshot.
func QueueEmbed(snap session.Snapshot) *discordgo.MessageEmbed {
	var b strings.Builder
	if np := snap.NowPlaying; np != nil {
		fmt.Fprintf(&b, "**Now:** %s `%s`\n\n", np.Info.Title, progressLine(np.Elapsed, np.Info.Duration))
	} else if snap.Resolving != nil {
		fmt.Fprintf(&b, "**Loading:** %s\n\n", snap.Resolving.Label())
	}
	if len(snap.Queue) == 0 {
		b.WriteString("The queue is empty.")
	}
	var total time.Duration
	for i, req := range snap.Queue {
		if req.Resolved != nil {
			total += req.Resolved.Duration
		}
		if i >= queuePageSize {
			continue
		}
		fmt.Fprintf(&b, "`%d.` %s", i+1, req.Label())
		if req.Resolved != nil && req.Resolved.Duration > 0 {
			fmt.Fprintf(&b, " `%s`", formatDuration(req.Resolved.Duration))
		}
		fmt.Fprintf(&b, " · %s\n", requesterName(req.Requester))
	}
	if extra := len(snap.Queue) - queuePageSize; extra > 0 {
		fmt.Fprintf(&b, "…and %d more", extra)
	}

	footer := fmt.Sprintf("%d queued", len(snap.Queue))
	if total > 0 {
		footer += " · " + formatDuration(total) + " known runtime"
	}
	if snap.Halted {
		footer += " · stopped"
	}
	return &discordgo.MessageEmbed{
		Title:       "Queue",
		Description: b.String(),
		Color:       embedColorBlue,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
}

// HistoryEmbed lists recently played tracks, newest first.
func HistoryEmbed(entries []history.Entry, now time.Time) *discordgo.MessageEmbed {
	var b strings.Builder
	if len(entries) == 0 {
		b.WriteString("Nothing has been played yet.")
	}
	for _, e := range entries {
		ago := now.Sub(e.EndedAt).Truncate(time.Minute)
		fmt.Fprintf(&b, "%s · %s · %s ago", e.Title, e.RequesterName, formatDuration(ago))
		if e.Reason != session.EndFinished {
			fmt.Fprintf(&b, " (%s)", e.Reason)
		}
		b.WriteByte('\n')
	}
	return &discordgo.MessageEmbed{
		Title:       "Recently played",
		Description: b.String(),
		Color:       embedColorBlue,
	}
}

// progressLine renders elapsed against total as a bar with timestamps.
// Streams with unknown length show only the elapsed time.
func progressLine(elapsed, total time.Duration) string {
	if total <= 0 {
		return formatDuration(elapsed) + " / live"
	}
	return progressBar(elapsed, total, 16) + " " + formatDuration(elapsed) + " / " + formatDuration(total)
}

func progressBar(elapsed, total time.Duration, width int) string {
	pos := int(float64(width) * float64(elapsed) / float64(total))
	pos = min(max(pos, 0), width-1)
	return strings.Repeat("▬", pos) + "🔘" + strings.Repeat("▬", width-pos-1)
}

func trackLink(title, locator string) string {
	if title == "" {
		title = locator
	}
	if track.IsURL(locator) {
		return fmt.Sprintf("[%s](%s)", title, locator)
	}
	return "**" + title + "**"
}

func requesterName(r track.Requester) string {
	if r.ID != "" {
		return "<@" + r.ID + ">"
	}
	if r.Name != "" {
		return r.Name
	}
	return "unknown"
}

// formatDuration formats a duration as "m:ss" or "h:mm:ss".
func formatDuration(d time.Duration) string {
	d = max(d.Truncate(time.Second), 0)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
