// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. Outgoing PCM
// frames are encoded to Opus with gopus and handed to the voice websocket.
//
// The platform requires an active *discordgo.Session (owned by the bot layer)
// and a guild ID. The bot joins deafened because it never consumes incoming
// audio.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using a discordgo voice connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	bitrate int
}

// New creates a Discord Platform for the given session and guild. A
// non-positive bitrate selects the default.
func New(session *discordgo.Session, guildID string, bitrate int) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
		bitrate: bitrate,
	}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins the voice channel identified by channelID. discordgo's join
// call does not take a context, so it runs on its own goroutine; if ctx ends
// first the late connection is torn down.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	done := make(chan joinResult, 1)
	go func() {
		vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, true)
		done <- joinResult{vc: vc, err: err}
	}()

	var res joinResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.vc != nil {
				_ = late.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, res.err)
	}

	botID := ""
	if p.session.State != nil && p.session.State.User != nil {
		botID = p.session.State.User.ID
	}
	conn, err := newConnection(res.vc, p.session, p.guildID, channelID, botID, p.bitrate)
	if err != nil {
		_ = res.vc.Disconnect()
		return nil, fmt.Errorf("discord: create connection: %w", err)
	}
	return conn, nil
}
