package discord

import (
	"github.com/bwmarrin/discordgo"
)

// VoiceDirectory answers who sits in which voice channel.
type VoiceDirectory interface {
	// UserChannel returns the voice channel userID is connected to in
	// guildID, or "" when they are not in voice.
	UserChannel(guildID, userID string) string

	// Listeners counts the humans in channelID, excluding bots.
	Listeners(guildID, channelID string) int
}

// StateVoice is a VoiceDirectory backed by the gateway state cache. The
// session must request the GuildVoiceStates intent.
type StateVoice struct {
	State *discordgo.State
}

var _ VoiceDirectory = (*StateVoice)(nil)

// UserChannel implements VoiceDirectory.
func (v *StateVoice) UserChannel(guildID, userID string) string {
	vs, err := v.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

// Listeners implements VoiceDirectory.
func (v *StateVoice) Listeners(guildID, channelID string) int {
	if channelID == "" {
		return 0
	}
	g, err := v.State.Guild(guildID)
	if err != nil {
		return 0
	}
	v.State.RLock()
	defer v.State.RUnlock()

	self := ""
	if v.State.User != nil {
		self = v.State.User.ID
	}
	bots := make(map[string]bool, len(g.Members))
	for _, m := range g.Members {
		if m.User != nil && m.User.Bot {
			bots[m.User.ID] = true
		}
	}

	n := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == self || bots[vs.UserID] {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		n++
	}
	return n
}
