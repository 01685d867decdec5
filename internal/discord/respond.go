package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Reply is the outcome of a command, rendered either as plain text or as an
// embed.
type Reply struct {
	Content   string
	Embed     *discordgo.MessageEmbed
	Ephemeral bool
}

// Textf builds a public text reply.
func Textf(format string, args ...any) Reply {
	return Reply{Content: fmt.Sprintf(format, args...)}
}

// Privatef builds an ephemeral text reply.
func Privatef(format string, args ...any) Reply {
	return Reply{Content: fmt.Sprintf(format, args...), Ephemeral: true}
}

func (r Reply) flags() discordgo.MessageFlags {
	if r.Ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

func (r Reply) embeds() []*discordgo.MessageEmbed {
	if r.Embed == nil {
		return nil
	}
	return []*discordgo.MessageEmbed{r.Embed}
}

// RespondEphemeral sends an ephemeral text response to an interaction.
func RespondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	Respond(s, i, Reply{Content: content, Ephemeral: true})
}

// Respond sends r as the immediate response to an interaction.
func Respond(s *discordgo.Session, i *discordgo.InteractionCreate, r Reply) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: r.Content,
			Embeds:  r.embeds(),
			Flags:   r.flags(),
		},
	})
	if err != nil {
		slog.Warn("discord: failed to send response", "err", err)
	}
}

// DeferReply acknowledges a long-running command. Discord fixes the
// visibility of the eventual reply at this point.
func DeferReply(s *discordgo.Session, i *discordgo.InteractionCreate, ephemeral bool) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	})
	if err != nil {
		slog.Warn("discord: failed to defer reply", "err", err)
	}
}

// EditReply fills in a deferred response.
func EditReply(s *discordgo.Session, i *discordgo.InteractionCreate, r Reply) {
	content := r.Content
	embeds := r.embeds()
	_, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Content: &content,
		Embeds:  &embeds,
	})
	if err != nil {
		slog.Warn("discord: failed to edit deferred reply", "err", err)
	}
}

// RespondChoices answers an autocomplete interaction.
func RespondChoices(s *discordgo.Session, i *discordgo.InteractionCreate, choices []*discordgo.ApplicationCommandOptionChoice) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	})
	if err != nil {
		slog.Debug("discord: failed to send autocomplete choices", "err", err)
	}
}
