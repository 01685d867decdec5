package discord

import (
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// RoleLookup returns the roles defined in a guild.
type RoleLookup func(guildID string) []*discordgo.Role

// PermissionChecker decides whether a member counts as a DJ. DJs skip and
// stop without a vote and may clear the queue or force the bot to leave.
//
// The DJ role may be configured by ID or by name. Members with the Manage
// Channels or Administrator permission are always DJs.
type PermissionChecker struct {
	mu     sync.RWMutex
	djRole string
	roles  RoleLookup
}

// NewPermissionChecker creates a PermissionChecker. roles resolves role
// names; it may be nil, in which case only role IDs match.
func NewPermissionChecker(djRole string, roles RoleLookup) *PermissionChecker {
	return &PermissionChecker{djRole: strings.TrimSpace(djRole), roles: roles}
}

// SetDJRole swaps the configured role on config reload.
func (p *PermissionChecker) SetDJRole(role string) {
	p.mu.Lock()
	p.djRole = strings.TrimSpace(role)
	p.mu.Unlock()
}

// IsDJ reports whether the interaction author is a DJ. Interactions without
// a Member (DM channels) are never privileged.
func (p *PermissionChecker) IsDJ(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&(discordgo.PermissionAdministrator|discordgo.PermissionManageChannels) != 0 {
		return true
	}

	p.mu.RLock()
	role := p.djRole
	p.mu.RUnlock()
	if role == "" {
		return false
	}
	if slices.Contains(i.Member.Roles, role) {
		return true
	}
	if p.roles == nil {
		return false
	}
	for _, r := range p.roles(i.GuildID) {
		if strings.EqualFold(r.Name, role) && slices.Contains(i.Member.Roles, r.ID) {
			return true
		}
	}
	return false
}

// StateRoles is a RoleLookup backed by the gateway state cache.
func StateRoles(state *discordgo.State) RoleLookup {
	return func(guildID string) []*discordgo.Role {
		g, err := state.Guild(guildID)
		if err != nil {
			return nil
		}
		state.RLock()
		defer state.RUnlock()
		return slices.Clone(g.Roles)
	}
}
