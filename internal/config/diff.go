package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PlaybackChanged is true if any hot-reloadable playback setting
	// changed. The new values are in the new config's Playback block.
	PlaybackChanged bool

	// VotesChanged is true if the vote ratio or DJ role changed.
	VotesChanged bool

	// RestartRequired lists settings that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// HasChanges reports whether d carries anything to apply or report.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.PlaybackChanged || d.VotesChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	op, np := old.Playback, new.Playback
	if op.GracePeriod != np.GracePeriod ||
		op.IdleTimeout != np.IdleTimeout ||
		op.MaxConsecutiveFailures != np.MaxConsecutiveFailures ||
		op.MaxAdmissionRetries != np.MaxAdmissionRetries ||
		op.MaxQueue != np.MaxQueue ||
		op.Rejoin != np.Rejoin {
		d.PlaybackChanged = true
	}
	if op.VoteRatio != np.VoteRatio || old.Discord.DJRole != new.Discord.DJRole {
		d.VotesChanged = true
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("discord.token", old.Discord.Token != new.Discord.Token)
	restart("discord.guild_id", old.Discord.GuildID != new.Discord.GuildID)
	restart("discord.command_rate", old.Discord.CommandRate != new.Discord.CommandRate || old.Discord.CommandBurst != new.Discord.CommandBurst)
	restart("tools", !toolsEqual(old.Tools, new.Tools))
	restart("playback.stall_timeout", op.StallTimeout != np.StallTimeout)
	restart("playback.pause_buffer", op.PauseBuffer != np.PauseBuffer)
	restart("history", old.History != new.History)

	return d
}

func toolsEqual(a, b ToolsConfig) bool {
	return a.YTDLPPath == b.YTDLPPath &&
		a.FFmpegPath == b.FFmpegPath &&
		a.Format == b.Format &&
		a.PipeMode == b.PipeMode &&
		slices.Equal(a.SearchProviders, b.SearchProviders) &&
		a.ResolveTimeout == b.ResolveTimeout &&
		a.KillGrace == b.KillGrace &&
		a.MaxSubprocesses == b.MaxSubprocesses
}
