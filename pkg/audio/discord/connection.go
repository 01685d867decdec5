package discord

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/bardic/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// outputChannelBuffer keeps a few frames in flight between the session's
// pacing loop and the Opus encoder without hiding backpressure.
const outputChannelBuffer = 4

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Outgoing PCM frames are encoded to Opus and
// written to the voice websocket. The bot's own VoiceStateUpdate events are
// translated into disconnect, reconnect and move notifications.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	guildID string
	botID   string
	bitrate int

	output chan audio.AudioFrame

	mu           sync.Mutex
	channelID    string
	disconnected bool
	changeCb     func(audio.Event)

	done           chan struct{}
	closeOnce      sync.Once
	disconnectOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the send loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID, botID string, bitrate int) (*Connection, error) {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		botID:        botID,
		bitrate:      bitrate,
		channelID:    channelID,
		output:       make(chan audio.AudioFrame, outputChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}

	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)

	go c.sendLoop()

	return c, nil
}

// ChannelID returns the voice channel the bot currently occupies.
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// OutputStream returns the write-only channel for outgoing PCM frames.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// OnStateChange registers cb for connection state changes. Only one callback
// may be registered; subsequent calls replace the previous one.
func (c *Connection) OnStateChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeCb = cb
}

// Disconnect leaves the voice channel and stops the send loop. It is safe to
// call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.disconnectOnce.Do(func() {
		c.Release()
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// Release stops the send loop and the voice state handler but leaves the
// underlying voice link alone. discordgo hands out one VoiceConnection per
// guild, so a connection replaced after a rejoin must not tear it down.
func (c *Connection) Release() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.changeCb = nil
		c.mu.Unlock()
		if c.removeHandler != nil {
			c.removeHandler()
		}
	})
}

// sendLoop encodes PCM frames from the output channel and forwards the Opus
// packets to Discord. Speaking is toggled off whenever the output runs dry
// so clients stop showing the green ring between tracks.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder(c.bitrate)
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "guild_id", c.guildID, "error", err)
		return
	}

	speaking := false
	defer func() {
		if speaking {
			c.setSpeaking(false)
		}
	}()

	for {
		var frame audio.AudioFrame
		select {
		case <-c.done:
			return
		case frame = <-c.output:
		default:
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}
			select {
			case <-c.done:
				return
			case frame = <-c.output:
			}
		}

		if !speaking {
			c.setSpeaking(true)
			speaking = true
		}

		opus, err := enc.encode(frame.Data)
		if err != nil {
			slog.Warn("discord: opus encode error", "guild_id", c.guildID, "seq", frame.Seq, "error", err)
			continue
		}

		select {
		case c.vc.OpusSend <- opus:
		case <-c.done:
			return
		}
	}
}

// handleVoiceStateUpdate watches the bot's own voice state in this guild.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.VoiceState == nil || vsu.GuildID != c.guildID || c.botID == "" || vsu.UserID != c.botID {
		return
	}

	c.mu.Lock()
	prevChannel := c.channelID
	wasDisconnected := c.disconnected
	var ev audio.Event
	switch {
	case vsu.ChannelID == "":
		if wasDisconnected {
			c.mu.Unlock()
			return
		}
		c.disconnected = true
		ev = audio.Event{Type: audio.EventDisconnect}
	case wasDisconnected:
		c.disconnected = false
		c.channelID = vsu.ChannelID
		ev = audio.Event{Type: audio.EventReconnect, ChannelID: vsu.ChannelID}
	case vsu.ChannelID != prevChannel:
		c.channelID = vsu.ChannelID
		ev = audio.Event{Type: audio.EventMove, ChannelID: vsu.ChannelID}
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	slog.Debug("discord: voice state changed", "guild_id", c.guildID, "event", ev.Type, "channel_id", ev.ChannelID)
	c.emitEvent(ev)
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "error", err)
	}
}

// emitEvent invokes the registered state change callback inline so that a
// disconnect is always observed before the reconnect that follows it.
func (c *Connection) emitEvent(ev audio.Event) {
	c.mu.Lock()
	cb := c.changeCb
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
