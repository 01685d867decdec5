// Package feed streams session events to websocket clients.
//
// Clients connect to the handler (normally mounted at /events) and receive
// one JSON message per event. A "guild" query parameter restricts the feed
// to one guild. Clients that cannot keep up are disconnected rather than
// slowing down the sessions.
package feed

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/bardic/internal/session"
	"github.com/MrWong99/bardic/pkg/track"
)

const (
	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

// Message is the wire form of a [session.Event].
type Message struct {
	Kind      string           `json:"kind"`
	GuildID   string           `json:"guild_id"`
	Title     string           `json:"title,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Position  int              `json:"position,omitempty"`
	Requester *track.Requester `json:"requester,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// NewMessage converts ev to its wire form.
func NewMessage(ev session.Event) Message {
	m := Message{
		Kind:     ev.Kind.String(),
		GuildID:  ev.GuildID,
		Title:    ev.Title,
		Reason:   ev.Reason,
		Position: ev.Position,
		At:       ev.At,
	}
	if ev.Request != nil {
		r := ev.Request.Requester
		m.Requester = &r
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	return m
}

type client struct {
	guild string
	msgs  chan Message
	kick  chan struct{}
	once  sync.Once
}

func (c *client) drop() { c.once.Do(func() { close(c.kick) }) }

// Hub fans session events out to connected clients. It implements
// [session.Notifier] and [http.Handler]. The zero value is not usable; call
// [NewHub].
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	// OriginPatterns is passed to websocket.Accept. Empty only allows
	// same-origin browsers.
	OriginPatterns []string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Notify implements [session.Notifier]. It never blocks.
func (h *Hub) Notify(ev session.Event) {
	msg := NewMessage(ev)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.guild != "" && c.guild != ev.GuildID {
			continue
		}
		select {
		case c.msgs <- msg:
		default:
			slog.Warn("feed: client too slow, disconnecting", "guild_id", c.guild)
			delete(h.clients, c)
			c.drop()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.drop()
	}
}

func (h *Hub) subscribe(guild string) *client {
	c := &client{
		guild: guild,
		msgs:  make(chan Message, clientBuffer),
		kick:  make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		slog.Warn("feed: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	guild := r.URL.Query().Get("guild")
	c := h.subscribe(guild)
	defer h.unsubscribe(c)

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("feed: client connected", "guild_id", guild, "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			conn.Close(websocket.StatusPolicyViolation, "dropped")
			return
		case msg := <-c.msgs:
			if err := write(ctx, conn, msg); err != nil {
				slog.Debug("feed: write failed", "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
