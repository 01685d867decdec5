// Package history records which tracks each guild played.
//
// Entries are written by a [Recorder], which listens to session events, into
// a [Store]. [MemStore] keeps a bounded list per guild in memory; [PGStore]
// persists entries in PostgreSQL.
package history

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Entry is one played (or attempted) track.
type Entry struct {
	GuildID       string    `json:"guild_id"`
	Title         string    `json:"title"`
	Query         string    `json:"query"`
	RequesterID   string    `json:"requester_id"`
	RequesterName string    `json:"requester_name"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`

	// Reason is why the track ended, e.g. "finished" or "skipped".
	Reason string `json:"reason"`
}

// Played returns how long the track was audible.
func (e Entry) Played() time.Duration {
	if e.EndedAt.Before(e.StartedAt) {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Store persists history entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Record appends e.
	Record(ctx context.Context, e Entry) error

	// Recent returns up to limit entries of guildID, newest first.
	Recent(ctx context.Context, guildID string, limit int) ([]Entry, error)
}

// MemStore is an in-memory [Store] keeping the newest entries per guild.
type MemStore struct {
	mu    sync.Mutex
	limit int
	byID  map[string][]Entry
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a store that keeps up to limit entries per guild.
// A non-positive limit keeps 50.
func NewMemStore(limit int) *MemStore {
	if limit <= 0 {
		limit = 50
	}
	return &MemStore{limit: limit, byID: make(map[string][]Entry)}
}

// Record implements [Store].
func (m *MemStore) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append(m.byID[e.GuildID], e)
	if over := len(entries) - m.limit; over > 0 {
		entries = slices.Delete(entries, 0, over)
	}
	m.byID[e.GuildID] = entries
	return nil
}

// Recent implements [Store].
func (m *MemStore) Recent(_ context.Context, guildID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.byID[guildID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(entries) - 1; i >= len(entries)-limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}
