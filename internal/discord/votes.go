package discord

import (
	"math"
	"sync"

	"github.com/MrWong99/bardic/internal/session"
)

// VoteKind distinguishes independent ballots on the same track.
type VoteKind int

const (
	VoteSkip VoteKind = iota
	VoteStop
)

// VoteOutcome is the result of casting a vote.
type VoteOutcome int

const (
	// VoteSuccess means the threshold was reached; the ballot is reset.
	VoteSuccess VoteOutcome = iota
	// VoteAlreadyVoted means the user had already voted on this track.
	VoteAlreadyVoted
	// VoteNeedsMore means the vote counted but more are required.
	VoteNeedsMore
	// VoteNothingPlaying means there is no track to vote on.
	VoteNothingPlaying
)

// VoteStatus reports a vote outcome and, for VoteNeedsMore and
// VoteAlreadyVoted, how many more votes are missing.
type VoteStatus struct {
	Outcome VoteOutcome
	Missing int
}

type ballot struct {
	track  string
	voters map[VoteKind]map[string]struct{}
}

// Votes tracks skip and stop ballots per guild. A ballot belongs to one
// track; it resets when a different track key is voted on or when the
// session reports a track change.
type Votes struct {
	mu      sync.Mutex
	ballots map[string]*ballot
}

// NewVotes returns an empty vote book.
func NewVotes() *Votes {
	return &Votes{ballots: make(map[string]*ballot)}
}

var _ session.Notifier = (*Votes)(nil)

// Required is the number of votes needed with listeners humans in the
// channel at the given ratio. At least one vote is always required.
func Required(listeners int, ratio float64) int {
	n := int(math.Ceil(float64(listeners) * ratio))
	return max(n, 1)
}

// Cast records userID's vote of the given kind on trackKey.
func (v *Votes) Cast(guildID string, kind VoteKind, trackKey, userID string, listeners int, ratio float64) VoteStatus {
	if trackKey == "" {
		return VoteStatus{Outcome: VoteNothingPlaying}
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	b := v.ballots[guildID]
	if b == nil || b.track != trackKey {
		b = &ballot{track: trackKey, voters: make(map[VoteKind]map[string]struct{})}
		v.ballots[guildID] = b
	}
	voters := b.voters[kind]
	if voters == nil {
		voters = make(map[string]struct{})
		b.voters[kind] = voters
	}

	need := Required(listeners, ratio)
	if _, ok := voters[userID]; ok {
		return VoteStatus{Outcome: VoteAlreadyVoted, Missing: max(need-len(voters), 0)}
	}
	voters[userID] = struct{}{}
	if len(voters) >= need {
		delete(b.voters, kind)
		return VoteStatus{Outcome: VoteSuccess}
	}
	return VoteStatus{Outcome: VoteNeedsMore, Missing: need - len(voters)}
}

// Count returns the votes of kind currently recorded for guildID.
func (v *Votes) Count(guildID string, kind VoteKind) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b := v.ballots[guildID]; b != nil {
		return len(b.voters[kind])
	}
	return 0
}

// Reset drops every ballot of guildID.
func (v *Votes) Reset(guildID string) {
	v.mu.Lock()
	delete(v.ballots, guildID)
	v.mu.Unlock()
}

// Notify implements session.Notifier. Ballots never outlive their track.
func (v *Votes) Notify(ev session.Event) {
	switch ev.Kind {
	case session.EventTrackStarted, session.EventTrackEnded, session.EventSessionTerminated:
		v.Reset(ev.GuildID)
	}
}
