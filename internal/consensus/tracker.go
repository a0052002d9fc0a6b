package consensus

import (
	"slices"
	"sync"
	"time"
)

// AuthorityStats holds in-memory liveness statistics for a single authority.
// Counters start from zero again on every node restart.
type AuthorityStats struct {
	PubKey      []byte    // 33-byte compressed public key
	LastBlock   time.Time // zero if never authored
	LastVote    time.Time // zero if never voted
	LastSeen    time.Time // last signed heartbeat, zero if never
	BlockCount  uint64    // blocks authored since tracker started
	VoteCount   uint64    // finality votes observed
	MissedSlots uint64    // slots where this authority was due but no block arrived
}

func (s *AuthorityStats) clone() *AuthorityStats {
	if s == nil {
		return nil
	}
	c := *s
	c.PubKey = slices.Clone(s.PubKey)
	return &c
}

// AuthorityTracker tracks authority liveness via authored blocks and finality
// votes. All data is in-memory only — no consensus impact, resets on restart.
type AuthorityTracker struct {
	mu     sync.RWMutex
	stats  map[string]*AuthorityStats // keyed by raw pubkey bytes
	window time.Duration
}

// NewAuthorityTracker creates a tracker. An authority counts as active if it
// authored a block or voted within the given window.
func NewAuthorityTracker(window time.Duration) *AuthorityTracker {
	return &AuthorityTracker{
		stats:  make(map[string]*AuthorityStats),
		window: window,
	}
}

// RecordBlock records that an authority authored a block.
func (a *AuthorityTracker) RecordBlock(pubKey []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.upsert(pubKey)
	s.LastBlock = time.Now()
	s.BlockCount++
}

// RecordVote records a finality vote observed from an authority.
func (a *AuthorityTracker) RecordVote(pubKey []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.upsert(pubKey)
	s.LastVote = time.Now()
	s.VoteCount++
}

// RecordHeartbeat records a signed liveness heartbeat from an authority.
func (a *AuthorityTracker) RecordHeartbeat(pubKey []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upsert(pubKey).LastSeen = time.Now()
}

// RecordMissedSlot records that an authority owned a slot but no block for
// that slot was ever imported.
func (a *AuthorityTracker) RecordMissedSlot(pubKey []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upsert(pubKey).MissedSlots++
}

// IsActive returns true if the authority authored, voted or sent a
// heartbeat within the window.
func (a *AuthorityTracker) IsActive(pubKey []byte) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.stats[string(pubKey)]
	if !ok {
		return false
	}
	cutoff := time.Now().Add(-a.window)
	return s.LastBlock.After(cutoff) || s.LastVote.After(cutoff) || s.LastSeen.After(cutoff)
}

// GetStats returns a copy of stats for a specific authority, or nil if not tracked.
func (a *AuthorityTracker) GetStats(pubKey []byte) *AuthorityStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats[string(pubKey)].clone()
}

// GetAllStats returns copies of all tracked authority stats.
func (a *AuthorityTracker) GetAllStats() []*AuthorityStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*AuthorityStats, 0, len(a.stats))
	for _, s := range a.stats {
		out = append(out, s.clone())
	}
	return out
}

// Window returns the configured activity window.
func (a *AuthorityTracker) Window() time.Duration {
	return a.window
}

func (a *AuthorityTracker) upsert(pubKey []byte) *AuthorityStats {
	s, ok := a.stats[string(pubKey)]
	if !ok {
		s = &AuthorityStats{PubKey: slices.Clone(pubKey)}
		a.stats[string(pubKey)] = s
	}
	return s
}
