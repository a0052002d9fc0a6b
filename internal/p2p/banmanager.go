package p2p

import (
	"sync"
	"time"

	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// BanThreshold is the cumulative offense score that triggers a ban.
	BanThreshold = 100
	// BanDuration is how long a triggered ban lasts.
	BanDuration = 24 * time.Hour
)

// Offense penalties. A single handshake failure is an instant ban since it
// means the peer is on a different network entirely; protocol-level junk
// accumulates until the threshold is crossed.
const (
	PenaltyInvalidBlock  = 50
	PenaltyInvalidTx     = 20
	PenaltyInvalidVote   = 20
	PenaltyHandshakeFail = 100
)

// BanManager scores peer misbehavior and bans repeat offenders. Scores
// live in memory only; bans survive restarts through the BanStore.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore // nil disables persistence
	node   *Node     // nil disables disconnect-on-ban
}

func NewBanManager(store *BanStore, node *Node) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		node:   node,
	}
}

// LoadBans fills the in-memory cache from the store, dropping anything
// that expired while the node was down.
func (m *BanManager) LoadBans() {
	if m.store == nil {
		return
	}
	m.store.PruneExpired()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.ForEach(func(rec *BanRecord) error {
		if rec.IsExpired() {
			return nil
		}
		if id, err := peer.Decode(rec.ID); err == nil {
			m.bans[id] = rec
		}
		return nil
	})
}

// RecordOffense charges penalty points against a peer and bans it once the
// total reaches BanThreshold.
func (m *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.bans[id]; ok && !rec.IsExpired() {
		return
	}

	m.scores[id] += penalty
	if m.scores[id] >= BanThreshold {
		m.ban(id, reason)
	}
}

// ban records and persists the ban, then kicks the peer off the wire.
// Caller holds m.mu.
func (m *BanManager) ban(id peer.ID, reason string) {
	now := time.Now()
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     m.scores[id],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	m.bans[id] = rec
	delete(m.scores, id)

	if m.store != nil {
		m.store.Put(rec)
	}

	banLog := log.WithComponent("banmgr")
	banLog.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Peer banned")

	if m.node != nil {
		go m.node.DisconnectPeer(id)
	}
}

// IsBanned reports whether the peer is currently banned. Expired bans are
// lazily removed here, so a peer whose sentence ran out gets back in on
// its next dial.
func (m *BanManager) IsBanned(id peer.ID) bool {
	m.mu.RLock()
	rec, ok := m.bans[id]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	if rec.IsExpired() {
		m.mu.Lock()
		delete(m.bans, id)
		m.mu.Unlock()
		if m.store != nil {
			m.store.Delete(id)
		}
		return false
	}
	return true
}

// Unban lifts a ban and forgets any accumulated score.
func (m *BanManager) Unban(id peer.ID) {
	m.mu.Lock()
	delete(m.bans, id)
	delete(m.scores, id)
	m.mu.Unlock()

	if m.store != nil {
		m.store.Delete(id)
	}
}

// BanList returns a snapshot of the active bans.
func (m *BanManager) BanList() []BanRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []BanRecord
	for _, rec := range m.bans {
		if !rec.IsExpired() {
			out = append(out, *rec)
		}
	}
	return out
}

// RunPruneLoop sweeps expired bans every ten minutes until done closes.
// Run it in a goroutine.
func (m *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.pruneExpired()
		}
	}
}

func (m *BanManager) pruneExpired() {
	m.mu.Lock()
	for id, rec := range m.bans {
		if rec.IsExpired() {
			delete(m.bans, id)
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		m.store.PruneExpired()
	}
}

// shortID trims a peer ID for log lines.
func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
