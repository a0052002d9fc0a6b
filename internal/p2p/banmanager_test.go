package p2p

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/andrijdavid/Allfeat/internal/storage"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// newTestPeerID mints a real libp2p identity so String()/Decode()
// roundtrips the way it does for live peers.
func newTestPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id from key: %v", err)
	}
	return id
}

// Offenses accumulate until the threshold; crossing it flips the peer to
// banned.
func TestBanManager_ScoresEscalateToBan(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("flaky-peer")

	steps := []struct {
		penalty    int
		reason     string
		wantBanned bool
	}{
		{PenaltyInvalidTx, "nonce gap", false},      // 20
		{PenaltyInvalidTx, "bad signature", false},  // 40
		{PenaltyInvalidBlock, "bad author", false},  // 90
		{PenaltyInvalidVote, "unknown voter", true}, // 110
	}
	for i, s := range steps {
		bm.RecordOffense(id, s.penalty, s.reason)
		if got := bm.IsBanned(id); got != s.wantBanned {
			t.Fatalf("step %d (%s): IsBanned = %v, want %v", i, s.reason, got, s.wantBanned)
		}
	}
}

func TestBanManager_HandshakeFailBansImmediately(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("wrong-network")

	bm.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch")
	if !bm.IsBanned(id) {
		t.Error("handshake failure should ban in one strike")
	}
}

func TestBanManager_UnknownPeerNotBanned(t *testing.T) {
	bm := NewBanManager(nil, nil)
	if bm.IsBanned(peer.ID("never-seen")) {
		t.Error("peer with no offenses reported as banned")
	}
}

func TestBanManager_Unban(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("forgiven")

	bm.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch")
	if !bm.IsBanned(id) {
		t.Fatal("setup: peer should be banned")
	}

	bm.Unban(id)
	if bm.IsBanned(id) {
		t.Error("peer still banned after Unban")
	}
	// The score must be gone too, not just the ban.
	bm.RecordOffense(id, PenaltyInvalidTx, "nonce gap")
	if bm.IsBanned(id) {
		t.Error("stale score survived Unban")
	}
}

func TestBanManager_BanListSnapshotsActiveBans(t *testing.T) {
	bm := NewBanManager(nil, nil)

	bm.RecordOffense(peer.ID("bad-a"), PenaltyHandshakeFail, "genesis mismatch")
	bm.RecordOffense(peer.ID("bad-b"), PenaltyHandshakeFail, "network id mismatch")
	bm.RecordOffense(peer.ID("ok-c"), PenaltyInvalidTx, "nonce gap")

	list := bm.BanList()
	if len(list) != 2 {
		t.Fatalf("BanList has %d entries, want 2", len(list))
	}
	for _, rec := range list {
		if rec.Score < BanThreshold {
			t.Errorf("listed ban %s has score %d below threshold", rec.ID, rec.Score)
		}
	}
}

func TestBanManager_ExpiredBanLiftsItself(t *testing.T) {
	store := NewBanStore(storage.NewMemory())
	bm := NewBanManager(store, nil)
	id := newTestPeerID(t)

	// Plant a ban that ran out an hour ago, in cache and store both.
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    "served its time",
		Score:     100,
		BannedAt:  time.Now().Add(-25 * time.Hour).Unix(),
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	}
	bm.bans[id] = rec
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if bm.IsBanned(id) {
		t.Error("expired ban still enforced")
	}
	if _, err := store.Get(id); err == nil {
		t.Error("expired ban not removed from the store")
	}
}

func TestBanManager_OffensesIgnoredWhileBanned(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("repeat-offender")

	bm.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch")
	bm.RecordOffense(id, PenaltyInvalidBlock, "bad author")

	if n := len(bm.BanList()); n != 1 {
		t.Errorf("BanList has %d entries after repeat offense, want 1", n)
	}
}

func TestBanManager_ScoresAreIndependent(t *testing.T) {
	bm := NewBanManager(nil, nil)

	bm.RecordOffense(peer.ID("bad"), PenaltyHandshakeFail, "genesis mismatch")
	bm.RecordOffense(peer.ID("sloppy"), PenaltyInvalidTx, "nonce gap")

	if !bm.IsBanned(peer.ID("bad")) {
		t.Error("banned peer not reported as banned")
	}
	if bm.IsBanned(peer.ID("sloppy")) {
		t.Error("one peer's ban leaked onto another")
	}
}

func TestBanManager_BansSurviveRestart(t *testing.T) {
	store := NewBanStore(storage.NewMemory())
	id := newTestPeerID(t)

	first := NewBanManager(store, nil)
	first.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch")
	if !first.IsBanned(id) {
		t.Fatal("setup: peer should be banned")
	}

	// Fresh manager over the same store, as after a node restart.
	second := NewBanManager(store, nil)
	second.LoadBans()
	if !second.IsBanned(id) {
		t.Error("ban lost across reload")
	}
}
