package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

// peerRec builds a record whose ID field is the canonical String() form,
// the same shape persistPeers writes.
func peerRec(raw string, lastSeen int64, source string) (peer.ID, PeerRecord) {
	id := peer.ID(raw)
	return id, PeerRecord{
		ID:       id.String(),
		Addrs:    []string{"/ip4/10.1.0.1/tcp/30333"},
		LastSeen: lastSeen,
		Source:   source,
	}
}

func TestPeerStore_SaveThenLoad(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())

	id, want := peerRec("melodie-peer", time.Now().Unix(), "seed")
	if err := ps.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := ps.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != want.ID || got.LastSeen != want.LastSeen || got.Source != want.Source {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
	if len(got.Addrs) != 1 || got.Addrs[0] != want.Addrs[0] {
		t.Errorf("Addrs = %v, want %v", got.Addrs, want.Addrs)
	}
}

func TestPeerStore_SaveRefreshesExisting(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	id, first := peerRec("roaming-peer", 1000, "mdns")

	if err := ps.Save(first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	updated := first
	updated.LastSeen = 2000
	updated.Source = "dht"
	updated.Addrs = []string{"/ip4/10.1.0.2/tcp/30333", "/ip4/10.1.0.3/tcp/30333"}
	if err := ps.Save(updated); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	got, err := ps.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastSeen != 2000 || got.Source != "dht" || len(got.Addrs) != 2 {
		t.Errorf("record not refreshed: %+v", got)
	}
	if n, _ := ps.Count(); n != 1 {
		t.Errorf("Count = %d after refresh, want 1", n)
	}
}

func TestPeerStore_CapSkipsNewPeers(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	now := time.Now().Unix()

	for i := 0; i < maxStoredPeers; i++ {
		_, rec := peerRec(fmt.Sprintf("filler-%d", i), now, "dht")
		if err := ps.Save(rec); err != nil {
			t.Fatalf("Save filler %d: %v", i, err)
		}
	}

	// One more new peer is silently dropped...
	overflowID, overflow := peerRec("one-too-many", now, "dht")
	if err := ps.Save(overflow); err != nil {
		t.Fatalf("Save overflow: %v", err)
	}
	if _, err := ps.Load(overflowID); err == nil {
		t.Error("peer beyond the cap was persisted")
	}
	if n, _ := ps.Count(); n != maxStoredPeers {
		t.Errorf("Count = %d, want %d", n, maxStoredPeers)
	}

	// ...but refreshing a peer already inside the cap still works.
	keptID, kept := peerRec("filler-0", now+60, "dht")
	if err := ps.Save(kept); err != nil {
		t.Fatalf("Save refresh at cap: %v", err)
	}
	got, err := ps.Load(keptID)
	if err != nil {
		t.Fatalf("Load refreshed: %v", err)
	}
	if got.LastSeen != now+60 {
		t.Errorf("refresh at cap did not apply: LastSeen = %d", got.LastSeen)
	}
}

func TestPeerStore_Delete(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	id, rec := peerRec("goner", time.Now().Unix(), "gossip")

	if err := ps.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := ps.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := ps.Load(id); err == nil {
		t.Error("record still loadable after Delete")
	}
}

func TestPeerStore_LoadAll(t *testing.T) {
	db := storage.NewMemory()
	ps := NewPeerStore(db)
	now := time.Now().Unix()

	for _, raw := range []string{"seed-a", "seed-b", "seed-c"} {
		_, rec := peerRec(raw, now, "seed")
		if err := ps.Save(rec); err != nil {
			t.Fatalf("Save %s: %v", raw, err)
		}
	}
	// Corrupt entries are skipped, not fatal.
	if err := db.Put([]byte(peerPrefix+"mangled"), []byte("{oops")); err != nil {
		t.Fatalf("Put corrupt: %v", err)
	}

	all, err := ps.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("LoadAll returned %d records, want 3", len(all))
	}
}

func TestPeerStore_LoadAllEmpty(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())

	all, err := ps.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("LoadAll on empty store returned %d records", len(all))
	}
}

func TestPeerStore_PruneStale(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())

	_, stale := peerRec("long-gone", time.Now().Add(-48*time.Hour).Unix(), "dht")
	freshID, fresh := peerRec("active", time.Now().Add(-time.Hour).Unix(), "dht")
	for _, rec := range []PeerRecord{stale, fresh} {
		if err := ps.Save(rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	pruned, err := ps.PruneStale(stalePeerAge)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d, want 1", pruned)
	}

	got, err := ps.Load(freshID)
	if err != nil {
		t.Fatalf("Load survivor: %v", err)
	}
	if got.ID != fresh.ID {
		t.Errorf("wrong peer survived: %q", got.ID)
	}
	if n, _ := ps.Count(); n != 1 {
		t.Errorf("Count after prune = %d, want 1", n)
	}
}

func TestPeerStore_Count(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())

	if n, err := ps.Count(); err != nil || n != 0 {
		t.Fatalf("Count(empty) = %d, %v; want 0, nil", n, err)
	}

	now := time.Now().Unix()
	for i := 0; i < 4; i++ {
		_, rec := peerRec(fmt.Sprintf("n%d", i), now, "dht")
		ps.Save(rec)
	}
	if n, err := ps.Count(); err != nil || n != 4 {
		t.Errorf("Count = %d, %v; want 4, nil", n, err)
	}
}
