package consensus

import (
	"bytes"
	"testing"
	"time"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
)

func TestAuthorityTracker_Records(t *testing.T) {
	tr := NewAuthorityTracker(time.Minute)
	key, _ := crypto.GenerateKey()
	pub := key.PublicKey()

	tr.RecordBlock(pub)
	tr.RecordBlock(pub)
	tr.RecordVote(pub)
	tr.RecordMissedSlot(pub)

	s := tr.GetStats(pub)
	if s == nil {
		t.Fatal("GetStats() = nil for tracked authority")
	}
	if s.BlockCount != 2 {
		t.Errorf("BlockCount = %d, want 2", s.BlockCount)
	}
	if s.VoteCount != 1 {
		t.Errorf("VoteCount = %d, want 1", s.VoteCount)
	}
	if s.MissedSlots != 1 {
		t.Errorf("MissedSlots = %d, want 1", s.MissedSlots)
	}
	if s.LastBlock.IsZero() || s.LastVote.IsZero() {
		t.Error("timestamps not recorded")
	}
	if !bytes.Equal(s.PubKey, pub) {
		t.Error("stats carry the wrong pubkey")
	}
}

func TestAuthorityTracker_IsActive(t *testing.T) {
	tr := NewAuthorityTracker(time.Minute)
	key, _ := crypto.GenerateKey()
	pub := key.PublicKey()

	if tr.IsActive(pub) {
		t.Error("IsActive() = true for an unseen authority")
	}

	tr.RecordVote(pub)
	if !tr.IsActive(pub) {
		t.Error("IsActive() = false just after a vote")
	}

	// Only a missed slot recorded: not a sign of life.
	other, _ := crypto.GenerateKey()
	tr.RecordMissedSlot(other.PublicKey())
	if tr.IsActive(other.PublicKey()) {
		t.Error("IsActive() = true from missed slots alone")
	}
}

func TestAuthorityTracker_Heartbeat(t *testing.T) {
	tr := NewAuthorityTracker(time.Minute)
	key, _ := crypto.GenerateKey()
	pub := key.PublicKey()

	tr.RecordHeartbeat(pub)
	if !tr.IsActive(pub) {
		t.Error("IsActive() = false just after a heartbeat")
	}
	s := tr.GetStats(pub)
	if s == nil || s.LastSeen.IsZero() {
		t.Fatal("heartbeat did not set LastSeen")
	}
	if s.BlockCount != 0 || s.VoteCount != 0 {
		t.Error("heartbeat must not count as a block or vote")
	}
}

func TestAuthorityTracker_StatsAreCopies(t *testing.T) {
	tr := NewAuthorityTracker(time.Minute)
	key, _ := crypto.GenerateKey()
	pub := key.PublicKey()
	tr.RecordBlock(pub)

	s := tr.GetStats(pub)
	s.BlockCount = 999
	s.PubKey[0] ^= 0xff

	again := tr.GetStats(pub)
	if again.BlockCount != 1 {
		t.Errorf("BlockCount = %d after mutating a returned copy, want 1", again.BlockCount)
	}
	if !bytes.Equal(again.PubKey, pub) {
		t.Error("mutating a returned copy corrupted the stored pubkey")
	}

	all := tr.GetAllStats()
	if len(all) != 1 {
		t.Fatalf("GetAllStats() length = %d, want 1", len(all))
	}
}
