package consensus

import (
	"errors"
	"testing"
	"time"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

func signedVote(t *testing.T, key *crypto.PrivateKey, round uint64, hash types.Hash, height uint64) *Vote {
	t.Helper()
	v := &Vote{Round: round, Hash: hash, Height: height}
	if err := v.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return v
}

func TestVote_SignVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	v := signedVote(t, key, 3, crypto.Hash([]byte("block")), 42)
	if !v.Verify() {
		t.Fatal("Verify() = false for a freshly signed vote")
	}

	tampered := *v
	tampered.Height = 43
	if tampered.Verify() {
		t.Error("Verify() = true after changing the height")
	}

	tampered = *v
	tampered.Signature = append([]byte(nil), v.Signature...)
	tampered.Signature[0] ^= 0xff
	if tampered.Verify() {
		t.Error("Verify() = true with a corrupted signature")
	}
}

func TestVote_VerifyEmpty(t *testing.T) {
	v := &Vote{Hash: crypto.Hash([]byte("block"))}
	if v.Verify() {
		t.Error("Verify() = true without voter or signature")
	}
}

func TestJustification_Verify(t *testing.T) {
	keys, set := testAuthorities(t, 1, 1, 1, 1)
	hash := crypto.Hash([]byte("target"))

	votesFrom := func(idx ...int) []Vote {
		out := make([]Vote, 0, len(idx))
		for _, i := range idx {
			out = append(out, *signedVote(t, keys[i], 7, hash, 99))
		}
		return out
	}

	j := &Justification{Round: 7, Hash: hash, Height: 99, Votes: votesFrom(0, 1, 2)}
	if err := j.Verify(set); err != nil {
		t.Errorf("Verify() with 3-of-4 votes: %v", err)
	}

	j = &Justification{Round: 7, Hash: hash, Height: 99, Votes: votesFrom(0, 1)}
	if err := j.Verify(set); !errors.Is(err, ErrWeakJustification) {
		t.Errorf("expected ErrWeakJustification for 2-of-4, got: %v", err)
	}

	j = &Justification{Round: 7, Hash: hash, Height: 99}
	if err := j.Verify(set); !errors.Is(err, ErrWeakJustification) {
		t.Errorf("expected ErrWeakJustification for no votes, got: %v", err)
	}
}

func TestJustification_Verify_DuplicateVoter(t *testing.T) {
	keys, set := testAuthorities(t, 1, 1, 1)
	hash := crypto.Hash([]byte("target"))

	v := *signedVote(t, keys[0], 1, hash, 5)
	j := &Justification{Round: 1, Hash: hash, Height: 5, Votes: []Vote{v, v, *signedVote(t, keys[1], 1, hash, 5)}}
	if err := j.Verify(set); err == nil {
		t.Error("Verify() accepted a duplicate voter")
	}
}

func TestJustification_Verify_OutsiderVoter(t *testing.T) {
	keys, set := testAuthorities(t, 1)
	outsider, _ := crypto.GenerateKey()
	hash := crypto.Hash([]byte("target"))

	j := &Justification{
		Round: 1, Hash: hash, Height: 5,
		Votes: []Vote{*signedVote(t, keys[0], 1, hash, 5), *signedVote(t, outsider, 1, hash, 5)},
	}
	if err := j.Verify(set); !errors.Is(err, ErrNotVoter) {
		t.Errorf("expected ErrNotVoter, got: %v", err)
	}
}

func TestJustification_Verify_MismatchedVote(t *testing.T) {
	keys, set := testAuthorities(t, 1)
	hash := crypto.Hash([]byte("target"))

	j := &Justification{
		Round: 1, Hash: hash, Height: 5,
		Votes: []Vote{*signedVote(t, keys[0], 1, crypto.Hash([]byte("other")), 5)},
	}
	if err := j.Verify(set); err == nil {
		t.Error("Verify() accepted a vote for a different block")
	}
}

func TestFinalizedCell_Monotonic(t *testing.T) {
	cell := NewFinalizedCell(Finalized{Hash: crypto.Hash([]byte("genesis")), Height: 0})

	val, version := cell.Get()
	if version != 0 || val.Height != 0 {
		t.Fatalf("fresh cell = (%+v, %d)", val, version)
	}

	f5 := Finalized{Hash: crypto.Hash([]byte("b5")), Height: 5, Round: 2}
	if !cell.Set(f5) {
		t.Fatal("Set(height 5) rejected")
	}
	val, version = cell.Get()
	if val != f5 || version != 1 {
		t.Errorf("after Set: (%+v, %d)", val, version)
	}

	if cell.Set(Finalized{Hash: crypto.Hash([]byte("b3")), Height: 3}) {
		t.Error("Set(height 3) accepted after height 5")
	}
	if cell.Set(Finalized{Hash: crypto.Hash([]byte("b5x")), Height: 5}) {
		t.Error("Set(same height) accepted")
	}
	if _, version = cell.Get(); version != 1 {
		t.Errorf("version changed on rejected Set: %d", version)
	}

	if !cell.Set(Finalized{Hash: crypto.Hash([]byte("b6")), Height: 6, Round: 3}) {
		t.Error("Set(height 6) rejected")
	}
}

type gadgetHarness struct {
	cell      *FinalizedCell
	committed []*Justification
	sent      []*Vote
	commitErr error
}

func newGadgetHarness(t *testing.T, weights ...uint64) ([]*crypto.PrivateKey, *Gadget, *gadgetHarness) {
	t.Helper()

	keys, set := testAuthorities(t, weights...)
	h := &gadgetHarness{cell: NewFinalizedCell(Finalized{})}

	g := NewGadget(set, h.cell, 10*time.Second)
	g.SetCommitter(func(j *Justification) error {
		if h.commitErr != nil {
			return h.commitErr
		}
		h.committed = append(h.committed, j)
		h.cell.Set(Finalized{Hash: j.Hash, Height: j.Height, Round: j.Round})
		return nil
	})
	g.SetBroadcaster(func(v *Vote) { h.sent = append(h.sent, v) })
	return keys, g, h
}

func TestGadget_SoleAuthorityFinalizes(t *testing.T) {
	keys, g, h := newGadgetHarness(t, 1)
	if err := g.SetSigner(keys[0]); err != nil {
		t.Fatalf("SetSigner() error: %v", err)
	}

	hash := crypto.Hash([]byte("b1"))
	if err := g.CastVote(hash, 1); err != nil {
		t.Fatalf("CastVote() error: %v", err)
	}

	if len(h.committed) != 1 {
		t.Fatalf("committed %d justifications, want 1", len(h.committed))
	}
	j := h.committed[0]
	if j.Hash != hash || j.Height != 1 || len(j.Votes) != 1 {
		t.Errorf("justification = %+v", j)
	}
	if got := g.Round(); got != 1 {
		t.Errorf("Round() after finalize = %d, want 1", got)
	}
	final, _ := h.cell.Get()
	if final.Height != 1 {
		t.Errorf("finalized height = %d, want 1", final.Height)
	}
}

func TestGadget_SupermajorityAcrossVoters(t *testing.T) {
	keys, g, h := newGadgetHarness(t, 1, 1, 1, 1)
	g.SetSigner(keys[0])

	hash := crypto.Hash([]byte("b7"))
	if err := g.CastVote(hash, 7); err != nil {
		t.Fatalf("CastVote() error: %v", err)
	}
	if len(h.committed) != 0 {
		t.Fatal("finalized with a single vote out of four")
	}

	if err := g.HandleVote(signedVote(t, keys[1], 0, hash, 7)); err != nil {
		t.Fatalf("HandleVote(key 1) error: %v", err)
	}
	if len(h.committed) != 0 {
		t.Fatal("finalized with two votes out of four")
	}

	if err := g.HandleVote(signedVote(t, keys[2], 0, hash, 7)); err != nil {
		t.Fatalf("HandleVote(key 2) error: %v", err)
	}
	if len(h.committed) != 1 {
		t.Fatalf("committed %d justifications, want 1", len(h.committed))
	}

	j := h.committed[0]
	if len(j.Votes) != 3 {
		t.Fatalf("justification carries %d votes, want 3", len(j.Votes))
	}
	set := g.authorities
	for i := 1; i < len(j.Votes); i++ {
		if set.IndexOf(j.Votes[i-1].Voter) > set.IndexOf(j.Votes[i].Voter) {
			t.Error("justification votes not sorted by authority index")
		}
	}
	if err := j.Verify(set); err != nil {
		t.Errorf("assembled justification does not verify: %v", err)
	}
	if got := g.Round(); got != 1 {
		t.Errorf("Round() after finalize = %d, want 1", got)
	}
}

func TestGadget_CastVote_NoSigner(t *testing.T) {
	_, g, _ := newGadgetHarness(t, 1)
	if err := g.CastVote(crypto.Hash([]byte("b")), 1); !errors.Is(err, ErrNoSigner) {
		t.Errorf("expected ErrNoSigner, got: %v", err)
	}
}

func TestGadget_CastVote_BelowFinalized(t *testing.T) {
	keys, g, h := newGadgetHarness(t, 1)
	g.SetSigner(keys[0])
	h.cell.Set(Finalized{Hash: crypto.Hash([]byte("b10")), Height: 10})

	if err := g.CastVote(crypto.Hash([]byte("b5")), 5); err != nil {
		t.Fatalf("CastVote() error: %v", err)
	}
	if len(h.sent) != 0 || len(h.committed) != 0 {
		t.Error("vote below the finalized height was broadcast or committed")
	}
}

func TestGadget_CastVote_RebroadcastsWithinRound(t *testing.T) {
	keys, g, h := newGadgetHarness(t, 1, 1, 1)
	g.SetSigner(keys[0])

	hash := crypto.Hash([]byte("b2"))
	g.CastVote(hash, 2)
	g.CastVote(hash, 2)

	if len(h.sent) != 2 {
		t.Fatalf("broadcast %d times, want 2", len(h.sent))
	}
	if h.sent[0] != h.sent[1] {
		t.Error("second call should re-broadcast the original vote")
	}
	if got := g.Round(); got != 0 {
		t.Errorf("Round() = %d, want 0", got)
	}
}

func TestGadget_CastVote_TimeoutOpensNewRound(t *testing.T) {
	keys, g, h := newGadgetHarness(t, 1, 1, 1)
	g.SetSigner(keys[0])

	base := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return base }
	g.roundStart = base

	g.CastVote(crypto.Hash([]byte("tip A")), 3)
	if got := g.Round(); got != 0 {
		t.Fatalf("Round() = %d, want 0", got)
	}

	base = base.Add(11 * time.Second) // past the 10s round timeout
	if err := g.CastVote(crypto.Hash([]byte("tip B")), 3); err != nil {
		t.Fatalf("CastVote() after timeout error: %v", err)
	}
	if got := g.Round(); got != 1 {
		t.Errorf("Round() after timeout = %d, want 1", got)
	}
	last := h.sent[len(h.sent)-1]
	if last.Round != 1 || last.Hash != crypto.Hash([]byte("tip B")) {
		t.Errorf("re-vote = round %d hash %s", last.Round, last.Hash)
	}
}

func TestGadget_HandleVote_Stale(t *testing.T) {
	keys, g, h := newGadgetHarness(t, 1, 1, 1, 1)

	hash := crypto.Hash([]byte("b9"))

	// A verified future-round vote drags the gadget forward.
	if err := g.HandleVote(signedVote(t, keys[1], 5, hash, 9)); err != nil {
		t.Fatalf("HandleVote(round 5) error: %v", err)
	}
	if got := g.Round(); got != 5 {
		t.Fatalf("Round() = %d, want 5", got)
	}

	if err := g.HandleVote(signedVote(t, keys[2], 2, hash, 9)); !errors.Is(err, ErrStaleRound) {
		t.Errorf("expected ErrStaleRound for an old round, got: %v", err)
	}

	// Votes at or below the finalized height are stale regardless of round.
	h.cell.Set(Finalized{Hash: hash, Height: 9})
	if err := g.HandleVote(signedVote(t, keys[3], 5, hash, 9)); !errors.Is(err, ErrStaleRound) {
		t.Errorf("expected ErrStaleRound below frontier, got: %v", err)
	}
}

func TestGadget_HandleVote_Equivocation(t *testing.T) {
	keys, g, _ := newGadgetHarness(t, 1, 1, 1, 1)

	hashA := crypto.Hash([]byte("fork A"))
	hashB := crypto.Hash([]byte("fork B"))

	if err := g.HandleVote(signedVote(t, keys[1], 0, hashA, 4)); err != nil {
		t.Fatalf("HandleVote(A) error: %v", err)
	}
	if err := g.HandleVote(signedVote(t, keys[1], 0, hashA, 4)); err != nil {
		t.Errorf("duplicate identical vote should be accepted quietly: %v", err)
	}
	if err := g.HandleVote(signedVote(t, keys[1], 0, hashB, 4)); !errors.Is(err, ErrEquivocation) {
		t.Errorf("expected ErrEquivocation, got: %v", err)
	}
}

func TestGadget_HandleVote_BadSignature(t *testing.T) {
	keys, g, _ := newGadgetHarness(t, 1, 1)

	v := signedVote(t, keys[1], 0, crypto.Hash([]byte("b")), 3)
	v.Signature[0] ^= 0xff
	if err := g.HandleVote(v); !errors.Is(err, ErrBadVoteSig) {
		t.Errorf("expected ErrBadVoteSig, got: %v", err)
	}

	outsider, _ := crypto.GenerateKey()
	if err := g.HandleVote(signedVote(t, outsider, 0, crypto.Hash([]byte("b")), 3)); !errors.Is(err, ErrNotVoter) {
		t.Errorf("expected ErrNotVoter, got: %v", err)
	}
}

func TestGadget_ApplyJustification(t *testing.T) {
	keys, g, h := newGadgetHarness(t, 1, 1, 1, 1)

	hash := crypto.Hash([]byte("warp"))
	j := &Justification{
		Round: 12, Hash: hash, Height: 80,
		Votes: []Vote{
			*signedVote(t, keys[0], 12, hash, 80),
			*signedVote(t, keys[1], 12, hash, 80),
			*signedVote(t, keys[2], 12, hash, 80),
		},
	}

	if err := g.ApplyJustification(j); err != nil {
		t.Fatalf("ApplyJustification() error: %v", err)
	}
	if len(h.committed) != 1 {
		t.Fatalf("committed %d justifications, want 1", len(h.committed))
	}
	if got := g.Round(); got != 13 {
		t.Errorf("Round() = %d, want 13", got)
	}
	final, _ := h.cell.Get()
	if final.Height != 80 || final.Hash != hash {
		t.Errorf("frontier = %+v", final)
	}

	// Re-applying the same justification is a no-op.
	if err := g.ApplyJustification(j); err != nil {
		t.Errorf("second ApplyJustification() error: %v", err)
	}
	if len(h.committed) != 1 {
		t.Error("justification committed twice")
	}
}

func TestGadget_ApplyJustification_RejectsWeak(t *testing.T) {
	keys, g, h := newGadgetHarness(t, 1, 1, 1, 1)

	hash := crypto.Hash([]byte("weak"))
	j := &Justification{
		Round: 1, Hash: hash, Height: 2,
		Votes: []Vote{*signedVote(t, keys[0], 1, hash, 2)},
	}
	if err := g.ApplyJustification(j); !errors.Is(err, ErrWeakJustification) {
		t.Errorf("expected ErrWeakJustification, got: %v", err)
	}
	if len(h.committed) != 0 {
		t.Error("weak justification was committed")
	}
}
