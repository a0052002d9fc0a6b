package p2p

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
)

// warpAuthorities generates n equal-weight authorities with signing keys.
func warpAuthorities(t *testing.T, n int) ([]*crypto.PrivateKey, *consensus.AuthoritySet) {
	t.Helper()

	var keys []*crypto.PrivateKey
	entries := make([]config.Authority, 0, n)
	for range n {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		keys = append(keys, key)
		entries = append(entries, config.Authority{
			PubKey: hex.EncodeToString(key.PublicKey()),
			Weight: 1,
		})
	}

	set, err := consensus.NewAuthoritySet(entries)
	if err != nil {
		t.Fatalf("NewAuthoritySet() error: %v", err)
	}
	return keys, set
}

// justifiedCheckpoint builds a header at the given height and a justification
// signed by every key in keys.
func justifiedCheckpoint(t *testing.T, keys []*crypto.PrivateKey, round, height uint64) Checkpoint {
	t.Helper()

	hdr := &block.Header{
		Version:    1,
		ParentHash: crypto.Hash([]byte{0xCB, byte(height)}),
		Height:     height,
		Slot:       height,
		Time:       height * 6,
	}
	hash := hdr.Hash()

	j := &consensus.Justification{Round: round, Hash: hash, Height: height}
	for _, key := range keys {
		v := consensus.Vote{Round: round, Hash: hash, Height: height}
		if err := v.Sign(key); err != nil {
			t.Fatalf("Vote.Sign: %v", err)
		}
		j.Votes = append(j.Votes, v)
	}
	return Checkpoint{Header: hdr, Justification: j}
}

func TestWarpSnapshot_Verify(t *testing.T) {
	keys, set := warpAuthorities(t, 4)

	snap := &WarpSnapshot{
		Checkpoints: []Checkpoint{
			justifiedCheckpoint(t, keys, 1, 10),
			justifiedCheckpoint(t, keys, 2, 20),
			justifiedCheckpoint(t, keys, 3, 25),
		},
	}

	if err := snap.Verify(set, 0); err != nil {
		t.Errorf("Verify() on a fully justified snapshot: %v", err)
	}

	head := snap.Head()
	if head == nil || head.Header.Height != 25 {
		t.Errorf("Head() = %+v, want checkpoint at height 25", head)
	}
}

func TestWarpSnapshot_VerifyEmpty(t *testing.T) {
	snap := &WarpSnapshot{}
	if err := snap.Verify(nil, 0); err == nil {
		t.Error("Verify() should reject an empty snapshot")
	}
	if snap.Head() != nil {
		t.Error("Head() should be nil for an empty snapshot")
	}
}

func TestWarpSnapshot_VerifyOutOfOrder(t *testing.T) {
	keys, set := warpAuthorities(t, 4)

	snap := &WarpSnapshot{
		Checkpoints: []Checkpoint{
			justifiedCheckpoint(t, keys, 2, 20),
			justifiedCheckpoint(t, keys, 1, 10),
		},
	}
	if err := snap.Verify(set, 0); err == nil {
		t.Error("Verify() should reject descending checkpoint heights")
	}

	// A checkpoint at or below the requested floor is also out of order.
	snap = &WarpSnapshot{
		Checkpoints: []Checkpoint{justifiedCheckpoint(t, keys, 1, 10)},
	}
	if err := snap.Verify(set, 10); err == nil {
		t.Error("Verify() should reject a checkpoint at the since height")
	}
}

func TestWarpSnapshot_VerifyHeaderMismatch(t *testing.T) {
	keys, set := warpAuthorities(t, 4)

	cp := justifiedCheckpoint(t, keys, 1, 10)
	// Swap in a different header so the justification no longer matches.
	cp.Header = &block.Header{Version: 1, Height: 10, Slot: 11}

	snap := &WarpSnapshot{Checkpoints: []Checkpoint{cp}}
	if err := snap.Verify(set, 0); err == nil {
		t.Error("Verify() should reject a justification for a different block")
	}
}

func TestWarpSnapshot_VerifyHeightMismatch(t *testing.T) {
	keys, set := warpAuthorities(t, 4)

	cp := justifiedCheckpoint(t, keys, 1, 10)
	cp.Justification.Height = 11

	snap := &WarpSnapshot{Checkpoints: []Checkpoint{cp}}
	if err := snap.Verify(set, 0); err == nil {
		t.Error("Verify() should reject a justification for another height")
	}
}

func TestWarpSnapshot_VerifyWeakJustification(t *testing.T) {
	keys, set := warpAuthorities(t, 4)

	// Only 2 of 4 authorities sign: below supermajority.
	cp := justifiedCheckpoint(t, keys[:2], 1, 10)

	snap := &WarpSnapshot{Checkpoints: []Checkpoint{cp}}
	err := snap.Verify(set, 0)
	if !errors.Is(err, consensus.ErrWeakJustification) {
		t.Errorf("expected ErrWeakJustification, got: %v", err)
	}
}

func TestWarpSnapshot_VerifyMissingParts(t *testing.T) {
	_, set := warpAuthorities(t, 4)

	snap := &WarpSnapshot{Checkpoints: []Checkpoint{{Header: &block.Header{Height: 5}}}}
	if err := snap.Verify(set, 0); err == nil {
		t.Error("Verify() should reject a checkpoint without a justification")
	}

	snap = &WarpSnapshot{Checkpoints: []Checkpoint{{Justification: &consensus.Justification{Height: 5}}}}
	if err := snap.Verify(set, 0); err == nil {
		t.Error("Verify() should reject a checkpoint without a header")
	}
}

// --- Warp Stream Integration ---

// warpPair spins up two connected loopback hosts and wraps each in a Syncer.
// The requester side is already dialed into the provider, whose peer ID is
// returned for RequestWarp calls.
func warpPair(t *testing.T) (provider, requester *Syncer, providerID peer.ID) {
	t.Helper()

	ph, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("provider host: %v", err)
	}
	t.Cleanup(func() { ph.Close() })

	rh, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("requester host: %v", err)
	}
	t.Cleanup(func() { rh.Close() })

	rh.Peerstore().AddAddrs(ph.ID(), ph.Addrs(), time.Hour)
	if err := rh.Connect(context.Background(), peer.AddrInfo{ID: ph.ID(), Addrs: ph.Addrs()}); err != nil {
		t.Fatalf("dial provider: %v", err)
	}

	return NewSyncer(&Node{host: ph}), NewSyncer(&Node{host: rh}), ph.ID()
}

func TestTwoNodes_WarpSnapshot(t *testing.T) {
	provider, requester, providerID := warpPair(t)

	keys, set := warpAuthorities(t, 4)
	served := &WarpSnapshot{
		Checkpoints: []Checkpoint{
			justifiedCheckpoint(t, keys, 1, 100),
			justifiedCheckpoint(t, keys, 2, 200),
		},
	}

	// The provider serves checkpoints above the requested height.
	provider.RegisterWarpHandler(func(since uint64) (*WarpSnapshot, error) {
		out := &WarpSnapshot{}
		for _, cp := range served.Checkpoints {
			if cp.Header.Height > since {
				out.Checkpoints = append(out.Checkpoints, cp)
			}
		}
		return out, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := requester.RequestWarp(ctx, providerID, 0)
	if err != nil {
		t.Fatalf("RequestWarp: %v", err)
	}

	if len(snap.Checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(snap.Checkpoints))
	}
	if err := snap.Verify(set, 0); err != nil {
		t.Errorf("snapshot did not survive the wire: %v", err)
	}
	if snap.Head().Header.Height != 200 {
		t.Errorf("Head() height = %d, want 200", snap.Head().Header.Height)
	}

	// Requesting above the first checkpoint trims it from the response.
	snap, err = requester.RequestWarp(ctx, providerID, 100)
	if err != nil {
		t.Fatalf("RequestWarp since 100: %v", err)
	}
	if len(snap.Checkpoints) != 1 || snap.Checkpoints[0].Header.Height != 200 {
		t.Errorf("expected only the height-200 checkpoint, got %+v", snap.Checkpoints)
	}
	if err := snap.Verify(set, 100); err != nil {
		t.Errorf("trimmed snapshot failed verification: %v", err)
	}
}

func TestTwoNodes_Warp_ProviderError(t *testing.T) {
	provider, requester, providerID := warpPair(t)

	provider.RegisterWarpHandler(func(since uint64) (*WarpSnapshot, error) {
		return nil, fmt.Errorf("no finalized blocks yet")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := requester.RequestWarp(ctx, providerID, 0); err == nil {
		t.Fatal("expected error when provider has nothing to serve")
	}
}
