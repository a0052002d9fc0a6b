package evm

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

func newKV() *KVBackend {
	return NewKV(storage.NewPrefixDB(storage.NewMemory(), []byte("evm/")))
}

func TestKV_PutAndLookup(t *testing.T) {
	ctx := context.Background()
	b := newKV()
	e := mustDerive(t, makeBlock(1, 0x01))

	if err := b.PutEntries(ctx, []*Entry{e}); err != nil {
		t.Fatalf("PutEntries() error: %v", err)
	}

	byNative, err := b.ByNative(ctx, e.NativeHash)
	if err != nil {
		t.Fatalf("ByNative() error: %v", err)
	}
	byEvm, err := b.ByEvm(ctx, e.EvmHash)
	if err != nil {
		t.Fatalf("ByEvm() error: %v", err)
	}
	byHeight, err := b.ByHeight(ctx, 1)
	if err != nil {
		t.Fatalf("ByHeight() error: %v", err)
	}
	for _, got := range []*Entry{byNative, byEvm, byHeight} {
		if got.NativeHash != e.NativeHash || got.EvmHash != e.EvmHash {
			t.Fatal("lookup returned a different entry")
		}
	}

	latest, err := b.LatestHeight(ctx)
	if err != nil || latest != 1 {
		t.Fatalf("LatestHeight() = %d, %v, want 1", latest, err)
	}

	if _, err := b.ByNative(ctx, types.Hash{0xFF}); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("unknown native lookup error = %v, want ErrNotIndexed", err)
	}
	if _, err := b.ByHeight(ctx, 99); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("unknown height lookup error = %v, want ErrNotIndexed", err)
	}
}

func TestKV_DuplicatePutIsNoop(t *testing.T) {
	ctx := context.Background()
	b := newKV()
	e := mustDerive(t, makeBlock(2, 0x02))

	if err := b.PutEntries(ctx, []*Entry{e}); err != nil {
		t.Fatalf("first PutEntries() error: %v", err)
	}
	if err := b.PutEntries(ctx, []*Entry{e}); err != nil {
		t.Fatalf("second PutEntries() error: %v", err)
	}

	got, err := b.ByHeight(ctx, 2)
	if err != nil {
		t.Fatalf("ByHeight() error: %v", err)
	}
	want := mustMarshal(t, e)
	if !bytes.Equal(mustMarshal(t, got), want) {
		t.Fatal("duplicate put changed the stored entry")
	}
}

func TestKV_LatestHeightTracksMax(t *testing.T) {
	ctx := context.Background()
	b := newKV()

	if _, err := b.LatestHeight(ctx); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("empty LatestHeight() error = %v, want ErrNotIndexed", err)
	}

	for _, h := range []uint64{3, 1, 2} {
		if err := b.PutEntries(ctx, []*Entry{mustDerive(t, makeBlock(h, 0x03))}); err != nil {
			t.Fatalf("PutEntries(%d) error: %v", h, err)
		}
	}
	latest, err := b.LatestHeight(ctx)
	if err != nil || latest != 3 {
		t.Fatalf("LatestHeight() = %d, %v, want 3", latest, err)
	}
}

func TestKV_MissingHeights(t *testing.T) {
	ctx := context.Background()
	b := newKV()

	for _, h := range []uint64{1, 2, 4, 7} {
		if err := b.PutEntries(ctx, []*Entry{mustDerive(t, makeBlock(h, 0x04))}); err != nil {
			t.Fatalf("PutEntries(%d) error: %v", h, err)
		}
	}

	missing, err := b.MissingHeights(ctx, 1, 7)
	if err != nil {
		t.Fatalf("MissingHeights() error: %v", err)
	}
	want := []uint64{3, 5, 6}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("missing = %v, want %v", missing, want)
		}
	}

	none, err := b.MissingHeights(ctx, 1, 2)
	if err != nil || len(none) != 0 {
		t.Fatalf("MissingHeights(1,2) = %v, %v, want empty", none, err)
	}
}

func TestKV_SetCanonical(t *testing.T) {
	ctx := context.Background()
	b := newKV()
	old := mustDerive(t, makeBlock(5, 0x05))

	if err := b.PutEntries(ctx, []*Entry{old}); err != nil {
		t.Fatalf("PutEntries() error: %v", err)
	}
	if err := b.SetCanonical(ctx, old.NativeHash, false); err != nil {
		t.Fatalf("SetCanonical(false) error: %v", err)
	}
	if _, err := b.ByHeight(ctx, 5); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("demoted height lookup error = %v, want ErrNotIndexed", err)
	}
	// The entry itself stays readable by hash.
	if _, err := b.ByNative(ctx, old.NativeHash); err != nil {
		t.Fatalf("ByNative() after demotion error: %v", err)
	}

	if err := b.SetCanonical(ctx, old.NativeHash, true); err != nil {
		t.Fatalf("SetCanonical(true) error: %v", err)
	}
	if _, err := b.ByHeight(ctx, 5); err != nil {
		t.Fatalf("re-promoted height lookup error: %v", err)
	}
}

func TestKV_DemoteKeepsNewerMapping(t *testing.T) {
	ctx := context.Background()
	b := newKV()
	old := mustDerive(t, makeBlock(6, 0x06))
	replacement := mustDerive(t, makeBlock(6, 0x07))

	if err := b.PutEntries(ctx, []*Entry{old}); err != nil {
		t.Fatalf("PutEntries(old) error: %v", err)
	}
	// Reorg order: the replacement is written, then the old mapping is
	// demoted. The height slot must stay with the replacement.
	if err := b.PutEntries(ctx, []*Entry{replacement}); err != nil {
		t.Fatalf("PutEntries(replacement) error: %v", err)
	}
	if err := b.SetCanonical(ctx, old.NativeHash, false); err != nil {
		t.Fatalf("SetCanonical(false) error: %v", err)
	}

	got, err := b.ByHeight(ctx, 6)
	if err != nil {
		t.Fatalf("ByHeight() error: %v", err)
	}
	if got.NativeHash != replacement.NativeHash {
		t.Fatal("demoting the old mapping displaced the replacement")
	}
}

func TestKV_RePutRestoresHeightMapping(t *testing.T) {
	ctx := context.Background()
	b := newKV()
	e := mustDerive(t, makeBlock(8, 0x08))

	if err := b.PutEntries(ctx, []*Entry{e}); err != nil {
		t.Fatalf("PutEntries() error: %v", err)
	}
	if err := b.SetCanonical(ctx, e.NativeHash, false); err != nil {
		t.Fatalf("SetCanonical(false) error: %v", err)
	}
	// A reorg back onto the abandoned block re-imports it; the put must
	// hook the existing entry back onto the height axis.
	if err := b.PutEntries(ctx, []*Entry{e}); err != nil {
		t.Fatalf("re-put error: %v", err)
	}
	got, err := b.ByHeight(ctx, 8)
	if err != nil {
		t.Fatalf("ByHeight() after re-put error: %v", err)
	}
	if got.NativeHash != e.NativeHash {
		t.Fatal("height mapping points at the wrong entry")
	}
}

func TestKV_SetCanonicalUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	b := newKV()
	if err := b.SetCanonical(ctx, types.Hash{0xEE}, false); err != nil {
		t.Fatalf("SetCanonical(unknown) error: %v", err)
	}
}
