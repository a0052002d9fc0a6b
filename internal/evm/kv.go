package evm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Key prefixes for the embedded index, in the block-store layout.
var (
	kvPrefixNative = []byte("m/") // m/<nativeHash(32)> -> entry JSON
	kvPrefixEvm    = []byte("e/") // e/<evmHash(32)> -> nativeHash(32)
	kvPrefixHeight = []byte("n/") // n/<height(8)> -> nativeHash(32)
	kvKeyLatest    = []byte("s/latest")
)

// KVBackend stores index entries in the node's embedded database, under
// its own key namespace. Writes are synchronous, which is what lets the
// streaming worker promise at most one block of lag.
type KVBackend struct {
	db storage.DB
}

// NewKV creates the embedded backend on the given database. The caller
// keeps ownership of the database; Close here is a no-op.
func NewKV(db storage.DB) *KVBackend {
	return &KVBackend{db: db}
}

func (b *KVBackend) PutEntries(ctx context.Context, entries []*Entry) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		known, err := b.db.Has(nativeKey(e.NativeHash))
		if err != nil {
			return fmt.Errorf("lookup entry: %w", err)
		}
		if !known {
			data, err := e.Marshal()
			if err != nil {
				return err
			}
			if err := b.db.Put(nativeKey(e.NativeHash), data); err != nil {
				return fmt.Errorf("put entry: %w", err)
			}
			if err := b.db.Put(evmKey(e.EvmHash), e.NativeHash[:]); err != nil {
				return fmt.Errorf("put evm index: %w", err)
			}
		}
		// The height index is written even for a known entry. A chain
		// that reorgs back to a block it once abandoned re-imports it,
		// and that must put the demoted entry back on the height axis.
		if err := b.db.Put(kvHeightKey(e.Height), e.NativeHash[:]); err != nil {
			return fmt.Errorf("put height index: %w", err)
		}
		if err := b.bumpLatest(e.Height); err != nil {
			return err
		}
	}
	return nil
}

func (b *KVBackend) ByNative(ctx context.Context, nativeHash types.Hash) (*Entry, error) {
	known, err := b.db.Has(nativeKey(nativeHash))
	if err != nil {
		return nil, fmt.Errorf("lookup entry: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, nativeHash.Short())
	}
	data, err := b.db.Get(nativeKey(nativeHash))
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return UnmarshalEntry(data)
}

func (b *KVBackend) ByEvm(ctx context.Context, evmHash types.Hash) (*Entry, error) {
	known, err := b.db.Has(evmKey(evmHash))
	if err != nil {
		return nil, fmt.Errorf("lookup evm index: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("%w: evm %s", ErrNotIndexed, evmHash.Short())
	}
	raw, err := b.db.Get(evmKey(evmHash))
	if err != nil {
		return nil, fmt.Errorf("get evm index: %w", err)
	}
	native, err := hashFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("evm index value: %w", err)
	}
	return b.ByNative(ctx, native)
}

func (b *KVBackend) ByHeight(ctx context.Context, height uint64) (*Entry, error) {
	known, err := b.db.Has(kvHeightKey(height))
	if err != nil {
		return nil, fmt.Errorf("lookup height index: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("%w: height %d", ErrNotIndexed, height)
	}
	raw, err := b.db.Get(kvHeightKey(height))
	if err != nil {
		return nil, fmt.Errorf("get height index: %w", err)
	}
	native, err := hashFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("height index value: %w", err)
	}
	return b.ByNative(ctx, native)
}

func (b *KVBackend) LatestHeight(ctx context.Context) (uint64, error) {
	known, err := b.db.Has(kvKeyLatest)
	if err != nil {
		return 0, fmt.Errorf("lookup latest: %w", err)
	}
	if !known {
		return 0, ErrNotIndexed
	}
	raw, err := b.db.Get(kvKeyLatest)
	if err != nil {
		return 0, fmt.Errorf("get latest: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("latest height value is %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (b *KVBackend) MissingHeights(ctx context.Context, from, to uint64) ([]uint64, error) {
	var missing []uint64
	for h := from; h <= to; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		known, err := b.db.Has(kvHeightKey(h))
		if err != nil {
			return nil, fmt.Errorf("lookup height %d: %w", h, err)
		}
		if !known {
			missing = append(missing, h)
		}
	}
	return missing, nil
}

func (b *KVBackend) SetCanonical(ctx context.Context, nativeHash types.Hash, canonical bool) error {
	e, err := b.ByNative(ctx, nativeHash)
	if err != nil {
		if errors.Is(err, ErrNotIndexed) {
			return nil
		}
		return err
	}
	if canonical {
		if err := b.db.Put(kvHeightKey(e.Height), e.NativeHash[:]); err != nil {
			return fmt.Errorf("put height index: %w", err)
		}
		return nil
	}

	// Unhook the height index only if it still points at this entry;
	// a newer canonical block at the same height must keep its slot.
	known, err := b.db.Has(kvHeightKey(e.Height))
	if err != nil {
		return fmt.Errorf("lookup height index: %w", err)
	}
	if !known {
		return nil
	}
	cur, err := b.db.Get(kvHeightKey(e.Height))
	if err != nil {
		return fmt.Errorf("get height index: %w", err)
	}
	if current, err := hashFromBytes(cur); err == nil && current == nativeHash {
		if err := b.db.Delete(kvHeightKey(e.Height)); err != nil {
			return fmt.Errorf("delete height index: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the database belongs to the node.
func (b *KVBackend) Close() error { return nil }

func (b *KVBackend) bumpLatest(height uint64) error {
	cur, err := b.LatestHeight(context.Background())
	if err == nil && cur >= height {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	if err := b.db.Put(kvKeyLatest, buf[:]); err != nil {
		return fmt.Errorf("put latest: %w", err)
	}
	return nil
}

func hashFromBytes(raw []byte) (types.Hash, error) {
	if len(raw) != types.HashSize {
		return types.Hash{}, fmt.Errorf("hash value is %d bytes, want %d", len(raw), types.HashSize)
	}
	var h types.Hash
	copy(h[:], raw)
	return h, nil
}

func nativeKey(hash types.Hash) []byte {
	return append(append([]byte{}, kvPrefixNative...), hash[:]...)
}

func evmKey(hash types.Hash) []byte {
	return append(append([]byte{}, kvPrefixEvm...), hash[:]...)
}

func kvHeightKey(height uint64) []byte {
	key := make([]byte, len(kvPrefixHeight)+8)
	copy(key, kvPrefixHeight)
	binary.BigEndian.PutUint64(key[len(kvPrefixHeight):], height)
	return key
}
