// Package evm maintains an Ethereum-compatible view of the chain: an
// append-only index mapping native blocks to derived EVM blocks, plus the
// log-filter pool and fee-history cache that serve the eth_* RPC namespace.
//
// The index is written by exactly one worker per node, driven by import
// notifications. Two interchangeable backends store it: an embedded
// key-value store fed synchronously, and a SQL database fed in batches
// with periodic gap backfill. Entries are derived the same way on both,
// so the stored bytes for a native block never depend on the backend.
package evm

import (
	"context"
	"errors"

	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// ErrNotIndexed means no index entry exists for the requested block. For
// recent blocks this usually means the indexer has not caught up yet.
var ErrNotIndexed = errors.New("block not indexed")

// Backend stores derived index entries. Implementations must make
// PutEntries idempotent: re-writing an entry that already exists keeps
// the stored bytes and is not an error.
type Backend interface {
	// PutEntries persists a batch of entries and points the height index
	// at them. An already-indexed native hash keeps its stored entry but
	// is marked canonical again, so a reorg back onto an abandoned block
	// restores its height mapping.
	PutEntries(ctx context.Context, entries []*Entry) error
	// ByNative returns the entry derived from the given native block.
	ByNative(ctx context.Context, nativeHash types.Hash) (*Entry, error)
	// ByEvm returns the entry whose derived EVM hash matches.
	ByEvm(ctx context.Context, evmHash types.Hash) (*Entry, error)
	// ByHeight returns the canonical entry at the given height.
	ByHeight(ctx context.Context, height uint64) (*Entry, error)
	// LatestHeight returns the highest indexed height, or ErrNotIndexed
	// when the index is empty.
	LatestHeight(ctx context.Context) (uint64, error)
	// MissingHeights returns the heights in [from, to] with no canonical
	// entry, ascending.
	MissingHeights(ctx context.Context, from, to uint64) ([]uint64, error)
	// SetCanonical marks an entry's mapping canonical or not. Demoting
	// unhooks it from the height index; the entry itself stays readable
	// by hash. Unknown hashes are a no-op.
	SetCanonical(ctx context.Context, nativeHash types.Hash, canonical bool) error
	Close() error
}

// IsTransient reports whether an indexing error is worth retrying.
// Storage and network hiccups are, including query timeouts; shutdown,
// missing data and malformed blocks are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNotIndexed) || errors.Is(err, block.ErrNilHeader) {
		return false
	}
	return true
}
