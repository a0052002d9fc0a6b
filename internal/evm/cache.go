package evm

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/andrijdavid/Allfeat/pkg/types"
)

// The config sizes caches in megabytes; the lru counts entries. These
// per-entry estimates convert one to the other.
const (
	approxEntryBytes  = 4096
	approxStatusBytes = 64
)

func cacheEntries(sizeMB, perEntry int) int {
	n := sizeMB * 1024 * 1024 / perEntry
	if n < 16 {
		n = 16
	}
	return n
}

// ReadCache wraps a Backend with read-through caches on the hash
// lookups. Entries are immutable once derived, so cached values never
// go stale; height lookups pass through uncached because a reorg can
// repoint the height index. Callers must not mutate returned entries.
type ReadCache struct {
	Backend
	byNative *lru.Cache[types.Hash, *Entry]
	byEvm    *lru.Cache[types.Hash, types.Hash]
}

// NewReadCache wraps the backend with a cache budget of sizeMB.
func NewReadCache(backend Backend, sizeMB int) *ReadCache {
	entries := cacheEntries(sizeMB, approxEntryBytes)
	byNative, _ := lru.New[types.Hash, *Entry](entries)
	byEvm, _ := lru.New[types.Hash, types.Hash](entries)
	return &ReadCache{Backend: backend, byNative: byNative, byEvm: byEvm}
}

func (c *ReadCache) ByNative(ctx context.Context, nativeHash types.Hash) (*Entry, error) {
	if e, ok := c.byNative.Get(nativeHash); ok {
		return e, nil
	}
	e, err := c.Backend.ByNative(ctx, nativeHash)
	if err != nil {
		return nil, err
	}
	c.byNative.Add(e.NativeHash, e)
	c.byEvm.Add(e.EvmHash, e.NativeHash)
	return e, nil
}

func (c *ReadCache) ByEvm(ctx context.Context, evmHash types.Hash) (*Entry, error) {
	if native, ok := c.byEvm.Get(evmHash); ok {
		return c.ByNative(ctx, native)
	}
	e, err := c.Backend.ByEvm(ctx, evmHash)
	if err != nil {
		return nil, err
	}
	c.byNative.Add(e.NativeHash, e)
	c.byEvm.Add(e.EvmHash, e.NativeHash)
	return e, nil
}

// StatusCache remembers transaction statuses for the RPC layer, keyed
// by native transaction hash. Statuses are immutable once the holding
// block is executed.
type StatusCache struct {
	cache *lru.Cache[types.Hash, uint8]
}

// NewStatusCache creates a status cache with a budget of sizeMB.
func NewStatusCache(sizeMB int) *StatusCache {
	cache, _ := lru.New[types.Hash, uint8](cacheEntries(sizeMB, approxStatusBytes))
	return &StatusCache{cache: cache}
}

// Get returns the cached status for a transaction, if present.
func (c *StatusCache) Get(txHash types.Hash) (uint8, bool) {
	return c.cache.Get(txHash)
}

// Put records a transaction's status.
func (c *StatusCache) Put(txHash types.Hash, status uint8) {
	c.cache.Add(txHash, status)
}
