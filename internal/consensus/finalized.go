package consensus

import (
	"sync"

	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Finalized identifies the most recently finalized block.
type Finalized struct {
	Hash   types.Hash `json:"hash"`
	Height uint64     `json:"height"`
	Round  uint64     `json:"round"`
}

// FinalizedCell holds the finality frontier shared between the voting gadget,
// the chain and the import pipeline. The frontier only ever advances: Set
// rejects updates at or below the current height, so readers can treat the
// value as monotonic. The version counter increments on every accepted
// update, letting pollers detect movement without comparing hashes.
type FinalizedCell struct {
	mu      sync.RWMutex
	val     Finalized
	version uint64
}

// NewFinalizedCell returns a cell seeded with the given frontier. Use the
// zero Finalized value for a chain with no finalized block beyond genesis.
func NewFinalizedCell(initial Finalized) *FinalizedCell {
	return &FinalizedCell{val: initial}
}

// Get returns the current frontier and its version.
func (c *FinalizedCell) Get() (Finalized, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val, c.version
}

// Set advances the frontier. Updates that do not strictly increase the
// finalized height are ignored and return false.
func (c *FinalizedCell) Set(f Finalized) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Height <= c.val.Height {
		return false
	}
	c.val = f
	c.version++
	return true
}
