package state

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Commitment computes a merkle root over all accounts in the store.
// Each account is hashed deterministically, the hashes are sorted, and
// a merkle tree is built from them. Returns a zero hash for an empty set.
// Used to compare ledgers across nodes without shipping the full state.
func Commitment(store *Store) (types.Hash, error) {
	var hashes []types.Hash

	err := store.ForEach(func(addr types.Address, acct *Account) error {
		hashes = append(hashes, hashAccount(addr, acct))
		return nil
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("state commitment: %w", err)
	}

	if len(hashes) == 0 {
		return types.Hash{}, nil
	}

	// Sort for deterministic ordering (map iteration order varies).
	sort.Slice(hashes, func(i, j int) bool {
		return hashLess(hashes[i], hashes[j])
	})

	return block.ComputeMerkleRoot(hashes), nil
}

// hashAccount produces a deterministic BLAKE3 hash of an account entry.
// Format: address(20) | balance(8) | nonce(8)
func hashAccount(addr types.Address, acct *Account) types.Hash {
	var buf []byte
	buf = append(buf, addr[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, acct.Balance)
	buf = binary.LittleEndian.AppendUint64(buf, acct.Nonce)
	return crypto.Hash(buf)
}

func hashLess(a, b types.Hash) bool {
	for i := 0; i < types.HashSize; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
