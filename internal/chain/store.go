package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Key layout. Single-byte prefixes keep related records adjacent in the
// key space; the s/ keys are singletons holding chain metadata.
var (
	prefixBlock         = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight        = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx            = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	prefixUndo          = []byte("d/") // d/<hash(32)> -> undo data JSON
	prefixJustification = []byte("j/") // j/<height(8)> -> justification JSON
	keyTipHash          = []byte("s/tip")
	keyHeight           = []byte("s/height")
	keyFinalized        = []byte("s/final")
	keyReorgCheckpoint  = []byte("s/reorg")
)

// BlockStore is the persistence layer under Chain: blocks, the height
// and transaction indexes, undo records and finality metadata, all on
// one storage.DB.
type BlockStore struct {
	db storage.DB
}

func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// StoreBlock writes a block keyed by hash and nothing else. Side-branch
// blocks land here first; indexing happens only when a block joins the
// active chain.
func (s *BlockStore) StoreBlock(b *block.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	if err := s.db.Put(blockKey(b.Hash()), data); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	return nil
}

// CommitBlock stores a block, indexes it by height and by every tx hash,
// records its undo data and moves the tip, all in one write batch when
// the database supports batching. A crash therefore never leaves the tip
// pointing at a half-indexed block.
func (s *BlockStore) CommitBlock(b *block.Block, undo []byte) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}

	hash := b.Hash()
	height := b.Header.Height

	put := s.db.Put
	var batch storage.Batch
	if b, ok := s.db.(storage.Batcher); ok {
		batch = b.NewBatch()
		put = batch.Put
	}

	writes := [][2][]byte{
		{blockKey(hash), data},
		{heightKey(height), hash[:]},
		{undoKey(hash), undo},
		{keyTipHash, hash[:]},
		{keyHeight, binary.BigEndian.AppendUint64(nil, height)},
	}
	for _, t := range b.Transactions {
		loc := binary.BigEndian.AppendUint64(make([]byte, 0, 8+types.HashSize), height)
		writes = append(writes, [2][]byte{txKey(t.Hash()), append(loc, hash[:]...)})
	}

	for _, w := range writes {
		if err := put(w[0], w[1]); err != nil {
			return fmt.Errorf("commit write: %w", err)
		}
	}
	if batch != nil {
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}
	return nil
}

// GetBlock loads a block by hash.
func (s *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}
	var b block.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &b, nil
}

// GetHashByHeight returns the canonical block hash at the given height.
func (s *BlockStore) GetHashByHeight(height uint64) (types.Hash, error) {
	raw, err := s.db.Get(heightKey(height))
	if err != nil {
		return types.Hash{}, fmt.Errorf("read height index: %w", err)
	}
	if len(raw) != types.HashSize {
		return types.Hash{}, fmt.Errorf("height index entry is %d bytes, want %d", len(raw), types.HashSize)
	}
	return types.Hash(raw), nil
}

// GetBlockByHeight loads the canonical block at the given height.
func (s *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	hash, err := s.GetHashByHeight(height)
	if err != nil {
		return nil, err
	}
	return s.GetBlock(hash)
}

// DeleteHeightIndex removes the canonical mapping for a height.
func (s *BlockStore) DeleteHeightIndex(height uint64) error {
	return s.db.Delete(heightKey(height))
}

// HasBlock reports whether a block with this hash is stored.
func (s *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return s.db.Has(blockKey(hash))
}

// SetTip records the active chain head.
func (s *BlockStore) SetTip(hash types.Hash, height uint64) error {
	if err := s.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("tip hash: %w", err)
	}
	if err := s.db.Put(keyHeight, binary.BigEndian.AppendUint64(nil, height)); err != nil {
		return fmt.Errorf("tip height: %w", err)
	}
	return nil
}

// GetTip returns the active chain head, or zero values on a fresh
// database that has no tip yet.
func (s *BlockStore) GetTip() (types.Hash, uint64, error) {
	raw, err := s.db.Get(keyTipHash)
	if err != nil {
		return types.Hash{}, 0, nil // fresh chain
	}
	if len(raw) != types.HashSize {
		return types.Hash{}, 0, fmt.Errorf("tip hash is %d bytes", len(raw))
	}

	rawHeight, err := s.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("tip height missing: %w", err)
	}
	if len(rawHeight) != 8 {
		return types.Hash{}, 0, fmt.Errorf("tip height is %d bytes", len(rawHeight))
	}

	return types.Hash(raw), binary.BigEndian.Uint64(rawHeight), nil
}

// GetTxLocation resolves a transaction hash to the height and hash of
// the block holding it.
func (s *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := s.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("read tx index: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("tx index entry is %d bytes, want %d", len(data), 8+types.HashSize)
	}
	return binary.BigEndian.Uint64(data[:8]), types.Hash(data[8:]), nil
}

// DeleteTxIndex removes the index entry for one transaction hash.
func (s *BlockStore) DeleteTxIndex(txHash types.Hash) error {
	return s.db.Delete(txKey(txHash))
}

// PutUndo stores the data needed to roll a block back during a reorg.
func (s *BlockStore) PutUndo(hash types.Hash, data []byte) error {
	if err := s.db.Put(undoKey(hash), data); err != nil {
		return fmt.Errorf("write undo data: %w", err)
	}
	return nil
}

// GetUndo loads a block's rollback data.
func (s *BlockStore) GetUndo(hash types.Hash) ([]byte, error) {
	data, err := s.db.Get(undoKey(hash))
	if err != nil {
		return nil, fmt.Errorf("read undo data: %w", err)
	}
	return data, nil
}

// DeleteUndo removes a block's rollback data.
func (s *BlockStore) DeleteUndo(hash types.Hash) error {
	return s.db.Delete(undoKey(hash))
}

// PutJustification stores the finality proof for a height.
func (s *BlockStore) PutJustification(j *consensus.Justification) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode justification: %w", err)
	}
	if err := s.db.Put(justificationKey(j.Height), data); err != nil {
		return fmt.Errorf("write justification: %w", err)
	}
	return nil
}

// GetJustification loads the finality proof stored for a height.
func (s *BlockStore) GetJustification(height uint64) (*consensus.Justification, error) {
	data, err := s.db.Get(justificationKey(height))
	if err != nil {
		return nil, fmt.Errorf("read justification: %w", err)
	}
	var j consensus.Justification
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode justification: %w", err)
	}
	return &j, nil
}

// DeleteJustification removes the finality proof for a height.
func (s *BlockStore) DeleteJustification(height uint64) error {
	return s.db.Delete(justificationKey(height))
}

// ForEachJustification visits every stored justification height in
// unspecified order.
func (s *BlockStore) ForEachJustification(fn func(height uint64) error) error {
	return s.db.ForEach(prefixJustification, func(key, _ []byte) error {
		if len(key) != len(prefixJustification)+8 {
			return nil // skip malformed keys
		}
		return fn(binary.BigEndian.Uint64(key[len(prefixJustification):]))
	})
}

// SetFinalized persists the finalized frontier.
func (s *BlockStore) SetFinalized(f consensus.Finalized) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode finalized marker: %w", err)
	}
	return s.db.Put(keyFinalized, data)
}

// GetFinalized returns the persisted finalized frontier and true when
// one has been recorded.
func (s *BlockStore) GetFinalized() (consensus.Finalized, bool) {
	data, err := s.db.Get(keyFinalized)
	if err != nil {
		return consensus.Finalized{}, false
	}
	var f consensus.Finalized
	if err := json.Unmarshal(data, &f); err != nil {
		return consensus.Finalized{}, false
	}
	return f, true
}

// PutReorgCheckpoint marks a reorg as in progress. The marker survives a
// crash and triggers ledger recovery on the next start.
func (s *BlockStore) PutReorgCheckpoint(forkHeight uint64) error {
	return s.db.Put(keyReorgCheckpoint, binary.BigEndian.AppendUint64(nil, forkHeight))
}

// GetReorgCheckpoint returns the fork height of an interrupted reorg.
func (s *BlockStore) GetReorgCheckpoint() (uint64, bool) {
	data, err := s.db.Get(keyReorgCheckpoint)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// DeleteReorgCheckpoint clears the reorg-in-progress marker.
func (s *BlockStore) DeleteReorgCheckpoint() error {
	return s.db.Delete(keyReorgCheckpoint)
}

func blockKey(hash types.Hash) []byte { return slices.Concat(prefixBlock, hash[:]) }
func txKey(hash types.Hash) []byte    { return slices.Concat(prefixTx, hash[:]) }
func undoKey(hash types.Hash) []byte  { return slices.Concat(prefixUndo, hash[:]) }

func heightKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(slices.Clone(prefixHeight), height)
}

func justificationKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(slices.Clone(prefixJustification), height)
}
