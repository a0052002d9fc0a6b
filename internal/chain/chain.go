// Package chain maintains the canonical block chain: genesis bootstrap,
// block import with fork choice, reorgs and the finalized frontier.
package chain

import (
	"fmt"
	"slices"
	"sync"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// RevertedTxHandler receives transactions that fell out of the chain
// during a reorg and appear nowhere in the winning branch, so a mempool
// can offer them for inclusion again.
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain ties together the block store, the account ledger and the
// consensus engine behind one mutex.
type Chain struct {
	mu     sync.Mutex // Protects all state mutations (ProcessBlock, Reorg, Finalize).
	state  *State
	blocks *BlockStore
	ledger *state.Store
	engine consensus.Engine

	gen         *config.Genesis
	gas         config.GasRules
	finality    config.FinalityRules
	genesisHash types.Hash

	finalCell *consensus.FinalizedCell

	revertedTxHandler RevertedTxHandler
}

// New creates a chain over the given storage, ledger and engine, recovering
// any persisted state. A fresh database is initialized from the genesis
// document; an existing one must match its genesis hash.
func New(db storage.DB, ledger *state.Store, engine consensus.Engine, gen *config.Genesis) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("nil storage db")
	}
	if ledger == nil {
		return nil, fmt.Errorf("nil ledger")
	}
	if engine == nil {
		return nil, fmt.Errorf("nil consensus engine")
	}
	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	blocks := NewBlockStore(db)

	tipHash, height, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}

	ch := &Chain{
		state:    &State{TipHash: tipHash, Height: height},
		blocks:   blocks,
		ledger:   ledger,
		engine:   engine,
		gen:      gen,
		gas:      gen.Protocol.Gas,
		finality: gen.Protocol.Finality,
	}

	if (tipHash == types.Hash{}) {
		if err := ch.initFromGenesis(); err != nil {
			return nil, fmt.Errorf("genesis bootstrap: %w", err)
		}
	} else {
		genBlk, err := blocks.GetBlockByHeight(0)
		if err != nil {
			return nil, fmt.Errorf("recover genesis: %w", err)
		}
		ch.genesisHash = genBlk.Hash()

		expected, err := CreateGenesisBlock(gen)
		if err != nil {
			return nil, err
		}
		if ch.genesisHash != expected.Hash() {
			return nil, fmt.Errorf("database belongs to a different chain: genesis %s, want %s",
				ch.genesisHash.Short(), expected.Hash().Short())
		}

		tipBlk, err := blocks.GetBlock(tipHash)
		if err != nil {
			return nil, fmt.Errorf("recover tip block: %w", err)
		}
		ch.state.TipSlot = tipBlk.Header.Slot
		ch.state.TipTime = tipBlk.Header.Time
	}

	final, ok := blocks.GetFinalized()
	if !ok {
		final = consensus.Finalized{Hash: ch.genesisHash, Height: 0}
	}
	ch.finalCell = consensus.NewFinalizedCell(final)

	// A leftover reorg marker means the last run died mid-switch and the
	// ledger may not match the stored blocks. Replay fixes it.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildLedger(); err != nil {
			return nil, fmt.Errorf("ledger rebuild after interrupted reorg: %w", err)
		}
		if err := blocks.DeleteReorgCheckpoint(); err != nil {
			return nil, fmt.Errorf("clear reorg checkpoint: %w", err)
		}
	}

	return ch, nil
}

// initFromGenesis writes the genesis block and allocations to an empty
// database. The genesis block bypasses consensus validation: it has no
// author signature and no transactions.
func (c *Chain) initFromGenesis() error {
	blk, err := CreateGenesisBlock(c.gen)
	if err != nil {
		return fmt.Errorf("build genesis block: %w", err)
	}

	if err := ApplyGenesisAlloc(c.ledger, c.gen); err != nil {
		return fmt.Errorf("apply alloc: %w", err)
	}

	if err := c.blocks.CommitBlock(blk, nil); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}

	c.genesisHash = blk.Hash()
	*c.state = State{
		TipHash: c.genesisHash,
		TipTime: blk.Header.Time,
	}
	return nil
}

// State snapshots the mutable chain state under the lock.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state
}

// Height is the canonical tip height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// TipHash is the canonical tip hash.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// GenesisHash returns the hash of the genesis block.
func (c *Chain) GenesisHash() types.Hash {
	return c.genesisHash
}

// Finalized returns the current finalized frontier.
func (c *Chain) Finalized() consensus.Finalized {
	f, _ := c.finalCell.Get()
	return f
}

// FinalizedCell returns the shared finality frontier cell.
func (c *Chain) FinalizedCell() *consensus.FinalizedCell {
	return c.finalCell
}

// GasRules returns the chain's gas parameters.
func (c *Chain) GasRules() config.GasRules {
	return c.gas
}

// GetBlock loads any stored block by hash, canonical or not.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight loads the block the height index points at.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// HasBlock checks whether a block is stored, canonical or not.
func (c *Chain) HasBlock(hash types.Hash) bool {
	ok, err := c.blocks.HasBlock(hash)
	return err == nil && ok
}

// GetHashByHeight returns the canonical block hash at the given height.
func (c *Chain) GetHashByHeight(height uint64) (types.Hash, error) {
	return c.blocks.GetHashByHeight(height)
}

// GetJustification returns the stored finality proof for a height, if any.
func (c *Chain) GetJustification(height uint64) (*consensus.Justification, error) {
	return c.blocks.GetJustification(height)
}

// GetTransaction looks up a confirmed transaction by hash. Returns the
// transaction, its receipt, the containing block hash and height.
func (c *Chain) GetTransaction(txHash types.Hash) (*tx.Transaction, *tx.Receipt, types.Hash, uint64, error) {
	height, blockHash, err := c.blocks.GetTxLocation(txHash)
	if err != nil {
		return nil, nil, types.Hash{}, 0, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, nil, types.Hash{}, 0, err
	}
	for i, t := range blk.Transactions {
		if t.Hash() == txHash {
			var r *tx.Receipt
			if i < len(blk.Receipts) {
				r = blk.Receipts[i]
			}
			return t, r, blockHash, height, nil
		}
	}
	return nil, nil, types.Hash{}, 0, fmt.Errorf("tx %s not in indexed block %s", txHash, blockHash.Short())
}

// GetAccount returns the ledger state for an address. Missing accounts read
// as empty.
func (c *Chain) GetAccount(addr types.Address) (*state.Account, error) {
	return c.ledger.GetOrNew(addr)
}

// Ledger exposes the underlying account store for read-mostly consumers.
func (c *Chain) Ledger() *state.Store {
	return c.ledger
}

// SetRevertedTxHandler installs the callback invoked with transactions
// a reorg threw out of the chain.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// authorAddress derives the fee recipient for a sealed header.
func (c *Chain) authorAddress(header *block.Header) types.Address {
	return crypto.AddressFromPubKey(c.engine.AuthorFor(header.Slot))
}

// RebuildLedger clears the account ledger and replays every canonical block
// from genesis to the stored tip, reconstructing balances and nonces. Used
// to recover from a crash during reorg.
func (c *Chain) RebuildLedger() error {
	tipHash, _, err := c.blocks.GetTip()
	if err != nil {
		return fmt.Errorf("load tip: %w", err)
	}
	if (tipHash == types.Hash{}) {
		tipHash = c.genesisHash
	}
	return c.rebuildTo(tipHash, tipHash)
}

// pathFromGenesis collects the blocks from height 1 up to and including
// the given tip by walking parent links, returned in ascending order.
func (c *Chain) pathFromGenesis(tipHash types.Hash) ([]*block.Block, error) {
	var path []*block.Block
	for hash := tipHash; ; {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("walk to genesis at %s: %w", hash.Short(), err)
		}
		if blk.Header.Height == 0 {
			break
		}
		path = append(path, blk)
		hash = blk.Header.ParentHash
	}
	slices.Reverse(path)
	return path, nil
}
