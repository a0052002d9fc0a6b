// Package author implements block production for elected slot authors.
package author

import (
	"errors"
	"fmt"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/chain"
	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// ErrParentSlot means the tip already occupies the current slot, so a
// child built now could not claim a later slot. The next slot clears it.
var ErrParentSlot = errors.New("parent block occupies the current slot")

// ChainState provides read access to the chain the author builds on. The
// tip is the fork-choice parent: the best chain extending the finalized
// block. Satisfied by *chain.Chain.
type ChainState interface {
	TipHash() types.Hash
	GetBlock(hash types.Hash) (*block.Block, error)
	GasRules() config.GasRules
	Ledger() *state.Store
}

// TxSelector selects transactions for block inclusion. Satisfied by
// *mempool.Pool.
type TxSelector interface {
	SelectForBlock(limit int) []*tx.Transaction
}

// Builder assembles and seals blocks on the current tip.
type Builder struct {
	chain       ChainState
	engine      consensus.Engine
	pool        TxSelector
	maxBlockTxs int
}

// New creates a block builder. The engine must hold the authoring key.
func New(chainState ChainState, engine consensus.Engine, pool TxSelector) *Builder {
	return &Builder{
		chain:       chainState,
		engine:      engine,
		pool:        pool,
		maxBlockTxs: config.MaxBlockTxs,
	}
}

// BuildBlock assembles, executes and seals one block on the current tip.
// Pool transactions that fail to apply are skipped, never fatal: a block
// with fewer transactions beats no block in the slot. The block is NOT
// applied to the chain; the caller submits it through the import pipeline
// like any other candidate.
func (b *Builder) BuildBlock() (*block.Block, error) {
	parent, err := b.chain.GetBlock(b.chain.TipHash())
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}

	rules := b.chain.GasRules()
	header := &block.Header{
		Version:    block.CurrentVersion,
		ParentHash: parent.Hash(),
		Height:     parent.Header.Height + 1,
		BaseFee:    chain.ComputeBaseFee(parent.Header.BaseFee, parent.Header.GasUsed, rules.BlockGasLimit, rules.MinGasPrice),
		GasLimit:   rules.BlockGasLimit,
	}
	if err := b.engine.Prepare(header); err != nil {
		return nil, fmt.Errorf("prepare header: %w", err)
	}
	if header.Slot <= parent.Header.Slot {
		return nil, fmt.Errorf("%w: slot %d", ErrParentSlot, parent.Header.Slot)
	}

	// Execute candidates against the tip ledger. The executor stages its
	// writes, so a built block leaves no trace until it is imported.
	feeAddr := crypto.AddressFromPubKey(b.engine.AuthorFor(header.Slot))
	exec := chain.NewExecutor(b.chain.Ledger(), header.BaseFee, header.GasLimit, feeAddr)

	var included []*tx.Transaction
	for _, t := range b.pool.SelectForBlock(b.maxBlockTxs) {
		if _, err := exec.ApplyTx(t); err != nil {
			continue
		}
		included = append(included, t)
	}

	header.TxRoot = block.ComputeTxRoot(included)
	header.ReceiptsRoot = block.ComputeReceiptsRoot(exec.Receipts())
	header.GasUsed = exec.GasUsed()

	blk := block.NewBlock(header, included, exec.Receipts())
	if err := b.engine.Seal(blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}
	return blk, nil
}
