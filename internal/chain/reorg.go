package chain

import (
	"errors"
	"fmt"

	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Reorg errors.
var (
	ErrReorgTooDeep   = errors.New("reorg exceeds maximum depth")
	ErrFinalizedReorg = errors.New("reorg would revert a finalized block")
)

// MaxReorgDepth caps how many blocks a reorg may disconnect. Finality keeps
// real forks far shallower; a deeper divergence means the peer is on a
// different chain.
const MaxReorgDepth = 1000

// reorgTo switches the canonical chain to the branch ending at newTip.
// The branch blocks must already be stored and header-validated. The caller
// decides when a switch is warranted: a strictly longer branch, or finality
// mandating it regardless of length. Returns the newly connected blocks in
// ascending order and the displaced ones tip first.
//
// Caller holds c.mu.
func (c *Chain) reorgTo(newTip *block.Block) ([]*block.Block, []types.Hash, error) {
	branch, err := c.collectBranch(newTip)
	if err != nil {
		return nil, nil, err
	}
	forkHeight := branch[0].Header.Height - 1

	final, _ := c.finalCell.Get()
	if forkHeight < final.Height {
		return nil, nil, fmt.Errorf("%w: fork at %d, finalized %d", ErrFinalizedReorg, forkHeight, final.Height)
	}

	// Mark the reorg in progress so a crash triggers ledger recovery.
	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return nil, nil, fmt.Errorf("write reorg checkpoint: %w", err)
	}

	oldTipHash := c.state.TipHash

	// Disconnect the old branch down to the fork point.
	var revertedTxs []*tx.Transaction
	var retracted []types.Hash
	for h := c.state.Height; h > forkHeight; h-- {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return c.recoverReorg(newTip, oldTipHash, fmt.Errorf("load block at %d: %w", h, err))
		}
		hash := blk.Hash()

		undoBytes, err := c.blocks.GetUndo(hash)
		if err != nil {
			return c.recoverReorg(newTip, oldTipHash, fmt.Errorf("undo for %s: %w", hash.Short(), err))
		}
		undo, err := UnmarshalUndoData(undoBytes)
		if err != nil {
			return c.recoverReorg(newTip, oldTipHash, err)
		}
		if err := undo.Apply(c.ledger); err != nil {
			return c.recoverReorg(newTip, oldTipHash, err)
		}

		for _, txHash := range undo.TxHashes {
			if err := c.blocks.DeleteTxIndex(txHash); err != nil {
				return nil, nil, fmt.Errorf("unindex tx %s: %w", txHash.Short(), err)
			}
		}
		if err := c.blocks.DeleteHeightIndex(h); err != nil {
			return nil, nil, fmt.Errorf("unindex height %d: %w", h, err)
		}
		if err := c.blocks.DeleteUndo(hash); err != nil {
			return nil, nil, fmt.Errorf("drop undo %s: %w", hash.Short(), err)
		}

		revertedTxs = append(revertedTxs, blk.Transactions...)
		retracted = append(retracted, hash)
	}

	c.state.Height = forkHeight
	if forkHeight == 0 {
		c.state.TipHash = c.genesisHash
	} else {
		hash, err := c.blocks.GetHashByHeight(forkHeight)
		if err != nil {
			return c.recoverReorg(newTip, oldTipHash, fmt.Errorf("fork point at %d: %w", forkHeight, err))
		}
		c.state.TipHash = hash
	}

	// Connect the new branch, executing every block.
	for _, blk := range branch {
		if err := c.connectBlock(blk); err != nil {
			// The new branch does not execute; put the old chain back.
			return c.recoverToOld(oldTipHash, blk.Hash(), err)
		}
	}

	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return nil, nil, fmt.Errorf("clear reorg checkpoint: %w", err)
	}

	c.notifyReverted(revertedTxs, branch)
	return branch, retracted, nil
}

// collectBranch walks newTip's ancestry until it meets the canonical chain,
// returning the off-chain blocks in ascending order.
func (c *Chain) collectBranch(newTip *block.Block) ([]*block.Block, error) {
	var branch []*block.Block
	blk := newTip
	for {
		if len(branch) >= MaxReorgDepth {
			return nil, fmt.Errorf("%w: %d blocks", ErrReorgTooDeep, len(branch))
		}
		branch = append(branch, blk)

		parentHash := blk.Header.ParentHash
		parent, err := c.blocks.GetBlock(parentHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrPrevNotFound, parentHash.Short())
		}
		if parent.Header.Height == 0 {
			break
		}
		if canonical, err := c.blocks.GetHashByHeight(parent.Header.Height); err == nil && canonical == parentHash {
			break
		}
		blk = parent
	}

	// Reverse into ascending order.
	for i, k := 0, len(branch)-1; i < k; i, k = i+1, k-1 {
		branch[i], branch[k] = branch[k], branch[i]
	}
	return branch, nil
}

// notifyReverted hands reverted transactions that did not reappear in the
// new branch to the reverted-tx handler.
func (c *Chain) notifyReverted(reverted []*tx.Transaction, branch []*block.Block) {
	if c.revertedTxHandler == nil || len(reverted) == 0 {
		return
	}

	inNewBranch := make(map[types.Hash]struct{})
	for _, blk := range branch {
		for _, t := range blk.Transactions {
			inNewBranch[t.Hash()] = struct{}{}
		}
	}

	var returned []*tx.Transaction
	for _, t := range reverted {
		if _, ok := inNewBranch[t.Hash()]; !ok {
			returned = append(returned, t)
		}
	}
	if len(returned) > 0 {
		c.revertedTxHandler(returned)
	}
}

// recoverReorg rebuilds the ledger and indexes along the new branch after
// the disconnect phase hit missing or corrupt data. The new branch already
// passed header validation, so the rebuild lands on newTip.
func (c *Chain) recoverReorg(newTip *block.Block, oldTipHash types.Hash, cause error) ([]*block.Block, []types.Hash, error) {
	if err := c.rebuildTo(newTip.Hash(), oldTipHash); err != nil {
		return nil, nil, fmt.Errorf("reorg recovery after %v: %w", cause, err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return nil, nil, fmt.Errorf("clear reorg checkpoint: %w", err)
	}
	branch, err := c.collectBranchBelow(newTip)
	return branch, nil, err
}

// recoverToOld restores the original chain after the new branch failed to
// execute, then reports the execution failure.
func (c *Chain) recoverToOld(oldTipHash, staleTipHash types.Hash, cause error) ([]*block.Block, []types.Hash, error) {
	if err := c.rebuildTo(oldTipHash, staleTipHash); err != nil {
		return nil, nil, fmt.Errorf("restore after failed reorg (%v): %w", cause, err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return nil, nil, fmt.Errorf("clear reorg checkpoint: %w", err)
	}
	return nil, nil, fmt.Errorf("new branch rejected during reorg: %w", cause)
}

// collectBranchBelow returns newTip and up to MaxReorgDepth of its
// ancestors in ascending order. Used after a recovery rebuild, where every
// block on the path is canonical and the usual fork-point cut does not
// apply.
func (c *Chain) collectBranchBelow(newTip *block.Block) ([]*block.Block, error) {
	var branch []*block.Block
	blk := newTip
	for blk.Header.Height > 0 && len(branch) < MaxReorgDepth {
		branch = append(branch, blk)
		parent, err := c.blocks.GetBlock(blk.Header.ParentHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrPrevNotFound, blk.Header.ParentHash.Short())
		}
		blk = parent
	}
	for i, k := 0, len(branch)-1; i < k; i, k = i+1, k-1 {
		branch[i], branch[k] = branch[k], branch[i]
	}
	return branch, nil
}

// rebuildTo rebuilds the ledger and canonical indexes so the chain ends at
// newTipHash. Indexes belonging to the stale branch (walked down from
// staleTipHash until it meets the new path) are removed first; then the
// ledger is cleared and every block from genesis to the new tip is
// re-executed. Blocks themselves are never deleted.
func (c *Chain) rebuildTo(newTipHash, staleTipHash types.Hash) error {
	newPath, err := c.pathFromGenesis(newTipHash)
	if err != nil {
		return err
	}
	onNewPath := make(map[types.Hash]struct{}, len(newPath)+1)
	onNewPath[c.genesisHash] = struct{}{}
	for _, blk := range newPath {
		onNewPath[blk.Hash()] = struct{}{}
	}

	// Drop indexes of the stale branch.
	hash := staleTipHash
	for {
		if _, shared := onNewPath[hash]; shared || hash == (types.Hash{}) {
			break
		}
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return fmt.Errorf("walk stale branch at %s: %w", hash.Short(), err)
		}
		for _, t := range blk.Transactions {
			if err := c.blocks.DeleteTxIndex(t.Hash()); err != nil {
				return fmt.Errorf("unindex stale tx: %w", err)
			}
		}
		if err := c.blocks.DeleteHeightIndex(blk.Header.Height); err != nil {
			return fmt.Errorf("unindex stale height %d: %w", blk.Header.Height, err)
		}
		if err := c.blocks.DeleteUndo(hash); err != nil {
			return fmt.Errorf("drop stale undo: %w", err)
		}
		if blk.Header.Height == 0 {
			break
		}
		hash = blk.Header.ParentHash
	}

	// Replay from scratch.
	if err := c.ledger.ClearAll(); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	if err := ApplyGenesisAlloc(c.ledger, c.gen); err != nil {
		return fmt.Errorf("replay alloc: %w", err)
	}

	c.state.TipHash = c.genesisHash
	c.state.Height = 0
	c.state.TipSlot = 0
	c.state.TipTime = c.gen.Timestamp

	if len(newPath) == 0 {
		return c.blocks.SetTip(c.genesisHash, 0)
	}
	for _, blk := range newPath {
		if err := c.connectBlock(blk); err != nil {
			return fmt.Errorf("replay block %d: %w", blk.Header.Height, err)
		}
	}
	return nil
}
