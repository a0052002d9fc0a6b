package chain

import (
	"errors"
	"fmt"

	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Processing errors.
var (
	ErrBlockKnown         = errors.New("block already known")
	ErrPrevNotFound       = errors.New("parent block not found")
	ErrBadHeight          = errors.New("block height does not follow parent")
	ErrSlotNotAfterParent = errors.New("block slot not after parent slot")
	ErrBadGasLimit        = errors.New("block gas limit does not match protocol")
	ErrBadBaseFee         = errors.New("block base fee does not match schedule")
	ErrBelowFinalized     = errors.New("block conflicts with finalized chain")
	ErrReceiptMismatch    = errors.New("execution does not match header receipts")
)

// ProcessResult describes what a processed block did to the canonical chain.
type ProcessResult struct {
	// Connected lists blocks that became canonical, in ascending height
	// order. Empty for side-chain blocks.
	Connected []*block.Block
	// Retracted lists blocks displaced from the canonical chain by a
	// reorg, tip first. Empty otherwise.
	Retracted []types.Hash
	// Reorged is true when connecting required switching branches.
	Reorged bool
	// SideChain is true when the block was stored off the canonical chain.
	SideChain bool
}

// ProcessBlock validates a block against consensus and protocol rules and
// connects it to the chain. Blocks extending the tip are executed and become
// the new tip; blocks on side branches are stored and may trigger a reorg if
// their branch is longer than the canonical one.
//
// The caller sees exactly one of: an error (block rejected or unusable), a
// result with Connected blocks (canonical chain advanced) or a result with
// SideChain set (stored, chain unchanged).
func (c *Chain) ProcessBlock(blk *block.Block) (*ProcessResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := blk.Hash()
	if known, err := c.blocks.HasBlock(hash); err != nil {
		return nil, fmt.Errorf("lookup %s: %w", hash.Short(), err)
	} else if known {
		return nil, ErrBlockKnown
	}

	if blk.Header.Height == 0 {
		return nil, fmt.Errorf("%w: only the genesis block has height 0", ErrBadHeight)
	}

	// A block at or below the finalized height can never become canonical.
	final, _ := c.finalCell.Get()
	if blk.Header.Height <= final.Height {
		return nil, fmt.Errorf("%w: height %d, finalized %d", ErrBelowFinalized, blk.Header.Height, final.Height)
	}

	parent, err := c.blocks.GetBlock(blk.Header.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPrevNotFound, blk.Header.ParentHash.Short())
	}

	if blk.Header.Height != parent.Header.Height+1 {
		return nil, fmt.Errorf("%w: height %d on parent %d", ErrBadHeight, blk.Header.Height, parent.Header.Height)
	}
	if blk.Header.Slot <= parent.Header.Slot {
		return nil, fmt.Errorf("%w: slot %d, parent slot %d", ErrSlotNotAfterParent, blk.Header.Slot, parent.Header.Slot)
	}

	if err := c.engine.VerifyHeader(blk.Header); err != nil {
		return nil, fmt.Errorf("consensus: %w", err)
	}
	if err := c.verifyGas(blk.Header, parent.Header); err != nil {
		return nil, err
	}
	if err := blk.Validate(); err != nil {
		return nil, fmt.Errorf("block validation: %w", err)
	}

	if blk.Header.ParentHash != c.state.TipHash {
		// Side branch. Store the block; switch to its branch only if it
		// is strictly longer than the canonical chain.
		if err := c.blocks.StoreBlock(blk); err != nil {
			return nil, fmt.Errorf("store side block: %w", err)
		}
		if blk.Header.Height > c.state.Height {
			connected, retracted, err := c.reorgTo(blk)
			if err != nil {
				return nil, err
			}
			return &ProcessResult{Connected: connected, Retracted: retracted, Reorged: true}, nil
		}
		return &ProcessResult{SideChain: true}, nil
	}

	if err := c.connectBlock(blk); err != nil {
		return nil, err
	}
	return &ProcessResult{Connected: []*block.Block{blk}}, nil
}

// verifyGas checks the protocol gas limit and the base fee schedule.
func (c *Chain) verifyGas(h, parent *block.Header) error {
	if h.GasLimit != c.gas.BlockGasLimit {
		return fmt.Errorf("%w: %d, want %d", ErrBadGasLimit, h.GasLimit, c.gas.BlockGasLimit)
	}
	want := ComputeBaseFee(parent.BaseFee, parent.GasUsed, c.gas.BlockGasLimit, c.gas.MinGasPrice)
	if h.BaseFee != want {
		return fmt.Errorf("%w: %d, want %d", ErrBadBaseFee, h.BaseFee, want)
	}
	return nil
}

// connectBlock executes a block on top of the current ledger and commits it
// as the new tip. The caller holds c.mu and has already validated headers.
func (c *Chain) connectBlock(blk *block.Block) error {
	exec, err := ExecuteBlock(c.ledger, blk, c.authorAddress(blk.Header))
	if err != nil {
		return fmt.Errorf("execute block %d: %w", blk.Header.Height, err)
	}

	if exec.GasUsed() != blk.Header.GasUsed {
		return fmt.Errorf("%w: gas used %d, header %d", ErrReceiptMismatch, exec.GasUsed(), blk.Header.GasUsed)
	}
	if root := block.ComputeReceiptsRoot(exec.Receipts()); root != blk.Header.ReceiptsRoot {
		return fmt.Errorf("%w: receipts root %s, header %s", ErrReceiptMismatch, root.Short(), blk.Header.ReceiptsRoot.Short())
	}

	undo, err := exec.Undo(blk.Header.Height, blk.Hash(), blk.Transactions).Marshal()
	if err != nil {
		return fmt.Errorf("marshal undo: %w", err)
	}

	if err := exec.Commit(); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	if err := c.blocks.CommitBlock(blk, undo); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}

	c.state.TipHash = blk.Hash()
	c.state.Height = blk.Header.Height
	c.state.TipSlot = blk.Header.Slot
	c.state.TipTime = blk.Header.Time
	return nil
}
