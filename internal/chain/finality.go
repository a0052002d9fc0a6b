package chain

import (
	"errors"
	"fmt"

	"github.com/andrijdavid/Allfeat/internal/consensus"
)

// ErrFinalizeUnknown is returned when a justification targets a block the
// node has not stored yet.
var ErrFinalizeUnknown = errors.New("justified block not stored")

// Finalize commits a verified justification: the justified block becomes
// irreversible, switching branches first if it is not already canonical.
// Justifications at or below the current frontier are ignored.
//
// The caller is responsible for verifying the justification against the
// authority set; the chain only checks it against stored blocks.
func (c *Chain) Finalize(j *consensus.Justification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	final, _ := c.finalCell.Get()
	if j.Height <= final.Height {
		return nil
	}

	blk, err := c.blocks.GetBlock(j.Hash)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFinalizeUnknown, j.Hash.Short())
	}
	if blk.Header.Height != j.Height {
		return fmt.Errorf("justification height %d does not match block at %d", j.Height, blk.Header.Height)
	}

	// Finality overrides chain length: if the justified block is on a side
	// branch, switch to that branch no matter how the heights compare.
	canonical, err := c.blocks.GetHashByHeight(j.Height)
	if err != nil || canonical != j.Hash {
		if _, _, err := c.reorgTo(blk); err != nil {
			return fmt.Errorf("switch to justified branch: %w", err)
		}
	}

	if err := c.blocks.PutJustification(j); err != nil {
		return err
	}
	f := consensus.Finalized{Hash: j.Hash, Height: j.Height, Round: j.Round}
	if err := c.blocks.SetFinalized(f); err != nil {
		return err
	}
	c.finalCell.Set(f)

	c.pruneJustifications(j.Height)
	return nil
}

// pruneJustifications drops stored justifications that are neither the
// latest nor on a checkpoint boundary. Checkpoint justifications (every
// JustificationPeriod-th height) stay forever so peers can warp-sync
// finality without replaying every round.
func (c *Chain) pruneJustifications(latest uint64) {
	period := c.finality.JustificationPeriod
	if period == 0 {
		return
	}

	var stale []uint64
	_ = c.blocks.ForEachJustification(func(height uint64) error {
		if height != latest && height%period != 0 {
			stale = append(stale, height)
		}
		return nil
	})
	for _, height := range stale {
		_ = c.blocks.DeleteJustification(height)
	}
}
