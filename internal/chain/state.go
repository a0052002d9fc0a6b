package chain

import "github.com/andrijdavid/Allfeat/pkg/types"

// State is the chain's view of its canonical tip.
type State struct {
	Height  uint64     `json:"height"`
	TipHash types.Hash `json:"tip_hash"`
	TipSlot uint64     `json:"tip_slot"`
	TipTime uint64     `json:"tip_time"`
}

// IsGenesis returns true if the chain is at the genesis block.
func (s State) IsGenesis() bool {
	return s.Height == 0
}
