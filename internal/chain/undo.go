package chain

import (
	"encoding/json"
	"fmt"

	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// AccountChange records the ledger state of one account before a block
// touched it. Prev is nil when the account did not exist.
type AccountChange struct {
	Addr types.Address  `json:"addr"`
	Prev *state.Account `json:"prev,omitempty"`
}

// UndoData captures everything needed to disconnect a block from the ledger
// during a reorg.
type UndoData struct {
	Height    uint64          `json:"height"`
	BlockHash types.Hash      `json:"block_hash"`
	Accounts  []AccountChange `json:"accounts"`
	TxHashes  []types.Hash    `json:"tx_hashes"`
}

// Marshal encodes the undo data for storage.
func (u *UndoData) Marshal() ([]byte, error) {
	return json.Marshal(u)
}

// UnmarshalUndoData decodes stored undo data.
func UnmarshalUndoData(data []byte) (*UndoData, error) {
	var u UndoData
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("undo unmarshal: %w", err)
	}
	return &u, nil
}

// Apply restores every touched account to its pre-block state.
func (u *UndoData) Apply(ledger *state.Store) error {
	for _, ch := range u.Accounts {
		if ch.Prev == nil {
			if err := ledger.Delete(ch.Addr); err != nil {
				return fmt.Errorf("undo delete %s: %w", ch.Addr, err)
			}
			continue
		}
		if err := ledger.Put(ch.Addr, ch.Prev); err != nil {
			return fmt.Errorf("undo restore %s: %w", ch.Addr, err)
		}
	}
	return nil
}
