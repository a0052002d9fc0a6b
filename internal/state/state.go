// Package state manages the account ledger.
package state

import "github.com/andrijdavid/Allfeat/pkg/types"

// Account is the on-chain state of a single address.
type Account struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// Ledger is the interface for account state storage.
type Ledger interface {
	Get(addr types.Address) (*Account, error)
	Put(addr types.Address, acct *Account) error
	Delete(addr types.Address) error
	Has(addr types.Address) (bool, error)
}
