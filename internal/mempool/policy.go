package mempool

import (
	"fmt"

	"github.com/andrijdavid/Allfeat/pkg/tx"
)

// DefaultMaxTxSize is the maximum transaction size in bytes (signing bytes).
const DefaultMaxTxSize = 100_000

// Policy defines transaction acceptance rules.
type Policy struct {
	MaxTxSize   int    // Maximum transaction size in signing bytes.
	MaxGasLimit uint64 // Per-transaction gas limit ceiling (0 = no ceiling).
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxTxSize: DefaultMaxTxSize,
	}
}

// Check validates a transaction against policy rules. This is separate
// from consensus validation; policy rules can vary per node. A transaction
// whose gas limit exceeds the block gas limit can never be included, so a
// node configured with MaxGasLimit rejects it up front.
func (p *Policy) Check(transaction *tx.Transaction) error {
	size := len(transaction.SigningBytes())
	if p.MaxTxSize > 0 && size > p.MaxTxSize {
		return fmt.Errorf("transaction too large: %d bytes, max %d", size, p.MaxTxSize)
	}
	if p.MaxGasLimit > 0 && transaction.GasLimit > p.MaxGasLimit {
		return fmt.Errorf("gas limit too high: %d, max %d", transaction.GasLimit, p.MaxGasLimit)
	}
	return nil
}
