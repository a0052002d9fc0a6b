package block

import (
	"errors"
	"fmt"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader       = errors.New("block has nil header")
	ErrBadVersion      = errors.New("unsupported block version")
	ErrZeroTime        = errors.New("block time is zero")
	ErrBadTxRoot       = errors.New("tx root mismatch")
	ErrBadReceiptsRoot = errors.New("receipts root mismatch")
	ErrReceiptCount    = errors.New("receipt count does not match transaction count")
	ErrTooManyTxs      = errors.New("too many transactions in block")
	ErrBlockTooLarge   = errors.New("block too large")
	ErrDuplicateTx     = errors.New("duplicate transaction in block")
	ErrGasOverLimit    = errors.New("gas used exceeds gas limit")
	ErrGasAccounting   = errors.New("receipt gas accounting inconsistent")
)

// Block version constants.
const (
	CurrentVersion = 1 // The current block version produced by this software.
	MaxVersion     = 1 // Bump when a fork introduces a new block version.
)

// Validate checks block structure and internal consistency.
// This does NOT verify consensus rules (use consensus.Engine for that).
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}

	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}

	if b.Header.Time == 0 {
		return ErrZeroTime
	}

	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	if len(b.Receipts) != len(b.Transactions) {
		return fmt.Errorf("%w: %d receipts, %d txs", ErrReceiptCount, len(b.Receipts), len(b.Transactions))
	}

	// Check total block size (header signing bytes + all tx signing bytes).
	blockSize := len(b.Header.SigningBytes())
	for _, t := range b.Transactions {
		blockSize += len(t.SigningBytes())
	}
	if blockSize > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, blockSize, config.MaxBlockSize)
	}

	// Verify tx root.
	if root := ComputeTxRoot(b.Transactions); b.Header.TxRoot != root {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadTxRoot, b.Header.TxRoot, root)
	}

	// Verify receipts root.
	if root := ComputeReceiptsRoot(b.Receipts); b.Header.ReceiptsRoot != root {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadReceiptsRoot, b.Header.ReceiptsRoot, root)
	}

	// No duplicate transactions.
	seen := make(map[types.Hash]int, len(b.Transactions))
	for i, t := range b.Transactions {
		h := t.Hash()
		if prev, ok := seen[h]; ok {
			return fmt.Errorf("tx %d: %w: same hash as tx %d", i, ErrDuplicateTx, prev)
		}
		seen[h] = i
	}

	// Validate each transaction structurally.
	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	// Gas accounting: cumulative gas is monotone, matches the header total,
	// and stays within the block gas limit.
	if b.Header.GasUsed > b.Header.GasLimit {
		return fmt.Errorf("%w: used %d, limit %d", ErrGasOverLimit, b.Header.GasUsed, b.Header.GasLimit)
	}
	var cumulative uint64
	for i, r := range b.Receipts {
		cumulative += r.GasUsed
		if r.CumulativeGasUsed != cumulative {
			return fmt.Errorf("receipt %d: %w: cumulative %d, want %d",
				i, ErrGasAccounting, r.CumulativeGasUsed, cumulative)
		}
		if r.TxHash != b.Transactions[i].Hash() {
			return fmt.Errorf("receipt %d: %w: tx hash mismatch", i, ErrGasAccounting)
		}
	}
	if cumulative != b.Header.GasUsed {
		return fmt.Errorf("%w: receipts total %d, header %d", ErrGasAccounting, cumulative, b.Header.GasUsed)
	}

	return nil
}
