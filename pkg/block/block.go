// Package block defines block types and validation.
package block

import (
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Block represents a block in the chain. Receipts are produced when the
// block is built and committed alongside it; ReceiptsRoot binds them.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
	Receipts     []*tx.Receipt     `json:"receipts"`
}

// NewBlock creates a new block with the given header, transactions, and receipts.
func NewBlock(header *Header, txs []*tx.Transaction, receipts []*tx.Receipt) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
		Receipts:     receipts,
	}
}

// Hash returns the block's header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}
