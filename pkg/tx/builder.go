package tx

import (
	"fmt"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{tx: &Transaction{}}
}

// Transfer sets recipient and value.
func (b *Builder) Transfer(to types.Address, value uint64) *Builder {
	b.tx.To = to
	b.tx.Value = value
	return b
}

// Nonce sets the sender nonce.
func (b *Builder) Nonce(n uint64) *Builder {
	b.tx.Nonce = n
	return b
}

// Gas sets the gas limit and gas price.
func (b *Builder) Gas(limit, price uint64) *Builder {
	b.tx.GasLimit = limit
	b.tx.GasPrice = price
	return b
}

// Input sets the data payload.
func (b *Builder) Input(data []byte) *Builder {
	b.tx.Input = data
	return b
}

// Sign signs the transaction and derives the sender address from the key.
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	if b.tx.GasLimit == 0 {
		b.tx.GasLimit = IntrinsicGas(b.tx.Input)
	}
	if err := b.tx.Sign(key); err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	return nil
}

// Build returns the constructed transaction.
// Does NOT validate; call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
