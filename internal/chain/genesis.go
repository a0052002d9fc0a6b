package chain

import (
	"fmt"
	"sort"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// CreateGenesisBlock builds the genesis block from the genesis document.
// The genesis block has height 0, slot 0, a zero ParentHash, no transactions
// and no author signature; allocations are written straight into the ledger
// rather than carried as transactions. Its TxRoot is the hash of the whole
// genesis document, which binds the chain identity (chain id, allocations,
// authorities, protocol rules) into the genesis block hash.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}
	id, err := gen.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash genesis document: %w", err)
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		ParentHash: types.Hash{}, // Zero for genesis.
		Height:     0,
		Slot:       0,
		TxRoot:     id,
		BaseFee:    gen.Protocol.Gas.InitialBaseFee,
		GasLimit:   gen.Protocol.Gas.BlockGasLimit,
		Time:       gen.Timestamp,
	}

	return block.NewBlock(header, nil, nil), nil
}

// ApplyGenesisAlloc credits the genesis allocations to the ledger. This is
// the only point where issuance is created; every later block moves value
// without changing the total.
func ApplyGenesisAlloc(ledger *state.Store, gen *config.Genesis) error {
	// Sort addresses for deterministic ordering.
	addrs := make([]string, 0, len(gen.Alloc))
	for addr := range gen.Alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addrStr := range addrs {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		if err := ledger.Put(addr, &state.Account{Balance: gen.Alloc[addrStr]}); err != nil {
			return fmt.Errorf("alloc %s: %w", addrStr, err)
		}
	}
	return nil
}
