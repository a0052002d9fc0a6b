package evm

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Entry is the derived EVM view of one native block. It is a pure
// function of the block: deriving the same block twice, on any backend,
// yields the same bytes. Field order is part of the stored format.
type Entry struct {
	NativeHash    types.Hash `json:"native_hash"`
	EvmHash       types.Hash `json:"evm_hash"`
	ParentEvmHash types.Hash `json:"parent_evm_hash"`
	Height        uint64     `json:"height"`
	Time          uint64     `json:"time"`
	GasLimit      uint64     `json:"gas_limit"`
	GasUsed       uint64     `json:"gas_used"`
	BaseFee       uint64     `json:"base_fee"`
	Txs           []EntryTx  `json:"txs"`
	Logs          []EntryLog `json:"logs"`
}

// EntryTx summarizes one transaction's execution in the EVM view.
type EntryTx struct {
	Hash    types.Hash `json:"hash"`
	Status  uint8      `json:"status"`
	GasUsed uint64     `json:"gas_used"`
}

// EntryLog is a receipt log flattened into the block scope, with the
// positions an eth_getLogs response reports. Data is hex encoded.
// BlockHash is the holding block's derived hash, so log results remain
// self-describing after filter queries flatten entries together.
type EntryLog struct {
	Address   types.Address `json:"address"`
	Topics    []types.Hash  `json:"topics"`
	Data      string        `json:"data"`
	BlockHash types.Hash    `json:"block_hash"`
	Height    uint64        `json:"height"`
	TxHash    types.Hash    `json:"tx_hash"`
	TxIndex   uint32        `json:"tx_index"`
	LogIndex  uint32        `json:"log_index"`
}

// EvmHashOf derives the EVM block hash for a native block hash. Keccak
// keeps the derived hash space disjoint from the native BLAKE3 space, and
// deriving from the hash alone means an entry needs no parent entry.
func EvmHashOf(nativeHash types.Hash) types.Hash {
	return crypto.Keccak256(nativeHash[:])
}

// DeriveEntry builds the index entry for a native block.
func DeriveEntry(blk *block.Block) (*Entry, error) {
	if blk == nil || blk.Header == nil {
		return nil, block.ErrNilHeader
	}

	e := &Entry{
		NativeHash:    blk.Hash(),
		ParentEvmHash: EvmHashOf(blk.Header.ParentHash),
		Height:        blk.Header.Height,
		Time:          blk.Header.Time,
		GasLimit:      blk.Header.GasLimit,
		GasUsed:       blk.Header.GasUsed,
		BaseFee:       blk.Header.BaseFee,
	}
	e.EvmHash = EvmHashOf(e.NativeHash)

	logIndex := uint32(0)
	for i, r := range blk.Receipts {
		e.Txs = append(e.Txs, EntryTx{Hash: r.TxHash, Status: r.Status, GasUsed: r.GasUsed})
		for _, l := range r.Logs {
			e.Logs = append(e.Logs, EntryLog{
				Address:   l.Address,
				Topics:    l.Topics,
				Data:      hex.EncodeToString(l.Data),
				BlockHash: e.EvmHash,
				Height:    e.Height,
				TxHash:    r.TxHash,
				TxIndex:   uint32(i),
				LogIndex:  logIndex,
			})
			logIndex++
		}
	}
	return e, nil
}

// Marshal returns the entry's canonical bytes as stored by every backend.
func (e *Entry) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("entry marshal: %w", err)
	}
	return data, nil
}

// UnmarshalEntry decodes canonical entry bytes.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("entry unmarshal: %w", err)
	}
	return &e, nil
}
