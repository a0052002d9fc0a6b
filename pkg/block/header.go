package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version      uint32     `json:"version"`
	ParentHash   types.Hash `json:"parent_hash"`
	Height       uint64     `json:"height"`
	Slot         uint64     `json:"slot"`
	TxRoot       types.Hash `json:"tx_root"`
	ReceiptsRoot types.Hash `json:"receipts_root"`
	BaseFee      uint64     `json:"base_fee"`
	GasLimit     uint64     `json:"gas_limit"`
	GasUsed      uint64     `json:"gas_used"`
	Time         uint64     `json:"time"`
	AuthorSig    []byte     `json:"author_sig,omitempty"`
}

// headerJSON is the JSON representation of Header with a hex-encoded author sig.
type headerJSON struct {
	Version      uint32     `json:"version"`
	ParentHash   types.Hash `json:"parent_hash"`
	Height       uint64     `json:"height"`
	Slot         uint64     `json:"slot"`
	TxRoot       types.Hash `json:"tx_root"`
	ReceiptsRoot types.Hash `json:"receipts_root"`
	BaseFee      uint64     `json:"base_fee"`
	GasLimit     uint64     `json:"gas_limit"`
	GasUsed      uint64     `json:"gas_used"`
	Time         uint64     `json:"time"`
	AuthorSig    string     `json:"author_sig,omitempty"`
}

// MarshalJSON encodes the header with a hex-encoded author signature.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:      h.Version,
		ParentHash:   h.ParentHash,
		Height:       h.Height,
		Slot:         h.Slot,
		TxRoot:       h.TxRoot,
		ReceiptsRoot: h.ReceiptsRoot,
		BaseFee:      h.BaseFee,
		GasLimit:     h.GasLimit,
		GasUsed:      h.GasUsed,
		Time:         h.Time,
	}
	if h.AuthorSig != nil {
		j.AuthorSig = hex.EncodeToString(h.AuthorSig)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with a hex-encoded author signature.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.ParentHash = j.ParentHash
	h.Height = j.Height
	h.Slot = j.Slot
	h.TxRoot = j.TxRoot
	h.ReceiptsRoot = j.ReceiptsRoot
	h.BaseFee = j.BaseFee
	h.GasLimit = j.GasLimit
	h.GasUsed = j.GasUsed
	h.Time = j.Time
	if j.AuthorSig != "" {
		b, err := hex.DecodeString(j.AuthorSig)
		if err != nil {
			return err
		}
		h.AuthorSig = b
	}
	return nil
}

// Hash computes the block header hash.
// Excludes AuthorSig so the hash is stable for signing.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing/signing.
// Format: version(4) | parent_hash(32) | height(8) | slot(8) | tx_root(32) |
// receipts_root(32) | base_fee(8) | gas_limit(8) | gas_used(8) | time(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 148)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.ParentHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Slot)
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.ReceiptsRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.BaseFee)
	buf = binary.LittleEndian.AppendUint64(buf, h.GasLimit)
	buf = binary.LittleEndian.AppendUint64(buf, h.GasUsed)
	buf = binary.LittleEndian.AppendUint64(buf, h.Time)
	return buf
}
