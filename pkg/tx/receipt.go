package tx

import (
	"encoding/hex"
	"encoding/json"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Receipt statuses.
const (
	StatusFailed  uint8 = 0
	StatusSuccess uint8 = 1
)

// Log is an event emitted during transaction execution.
type Log struct {
	Address types.Address `json:"address"`
	Topics  []types.Hash  `json:"topics"`
	Data    []byte        `json:"data"`
}

type logJSON struct {
	Address types.Address `json:"address"`
	Topics  []types.Hash  `json:"topics"`
	Data    *string       `json:"data"`
}

// MarshalJSON encodes the log with hex-encoded data.
func (l Log) MarshalJSON() ([]byte, error) {
	j := logJSON{Address: l.Address, Topics: l.Topics}
	if l.Data != nil {
		s := hex.EncodeToString(l.Data)
		j.Data = &s
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a log with hex-encoded data.
func (l *Log) UnmarshalJSON(data []byte) error {
	var j logJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	l.Address = j.Address
	l.Topics = j.Topics
	if j.Data != nil {
		b, err := hex.DecodeString(*j.Data)
		if err != nil {
			return err
		}
		l.Data = b
	}
	return nil
}

// Receipt records the outcome of executing one transaction.
type Receipt struct {
	TxHash            types.Hash `json:"tx_hash"`
	Status            uint8      `json:"status"`
	GasUsed           uint64     `json:"gas_used"`
	CumulativeGasUsed uint64     `json:"cumulative_gas_used"`
	Logs              []Log      `json:"logs"`
}

// Hash computes the receipt's BLAKE3 hash over its canonical JSON bytes.
// Used as a merkle leaf for the header's receipts root.
func (r *Receipt) Hash() types.Hash {
	data, err := json.Marshal(r)
	if err != nil {
		// Receipt fields are all marshalable; this cannot fail.
		return types.Hash{}
	}
	return crypto.Hash(data)
}
