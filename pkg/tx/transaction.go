// Package tx defines account-model transactions, receipts, and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Transaction represents an account-model transaction.
type Transaction struct {
	Nonce     uint64        `json:"nonce"`
	From      types.Address `json:"from"`
	To        types.Address `json:"to"`
	Value     uint64        `json:"value"`
	GasLimit  uint64        `json:"gas_limit"`
	GasPrice  uint64        `json:"gas_price"`
	Input     []byte        `json:"input"`
	Signature []byte        `json:"signature"`
	PubKey    []byte        `json:"pubkey"`
}

// txJSON is the JSON representation with hex-encoded byte fields.
type txJSON struct {
	Nonce     uint64        `json:"nonce"`
	From      types.Address `json:"from"`
	To        types.Address `json:"to"`
	Value     uint64        `json:"value"`
	GasLimit  uint64        `json:"gas_limit"`
	GasPrice  uint64        `json:"gas_price"`
	Input     *string       `json:"input"`
	Signature *string       `json:"signature"`
	PubKey    *string       `json:"pubkey"`
}

// MarshalJSON encodes the transaction with hex-encoded input, signature and pubkey.
func (tx Transaction) MarshalJSON() ([]byte, error) {
	j := txJSON{
		Nonce:    tx.Nonce,
		From:     tx.From,
		To:       tx.To,
		Value:    tx.Value,
		GasLimit: tx.GasLimit,
		GasPrice: tx.GasPrice,
	}
	if tx.Input != nil {
		s := hex.EncodeToString(tx.Input)
		j.Input = &s
	}
	if tx.Signature != nil {
		s := hex.EncodeToString(tx.Signature)
		j.Signature = &s
	}
	if tx.PubKey != nil {
		p := hex.EncodeToString(tx.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a transaction with hex-encoded byte fields.
func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	tx.Nonce = j.Nonce
	tx.From = j.From
	tx.To = j.To
	tx.Value = j.Value
	tx.GasLimit = j.GasLimit
	tx.GasPrice = j.GasPrice
	if j.Input != nil {
		b, err := hex.DecodeString(*j.Input)
		if err != nil {
			return err
		}
		tx.Input = b
	}
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		tx.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		tx.PubKey = b
	}
	return nil
}

// Hash computes the transaction ID (BLAKE3 hash of the canonical signing data).
// This excludes the signature to avoid circular dependency.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: nonce(8) | from(20) | to(20) | value(8) | gas_limit(8) | gas_price(8) | input_len(4) | input
func (tx *Transaction) SigningBytes() []byte {
	buf := make([]byte, 0, 8+2*types.AddressSize+8+8+8+4+len(tx.Input))

	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	buf = append(buf, tx.From[:]...)
	buf = append(buf, tx.To[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Value)
	buf = binary.LittleEndian.AppendUint64(buf, tx.GasLimit)
	buf = binary.LittleEndian.AppendUint64(buf, tx.GasPrice)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Input)))
	buf = append(buf, tx.Input...)

	return buf
}

// Sign signs the transaction with the given key and fills in Signature,
// PubKey, and From (derived from the key).
func (tx *Transaction) Sign(key *crypto.PrivateKey) error {
	tx.From = crypto.AddressFromPubKey(key.PublicKey())
	hash := tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return err
	}
	tx.Signature = sig
	tx.PubKey = key.PublicKey()
	return nil
}

// VerifySignature checks that the embedded signature matches the signing
// bytes and that the pubkey hashes to the From address.
func (tx *Transaction) VerifySignature() bool {
	if len(tx.Signature) == 0 || len(tx.PubKey) == 0 {
		return false
	}
	if crypto.AddressFromPubKey(tx.PubKey) != tx.From {
		return false
	}
	hash := tx.Hash()
	return crypto.VerifySignature(hash[:], tx.Signature, tx.PubKey)
}
