// Package types holds the primitive value types shared across the
// Allfeat node: hashes and account addresses, with their hex and JSON
// encodings. Everything here is a plain value, so layers from storage
// to RPC can pass them around without import cycles.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashSize is the byte length of a Hash.
const HashSize = 32

// Hash is a 32-byte digest. Block hashes, transaction hashes, state
// roots, and epoch seeds all share this type.
type Hash [HashSize]byte

// HexToHash parses a 64-character hex string, with or without a 0x
// prefix, into a Hash.
func HexToHash(s string) (Hash, error) {
	var h Hash
	if err := parseFixedHex(s, h[:]); err != nil {
		return Hash{}, fmt.Errorf("hash: %w", err)
	}
	return h, nil
}

// IsZero reports whether every byte of the hash is zero.
func (h Hash) IsZero() bool { return h == Hash{} }

// Bytes returns the hash as a fresh byte slice.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h[:]...)
}

// String returns the full lowercase hex form.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first eight bytes of hex plus an ellipsis. Log
// lines use this so a human can still match hashes by eye.
func (h Hash) Short() string { return hex.EncodeToString(h[:8]) + "..." }

// MarshalJSON renders the hash as its hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON accepts a hex string. An empty string maps to the zero
// hash, matching what genesis files omit.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	var parsed Hash
	if err := parseFixedHex(s, parsed[:]); err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	*h = parsed
	return nil
}

// parseFixedHex decodes s into dst and requires exactly len(dst) bytes.
// A leading 0x or 0X is tolerated.
func parseFixedHex(s string, dst []byte) error {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	if len(decoded) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d", len(dst), len(decoded))
	}
	copy(dst, decoded)
	return nil
}
