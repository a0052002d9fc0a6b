package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// AddressSize is the byte length of an Address.
const AddressSize = 20

// Address identifies an account. It is the last 20 bytes of the
// Keccak-256 digest of the account's public key, same shape as on any
// EVM chain.
type Address [AddressSize]byte

// ParseAddress parses a 40-character hex address, with or without a 0x
// prefix.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	var a Address
	if err := parseFixedHex(s, a[:]); err != nil {
		return Address{}, fmt.Errorf("address: %w", err)
	}
	return a, nil
}

// IsZero reports whether every byte of the address is zero.
func (a Address) IsZero() bool { return a == Address{} }

// Bytes returns the address as a fresh byte slice.
func (a Address) Bytes() []byte {
	return append([]byte(nil), a[:]...)
}

// String returns the 0x-prefixed hex form used everywhere user-facing.
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// Hex returns the bare hex form without the 0x prefix.
func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

// MarshalJSON renders the address in its 0x-prefixed form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a hex string. An empty string maps to the zero
// address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
