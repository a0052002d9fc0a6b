package keystore

import (
	"fmt"

	"github.com/tyler-smith/go-bip32"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
)

// Role keys sit at m/44'/4400'/role'/0/0. The coin type reuses the EVM
// chain id until a SLIP-44 number is registered.
const (
	PurposeBIP44    = bip32.FirstHardenedChild + 44
	CoinTypeAllfeat = bip32.FirstHardenedChild + 4400
)

// HDKey wraps a BIP-32 extended key.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey builds the derivation root from a 64-byte seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// DeriveChild steps one level down from this key. Indices at or above
// bip32.FirstHardenedChild derive hardened.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath walks the given indices in order.
func (k *HDKey) DerivePath(indices ...uint32) (*HDKey, error) {
	node := k
	for _, index := range indices {
		next, err := node.DeriveChild(index)
		if err != nil {
			return nil, err
		}
		node = next
	}
	return node, nil
}

// Signer converts this node into a Schnorr signing key.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	// bip32 pads private keys to 33 bytes with a leading zero.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.PrivateKeyFromBytes(raw)
}
