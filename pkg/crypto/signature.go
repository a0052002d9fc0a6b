package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Signer produces Schnorr/secp256k1 signatures. Satisfied by PrivateKey
// and by the keystore's role-bound signers.
type Signer interface {
	// Sign signs a 32-byte digest.
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the compressed 33-byte public key.
	PublicKey() []byte
}

// Verifier checks Schnorr/secp256k1 signatures.
type Verifier interface {
	// Verify reports whether signature is valid for hash under publicKey.
	Verify(hash, signature, publicKey []byte) bool
}

// PrivateKey is a secp256k1 scalar used for Schnorr signing. Holders
// should call Zero once the key is no longer needed.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey draws a fresh random private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes wraps a raw 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Sign signs a 32-byte digest. Schnorr signing is deterministic, so the
// same key and digest always yield the same signature.
func (k *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := schnorr.Sign(k.key, hash)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (k *PrivateKey) PublicKey() []byte {
	return k.key.PubKey().SerializeCompressed()
}

// Serialize returns the raw 32-byte scalar.
func (k *PrivateKey) Serialize() []byte {
	return k.key.Serialize()
}

// Zero wipes the key material in place. The key is unusable afterwards.
func (k *PrivateKey) Zero() {
	k.key.Zero()
}

// VerifySignature reports whether signature is a valid Schnorr signature
// over hash for the given compressed public key. Malformed inputs count
// as invalid rather than erroring.
func VerifySignature(hash, signature, publicKey []byte) bool {
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pub)
}

// SchnorrVerifier is the stateless Verifier used where an interface
// value is needed instead of the package function.
type SchnorrVerifier struct{}

// Verify reports whether signature is valid for hash under publicKey.
func (SchnorrVerifier) Verify(hash, signature, publicKey []byte) bool {
	return VerifySignature(hash, signature, publicKey)
}
