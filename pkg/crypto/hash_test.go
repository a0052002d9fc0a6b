package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Vectors cross-checked against the reference BLAKE3 implementation.
func TestHash_Vectors(t *testing.T) {
	for input, want := range map[string]string{
		"":      "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		"hello": "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f",
	} {
		h := Hash([]byte(input))
		if got := hex.EncodeToString(h[:]); got != want {
			t.Errorf("Hash(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestHash_Distinct(t *testing.T) {
	if Hash([]byte("input A")) == Hash([]byte("input B")) {
		t.Error("distinct inputs hashed to the same digest")
	}
	data := []byte("same input twice")
	if Hash(data) != Hash(data) {
		t.Error("repeated hashing of one input disagreed")
	}
}

// Keccak-256 vectors from the Ethereum ecosystem (note: not SHA3-256).
func TestKeccak256_Vectors(t *testing.T) {
	for input, want := range map[string]string{
		"":      "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		"hello": "1c8aff950685c2ed4bc3174f3472287b56d9517b9c948127319a09a7a36deac8",
	} {
		h := Keccak256([]byte(input))
		if got := hex.EncodeToString(h[:]); got != want {
			t.Errorf("Keccak256(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestKeccak256_NotBlake3(t *testing.T) {
	data := []byte("test data")
	if Hash(data) == Keccak256(data) {
		t.Error("the two hash algorithms agree on one input, which cannot happen")
	}
}

func TestAddressFromPubKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub := key.PublicKey()

	addr := AddressFromPubKey(pub)
	if addr == (types.Address{}) {
		t.Error("zero address from a real key")
	}

	// An address is the key hash cut to 20 bytes.
	h := Hash(pub)
	if !bytes.Equal(addr[:], h[:types.AddressSize]) {
		t.Errorf("AddressFromPubKey = %x, want %x", addr, h[:types.AddressSize])
	}

	if again := AddressFromPubKey(pub); addr != again {
		t.Error("address derivation is not stable")
	}
}

func TestAddressFromPubKey_DifferentKeys(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	k2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if AddressFromPubKey(k1.PublicKey()) == AddressFromPubKey(k2.PublicKey()) {
		t.Error("two fresh keys derived the same address")
	}
}

func TestHashConcat(t *testing.T) {
	a := Hash([]byte("left"))
	b := Hash([]byte("right"))

	got := HashConcat(a, b)
	if got == (types.Hash{}) {
		t.Error("zero digest")
	}
	if got == HashConcat(b, a) {
		t.Error("operand order did not affect the digest")
	}
	if got != HashConcat(a, b) {
		t.Error("repeated concat-hash disagreed")
	}

	// Must equal hashing the raw 64-byte concatenation.
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	if want := Hash(buf[:]); got != want {
		t.Errorf("HashConcat = %x, want %x", got, want)
	}
}
