package keystore

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

// Reference vector from the BIP-39 suite: eleven "abandon" plus "about",
// stretched under the "TREZOR" passphrase.
const (
	vectorPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	vectorSeed   = "c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04"
)

func TestGenerateMnemonic_Shape(t *testing.T) {
	phrase, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	if n := len(strings.Fields(phrase)); n != 24 {
		t.Errorf("phrase has %d words, want 24", n)
	}
	if !ValidateMnemonic(phrase) {
		t.Error("freshly generated phrase failed validation")
	}

	again, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	if phrase == again {
		t.Error("two draws produced the same phrase")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		name   string
		phrase string
		want   bool
	}{
		{"reference phrase", vectorPhrase, true},
		{"broken checksum", strings.Replace(vectorPhrase, "about", "abandon", 1), false},
		{"illegal word count", strings.TrimSpace(strings.Repeat("abandon ", 13)), false},
		{"words off the list", "not valid words here at all not valid words here at all", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMnemonic(tt.phrase); got != tt.want {
				t.Errorf("ValidateMnemonic(%q) = %v, want %v", tt.phrase, got, tt.want)
			}
		})
	}
}

func TestSeedFromMnemonic_MatchesReferenceVector(t *testing.T) {
	seed, err := SeedFromMnemonic(vectorPhrase, "TREZOR")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	if len(seed) != SeedSize {
		t.Fatalf("seed length = %d, want %d", len(seed), SeedSize)
	}
	want, _ := hex.DecodeString(vectorSeed)
	if !bytes.Equal(seed, want) {
		t.Errorf("seed = %x, want %x", seed, want)
	}
}

func TestSeedFromMnemonic_PassphraseSeparatesSeeds(t *testing.T) {
	plain, err := SeedFromMnemonic(vectorPhrase, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	guarded, err := SeedFromMnemonic(vectorPhrase, "my passphrase")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	if bytes.Equal(plain, guarded) {
		t.Error("passphrase did not change the derived seed")
	}
}

func TestSeedFromMnemonic_RejectsBadPhrase(t *testing.T) {
	if _, err := SeedFromMnemonic("not valid words here", ""); err == nil {
		t.Error("invalid phrase should not derive a seed")
	}
}
