package consensus

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/andrijdavid/Allfeat/config"
)

// ErrNoAuthorities is returned when an authority set would be empty.
var ErrNoAuthorities = errors.New("no authorities configured")

// Authority is a single entry in the authority set.
type Authority struct {
	PubKey []byte // 33-byte compressed secp256k1 public key
	Weight uint64 // Finality voting weight
}

// AuthoritySet holds the ordered set of authorities. The order is
// consensus-critical: slot election indexes into it.
type AuthoritySet struct {
	mu          sync.RWMutex
	authorities []Authority
	totalWeight uint64
}

// NewAuthoritySet builds an authority set from genesis entries.
func NewAuthoritySet(entries []config.Authority) (*AuthoritySet, error) {
	if len(entries) == 0 {
		return nil, ErrNoAuthorities
	}

	set := &AuthoritySet{authorities: make([]Authority, 0, len(entries))}
	for i, e := range entries {
		pub, err := hex.DecodeString(e.PubKey)
		if err != nil || len(pub) != 33 {
			return nil, fmt.Errorf("authority %d: invalid pubkey %q", i, e.PubKey)
		}
		set.authorities = append(set.authorities, Authority{PubKey: pub, Weight: e.Weight})
		set.totalWeight += e.Weight
	}
	return set, nil
}

// Len returns the number of authorities.
func (s *AuthoritySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.authorities)
}

// AtIndex returns the authority public key at the given index.
func (s *AuthoritySet) AtIndex(i int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.authorities) {
		return nil
	}
	return s.authorities[i].PubKey
}

// Contains checks if the given public key is in the authority set.
func (s *AuthoritySet) Contains(pubKey []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexOf(pubKey) >= 0
}

// IndexOf returns the index of the given public key, or -1 if absent.
func (s *AuthoritySet) IndexOf(pubKey []byte) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexOf(pubKey)
}

func (s *AuthoritySet) indexOf(pubKey []byte) int {
	for i, a := range s.authorities {
		if bytes.Equal(a.PubKey, pubKey) {
			return i
		}
	}
	return -1
}

// WeightOf returns the voting weight of the given public key (0 if absent).
func (s *AuthoritySet) WeightOf(pubKey []byte) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(pubKey); i >= 0 {
		return s.authorities[i].Weight
	}
	return 0
}

// TotalWeight returns the sum of all authority weights.
func (s *AuthoritySet) TotalWeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalWeight
}

// List returns a copy of the authority entries in consensus order.
func (s *AuthoritySet) List() []Authority {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Authority, len(s.authorities))
	for i, a := range s.authorities {
		pk := make([]byte, len(a.PubKey))
		copy(pk, a.PubKey)
		out[i] = Authority{PubKey: pk, Weight: a.Weight}
	}
	return out
}

// SupermajorityWeight returns the minimum vote weight needed to finalize:
// strictly more than two thirds of the total.
func (s *AuthoritySet) SupermajorityWeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return 2*s.totalWeight/3 + 1
}
