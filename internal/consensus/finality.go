package consensus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Finality errors.
var (
	ErrNotVoter          = errors.New("voter is not an authority")
	ErrBadVoteSig        = errors.New("invalid vote signature")
	ErrStaleRound        = errors.New("vote for a concluded round")
	ErrEquivocation      = errors.New("voter already voted for a different block this round")
	ErrWeakJustification = errors.New("justification does not reach supermajority weight")
)

// Vote is a single authority's finality vote: "block Hash at Height should
// become irreversible in round Round".
type Vote struct {
	Round     uint64     `json:"round"`
	Hash      types.Hash `json:"hash"`
	Height    uint64     `json:"height"`
	Voter     []byte     `json:"voter"`     // Compressed public key.
	Signature []byte     `json:"signature"` // Schnorr over SigningHash.
}

// SigningBytes returns the canonical byte encoding that is signed.
// Format: round(8) | hash(32) | height(8) (little-endian)
func (v *Vote) SigningBytes() []byte {
	buf := make([]byte, 0, 8+types.HashSize+8)
	buf = binary.LittleEndian.AppendUint64(buf, v.Round)
	buf = append(buf, v.Hash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, v.Height)
	return buf
}

// SigningHash returns the BLAKE3 hash of the signing bytes.
func (v *Vote) SigningHash() types.Hash {
	return crypto.Hash(v.SigningBytes())
}

// Sign fills Voter and Signature using the given key.
func (v *Vote) Sign(key *crypto.PrivateKey) error {
	v.Voter = key.PublicKey()
	hash := v.SigningHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign vote: %w", err)
	}
	v.Signature = sig
	return nil
}

// Verify checks the vote signature against the embedded voter key.
func (v *Vote) Verify() bool {
	if len(v.Signature) == 0 || len(v.Voter) == 0 {
		return false
	}
	hash := v.SigningHash()
	return crypto.VerifySignature(hash[:], v.Signature, v.Voter)
}

// Justification proves that a supermajority of authority weight voted to
// finalize a block. It travels with block announcements and sync responses
// so that nodes can verify finality without having observed the round.
type Justification struct {
	Round  uint64     `json:"round"`
	Hash   types.Hash `json:"hash"`
	Height uint64     `json:"height"`
	Votes  []Vote     `json:"votes"`
}

// Verify checks that the justification finalizes its block: every vote must
// match the target, come from a distinct authority, carry a valid signature,
// and the combined weight must reach the supermajority threshold.
func (j *Justification) Verify(authorities *AuthoritySet) error {
	if len(j.Votes) == 0 {
		return ErrWeakJustification
	}

	seen := make(map[string]struct{}, len(j.Votes))
	var weight uint64
	for i := range j.Votes {
		v := &j.Votes[i]
		if v.Round != j.Round || v.Hash != j.Hash || v.Height != j.Height {
			return fmt.Errorf("vote %d targets a different block or round", i)
		}
		if !authorities.Contains(v.Voter) {
			return fmt.Errorf("vote %d: %w", i, ErrNotVoter)
		}
		key := string(v.Voter)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("vote %d: duplicate voter", i)
		}
		seen[key] = struct{}{}
		if !v.Verify() {
			return fmt.Errorf("vote %d: %w", i, ErrBadVoteSig)
		}
		weight += authorities.WeightOf(v.Voter)
	}

	if threshold := authorities.SupermajorityWeight(); weight < threshold {
		return fmt.Errorf("%w: weight %d, need %d", ErrWeakJustification, weight, threshold)
	}
	return nil
}

// sortVotes orders votes by authority index for a deterministic encoding.
func sortVotes(votes []Vote, authorities *AuthoritySet) {
	sort.SliceStable(votes, func(i, k int) bool {
		return authorities.IndexOf(votes[i].Voter) < authorities.IndexOf(votes[k].Voter)
	})
}
