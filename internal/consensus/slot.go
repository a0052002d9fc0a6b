package consensus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Slot engine errors.
var (
	ErrNotAuthority = errors.New("signer is not an authority")
	ErrMissingSig   = errors.New("block missing author signature")
	ErrInvalidSig   = errors.New("invalid author signature")
	ErrWrongAuthor  = errors.New("block not signed by the slot's elected author")
	ErrSlotInFuture = errors.New("block slot is in the future")
	ErrSlotMismatch = errors.New("block time does not fall in the stated slot")
)

// MaxSlotDrift is how many slots ahead of the local wall clock an incoming
// header may claim, to tolerate clock skew between nodes.
const MaxSlotDrift = 1

// SlotEngine implements slot-based proof-of-authority: wall-clock time is
// divided into fixed slots and each slot has exactly one elected author,
// chosen pseudo-randomly from the authority set.
//
// Only the elected author for a slot may sign its block. A block signed by
// any other authority is rejected even though the signature itself verifies,
// so two authorities can never both produce an accepted block in one slot.
type SlotEngine struct {
	mu     sync.RWMutex
	signer *crypto.PrivateKey // nil if this node does not author

	authorities *AuthoritySet
	epochSeed   types.Hash
	slotSeconds uint64

	now func() time.Time // Overridable for tests.
}

// NewSlotEngine creates a slot engine for the given authority set.
func NewSlotEngine(authorities *AuthoritySet, epochSeed types.Hash, slotDuration time.Duration) (*SlotEngine, error) {
	if authorities == nil || authorities.Len() == 0 {
		return nil, ErrNoAuthorities
	}
	if slotDuration < time.Second {
		return nil, fmt.Errorf("slot duration %v below one second", slotDuration)
	}
	return &SlotEngine{
		authorities: authorities,
		epochSeed:   epochSeed,
		slotSeconds: uint64(slotDuration / time.Second),
		now:         time.Now,
	}, nil
}

// SetSigner sets the local authority key for block sealing.
func (e *SlotEngine) SetSigner(key *crypto.PrivateKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.authorities.Contains(key.PublicKey()) {
		return ErrNotAuthority
	}
	e.signer = key
	return nil
}

// Signer returns the current signer key, or nil if not set.
func (e *SlotEngine) Signer() *crypto.PrivateKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signer
}

// Authorities returns the engine's authority set.
func (e *SlotEngine) Authorities() *AuthoritySet {
	return e.authorities
}

// SlotDuration returns the wall-clock length of one slot.
func (e *SlotEngine) SlotDuration() time.Duration {
	return time.Duration(e.slotSeconds) * time.Second
}

// CurrentSlot returns the slot number for the local wall clock.
func (e *SlotEngine) CurrentSlot() uint64 {
	return uint64(e.now().Unix()) / e.slotSeconds
}

// SlotOf returns the slot that contains the given unix timestamp.
func (e *SlotEngine) SlotOf(unixTime uint64) uint64 {
	return unixTime / e.slotSeconds
}

// SlotStart returns the wall-clock start of the given slot.
func (e *SlotEngine) SlotStart(slot uint64) time.Time {
	return time.Unix(int64(slot*e.slotSeconds), 0)
}

// AuthorFor returns the public key of the authority elected for the given
// slot. Uses BLAKE3(epochSeed || slot) as entropy to derive a pseudo-random
// index into the authority set.
func (e *SlotEngine) AuthorFor(slot uint64) []byte {
	n := e.authorities.Len()
	if n == 0 {
		return nil
	}
	if n == 1 {
		return e.authorities.AtIndex(0)
	}

	var buf [types.HashSize + 8]byte
	copy(buf[:types.HashSize], e.epochSeed[:])
	binary.LittleEndian.PutUint64(buf[types.HashSize:], slot)
	seed := crypto.Hash(buf[:])

	idx := binary.LittleEndian.Uint64(seed[:8]) % uint64(n)
	return e.authorities.AtIndex(int(idx))
}

// IsSelected returns true if the local signer is the elected author for the
// given slot.
func (e *SlotEngine) IsSelected(slot uint64) bool {
	e.mu.RLock()
	signer := e.signer
	e.mu.RUnlock()

	if signer == nil {
		return false
	}
	return bytes.Equal(e.AuthorFor(slot), signer.PublicKey())
}

// VerifyHeader checks the slot rules for an incoming header:
// the stated time must fall inside the stated slot, the slot must not be in
// the future (beyond MaxSlotDrift), and the header must be signed by the
// slot's elected author.
func (e *SlotEngine) VerifyHeader(header *block.Header) error {
	if len(header.AuthorSig) == 0 {
		return ErrMissingSig
	}

	if e.SlotOf(header.Time) != header.Slot {
		return fmt.Errorf("%w: time %d is in slot %d, header claims %d",
			ErrSlotMismatch, header.Time, e.SlotOf(header.Time), header.Slot)
	}

	if max := e.CurrentSlot() + MaxSlotDrift; header.Slot > max {
		return fmt.Errorf("%w: slot %d, local clock at %d", ErrSlotInFuture, header.Slot, max)
	}

	author := e.AuthorFor(header.Slot)
	hash := header.Hash()
	if crypto.VerifySignature(hash[:], header.AuthorSig, author) {
		return nil
	}

	// Distinguish a valid signature from the wrong authority from garbage.
	if signer := e.IdentifySigner(header); signer != nil {
		return fmt.Errorf("%w: slot %d belongs to authority %d",
			ErrWrongAuthor, header.Slot, e.authorities.IndexOf(author))
	}
	return ErrInvalidSig
}

// Prepare stamps the header with the current slot and wall-clock time.
func (e *SlotEngine) Prepare(header *block.Header) error {
	now := uint64(e.now().Unix())
	header.Time = now
	header.Slot = now / e.slotSeconds
	return nil
}

// Seal signs the block with the local authority's key.
func (e *SlotEngine) Seal(blk *block.Block) error {
	e.mu.RLock()
	signer := e.signer
	e.mu.RUnlock()

	if signer == nil {
		return fmt.Errorf("no signer configured")
	}

	hash := blk.Header.Hash()
	sig, err := signer.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("seal block: %w", err)
	}
	blk.Header.AuthorSig = sig
	return nil
}

// IdentifySigner returns the public key of the authority that signed the
// header. Returns nil if no authority matches. This iterates all authorities
// because Schnorr signatures don't support public key recovery.
func (e *SlotEngine) IdentifySigner(header *block.Header) []byte {
	if len(header.AuthorSig) == 0 {
		return nil
	}
	hash := header.Hash()
	for _, a := range e.authorities.List() {
		if crypto.VerifySignature(hash[:], header.AuthorSig, a.PubKey) {
			return a.PubKey
		}
	}
	return nil
}
