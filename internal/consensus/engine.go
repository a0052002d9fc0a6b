// Package consensus implements slot-based block authoring and weighted
// finality voting.
package consensus

import "github.com/andrijdavid/Allfeat/pkg/block"

// Engine is the interface for consensus implementations.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Prepare(header *block.Header) error
	Seal(blk *block.Block) error

	// AuthorFor returns the public key of the authority elected for a slot.
	// The chain uses it to credit block fees.
	AuthorFor(slot uint64) []byte
}
