package consensus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// ErrNoSigner is returned when a vote is requested without a configured key.
var ErrNoSigner = errors.New("no finality signing key configured")

// Gadget accumulates finality votes round by round. Each round the gadget
// collects votes for candidate blocks; once one candidate gathers a
// supermajority of authority weight the gadget assembles a justification,
// hands it to the committer and opens the next round.
//
// Rounds coordinate liveness, not safety: safety comes from justification
// verification, which is independent of any node's local round. A round that
// fails to converge (authorities voting for different tips) times out and
// restarts so voters can re-vote on the new common tip.
type Gadget struct {
	mu          sync.Mutex
	authorities *AuthoritySet
	cell        *FinalizedCell

	round      uint64
	votes      map[types.Hash][]Vote
	voters     map[string]types.Hash
	weights    map[types.Hash]uint64
	ownVote    *Vote
	roundStart time.Time
	timeout    time.Duration

	signer    *crypto.PrivateKey
	broadcast func(*Vote)
	commit    func(*Justification) error

	now func() time.Time
}

// NewGadget creates a gadget over the given authority set. The cell is
// shared with the chain so that both sides observe the same frontier.
// roundTimeout bounds how long a non-converging round runs before voters
// may re-vote.
func NewGadget(authorities *AuthoritySet, cell *FinalizedCell, roundTimeout time.Duration) *Gadget {
	g := &Gadget{
		authorities: authorities,
		cell:        cell,
		timeout:     roundTimeout,
		now:         time.Now,
	}
	g.resetRoundLocked()
	return g
}

// SetSigner enables local voting. The key must belong to an authority.
func (g *Gadget) SetSigner(key *crypto.PrivateKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.authorities.Contains(key.PublicKey()) {
		return ErrNotAuthority
	}
	g.signer = key
	return nil
}

// SetBroadcaster installs the callback used to gossip local votes. The
// callback runs with the gadget lock held and must not call back into it.
func (g *Gadget) SetBroadcaster(fn func(*Vote)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcast = fn
}

// SetCommitter installs the callback invoked with each assembled or received
// justification. The committer persists the justification and advances the
// finalized frontier; it must not call back into the gadget.
func (g *Gadget) SetCommitter(fn func(*Justification) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commit = fn
}

// Round returns the current voting round.
func (g *Gadget) Round() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.round
}

// HandleVote tallies a vote received from the network. Returns nil when the
// vote is recorded (or is a duplicate of one already recorded).
func (g *Gadget) HandleVote(v *Vote) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	final, _ := g.cell.Get()
	if v.Height <= final.Height {
		return ErrStaleRound
	}
	if v.Round < g.round {
		return ErrStaleRound
	}
	if !g.authorities.Contains(v.Voter) {
		return ErrNotVoter
	}
	if !v.Verify() {
		return ErrBadVoteSig
	}

	// A verified vote from a later round means the network has moved on
	// without us; adopt it and restart the tally.
	if v.Round > g.round {
		g.round = v.Round
		g.resetRoundLocked()
	}

	return g.tallyLocked(v)
}

// CastVote votes for the given block in the current round and gossips the
// vote. Repeated calls within one round re-broadcast the original vote,
// which keeps slow peers supplied; a round that has exceeded its timeout is
// abandoned and the vote is cast fresh in the next round. Callers must only
// pass blocks descending from the finalized frontier.
func (g *Gadget) CastVote(hash types.Hash, height uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.signer == nil {
		return ErrNoSigner
	}
	final, _ := g.cell.Get()
	if height <= final.Height {
		return nil
	}

	if g.ownVote != nil {
		if g.now().Sub(g.roundStart) < g.timeout {
			if g.broadcast != nil {
				g.broadcast(g.ownVote)
			}
			return nil
		}
		g.round++
		g.resetRoundLocked()
	}

	v := &Vote{Round: g.round, Hash: hash, Height: height}
	if err := v.Sign(g.signer); err != nil {
		return err
	}
	g.ownVote = v
	if g.broadcast != nil {
		g.broadcast(v)
	}
	return g.tallyLocked(v)
}

// ApplyJustification installs a justification learned out of band, e.g. one
// attached to a synced block. The gadget verifies it, commits it and skips
// ahead past its round.
func (g *Gadget) ApplyJustification(j *Justification) error {
	if err := j.Verify(g.authorities); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	final, _ := g.cell.Get()
	if j.Height <= final.Height {
		return nil
	}
	if g.commit == nil {
		return errors.New("no committer configured")
	}
	if err := g.commit(j); err != nil {
		return fmt.Errorf("commit justification: %w", err)
	}
	if j.Round >= g.round {
		g.round = j.Round + 1
		g.resetRoundLocked()
	}
	return nil
}

// tallyLocked records a vote and finalizes when its candidate reaches the
// supermajority threshold. Caller holds g.mu.
func (g *Gadget) tallyLocked(v *Vote) error {
	key := string(v.Voter)
	if prev, ok := g.voters[key]; ok {
		if prev == v.Hash {
			return nil
		}
		return ErrEquivocation
	}
	g.voters[key] = v.Hash
	g.votes[v.Hash] = append(g.votes[v.Hash], *v)
	g.weights[v.Hash] += g.authorities.WeightOf(v.Voter)

	if g.weights[v.Hash] < g.authorities.SupermajorityWeight() {
		return nil
	}

	j := &Justification{
		Round:  v.Round,
		Hash:   v.Hash,
		Height: v.Height,
		Votes:  append([]Vote(nil), g.votes[v.Hash]...),
	}
	sortVotes(j.Votes, g.authorities)

	if g.commit == nil {
		return errors.New("no committer configured")
	}
	if err := g.commit(j); err != nil {
		return fmt.Errorf("commit justification: %w", err)
	}
	g.round++
	g.resetRoundLocked()
	return nil
}

// resetRoundLocked clears the tally for a fresh round. Caller holds g.mu.
func (g *Gadget) resetRoundLocked() {
	g.votes = make(map[types.Hash][]Vote)
	g.voters = make(map[string]types.Hash)
	g.weights = make(map[types.Hash]uint64)
	g.ownVote = nil
	g.roundStart = g.now()
}
