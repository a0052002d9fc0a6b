// Package importer funnels candidate blocks from every source, the
// authoring loop, gossip and sync alike, through one validation pipeline
// into the chain. It is the only writer of chain state and the only
// publisher of import notifications, which keeps the notification stream
// in commit order.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/andrijdavid/Allfeat/internal/chain"
	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/metrics"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// ErrMissingParent marks a candidate whose parent is not stored yet. The
// block itself may be fine; callers should fetch the parent and retry
// rather than discard it.
var ErrMissingParent = errors.New("parent block not known")

// knownBadCapacity bounds the cache of hashes already rejected as
// invalid. Old entries fall out; a re-sent block past the horizon is
// simply validated again.
const knownBadCapacity = 4096

// Incoming is one candidate block handed to the pipeline, with the
// justification that travelled alongside it, if any.
type Incoming struct {
	Block         *block.Block
	Justification *consensus.Justification
}

// BlockImport is the submission contract shared by the authoring loop,
// gossip handlers and chain sync.
type BlockImport interface {
	ImportBlock(ctx context.Context, inc *Incoming) (Outcome, error)
}

// chainBackend is the slice of the chain the pipeline needs. Satisfied by
// *chain.Chain.
type chainBackend interface {
	HasBlock(hash types.Hash) bool
	GetBlock(hash types.Hash) (*block.Block, error)
	Finalized() consensus.Finalized
	ProcessBlock(blk *block.Block) (*chain.ProcessResult, error)
}

// justificationSink receives justifications that arrive attached to
// blocks. Satisfied by *consensus.Gadget.
type justificationSink interface {
	ApplyJustification(j *consensus.Justification) error
}

// stage vets a candidate before it reaches the commit step. A stage
// rejects by returning an outcome with Kind set, passes the candidate on
// by returning KindUndecided, or aborts the import with an error.
type stage func(blk *block.Block) (Outcome, error)

// Pipeline imports candidate blocks: a fixed sequence of validation
// stages in front of the chain's commit step, with a notification
// published for every block that becomes canonical. All of ImportBlock
// runs under one mutex, so commits and their notifications are serialized
// and subscribers observe blocks in the order they landed.
type Pipeline struct {
	mu      sync.Mutex
	backend chainBackend
	engine  consensus.Engine
	stages  []stage
	hub     *Hub

	// knownBad remembers hashes rejected as invalid so repeat gossip of
	// the same bad block is dropped without re-validating it.
	knownBad *lru.Cache[types.Hash, struct{}]

	sink    justificationSink
	metrics *metrics.Set
	logger  zerolog.Logger
}

// New builds a pipeline committing into backend and verifying authorship
// with engine.
func New(backend chainBackend, engine consensus.Engine) *Pipeline {
	knownBad, _ := lru.New[types.Hash, struct{}](knownBadCapacity)
	p := &Pipeline{
		backend:  backend,
		engine:   engine,
		hub:      NewHub(),
		knownBad: knownBad,
		logger:   log.Importer,
	}
	p.stages = []stage{p.slotStage, p.finalityStage}
	return p
}

// SetJustificationSink routes justifications that accompany imported
// blocks to sink. A sink failure is logged and dropped, never surfaced to
// the block's importer.
func (p *Pipeline) SetJustificationSink(sink justificationSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// SetMetrics attaches import counters.
func (p *Pipeline) SetMetrics(m *metrics.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// Subscribe opens a stream of import notifications, one per block
// committed after this call, in commit order.
func (p *Pipeline) Subscribe() *Subscription {
	return p.hub.Subscribe()
}

// Close ends the notification stream. In-flight imports finish first.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hub.Close()
}

// ImportBlock runs one candidate through the pipeline. The returned
// outcome classifies the block; an error means the pipeline could not
// decide (missing parent, premature slot, storage trouble) and the same
// block may succeed later.
func (p *Pipeline) ImportBlock(ctx context.Context, inc *Incoming) (Outcome, error) {
	if inc == nil || inc.Block == nil {
		return Outcome{}, errors.New("nil block")
	}
	blk := inc.Block
	if blk.Header == nil {
		return Outcome{}, block.ErrNilHeader
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	hash := blk.Hash()
	if p.knownBad.Contains(hash) {
		p.logger.Debug().Str("block", hash.Short()).Msg("Known-bad block dropped")
		return KnownBad(), nil
	}
	if p.backend.HasBlock(hash) {
		p.routeJustification(inc.Justification)
		return AlreadyInChain(), nil
	}

	for _, s := range p.stages {
		out, err := s(blk)
		if err != nil {
			return Outcome{}, err
		}
		if out.Kind != KindUndecided {
			return p.finish(blk, hash, out), nil
		}
	}

	out, err := p.commit(blk)
	if err != nil {
		return Outcome{}, err
	}
	out = p.finish(blk, hash, out)
	if out.Kind == KindImported || out.Kind == KindAlreadyInChain {
		p.routeJustification(inc.Justification)
	}
	return out, nil
}

// slotStage vets the claimed production slot and its author signature
// before any execution work is spent on the block.
func (p *Pipeline) slotStage(blk *block.Block) (Outcome, error) {
	parent, err := p.backend.GetBlock(blk.Header.ParentHash)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrMissingParent, blk.Header.ParentHash.Short())
	}
	if blk.Header.Slot <= parent.Header.Slot {
		return Invalid(fmt.Sprintf("slot %d not after parent slot %d", blk.Header.Slot, parent.Header.Slot)), nil
	}
	if err := p.engine.VerifyHeader(blk.Header); err != nil {
		if errors.Is(err, consensus.ErrSlotInFuture) {
			// Not a verdict on the block: it may verify once the slot
			// clock reaches its slot.
			return Outcome{}, err
		}
		return Invalid(err.Error()), nil
	}
	return Outcome{}, nil
}

// finalityStage rejects candidates that could only become canonical by
// unwinding finalized history.
func (p *Pipeline) finalityStage(blk *block.Block) (Outcome, error) {
	final := p.backend.Finalized()
	if blk.Header.Height <= final.Height {
		return Invalid(fmt.Sprintf("height %d at or below finalized height %d", blk.Header.Height, final.Height)), nil
	}
	return Outcome{}, nil
}

// commit hands the candidate to the chain and publishes notifications for
// every block the commit made canonical. Runs with p.mu held, which is
// what keeps the published stream in commit order.
func (p *Pipeline) commit(blk *block.Block) (Outcome, error) {
	res, err := p.backend.ProcessBlock(blk)
	if err != nil {
		return p.mapProcessError(err)
	}

	if res.SideChain {
		p.logger.Debug().
			Str("block", blk.Hash().Short()).
			Uint64("height", blk.Header.Height).
			Msg("Side-chain block stored")
		return Imported(false), nil
	}

	for i, b := range res.Connected {
		n := Notification{
			Hash:        b.Hash(),
			Height:      b.Header.Height,
			ExtendsBest: true,
		}
		// The displaced branch rides on the first notification of the
		// batch so subscribers can unwind before applying the new one.
		if i == 0 {
			n.Retracted = res.Retracted
		}
		p.hub.Publish(n)
	}

	tip := res.Connected[len(res.Connected)-1]
	if p.metrics != nil {
		p.metrics.BlocksImported.Inc()
		p.metrics.ChainHeight.Set(float64(tip.Header.Height))
		if res.Reorged {
			p.metrics.Reorgs.Inc()
		}
	}
	if res.Reorged {
		p.logger.Info().
			Str("tip", tip.Hash().Short()).
			Uint64("height", tip.Header.Height).
			Int("connected", len(res.Connected)).
			Int("retracted", len(res.Retracted)).
			Msg("Chain reorganized")
	} else {
		p.logger.Info().
			Str("block", tip.Hash().Short()).
			Uint64("height", tip.Header.Height).
			Int("txs", len(tip.Transactions)).
			Msg("Block imported")
	}
	return Imported(true), nil
}

// finish records invalid verdicts in the known-bad cache and logs the
// rejection. Other outcomes pass through untouched.
func (p *Pipeline) finish(blk *block.Block, hash types.Hash, out Outcome) Outcome {
	if out.Kind != KindInvalid {
		return out
	}
	p.knownBad.Add(hash, struct{}{})
	p.logger.Warn().
		Str("block", hash.Short()).
		Uint64("height", blk.Header.Height).
		Str("reason", out.Reason).
		Msg("Invalid block rejected")
	return out
}

// mapProcessError translates chain commit errors into outcomes.
// Rejections naming a defect of the block itself become Invalid; a known
// block reports AlreadyInChain; a missing parent becomes ErrMissingParent;
// everything else, storage failures above all, stays an error so the
// caller can retry without the hash being blacklisted.
func (p *Pipeline) mapProcessError(err error) (Outcome, error) {
	switch {
	case errors.Is(err, chain.ErrBlockKnown):
		return AlreadyInChain(), nil
	case errors.Is(err, chain.ErrPrevNotFound):
		return Outcome{}, fmt.Errorf("%w: %v", ErrMissingParent, err)
	case isPermanent(err):
		return Invalid(err.Error()), nil
	default:
		return Outcome{}, err
	}
}

func (p *Pipeline) routeJustification(j *consensus.Justification) {
	if j == nil || p.sink == nil {
		return
	}
	if err := p.sink.ApplyJustification(j); err != nil {
		p.logger.Warn().
			Err(err).
			Str("block", j.Hash.Short()).
			Uint64("height", j.Height).
			Msg("Attached justification rejected")
	}
}

// permanentRejections lists commit errors that name a defect of the block
// itself, one that no amount of chain growth or retrying can cure.
// consensus.ErrSlotInFuture is deliberately absent.
var permanentRejections = []error{
	chain.ErrBadHeight,
	chain.ErrSlotNotAfterParent,
	chain.ErrBadGasLimit,
	chain.ErrBadBaseFee,
	chain.ErrBelowFinalized,
	chain.ErrFinalizedReorg,
	chain.ErrReorgTooDeep,
	chain.ErrReceiptMismatch,
	chain.ErrNonceMismatch,
	chain.ErrInsufficientFunds,
	chain.ErrGasPriceTooLow,
	chain.ErrBlockGasExceeded,
	chain.ErrAmountOverflow,
	consensus.ErrNotAuthority,
	consensus.ErrMissingSig,
	consensus.ErrSlotMismatch,
	consensus.ErrWrongAuthor,
	consensus.ErrInvalidSig,
	block.ErrNilHeader,
	block.ErrBadVersion,
	block.ErrZeroTime,
	block.ErrBadTxRoot,
	block.ErrBadReceiptsRoot,
	block.ErrReceiptCount,
	block.ErrTooManyTxs,
	block.ErrBlockTooLarge,
	block.ErrDuplicateTx,
	block.ErrGasOverLimit,
	block.ErrGasAccounting,
	tx.ErrZeroFrom,
	tx.ErrMissingSig,
	tx.ErrMissingPubKey,
	tx.ErrInvalidSig,
	tx.ErrGasBelowIntrins,
	tx.ErrInputTooLarge,
}

func isPermanent(err error) bool {
	for _, sentinel := range permanentRejections {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
