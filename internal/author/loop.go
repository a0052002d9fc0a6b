package author

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/internal/importer"
	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/pkg/block"
)

// Loop drives block production. It wakes twice per slot, and in each slot
// where the local signer is the elected author it builds one block, feeds
// it through the import pipeline and hands it to the broadcaster.
type Loop struct {
	builder   *Builder
	engine    *consensus.SlotEngine
	importer  importer.BlockImport
	broadcast func(*block.Block)
	logger    zerolog.Logger

	lastSlot uint64 // last slot an attempt was made for
}

// NewLoop creates the authoring loop. The engine must have a signer set;
// slots where the signer is not elected are skipped.
func NewLoop(builder *Builder, engine *consensus.SlotEngine, imp importer.BlockImport) *Loop {
	return &Loop{
		builder:  builder,
		engine:   engine,
		importer: imp,
		logger:   log.Consensus,
	}
}

// SetBroadcaster installs the function called with each authored block
// after it has been imported locally. Without one, blocks are only
// imported.
func (l *Loop) SetBroadcaster(fn func(*block.Block)) {
	l.broadcast = fn
}

// Run produces blocks until the context is canceled. Authoring failures
// are logged and retried next slot, never fatal.
func (l *Loop) Run(ctx context.Context) error {
	// Half the slot length so a tick always lands inside every slot.
	ticker := time.NewTicker(l.engine.SlotDuration() / 2)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Block production stopped")
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick makes at most one authoring attempt per slot.
func (l *Loop) tick(ctx context.Context) {
	slot := l.engine.CurrentSlot()
	if slot == l.lastSlot {
		return
	}
	l.lastSlot = slot

	if !l.engine.IsSelected(slot) {
		return
	}
	if err := l.authorOne(ctx, slot); err != nil {
		l.logger.Error().Err(err).Uint64("slot", slot).Msg("Failed to author block")
	}
}

func (l *Loop) authorOne(ctx context.Context, slot uint64) error {
	blk, err := l.builder.BuildBlock()
	if err != nil {
		// The tip already claimed this slot; nothing to do until the next.
		if errors.Is(err, ErrParentSlot) {
			return nil
		}
		return err
	}

	out, err := l.importer.ImportBlock(ctx, &importer.Incoming{Block: blk})
	if err != nil {
		return fmt.Errorf("import own block: %w", err)
	}
	if out.Kind != importer.KindImported {
		return fmt.Errorf("own block rejected: %s", out)
	}

	l.logger.Info().
		Str("block", blk.Hash().Short()).
		Uint64("height", blk.Header.Height).
		Uint64("slot", slot).
		Int("txs", len(blk.Transactions)).
		Msg("Block authored")

	if l.broadcast != nil {
		l.broadcast(blk)
	}
	return nil
}
