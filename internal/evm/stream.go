package evm

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/andrijdavid/Allfeat/internal/importer"
	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/metrics"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// streamRetryInterval paces retries after a transient store failure.
const streamRetryInterval = 6 * time.Second

// ChainReader provides the blocks the index derives from. Satisfied by
// *chain.Chain.
type ChainReader interface {
	GetBlock(hash types.Hash) (*block.Block, error)
	GetHashByHeight(height uint64) (types.Hash, error)
	Height() uint64
}

// Notifier hands out import notification subscriptions. Satisfied by
// *importer.Pipeline.
type Notifier interface {
	Subscribe() *importer.Subscription
}

// StreamWorker indexes one block per import notification, synchronously:
// the entry is durable before the next notification is consumed, so the
// index never trails the chain by more than the block in flight.
// Transient store failures are retried on a fixed interval rather than
// surfaced, holding up the stream instead of dropping a block.
type StreamWorker struct {
	backend  Backend
	chain    ChainReader
	notifier Notifier

	retryInterval time.Duration
	metrics       *metrics.Set
	logger        zerolog.Logger
}

// NewStreamWorker creates the streaming indexer for the KV backend.
func NewStreamWorker(backend Backend, chain ChainReader, notifier Notifier) *StreamWorker {
	return &StreamWorker{
		backend:       backend,
		chain:         chain,
		notifier:      notifier,
		retryInterval: streamRetryInterval,
		logger:        log.EVM,
	}
}

// SetMetrics attaches node metrics.
func (w *StreamWorker) SetMetrics(m *metrics.Set) {
	w.metrics = m
}

// Run consumes notifications until the context is canceled or the
// notification hub closes.
func (w *StreamWorker) Run(ctx context.Context) error {
	sub := w.notifier.Subscribe()
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := w.handle(ctx, n); err != nil {
				return err
			}
		}
	}
}

// handle derives and persists the entry for one notification, demoting
// any retracted mappings first. Retries until the write sticks.
func (w *StreamWorker) handle(ctx context.Context, n importer.Notification) error {
	for {
		err := w.indexOne(ctx, n)
		if err == nil {
			break
		}
		if !IsTransient(err) {
			return err
		}
		w.logger.Warn().
			Err(err).
			Str("block", n.Hash.Short()).
			Uint64("height", n.Height).
			Msg("Index write failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.retryInterval):
		}
	}

	if w.metrics != nil {
		w.metrics.IndexedHeight.Set(float64(n.Height))
		if best := w.chain.Height(); best > n.Height {
			w.metrics.IndexerLag.Set(float64(best - n.Height))
		} else {
			w.metrics.IndexerLag.Set(0)
		}
	}
	w.logger.Debug().Uint64("height", n.Height).Str("block", n.Hash.Short()).Msg("Block indexed")
	return nil
}

func (w *StreamWorker) indexOne(ctx context.Context, n importer.Notification) error {
	blk, err := w.chain.GetBlock(n.Hash)
	if err != nil {
		return err
	}
	e, err := DeriveEntry(blk)
	if err != nil {
		return err
	}
	for _, retracted := range n.Retracted {
		if err := w.backend.SetCanonical(ctx, retracted, false); err != nil {
			return err
		}
	}
	return w.backend.PutEntries(ctx, []*Entry{e})
}
