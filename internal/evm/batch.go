package evm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/importer"
	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/metrics"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

const (
	defaultBatchSize        = 256
	defaultFlushInterval    = 30 * time.Second
	defaultBackfillInterval = 60 * time.Second
	defaultThreadCount      = 4
	defaultQueryOpLimit     = 10_000_000
	defaultWorkingSetBytes  = 200 * 1024 * 1024
)

// batchOp is one buffered index operation, kept in notification order so
// a flush can replay imports and retractions the way they happened.
type batchOp struct {
	entry   *Entry // nil for a retraction
	retract types.Hash
}

// BatchWorker indexes blocks in batches for the SQL backend. Incoming
// notifications are derived into entries and buffered; the buffer is
// flushed in one transaction when it reaches the batch size, when it
// outgrows the working-set bound, or on the read-timeout tick. A slower
// ticker scans for heights the buffer path missed and backfills them
// concurrently. The index may trail the chain between flushes, which is
// the price of batching; the backfill scan closes any holes.
type BatchWorker struct {
	backend  Backend
	chain    ChainReader
	notifier Notifier

	flushInterval    time.Duration
	backfillInterval time.Duration
	threads          int
	opLimit          int
	workingSet       int64

	ops        []batchOp
	bufEntries int
	bufBytes   int64
	scanFloor  uint64 // heights below are known covered

	metrics *metrics.Set
	logger  zerolog.Logger
}

// NewBatchWorker creates the batched indexer. Zero config fields fall
// back to the defaults above.
func NewBatchWorker(backend Backend, chain ChainReader, notifier Notifier, cfg config.SQLConfig) *BatchWorker {
	w := &BatchWorker{
		backend:          backend,
		chain:            chain,
		notifier:         notifier,
		flushInterval:    cfg.ReadTimeout,
		backfillInterval: cfg.BackfillInterval,
		threads:          cfg.ThreadCount,
		opLimit:          cfg.QueryOpLimit,
		workingSet:       cfg.CacheSizeBytes,
		logger:           log.EVM,
	}
	if w.flushInterval <= 0 {
		w.flushInterval = defaultFlushInterval
	}
	if w.backfillInterval <= 0 {
		w.backfillInterval = defaultBackfillInterval
	}
	if w.threads <= 0 {
		w.threads = defaultThreadCount
	}
	if w.opLimit <= 0 {
		w.opLimit = defaultQueryOpLimit
	}
	if w.workingSet <= 0 {
		w.workingSet = defaultWorkingSetBytes
	}
	return w
}

// SetMetrics attaches node metrics.
func (w *BatchWorker) SetMetrics(m *metrics.Set) {
	w.metrics = m
}

// Run consumes notifications until the context is canceled or the
// notification hub closes.
func (w *BatchWorker) Run(ctx context.Context) error {
	sub := w.notifier.Subscribe()
	defer sub.Cancel()

	flush := time.NewTicker(w.flushInterval)
	defer flush.Stop()
	backfill := time.NewTicker(w.backfillInterval)
	defer backfill.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub.C:
			if !ok {
				// Hub closed: push out what the buffer still holds.
				w.flush(context.Background())
				return nil
			}
			w.buffer(n)
			if w.bufEntries >= defaultBatchSize || w.bufBytes >= w.workingSet {
				w.flush(ctx)
			}
		case <-flush.C:
			w.flush(ctx)
		case <-backfill.C:
			w.backfill(ctx)
		}
	}
}

// buffer derives the entry for one notification. A failed derivation is
// dropped: the backfill scan picks the height up later.
func (w *BatchWorker) buffer(n importer.Notification) {
	for _, hash := range n.Retracted {
		w.ops = append(w.ops, batchOp{retract: hash})
	}

	blk, err := w.chain.GetBlock(n.Hash)
	if err != nil {
		w.logger.Warn().Err(err).Str("block", n.Hash.Short()).Msg("Buffering block failed, leaving to backfill")
		return
	}
	e, err := DeriveEntry(blk)
	if err != nil {
		w.logger.Warn().Err(err).Str("block", n.Hash.Short()).Msg("Deriving entry failed, leaving to backfill")
		return
	}
	w.ops = append(w.ops, batchOp{entry: e})
	w.bufEntries++
	if data, err := e.Marshal(); err == nil {
		w.bufBytes += int64(len(data))
	}
}

// flush writes the buffered batch. Replaying the operations in order
// settles which blocks end up canonical, so a block imported, retracted
// and imported again within one buffer window lands in its final state.
// On failure the buffer is kept intact and retried on the next tick;
// every write is idempotent, so a partial flush redone is harmless.
func (w *BatchWorker) flush(ctx context.Context) {
	if len(w.ops) == 0 {
		return
	}

	entries := make([]*Entry, 0, w.bufEntries)
	canonical := make(map[types.Hash]bool, len(w.ops))
	for _, op := range w.ops {
		if op.entry != nil {
			entries = append(entries, op.entry)
			canonical[op.entry.NativeHash] = true
			continue
		}
		canonical[op.retract] = false
	}

	if err := w.backend.PutEntries(ctx, entries); err != nil {
		w.logger.Warn().Err(err).Int("batch", len(entries)).Msg("Batch flush failed, keeping buffer")
		return
	}
	for _, op := range w.ops {
		if op.entry != nil || canonical[op.retract] {
			continue
		}
		if err := w.backend.SetCanonical(ctx, op.retract, false); err != nil {
			w.logger.Warn().Err(err).Str("block", op.retract.Short()).Msg("Demoting retracted mapping failed, keeping buffer")
			return
		}
	}

	if w.metrics != nil {
		w.metrics.IndexerBatchSize.Observe(float64(len(entries)))
	}
	w.logger.Debug().Int("batch", len(entries)).Int("retracted", len(w.ops)-len(entries)).Msg("Batch indexed")
	w.ops = w.ops[:0]
	w.bufEntries = 0
	w.bufBytes = 0
	w.updateLagMetrics(ctx)
}

// backfill scans one window of heights for index holes and fills them.
// The window is capped by the per-query operation limit; the floor only
// advances once a window is verified complete, so no hole is skipped.
func (w *BatchWorker) backfill(ctx context.Context) {
	best := w.chain.Height()
	if w.scanFloor > best {
		return
	}
	to := best
	if span := to - w.scanFloor + 1; span > uint64(w.opLimit) {
		to = w.scanFloor + uint64(w.opLimit) - 1
	}

	missing, err := w.backend.MissingHeights(ctx, w.scanFloor, to)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Backfill scan failed")
		return
	}
	if len(missing) == 0 {
		w.scanFloor = to + 1
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.threads)
	for _, height := range missing {
		g.Go(func() error {
			return w.backfillOne(gctx, height)
		})
	}
	if err := g.Wait(); err != nil {
		w.logger.Warn().Err(err).Int("missing", len(missing)).Msg("Backfill incomplete")
		return
	}

	w.scanFloor = to + 1
	w.logger.Info().Int("filled", len(missing)).Uint64("through", to).Msg("Index holes backfilled")
	w.updateLagMetrics(ctx)
}

func (w *BatchWorker) backfillOne(ctx context.Context, height uint64) error {
	hash, err := w.chain.GetHashByHeight(height)
	if err != nil {
		return err
	}
	blk, err := w.chain.GetBlock(hash)
	if err != nil {
		return err
	}
	e, err := DeriveEntry(blk)
	if err != nil {
		return err
	}
	return w.backend.PutEntries(ctx, []*Entry{e})
}

func (w *BatchWorker) updateLagMetrics(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	latest, err := w.backend.LatestHeight(ctx)
	if err != nil {
		return
	}
	w.metrics.IndexedHeight.Set(float64(latest))
	if best := w.chain.Height(); best > latest {
		w.metrics.IndexerLag.Set(float64(best - latest))
	} else {
		w.metrics.IndexerLag.Set(0)
	}
}
