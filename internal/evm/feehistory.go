package evm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/metrics"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/tx"
)

// DefaultFeeHistoryLimit bounds the fee cache when no limit is set.
const DefaultFeeHistoryLimit = 2048

// PartialCoverageError reports a fee-history query reaching outside the
// cached window, naming the uncovered heights.
type PartialCoverageError struct {
	MissingFrom uint64
	MissingTo   uint64
}

func (e *PartialCoverageError) Error() string {
	if e.MissingFrom == e.MissingTo {
		return fmt.Sprintf("fee history missing height %d", e.MissingFrom)
	}
	return fmt.Sprintf("fee history missing heights %d-%d", e.MissingFrom, e.MissingTo)
}

// HeightFees is one height's resolved fee summary. Rewards holds one
// effective-tip value per requested percentile.
type HeightFees struct {
	Height       uint64
	BaseFee      uint64
	GasUsedRatio float64
	Rewards      []uint64
}

type feeSummary struct {
	baseFee  uint64
	gasRatio float64
	tips     []uint64 // ascending effective tips, one per transaction
}

// FeeCache keeps per-height fee summaries for the most recent blocks,
// bounded by entry count. It is fed by import notifications, one summary
// per best-chain block; when the bound is exceeded the lowest height is
// evicted. Queries outside the window fail with PartialCoverageError
// rather than thinning the answer.
type FeeCache struct {
	mu      sync.Mutex
	entries map[uint64]*feeSummary
	limit   int

	chain    ChainReader
	notifier Notifier
	metrics  *metrics.Set
	logger   zerolog.Logger
}

// NewFeeCache creates the cache. A non-positive limit falls back to the
// default.
func NewFeeCache(chain ChainReader, notifier Notifier, limit int) *FeeCache {
	if limit <= 0 {
		limit = DefaultFeeHistoryLimit
	}
	return &FeeCache{
		entries:  make(map[uint64]*feeSummary),
		limit:    limit,
		chain:    chain,
		notifier: notifier,
		logger:   log.EVM,
	}
}

// SetMetrics attaches node metrics.
func (c *FeeCache) SetMetrics(m *metrics.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
	c.syncGaugeLocked()
}

// Run feeds the cache from import notifications until the context is
// canceled or the hub closes.
func (c *FeeCache) Run(ctx context.Context) error {
	sub := c.notifier.Subscribe()
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub.C:
			if !ok {
				return nil
			}
			if !n.ExtendsBest {
				continue
			}
			blk, err := c.chain.GetBlock(n.Hash)
			if err != nil {
				// The height stays uncovered; queries for it report
				// partial coverage instead of a made-up summary.
				c.logger.Warn().Err(err).Str("block", n.Hash.Short()).Msg("Fee summary skipped")
				continue
			}
			c.Insert(blk)
		}
	}
}

// Insert records the block's fee summary, evicting the lowest height
// when the cache outgrows its bound. A summary already present for the
// height is replaced, which is what a reorg needs.
func (c *FeeCache) Insert(blk *block.Block) {
	s := &feeSummary{baseFee: blk.Header.BaseFee}
	if blk.Header.GasLimit > 0 {
		s.gasRatio = float64(blk.Header.GasUsed) / float64(blk.Header.GasLimit)
	}
	for _, t := range blk.Transactions {
		s.tips = append(s.tips, tx.EffectiveTip(t.GasPrice, blk.Header.BaseFee))
	}
	sort.Slice(s.tips, func(i, j int) bool { return s.tips[i] < s.tips[j] })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[blk.Header.Height] = s
	for len(c.entries) > c.limit {
		lowest := blk.Header.Height
		for h := range c.entries {
			if h < lowest {
				lowest = h
			}
		}
		delete(c.entries, lowest)
	}
	c.syncGaugeLocked()
}

// Resolve returns per-height summaries for [from, to] with one reward
// per percentile, nearest-rank over the block's sorted effective tips.
// Empty blocks report zero rewards.
func (c *FeeCache) Resolve(from, to uint64, percentiles []float64) ([]HeightFees, error) {
	if from > to {
		return nil, fmt.Errorf("invalid fee history range %d-%d", from, to)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Find the uncovered span first so the caller learns the full gap.
	var missingFrom, missingTo uint64
	missing := false
	for h := from; h <= to; h++ {
		if _, ok := c.entries[h]; !ok {
			if !missing {
				missingFrom = h
				missing = true
			}
			missingTo = h
		}
	}
	if missing {
		return nil, &PartialCoverageError{MissingFrom: missingFrom, MissingTo: missingTo}
	}

	out := make([]HeightFees, 0, to-from+1)
	for h := from; h <= to; h++ {
		s := c.entries[h]
		hf := HeightFees{Height: h, BaseFee: s.baseFee, GasUsedRatio: s.gasRatio}
		for _, pct := range percentiles {
			hf.Rewards = append(hf.Rewards, percentileTip(s.tips, pct))
		}
		out = append(out, hf)
	}
	return out, nil
}

// Len returns the number of cached heights.
func (c *FeeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Covered reports whether a height is in the cache.
func (c *FeeCache) Covered(height uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[height]
	return ok
}

func percentileTip(tips []uint64, pct float64) uint64 {
	if len(tips) == 0 {
		return 0
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	idx := int(pct/100*float64(len(tips)-1) + 0.5)
	return tips[idx]
}

func (c *FeeCache) syncGaugeLocked() {
	if c.metrics != nil {
		c.metrics.FeeCacheEntries.Set(float64(len(c.entries)))
	}
}
