package evm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/metrics"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// ErrFilterNotFound means the filter id is unknown: never installed,
// uninstalled, or evicted by the retention sweep. Callers must see this
// rather than an empty result, so they can re-install.
var ErrFilterNotFound = errors.New("filter not found")

const (
	// DefaultFilterRetention is how many blocks a filter outlives its
	// creation height before the sweep removes it.
	DefaultFilterRetention = 100
	// DefaultMaxPastLogs caps the logs returned by one query.
	DefaultMaxPastLogs = 10_000

	filterSweepInterval = 30 * time.Second
)

// Criteria selects logs by height range, emitting address and topic.
// Zero ToHeight means the latest indexed height. Empty address or topic
// lists match everything.
type Criteria struct {
	FromHeight uint64
	ToHeight   uint64
	Addresses  []types.Address
	Topics     []types.Hash
}

func (c *Criteria) matches(l *EntryLog) bool {
	if len(c.Addresses) > 0 {
		found := false
		for _, a := range c.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(c.Topics) > 0 {
		for _, want := range c.Topics {
			for _, have := range l.Topics {
				if want == have {
					return true
				}
			}
		}
		return false
	}
	return true
}

type filter struct {
	crit       Criteria
	createdAt  uint64 // chain height at installation
	lastPolled uint64 // highest height already reported through Changes
}

// FilterPool tracks installed log filters and answers log queries from
// the index. Filters expire by age: the maintenance sweep drops every
// filter older than the retention window, polled or not.
type FilterPool struct {
	mu      sync.Mutex
	filters map[uint64]*filter
	nextID  uint64

	backend   Backend
	chain     ChainReader
	retention uint64
	maxLogs   int

	sweepInterval time.Duration
	metrics       *metrics.Set
	logger        zerolog.Logger
}

// NewFilterPool creates the pool. Zero retention or maxLogs fall back to
// the defaults.
func NewFilterPool(backend Backend, chain ChainReader, retention uint64, maxLogs int) *FilterPool {
	if retention == 0 {
		retention = DefaultFilterRetention
	}
	if maxLogs <= 0 {
		maxLogs = DefaultMaxPastLogs
	}
	return &FilterPool{
		filters:       make(map[uint64]*filter),
		backend:       backend,
		chain:         chain,
		retention:     retention,
		maxLogs:       maxLogs,
		sweepInterval: filterSweepInterval,
		logger:        log.EVM,
	}
}

// SetMetrics attaches node metrics.
func (p *FilterPool) SetMetrics(m *metrics.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
	p.syncGaugeLocked()
}

// Install registers a filter and returns its id. Changes reports logs
// appearing after the installation height.
func (p *FilterPool) Install(crit Criteria) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	height := p.chain.Height()
	p.filters[id] = &filter{crit: crit, createdAt: height, lastPolled: height}
	p.syncGaugeLocked()
	return id
}

// Uninstall removes a filter. Returns false if the id is unknown.
func (p *FilterPool) Uninstall(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.filters[id]; !ok {
		return false
	}
	delete(p.filters, id)
	p.syncGaugeLocked()
	return true
}

// Changes returns the matching logs indexed since the last poll. The
// scan stops at the latest indexed height, so logs the indexer has not
// reached yet are reported by a later poll, never skipped.
func (p *FilterPool) Changes(ctx context.Context, id uint64) ([]EntryLog, error) {
	p.mu.Lock()
	f, ok := p.filters[id]
	if !ok {
		p.mu.Unlock()
		return nil, ErrFilterNotFound
	}
	crit := f.crit
	since := f.lastPolled
	p.mu.Unlock()

	latest, err := p.backend.LatestHeight(ctx)
	if errors.Is(err, ErrNotIndexed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	lo := since + 1
	if crit.FromHeight > lo {
		lo = crit.FromHeight
	}
	hi := latest
	if crit.ToHeight > 0 && crit.ToHeight < hi {
		hi = crit.ToHeight
	}
	if lo > hi {
		return nil, nil
	}

	// The batched indexer can leave holes below the latest height until
	// backfill closes them. Stop at the first hole so the poll cursor
	// never moves past logs that are still on their way.
	missing, err := p.backend.MissingHeights(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		hi = missing[0] - 1
	}
	if lo > hi {
		return nil, nil
	}

	logs, err := p.collect(ctx, &crit, lo, hi)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if f, ok := p.filters[id]; ok && hi > f.lastPolled {
		f.lastPolled = hi
	}
	p.mu.Unlock()
	return logs, nil
}

// Query returns logs matching the criteria over its height range,
// capped at the configured maximum.
func (p *FilterPool) Query(ctx context.Context, crit Criteria) ([]EntryLog, error) {
	hi := crit.ToHeight
	if hi == 0 {
		latest, err := p.backend.LatestHeight(ctx)
		if errors.Is(err, ErrNotIndexed) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		hi = latest
	}
	return p.collect(ctx, &crit, crit.FromHeight, hi)
}

// collect scans [from, to] through the height index. Heights without an
// entry are skipped: the indexer has not reached them yet.
func (p *FilterPool) collect(ctx context.Context, crit *Criteria, from, to uint64) ([]EntryLog, error) {
	var logs []EntryLog
	for h := from; h <= to; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := p.backend.ByHeight(ctx, h)
		if errors.Is(err, ErrNotIndexed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for i := range e.Logs {
			if crit.matches(&e.Logs[i]) {
				logs = append(logs, e.Logs[i])
				if len(logs) >= p.maxLogs {
					return logs, nil
				}
			}
		}
	}
	return logs, nil
}

// Run sweeps expired filters on a fixed interval until the context is
// canceled.
func (p *FilterPool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep removes every filter whose creation height has fallen out of
// the retention window.
func (p *FilterPool) Sweep() {
	height := p.chain.Height()

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, f := range p.filters {
		if f.createdAt+p.retention < height {
			delete(p.filters, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug().Int("removed", removed).Uint64("height", height).Msg("Expired filters swept")
		p.syncGaugeLocked()
	}
}

// Count returns the number of installed filters.
func (p *FilterPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.filters)
}

func (p *FilterPool) syncGaugeLocked() {
	if p.metrics != nil {
		p.metrics.FilterPoolSize.Set(float64(len(p.filters)))
	}
}
