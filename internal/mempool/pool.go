// Package mempool holds transactions that were submitted but not yet mined,
// keyed by hash and grouped into per-sender nonce runs for block building.
package mempool

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/andrijdavid/Allfeat/internal/metrics"
	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Reasons Add rejects a transaction.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrConflict      = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("transaction failed validation")
	ErrFeeTooLow     = errors.New("transaction fee below minimum")
	ErrStaleNonce    = errors.New("transaction nonce below account nonce")
	ErrOverdraft     = errors.New("sender balance below queued spend")
)

// defaultCapacity bounds the pool when the caller passes no limit.
const defaultCapacity = 5000

// accountReader provides current account state for admission checks.
// Satisfied by *chain.Chain.
type accountReader interface {
	GetAccount(addr types.Address) (*state.Account, error)
}

// item wraps a queued transaction with its admission metadata.
type item struct {
	tx       *tx.Transaction
	hash     types.Hash
	from     types.Address
	nonce    uint64
	gasPrice uint64
	fee      uint64 // Intrinsic gas times gas price.
	cost     uint64 // Value plus fee, what inclusion debits the sender.
}

// Pool holds unconfirmed transactions in per-sender nonce queues. A
// transaction is "ready" when its nonce continues the sender's account
// nonce without a gap; later nonces wait in the queue until the gap fills.
type Pool struct {
	mu          sync.RWMutex
	txs         map[types.Hash]*item               // hash -> queued item
	senders     map[types.Address]map[uint64]*item // sender -> nonce -> queued item
	capacity    int
	minGasPrice uint64 // Floor for accepted gas prices (0 = no floor).
	accounts    accountReader
	policy      *Policy
	metrics     *metrics.Set
}

// New creates a pool reading account state from accounts. capacity caps how
// many transactions queue at once; zero or negative selects defaultCapacity.
func New(accounts accountReader, capacity int) *Pool {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Pool{
		txs:      make(map[types.Hash]*item),
		senders:  make(map[types.Address]map[uint64]*item),
		capacity: capacity,
		accounts: accounts,
		policy:   DefaultPolicy(),
	}
}

// SetMinGasPrice sets the lowest gas price the pool accepts.
func (p *Pool) SetMinGasPrice(price uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minGasPrice = price
}

// MinGasPrice returns the current gas price floor.
func (p *Pool) MinGasPrice() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minGasPrice
}

// SetPolicy replaces the node-local acceptance policy.
func (p *Pool) SetPolicy(policy *Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// SetMetrics attaches the pool-size gauge.
func (p *Pool) SetMetrics(m *metrics.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
	p.syncGaugeLocked()
}

// Add validates and queues a transaction, returning the fee it will pay on
// inclusion. A same-sender, same-nonce entry is replaced only by a strictly
// higher gas price; otherwise the add conflicts.
func (p *Pool) Add(txn *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fee, err := p.addLocked(txn, true)
	if err == nil {
		p.syncGaugeLocked()
	}
	return fee, err
}

func (p *Pool) addLocked(txn *tx.Transaction, enforceCap bool) (uint64, error) {
	hash := txn.Hash()

	if _, ok := p.txs[hash]; ok {
		return 0, ErrAlreadyExists
	}

	if err := txn.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if p.policy != nil {
		if err := p.policy.Check(txn); err != nil {
			return 0, fmt.Errorf("%w: policy: %v", ErrValidation, err)
		}
	}
	if txn.GasPrice < p.minGasPrice {
		return 0, fmt.Errorf("%w: price %d, floor %d", ErrFeeTooLow, txn.GasPrice, p.minGasPrice)
	}

	gas := tx.IntrinsicGas(txn.Input)
	fee := tx.Fee(gas, txn.GasPrice)
	if txn.GasPrice != 0 && fee/txn.GasPrice != gas {
		return 0, fmt.Errorf("%w: fee overflow", ErrValidation)
	}
	cost := txn.Value + fee
	if cost < txn.Value {
		return 0, fmt.Errorf("%w: cost overflow", ErrValidation)
	}

	acct, err := p.accounts.GetAccount(txn.From)
	if err != nil {
		return 0, fmt.Errorf("read account %s: %w", txn.From, err)
	}
	if txn.Nonce < acct.Nonce {
		return 0, fmt.Errorf("%w: account %d, tx %d", ErrStaleNonce, acct.Nonce, txn.Nonce)
	}

	// Same-nonce replacement must outbid the queued entry.
	queue := p.senders[txn.From]
	var replaced *item
	if prev, ok := queue[txn.Nonce]; ok {
		if txn.GasPrice <= prev.gasPrice {
			return 0, fmt.Errorf("%w: nonce %d queued at price %d", ErrConflict, txn.Nonce, prev.gasPrice)
		}
		replaced = prev
	}

	// The sender must be able to cover this transaction on top of every
	// queued one at a lower nonce.
	need := cost
	for nonce, e := range queue {
		if nonce < txn.Nonce {
			need += e.cost
		}
	}
	if acct.Balance < need {
		return 0, fmt.Errorf("%w: balance %d, queued spend %d", ErrOverdraft, acct.Balance, need)
	}

	if replaced != nil {
		p.removeLocked(replaced.hash)
	} else if enforceCap && len(p.txs) >= p.capacity {
		victim := p.lowestPriceLocked()
		if victim == nil || txn.GasPrice <= victim.gasPrice {
			return 0, ErrPoolFull
		}
		p.evictTailLocked(victim.from, victim.nonce)
	}

	e := &item{
		tx:       txn,
		hash:     hash,
		from:     txn.From,
		nonce:    txn.Nonce,
		gasPrice: txn.GasPrice,
		fee:      fee,
		cost:     cost,
	}
	p.txs[hash] = e
	queue = p.senders[txn.From]
	if queue == nil {
		queue = make(map[uint64]*item)
		p.senders[txn.From] = queue
	}
	queue[txn.Nonce] = e

	return fee, nil
}

// Remove drops the transaction with the given hash, if queued.
func (p *Pool) Remove(hash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(hash)
	p.syncGaugeLocked()
}

func (p *Pool) removeLocked(hash types.Hash) {
	e, ok := p.txs[hash]
	if !ok {
		return
	}
	delete(p.txs, hash)
	if queue, ok := p.senders[e.from]; ok {
		if q, ok := queue[e.nonce]; ok && q.hash == hash {
			delete(queue, e.nonce)
		}
		if len(queue) == 0 {
			delete(p.senders, e.from)
		}
	}
}

// RemoveConfirmed drops transactions a block included, along with any queued
// same-sender entry the block made stale (nonce at or below the included one).
func (p *Pool) RemoveConfirmed(confirmed []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range confirmed {
		p.removeLocked(t.Hash())
		for nonce, stale := range p.senders[t.From] {
			if nonce <= t.Nonce {
				p.removeLocked(stale.hash)
			}
		}
	}
	p.syncGaugeLocked()
}

// Reinject re-adds transactions returned to the pool by a reorg. They were
// accepted once, so the capacity gate does not apply; the pool is trimmed
// back to size afterwards, cheapest first. Entries the new branch made
// invalid are silently dropped. Returns how many survived.
func (p *Pool) Reinject(returned []*tx.Transaction) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	hashes := make([]types.Hash, 0, len(returned))
	for _, t := range returned {
		if _, err := p.addLocked(t, false); err == nil {
			hashes = append(hashes, t.Hash())
		}
	}
	p.evictOverflowLocked()
	p.syncGaugeLocked()

	kept := 0
	for _, h := range hashes {
		if _, ok := p.txs[h]; ok {
			kept++
		}
	}
	return kept
}

// Has reports whether the pool currently queues hash.
func (p *Pool) Has(hash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[hash]
	return ok
}

// Get returns the queued transaction for hash, or nil.
func (p *Pool) Get(hash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.txs[hash]; ok {
		return e.tx
	}
	return nil
}

// GetFee returns the fee the transaction queued under hash will pay, or 0
// when nothing is queued under hash.
func (p *Pool) GetFee(hash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.txs[hash]; ok {
		return e.fee
	}
	return 0
}

// Count returns how many transactions are queued.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes lists every queued transaction hash, in no particular order.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Collect(maps.Keys(p.txs))
}

// NextNonce returns the nonce a new transaction from addr should carry:
// the account nonce advanced past the sender's contiguous queued run.
func (p *Pool) NextNonce(addr types.Address) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acct, err := p.accounts.GetAccount(addr)
	if err != nil {
		return 0, fmt.Errorf("read account %s: %w", addr, err)
	}
	nonce := acct.Nonce
	for {
		if _, ok := p.senders[addr][nonce]; !ok {
			return nonce, nil
		}
		nonce++
	}
}

// PendingFor returns addr's queued transactions in ascending nonce order.
func (p *Pool) PendingFor(addr types.Address) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	queue := p.senders[addr]
	if len(queue) == 0 {
		return nil
	}
	nonces := slices.Sorted(maps.Keys(queue))
	out := make([]*tx.Transaction, len(nonces))
	for i, n := range nonces {
		out[i] = queue[n].tx
	}
	return out
}

// SelectForBlock returns up to limit transactions for the next block:
// highest gas price first across senders, nonces contiguous from the
// account nonce within each sender. Queued entries behind a nonce gap are
// not eligible.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if limit <= 0 || len(p.txs) == 0 {
		return nil
	}

	next := make(map[types.Address]uint64, len(p.senders))
	for addr := range p.senders {
		acct, err := p.accounts.GetAccount(addr)
		if err != nil {
			continue
		}
		next[addr] = acct.Nonce
	}

	var picked []*tx.Transaction
	for len(picked) < limit {
		var best *item
		for addr, nonce := range next {
			e, ok := p.senders[addr][nonce]
			if !ok {
				continue
			}
			if best == nil || e.gasPrice > best.gasPrice {
				best = e
			}
		}
		if best == nil {
			break
		}
		picked = append(picked, best.tx)
		next[best.from]++
	}
	return picked
}

// lowestPriceLocked returns the cheapest queued item. Must be called with
// p.mu held.
func (p *Pool) lowestPriceLocked() *item {
	var lowest *item
	for _, cand := range p.txs {
		if lowest == nil || cand.gasPrice < lowest.gasPrice {
			lowest = cand
		}
	}
	return lowest
}

// evictTailLocked removes a sender's entries from fromNonce upward. The
// higher nonces could never be included once fromNonce is gone. Must be
// called with p.mu held.
func (p *Pool) evictTailLocked(addr types.Address, fromNonce uint64) {
	for nonce, e := range p.senders[addr] {
		if nonce >= fromNonce {
			p.removeLocked(e.hash)
		}
	}
}

func (p *Pool) syncGaugeLocked() {
	if p.metrics != nil {
		p.metrics.MempoolSize.Set(float64(len(p.txs)))
	}
}
