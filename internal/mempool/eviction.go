package mempool

// Evict removes the cheapest transactions until the pool is at or below
// capacity. Normal adds keep the pool within bounds on their own; this
// catches overruns from reorg reinjection.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := p.evictOverflowLocked()
	p.syncGaugeLocked()
	return evicted
}

// evictOverflowLocked trims the pool to capacity, dropping the cheapest
// entry and the sender nonces stranded behind it each round. Must be
// called with p.mu held.
func (p *Pool) evictOverflowLocked() int {
	before := len(p.txs)
	for len(p.txs) > p.capacity {
		victim := p.lowestPriceLocked()
		if victim == nil {
			break
		}
		p.evictTailLocked(victim.from, victim.nonce)
	}
	return before - len(p.txs)
}
