package storage

// PrefixDB exposes one namespace of a shared DB. Every key is stored with
// a fixed prefix prepended, so the ledger, chain, and index namespaces can
// live side by side in a single Badger instance without seeing each other.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: append([]byte(nil), prefix...)}
}

// joinKey allocates prefix+key. Both PrefixDB and its batches go through
// here so the key layout cannot drift between the two paths.
func joinKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) {
	return p.inner.Get(joinKey(p.prefix, key))
}

func (p *PrefixDB) Put(key, value []byte) error {
	return p.inner.Put(joinKey(p.prefix, key), value)
}

func (p *PrefixDB) Delete(key []byte) error {
	return p.inner.Delete(joinKey(p.prefix, key))
}

func (p *PrefixDB) Has(key []byte) (bool, error) {
	return p.inner.Has(joinKey(p.prefix, key))
}

// ForEach walks the namespace's keys under prefix. Callbacks see logical
// keys, with the namespace prefix already stripped.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(joinKey(p.prefix, prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// DeleteAll empties the namespace and reports how many keys were removed.
// The node's --reindex path uses the count for its progress log. Keys are
// collected before any delete so the walk never observes its own writes.
func (p *PrefixDB) DeleteAll() (int, error) {
	var keys [][]byte
	err := p.inner.ForEach(p.prefix, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := p.inner.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// Close does nothing. The owner of the inner DB closes it once, no matter
// how many namespaces were carved out of it.
func (p *PrefixDB) Close() error {
	return nil
}

// NewBatch returns a batch whose writes land inside the namespace. When
// the inner DB batches atomically, so does this one; otherwise writes are
// buffered and replayed one at a time on Commit.
func (p *PrefixDB) NewBatch() Batch {
	if batcher, ok := p.inner.(Batcher); ok {
		return &prefixBatch{inner: batcher.NewBatch(), prefix: p.prefix}
	}
	return &replayBatch{db: p}
}

type prefixBatch struct {
	inner  Batch
	prefix []byte
}

func (pb *prefixBatch) Put(key, value []byte) error {
	return pb.inner.Put(joinKey(pb.prefix, key), value)
}

func (pb *prefixBatch) Delete(key []byte) error {
	return pb.inner.Delete(joinKey(pb.prefix, key))
}

func (pb *prefixBatch) Commit() error {
	return pb.inner.Commit()
}

// replayBatch is the non-atomic fallback for inner DBs without batch
// support. Ops are copied on buffer since callers may reuse their slices.
type replayBatch struct {
	db  *PrefixDB
	ops []pendingWrite
}

type pendingWrite struct {
	key   []byte
	value []byte
	del   bool
}

func (rb *replayBatch) Put(key, value []byte) error {
	rb.ops = append(rb.ops, pendingWrite{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (rb *replayBatch) Delete(key []byte) error {
	rb.ops = append(rb.ops, pendingWrite{
		key: append([]byte(nil), key...),
		del: true,
	})
	return nil
}

func (rb *replayBatch) Commit() error {
	for _, op := range rb.ops {
		var err error
		if op.del {
			err = rb.db.Delete(op.key)
		} else {
			err = rb.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	rb.ops = nil
	return nil
}
