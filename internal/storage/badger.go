package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB is the on-disk backend, one Badger instance per data directory.
type BadgerDB struct {
	db *badger.DB
}

// NewBadger opens (or creates) the database under path. Badger takes an
// exclusive directory lock, so a second node pointed at the same data dir
// fails here rather than corrupting state.
func NewBadger(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // zerolog is the only logger in this process

	db, err := badger.Open(opts)
	if err != nil {
		if isLockError(err) {
			return nil, fmt.Errorf("data dir %s is held by another allfeatd process: %w", path, err)
		}
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerDB{db: db}, nil
}

func isLockError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Cannot acquire directory lock") ||
		strings.Contains(msg, "resource temporarily unavailable")
}

func (d *BadgerDB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		err = ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return out, nil
}

func (d *BadgerDB) Put(key, value []byte) error {
	if err := d.db.Update(func(txn *badger.Txn) error { return txn.Set(key, value) }); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

func (d *BadgerDB) Delete(key []byte) error {
	if err := d.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) }); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

func (d *BadgerDB) Has(key []byte) (bool, error) {
	var found bool
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err == nil {
			found = true
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check key: %w", err)
	}
	return found, nil
}

// ForEach walks keys under prefix in Badger's native ascending order.
func (d *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		iopt := badger.DefaultIteratorOptions
		iopt.Prefix = prefix
		it := txn.NewIterator(iopt)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *BadgerDB) Close() error {
	return d.db.Close()
}
