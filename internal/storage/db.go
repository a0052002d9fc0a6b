// Package storage defines the key-value layer the node persists into.
//
// A single physical database holds every namespace (account ledger,
// canonical chain, Ethereum-compatible index); PrefixDB carves it into
// those namespaces so each subsystem sees only its own keys.
package storage

import "errors"

// ErrNotFound is returned by Get when the key has no entry. Backends wrap
// it, so match with errors.Is.
var ErrNotFound = errors.New("storage: key not found")

// DB is a flat key-value store.
type DB interface {
	// Get returns the value for key, or an error wrapping ErrNotFound.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach visits every key that starts with prefix, in ascending key
	// order. The callback owns the key slice; the value is only valid for
	// the duration of the call. A non-nil error from fn stops the walk and
	// is returned as-is.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}
