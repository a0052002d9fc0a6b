package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// ErrNotFound is returned when an address has no account entry.
var ErrNotFound = errors.New("account not found")

// prefixAccount namespaces account entries: a/<address(20)> -> Account JSON.
var prefixAccount = []byte("a/")

// Store implements Ledger backed by a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a new account store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// accountKey builds a storage key for an address: "a/" + addr(20).
func accountKey(addr types.Address) []byte {
	key := make([]byte, len(prefixAccount)+types.AddressSize)
	copy(key, prefixAccount)
	copy(key[len(prefixAccount):], addr[:])
	return key
}

// Get retrieves an account by address. Returns ErrNotFound if the address
// has never been touched.
func (s *Store) Get(addr types.Address) (*Account, error) {
	ok, err := s.db.Has(accountKey(addr))
	if err != nil {
		return nil, fmt.Errorf("account has: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	data, err := s.db.Get(accountKey(addr))
	if err != nil {
		return nil, fmt.Errorf("account get: %w", err)
	}
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("account unmarshal: %w", err)
	}
	return &acct, nil
}

// GetOrNew retrieves an account, returning a fresh zero account when the
// address has no entry yet.
func (s *Store) GetOrNew(addr types.Address) (*Account, error) {
	acct, err := s.Get(addr)
	if errors.Is(err, ErrNotFound) {
		return &Account{}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Put stores an account.
func (s *Store) Put(addr types.Address, acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("account marshal: %w", err)
	}
	if err := s.db.Put(accountKey(addr), data); err != nil {
		return fmt.Errorf("account put: %w", err)
	}
	return nil
}

// Delete removes an account entry.
func (s *Store) Delete(addr types.Address) error {
	if err := s.db.Delete(accountKey(addr)); err != nil {
		return fmt.Errorf("account delete: %w", err)
	}
	return nil
}

// Has checks if an account entry exists for the given address.
func (s *Store) Has(addr types.Address) (bool, error) {
	return s.db.Has(accountKey(addr))
}

// ForEach iterates over all accounts in the store.
func (s *Store) ForEach(fn func(types.Address, *Account) error) error {
	return s.db.ForEach(prefixAccount, func(key, value []byte) error {
		if len(key) != len(prefixAccount)+types.AddressSize {
			return nil // Malformed key, skip.
		}
		var addr types.Address
		copy(addr[:], key[len(prefixAccount):])
		var acct Account
		if err := json.Unmarshal(value, &acct); err != nil {
			return fmt.Errorf("account unmarshal: %w", err)
		}
		return fn(addr, &acct)
	})
}

// ClearAll removes all account entries. Used during state recovery after a
// crash during reorg.
func (s *Store) ClearAll() error {
	var keys [][]byte
	if err := s.db.ForEach(prefixAccount, func(key, _ []byte) error {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		return nil
	}); err != nil {
		return fmt.Errorf("scan accounts: %w", err)
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("delete account key: %w", err)
		}
	}
	return nil
}
