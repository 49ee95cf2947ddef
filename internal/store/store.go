// Package store is the transactional key-value boundary the pool core
// commits through. Every public pool operation runs inside exactly one Txn:
// all of its reads, writes and balance movements become visible on Commit
// or vanish on Discard.
package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("store: key not found")
	ErrTxnDone  = errors.New("store: transaction already committed or discarded")
)

// Reader is the read side of a transaction.
type Reader interface {
	// Get returns a copy of the value stored at key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Scan calls fn for every key with the given prefix in ascending key
	// order. Returned slices are copies owned by fn.
	Scan(prefix []byte, fn func(key, value []byte) error) error
}

// Txn is a read-write transaction. Reads observe the txn's own writes.
type Txn interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	// Discard releases the txn. Safe to call after Commit.
	Discard()
}

// DB opens transactions against one backend.
type DB interface {
	Begin() (Txn, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendBadger = "badger"
)

// Config selects and configures a backend.
type Config struct {
	Backend  string
	Path     string
	InMemory bool
}

// Open creates the configured backend.
func Open(cfg Config) (DB, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryDB(), nil
	case BackendPebble:
		return OpenPebble(cfg.Path, cfg.InMemory)
	case BackendBadger:
		return OpenBadger(cfg.Path, cfg.InMemory)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// KV is one exported key/value pair.
type KV struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Export reads every key in db.
func Export(db DB) ([]KV, error) {
	txn, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	var out []KV
	err = txn.Scan(nil, func(key, value []byte) error {
		out = append(out, KV{Key: key, Value: value})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export scan: %w", err)
	}
	return out, nil
}

// Import writes pairs into db in a single transaction.
func Import(db DB, pairs []KV) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer txn.Discard()

	for _, kv := range pairs {
		if err := txn.Set(kv.Key, kv.Value); err != nil {
			return fmt.Errorf("import %q: %w", kv.Key, err)
		}
	}
	return txn.Commit()
}

// Clear deletes every key in db in a single transaction.
func Clear(db DB) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer txn.Discard()

	var keys [][]byte
	err = txn.Scan(nil, func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear scan: %w", err)
	}
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("clear %q: %w", key, err)
		}
	}
	return txn.Commit()
}

// prefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
