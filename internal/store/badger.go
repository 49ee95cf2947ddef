package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB maps each Txn onto a native badger read-write transaction.
type BadgerDB struct {
	db *badger.DB
}

var _ DB = (*BadgerDB)(nil)

// OpenBadger opens a badger store at path, or an in-memory one when
// inMemory is set.
func OpenBadger(path string, inMemory bool) (*BadgerDB, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if path == "" {
			return nil, errors.New("badger: path is required for a persistent store")
		}
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerDB{db: db}, nil
}

func (b *BadgerDB) Begin() (Txn, error) {
	return &badgerTxn{txn: b.db.NewTransaction(true)}, nil
}

func (b *BadgerDB) Close() error {
	return b.db.Close()
}

type badgerTxn struct {
	txn  *badger.Txn
	done bool
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	if t.done {
		return ErrTxnDone
	}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), value); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) Set(key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	return t.txn.Set(key, value)
}

func (t *badgerTxn) Delete(key []byte) error {
	if t.done {
		return ErrTxnDone
	}
	return t.txn.Delete(key)
}

func (t *badgerTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	return t.txn.Commit()
}

func (t *badgerTxn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.txn.Discard()
}
