package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleDB reads each Txn from a pebble snapshot taken at Begin and buffers
// its writes in an overlay; Commit applies them with a single synced batch.
type PebbleDB struct {
	db *pebble.DB
}

var _ DB = (*PebbleDB)(nil)

// OpenPebble opens (or creates) a pebble store at dir. inMemory backs the
// store with an in-memory filesystem for tests.
func OpenPebble(dir string, inMemory bool) (*PebbleDB, error) {
	opts := &pebble.Options{}
	if inMemory {
		opts.FS = vfs.NewMem()
	} else if dir == "" {
		return nil, errors.New("pebble: path is required for a persistent store")
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", dir, err)
	}
	return &PebbleDB{db: db}, nil
}

func (p *PebbleDB) Begin() (Txn, error) {
	return &pebbleTxn{
		db:     p.db,
		snap:   p.db.NewSnapshot(),
		writes: make(map[string][]byte),
	}, nil
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}

// pebbleTxn overlays writes on snap; a nil value in writes marks a delete.
type pebbleTxn struct {
	db     *pebble.DB
	snap   *pebble.Snapshot
	writes map[string][]byte
	done   bool
}

func (t *pebbleTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if v, ok := t.writes[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return bytes.Clone(v), nil
	}
	val, closer, err := t.snap.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(val), nil
}

func (t *pebbleTxn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	if t.done {
		return ErrTxnDone
	}
	iter, err := t.snap.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	merged := make(map[string][]byte)
	for iter.First(); iter.Valid(); iter.Next() {
		merged[string(iter.Key())] = bytes.Clone(iter.Value())
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	if err := iter.Close(); err != nil {
		return err
	}
	return scanOverlay(merged, t.writes, string(prefix), fn)
}

func (t *pebbleTxn) Set(key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	if value == nil {
		value = []byte{}
	}
	t.writes[string(key)] = bytes.Clone(value)
	return nil
}

func (t *pebbleTxn) Delete(key []byte) error {
	if t.done {
		return ErrTxnDone
	}
	t.writes[string(key)] = nil
	return nil
}

func (t *pebbleTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	defer t.snap.Close()
	if len(t.writes) == 0 {
		return nil
	}

	batch := t.db.NewBatch()
	defer batch.Close()
	for k, v := range t.writes {
		var err error
		if v == nil {
			err = batch.Delete([]byte(k), nil)
		} else {
			err = batch.Set([]byte(k), v, nil)
		}
		if err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (t *pebbleTxn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.writes = nil
	t.snap.Close()
}
