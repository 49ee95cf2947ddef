package store

import (
	"bytes"
	"sort"
	"strings"
	"sync"
)

// MemoryDB keeps everything in a map. Used by tests and by single-node
// deployments that restore from Postgres snapshots on startup.
//
// A published map is never mutated: Commit installs a fresh copy, so a
// transaction reads the state as of Begin however long it stays open.
type MemoryDB struct {
	mu   sync.Mutex
	data map[string][]byte
}

var _ DB = (*MemoryDB)(nil)

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{data: make(map[string][]byte)}
}

func (m *MemoryDB) Begin() (Txn, error) {
	m.mu.Lock()
	snap := m.data
	m.mu.Unlock()
	return &memoryTxn{
		db:     m,
		snap:   snap,
		writes: make(map[string][]byte),
	}, nil
}

func (m *MemoryDB) Close() error {
	return nil
}

// memoryTxn buffers writes; a nil value in writes marks a delete.
type memoryTxn struct {
	db     *MemoryDB
	snap   map[string][]byte
	writes map[string][]byte
	done   bool
}

func (t *memoryTxn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if v, ok := t.writes[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return bytes.Clone(v), nil
	}

	v, ok := t.snap[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *memoryTxn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	if t.done {
		return ErrTxnDone
	}
	merged := make(map[string][]byte)
	for k, v := range t.snap {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = v
		}
	}
	return scanOverlay(merged, t.writes, string(prefix), fn)
}

// scanOverlay applies the prefixed entries of writes over base and calls fn
// for the result in key order.
func scanOverlay(base, writes map[string][]byte, prefix string, fn func(key, value []byte) error) error {
	for k, v := range writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(base, k)
		} else {
			base[k] = v
		}
	}

	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn([]byte(k), bytes.Clone(base[k])); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTxn) Set(key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	if value == nil {
		value = []byte{}
	}
	t.writes[string(key)] = bytes.Clone(value)
	return nil
}

func (t *memoryTxn) Delete(key []byte) error {
	if t.done {
		return ErrTxnDone
	}
	t.writes[string(key)] = nil
	return nil
}

func (t *memoryTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	if len(t.writes) == 0 {
		return nil
	}

	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	next := make(map[string][]byte, len(t.db.data)+len(t.writes))
	for k, v := range t.db.data {
		next[k] = v
	}
	for k, v := range t.writes {
		if v == nil {
			delete(next, k)
		} else {
			next[k] = v
		}
	}
	t.db.data = next
	return nil
}

func (t *memoryTxn) Discard() {
	t.done = true
	t.snap = nil
	t.writes = nil
}
