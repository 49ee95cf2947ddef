package store_test

import (
	"testing"

	"TrancheLedger/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]store.DB {
	t.Helper()

	pebbleDB, err := store.OpenPebble("pebble-test", true)
	require.NoError(t, err)
	badgerDB, err := store.OpenBadger("", true)
	require.NoError(t, err)

	dbs := map[string]store.DB{
		store.BackendMemory: store.NewMemoryDB(),
		store.BackendPebble: pebbleDB,
		store.BackendBadger: badgerDB,
	}
	t.Cleanup(func() {
		for _, db := range dbs {
			db.Close()
		}
	})
	return dbs
}

func TestTxn_CommitMakesWritesVisible(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			txn, err := db.Begin()
			require.NoError(t, err)
			require.NoError(t, txn.Set([]byte("pool/1"), []byte("a")))

			got, err := txn.Get([]byte("pool/1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), got, "txn must read its own write")
			require.NoError(t, txn.Commit())

			reader, err := db.Begin()
			require.NoError(t, err)
			defer reader.Discard()
			got, err = reader.Get([]byte("pool/1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), got)
		})
	}
}

func TestTxn_DiscardRollsBack(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			txn, err := db.Begin()
			require.NoError(t, err)
			require.NoError(t, txn.Set([]byte("pool/2"), []byte("b")))
			txn.Discard()

			reader, err := db.Begin()
			require.NoError(t, err)
			defer reader.Discard()
			_, err = reader.Get([]byte("pool/2"))
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestTxn_ScanPrefixOrderedWithOverlay(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed, err := db.Begin()
			require.NoError(t, err)
			require.NoError(t, seed.Set([]byte("order/2"), []byte("2")))
			require.NoError(t, seed.Set([]byte("order/1"), []byte("1")))
			require.NoError(t, seed.Set([]byte("orders"), []byte("x")))
			require.NoError(t, seed.Set([]byte("pool/9"), []byte("p")))
			require.NoError(t, seed.Commit())

			txn, err := db.Begin()
			require.NoError(t, err)
			defer txn.Discard()
			require.NoError(t, txn.Delete([]byte("order/1")))
			require.NoError(t, txn.Set([]byte("order/3"), []byte("3")))

			var keys []string
			err = txn.Scan([]byte("order/"), func(k, v []byte) error {
				keys = append(keys, string(k))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"order/2", "order/3"}, keys)
		})
	}
}

func TestTxn_ReadsStateAsOfBegin(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed, err := db.Begin()
			require.NoError(t, err)
			require.NoError(t, seed.Set([]byte("pool/1"), []byte("old")))
			require.NoError(t, seed.Set([]byte("order/1"), []byte("1")))
			require.NoError(t, seed.Commit())

			view, err := db.Begin()
			require.NoError(t, err)
			defer view.Discard()
			got, err := view.Get([]byte("pool/1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("old"), got)

			writer, err := db.Begin()
			require.NoError(t, err)
			require.NoError(t, writer.Set([]byte("pool/1"), []byte("new")))
			require.NoError(t, writer.Set([]byte("order/2"), []byte("2")))
			require.NoError(t, writer.Delete([]byte("order/1")))
			require.NoError(t, writer.Commit())

			got, err = view.Get([]byte("pool/1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("old"), got, "open txn must not see a later commit")

			var keys []string
			require.NoError(t, view.Scan([]byte("order/"), func(key, _ []byte) error {
				keys = append(keys, string(key))
				return nil
			}))
			assert.Equal(t, []string{"order/1"}, keys)
		})
	}
}

func TestTxn_UseAfterCommit(t *testing.T) {
	db := store.NewMemoryDB()
	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	assert.ErrorIs(t, txn.Set([]byte("k"), []byte("v")), store.ErrTxnDone)
	assert.ErrorIs(t, txn.Commit(), store.ErrTxnDone)
	txn.Discard()
}

func TestExportImport(t *testing.T) {
	src := store.NewMemoryDB()
	txn, _ := src.Begin()
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	require.NoError(t, txn.Set([]byte("b"), []byte("2")))
	require.NoError(t, txn.Commit())

	pairs, err := store.Export(src)
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	dst := store.NewMemoryDB()
	require.NoError(t, store.Import(dst, pairs))

	reader, _ := dst.Begin()
	defer reader.Discard()
	got, err := reader.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := store.Open(store.Config{Backend: "etcd"})
	assert.Error(t, err)
}
