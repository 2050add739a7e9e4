package tablecache

import (
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func TestCacheGet(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	db, err := c.Get("lineitem")
	require.NoError(t, err)
	again, err := c.Get("lineitem")
	require.NoError(t, err)
	require.Same(t, db, again)

	require.NoError(t, db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))

	_, err = c.Get("orders")
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, 0, c.Len())
	_, err = c.Get("lineitem")
	require.ErrorIs(t, err, ErrClosed)

	// Data survives reopening the table.
	c = New(dir)
	defer c.Close()
	db, err = c.Get("lineitem")
	require.NoError(t, err)
	require.NoError(t, db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		require.Equal(t, "v", string(val))
		return err
	}))
}

func TestCacheInvalidTable(t *testing.T) {
	c := New(t.TempDir())
	defer c.Close()
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := c.Get(name)
		require.ErrorIs(t, err, ErrInvalidTable, name)
	}
}
