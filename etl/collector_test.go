package etl_test

import (
	"os"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/stagedsync-core/etl"
	"github.com/flashbots/stagedsync-core/kv/memdb"
)

func TestCollectorLoadSortsAcrossInsertOrder(t *testing.T) {
	for _, order := range [][2]string{{"x", "y"}, {"y", "x"}} {
		c := etl.NewCollector(t.TempDir(), "t", 1*datasize.MB, nil)
		require.NoError(t, c.Collect([]byte(order[0]), []byte("1")))
		require.NoError(t, c.Collect([]byte(order[1]), []byte("2")))

		_, tx := memdb.NewTestTx(t)
		dest, err := tx.RwCursor("dest")
		require.NoError(t, err)

		require.NoError(t, c.Load(dest, nil, etl.ModeUpsert, 0))

		var got []string
		for k, _, err := dest.First(); k != nil; k, _, err = dest.Next() {
			require.NoError(t, err)
			got = append(got, string(k))
		}
		require.Equal(t, []string{"x", "y"}, got, "collect(x);collect(y);load must equal collect(y);collect(x);load")
		dest.Close()
		c.Close()
	}
}

func TestCollectorLoadSpillsWhenOverThreshold(t *testing.T) {
	c := etl.NewCollector(t.TempDir(), "spill", 16, nil) // tiny threshold forces a spill
	for i := 0; i < 200; i++ {
		k := []byte{byte(199 - i)}
		require.NoError(t, c.Collect(k, []byte("v")))
	}
	require.Equal(t, 200, c.Size())

	_, tx := memdb.NewTestTx(t)
	dest, err := tx.RwCursor("dest")
	require.NoError(t, err)
	defer dest.Close()

	require.NoError(t, c.Load(dest, nil, etl.ModeUpsert, 0))

	prev := -1
	count := 0
	for k, _, err := dest.First(); k != nil; k, _, err = dest.Next() {
		require.NoError(t, err)
		require.Greater(t, int(k[0]), prev)
		prev = int(k[0])
		count++
	}
	require.Equal(t, 200, count)
}

func TestCollectorUpsertMergesDuplicateKeysAcrossRunsInValueOrder(t *testing.T) {
	// Threshold of 1 byte spills every entry into its own run, so the two
	// equal-key entries meet again only inside the k-way merge; (key, value)
	// ordering means the larger value must load last and win the upsert,
	// regardless of which run was flushed first.
	c := etl.NewCollector(t.TempDir(), "dupruns", 1, nil)
	defer c.Close()
	require.NoError(t, c.Collect([]byte("k"), []byte("2")))
	require.NoError(t, c.Collect([]byte("k"), []byte("1")))

	_, tx := memdb.NewTestTx(t)
	dest, err := tx.RwCursor("dest")
	require.NoError(t, err)
	defer dest.Close()

	require.NoError(t, c.Load(dest, nil, etl.ModeUpsert, 0))

	v, err := tx.GetOne("dest", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestCollectorLoadAppendRejectsNonMonotoneKeys(t *testing.T) {
	c := etl.NewCollector(t.TempDir(), "dup", 1*datasize.MB, nil)
	require.NoError(t, c.Collect([]byte("k"), []byte("1")))
	require.NoError(t, c.Collect([]byte("k"), []byte("2")))

	_, tx := memdb.NewTestTx(t)
	dest, err := tx.RwCursor("dest")
	require.NoError(t, err)
	defer dest.Close()

	err = c.Load(dest, nil, etl.ModeAppend, 0)
	require.ErrorIs(t, err, etl.ErrNonMonotoneAppend)

	k, _, err := dest.First()
	require.NoError(t, err)
	require.Nil(t, k, "destination must be untouched after a failed APPEND load")
}

func TestCollectorEmpty(t *testing.T) {
	c := etl.NewCollector(t.TempDir(), "empty", 1*datasize.MB, nil)
	defer c.Close()
	require.True(t, c.Empty())
	require.NoError(t, c.Collect([]byte("a"), []byte("1")))
	require.False(t, c.Empty())
}

func TestCollectorCloseRemovesSpilledRuns(t *testing.T) {
	dir := t.TempDir()
	c := etl.NewCollector(dir, "gone", 16, nil)
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Collect([]byte{byte(i)}, []byte("v")))
	}
	c.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "Close must remove every spilled run file")

	_, tx := memdb.NewTestTx(t)
	dest, err := tx.RwCursor("dest")
	require.NoError(t, err)
	defer dest.Close()

	// A fresh Collector over the same dir/prefix must not see any run files
	// left behind by the one just closed.
	fresh := etl.NewCollector(dir, "gone", 16, nil)
	defer fresh.Close()
	require.True(t, fresh.Empty())
}
