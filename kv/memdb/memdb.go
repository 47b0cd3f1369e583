// Package memdb is a pure-Go stand-in for the real backing store, built on
// an ordered B-tree rather than a concrete database engine. The KV store
// itself is out of this core's scope; memdb exists only so stages and the
// Collector can be exercised in tests without a real environment behind
// them, following the NewTestDB/NewTestTx helper shape the teacher exposes
// over its own (MDBX-backed) in-memory mode.
package memdb

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/btree"

	"github.com/flashbots/stagedsync-core/kv"
)

type entry struct {
	key, value []byte
}

func (a entry) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(entry).key) < 0
}

// DB is an in-memory, btree-backed kv.RwDB. Only one read-write transaction
// may be open at a time, mirroring the single-writer discipline of the real
// store. Readers share a read lock and never block each other, but an open
// reader blocks the writer and an open writer blocks readers.
type DB struct {
	mu     sync.RWMutex
	tables map[string]*btree.BTree
}

// New creates an empty in-memory store. tmpDir is accepted for signature
// parity with a disk-backed constructor but unused.
func New(_ string) kv.RwDB {
	return &DB{tables: make(map[string]*btree.BTree)}
}

// NewTestDB creates a store whose Close is registered with tb's cleanup.
func NewTestDB(tb testing.TB) kv.RwDB {
	tb.Helper()
	db := New(tb.TempDir())
	tb.Cleanup(db.Close)
	return db
}

// NewTestTx creates a store plus one already-open read-write transaction,
// rolled back automatically during tb's cleanup unless the caller commits
// it first.
func NewTestTx(tb testing.TB) (kv.RwDB, kv.RwTx) {
	tb.Helper()
	db := NewTestDB(tb)
	tx, err := db.BeginRw(context.Background())
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(tx.Rollback)
	return db, tx
}

func (db *DB) table(name string) *btree.BTree {
	t, ok := db.tables[name]
	if !ok {
		t = btree.New(32)
		db.tables[name] = t
	}
	return t
}

func (db *DB) View(_ context.Context, f func(tx kv.Tx) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return f(&tx{db: db, writable: false})
}

func (db *DB) BeginRw(_ context.Context) (kv.RwTx, error) {
	db.mu.Lock()
	return &tx{db: db, writable: true}, nil
}

func (db *DB) Update(ctx context.Context, f func(tx kv.RwTx) error) error {
	rw, err := db.BeginRw(ctx)
	if err != nil {
		return err
	}
	if err := f(rw); err != nil {
		rw.Rollback()
		return err
	}
	return rw.Commit()
}

func (db *DB) Close() {}

// tx implements both kv.Tx and kv.RwTx. Read-only transactions hold the
// store's read lock for their lifetime; read-write transactions hold the
// exclusive lock until Commit or Rollback releases it.
type tx struct {
	db       *DB
	writable bool
	done     bool
}

func (t *tx) checkWritable() error {
	if !t.writable {
		return fmt.Errorf("memdb: write attempted on a read-only transaction")
	}
	if t.done {
		return fmt.Errorf("memdb: transaction already closed")
	}
	return nil
}

func (t *tx) GetOne(table string, key []byte) ([]byte, error) {
	item := t.db.table(table).Get(entry{key: key})
	if item == nil {
		return nil, nil
	}
	return item.(entry).value, nil
}

func (t *tx) Cursor(table string) (kv.Cursor, error) {
	return &cursor{tree: t.db.table(table)}, nil
}

func (t *tx) RwCursor(table string) (kv.RwCursor, error) {
	if err := t.checkWritable(); err != nil {
		return nil, err
	}
	return &cursor{tree: t.db.table(table)}, nil
}

func (t *tx) Put(table string, k, v []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	value := append([]byte(nil), v...)
	t.db.table(table).ReplaceOrInsert(entry{key: append([]byte(nil), k...), value: value})
	return nil
}

func (t *tx) Delete(table string, k []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.db.table(table).Delete(entry{key: k})
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.writable {
		t.db.mu.Unlock()
	} else {
		t.db.mu.RUnlock()
	}
	return nil
}

func (t *tx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	if t.writable {
		t.db.mu.Unlock()
	} else {
		t.db.mu.RUnlock()
	}
}

// cursor walks a table's btree in ascending key order. It is a simple,
// non-snapshotting cursor: Next always re-descends from the current key,
// which is fine at the scale this double is meant for (tests, not
// production throughput).
type cursor struct {
	tree   *btree.BTree
	cur    []byte
	hasCur bool
}

func (c *cursor) Seek(seek []byte) ([]byte, []byte, error) {
	var k, v []byte
	c.tree.AscendGreaterOrEqual(entry{key: seek}, func(i btree.Item) bool {
		e := i.(entry)
		k, v = e.key, e.value
		return false
	})
	if k != nil {
		c.cur, c.hasCur = k, true
	} else {
		c.hasCur = false
	}
	return k, v, nil
}

func (c *cursor) First() ([]byte, []byte, error) {
	return c.Seek(nil)
}

func (c *cursor) Next() ([]byte, []byte, error) {
	if !c.hasCur {
		return nil, nil, nil
	}
	var k, v []byte
	c.tree.AscendGreaterOrEqual(entry{key: c.cur}, func(i btree.Item) bool {
		e := i.(entry)
		if bytes.Equal(e.key, c.cur) {
			return true
		}
		k, v = e.key, e.value
		return false
	})
	if k != nil {
		c.cur, c.hasCur = k, true
	} else {
		c.hasCur = false
	}
	return k, v, nil
}

func (c *cursor) Last() ([]byte, []byte, error) {
	item := c.tree.Max()
	if item == nil {
		c.hasCur = false
		return nil, nil, nil
	}
	e := item.(entry)
	c.cur, c.hasCur = e.key, true
	return e.key, e.value, nil
}

func (c *cursor) Close() {}

func (c *cursor) Put(k, v []byte) error {
	c.tree.ReplaceOrInsert(entry{key: append([]byte(nil), k...), value: append([]byte(nil), v...)})
	return nil
}

// Append requires k to sort after every key currently in the table; this
// mirrors the real store's fast bulk-load path and lets the Collector's
// APPEND mode be exercised meaningfully even against this in-memory double.
func (c *cursor) Append(k, v []byte) error {
	if max := c.tree.Max(); max != nil {
		if bytes.Compare(k, max.(entry).key) <= 0 {
			return fmt.Errorf("memdb: Append requires strictly increasing keys, got %x after %x", k, max.(entry).key)
		}
	}
	return c.Put(k, v)
}

func (c *cursor) Delete(k []byte) error {
	c.tree.Delete(entry{key: k})
	return nil
}
