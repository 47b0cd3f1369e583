package etl

import (
	"bytes"
	"sort"
)

// entry is one (key, value) pair held in the in-memory buffer before it is
// sorted and either kept in RAM or flushed to a run file.
type entry struct {
	key, value []byte
}

// buffer accumulates Collect()ed entries until the Collector decides to
// flush it, then sorts them in place by key, then value. It is not safe for concurrent
// use; the Collector serializes access to it.
type buffer struct {
	entries []entry
	size    int
}

func newBuffer() *buffer {
	return &buffer{entries: make([]entry, 0, 1024)}
}

func (b *buffer) Put(k, v []byte) {
	b.size += len(k) + len(v)
	b.entries = append(b.entries, entry{
		key:   append([]byte(nil), k...),
		value: append([]byte(nil), v...),
	})
}

// Size reports the combined byte length of every key and value currently
// buffered, the quantity measured against the Collector's flush threshold.
func (b *buffer) Size() int { return b.size }

func (b *buffer) Len() int { return len(b.entries) }

func (b *buffer) Sort() {
	sort.Slice(b.entries, func(i, j int) bool {
		if c := bytes.Compare(b.entries[i].key, b.entries[j].key); c != 0 {
			return c < 0
		}
		return bytes.Compare(b.entries[i].value, b.entries[j].value) < 0
	})
}

func (b *buffer) Get(i int) entry { return b.entries[i] }

func (b *buffer) Reset() {
	b.entries = b.entries[:0]
	b.size = 0
}
