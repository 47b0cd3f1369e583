// Package etl implements the Collector: a bounded-memory, external-sort
// staging area used to build up a large set of key/value changes and load
// them into a destination table in sorted order, spilling to disk only when
// the in-memory buffer overflows. It is the same Collect/Load shape the
// teacher's own common/etl package exposes, generalized to this core's KV
// boundary and rewritten against a varint run format instead of cbor.
package etl

import (
	"bytes"
	"container/heap"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/flashbots/stagedsync-core/kv"
)

// BufferOptimalSize is the default flush threshold: once the in-memory
// buffer holds more than this many bytes of keys and values, it is sorted
// and spilled to a run file. A buffer that never crosses the threshold is
// sorted at Load and served from RAM.
const BufferOptimalSize = 512 * datasize.MB

// LoadMode selects how entries are written into the destination table.
type LoadMode int

const (
	// ModeUpsert overwrites existing keys; it is always safe but forgoes
	// the destination's bulk-append fast path.
	ModeUpsert LoadMode = iota
	// ModeAppend writes through the destination cursor's Append. Load first
	// checks that the merged keys of this call are strictly increasing; a
	// repeated key is ErrNonMonotoneAppend and nothing is written. A key
	// that does not sort after the destination's existing keys is rejected
	// by the cursor's Append, whose error Load returns unchanged.
	ModeAppend
)

// TransformFunc rewrites a collected (key, value) pair before it is loaded
// into the destination. A nil TransformFunc loads entries unchanged.
type TransformFunc func(k, v []byte) (outK, outV []byte, err error)

// Collector accumulates (key, value) pairs via Collect, then streams them
// into a destination cursor in sorted order via Load. Between those calls
// it owns everything it needs to do that merge: an in-memory buffer plus,
// once that buffer has spilled at least once, the run files that hold the
// overflow.
type Collector struct {
	tmpDir     string
	prefix     string
	threshold  int
	logger     log.Logger
	buf        *buffer
	providers  []dataProvider
	allInRAM   bool
	entryCount int64
	closed     bool
}

// NewCollector creates a Collector that spills to tmpDir once its buffer
// exceeds threshold bytes. On construction it makes a best-effort sweep of
// stale run files left behind by a previous, abnormally-terminated
// Collector using the same prefix, so crashed runs don't leak disk forever.
func NewCollector(tmpDir string, prefix string, threshold datasize.ByteSize, logger log.Logger) *Collector {
	sweepStaleRuns(tmpDir, prefix)
	return &Collector{
		tmpDir:    tmpDir,
		prefix:    prefix,
		threshold: int(threshold.Bytes()),
		logger:    logger,
		buf:       newBuffer(),
	}
}

func sweepStaleRuns(tmpDir, prefix string) {
	matches, err := filepath.Glob(filepath.Join(tmpDir, prefix+"-run-*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

// Collect adds one (key, value) pair, flushing the buffer to a run if it
// has grown past the threshold.
func (c *Collector) Collect(k, v []byte) error {
	c.buf.Put(k, v)
	c.entryCount++
	if c.buf.Size() > c.threshold {
		return c.flush(false)
	}
	return nil
}

// Size reports the number of entries collected so far (across the current
// buffer and every already-flushed run).
func (c *Collector) Size() int { return int(c.entryCount) }

// Empty reports whether Collect has never been called.
func (c *Collector) Empty() bool { return c.entryCount == 0 }

func (c *Collector) flush(isFinal bool) error {
	if c.buf.Len() == 0 {
		return nil
	}
	c.buf.Sort()
	if isFinal && len(c.providers) == 0 {
		// Hot path: nothing has spilled yet and this is the last batch, so
		// the whole collection fits in RAM. Keep it there instead of
		// touching disk at all.
		c.providers = append(c.providers, &memoryProvider{buf: c.buf})
		c.allInRAM = true
		return nil
	}
	provider, err := flushToDisk(c.tmpDir, c.prefix, len(c.providers), c.buf)
	if err != nil {
		return err
	}
	c.providers = append(c.providers, provider)
	c.buf = newBuffer()
	return nil
}

// Load merges every run (the in-memory buffer plus any spilled files) in
// key order and writes the result into dest. logEveryPercent controls how
// often progress is logged (0 disables progress logging).
func (c *Collector) Load(dest kv.RwCursor, transform TransformFunc, mode LoadMode, logEveryPercent int) error {
	defer c.disposeProviders()

	if !c.allInRAM {
		if err := c.flush(true); err != nil {
			return err
		}
	}
	if transform == nil {
		transform = func(k, v []byte) ([]byte, []byte, error) { return k, v, nil }
	}

	h := &mergeHeap{}
	heap.Init(h)
	for i, p := range c.providers {
		k, v, err := p.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}
		heap.Push(h, heapElem{key: k, value: v, runID: i})
	}

	type pair struct{ k, v []byte }

	if mode == ModeAppend {
		// APPEND must fail before touching dest on a non-monotone key, which
		// a streaming merge can't guarantee (the violation only becomes
		// visible on the item *after* the one that would already have been
		// written). So for this mode the whole merged stream is validated
		// for strict ordering first, then written in a second pass.
		pairs := make([]pair, 0, c.entryCount)
		var lastKey []byte
		for h.Len() > 0 {
			el := heap.Pop(h).(heapElem)
			outK, outV, err := transform(el.key, el.value)
			if err != nil {
				return err
			}
			if lastKey != nil && bytes.Compare(outK, lastKey) <= 0 {
				return fmt.Errorf("%w: %x did not increase past %x", ErrNonMonotoneAppend, outK, lastKey)
			}
			lastKey = outK
			pairs = append(pairs, pair{outK, outV})

			nk, nv, err := c.providers[el.runID].Next()
			if err == io.EOF {
				continue
			}
			if err != nil {
				return err
			}
			heap.Push(h, heapElem{key: nk, value: nv, runID: el.runID})
		}

		logEvery := progressStep(c.entryCount, logEveryPercent)
		start := time.Now()
		for i, p := range pairs {
			if err := dest.Append(p.k, p.v); err != nil {
				return err
			}
			if logEvery > 0 && int64(i+1)%logEvery == 0 && c.logger != nil {
				c.logger.Info("etl load progress", "written", i+1, "total", c.entryCount, "took", time.Since(start))
			}
		}
		return nil
	}

	// UPSERT has no ordering requirement, so the merge and the write run
	// concurrently: one goroutine drains the heap, the other writes.
	pairs := make(chan pair, 128)

	g := new(errgroup.Group)
	g.Go(func() error {
		defer close(pairs)
		for h.Len() > 0 {
			el := heap.Pop(h).(heapElem)
			outK, outV, err := transform(el.key, el.value)
			if err != nil {
				return err
			}
			pairs <- pair{outK, outV}

			nk, nv, err := c.providers[el.runID].Next()
			if err == io.EOF {
				continue
			}
			if err != nil {
				return err
			}
			heap.Push(h, heapElem{key: nk, value: nv, runID: el.runID})
		}
		return nil
	})

	g.Go(func() error {
		logEvery := progressStep(c.entryCount, logEveryPercent)
		written := int64(0)
		start := time.Now()
		for p := range pairs {
			if err := dest.Put(p.k, p.v); err != nil {
				return err
			}
			written++
			if logEvery > 0 && written%logEvery == 0 && c.logger != nil {
				c.logger.Info("etl load progress", "written", written, "total", c.entryCount, "took", time.Since(start))
			}
		}
		return nil
	})

	return g.Wait()
}

func progressStep(total int64, percent int) int64 {
	if percent <= 0 || total == 0 {
		return 0
	}
	step := total * int64(percent) / 100
	if step < 1 {
		step = 1
	}
	return step
}

func (c *Collector) disposeProviders() {
	var total uint64
	for _, p := range c.providers {
		n, err := p.Dispose()
		if err != nil && c.logger != nil {
			c.logger.Warn("etl: error disposing run provider", "err", err)
		}
		total += n
	}
	c.providers = nil
	if total > 0 && c.logger != nil {
		c.logger.Debug("etl: temp files removed", "total size", datasize.ByteSize(total).HumanReadable())
	}
}

// Close discards the Collector and removes every run file it created,
// whether or not Load was ever called. Safe to call more than once.
func (c *Collector) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.disposeProviders()
}
