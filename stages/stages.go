// Package stages names the pipeline's stage keys and implements the
// Progress Registry: the persisted watermark for how far each stage has
// advanced, grounded on the teacher's own eth/stagedsync/stages package
// (GetStageProgress/SaveStageProgress), generalized with a prune watermark
// alongside the forward one and a per-cycle read cache.
package stages

import (
	"encoding/binary"
	"fmt"

	"github.com/flashbots/stagedsync-core/kv"
)

// Key identifies a stage. It is used as the key into the Progress Registry
// tables, so it must be stable and unique across the pipeline's lifetime.
type Key string

const (
	// Bodies is not a stage this core implements; its watermark is written
	// upstream and only ever read here, marking how far canonical block
	// bodies extend so BlockHashes knows its own target height.
	Bodies      Key = "Bodies"
	BlockHashes Key = "BlockHashes"
	Senders     Key = "Senders"
)

// GetProgress reads a stage's forward watermark: the highest block number
// it has fully processed. Zero means the stage has never run.
func GetProgress(tx kv.Tx, stage Key) (uint64, error) {
	v, err := tx.GetOne(kv.SyncStageProgress, []byte(stage))
	if err != nil {
		return 0, err
	}
	return decodeProgress(v)
}

// PutProgress records a stage's forward watermark.
func PutProgress(tx kv.RwTx, stage Key, progress uint64) error {
	return tx.Put(kv.SyncStageProgress, []byte(stage), encodeProgress(progress))
}

// GetPruneProgress reads a stage's prune watermark: the highest block
// number below which data has already been pruned.
func GetPruneProgress(tx kv.Tx, stage Key) (uint64, error) {
	v, err := tx.GetOne(kv.SyncStagePruneProgress, []byte(stage))
	if err != nil {
		return 0, err
	}
	return decodeProgress(v)
}

// PutPruneProgress records a stage's prune watermark.
func PutPruneProgress(tx kv.RwTx, stage Key, progress uint64) error {
	return tx.Put(kv.SyncStagePruneProgress, []byte(stage), encodeProgress(progress))
}

func encodeProgress(n uint64) []byte {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], n)
	return v[:]
}

func decodeProgress(v []byte) (uint64, error) {
	if len(v) == 0 {
		return 0, nil
	}
	if len(v) < 8 {
		return 0, fmt.Errorf("stages: progress value must be at least 8 bytes, got %d", len(v))
	}
	return binary.BigEndian.Uint64(v[:8]), nil
}

// Registry caches each stage's progress for the lifetime of one driver
// cycle, so repeated StageState/UnwindState lookups don't re-read the
// table even though each stage invocation may run against its own
// transaction. The cache does not survive the cycle boundary: callers get
// a fresh Registry per cycle. The driver invalidates a stage's entry once
// that stage's forward, unwind or prune call has returned success; a
// failed call leaves the entry as it was, so the cache never mirrors a
// write that was rolled back.
type Registry struct {
	progress      map[Key]uint64
	pruneProgress map[Key]uint64
}

// NewRegistry creates an empty Registry, scoped to one driver cycle.
func NewRegistry() *Registry {
	return &Registry{
		progress:      make(map[Key]uint64),
		pruneProgress: make(map[Key]uint64),
	}
}

// Progress returns stage's cached forward watermark, reading through tx
// and populating the cache on a miss.
func (r *Registry) Progress(tx kv.Tx, stage Key) (uint64, error) {
	if v, ok := r.progress[stage]; ok {
		return v, nil
	}
	v, err := GetProgress(tx, stage)
	if err != nil {
		return 0, err
	}
	r.progress[stage] = v
	return v, nil
}

// PruneProgress returns stage's cached prune watermark, reading through tx
// and populating the cache on a miss.
func (r *Registry) PruneProgress(tx kv.Tx, stage Key) (uint64, error) {
	if v, ok := r.pruneProgress[stage]; ok {
		return v, nil
	}
	v, err := GetPruneProgress(tx, stage)
	if err != nil {
		return 0, err
	}
	r.pruneProgress[stage] = v
	return v, nil
}

// Invalidate drops stage's cached values so the next read fetches fresh
// ones from the store. Called by the driver after a stage's call has
// returned success, so an aborted stage invocation leaves no trace in the
// cache.
func (r *Registry) Invalidate(stage Key) {
	delete(r.progress, stage)
	delete(r.pruneProgress, stage)
}
