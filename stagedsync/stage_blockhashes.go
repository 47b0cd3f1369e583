package stagedsync

import (
	"context"
	"errors"

	"github.com/ledgerwatch/log/v3"

	"github.com/flashbots/stagedsync-core/common/length"
	"github.com/flashbots/stagedsync-core/etl"
	"github.com/flashbots/stagedsync-core/kv"
	"github.com/flashbots/stagedsync-core/stages"
	"github.com/flashbots/stagedsync-core/stagedsync/stageresult"
)

// BlockHashesCfg holds the BlockHashes stage's construction parameters,
// following the teacher's own Stage*Cfg / StageSendersCfg shape.
type BlockHashesCfg struct {
	db     kv.RwDB
	tmpdir string
}

// StageBlockHashesCfg builds a BlockHashesCfg.
func StageBlockHashesCfg(db kv.RwDB, tmpdir string) BlockHashesCfg {
	return BlockHashesCfg{db: db, tmpdir: tmpdir}
}

// SpawnBlockHashStage derives HeaderNumbers from CanonicalHashes for every
// block between the stage's own watermark and the Bodies watermark.
func SpawnBlockHashStage(s *StageState, tx kv.RwTx, cfg BlockHashesCfg, ctx context.Context, logger log.Logger) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return stageresult.New(stageresult.DBError, err)
		}
		defer tx.Rollback()
	}

	target, err := stages.GetProgress(tx, stages.Bodies)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	start := s.BlockNumber
	if start == target {
		if !useExternalTx {
			return commitOrDB(tx)
		}
		return nil
	}

	collector := etl.NewCollector(cfg.tmpdir, string(stages.BlockHashes), etl.BufferOptimalSize, logger)
	defer collector.Close()

	c, err := tx.Cursor(kv.CanonicalHashes)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	defer c.Close()

	expected := start + 1
	var lastSeen uint64
	for k, v, cerr := c.Seek(kv.EncodeBlockNumber(expected)); k != nil; k, v, cerr = c.Next() {
		if cerr != nil {
			return stageresult.New(stageresult.DBError, cerr)
		}
		num, decErr := kv.DecodeBlockNumber(k)
		if decErr != nil || num != expected {
			return stageresult.ErrBadChainSequence
		}
		if len(v) != length.Hash {
			return stageresult.ErrBadBlockHash
		}
		hash := append([]byte{}, v...)
		numBE := append([]byte{}, k...)
		if err := collector.Collect(hash, numBE); err != nil {
			return err
		}
		lastSeen = num
		if num >= target {
			break
		}
		expected++
	}
	if lastSeen != target {
		return stageresult.ErrBadChainSequence
	}

	mode := etl.ModeUpsert
	empty, err := destinationEmpty(tx, kv.HeaderNumbers)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	if empty {
		mode = etl.ModeAppend
	}

	dest, err := tx.RwCursor(kv.HeaderNumbers)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	defer dest.Close()

	if err := collector.Load(dest, nil, mode, 10); err != nil {
		if errors.Is(err, etl.ErrNonMonotoneAppend) {
			return stageresult.New(stageresult.BadChainSequence, err)
		}
		return stageresult.New(stageresult.DBError, err)
	}

	if err := s.Update(tx, target); err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	if !useExternalTx {
		return commitOrDB(tx)
	}
	return nil
}

// UnwindBlockHashStage deletes every HeaderNumbers entry whose canonical
// block number is above u.UnwindPoint. A missing inverse entry is skipped
// without an error and without a log line: running this twice in a row is
// a no-op the second time.
func UnwindBlockHashStage(u *UnwindState, tx kv.RwTx, cfg BlockHashesCfg, ctx context.Context) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return stageresult.New(stageresult.DBError, err)
		}
		defer tx.Rollback()
	}

	c, err := tx.Cursor(kv.CanonicalHashes)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	defer c.Close()

	dest, err := tx.RwCursor(kv.HeaderNumbers)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	defer dest.Close()

	for k, v, cerr := c.Seek(kv.EncodeBlockNumber(u.UnwindPoint + 1)); k != nil; k, v, cerr = c.Next() {
		if cerr != nil {
			return stageresult.New(stageresult.DBError, cerr)
		}
		if len(v) != length.Hash {
			continue
		}
		if err := dest.Delete(v); err != nil {
			return stageresult.New(stageresult.DBError, err)
		}
	}

	if err := u.Done(tx); err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	if !useExternalTx {
		return commitOrDB(tx)
	}
	return nil
}

func commitOrDB(tx kv.RwTx) error {
	if err := tx.Commit(); err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	return nil
}

// destinationEmpty reports whether table has no rows, used to pick between
// the Collector's APPEND fast path (empty destination) and UPSERT (table
// already has data, so insertion order can't be guaranteed monotone).
func destinationEmpty(tx kv.RwTx, table string) (bool, error) {
	c, err := tx.Cursor(table)
	if err != nil {
		return false, err
	}
	defer c.Close()
	k, _, err := c.First()
	if err != nil {
		return false, err
	}
	return k == nil, nil
}
