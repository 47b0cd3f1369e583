package stagedsync

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"

	"github.com/flashbots/stagedsync-core/chain"
	"github.com/flashbots/stagedsync-core/common/length"
	"github.com/flashbots/stagedsync-core/etl"
	"github.com/flashbots/stagedsync-core/kv"
	"github.com/flashbots/stagedsync-core/stages"
	"github.com/flashbots/stagedsync-core/stagedsync/stageresult"
	"github.com/flashbots/stagedsync-core/txnsign"
)

// BodyReader decodes a canonical block's transactions. RLP decoding is
// outside this core's scope (the wire codec is an external collaborator);
// the Senders stage consumes already-decoded transactions through this
// interface, mirroring the teacher's own services.FullBlockReader
// dependency in stage_senders.go. TransactionsForBlock returns (nil, nil)
// when the block body itself is missing, and a (possibly empty, non-nil)
// slice when the body exists but has no transactions.
type BodyReader interface {
	TransactionsForBlock(tx kv.Tx, blockNum uint64, hash [length.Hash]byte) ([]*txnsign.Transaction, error)
}

// SendersCfg holds the Senders stage's construction parameters.
type SendersCfg struct {
	db           kv.RwDB
	chainConfig  *chain.Config
	bodyReader   BodyReader
	tmpdir       string
	batchSize    int
	maxWorkers   int
	badBlockHalt bool
	retainBlocks uint64
}

// StageSendersCfg builds a SendersCfg. maxWorkers defaults to
// runtime.GOMAXPROCS(0) when 0 is passed, mirroring the teacher's own
// "we can only be as parallel as our crypto library supports" sizing.
func StageSendersCfg(db kv.RwDB, chainConfig *chain.Config, bodyReader BodyReader, badBlockHalt bool, tmpdir string, maxWorkers int, retainBlocks uint64) SendersCfg {
	const sendersBatchSize = 50000
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return SendersCfg{
		db:           db,
		chainConfig:  chainConfig,
		bodyReader:   bodyReader,
		tmpdir:       tmpdir,
		batchSize:    sendersBatchSize,
		maxWorkers:   maxWorkers,
		badBlockHalt: badBlockHalt,
		retainBlocks: retainBlocks,
	}
}

// senderPackage is one transaction's recovery work item, built by the
// stage's producer loop and handed to the farm: chain-id and envelope
// rules have already been resolved into a signing hash and recovery
// parity, so a worker does nothing but the ECDSA recovery itself.
type senderPackage struct {
	blockNum    uint64
	txnIndex    int
	signingHash [32]byte
	r, s        *uint256.Int
	parity      byte
}

type senderResult struct {
	blockNum uint64
	txnIndex int
	addr     txnsign.Address
	err      error
}

// sendersFarm recovers a stream of senderPackages into senderResults using
// up to maxWorkers goroutines, spawned lazily as dispatch backs up rather
// than all at once, following spec: "if no worker is idle and
// live_workers < N, a new worker is spawned". Completed batches land on a
// harvestable queue guarded by mu/cond, drained by the producer.
type sendersFarm struct {
	maxWorkers int
	dispatch   chan []senderPackage

	mu          sync.Mutex
	cond        *sync.Cond
	harvestable [][]senderResult
	liveWorkers int

	stopping  int32
	closeOnce sync.Once
}

func newSendersFarm(maxWorkers int) *sendersFarm {
	f := &sendersFarm{maxWorkers: maxWorkers, dispatch: make(chan []senderPackage)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *sendersFarm) stop()            { atomic.StoreInt32(&f.stopping, 1) }
func (f *sendersFarm) isStopping() bool { return atomic.LoadInt32(&f.stopping) == 1 }

// submit hands batch to an idle worker, spawning a new one (up to
// maxWorkers) if none is immediately available, and otherwise blocks —
// this is the back-pressure point that caps memory at batch_size*N.
func (f *sendersFarm) submit(batch []senderPackage) {
	select {
	case f.dispatch <- batch:
		return
	default:
	}
	f.mu.Lock()
	spawn := f.liveWorkers < f.maxWorkers
	if spawn {
		f.liveWorkers++
	}
	f.mu.Unlock()
	if spawn {
		f.spawnWorker()
	}
	f.dispatch <- batch
}

func (f *sendersFarm) spawnWorker() {
	go func() {
		defer func() {
			f.mu.Lock()
			f.liveWorkers--
			f.cond.Broadcast()
			f.mu.Unlock()
		}()
		for batch := range f.dispatch {
			if f.isStopping() {
				continue
			}
			results := make([]senderResult, 0, len(batch))
			for _, pkg := range batch {
				if f.isStopping() {
					break
				}
				addr, err := txnsign.RecoverFromHash(pkg.signingHash, pkg.r, pkg.s, pkg.parity)
				results = append(results, senderResult{blockNum: pkg.blockNum, txnIndex: pkg.txnIndex, addr: addr, err: err})
				if err != nil {
					break
				}
			}
			f.mu.Lock()
			f.harvestable = append(f.harvestable, results)
			f.cond.Broadcast()
			f.mu.Unlock()
		}
	}()
}

// drain empties the harvestable queue, returning every result accumulated
// since the last call.
func (f *sendersFarm) drain() []senderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.harvestable) == 0 {
		return nil
	}
	var all []senderResult
	for _, b := range f.harvestable {
		all = append(all, b...)
	}
	f.harvestable = nil
	return all
}

// shutdown closes the dispatch channel (safe to call more than once) and
// blocks until every worker has exited, satisfying the farm lifecycle
// guarantee that no worker thread outlives it.
func (f *sendersFarm) shutdown() {
	f.closeOnce.Do(func() { close(f.dispatch) })
	f.mu.Lock()
	for f.liveWorkers > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

// SpawnRecoverSendersStage recovers sender addresses for every canonical
// block between the stage's own watermark and the BlockHashes watermark.
func SpawnRecoverSendersStage(s *StageState, u Unwinder, tx kv.RwTx, cfg SendersCfg, ctx context.Context, logger log.Logger) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return stageresult.New(stageresult.DBError, err)
		}
		defer tx.Rollback()
	}

	target, err := stages.GetProgress(tx, stages.BlockHashes)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	start := s.BlockNumber
	if start >= target {
		if !useExternalTx {
			return commitOrDB(tx)
		}
		return nil
	}

	collector := etl.NewCollector(cfg.tmpdir, string(stages.Senders), etl.BufferOptimalSize, logger)
	defer collector.Close()

	farm := newSendersFarm(cfg.maxWorkers)
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			farm.stop()
		case <-watchDone:
		}
	}()

	canonC, err := tx.Cursor(kv.CanonicalHashes)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	defer canonC.Close()

	var (
		batch         []senderPackage
		pending       = map[uint64][]senderResult{}
		blockTxnCount = map[uint64]int{}
		firstErrBlock = ^uint64(0)
		firstErr      error
	)

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		farm.submit(batch)
		batch = nil
	}

	harvest := func() error {
		for _, res := range farm.drain() {
			if res.err != nil {
				if res.blockNum < firstErrBlock {
					firstErrBlock, firstErr = res.blockNum, res.err
				}
				continue
			}
			pending[res.blockNum] = append(pending[res.blockNum], res)
			if len(pending[res.blockNum]) == blockTxnCount[res.blockNum] {
				addrs := pending[res.blockNum]
				sort.Slice(addrs, func(i, j int) bool { return addrs[i].txnIndex < addrs[j].txnIndex })
				buf := make([]byte, len(addrs)*length.Addr)
				for i, a := range addrs {
					copy(buf[i*length.Addr:], a.addr[:])
				}
				if err := collector.Collect(kv.EncodeBlockNumber(res.blockNum), buf); err != nil {
					return err
				}
				delete(pending, res.blockNum)
				delete(blockTxnCount, res.blockNum)
			}
		}
		return nil
	}

blockLoop:
	for k, v, cerr := canonC.Seek(kv.EncodeBlockNumber(start + 1)); k != nil; k, v, cerr = canonC.Next() {
		if cerr != nil {
			return stageresult.New(stageresult.DBError, cerr)
		}
		if farm.isStopping() || ctx.Err() != nil {
			farm.stop()
			break
		}
		blockNum, decErr := kv.DecodeBlockNumber(k)
		if decErr != nil {
			return stageresult.ErrBadChainSequence
		}
		if blockNum > target {
			break
		}
		if len(v) != length.Hash {
			return stageresult.ErrBadBlockHash
		}
		var hash [length.Hash]byte
		copy(hash[:], v)

		txns, err := cfg.bodyReader.TransactionsForBlock(tx, blockNum, hash)
		if err != nil {
			return stageresult.New(stageresult.DBError, err)
		}
		if txns == nil {
			return stageresult.New(stageresult.MissingSenders, fmt.Errorf("missing block body for block %d", blockNum))
		}

		if len(txns) == 0 {
			if err := collector.Collect(kv.EncodeBlockNumber(blockNum), nil); err != nil {
				return err
			}
			continue
		}

		blockTxnCount[blockNum] = len(txns)
		rules := cfg.chainConfig.Rules(blockNum)
		for i, t := range txns {
			if !txnsign.ValidS(t.S) {
				return stageresult.ErrInvalidTransaction
			}
			parity, perr := txnsign.RecoveryParity(t)
			if perr != nil {
				return stageresult.New(stageresult.InvalidTransaction, perr)
			}
			sighash := t.SigningHash(rules.IsEIP155 && t.Protected(), cfg.chainConfig.ChainID)
			batch = append(batch, senderPackage{
				blockNum: blockNum, txnIndex: i,
				signingHash: sighash, r: t.R, s: t.S, parity: parity,
			})
			if len(batch) >= cfg.batchSize {
				flushBatch()
			}
		}
		if err := harvest(); err != nil {
			return err
		}
		if firstErr != nil {
			farm.stop()
			break blockLoop
		}
	}
	flushBatch()
	farm.shutdown()
	if err := harvest(); err != nil {
		return err
	}

	if farm.isStopping() && firstErr == nil {
		return stageresult.New(stageresult.Aborted, errors.New("senders recovery stopped"))
	}

	if firstErr != nil {
		logger.Error(fmt.Sprintf("[%s] error recovering senders for block %d", s.LogPrefix(), firstErrBlock), "err", firstErr)
		if cfg.badBlockHalt {
			return stageresult.New(stageresult.InvalidTransaction, firstErr)
		}
		if firstErrBlock > start {
			u.UnwindTo(firstErrBlock-1, [32]byte{})
		}
		if !useExternalTx {
			return commitOrDB(tx)
		}
		return nil
	}

	dest, err := tx.RwCursor(kv.Senders)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	defer dest.Close()
	if err := collector.Load(dest, nil, etl.ModeAppend, 10); err != nil {
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

// UnwindSendersStage deletes every Senders row above h.
func UnwindSendersStage(u *UnwindState, tx kv.RwTx, cfg SendersCfg, ctx context.Context) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return stageresult.New(stageresult.DBError, err)
		}
		defer tx.Rollback()
	}

	c, err := tx.RwCursor(kv.Senders)
	if err != nil {
		return stageresult.New(stageresult.DBError, err)
	}
	defer c.Close()

	for k, _, cerr := c.Seek(kv.EncodeBlockNumber(u.UnwindPoint + 1)); k != nil; k, _, cerr = c.Next() {
		if cerr != nil {
			return stageresult.New(stageresult.DBError, cerr)
		}
		if err := c.Delete(k); err != nil {
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

// PruneSendersStage deletes Senders rows older than cfg.retainBlocks behind
// the stage's own forward progress. retainBlocks == 0 disables pruning.
func PruneSendersStage(p *PruneState, tx kv.RwTx, cfg SendersCfg, ctx context.Context) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(ctx)
		if err != nil {
			return stageresult.New(stageresult.DBError, err)
		}
		defer tx.Rollback()
	}

	if cfg.retainBlocks > 0 && p.ForwardProgress > cfg.retainBlocks {
		pruneTo := p.ForwardProgress - cfg.retainBlocks
		if pruneTo > p.PruneProgress {
			c, err := tx.RwCursor(kv.Senders)
			if err != nil {
				return stageresult.New(stageresult.DBError, err)
			}
			defer c.Close()
			for k, _, err := c.First(); k != nil; k, _, err = c.Next() {
				if err != nil {
					return stageresult.New(stageresult.DBError, err)
				}
				num, decErr := kv.DecodeBlockNumber(k)
				if decErr != nil {
					return stageresult.New(stageresult.DBError, decErr)
				}
				if num >= pruneTo {
					break
				}
				if err := c.Delete(k); err != nil {
					return stageresult.New(stageresult.DBError, err)
				}
			}
			if err := p.Done(tx, pruneTo); err != nil {
				return stageresult.New(stageresult.DBError, err)
			}
		}
	}

	if !useExternalTx {
		return commitOrDB(tx)
	}
	return nil
}
