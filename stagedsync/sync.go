package stagedsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerwatch/log/v3"

	"github.com/flashbots/stagedsync-core/kv"
	"github.com/flashbots/stagedsync-core/stages"
	"github.com/flashbots/stagedsync-core/stagedsync/stageresult"
)

// invokeSafely runs f, converting any panic it raises into a
// stageresult.UnexpectedError result carrying the panic value, so
// a stage's programming error degrades to a reported cycle failure instead
// of taking down the driver. Ported from the teacher's own
// debug.LogPanic()-at-goroutine-boundary convention.
func invokeSafely(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = stageresult.New(stageresult.UnexpectedError, fmt.Errorf("panic: %v", r))
		}
	}()
	return f()
}

// Sync drives the pipeline: a forward cycle over Stages in ascending
// ordinal order, an unwind cycle over unwindOrder (descending ordinal for
// the stages this core ships) when a stage requests one, and a prune cycle
// over pruningOrder for stages that opt into pruning. Ported from the
// teacher's own eth/stagedsync/sync.go Sync type.
type Sync struct {
	unwindPoint     *uint64
	prevUnwindPoint *uint64
	badBlock        [32]byte

	stages       []*Stage
	unwindOrder  []*Stage
	pruningOrder []*Stage
	currentStage uint
	timings      []timing
	logPrefixes  []string
	logger       log.Logger
	registry     *stages.Registry
}

type timing struct {
	isUnwind bool
	isPrune  bool
	stage    stages.Key
	took     time.Duration
}

// New builds a Sync over stagesList, unwinding in the order named by
// unwindOrder and pruning in the order named by pruneOrder (both slices of
// stage keys; a key not present in stagesList is silently left out of the
// resolved order, matching the teacher's own permissive builder).
func New(stagesList []*Stage, unwindOrder []stages.Key, pruneOrder []stages.Key, logger log.Logger) *Sync {
	byID := make(map[stages.Key]*Stage, len(stagesList))
	for _, s := range stagesList {
		byID[s.ID] = s
	}
	resolve := func(order []stages.Key) []*Stage {
		out := make([]*Stage, 0, len(order))
		for _, id := range order {
			if s, ok := byID[id]; ok {
				out = append(out, s)
			}
		}
		return out
	}
	logPrefixes := make([]string, len(stagesList))
	for i := range stagesList {
		logPrefixes[i] = fmt.Sprintf("%d/%d %s", i+1, len(stagesList), stagesList[i].ID)
	}
	return &Sync{
		stages:       stagesList,
		unwindOrder:  resolve(unwindOrder),
		pruningOrder: resolve(pruneOrder),
		logPrefixes:  logPrefixes,
		logger:       logger,
		registry:     stages.NewRegistry(),
	}
}

func (s *Sync) Len() int                 { return len(s.stages) }
func (s *Sync) PrevUnwindPoint() *uint64 { return s.prevUnwindPoint }

func (s *Sync) NextStage() {
	if s == nil {
		return
	}
	s.currentStage++
}

func (s *Sync) IsDone() bool {
	return s.currentStage >= uint(len(s.stages)) && s.unwindPoint == nil
}

func (s *Sync) LogPrefix() string {
	if s == nil || int(s.currentStage) >= len(s.logPrefixes) {
		return ""
	}
	return s.logPrefixes[s.currentStage]
}

func (s *Sync) SetCurrentStage(id stages.Key) error {
	for i, stage := range s.stages {
		if stage.ID == id {
			s.currentStage = uint(i)
			return nil
		}
	}
	return fmt.Errorf("stagedsync: stage not found: %v", id)
}

// UnwindTo implements Unwinder: it records the pending unwind point for the
// driver to act on at the top of the next Run iteration.
func (s *Sync) UnwindTo(unwindPoint uint64, badBlock [32]byte) {
	s.logger.Info("UnwindTo", "block", unwindPoint)
	s.unwindPoint = &unwindPoint
	s.badBlock = badBlock
}

func (s *Sync) stageState(stage stages.Key, tx kv.Tx) (*StageState, error) {
	blockNum, err := s.registry.Progress(tx, stage)
	if err != nil {
		return nil, err
	}
	return &StageState{sync: s, Stage: stage, BlockNumber: blockNum}, nil
}

func (s *Sync) pruneState(stage stages.Key, forwardProgress uint64, tx kv.Tx) (*PruneState, error) {
	pruneProgress, err := s.registry.PruneProgress(tx, stage)
	if err != nil {
		return nil, err
	}
	return &PruneState{sync: s, Stage: stage, ForwardProgress: forwardProgress, PruneProgress: pruneProgress}, nil
}

// Run executes one forward cycle, resolving any pending unwind first.
// firstCycle is passed through to every stage call and is cleared once an
// unwind has run; BlockHashes and Senders do not read it.
func (s *Sync) Run(ctx context.Context, db kv.RwDB, tx kv.RwTx, firstCycle bool) error {
	s.prevUnwindPoint = nil
	s.timings = s.timings[:0]
	s.registry = stages.NewRegistry()

	for !s.IsDone() {
		var badBlockUnwind bool
		if s.unwindPoint != nil {
			for _, stage := range s.unwindOrder {
				if stage == nil || stage.Disabled || stage.Unwind == nil {
					continue
				}
				if err := s.unwindStage(ctx, firstCycle, stage, db, tx); err != nil {
					return err
				}
			}
			s.prevUnwindPoint = s.unwindPoint
			s.unwindPoint = nil
			if s.badBlock != ([32]byte{}) {
				badBlockUnwind = true
			}
			s.badBlock = [32]byte{}
			if err := s.SetCurrentStage(s.stages[0].ID); err != nil {
				return err
			}
			firstCycle = false
		}
		if badBlockUnwind {
			break
		}

		stage := s.stages[s.currentStage]
		if stage.Disabled || stage.Forward == nil {
			s.logger.Debug(fmt.Sprintf("%s disabled: %s", stage.ID, stage.DisabledDescription))
			s.NextStage()
			continue
		}

		if err := s.runStage(ctx, stage, db, tx, firstCycle, badBlockUnwind); err != nil {
			return err
		}
		s.NextStage()
	}

	s.currentStage = 0
	if len(s.timings) > 0 {
		s.logger.Debug("Timings", s.Timings()...)
	}
	return nil
}

// Timings reports how long each stage invocation of the current cycle took,
// as alternating name/duration pairs ready to hand to a structured logger.
func (s *Sync) Timings() []interface{} {
	res := make([]interface{}, 0, len(s.timings)*2)
	for _, t := range s.timings {
		name := string(t.stage)
		switch {
		case t.isUnwind:
			name = "Unwind " + name
		case t.isPrune:
			name = "Prune " + name
		}
		res = append(res, name, t.took)
	}
	return res
}

// RunUnwind forces the pending unwind (if any) without running a forward
// cycle afterward; used to drain an unwind the caller already knows about
// before doing anything else this cycle.
func (s *Sync) RunUnwind(ctx context.Context, db kv.RwDB, tx kv.RwTx) error {
	if s.unwindPoint == nil {
		return nil
	}
	s.registry = stages.NewRegistry()
	for _, stage := range s.unwindOrder {
		if stage == nil || stage.Disabled || stage.Unwind == nil {
			continue
		}
		if err := s.unwindStage(ctx, false, stage, db, tx); err != nil {
			return err
		}
	}
	s.prevUnwindPoint = s.unwindPoint
	s.unwindPoint = nil
	s.badBlock = [32]byte{}
	return s.SetCurrentStage(s.stages[0].ID)
}

// RunPrune runs one prune cycle over every stage with HasPruning set. One
// stage's prune failure does not stop the remaining stages from being
// attempted; every failure is surfaced together at the end of the cycle.
func (s *Sync) RunPrune(ctx context.Context, db kv.RwDB, tx kv.RwTx, firstCycle bool) error {
	s.timings = s.timings[:0]
	s.registry = stages.NewRegistry()
	var errs []error
	for _, stage := range s.pruningOrder {
		if stage == nil || stage.Disabled || !stage.HasPruning || stage.Prune == nil {
			continue
		}
		if err := s.pruneStage(ctx, firstCycle, stage, db, tx); err != nil {
			errs = append(errs, err)
		}
	}
	s.currentStage = 0
	if err := s.SetCurrentStage(s.stages[0].ID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Sync) runStage(ctx context.Context, stage *Stage, db kv.RwDB, tx kv.RwTx, firstCycle, badBlockUnwind bool) (err error) {
	start := time.Now()
	stageTx, commit, err := s.beginStageTx(ctx, db, tx)
	if err != nil {
		return err
	}
	if commit != nil {
		defer func() {
			if err != nil {
				stageTx.Rollback()
			}
		}()
	}
	stageState, err := s.stageState(stage.ID, stageTx)
	if err != nil {
		return err
	}

	if err = invokeSafely(func() error {
		return stage.Forward(firstCycle, badBlockUnwind, stageState, s, stageTx, s.logger)
	}); err != nil {
		return fmt.Errorf("[%s] %w", s.LogPrefix(), err)
	}
	// The stage call returned success, so its cached watermark is dropped
	// now: a failure above returns before this point and leaves the cache
	// untouched, never mirroring an aborted write. A driver-opened tx is
	// committed just below; a caller-supplied tx is left to the caller.
	s.registry.Invalidate(stage.ID)
	if commit != nil {
		if err = commit(); err != nil {
			return err
		}
	}

	s.timings = append(s.timings, timing{stage: stage.ID, took: time.Since(start)})
	return nil
}

func (s *Sync) unwindStage(ctx context.Context, firstCycle bool, stage *Stage, db kv.RwDB, tx kv.RwTx) (err error) {
	start := time.Now()
	stageTx, commit, err := s.beginStageTx(ctx, db, tx)
	if err != nil {
		return err
	}
	if commit != nil {
		defer func() {
			if err != nil {
				stageTx.Rollback()
			}
		}()
	}
	stageState, err := s.stageState(stage.ID, stageTx)
	if err != nil {
		return err
	}
	if stageState.BlockNumber <= *s.unwindPoint {
		if commit != nil {
			stageTx.Rollback()
		}
		return nil
	}
	if err = s.SetCurrentStage(stage.ID); err != nil {
		return err
	}

	unwind := &UnwindState{Stage: stage.ID, UnwindPoint: *s.unwindPoint, CurrentBlockNumber: stageState.BlockNumber, BadBlock: s.badBlock, sync: s}
	if err = invokeSafely(func() error {
		return stage.Unwind(firstCycle, unwind, stageState, stageTx, s.logger)
	}); err != nil {
		return fmt.Errorf("[%s] %w", s.LogPrefix(), err)
	}
	s.registry.Invalidate(stage.ID)
	if commit != nil {
		if err = commit(); err != nil {
			return err
		}
	}

	s.timings = append(s.timings, timing{isUnwind: true, stage: stage.ID, took: time.Since(start)})
	return nil
}

func (s *Sync) pruneStage(ctx context.Context, firstCycle bool, stage *Stage, db kv.RwDB, tx kv.RwTx) (err error) {
	start := time.Now()
	stageTx, commit, err := s.beginStageTx(ctx, db, tx)
	if err != nil {
		return err
	}
	if commit != nil {
		defer func() {
			if err != nil {
				stageTx.Rollback()
			}
		}()
	}
	stageState, err := s.stageState(stage.ID, stageTx)
	if err != nil {
		return err
	}
	prune, err := s.pruneState(stage.ID, stageState.BlockNumber, stageTx)
	if err != nil {
		return err
	}
	if err = s.SetCurrentStage(stage.ID); err != nil {
		return err
	}

	if err = invokeSafely(func() error {
		return stage.Prune(firstCycle, prune, stageTx, s.logger)
	}); err != nil {
		return fmt.Errorf("[%s] %w", s.LogPrefix(), err)
	}
	s.registry.Invalidate(stage.ID)
	if commit != nil {
		if err = commit(); err != nil {
			return err
		}
	}

	s.timings = append(s.timings, timing{isPrune: true, stage: stage.ID, took: time.Since(start)})
	return nil
}

// beginStageTx returns tx unchanged (and a nil commit func) when the caller
// supplied an external transaction that spans the whole cycle; otherwise it
// opens a fresh one scoped to this single stage step and returns its Commit,
// which the driver calls once the stage has returned success.
func (s *Sync) beginStageTx(ctx context.Context, db kv.RwDB, tx kv.RwTx) (kv.RwTx, func() error, error) {
	if tx != nil {
		return tx, nil, nil
	}
	stageTx, err := db.BeginRw(ctx)
	if err != nil {
		return nil, nil, err
	}
	return stageTx, stageTx.Commit, nil
}
