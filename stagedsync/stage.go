// Package stagedsync implements the staged-sync driver: an ordered list of
// Stages run forward each cycle, unwound on reorg, and pruned periodically,
// grounded on the teacher's eth/stagedsync package (Stage/StageState/
// UnwindState/PruneState/Sync) but carrying the richer Collector-backed
// BlockHashes and Senders stages this core implements.
package stagedsync

import (
	"github.com/flashbots/stagedsync-core/kv"
	"github.com/flashbots/stagedsync-core/stages"
	"github.com/ledgerwatch/log/v3"
)

// ExecFunc runs a stage forward. badBlockUnwind reports whether this
// cycle's iteration follows an unwind triggered by a bad block; Sync.Run
// ends the cycle right after such an unwind, so the stages it runs always
// receive false.
type ExecFunc func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error

// UnwindFunc rolls a stage back to an unwind point.
type UnwindFunc func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error

// PruneFunc prunes data a stage no longer needs to retain.
type PruneFunc func(firstCycle bool, p *PruneState, tx kv.RwTx, logger log.Logger) error

// Stage is one named step of the pipeline. ID must be unique and stable;
// ordinal position in the slice passed to New is this stage's ordinal.
type Stage struct {
	ID                  stages.Key
	Description         string
	Disabled            bool
	DisabledDescription string
	HasPruning          bool

	Forward ExecFunc
	Unwind  UnwindFunc
	Prune   PruneFunc
}

// StageState is a stage's progress as of the start of the current cycle
// step, handed to Forward/Unwind so the stage knows where it left off.
type StageState struct {
	sync        *Sync
	Stage       stages.Key
	BlockNumber uint64
}

func (s *StageState) LogPrefix() string { return s.sync.LogPrefix() }

// Update persists the stage's new forward watermark.
func (s *StageState) Update(tx kv.RwTx, to uint64) error {
	return stages.PutProgress(tx, s.Stage, to)
}

// Unwinder lets a stage request that the whole cycle unwind to a given
// block, e.g. after discovering a bad block partway through recovery.
type Unwinder interface {
	UnwindTo(unwindPoint uint64, badBlock [32]byte)
}

// UnwindState describes one stage's pending unwind.
type UnwindState struct {
	Stage              stages.Key
	UnwindPoint        uint64
	CurrentBlockNumber uint64
	BadBlock           [32]byte
	sync               *Sync
}

// Done records that this stage has been unwound down to UnwindPoint.
func (u *UnwindState) Done(tx kv.RwTx) error {
	return stages.PutProgress(tx, u.Stage, u.UnwindPoint)
}

// PruneState describes one stage's pending prune step.
type PruneState struct {
	Stage           stages.Key
	ForwardProgress uint64
	PruneProgress   uint64
	sync            *Sync
}

// Done records the stage's new prune watermark.
func (p *PruneState) Done(tx kv.RwTx, prunedTo uint64) error {
	return stages.PutPruneProgress(tx, p.Stage, prunedTo)
}
