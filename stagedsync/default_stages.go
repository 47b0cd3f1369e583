package stagedsync

import (
	"context"

	"github.com/ledgerwatch/log/v3"

	"github.com/flashbots/stagedsync-core/kv"
	"github.com/flashbots/stagedsync-core/stages"
)

// DefaultStages assembles the two stages this core ships in ordinal order:
// BlockHashes first, Senders second. ctx is bound into every stage closure
// so cancelling it reaches long-running stage bodies (the Senders farm in
// particular) even when the driver itself is blocked inside a stage call.
func DefaultStages(ctx context.Context, blockHashesCfg BlockHashesCfg, sendersCfg SendersCfg) []*Stage {
	return []*Stage{
		{
			ID:          stages.BlockHashes,
			Description: "Maintain the HeaderHash -> BlockNum inverse index",
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return SpawnBlockHashStage(s, tx, blockHashesCfg, ctx, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindBlockHashStage(u, tx, blockHashesCfg, ctx)
			},
		},
		{
			ID:          stages.Senders,
			Description: "Recover transaction sender addresses",
			HasPruning:  true,
			Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
				return SpawnRecoverSendersStage(s, u, tx, sendersCfg, ctx, logger)
			},
			Unwind: func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error {
				return UnwindSendersStage(u, tx, sendersCfg, ctx)
			},
			Prune: func(firstCycle bool, p *PruneState, tx kv.RwTx, logger log.Logger) error {
				return PruneSendersStage(p, tx, sendersCfg, ctx)
			},
		},
	}
}

// DefaultUnwindOrder unwinds in descending ordinal order: Senders before
// BlockHashes, since Senders depends on BlockHashes having already run.
func DefaultUnwindOrder() []stages.Key {
	return []stages.Key{stages.Senders, stages.BlockHashes}
}

// DefaultPruneOrder prunes in ascending ordinal order, matching forward
// order, the way the teacher's own prune cycle does.
func DefaultPruneOrder() []stages.Key {
	return []stages.Key{stages.BlockHashes, stages.Senders}
}
