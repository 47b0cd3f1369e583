package stagedsync

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/stagedsync-core/chain"
	"github.com/flashbots/stagedsync-core/kv"
	"github.com/flashbots/stagedsync-core/kv/memdb"
	"github.com/flashbots/stagedsync-core/stages"
	"github.com/flashbots/stagedsync-core/stagedsync/stageresult"
	"github.com/flashbots/stagedsync-core/txnsign"
)

// seedCanonicalChain writes blocks 1..height into CanonicalHashes, marks the
// Bodies watermark, and returns a body reader serving an empty transaction
// list for every block so the Senders stage has real (if trivial) work.
func seedCanonicalChain(t *testing.T, tx kv.RwTx, height uint64) *fakeBodyReader {
	t.Helper()
	body := &fakeBodyReader{byBlock: map[uint64][]*txnsign.Transaction{}}
	for i := uint64(1); i <= height; i++ {
		putCanonicalHash(t, tx, i, hashOf(byte(i)))
		body.byBlock[i] = []*txnsign.Transaction{}
	}
	require.NoError(t, stages.PutProgress(tx, stages.Bodies, height))
	return body
}

func newTestSync(t *testing.T, ctx context.Context, db kv.RwDB, body BodyReader) *Sync {
	t.Helper()
	blockHashesCfg := StageBlockHashesCfg(db, t.TempDir())
	sendersCfg := StageSendersCfg(db, &chain.Config{ChainID: uint256.NewInt(1)}, body, true, t.TempDir(), 2, 0)
	return New(DefaultStages(ctx, blockHashesCfg, sendersCfg), DefaultUnwindOrder(), DefaultPruneOrder(), log.New())
}

func dumpTable(t *testing.T, tx kv.Tx, table string) map[string]string {
	t.Helper()
	c, err := tx.Cursor(table)
	require.NoError(t, err)
	defer c.Close()
	out := map[string]string{}
	for k, v, err := c.First(); k != nil; k, v, err = c.Next() {
		require.NoError(t, err)
		out[string(k)] = string(v)
	}
	return out
}

func TestSyncRunForwardCycleAdvancesAllStagesInOrder(t *testing.T) {
	ctx := context.Background()
	db, tx := memdb.NewTestTx(t)
	body := seedCanonicalChain(t, tx, 3)

	s := newTestSync(t, ctx, db, body)
	require.NoError(t, s.Run(ctx, db, tx, true))

	bhProgress, err := stages.GetProgress(tx, stages.BlockHashes)
	require.NoError(t, err)
	require.Equal(t, uint64(3), bhProgress)

	sndProgress, err := stages.GetProgress(tx, stages.Senders)
	require.NoError(t, err)
	require.Equal(t, uint64(3), sndProgress)
	require.LessOrEqual(t, sndProgress, bhProgress, "a stage may never outrun its predecessor")

	require.Len(t, dumpTable(t, tx, kv.HeaderNumbers), 3)
	require.Len(t, dumpTable(t, tx, kv.Senders), 3)
}

func TestSyncUnwindThenForwardReproducesTables(t *testing.T) {
	ctx := context.Background()
	db, tx := memdb.NewTestTx(t)
	body := seedCanonicalChain(t, tx, 5)

	s := newTestSync(t, ctx, db, body)
	require.NoError(t, s.Run(ctx, db, tx, true))

	wantHeaderNumbers := dumpTable(t, tx, kv.HeaderNumbers)
	wantSenders := dumpTable(t, tx, kv.Senders)

	s.UnwindTo(2, [32]byte{})
	require.NoError(t, s.Run(ctx, db, tx, false))

	require.Equal(t, wantHeaderNumbers, dumpTable(t, tx, kv.HeaderNumbers),
		"unwind followed by forward must land on identical table contents")
	require.Equal(t, wantSenders, dumpTable(t, tx, kv.Senders))

	for _, key := range []stages.Key{stages.BlockHashes, stages.Senders} {
		p, err := stages.GetProgress(tx, key)
		require.NoError(t, err)
		require.Equal(t, uint64(5), p)
	}
}

func TestSyncRunUnwindStopsAtRequestedHeight(t *testing.T) {
	ctx := context.Background()
	db, tx := memdb.NewTestTx(t)
	body := seedCanonicalChain(t, tx, 4)

	s := newTestSync(t, ctx, db, body)
	require.NoError(t, s.Run(ctx, db, tx, true))

	s.UnwindTo(1, [32]byte{})
	require.NoError(t, s.RunUnwind(ctx, db, tx))

	for _, key := range []stages.Key{stages.BlockHashes, stages.Senders} {
		p, err := stages.GetProgress(tx, key)
		require.NoError(t, err)
		require.Equal(t, uint64(1), p)
	}
	require.Len(t, dumpTable(t, tx, kv.HeaderNumbers), 1)
	require.Len(t, dumpTable(t, tx, kv.Senders), 1)
}

func TestSyncRunSkipsDisabledStages(t *testing.T) {
	ctx := context.Background()
	db, tx := memdb.NewTestTx(t)

	var ran []stages.Key
	record := func(id stages.Key) ExecFunc {
		return func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
			ran = append(ran, id)
			return nil
		}
	}
	list := []*Stage{
		{ID: "A", Forward: record("A")},
		{ID: "B", Forward: record("B"), Disabled: true, DisabledDescription: "turned off in this test"},
		{ID: "C", Forward: record("C")},
	}
	s := New(list, nil, nil, log.New())
	require.NoError(t, s.Run(ctx, db, tx, true))
	require.Equal(t, []stages.Key{"A", "C"}, ran)
}

func TestSyncRunConvertsStagePanicToUnexpectedError(t *testing.T) {
	ctx := context.Background()
	db, tx := memdb.NewTestTx(t)

	list := []*Stage{{
		ID: "panics",
		Forward: func(firstCycle bool, badBlockUnwind bool, s *StageState, u Unwinder, tx kv.RwTx, logger log.Logger) error {
			panic("stage bug")
		},
	}}
	s := New(list, nil, nil, log.New())
	err := s.Run(ctx, db, tx, true)
	require.Error(t, err)
	ord, ok := stageresult.As(err)
	require.True(t, ok)
	require.Equal(t, stageresult.UnexpectedError, ord)
}

func TestSyncRunPruneAttemptsEveryStageDespiteFailures(t *testing.T) {
	ctx := context.Background()
	db, tx := memdb.NewTestTx(t)

	var pruned []stages.Key
	failing := &Stage{
		ID:         "A",
		HasPruning: true,
		Prune: func(firstCycle bool, p *PruneState, tx kv.RwTx, logger log.Logger) error {
			pruned = append(pruned, "A")
			return errors.New("prune A failed")
		},
	}
	succeeding := &Stage{
		ID:         "B",
		HasPruning: true,
		Prune: func(firstCycle bool, p *PruneState, tx kv.RwTx, logger log.Logger) error {
			pruned = append(pruned, "B")
			return nil
		},
	}
	noPruning := &Stage{ID: "C"}

	s := New([]*Stage{failing, succeeding, noPruning}, nil, []stages.Key{"A", "B", "C"}, log.New())
	err := s.RunPrune(ctx, db, tx, false)
	require.Error(t, err, "the failed prune must still be surfaced at cycle end")
	require.Equal(t, []stages.Key{"A", "B"}, pruned, "a prune failure must not stop later stages")
}
