package stagedsync

import (
	"context"
	"os"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/flashbots/stagedsync-core/chain"
	"github.com/flashbots/stagedsync-core/common/length"
	"github.com/flashbots/stagedsync-core/kv"
	"github.com/flashbots/stagedsync-core/kv/memdb"
	"github.com/flashbots/stagedsync-core/stages"
	"github.com/flashbots/stagedsync-core/stagedsync/stageresult"
	"github.com/flashbots/stagedsync-core/txnsign"
)

// fakeBodyReader stands in for the decoded-body external collaborator:
// tests populate it directly instead of round-tripping through an RLP wire
// encoding, which is out of this core's scope.
type fakeBodyReader struct {
	byBlock map[uint64][]*txnsign.Transaction
}

func (f *fakeBodyReader) TransactionsForBlock(_ kv.Tx, blockNum uint64, _ [length.Hash]byte) ([]*txnsign.Transaction, error) {
	txns, ok := f.byBlock[blockNum]
	if !ok {
		return nil, nil
	}
	return txns, nil
}

func addressFromPriv(priv *secp256k1.PrivateKey) txnsign.Address {
	uncompressed := priv.PubKey().SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	var sum [32]byte
	h.Sum(sum[:0])
	var addr txnsign.Address
	copy(addr[:], sum[12:])
	return addr
}

func signLegacyTx(t *testing.T, priv *secp256k1.PrivateKey, nonce uint64) *txnsign.Transaction {
	t.Helper()
	tx := &txnsign.Transaction{
		Type:     txnsign.LegacyTxType,
		Nonce:    nonce,
		GasPrice: uint256.NewInt(1_000_000_000),
		Gas:      21000,
		Value:    uint256.NewInt(1),
	}
	sighash := tx.SigningHash(false, nil)
	sig := ecdsa.SignCompact(priv, sighash[:], false)
	require.Len(t, sig, 65)
	tx.R = new(uint256.Int).SetBytes(sig[1:33])
	tx.S = new(uint256.Int).SetBytes(sig[33:65])
	tx.V = uint256.NewInt(uint64(sig[0]))
	return tx
}

func TestSpawnRecoverSendersStageRecoversAddressesInTxnOrder(t *testing.T) {
	db, tx := memdb.NewTestTx(t)

	priv1, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	priv2, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	addr1, addr2 := addressFromPriv(priv1), addressFromPriv(priv2)

	hash := hashOf(1)
	require.NoError(t, tx.Put(kv.CanonicalHashes, kv.EncodeBlockNumber(1), hash[:]))
	require.NoError(t, stages.PutProgress(tx, stages.BlockHashes, 1))

	body := &fakeBodyReader{byBlock: map[uint64][]*txnsign.Transaction{
		1: {signLegacyTx(t, priv1, 0), signLegacyTx(t, priv2, 0)},
	}}

	cfg := StageSendersCfg(db, &chain.Config{ChainID: uint256.NewInt(1)}, body, true, t.TempDir(), 2, 0)
	s := &StageState{Stage: stages.Senders, BlockNumber: 0}
	require.NoError(t, SpawnRecoverSendersStage(s, nil, tx, cfg, context.Background(), log.New()))

	v, err := tx.GetOne(kv.Senders, kv.EncodeBlockNumber(1))
	require.NoError(t, err)
	require.Len(t, v, 2*length.Addr)
	require.Equal(t, addr1[:], v[:length.Addr])
	require.Equal(t, addr2[:], v[length.Addr:])

	progress, err := stages.GetProgress(tx, stages.Senders)
	require.NoError(t, err)
	require.Equal(t, uint64(1), progress)
}

func TestSpawnRecoverSendersStageHandlesEmptyBlock(t *testing.T) {
	db, tx := memdb.NewTestTx(t)
	hash := hashOf(1)
	require.NoError(t, tx.Put(kv.CanonicalHashes, kv.EncodeBlockNumber(1), hash[:]))
	require.NoError(t, stages.PutProgress(tx, stages.BlockHashes, 1))

	body := &fakeBodyReader{byBlock: map[uint64][]*txnsign.Transaction{1: {}}}
	cfg := StageSendersCfg(db, &chain.Config{ChainID: uint256.NewInt(1)}, body, true, t.TempDir(), 2, 0)
	s := &StageState{Stage: stages.Senders, BlockNumber: 0}
	require.NoError(t, SpawnRecoverSendersStage(s, nil, tx, cfg, context.Background(), log.New()))

	v, err := tx.GetOne(kv.Senders, kv.EncodeBlockNumber(1))
	require.NoError(t, err)
	require.Empty(t, v)
}

func TestSpawnRecoverSendersStageMissingBodyIsAnError(t *testing.T) {
	db, tx := memdb.NewTestTx(t)
	hash := hashOf(1)
	require.NoError(t, tx.Put(kv.CanonicalHashes, kv.EncodeBlockNumber(1), hash[:]))
	require.NoError(t, stages.PutProgress(tx, stages.BlockHashes, 1))

	body := &fakeBodyReader{byBlock: map[uint64][]*txnsign.Transaction{}}
	cfg := StageSendersCfg(db, &chain.Config{ChainID: uint256.NewInt(1)}, body, true, t.TempDir(), 2, 0)
	s := &StageState{Stage: stages.Senders, BlockNumber: 0}
	err := SpawnRecoverSendersStage(s, nil, tx, cfg, context.Background(), log.New())
	require.Error(t, err)
}

func TestSpawnRecoverSendersStageAbortsOnCancelledContext(t *testing.T) {
	db, tx := memdb.NewTestTx(t)

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	body := &fakeBodyReader{byBlock: map[uint64][]*txnsign.Transaction{}}
	for i := uint64(1); i <= 10; i++ {
		hash := hashOf(byte(i))
		require.NoError(t, tx.Put(kv.CanonicalHashes, kv.EncodeBlockNumber(i), hash[:]))
		body.byBlock[i] = []*txnsign.Transaction{signLegacyTx(t, priv, i)}
	}
	require.NoError(t, stages.PutProgress(tx, stages.BlockHashes, 10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tmpdir := t.TempDir()
	cfg := StageSendersCfg(db, &chain.Config{ChainID: uint256.NewInt(1)}, body, true, tmpdir, 2, 0)
	s := &StageState{Stage: stages.Senders, BlockNumber: 0}
	err = SpawnRecoverSendersStage(s, nil, tx, cfg, ctx, log.New())
	require.Error(t, err)
	ord, ok := stageresult.As(err)
	require.True(t, ok)
	require.Equal(t, stageresult.Aborted, ord)

	progress, err := stages.GetProgress(tx, stages.Senders)
	require.NoError(t, err)
	require.Zero(t, progress, "an aborted stage must not advance its watermark")

	entries, err := os.ReadDir(tmpdir)
	require.NoError(t, err)
	require.Empty(t, entries, "an aborted stage must leave no spill files behind")
}

func TestUnwindSendersStageDeletesAboveUnwindPoint(t *testing.T) {
	_, tx := memdb.NewTestTx(t)
	require.NoError(t, tx.Put(kv.Senders, kv.EncodeBlockNumber(1), []byte("a")))
	require.NoError(t, tx.Put(kv.Senders, kv.EncodeBlockNumber(2), []byte("b")))
	require.NoError(t, stages.PutProgress(tx, stages.Senders, 2))

	cfg := SendersCfg{}
	u := &UnwindState{Stage: stages.Senders, UnwindPoint: 1}
	require.NoError(t, UnwindSendersStage(u, tx, cfg, context.Background()))

	v, err := tx.GetOne(kv.Senders, kv.EncodeBlockNumber(1))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v)
	v, err = tx.GetOne(kv.Senders, kv.EncodeBlockNumber(2))
	require.NoError(t, err)
	require.Nil(t, v)

	progress, err := stages.GetProgress(tx, stages.Senders)
	require.NoError(t, err)
	require.Equal(t, uint64(1), progress)
}
