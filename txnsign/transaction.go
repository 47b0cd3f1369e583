// Package txnsign derives the signing hash for each transaction envelope
// this core understands and recovers the sending address from a
// transaction's (r, s, v) signature, grounded on the teacher's own
// core/types/transaction_signing.go Signer/recoverPlain split but
// generalized to cover the typed-transaction envelopes (EIP-2930,
// EIP-1559) alongside legacy/EIP-155.
package txnsign

import (
	"github.com/holiman/uint256"
)

// Type identifies which transaction envelope a Transaction uses; each has
// its own signing-hash preimage.
type Type byte

const (
	// LegacyTxType is the original, untyped transaction envelope.
	LegacyTxType Type = 0
	// AccessListTxType is the EIP-2930 envelope.
	AccessListTxType Type = 1
	// DynamicFeeTxType is the EIP-1559 envelope.
	DynamicFeeTxType Type = 2
)

// AccessTuple is one entry of an EIP-2930 access list.
type AccessTuple struct {
	Address     [20]byte
	StorageKeys [][32]byte
}

// Transaction holds the signing-relevant fields of one transaction,
// already decoded by whatever upstream component parsed its wire
// encoding. It deliberately omits everything not needed to derive a
// signing hash or recover a sender (gas accounting, logs, receipts).
type Transaction struct {
	Type Type

	ChainID  *uint256.Int
	Nonce    uint64
	GasPrice *uint256.Int // legacy only
	Tip      *uint256.Int // EIP-1559 max priority fee per gas
	FeeCap   *uint256.Int // EIP-1559 max fee per gas
	Gas      uint64
	To       *[20]byte // nil for contract creation
	Value    *uint256.Int
	Data     []byte

	AccessList []AccessTuple // EIP-2930 / EIP-1559

	// Signature.
	R, S *uint256.Int
	V    *uint256.Int // legacy: 27/28 or EIP-155 chain-bound value
}

// Protected reports whether this transaction's signature is bound to a
// chain id. Typed transactions always are; a legacy transaction is only if
// it was signed under EIP-155 rules (v of 27/28 marks the unprotected,
// pre-155 signing scheme, which stays valid after the fork activates).
func (tx *Transaction) Protected() bool {
	if tx.Type != LegacyTxType {
		return true
	}
	if tx.V == nil || !tx.V.IsUint64() {
		return false
	}
	v := tx.V.Uint64()
	return v != 27 && v != 28
}

func accessListRLP(list []AccessTuple) []byte {
	items := make([][]byte, len(list))
	for i, a := range list {
		keys := make([][]byte, len(a.StorageKeys))
		for j, k := range a.StorageKeys {
			keys[j] = rlpEncodeBytes(k[:])
		}
		items[i] = rlpEncodeList(rlpEncodeBytes(a.Address[:]), rlpEncodeList(keys...))
	}
	return rlpEncodeList(items...)
}

func toBytes(to *[20]byte) []byte {
	if to == nil {
		return nil
	}
	return to[:]
}

// SigningHash derives the hash that was signed to produce this
// transaction's signature, per its envelope type and the chain's EIP-155
// activation state at eip155Active.
func (tx *Transaction) SigningHash(eip155Active bool, chainID *uint256.Int) [32]byte {
	switch tx.Type {
	case AccessListTxType:
		payload := rlpEncodeList(
			rlpEncodeUint256(chainID),
			rlpEncodeUint64(tx.Nonce),
			rlpEncodeUint256(tx.GasPrice),
			rlpEncodeUint64(tx.Gas),
			rlpEncodeBytes(toBytes(tx.To)),
			rlpEncodeUint256(tx.Value),
			rlpEncodeBytes(tx.Data),
			accessListRLP(tx.AccessList),
		)
		return keccak256(append([]byte{byte(AccessListTxType)}, payload...))
	case DynamicFeeTxType:
		payload := rlpEncodeList(
			rlpEncodeUint256(chainID),
			rlpEncodeUint64(tx.Nonce),
			rlpEncodeUint256(tx.Tip),
			rlpEncodeUint256(tx.FeeCap),
			rlpEncodeUint64(tx.Gas),
			rlpEncodeBytes(toBytes(tx.To)),
			rlpEncodeUint256(tx.Value),
			rlpEncodeBytes(tx.Data),
			accessListRLP(tx.AccessList),
		)
		return keccak256(append([]byte{byte(DynamicFeeTxType)}, payload...))
	default: // LegacyTxType
		if eip155Active {
			return keccak256(rlpEncodeList(
				rlpEncodeUint64(tx.Nonce),
				rlpEncodeUint256(tx.GasPrice),
				rlpEncodeUint64(tx.Gas),
				rlpEncodeBytes(toBytes(tx.To)),
				rlpEncodeUint256(tx.Value),
				rlpEncodeBytes(tx.Data),
				rlpEncodeUint256(chainID),
				rlpEncodeUint64(0),
				rlpEncodeUint64(0),
			))
		}
		return keccak256(rlpEncodeList(
			rlpEncodeUint64(tx.Nonce),
			rlpEncodeUint256(tx.GasPrice),
			rlpEncodeUint64(tx.Gas),
			rlpEncodeBytes(toBytes(tx.To)),
			rlpEncodeUint256(tx.Value),
			rlpEncodeBytes(tx.Data),
		))
	}
}
