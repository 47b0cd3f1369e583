package txnsign

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidSig is returned when a transaction's (r, s, v) does not form a
// signature this core will recover a sender from: out-of-range r/s, an s
// above the secp256k1 half-order (EIP-2 malleability protection), or an
// unrecognized recovery id.
var ErrInvalidSig = errors.New("txnsign: invalid transaction signature")

// secp256k1HalfN is half the secp256k1 curve order. EIP-2 requires s to sit
// in the lower half of [1, N) to rule out the trivial (r, N-s, 1-v)
// malleability of every ECDSA signature.
var secp256k1HalfN = func() *uint256.Int {
	n, _ := uint256.FromHex("0x7FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF5D576E7357A4501DDFE92F46681B20A0")
	return n
}()

func keccak256(data []byte) [32]byte {
	var out [32]byte
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	h.Sum(out[:0])
	return out
}

// Address is a 20-byte Ethereum account address, the low 20 bytes of the
// Keccak256 hash of an uncompressed public key.
type Address [20]byte

// RecoverSender recovers the sending address of tx given the chain's
// EIP-155 activation state and chain id, validating the signature against
// EIP-2's half-order rule along the way. An unprotected legacy signature
// (v of 27/28) is hashed under pre-155 rules even after the fork activates.
func RecoverSender(tx *Transaction, eip155Active bool, chainID *uint256.Int) (Address, error) {
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return Address{}, ErrInvalidSig
	}
	parity, err := RecoveryParity(tx)
	if err != nil {
		return Address{}, err
	}
	sighash := tx.SigningHash(eip155Active && tx.Protected(), chainID)
	return RecoverFromHash(sighash, tx.R, tx.S, parity)
}

// ValidS reports whether s satisfies EIP-2's lower-half-order rule, ruling
// out the trivial (r, n-s, 1-v) malleability of any ECDSA signature.
func ValidS(s *uint256.Int) bool {
	return s != nil && s.Cmp(secp256k1HalfN) <= 0
}

// RecoverFromHash recovers the address that produced signature (r, s) over
// sighash given its 0/1 recovery parity. Split out of RecoverSender so a
// caller that already holds a precomputed signing hash and parity (e.g. a
// recovery package dispatched to a worker) can recover a sender without
// reconstructing a full Transaction.
func RecoverFromHash(sighash [32]byte, r, s *uint256.Int, parity byte) (Address, error) {
	if r == nil || s == nil {
		return Address{}, ErrInvalidSig
	}
	if !ValidS(s) {
		return Address{}, ErrInvalidSig
	}

	// decred's compact signature format is [recoveryID || R || S], R and S
	// each 32 bytes big-endian, recoveryID a single header byte.
	var sig [65]byte
	sig[0] = 27 + parity
	rb := r.Bytes()
	sb := s.Bytes()
	copy(sig[1+32-len(rb):33], rb)
	copy(sig[33+32-len(sb):65], sb)

	pub, _, err := ecdsa.RecoverCompact(sig[:], sighash[:])
	if err != nil {
		return Address{}, ErrInvalidSig
	}
	return addressFromPubkey(pub), nil
}

// RecoveryParity extracts the 0/1 ECDSA recovery id tx's v field encodes,
// per its envelope's rules (typed transactions carry it directly; legacy
// transactions encode it as 27/28 or, post EIP-155, chainID*2+35+{0,1}).
func RecoveryParity(tx *Transaction) (byte, error) {
	return recoveryIDFor(tx)
}

func recoveryIDFor(tx *Transaction) (byte, error) {
	switch tx.Type {
	case AccessListTxType, DynamicFeeTxType:
		if !tx.V.IsUint64() || tx.V.Uint64() > 1 {
			return 0, ErrInvalidSig
		}
		return byte(tx.V.Uint64()), nil
	default:
		if !tx.V.IsUint64() {
			return 0, ErrInvalidSig
		}
		v := tx.V.Uint64()
		switch {
		case v == 27 || v == 28:
			return byte(v - 27), nil
		case v >= 35:
			// EIP-155: v = chainID*2 + 35 + {0,1}
			return byte((v - 35) % 2), nil
		default:
			return 0, ErrInvalidSig
		}
	}
}

func addressFromPubkey(pub *secp256k1.PublicKey) Address {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X || Y
	hash := keccak256(uncompressed[1:])
	var addr Address
	copy(addr[:], hash[12:])
	return addr
}
