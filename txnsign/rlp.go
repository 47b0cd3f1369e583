package txnsign

import "github.com/holiman/uint256"

// Minimal RLP encoding, scoped to exactly what signing-hash derivation
// needs: byte strings, unsigned integers and lists of already-encoded
// items. Decoding an incoming transaction's RLP encoding is upstream's
// responsibility (this core receives transactions already decoded); this
// side only re-encodes the signing-relevant fields to reproduce the hash a
// signer actually signed.

func rlpEncodeBytes(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return b
	}
	return append(rlpLengthPrefix(0x80, len(b)), b...)
}

func rlpEncodeUint64(n uint64) []byte {
	return rlpEncodeBytes(trimLeadingZeros(uint64ToBytes(n)))
}

func rlpEncodeUint256(n *uint256.Int) []byte {
	if n == nil {
		return rlpEncodeBytes(nil)
	}
	return rlpEncodeBytes(trimLeadingZeros(n.Bytes()))
}

func rlpEncodeList(items ...[]byte) []byte {
	var payload []byte
	for _, it := range items {
		payload = append(payload, it...)
	}
	return append(rlpLengthPrefix(0xc0, len(payload)), payload...)
}

// rlpLengthPrefix produces the RLP header for a string/list payload of the
// given length, using base (0x80 for strings, 0xc0 for lists).
func rlpLengthPrefix(base byte, n int) []byte {
	if n < 56 {
		return []byte{base + byte(n)}
	}
	lenBytes := trimLeadingZeros(uint64ToBytes(uint64(n)))
	header := make([]byte, 0, 1+len(lenBytes))
	header = append(header, base+55+byte(len(lenBytes)))
	header = append(header, lenBytes...)
	return header
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}
