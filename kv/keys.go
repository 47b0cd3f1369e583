package kv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flashbots/stagedsync-core/common/length"
)

// ErrInvalidSize is returned by DecodeBlockNumber when given a key of the
// wrong width to be a big-endian block number.
var ErrInvalidSize = errors.New("big endian number has an invalid size")

// EncodeBlockNumber encodes a block number as an 8-byte big-endian key.
func EncodeBlockNumber(number uint64) []byte {
	enc := make([]byte, length.BlockNum)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

// DecodeBlockNumber decodes an 8-byte big-endian block number key.
func DecodeBlockNumber(number []byte) (uint64, error) {
	if len(number) != length.BlockNum {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, len(number))
	}
	return binary.BigEndian.Uint64(number), nil
}

// BlockBodyKey builds the BlockNum||HeaderHash composite key used by
// BlockBodies.
func BlockBodyKey(number uint64, hash [length.Hash]byte) []byte {
	k := make([]byte, length.BlockNum+length.Hash)
	binary.BigEndian.PutUint64(k, number)
	copy(k[length.BlockNum:], hash[:])
	return k
}
