// Package length holds the fixed byte widths used throughout the chain data
// model: hashes and addresses never vary in size, so callers size buffers
// against these constants instead of magic numbers.
package length

const (
	// Hash is the expected length of a Keccak256 hash, block hash or
	// transaction hash, in bytes.
	Hash = 32
	// Addr is the expected length of an Ethereum address, in bytes.
	Addr = 20
	// BlockNum is the width of a big-endian encoded block number key.
	BlockNum = 8
)
