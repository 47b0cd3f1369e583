// Package chain holds the fork-activation schedule the Senders stage needs
// to pick the right transaction signing scheme for a given block: Config
// names which block each signing-relevant fork activates at, and Rules
// resolves that schedule against one block number so call sites never have
// to repeat "is this block after EIP-155" comparisons themselves.
package chain

import "github.com/holiman/uint256"

// Config describes the signing-relevant subset of a chain's fork schedule.
// Unlike a full node's chain config, this core only needs to know which
// signing scheme governs a transaction, so it tracks exactly the forks that
// change that: EIP-155 (replay protection / chain id binding), EIP-2930
// (access lists, typed transactions), and EIP-1559 (fee market, typed
// transactions with no gas price field).
type Config struct {
	ChainName string
	ChainID   *uint256.Int

	// EIP155Block is the block at which chain-id-bound signatures become
	// mandatory for legacy transactions. nil means EIP-155 never activates
	// (signatures are never chain-bound).
	EIP155Block *uint64
	// BerlinBlock is the block at which EIP-2930 access-list transactions
	// become valid. nil means they never do.
	BerlinBlock *uint64
	// LondonBlock is the block at which EIP-1559 dynamic-fee transactions
	// become valid. nil means they never do.
	LondonBlock *uint64
}

// Rules is the fork schedule resolved against one concrete block number.
type Rules struct {
	ChainID  *uint256.Int
	IsEIP155 bool
	IsBerlin bool
	IsLondon bool
}

// Rules resolves c's fork schedule at blockNum.
func (c *Config) Rules(blockNum uint64) *Rules {
	return &Rules{
		ChainID:  c.ChainID,
		IsEIP155: isForked(c.EIP155Block, blockNum),
		IsBerlin: isForked(c.BerlinBlock, blockNum),
		IsLondon: isForked(c.LondonBlock, blockNum),
	}
}

func isForked(at *uint64, blockNum uint64) bool {
	return at != nil && *at <= blockNum
}
