package kv

// Table names for the buckets this core reads and writes. Ordering and
// encoding follow the same convention throughout: fixed-width big-endian
// block numbers as key prefixes, so range scans stay in ascending order.
const (
	// CanonicalHashes: BlockNum (8 bytes, BE) -> HeaderHash (32 bytes). Populated upstream.
	CanonicalHashes = "CanonicalHashes"
	// HeaderNumbers: HeaderHash (32 bytes) -> BlockNum (8 bytes, BE). Populated by BlockHashes.
	HeaderNumbers = "HeaderNumbers"
	// BlockBodies: BlockNum (8 bytes, BE) || HeaderHash (32 bytes) -> RLP(body). Populated upstream.
	BlockBodies = "BlockBodies"
	// Senders: BlockNum (8 bytes, BE) -> concat(Address, 20 bytes each). Populated by Senders.
	Senders = "Senders"
	// SyncStageProgress: StageKey -> BlockNum (8 bytes, BE).
	SyncStageProgress = "SyncStageProgress"
	// SyncStagePruneProgress: StageKey -> BlockNum (8 bytes, BE).
	SyncStagePruneProgress = "SyncStagePruneProgress"
)
