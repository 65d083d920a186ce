package protection

// EvidenceReceipt is the outcome of anchoring a fingerprint on the ledger.
// Confirmed=false is a valid terminal state: the transaction was accepted for
// submission but had not been included in a block within the wait window. The
// off-chain record stays valid either way.
type EvidenceReceipt struct {
	// TxHash identifies the submitted ledger transaction.
	TxHash string

	// BlockNumber is the block the transaction was included in, when known.
	BlockNumber *uint64

	// Confirmed reports whether inclusion was observed before the
	// confirmation wait window elapsed.
	Confirmed bool
}
