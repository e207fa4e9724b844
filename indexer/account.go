package indexer

// AccountUpdate is one account-state change delivered by the upstream
// event source. It is a snapshot: the engine reads it during the call and
// never retains it.
type AccountUpdate struct {
	// Pubkey is the account's public key.
	Pubkey []byte
	// Owner is the public key of the program that owns the account.
	Owner []byte
	// Data is the raw account payload.
	Data []byte
	// Slot is the slot at which this state was observed. Higher slots are
	// more recent; delivery order is not guaranteed to follow slot order.
	Slot uint64
}
