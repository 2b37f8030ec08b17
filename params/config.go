package params

// ProtocolConfig carries the channel protocol constants. A node passes one
// instance into every component at construction, there is no global state.
type ProtocolConfig struct {
	// SettleTimeout is the number of blocks a channel stays closed before
	// settle becomes callable. It is the dispute window: the non-closing
	// participant has until it elapses to submit a counter balance proof.
	SettleTimeout uint64

	// RevealTimeout is the minimum number of blocks that must remain
	// before a lock expires for the node to still accept it. A lock that
	// cannot be claimed safely within this margin is rejected.
	RevealTimeout uint64

	// UnlockGraceWindow extends the per-lock unlock deadline past the lock
	// expiration, giving a slow node time to land the unlock call.
	UnlockGraceWindow uint64

	// PollInterval is the number of blocks between ledger polls of the
	// settlement waiter.
	PollInterval uint64
}

// DefaultProtocolConfig are the values used by the public network.
var DefaultProtocolConfig = ProtocolConfig{
	SettleTimeout:     30,
	RevealTimeout:     5,
	UnlockGraceWindow: 10,
	PollInterval:      1,
}

// TestProtocolConfig keeps the windows short so simulated-ledger tests do
// not have to mine long block ranges.
var TestProtocolConfig = ProtocolConfig{
	SettleTimeout:     8,
	RevealTimeout:     2,
	UnlockGraceWindow: 4,
	PollInterval:      1,
}
