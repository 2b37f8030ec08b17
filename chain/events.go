package chain

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/meshpay-network/go-meshpay/types"
)

// EventKind tags the ledger event variants.
type EventKind int

const (
	// EventChannelClosed fires when a participant closed the channel.
	EventChannelClosed EventKind = iota + 1

	// EventChannelSettled fires when the channel was settled and the
	// deposits paid out.
	EventChannelSettled

	// EventChannelUnlocked fires when a single lock was claimed on
	// chain, publishing its secret.
	EventChannelUnlocked
)

func (k EventKind) String() string {
	switch k {
	case EventChannelClosed:
		return "ChannelClosed"
	case EventChannelSettled:
		return "ChannelSettled"
	case EventChannelUnlocked:
		return "ChannelUnlocked"
	default:
		return "Unknown"
	}
}

// Event is one confirmed ledger event. Only the fields of the tagged kind
// are meaningful.
type Event struct {
	Kind      EventKind
	ChannelID common.Hash

	// EventChannelClosed
	ClosingAddress common.Address
	ClosedBlock    uint64

	// EventChannelSettled
	SettleBlock uint64

	// EventChannelUnlocked
	SecretHash common.Hash
	Secret     types.Secret
	Receiver   common.Address
}
