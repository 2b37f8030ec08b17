package statelog

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Kind discriminates the record encodings.
type Kind byte

const (
	KindChannelClosed Kind = iota + 1
	KindChannelSettled
	KindChannelUnlocked
	KindBalanceProofUpdated
	KindSecretRevealed
	KindTransferUpdateSent
)

// ErrUnknownKind is returned when decoding a record with an unknown kind
// tag, e.g. one written by a newer version of the node.
var ErrUnknownKind = errors.New("statelog: unknown record kind")

// Record is one applied state transition. Records are immutable and carry
// every field needed to answer historical queries about the transition.
type Record interface {
	Kind() Kind
}

// ChannelClosedRecord marks the confirmed on-chain close of a channel.
type ChannelClosedRecord struct {
	ChannelID      common.Hash
	ClosingAddress common.Address
	ClosedBlock    uint64
}

func (*ChannelClosedRecord) Kind() Kind { return KindChannelClosed }

// ChannelSettledRecord marks the confirmed on-chain settlement.
type ChannelSettledRecord struct {
	ChannelID   common.Hash
	SettleBlock uint64
}

func (*ChannelSettledRecord) Kind() Kind { return KindChannelSettled }

// ChannelUnlockedRecord marks a confirmed per-lock on-chain unlock.
type ChannelUnlockedRecord struct {
	ChannelID  common.Hash
	SecretHash common.Hash
	Secret     common.Hash
	Receiver   common.Address
}

func (*ChannelUnlockedRecord) Kind() Kind { return KindChannelUnlocked }

// BalanceProofUpdatedRecord marks the application of a new balance proof
// to one channel end, whether from an inbound message or our own transfer.
type BalanceProofUpdatedRecord struct {
	ChannelID         common.Hash
	Sender            common.Address
	Nonce             uint64
	TransferredAmount *big.Int
	Locksroot         common.Hash
}

func (*BalanceProofUpdatedRecord) Kind() Kind { return KindBalanceProofUpdated }

// SecretRevealedRecord marks the node learning a lock preimage.
type SecretRevealedRecord struct {
	ChannelID  common.Hash
	SecretHash common.Hash
}

func (*SecretRevealedRecord) Kind() Kind { return KindSecretRevealed }

// TransferUpdateSentRecord marks the one-shot counter balance proof
// submission for a closed channel. Its presence is what keeps the update
// one-shot across restarts.
type TransferUpdateSentRecord struct {
	ChannelID common.Hash
	Nonce     uint64
}

func (*TransferUpdateSentRecord) Kind() Kind { return KindTransferUpdateSent }

// encodeRecord serializes a record as its kind tag followed by the RLP of
// the concrete struct.
func encodeRecord(rec Record) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(rec.Kind())}, payload...), nil
}

// decodeRecord is the inverse of encodeRecord.
func decodeRecord(data []byte) (Record, error) {
	if len(data) < 1 {
		return nil, ErrUnknownKind
	}
	var rec Record
	switch Kind(data[0]) {
	case KindChannelClosed:
		rec = new(ChannelClosedRecord)
	case KindChannelSettled:
		rec = new(ChannelSettledRecord)
	case KindChannelUnlocked:
		rec = new(ChannelUnlockedRecord)
	case KindBalanceProofUpdated:
		rec = new(BalanceProofUpdatedRecord)
	case KindSecretRevealed:
		rec = new(SecretRevealedRecord)
	case KindTransferUpdateSent:
		rec = new(TransferUpdateSentRecord)
	default:
		return nil, ErrUnknownKind
	}
	if err := rlp.DecodeBytes(data[1:], rec); err != nil {
		return nil, err
	}
	return rec, nil
}
