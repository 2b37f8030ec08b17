// Package transfer implements the off-chain transfer protocol between the
// two channel participants: locked transfers, the secret-reveal handshake
// that claims them, and direct transfers.
package transfer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	"github.com/meshpay-network/go-meshpay/types"
)

// Message is the closed set of wire messages. The pipeline switches over
// all variants; adding one means handling it there.
type Message interface {
	message()
}

// Envelope messages carry a signed balance proof; the proof's signature is
// what authenticates the message, and its locksroot/amount bind every field
// that matters. Plain messages (SecretRequest, RevealSecret) carry their
// own signature over their RLP encoding.

// LockedTransfer commits the sender to a new pending lock. The lock itself
// is not separately signed: the signed locksroot only matches if the lock
// is exactly the one transmitted.
type LockedTransfer struct {
	PaymentID uuid.UUID
	Proof     *types.BalanceProof
	Lock      *types.Lock
}

func (*LockedTransfer) message() {}

// DirectTransfer immediately increases the sender's cumulative transferred
// amount, no lock involved.
type DirectTransfer struct {
	PaymentID uuid.UUID
	Proof     *types.BalanceProof
}

func (*DirectTransfer) message() {}

// Secret is the claim envelope: the lock sender's new balance proof whose
// transferred amount grew by the lock amount and whose locksroot no longer
// contains the claimed lock.
type Secret struct {
	PaymentID uuid.UUID
	Secret    types.Secret
	Proof     *types.BalanceProof
}

func (*Secret) message() {}

// SecretRequest asks the transfer initiator to reveal the secret for a
// pending lock addressed to the requester.
type SecretRequest struct {
	PaymentID  uuid.UUID
	SecretHash common.Hash
	Amount     *big.Int
	Signature  []byte
}

func (*SecretRequest) message() {}

type secretRequestSigning struct {
	PaymentID  uuid.UUID
	SecretHash common.Hash
	Amount     *big.Int
}

// SigningBytes is the canonical encoding the signature binds.
func (m *SecretRequest) SigningBytes() []byte {
	enc, err := rlp.EncodeToBytes(&secretRequestSigning{
		PaymentID:  m.PaymentID,
		SecretHash: m.SecretHash,
		Amount:     m.Amount,
	})
	if err != nil {
		panic(err)
	}
	return enc
}

// Sender recovers the address that signed the request.
func (m *SecretRequest) Sender() (common.Address, error) {
	return types.RecoverSender(m.SigningBytes(), m.Signature)
}

// RevealSecret publishes a lock preimage to the counterparty. It is sent by
// the initiator once the target proved interest, and echoed back by the
// target to trigger the claim envelope.
type RevealSecret struct {
	MessageID uint64
	Secret    types.Secret
	Signature []byte
}

func (*RevealSecret) message() {}

type revealSecretSigning struct {
	MessageID uint64
	Secret    types.Secret
}

// SigningBytes is the canonical encoding the signature binds.
func (m *RevealSecret) SigningBytes() []byte {
	enc, err := rlp.EncodeToBytes(&revealSecretSigning{
		MessageID: m.MessageID,
		Secret:    m.Secret,
	})
	if err != nil {
		panic(err)
	}
	return enc
}

// Sender recovers the address that signed the reveal.
func (m *RevealSecret) Sender() (common.Address, error) {
	return types.RecoverSender(m.SigningBytes(), m.Signature)
}
