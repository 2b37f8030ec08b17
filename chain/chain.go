// Package chain defines what the node expects from the ledger: the calls a
// settlement coordinator may issue against a netting channel and the events
// it consumes. The production implementation is an RPC proxy and lives
// outside this module; the in-package SimulatedLedger enforces the same
// contract rules in memory and backs the protocol tests.
package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/meshpay-network/go-meshpay/types"
)

var (
	// ErrChannelNotFound is returned for calls against an unknown channel
	// identifier.
	ErrChannelNotFound = errors.New("chain: no such channel")

	// ErrNotParticipant is returned when the caller is not one of the two
	// channel participants.
	ErrNotParticipant = errors.New("chain: caller not a channel participant")

	// ErrInsufficientDeposit is returned when a participant's token
	// balance cannot cover its channel deposit.
	ErrInsufficientDeposit = errors.New("chain: token balance below deposit")

	// ErrAlreadyClosed is returned for a duplicate close call. Benign:
	// the counterparty got there first.
	ErrAlreadyClosed = errors.New("chain: channel already closed")

	// ErrAlreadySettled is returned for calls against a settled channel.
	// A duplicate settle attempt is benign and swallowed by the caller.
	ErrAlreadySettled = errors.New("chain: channel already settled")

	// ErrNotClosed is returned when settle, update or unlock is attempted
	// on a channel that was never closed.
	ErrNotClosed = errors.New("chain: channel not closed")

	// ErrSettleWindowOpen is returned when settle is attempted before the
	// settlement window elapsed.
	ErrSettleWindowOpen = errors.New("chain: settlement window still open")

	// ErrSettleWindowExpired is returned when a counter balance proof
	// update arrives after the settlement window.
	ErrSettleWindowExpired = errors.New("chain: settlement window expired")

	// ErrUpdateAlreadySubmitted is returned for a second counter balance
	// proof update; the contract accepts exactly one.
	ErrUpdateAlreadySubmitted = errors.New("chain: transfer update already submitted")

	// ErrProofNotInLocksroot is returned for an unlock whose lock is not
	// committed in the settled locksroot. Deterministic, never retried:
	// it signals a resolved or superseded lock.
	ErrProofNotInLocksroot = errors.New("chain: lock not part of committed locksroot")

	// ErrSecretMismatch is returned for an unlock whose secret does not
	// hash to the lock's secrethash.
	ErrSecretMismatch = errors.New("chain: secret does not match lock")

	// ErrLockExpired is returned for an unlock past the lock's expiration
	// plus the grace window.
	ErrLockExpired = errors.New("chain: lock expired")
)

// NettingChannel is the per-channel ledger call surface. Every call is
// synchronous and idempotent-safe: a duplicate submission fails with a
// deterministic error instead of corrupting state. The caller address
// stands in for the transaction sender.
type NettingChannel interface {
	// Close closes the channel, submitting the latest balance proof the
	// caller holds from its counterpart (an empty proof if none).
	Close(caller common.Address, partnerProof *types.BalanceProof) error

	// UpdateTransfer submits the non-closing participant's counter
	// balance proof. Accepted exactly once, only with a nonce higher
	// than the proof used to close, only before the window elapses.
	UpdateTransfer(caller common.Address, proof *types.BalanceProof) error

	// Unlock claims a single pending lock of the caller's counterpart,
	// justified by a merkle proof against the committed locksroot and
	// the revealed secret.
	Unlock(caller common.Address, proof *types.UnlockProof) error

	// Settle nets the deposits against the committed balance proofs and
	// pays both participants out.
	Settle(caller common.Address) error
}

// Ledger is the node's read surface of the chain plus the lookup of the
// per-channel call proxies. Channels are referenced by identifier only;
// the node never holds an owning reference to ledger-side state.
type Ledger interface {
	// BlockNumber returns the current block height.
	BlockNumber() uint64

	// Channel returns the call proxy for a channel identifier.
	Channel(id common.Hash) (NettingChannel, error)

	// TokenBalance returns the on-chain balance of owner for the token.
	TokenBalance(token, owner common.Address) *big.Int

	// SubscribeEvents delivers confirmed ledger events to ch until the
	// subscription is cancelled.
	SubscribeEvents(ch chan<- Event) event.Subscription
}
