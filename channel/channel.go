// Package channel implements the per-channel state machine. A channel holds
// two symmetric participant end states and the markers of its ledger
// interactions, and moves Opened -> Closed -> Settled. All mutating methods
// validate first and only then apply; a failed validation leaves the state
// untouched.
//
// The transfer state (end states, locks, balance proofs) is exclusively
// owned by one coordinating goroutine; those methods do not lock. The
// lifecycle markers and the secret registry are also read by the chain
// event goroutine and are mutex guarded.
package channel

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/meshpay-network/go-meshpay/params"
	"github.com/meshpay-network/go-meshpay/types"
)

// State is the lifecycle position of a channel.
type State int

const (
	StateOpened State = iota
	StateClosed
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// TransactionRecord marks a confirmed ledger interaction.
type TransactionRecord struct {
	FinishedBlock uint64
}

// Channel is the state machine for one two-party payment channel.
type Channel struct {
	ID           common.Hash
	TokenAddress common.Address
	OpenBlock    uint64

	Our     *EndState
	Partner *EndState

	cfg params.ProtocolConfig
	log log.Logger

	// mu guards the lifecycle markers and the secret registry.
	mu              sync.RWMutex
	closeTx         *TransactionRecord
	settleTx        *TransactionRecord
	closingAddress  common.Address
	updateSubmitted bool

	// secrets maps secrethash to the known preimage for locks of either
	// side. Entries survive lock removal so unlock proofs can still be
	// built after the pipeline moved on.
	secrets map[common.Hash]types.Secret
}

// New returns an opened channel between our node and the partner.
func New(id common.Hash, token common.Address, our, partner *EndState, openBlock uint64, cfg params.ProtocolConfig) *Channel {
	return &Channel{
		ID:           id,
		TokenAddress: token,
		OpenBlock:    openBlock,
		Our:          our,
		Partner:      partner,
		cfg:          cfg,
		log:          log.New("channel", id),
		secrets:      make(map[common.Hash]types.Secret),
	}
}

// Config returns the protocol constants the channel was opened with.
func (c *Channel) Config() params.ProtocolConfig {
	return c.cfg
}

// state derives the lifecycle position; callers hold c.mu.
func (c *Channel) state() State {
	switch {
	case c.settleTx != nil:
		return StateSettled
	case c.closeTx != nil:
		return StateClosed
	default:
		return StateOpened
	}
}

// State derives the lifecycle position from the transaction records.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state()
}

// CloseTransaction returns the close marker, nil while opened.
func (c *Channel) CloseTransaction() *TransactionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeTx
}

// SettleTransaction returns the settle marker, nil until settled.
func (c *Channel) SettleTransaction() *TransactionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settleTx
}

// ClosingAddress is the participant that submitted the close call.
func (c *Channel) ClosingAddress() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closingAddress
}

// settleWindowEnd is the first settleable block; callers hold c.mu.
func (c *Channel) settleWindowEnd() uint64 {
	if c.closeTx == nil {
		return 0
	}
	return c.closeTx.FinishedBlock + c.cfg.SettleTimeout
}

// SettleWindowEnd is the first block at which settle may be called.
func (c *Channel) SettleWindowEnd() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settleWindowEnd()
}

// CanSettle reports whether the settlement window has elapsed.
func (c *Channel) CanSettle(blockNumber uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state() == StateClosed && blockNumber >= c.settleWindowEnd()
}

// End returns the end state owned by the given participant address, nil
// for a stranger.
func (c *Channel) End(addr common.Address) *EndState {
	switch addr {
	case c.Our.Address:
		return c.Our
	case c.Partner.Address:
		return c.Partner
	default:
		return nil
	}
}

// validateProofHeader checks the invariants shared by every balance proof a
// participant issues: channel binding, strictly increasing nonce and a
// verifiable signature.
func (c *Channel) validateProofHeader(sender *EndState, proof *types.BalanceProof) error {
	if proof.ChannelID != c.ID {
		return ErrWrongChannel
	}
	if proof.Nonce != sender.Nonce()+1 {
		return types.ErrInvalidNonce
	}
	return proof.VerifySender(sender.Address)
}

// ApplyLockedTransfer registers a locked transfer issued by sender. The new
// balance proof must keep the transferred amount and extend the sender's
// locksroot by exactly the new lock.
func (c *Channel) ApplyLockedTransfer(sender *EndState, proof *types.BalanceProof, lock *types.Lock, blockNumber uint64) error {
	if c.State() != StateOpened {
		return ErrNotOpened
	}
	if err := c.validateProofHeader(sender, proof); err != nil {
		return err
	}
	if proof.TransferredAmount.Cmp(sender.TransferredAmount()) != 0 {
		return types.ErrInvalidAmount
	}
	if lock.Expiration <= blockNumber+c.cfg.RevealTimeout {
		return ErrExpiredLock
	}
	if sender.GetLock(lock.SecretHash) != nil {
		return ErrDuplicateLock
	}
	wantRoot, err := sender.computeLocksrootWith(lock)
	if err != nil {
		return err
	}
	if proof.Locksroot != wantRoot {
		return ErrInvalidLocksroot
	}
	if lock.Amount.Cmp(sender.Distributable(c.counterpart(sender))) > 0 {
		return ErrInsufficientBalance
	}

	sender.addLock(lock.Copy(), proof)
	c.log.Trace("Registered locked transfer", "sender", sender.Address,
		"amount", lock.Amount, "secrethash", lock.SecretHash, "nonce", proof.Nonce)
	return nil
}

// ApplyDirectTransfer registers an immediate transfer issued by sender. The
// locksroot is unchanged and the transferred amount strictly increases.
func (c *Channel) ApplyDirectTransfer(sender *EndState, proof *types.BalanceProof, blockNumber uint64) error {
	if c.State() != StateOpened {
		return ErrNotOpened
	}
	if err := c.validateProofHeader(sender, proof); err != nil {
		return err
	}
	if proof.Locksroot != sender.Locksroot() {
		return ErrInvalidLocksroot
	}
	delta := new(big.Int).Sub(proof.TransferredAmount, sender.TransferredAmount())
	if delta.Sign() <= 0 {
		return types.ErrInvalidAmount
	}
	if delta.Cmp(sender.Distributable(c.counterpart(sender))) > 0 {
		return ErrInsufficientBalance
	}

	sender.balanceProof = proof
	c.log.Trace("Registered direct transfer", "sender", sender.Address,
		"amount", delta, "nonce", proof.Nonce)
	return nil
}

// RegisterSecret records a learned preimage for a pending lock of either
// side. The lock stays pending until the sender issues the claim proof.
func (c *Channel) RegisterSecret(secret types.Secret, blockNumber uint64) (*types.Lock, error) {
	secrethash := types.HashSecret(secret)
	lock := c.Our.GetLock(secrethash)
	if lock == nil {
		lock = c.Partner.GetLock(secrethash)
	}
	if lock == nil {
		return nil, ErrLockNotFound
	}
	if lock.Expired(blockNumber) {
		return nil, ErrExpiredLock
	}
	c.storeSecret(secrethash, secret)
	return lock.Copy(), nil
}

func (c *Channel) storeSecret(secrethash common.Hash, secret types.Secret) {
	c.mu.Lock()
	c.secrets[secrethash] = secret
	c.mu.Unlock()
}

// KnownSecret returns the preimage for the secrethash if the node learned
// it at some point.
func (c *Channel) KnownSecret(secrethash common.Hash) (types.Secret, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	secret, ok := c.secrets[secrethash]
	return secret, ok
}

// ApplyClaim removes a claimed lock. The sender hands over a new balance
// proof whose transferred amount grew by exactly the lock amount and whose
// locksroot no longer contains the lock; from that point the superseded
// locksroot can never be used to claim the lock again.
func (c *Channel) ApplyClaim(sender *EndState, proof *types.BalanceProof, secret types.Secret, blockNumber uint64) error {
	if c.State() != StateOpened {
		return ErrNotOpened
	}
	if err := c.validateProofHeader(sender, proof); err != nil {
		return err
	}
	secrethash := types.HashSecret(secret)
	lock := sender.GetLock(secrethash)
	if lock == nil {
		return ErrLockNotFound
	}
	if lock.SecretHash != secrethash {
		return ErrSecretMismatch
	}
	if lock.Expired(blockNumber) {
		return ErrExpiredLock
	}
	wantAmount := new(big.Int).Add(sender.TransferredAmount(), lock.Amount)
	if proof.TransferredAmount.Cmp(wantAmount) != 0 {
		return types.ErrInvalidAmount
	}
	wantRoot, err := sender.computeLocksrootWithout(lock)
	if err != nil {
		return err
	}
	if proof.Locksroot != wantRoot {
		return ErrInvalidLocksroot
	}

	sender.removeLock(lock, proof)
	c.storeSecret(secrethash, secret)
	c.log.Trace("Claimed lock", "sender", sender.Address,
		"amount", lock.Amount, "secrethash", secrethash, "nonce", proof.Nonce)
	return nil
}

// CreateLockedTransfer issues and applies our side of a new locked
// transfer: a fresh balance proof committing to the extended locksroot.
// The validation runs before the signer consumes a nonce, so a rejected
// transfer leaves the sequence untouched.
func (c *Channel) CreateLockedTransfer(signer *types.Signer, amount *big.Int, expiration uint64, secrethash common.Hash, blockNumber uint64) (*types.BalanceProof, *types.Lock, error) {
	if c.State() != StateOpened {
		return nil, nil, ErrNotOpened
	}
	if expiration <= blockNumber+c.cfg.RevealTimeout {
		return nil, nil, ErrExpiredLock
	}
	if amount.Cmp(c.Our.Distributable(c.Partner)) > 0 {
		return nil, nil, ErrInsufficientBalance
	}
	lock := types.NewLock(amount, expiration, secrethash)
	if c.Our.GetLock(secrethash) != nil {
		return nil, nil, ErrDuplicateLock
	}
	root, err := c.Our.computeLocksrootWith(lock)
	if err != nil {
		return nil, nil, err
	}
	proof, err := signer.IssueBalanceProof(c.ID, c.Our.Nonce()+1, c.Our.TransferredAmount(), root)
	if err != nil {
		return nil, nil, err
	}
	if err := c.ApplyLockedTransfer(c.Our, proof, lock, blockNumber); err != nil {
		return nil, nil, err
	}
	return proof, lock, nil
}

// CreateDirectTransfer issues and applies our side of an immediate
// transfer of amount.
func (c *Channel) CreateDirectTransfer(signer *types.Signer, amount *big.Int, blockNumber uint64) (*types.BalanceProof, error) {
	if c.State() != StateOpened {
		return nil, ErrNotOpened
	}
	if amount.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}
	if amount.Cmp(c.Our.Distributable(c.Partner)) > 0 {
		return nil, ErrInsufficientBalance
	}
	transferred := new(big.Int).Add(c.Our.TransferredAmount(), amount)
	proof, err := signer.IssueBalanceProof(c.ID, c.Our.Nonce()+1, transferred, c.Our.Locksroot())
	if err != nil {
		return nil, err
	}
	if err := c.ApplyDirectTransfer(c.Our, proof, blockNumber); err != nil {
		return nil, err
	}
	return proof, nil
}

// CreateClaim issues and applies our side of an off-chain lock claim: the
// lock amount moves into the transferred amount and the lock leaves the
// locksroot for good.
func (c *Channel) CreateClaim(signer *types.Signer, secret types.Secret, blockNumber uint64) (*types.BalanceProof, *types.Lock, error) {
	if c.State() != StateOpened {
		return nil, nil, ErrNotOpened
	}
	secrethash := types.HashSecret(secret)
	lock := c.Our.GetLock(secrethash)
	if lock == nil {
		return nil, nil, ErrLockNotFound
	}
	if lock.Expired(blockNumber) {
		return nil, nil, ErrExpiredLock
	}
	root, err := c.Our.computeLocksrootWithout(lock)
	if err != nil {
		return nil, nil, err
	}
	transferred := new(big.Int).Add(c.Our.TransferredAmount(), lock.Amount)
	proof, err := signer.IssueBalanceProof(c.ID, c.Our.Nonce()+1, transferred, root)
	if err != nil {
		return nil, nil, err
	}
	if err := c.ApplyClaim(c.Our, proof, secret, blockNumber); err != nil {
		return nil, nil, err
	}
	return proof, lock.Copy(), nil
}

// ComputeProofForLock builds the on-chain unlock justification for a
// pending lock of the given end.
func (c *Channel) ComputeProofForLock(end *EndState, secret types.Secret, lock *types.Lock) (*types.UnlockProof, error) {
	if types.HashSecret(secret) != lock.SecretHash {
		return nil, ErrSecretMismatch
	}
	merkleProof, err := end.ProofFor(lock)
	if err != nil {
		return nil, err
	}
	return &types.UnlockProof{
		MerkleProof: merkleProof,
		LockEncoded: lock.Encoded(),
		Secret:      secret,
	}, nil
}

// PartnerProofForClose is the proof submitted with our close call: the
// latest proof the partner signed, or an empty proof if none was received.
func (c *Channel) PartnerProofForClose() *types.BalanceProof {
	if proof := c.Partner.BalanceProof(); proof != nil {
		return proof
	}
	return types.EmptyBalanceProof(c.ID)
}

// HandleClosed applies a confirmed on-chain close.
func (c *Channel) HandleClosed(closing common.Address, closedBlock uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeTx != nil {
		return
	}
	c.closeTx = &TransactionRecord{FinishedBlock: closedBlock}
	c.closingAddress = closing
	c.log.Debug("Channel closed", "closing", closing, "block", closedBlock)
}

// HandleSettled applies a confirmed on-chain settlement.
func (c *Channel) HandleSettled(settleBlock uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settleTx != nil {
		return
	}
	c.settleTx = &TransactionRecord{FinishedBlock: settleBlock}
	c.log.Debug("Channel settled", "block", settleBlock)
}

// HandleUnlocked applies a confirmed per-lock on-chain unlock. The secret
// becomes known even if the reveal never reached us off-chain.
func (c *Channel) HandleUnlocked(secrethash common.Hash, secret types.Secret) {
	c.storeSecret(secrethash, secret)
	c.log.Debug("Lock unlocked on chain", "secrethash", secrethash)
}

// MarkUpdateSubmitted records that the one-shot counter balance proof
// update went out. Reports whether this call was the first.
func (c *Channel) MarkUpdateSubmitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateSubmitted {
		return false
	}
	c.updateSubmitted = true
	return true
}

// counterpart returns the other participant's end state.
func (c *Channel) counterpart(end *EndState) *EndState {
	if end == c.Our {
		return c.Partner
	}
	return c.Our
}

// SettleShares computes the net allocation of the deposits according to the
// latest known balance proofs: each side is owed its deposit plus what it
// received minus what it sent. The two shares always sum to the total
// deposits.
func (c *Channel) SettleShares() (our, partner *big.Int) {
	our = new(big.Int).Set(c.Our.ContractBalance)
	our.Add(our, c.Partner.TransferredAmount())
	our.Sub(our, c.Our.TransferredAmount())

	partner = new(big.Int).Set(c.Partner.ContractBalance)
	partner.Add(partner, c.Our.TransferredAmount())
	partner.Sub(partner, c.Partner.TransferredAmount())
	return our, partner
}
