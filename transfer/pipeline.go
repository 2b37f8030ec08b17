package transfer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math/big"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/meshpay-network/go-meshpay/chain"
	"github.com/meshpay-network/go-meshpay/channel"
	"github.com/meshpay-network/go-meshpay/statelog"
	"github.com/meshpay-network/go-meshpay/types"
)

var (
	// ErrUnknownSender is returned for a message whose recovered sender is
	// not the channel counterparty.
	ErrUnknownSender = errors.New("transfer: message sender is not the channel partner")

	// ErrAlreadyClaimed is returned when a reveal arrives for a secrethash
	// whose lock was already claimed.
	ErrAlreadyClaimed = errors.New("transfer: lock already claimed")

	// ErrUnknownSecret is returned for a SecretRequest naming a secrethash
	// this node never generated.
	ErrUnknownSecret = errors.New("transfer: no secret known for requested hash")

	// ErrUnknownMessage is returned for a message kind the pipeline does
	// not handle.
	ErrUnknownMessage = errors.New("transfer: unknown message kind")
)

// Pipeline drives one channel's off-chain protocol. Deliver consumes an
// inbound message, mutates the channel, and returns the reply to send, if
// any. A pipeline is owned by the channel's single writer goroutine and is
// not safe for concurrent use.
type Pipeline struct {
	ch     *channel.Channel
	signer *types.Signer
	slog   *statelog.Log
	ledger chain.Ledger
	log    log.Logger

	// secrets we generated as initiator, revealed on request
	pendingSecrets map[common.Hash]types.Secret
	// payment ids for transfers we initiated, keyed by secrethash
	pendingPayments map[common.Hash]uuid.UUID
	// secrethashes whose lock was claimed on either end
	claimed mapset.Set
}

// NewPipeline wires a pipeline onto an open channel. The signer must hold
// the key for the channel's own end.
func NewPipeline(ch *channel.Channel, signer *types.Signer, slog *statelog.Log, ledger chain.Ledger) *Pipeline {
	return &Pipeline{
		ch:              ch,
		signer:          signer,
		slog:            slog,
		ledger:          ledger,
		log:             log.New("channel", ch.ID),
		pendingSecrets:  make(map[common.Hash]types.Secret),
		pendingPayments: make(map[common.Hash]uuid.UUID),
		claimed:         mapset.NewSet(),
	}
}

// Channel returns the channel the pipeline operates on.
func (p *Pipeline) Channel() *channel.Channel { return p.ch }

// InitiateTransfer starts a new locked transfer for amount, generating a
// fresh secret. The returned message is sent to the partner; the secret
// stays private until the partner asks for it.
func (p *Pipeline) InitiateTransfer(amount *big.Int, expiration uint64) (*LockedTransfer, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	secrethash := types.HashSecret(secret)
	blockNumber := p.ledger.BlockNumber()
	proof, lock, err := p.ch.CreateLockedTransfer(p.signer, amount, expiration, secrethash, blockNumber)
	if err != nil {
		return nil, err
	}
	if err := p.appendProofRecord(p.signer.Address(), proof); err != nil {
		return nil, err
	}
	paymentID := uuid.New()
	p.pendingSecrets[secrethash] = secret
	p.pendingPayments[secrethash] = paymentID
	p.log.Debug("Initiated locked transfer", "payment", paymentID, "amount", amount, "secrethash", secrethash, "expiration", expiration)
	return &LockedTransfer{PaymentID: paymentID, Proof: proof, Lock: lock}, nil
}

// InitiateDirectTransfer starts an unconditional transfer of amount.
func (p *Pipeline) InitiateDirectTransfer(amount *big.Int) (*DirectTransfer, error) {
	blockNumber := p.ledger.BlockNumber()
	proof, err := p.ch.CreateDirectTransfer(p.signer, amount, blockNumber)
	if err != nil {
		return nil, err
	}
	if err := p.appendProofRecord(p.signer.Address(), proof); err != nil {
		return nil, err
	}
	paymentID := uuid.New()
	p.log.Debug("Initiated direct transfer", "payment", paymentID, "amount", amount)
	return &DirectTransfer{PaymentID: paymentID, Proof: proof}, nil
}

// Deliver processes one inbound message and returns the reply to send
// back, or nil when the protocol step has no reply. A non-nil error means
// the message was rejected and the channel state is unchanged.
func (p *Pipeline) Deliver(msg Message) (Message, error) {
	switch m := msg.(type) {
	case *LockedTransfer:
		return p.onLockedTransfer(m)
	case *DirectTransfer:
		return nil, p.onDirectTransfer(m)
	case *SecretRequest:
		return p.onSecretRequest(m)
	case *RevealSecret:
		return p.onRevealSecret(m)
	case *Secret:
		return nil, p.onSecret(m)
	}
	return nil, ErrUnknownMessage
}

func (p *Pipeline) onLockedTransfer(m *LockedTransfer) (Message, error) {
	if err := p.checkEnvelopeSender(m.Proof); err != nil {
		return nil, err
	}
	blockNumber := p.ledger.BlockNumber()
	if err := p.ch.ApplyLockedTransfer(p.ch.Partner, m.Proof, m.Lock, blockNumber); err != nil {
		return nil, err
	}
	if err := p.appendProofRecord(p.ch.Partner.Address, m.Proof); err != nil {
		return nil, err
	}
	p.log.Debug("Locked transfer accepted", "payment", m.PaymentID, "amount", m.Lock.Amount, "secrethash", m.Lock.SecretHash)
	req := &SecretRequest{
		PaymentID:  m.PaymentID,
		SecretHash: m.Lock.SecretHash,
		Amount:     new(big.Int).Set(m.Lock.Amount),
	}
	sig, err := p.signer.Sign(req.SigningBytes())
	if err != nil {
		return nil, err
	}
	req.Signature = sig
	return req, nil
}

func (p *Pipeline) onDirectTransfer(m *DirectTransfer) error {
	if err := p.checkEnvelopeSender(m.Proof); err != nil {
		return err
	}
	blockNumber := p.ledger.BlockNumber()
	if err := p.ch.ApplyDirectTransfer(p.ch.Partner, m.Proof, blockNumber); err != nil {
		return err
	}
	if err := p.appendProofRecord(p.ch.Partner.Address, m.Proof); err != nil {
		return err
	}
	p.log.Debug("Direct transfer accepted", "payment", m.PaymentID, "transferred", m.Proof.TransferredAmount)
	return nil
}

func (p *Pipeline) onSecretRequest(m *SecretRequest) (Message, error) {
	sender, err := m.Sender()
	if err != nil {
		return nil, err
	}
	if sender != p.ch.Partner.Address {
		return nil, ErrUnknownSender
	}
	secret, ok := p.pendingSecrets[m.SecretHash]
	if !ok {
		return nil, ErrUnknownSecret
	}
	lock := p.ch.Our.GetLock(m.SecretHash)
	if lock == nil {
		return nil, channel.ErrLockNotFound
	}
	if m.Amount == nil || m.Amount.Cmp(lock.Amount) != 0 {
		return nil, types.ErrInvalidAmount
	}
	reveal, err := p.newRevealSecret(secret)
	if err != nil {
		return nil, err
	}
	p.log.Debug("Revealing secret", "payment", m.PaymentID, "secrethash", m.SecretHash)
	return reveal, nil
}

func (p *Pipeline) onRevealSecret(m *RevealSecret) (Message, error) {
	sender, err := m.Sender()
	if err != nil {
		return nil, err
	}
	if sender != p.ch.Partner.Address {
		return nil, ErrUnknownSender
	}
	secrethash := types.HashSecret(m.Secret)
	if p.claimed.Contains(secrethash) {
		return nil, ErrAlreadyClaimed
	}
	blockNumber := p.ledger.BlockNumber()
	if _, err := p.ch.RegisterSecret(m.Secret, blockNumber); err != nil {
		return nil, err
	}
	if _, err := p.slog.Append(&statelog.SecretRevealedRecord{
		ChannelID:  p.ch.ID,
		SecretHash: secrethash,
	}); err != nil {
		return nil, err
	}
	if p.ch.Our.GetLock(secrethash) == nil {
		// Partner's lock: echo the reveal so the partner, who holds the
		// lock on its own end, issues the claim envelope.
		return p.newRevealSecret(m.Secret)
	}
	// Our lock: the target proved it knows the secret, pay it out.
	proof, _, err := p.ch.CreateClaim(p.signer, m.Secret, blockNumber)
	if err != nil {
		return nil, err
	}
	if err := p.appendProofRecord(p.signer.Address(), proof); err != nil {
		return nil, err
	}
	p.claimed.Add(secrethash)
	paymentID := p.pendingPayments[secrethash]
	delete(p.pendingSecrets, secrethash)
	delete(p.pendingPayments, secrethash)
	p.log.Debug("Claim issued", "payment", paymentID, "secrethash", secrethash)
	return &Secret{PaymentID: paymentID, Secret: m.Secret, Proof: proof}, nil
}

func (p *Pipeline) onSecret(m *Secret) error {
	if err := p.checkEnvelopeSender(m.Proof); err != nil {
		return err
	}
	secrethash := types.HashSecret(m.Secret)
	if p.claimed.Contains(secrethash) && p.ch.Partner.GetLock(secrethash) == nil {
		return ErrAlreadyClaimed
	}
	blockNumber := p.ledger.BlockNumber()
	if err := p.ch.ApplyClaim(p.ch.Partner, m.Proof, m.Secret, blockNumber); err != nil {
		return err
	}
	if err := p.appendProofRecord(p.ch.Partner.Address, m.Proof); err != nil {
		return err
	}
	p.claimed.Add(secrethash)
	p.log.Debug("Claim accepted", "payment", m.PaymentID, "secrethash", secrethash, "transferred", m.Proof.TransferredAmount)
	return nil
}

// checkEnvelopeSender verifies that the embedded balance proof was signed
// by the channel partner. The concrete Apply step re-verifies the proof
// against the partner end; this catches third-party proofs early.
func (p *Pipeline) checkEnvelopeSender(proof *types.BalanceProof) error {
	sender, err := proof.Recover()
	if err != nil {
		return err
	}
	if sender != p.ch.Partner.Address {
		return ErrUnknownSender
	}
	return nil
}

func (p *Pipeline) newRevealSecret(secret types.Secret) (*RevealSecret, error) {
	id, err := randomMessageID()
	if err != nil {
		return nil, err
	}
	reveal := &RevealSecret{MessageID: id, Secret: secret}
	sig, err := p.signer.Sign(reveal.SigningBytes())
	if err != nil {
		return nil, err
	}
	reveal.Signature = sig
	return reveal, nil
}

func (p *Pipeline) appendProofRecord(sender common.Address, proof *types.BalanceProof) error {
	_, err := p.slog.Append(&statelog.BalanceProofUpdatedRecord{
		ChannelID:         p.ch.ID,
		Sender:            sender,
		Nonce:             proof.Nonce,
		TransferredAmount: new(big.Int).Set(proof.TransferredAmount),
		Locksroot:         proof.Locksroot,
	})
	return err
}

func newSecret() (types.Secret, error) {
	var s types.Secret
	if _, err := rand.Read(s[:]); err != nil {
		return types.Secret{}, err
	}
	return s, nil
}

func randomMessageID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
