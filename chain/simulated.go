package chain

import (
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/meshpay-network/go-meshpay/mtree"
	"github.com/meshpay-network/go-meshpay/params"
	"github.com/meshpay-network/go-meshpay/types"
)

// SimulatedLedger is an in-memory ledger enforcing the netting contract
// rules: close once, one counter update by the non-closer with a higher
// nonce inside the window, settle only after the window, per-lock unlock
// only with a valid inclusion proof against the committed locksroot. Block
// height advances only through NextBlock/MineUntil, giving tests full
// control over the windows.
type SimulatedLedger struct {
	cfg params.ProtocolConfig
	log log.Logger

	mu          sync.Mutex
	blockNumber uint64
	seq         uint64
	balances    map[common.Address]map[common.Address]*big.Int
	channels    map[common.Hash]*SimulatedChannel

	feed event.Feed
}

// NewSimulatedLedger returns an empty ledger at block 1.
func NewSimulatedLedger(cfg params.ProtocolConfig) *SimulatedLedger {
	return &SimulatedLedger{
		cfg:         cfg,
		log:         log.New("module", "simledger"),
		blockNumber: 1,
		balances:    make(map[common.Address]map[common.Address]*big.Int),
		channels:    make(map[common.Hash]*SimulatedChannel),
	}
}

func (l *SimulatedLedger) BlockNumber() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockNumber
}

// NextBlock advances the chain by one block and returns the new height.
func (l *SimulatedLedger) NextBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockNumber++
	return l.blockNumber
}

// MineUntil advances the chain to the target height if it is ahead.
func (l *SimulatedLedger) MineUntil(target uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if target > l.blockNumber {
		l.blockNumber = target
	}
}

// SetTokenBalance initializes the on-chain balance of owner.
func (l *SimulatedLedger) SetTokenBalance(token, owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance(token, owner).Set(amount)
}

func (l *SimulatedLedger) TokenBalance(token, owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(token, owner))
}

// balance returns the mutable balance entry; callers hold l.mu.
func (l *SimulatedLedger) balance(token, owner common.Address) *big.Int {
	owners := l.balances[token]
	if owners == nil {
		owners = make(map[common.Address]*big.Int)
		l.balances[token] = owners
	}
	b := owners[owner]
	if b == nil {
		b = new(big.Int)
		owners[owner] = b
	}
	return b
}

func (l *SimulatedLedger) SubscribeEvents(ch chan<- Event) event.Subscription {
	return l.feed.Subscribe(ch)
}

// OpenChannel locks both deposits into a new netting channel and returns
// its identifier.
func (l *SimulatedLedger) OpenChannel(token, a, b common.Address, depositA, depositB *big.Int) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balA := l.balance(token, a)
	balB := l.balance(token, b)
	if balA.Cmp(depositA) < 0 || balB.Cmp(depositB) < 0 {
		return common.Hash{}, ErrInsufficientDeposit
	}
	balA.Sub(balA, depositA)
	balB.Sub(balB, depositB)

	l.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.seq)
	id := crypto.Keccak256Hash(token.Bytes(), a.Bytes(), b.Bytes(), seq[:])

	l.channels[id] = &SimulatedChannel{
		ledger:    l,
		id:        id,
		token:     token,
		openBlock: l.blockNumber,
		parts: [2]*simParticipant{
			newSimParticipant(a, depositA),
			newSimParticipant(b, depositB),
		},
		unlockedLeaves: make(map[common.Hash]bool),
	}
	l.log.Debug("Channel opened", "id", id, "token", token, "block", l.blockNumber)
	return id, nil
}

func (l *SimulatedLedger) Channel(id common.Hash) (NettingChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

type simParticipant struct {
	addr    common.Address
	deposit *big.Int

	// Outgoing side as committed at close/update time.
	transferred *big.Int
	locksroot   common.Hash
	nonce       uint64

	// Total amount this participant claimed from the counterpart's
	// committed locksroot through per-lock unlocks.
	unlocked *big.Int
}

func newSimParticipant(addr common.Address, deposit *big.Int) *simParticipant {
	return &simParticipant{
		addr:        addr,
		deposit:     new(big.Int).Set(deposit),
		transferred: new(big.Int),
		unlocked:    new(big.Int),
	}
}

func (p *simParticipant) applyProof(proof *types.BalanceProof) {
	p.transferred.Set(proof.TransferredAmount)
	p.locksroot = proof.Locksroot
	p.nonce = proof.Nonce
}

// SimulatedChannel is the in-memory netting contract for one channel.
type SimulatedChannel struct {
	ledger    *SimulatedLedger
	id        common.Hash
	token     common.Address
	openBlock uint64

	parts [2]*simParticipant

	closedBlock    uint64
	closingAddress common.Address
	updateDone     bool
	settled        bool
	settleBlock    uint64

	unlockedLeaves map[common.Hash]bool
}

// part returns the participant entry for addr, nil for a stranger.
func (c *SimulatedChannel) part(addr common.Address) *simParticipant {
	for _, p := range c.parts {
		if p.addr == addr {
			return p
		}
	}
	return nil
}

func (c *SimulatedChannel) counterpart(addr common.Address) *simParticipant {
	if c.parts[0].addr == addr {
		return c.parts[1]
	}
	return c.parts[0]
}

func (c *SimulatedChannel) Close(caller common.Address, partnerProof *types.BalanceProof) error {
	ev, err := c.close(caller, partnerProof)
	if err != nil {
		return err
	}
	c.ledger.feed.Send(ev)
	return nil
}

func (c *SimulatedChannel) close(caller common.Address, partnerProof *types.BalanceProof) (Event, error) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	if c.part(caller) == nil {
		return Event{}, ErrNotParticipant
	}
	if c.settled {
		return Event{}, ErrAlreadySettled
	}
	if c.closedBlock != 0 {
		return Event{}, ErrAlreadyClosed
	}

	partner := c.counterpart(caller)
	if !partnerProof.IsEmpty() {
		if partnerProof.ChannelID != c.id {
			return Event{}, ErrChannelNotFound
		}
		if err := partnerProof.VerifySender(partner.addr); err != nil {
			return Event{}, err
		}
		partner.applyProof(partnerProof)
	}

	c.closedBlock = c.ledger.blockNumber
	c.closingAddress = caller
	c.ledger.log.Debug("Channel closed", "id", c.id, "closing", caller, "block", c.closedBlock)

	return Event{
		Kind:           EventChannelClosed,
		ChannelID:      c.id,
		ClosingAddress: caller,
		ClosedBlock:    c.closedBlock,
	}, nil
}

func (c *SimulatedChannel) UpdateTransfer(caller common.Address, proof *types.BalanceProof) error {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	if c.part(caller) == nil {
		return ErrNotParticipant
	}
	if c.settled {
		return ErrAlreadySettled
	}
	if c.closedBlock == 0 {
		return ErrNotClosed
	}
	// The closer already chose its submission; only the counterpart may
	// dispute.
	if caller == c.closingAddress {
		return ErrNotParticipant
	}
	if c.updateDone {
		return ErrUpdateAlreadySubmitted
	}
	if c.ledger.blockNumber >= c.closedBlock+c.ledger.cfg.SettleTimeout {
		return ErrSettleWindowExpired
	}

	closer := c.part(c.closingAddress)
	if proof.IsEmpty() {
		return types.ErrInvalidSignature
	}
	if proof.ChannelID != c.id {
		return ErrChannelNotFound
	}
	if err := proof.VerifySender(closer.addr); err != nil {
		return err
	}
	if proof.Nonce <= closer.nonce {
		return types.ErrInvalidNonce
	}

	closer.applyProof(proof)
	c.updateDone = true
	c.ledger.log.Debug("Transfer update submitted", "id", c.id, "caller", caller, "nonce", proof.Nonce)
	return nil
}

func (c *SimulatedChannel) Unlock(caller common.Address, proof *types.UnlockProof) error {
	ev, err := c.unlock(caller, proof)
	if err != nil {
		return err
	}
	c.ledger.feed.Send(ev)
	return nil
}

func (c *SimulatedChannel) unlock(caller common.Address, proof *types.UnlockProof) (Event, error) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	receiver := c.part(caller)
	if receiver == nil {
		return Event{}, ErrNotParticipant
	}
	if c.settled {
		return Event{}, ErrAlreadySettled
	}
	if c.closedBlock == 0 {
		return Event{}, ErrNotClosed
	}

	lock, err := proof.Lock()
	if err != nil {
		return Event{}, ErrProofNotInLocksroot
	}
	if types.HashSecret(proof.Secret) != lock.SecretHash {
		return Event{}, ErrSecretMismatch
	}
	if c.ledger.blockNumber > lock.Expiration+c.ledger.cfg.UnlockGraceWindow {
		return Event{}, ErrLockExpired
	}

	leaf := crypto.Keccak256Hash(proof.LockEncoded)
	if c.unlockedLeaves[leaf] {
		// A second claim of a resolved lock looks exactly like a claim
		// against a superseded locksroot.
		return Event{}, ErrProofNotInLocksroot
	}
	sender := c.counterpart(caller)
	if !mtree.VerifyProof(proof.MerkleProof, sender.locksroot, leaf) {
		return Event{}, ErrProofNotInLocksroot
	}

	c.unlockedLeaves[leaf] = true
	receiver.unlocked.Add(receiver.unlocked, lock.Amount)
	c.ledger.log.Debug("Lock unlocked", "id", c.id, "receiver", caller,
		"amount", lock.Amount, "secrethash", lock.SecretHash)

	return Event{
		Kind:       EventChannelUnlocked,
		ChannelID:  c.id,
		SecretHash: lock.SecretHash,
		Secret:     proof.Secret,
		Receiver:   caller,
	}, nil
}

func (c *SimulatedChannel) Settle(caller common.Address) error {
	ev, err := c.settle(caller)
	if err != nil {
		return err
	}
	c.ledger.feed.Send(ev)
	return nil
}

func (c *SimulatedChannel) settle(caller common.Address) (Event, error) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	if c.part(caller) == nil {
		return Event{}, ErrNotParticipant
	}
	if c.settled {
		return Event{}, ErrAlreadySettled
	}
	if c.closedBlock == 0 {
		return Event{}, ErrNotClosed
	}
	if c.ledger.blockNumber < c.closedBlock+c.ledger.cfg.SettleTimeout {
		return Event{}, ErrSettleWindowOpen
	}

	a, b := c.parts[0], c.parts[1]
	shareA := settleShare(a, b)

	// The committed amounts bound the share into [0, total]; the clamp
	// only matters for adversarial proofs exceeding the deposits. The
	// counterpart always gets the remainder, so no value is created or
	// destroyed.
	total := new(big.Int).Add(a.deposit, b.deposit)
	if shareA.Sign() < 0 {
		shareA.SetInt64(0)
	}
	if shareA.Cmp(total) > 0 {
		shareA.Set(total)
	}
	shareB := new(big.Int).Sub(total, shareA)

	c.ledger.balance(c.token, a.addr).Add(c.ledger.balance(c.token, a.addr), shareA)
	c.ledger.balance(c.token, b.addr).Add(c.ledger.balance(c.token, b.addr), shareB)

	c.settled = true
	c.settleBlock = c.ledger.blockNumber
	c.ledger.log.Debug("Channel settled", "id", c.id, "block", c.settleBlock,
		"shareA", shareA, "shareB", shareB)

	return Event{
		Kind:        EventChannelSettled,
		ChannelID:   c.id,
		SettleBlock: c.settleBlock,
	}, nil
}

// settleShare computes p's payout: its deposit, plus everything the
// counterpart committed to having sent and everything p unlocked, minus
// the mirror amounts.
func settleShare(p, counterpart *simParticipant) *big.Int {
	share := new(big.Int).Set(p.deposit)
	share.Add(share, counterpart.transferred)
	share.Add(share, p.unlocked)
	share.Sub(share, p.transferred)
	share.Sub(share, counterpart.unlocked)
	return share
}
