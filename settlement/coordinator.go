// Package settlement performs the node's on-chain duties once a channel
// leaves the cooperative path: closing with the best held proof, the
// one-shot counter balance proof update after the partner closes, per-lock
// unlocks for every pending lock whose secret is known, and the settle
// call once the dispute window elapses.
package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/meshpay-network/go-meshpay/chain"
	"github.com/meshpay-network/go-meshpay/channel"
	"github.com/meshpay-network/go-meshpay/statelog"
)

// ErrStopped is returned by waits that were cut short by Stop.
var ErrStopped = errors.New("settlement: coordinator stopped")

// eventBuffer decouples the ledger's event feed from coordinator work.
const eventBuffer = 64

// Coordinator owns the on-chain lifecycle of its tracked channels. All
// channel mutation happens on the coordinator's single event loop, so a
// tracked channel must not be mutated concurrently by other goroutines
// while the coordinator runs.
type Coordinator struct {
	owner  common.Address
	ledger chain.Ledger
	slog   *statelog.Log
	poll   time.Duration
	log    log.Logger

	mu       sync.Mutex
	channels map[common.Hash]*channel.Channel

	events chan chain.Event
	sub    event.Subscription
	quit   chan struct{}
	done   chan struct{}
}

// NewCoordinator builds a coordinator acting as owner. poll bounds how
// stale the settle check may get between ledger events.
func NewCoordinator(owner common.Address, ledger chain.Ledger, slog *statelog.Log, poll time.Duration) *Coordinator {
	return &Coordinator{
		owner:    owner,
		ledger:   ledger,
		slog:     slog,
		poll:     poll,
		log:      log.New("owner", owner),
		channels: make(map[common.Hash]*channel.Channel),
		events:   make(chan chain.Event, eventBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Track registers a channel with the coordinator. The state log is
// consulted so a counter update submitted before a restart stays
// one-shot.
func (co *Coordinator) Track(ch *channel.Channel) error {
	entry, err := co.slog.Find(func(rec statelog.Record) bool {
		r, ok := rec.(*statelog.TransferUpdateSentRecord)
		return ok && r.ChannelID == ch.ID
	})
	if err != nil {
		return err
	}
	if entry != nil {
		ch.MarkUpdateSubmitted()
	}
	co.mu.Lock()
	co.channels[ch.ID] = ch
	co.mu.Unlock()
	return nil
}

// Start subscribes to ledger events and launches the event loop.
func (co *Coordinator) Start() {
	co.sub = co.ledger.SubscribeEvents(co.events)
	go co.loop()
}

// Stop terminates the event loop and waits for it to drain.
func (co *Coordinator) Stop() {
	co.sub.Unsubscribe()
	close(co.quit)
	<-co.done
}

func (co *Coordinator) loop() {
	defer close(co.done)
	ticker := time.NewTicker(co.poll)
	defer ticker.Stop()
	for {
		select {
		case ev := <-co.events:
			co.handleEvent(ev)
		case <-ticker.C:
			co.checkSettlements()
		case err := <-co.sub.Err():
			if err != nil {
				co.log.Error("Ledger subscription failed", "err", err)
			}
			return
		case <-co.quit:
			return
		}
	}
}

// CloseChannel closes ch on chain with the best proof held from the
// partner. The resulting ledger event drives the local state transition.
func (co *Coordinator) CloseChannel(ch *channel.Channel) error {
	nc, err := co.ledger.Channel(ch.ID)
	if err != nil {
		return err
	}
	return nc.Close(co.owner, ch.PartnerProofForClose())
}

func (co *Coordinator) channelByID(id common.Hash) *channel.Channel {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.channels[id]
}

func (co *Coordinator) handleEvent(ev chain.Event) {
	ch := co.channelByID(ev.ChannelID)
	if ch == nil {
		return
	}
	switch ev.Kind {
	case chain.EventChannelClosed:
		co.handleClosed(ch, ev)
	case chain.EventChannelUnlocked:
		co.handleUnlocked(ch, ev)
	case chain.EventChannelSettled:
		co.handleSettled(ch, ev)
	}
}

func (co *Coordinator) handleClosed(ch *channel.Channel, ev chain.Event) {
	ch.HandleClosed(ev.ClosingAddress, ev.ClosedBlock)
	if _, err := co.slog.Append(&statelog.ChannelClosedRecord{
		ChannelID:      ch.ID,
		ClosingAddress: ev.ClosingAddress,
		ClosedBlock:    ev.ClosedBlock,
	}); err != nil {
		co.log.Error("State log append failed", "err", err)
		return
	}
	if ev.ClosingAddress != co.owner {
		co.submitCounterUpdate(ch)
	}
	co.unlockKnownSecrets(ch)
}

// submitCounterUpdate submits our latest partner proof exactly once after
// the partner closed. The log record lands before the ledger call, so a
// crash between the two costs the update rather than doubling it.
func (co *Coordinator) submitCounterUpdate(ch *channel.Channel) {
	proof := ch.PartnerProofForClose()
	if proof.IsEmpty() {
		return
	}
	if !ch.MarkUpdateSubmitted() {
		return
	}
	if _, err := co.slog.Append(&statelog.TransferUpdateSentRecord{
		ChannelID: ch.ID,
		Nonce:     proof.Nonce,
	}); err != nil {
		co.log.Error("State log append failed", "err", err)
		return
	}
	nc, err := co.ledger.Channel(ch.ID)
	if err != nil {
		co.log.Error("Counter update lookup failed", "channel", ch.ID, "err", err)
		return
	}
	if err := nc.UpdateTransfer(co.owner, proof); err != nil {
		co.log.Warn("Counter update rejected", "channel", ch.ID, "nonce", proof.Nonce, "err", err)
		return
	}
	co.log.Info("Counter balance proof submitted", "channel", ch.ID, "nonce", proof.Nonce)
}

// unlockKnownSecrets claims on chain every pending lock the partner sent
// us whose secret we learned. Deterministic rejections are expected for
// locks already resolved off chain under a superseding proof.
func (co *Coordinator) unlockKnownSecrets(ch *channel.Channel) {
	nc, err := co.ledger.Channel(ch.ID)
	if err != nil {
		co.log.Error("Unlock lookup failed", "channel", ch.ID, "err", err)
		return
	}
	for _, lock := range ch.Partner.PendingLocks() {
		secret, ok := ch.KnownSecret(lock.SecretHash)
		if !ok {
			continue
		}
		up, err := ch.ComputeProofForLock(ch.Partner, secret, lock)
		if err != nil {
			co.log.Warn("Unlock proof computation failed", "channel", ch.ID, "secrethash", lock.SecretHash, "err", err)
			continue
		}
		if err := nc.Unlock(co.owner, up); err != nil {
			co.log.Debug("Unlock rejected", "channel", ch.ID, "secrethash", lock.SecretHash, "err", err)
			continue
		}
		co.log.Info("Lock unlocked on chain", "channel", ch.ID, "secrethash", lock.SecretHash, "amount", lock.Amount)
	}
}

func (co *Coordinator) handleUnlocked(ch *channel.Channel, ev chain.Event) {
	ch.HandleUnlocked(ev.SecretHash, ev.Secret)
	if _, err := co.slog.Append(&statelog.ChannelUnlockedRecord{
		ChannelID:  ch.ID,
		SecretHash: ev.SecretHash,
		Secret:     common.Hash(ev.Secret),
		Receiver:   ev.Receiver,
	}); err != nil {
		co.log.Error("State log append failed", "err", err)
	}
}

func (co *Coordinator) handleSettled(ch *channel.Channel, ev chain.Event) {
	ch.HandleSettled(ev.SettleBlock)
	if _, err := co.slog.Append(&statelog.ChannelSettledRecord{
		ChannelID:   ch.ID,
		SettleBlock: ev.SettleBlock,
	}); err != nil {
		co.log.Error("State log append failed", "err", err)
	}
}

// checkSettlements settles every tracked channel whose dispute window
// elapsed. Races with the counterparty are benign: the loser's call
// fails with ErrAlreadySettled.
func (co *Coordinator) checkSettlements() {
	blockNumber := co.ledger.BlockNumber()
	co.mu.Lock()
	ready := make([]*channel.Channel, 0, len(co.channels))
	for _, ch := range co.channels {
		if ch.CanSettle(blockNumber) {
			ready = append(ready, ch)
		}
	}
	co.mu.Unlock()
	for _, ch := range ready {
		nc, err := co.ledger.Channel(ch.ID)
		if err != nil {
			co.log.Error("Settle lookup failed", "channel", ch.ID, "err", err)
			continue
		}
		switch err := nc.Settle(co.owner); err {
		case nil:
			co.log.Info("Channel settled", "channel", ch.ID, "block", blockNumber)
		case chain.ErrAlreadySettled, chain.ErrSettleWindowOpen:
			// lost the race or raced the block number, both fine
		default:
			co.log.Warn("Settle rejected", "channel", ch.ID, "err", err)
		}
	}
}

// WaitForSettle blocks until every listed channel reports settled, the
// context is cancelled, or the coordinator stops.
func (co *Coordinator) WaitForSettle(ctx context.Context, ids ...common.Hash) error {
	ticker := time.NewTicker(co.poll)
	defer ticker.Stop()
	for {
		if co.allSettled(ids) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-co.quit:
			return ErrStopped
		case <-ticker.C:
		}
	}
}

func (co *Coordinator) allSettled(ids []common.Hash) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	for _, id := range ids {
		ch, ok := co.channels[id]
		if !ok || ch.State() != channel.StateSettled {
			return false
		}
	}
	return true
}
