package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpay-network/go-meshpay/chain"
	"github.com/meshpay-network/go-meshpay/channel"
	"github.com/meshpay-network/go-meshpay/meshdb"
	"github.com/meshpay-network/go-meshpay/params"
	"github.com/meshpay-network/go-meshpay/statelog"
	"github.com/meshpay-network/go-meshpay/transfer"
	"github.com/meshpay-network/go-meshpay/types"
)

const testPoll = 10 * time.Millisecond

var (
	testToken   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	testFunding = big.NewInt(200)
	testDeposit = big.NewInt(100)
)

// node bundles everything one participant runs.
type node struct {
	signer *types.Signer
	ch     *channel.Channel
	pipe   *transfer.Pipeline
	slog   *statelog.Log
	co     *Coordinator
}

type scenario struct {
	ledger *chain.SimulatedLedger
	id     common.Hash
	nc     chain.NettingChannel
	a, b   *node
}

func newScenario(t *testing.T) *scenario {
	cfg := params.TestProtocolConfig
	ledger := chain.NewSimulatedLedger(cfg)

	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)
	signerA := types.NewSigner(keyA)
	signerB := types.NewSigner(keyB)
	addrA, addrB := signerA.Address(), signerB.Address()

	ledger.SetTokenBalance(testToken, addrA, testFunding)
	ledger.SetTokenBalance(testToken, addrB, testFunding)
	id, err := ledger.OpenChannel(testToken, addrA, addrB, testDeposit, testDeposit)
	require.NoError(t, err)
	nc, err := ledger.Channel(id)
	require.NoError(t, err)

	openBlock := ledger.BlockNumber()
	mkNode := func(signer *types.Signer, partner common.Address) *node {
		ch := channel.New(id, testToken,
			channel.NewEndState(signer.Address(), new(big.Int).Set(testDeposit)),
			channel.NewEndState(partner, new(big.Int).Set(testDeposit)),
			openBlock, cfg)
		slog, err := statelog.New(meshdb.NewMemDatabase())
		require.NoError(t, err)
		co := NewCoordinator(signer.Address(), ledger, slog, testPoll)
		require.NoError(t, co.Track(ch))
		co.Start()
		return &node{
			signer: signer,
			ch:     ch,
			pipe:   transfer.NewPipeline(ch, signer, slog, ledger),
			slog:   slog,
			co:     co,
		}
	}

	s := &scenario{
		ledger: ledger,
		id:     id,
		nc:     nc,
		a:      mkNode(signerA, addrB),
		b:      mkNode(signerB, addrA),
	}
	t.Cleanup(func() {
		s.a.co.Stop()
		s.b.co.Stop()
	})
	return s
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(testPoll)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// hasRecord polls the state log for a matching record.
func hasRecord(l *statelog.Log, match func(statelog.Record) bool) func() bool {
	return func() bool {
		entry, err := l.Find(match)
		return err == nil && entry != nil
	}
}

// mustContainRecord asserts the log holds a matching record, dumping the
// whole log on failure.
func mustContainRecord(t *testing.T, l *statelog.Log, what string, match func(statelog.Record) bool) {
	t.Helper()
	entry, err := l.Find(match)
	require.NoError(t, err)
	if entry == nil {
		entries, _ := l.GetStateChanges(1, statelog.Latest)
		t.Fatalf("state log misses %s, full log:\n%s", what, spew.Sdump(entries))
	}
}

func (s *scenario) settleBoth(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool {
		return s.a.ch.State() == channel.StateClosed && s.b.ch.State() == channel.StateClosed
	}, "both views closed")
	s.ledger.MineUntil(s.a.ch.SettleWindowEnd())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.a.co.WaitForSettle(ctx, s.id))
	require.NoError(t, s.b.co.WaitForSettle(ctx, s.id))
}

func (s *scenario) tokenBalance(addr common.Address) *big.Int {
	return s.ledger.TokenBalance(testToken, addr)
}

func TestSettleWithoutTransfers(t *testing.T) {
	assert := assert.New(t)
	s := newScenario(t)

	require.NoError(t, s.a.co.CloseChannel(s.a.ch))
	waitFor(t, func() bool {
		return s.a.ch.State() == channel.StateClosed && s.b.ch.State() == channel.StateClosed
	}, "both views closed")

	s.settleBoth(t)

	// no transfers, both deposits come straight back
	assert.Equal(0, testFunding.Cmp(s.tokenBalance(s.a.signer.Address())))
	assert.Equal(0, testFunding.Cmp(s.tokenBalance(s.b.signer.Address())))

	mustContainRecord(t, s.a.slog, "close record", func(rec statelog.Record) bool {
		_, ok := rec.(*statelog.ChannelClosedRecord)
		return ok
	})
	mustContainRecord(t, s.b.slog, "settle record", func(rec statelog.Record) bool {
		_, ok := rec.(*statelog.ChannelSettledRecord)
		return ok
	})
}

func TestSettleWithOnChainUnlock(t *testing.T) {
	assert := assert.New(t)
	s := newScenario(t)

	// the lock reaches the target and the secret comes back, but the
	// claim envelope never arrives: the channel closes with the lock
	// still pending and the target must unlock on chain
	lt, err := s.a.pipe.InitiateTransfer(big.NewInt(10), 20)
	require.NoError(t, err)
	req, err := s.b.pipe.Deliver(lt)
	require.NoError(t, err)
	reveal, err := s.a.pipe.Deliver(req)
	require.NoError(t, err)
	_, err = s.b.pipe.Deliver(reveal)
	require.NoError(t, err)

	require.NoError(t, s.a.co.CloseChannel(s.a.ch))

	// the non-closer submits the counter proof and claims the lock
	waitFor(t, hasRecord(s.b.slog, func(rec statelog.Record) bool {
		_, ok := rec.(*statelog.ChannelUnlockedRecord)
		return ok
	}), "on-chain unlock")
	mustContainRecord(t, s.b.slog, "counter update record", func(rec statelog.Record) bool {
		r, ok := rec.(*statelog.TransferUpdateSentRecord)
		return ok && r.Nonce == 1
	})

	s.settleBoth(t)

	// the unlocked 10 moved from A's deposit to B's payout
	assert.Equal(0, big.NewInt(190).Cmp(s.tokenBalance(s.a.signer.Address())))
	assert.Equal(0, big.NewInt(210).Cmp(s.tokenBalance(s.b.signer.Address())))
}

func TestStaleUnlockProofRejected(t *testing.T) {
	assert := assert.New(t)
	s := newScenario(t)

	// full off-chain handshake, the lock is claimed and superseded
	lt, err := s.a.pipe.InitiateTransfer(big.NewInt(10), 20)
	require.NoError(t, err)
	req, err := s.b.pipe.Deliver(lt)
	require.NoError(t, err)
	reveal, err := s.a.pipe.Deliver(req)
	require.NoError(t, err)
	revealMsg, ok := reveal.(*transfer.RevealSecret)
	require.True(t, ok)

	// B records an unlock proof while the lock is still pending
	echo, err := s.b.pipe.Deliver(reveal)
	require.NoError(t, err)
	pending := s.b.ch.Partner.GetLock(lt.Lock.SecretHash)
	require.NotNil(t, pending)
	stale, err := s.b.ch.ComputeProofForLock(s.b.ch.Partner, revealMsg.Secret, pending)
	require.NoError(t, err)

	// the claim lands, the stale proof's locksroot is superseded
	claim, err := s.a.pipe.Deliver(echo)
	require.NoError(t, err)
	_, err = s.b.pipe.Deliver(claim)
	require.NoError(t, err)

	require.NoError(t, s.a.co.CloseChannel(s.a.ch))
	waitFor(t, hasRecord(s.b.slog, func(rec statelog.Record) bool {
		r, ok := rec.(*statelog.TransferUpdateSentRecord)
		return ok && r.Nonce == 2
	}), "counter update")

	// the committed locksroot no longer contains the claimed lock
	assert.Equal(chain.ErrProofNotInLocksroot, s.nc.Unlock(s.b.signer.Address(), stale))

	s.settleBoth(t)

	// the transfer counts exactly once
	assert.Equal(0, big.NewInt(190).Cmp(s.tokenBalance(s.a.signer.Address())))
	assert.Equal(0, big.NewInt(210).Cmp(s.tokenBalance(s.b.signer.Address())))
}

func TestCounterUpdateCorrectsNetting(t *testing.T) {
	assert := assert.New(t)
	s := newScenario(t)

	// 30 one way, 10 the other
	dtA, err := s.a.pipe.InitiateDirectTransfer(big.NewInt(30))
	require.NoError(t, err)
	_, err = s.b.pipe.Deliver(dtA)
	require.NoError(t, err)
	dtB, err := s.b.pipe.InitiateDirectTransfer(big.NewInt(10))
	require.NoError(t, err)
	_, err = s.a.pipe.Deliver(dtB)
	require.NoError(t, err)

	// A closes, committing only B's proof; B's coordinator must counter
	// with A's latest proof or A's 30 would never be debited
	require.NoError(t, s.a.co.CloseChannel(s.a.ch))

	// the contract accepts exactly one update; once the coordinator's
	// submission landed any further attempt is refused
	waitFor(t, func() bool {
		err := s.nc.UpdateTransfer(s.b.signer.Address(), s.b.ch.PartnerProofForClose())
		return err == chain.ErrUpdateAlreadySubmitted
	}, "counter update applied")
	mustContainRecord(t, s.b.slog, "counter update record", func(rec statelog.Record) bool {
		_, ok := rec.(*statelog.TransferUpdateSentRecord)
		return ok
	})

	s.settleBoth(t)

	assert.Equal(0, big.NewInt(180).Cmp(s.tokenBalance(s.a.signer.Address())))
	assert.Equal(0, big.NewInt(220).Cmp(s.tokenBalance(s.b.signer.Address())))
	assert.Equal(channel.StateSettled, s.a.ch.State())
	assert.Equal(channel.StateSettled, s.b.ch.State())
}

func TestTrackRestoresOneShotUpdate(t *testing.T) {
	assert := assert.New(t)
	s := newScenario(t)

	_, err := s.b.slog.Append(&statelog.TransferUpdateSentRecord{ChannelID: s.id, Nonce: 3})
	require.NoError(t, err)

	// a restarted coordinator over the same log must not resubmit
	restarted := NewCoordinator(s.b.signer.Address(), s.ledger, s.b.slog, testPoll)
	fresh := channel.New(s.id, testToken,
		channel.NewEndState(s.b.signer.Address(), new(big.Int).Set(testDeposit)),
		channel.NewEndState(s.a.signer.Address(), new(big.Int).Set(testDeposit)),
		1, params.TestProtocolConfig)
	require.NoError(t, restarted.Track(fresh))
	assert.False(fresh.MarkUpdateSubmitted())
}
