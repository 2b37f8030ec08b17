package transfer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpay-network/go-meshpay/chain"
	"github.com/meshpay-network/go-meshpay/channel"
	"github.com/meshpay-network/go-meshpay/meshdb"
	"github.com/meshpay-network/go-meshpay/params"
	"github.com/meshpay-network/go-meshpay/statelog"
	"github.com/meshpay-network/go-meshpay/types"
)

type pipePair struct {
	a, b   *Pipeline
	slogA  *statelog.Log
	slogB  *statelog.Log
	ledger *chain.SimulatedLedger
}

func newPipePair(t *testing.T) *pipePair {
	cfg := params.TestProtocolConfig
	ledger := chain.NewSimulatedLedger(cfg)

	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)
	signerA := types.NewSigner(keyA)
	signerB := types.NewSigner(keyB)
	addrA, addrB := signerA.Address(), signerB.Address()

	id := crypto.Keccak256Hash(addrA.Bytes(), addrB.Bytes())
	token := crypto.PubkeyToAddress(keyA.PublicKey)
	deposit := big.NewInt(100)
	chA := channel.New(id, token,
		channel.NewEndState(addrA, new(big.Int).Set(deposit)),
		channel.NewEndState(addrB, new(big.Int).Set(deposit)),
		1, cfg)
	chB := channel.New(id, token,
		channel.NewEndState(addrB, new(big.Int).Set(deposit)),
		channel.NewEndState(addrA, new(big.Int).Set(deposit)),
		1, cfg)

	slogA, err := statelog.New(meshdb.NewMemDatabase())
	require.NoError(t, err)
	slogB, err := statelog.New(meshdb.NewMemDatabase())
	require.NoError(t, err)

	return &pipePair{
		a:      NewPipeline(chA, signerA, slogA, ledger),
		b:      NewPipeline(chB, signerB, slogB, ledger),
		slogA:  slogA,
		slogB:  slogB,
		ledger: ledger,
	}
}

func TestLockedTransferHandshake(t *testing.T) {
	assert := assert.New(t)
	p := newPipePair(t)

	lt, err := p.a.InitiateTransfer(big.NewInt(30), 20)
	require.NoError(t, err)

	// target asks for the secret
	reply, err := p.b.Deliver(lt)
	require.NoError(t, err)
	req, ok := reply.(*SecretRequest)
	require.True(t, ok)
	assert.Equal(lt.PaymentID, req.PaymentID)
	assert.Equal(lt.Lock.SecretHash, req.SecretHash)
	assert.Equal(0, big.NewInt(30).Cmp(req.Amount))

	// initiator reveals
	reply, err = p.a.Deliver(req)
	require.NoError(t, err)
	reveal, ok := reply.(*RevealSecret)
	require.True(t, ok)
	assert.Equal(lt.Lock.SecretHash, types.HashSecret(reveal.Secret))

	// target registers the secret and echoes the reveal
	reply, err = p.b.Deliver(reveal)
	require.NoError(t, err)
	echo, ok := reply.(*RevealSecret)
	require.True(t, ok)

	// initiator pays the lock out
	reply, err = p.a.Deliver(echo)
	require.NoError(t, err)
	claim, ok := reply.(*Secret)
	require.True(t, ok)
	assert.Equal(lt.PaymentID, claim.PaymentID)

	reply, err = p.b.Deliver(claim)
	require.NoError(t, err)
	assert.Nil(reply)

	// final balances on both views
	assert.Equal(0, big.NewInt(30).Cmp(p.b.Channel().Partner.TransferredAmount()))
	assert.Equal(0, big.NewInt(0).Cmp(p.b.Channel().Partner.LockedAmount()))
	assert.Equal(0, big.NewInt(30).Cmp(p.a.Channel().Our.TransferredAmount()))
	assert.Equal(0, big.NewInt(0).Cmp(p.a.Channel().Our.LockedAmount()))

	// both logs saw the proof updates and the reveal
	entry, err := p.slogB.Find(func(rec statelog.Record) bool {
		_, ok := rec.(*statelog.SecretRevealedRecord)
		return ok
	})
	require.NoError(t, err)
	assert.NotNil(entry)
	entry, err = p.slogA.Find(func(rec statelog.Record) bool {
		r, ok := rec.(*statelog.BalanceProofUpdatedRecord)
		return ok && r.Nonce == 2
	})
	require.NoError(t, err)
	assert.NotNil(entry)
}

func TestDirectTransferDelivery(t *testing.T) {
	assert := assert.New(t)
	p := newPipePair(t)

	dt, err := p.a.InitiateDirectTransfer(big.NewInt(25))
	require.NoError(t, err)
	reply, err := p.b.Deliver(dt)
	assert.NoError(err)
	assert.Nil(reply)
	assert.Equal(0, big.NewInt(25).Cmp(p.b.Channel().Partner.TransferredAmount()))

	// replaying the same message reuses a consumed nonce
	_, err = p.b.Deliver(dt)
	assert.Equal(types.ErrInvalidNonce, err)
}

func TestRejectStrangerEnvelope(t *testing.T) {
	assert := assert.New(t)
	p := newPipePair(t)

	strangerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	stranger := types.NewSigner(strangerKey)
	proof, err := stranger.IssueBalanceProof(p.b.Channel().ID, 1, big.NewInt(0), crypto.Keccak256Hash([]byte("root")))
	require.NoError(t, err)

	lock := types.NewLock(big.NewInt(10), 20, crypto.Keccak256Hash([]byte("h")))
	_, err = p.b.Deliver(&LockedTransfer{Proof: proof, Lock: lock})
	assert.Equal(ErrUnknownSender, err)
}

func TestRejectStrangerSecretRequest(t *testing.T) {
	assert := assert.New(t)
	p := newPipePair(t)

	lt, err := p.a.InitiateTransfer(big.NewInt(30), 20)
	require.NoError(t, err)
	_, err = p.b.Deliver(lt)
	require.NoError(t, err)

	strangerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	stranger := types.NewSigner(strangerKey)
	req := &SecretRequest{
		PaymentID:  lt.PaymentID,
		SecretHash: lt.Lock.SecretHash,
		Amount:     big.NewInt(30),
	}
	req.Signature, err = stranger.Sign(req.SigningBytes())
	require.NoError(t, err)

	_, err = p.a.Deliver(req)
	assert.Equal(ErrUnknownSender, err)
}

func TestSecretRequestForUnknownHash(t *testing.T) {
	assert := assert.New(t)
	p := newPipePair(t)

	req := &SecretRequest{
		SecretHash: crypto.Keccak256Hash([]byte("nothing")),
		Amount:     big.NewInt(1),
	}
	sig, err := p.b.signer.Sign(req.SigningBytes())
	require.NoError(t, err)
	req.Signature = sig

	_, err = p.a.Deliver(req)
	assert.Equal(ErrUnknownSecret, err)
}

func TestSecretRequestWrongAmount(t *testing.T) {
	assert := assert.New(t)
	p := newPipePair(t)

	lt, err := p.a.InitiateTransfer(big.NewInt(30), 20)
	require.NoError(t, err)
	_, err = p.b.Deliver(lt)
	require.NoError(t, err)

	req := &SecretRequest{
		PaymentID:  lt.PaymentID,
		SecretHash: lt.Lock.SecretHash,
		Amount:     big.NewInt(31),
	}
	sig, err := p.b.signer.Sign(req.SigningBytes())
	require.NoError(t, err)
	req.Signature = sig

	_, err = p.a.Deliver(req)
	assert.Equal(types.ErrInvalidAmount, err)
}

func TestDoubleClaimRejected(t *testing.T) {
	assert := assert.New(t)
	p := newPipePair(t)

	lt, err := p.a.InitiateTransfer(big.NewInt(30), 20)
	require.NoError(t, err)
	req, err := p.b.Deliver(lt)
	require.NoError(t, err)
	reveal, err := p.a.Deliver(req)
	require.NoError(t, err)
	echo, err := p.b.Deliver(reveal)
	require.NoError(t, err)
	claim, err := p.a.Deliver(echo)
	require.NoError(t, err)
	_, err = p.b.Deliver(claim)
	require.NoError(t, err)

	// the lock is settled on both ends, any repetition is refused
	_, err = p.a.Deliver(echo)
	assert.Equal(ErrAlreadyClaimed, err)
	_, err = p.b.Deliver(claim)
	assert.Equal(ErrAlreadyClaimed, err)
}

type bogusMessage struct{}

func (bogusMessage) message() {}

func TestUnknownMessageKind(t *testing.T) {
	assert := assert.New(t)
	p := newPipePair(t)
	_, err := p.a.Deliver(bogusMessage{})
	assert.Equal(ErrUnknownMessage, err)
}

func TestLockedTransferBeyondCapacityRefused(t *testing.T) {
	assert := assert.New(t)
	p := newPipePair(t)

	_, err := p.a.InitiateTransfer(big.NewInt(101), 20)
	assert.Equal(channel.ErrInsufficientBalance, err)
}
