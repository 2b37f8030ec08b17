package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProof(t *testing.T) (*BalanceProof, common.Address) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	bp := &BalanceProof{
		ChannelID:         crypto.Keccak256Hash([]byte("channel")),
		Nonce:             7,
		TransferredAmount: big.NewInt(1000),
		Locksroot:         crypto.Keccak256Hash([]byte("locksroot")),
	}
	signed, err := bp.Sign(key)
	require.NoError(t, err)
	return signed, crypto.PubkeyToAddress(key.PublicKey)
}

func TestBalanceProofSignRecover(t *testing.T) {
	assert := assert.New(t)
	bp, addr := testProof(t)

	sender, err := bp.Recover()
	assert.NoError(err)
	assert.Equal(addr, sender)
	assert.NoError(bp.VerifySender(addr))

	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assert.Equal(ErrInvalidSignature, bp.VerifySender(other))
}

func TestBalanceProofTamperDetection(t *testing.T) {
	assert := assert.New(t)
	bp, addr := testProof(t)

	tampers := map[string]func(*BalanceProof){
		"channel":     func(p *BalanceProof) { p.ChannelID[0] ^= 1 },
		"nonce":       func(p *BalanceProof) { p.Nonce++ },
		"transferred": func(p *BalanceProof) { p.TransferredAmount.Add(p.TransferredAmount, big.NewInt(1)) },
		"locksroot":   func(p *BalanceProof) { p.Locksroot[31] ^= 1 },
	}
	for field, tamper := range tampers {
		mutated := bp.Copy()
		tamper(mutated)
		assert.Error(mutated.VerifySender(addr), "tampered %s still verifies", field)
	}
}

func TestBalanceProofBadSignature(t *testing.T) {
	assert := assert.New(t)
	bp, _ := testProof(t)

	short := bp.Copy()
	short.Signature = short.Signature[:64]
	_, err := short.Recover()
	assert.Equal(ErrInvalidSignature, err)

	unsigned := bp.Copy()
	unsigned.Signature = nil
	_, err = unsigned.Recover()
	assert.Equal(ErrInvalidSignature, err)
}

func TestBalanceProofRecoveryMemoized(t *testing.T) {
	assert := assert.New(t)
	bp, addr := testProof(t)

	for i := 0; i < 3; i++ {
		sender, err := bp.Recover()
		assert.NoError(err)
		assert.Equal(addr, sender)
	}
}

func TestEmptyBalanceProof(t *testing.T) {
	assert := assert.New(t)
	id := crypto.Keccak256Hash([]byte("channel"))
	empty := EmptyBalanceProof(id)
	assert.True(empty.IsEmpty())
	assert.Equal(uint64(0), empty.Nonce)
	assert.Equal(common.Hash{}, empty.Locksroot)
	assert.True((*BalanceProof)(nil).IsEmpty())

	bp, _ := testProof(t)
	assert.False(bp.IsEmpty())
}

func TestBalanceProofSupersedes(t *testing.T) {
	assert := assert.New(t)
	bp, _ := testProof(t)
	older := bp.Copy()
	older.Nonce = bp.Nonce - 1

	assert.True(bp.Supersedes(older))
	assert.False(older.Supersedes(bp))
	assert.False(bp.Supersedes(bp.Copy()))
	assert.True(bp.Supersedes(EmptyBalanceProof(bp.ChannelID)))
}
