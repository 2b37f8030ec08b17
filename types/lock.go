// Package types holds the value objects exchanged between the two channel
// participants: transfer locks, balance proofs and the per-lock unlock
// proofs derived from them. All of them are immutable once created and are
// shared by value between the participants' pipelines.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/meshpay-network/go-meshpay/mtree"
)

// Secret is the 32 byte preimage that claims a lock.
type Secret = common.Hash

// HashSecret maps a secret to the secrethash embedded in a lock.
func HashSecret(secret Secret) common.Hash {
	return crypto.Keccak256Hash(secret[:])
}

// Lock is a conditional transfer commitment: Amount is claimable by whoever
// reveals the preimage of SecretHash before the Expiration block.
type Lock struct {
	Amount     *big.Int
	Expiration uint64
	SecretHash common.Hash
}

// NewLock builds a lock for the given amount, expiring at the given block.
func NewLock(amount *big.Int, expiration uint64, secretHash common.Hash) *Lock {
	return &Lock{
		Amount:     new(big.Int).Set(amount),
		Expiration: expiration,
		SecretHash: secretHash,
	}
}

// Encoded returns the canonical byte encoding of the lock. This is the
// preimage of the merkle leaf and the payload of an on-chain unlock call.
func (l *Lock) Encoded() []byte {
	enc, err := rlp.EncodeToBytes(l)
	if err != nil {
		// A lock holds no dynamic types; encoding cannot fail.
		panic(err)
	}
	return enc
}

// LeafHash is the lock's leaf in the lock tree.
func (l *Lock) LeafHash() common.Hash {
	return crypto.Keccak256Hash(l.Encoded())
}

// Expired reports whether the lock can no longer be claimed at the given
// block number.
func (l *Lock) Expired(blockNumber uint64) bool {
	return blockNumber > l.Expiration
}

// Copy returns an independent copy of the lock.
func (l *Lock) Copy() *Lock {
	return NewLock(l.Amount, l.Expiration, l.SecretHash)
}

// DecodeLock is the inverse of Encoded.
func DecodeLock(data []byte) (*Lock, error) {
	lock := new(Lock)
	if err := rlp.DecodeBytes(data, lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// UnlockProof justifies a per-lock on-chain claim: the lock's canonical
// encoding, the sibling path tying its leaf into a committed locksroot and
// the revealed secret. It is derived on demand, never stored.
type UnlockProof struct {
	MerkleProof mtree.Proof
	LockEncoded []byte
	Secret      Secret
}

// Lock decodes the lock the proof is about.
func (p *UnlockProof) Lock() (*Lock, error) {
	return DecodeLock(p.LockEncoded)
}
