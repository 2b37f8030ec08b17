package types

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru"

	"github.com/meshpay-network/go-meshpay/mtree"
)

var (
	// ErrInvalidNonce is returned for a balance proof whose nonce does not
	// strictly increase the signer's sequence for the channel. Stale
	// proofs are rejected, not fatal; the sender may resend a newer one.
	ErrInvalidNonce = errors.New("types: balance proof nonce not strictly increasing")

	// ErrInvalidAmount is returned when a balance proof would decrease
	// the cumulative transferred amount.
	ErrInvalidAmount = errors.New("types: transferred amount may not decrease")

	// ErrInvalidSignature is returned when a signature does not verify
	// against the stated sender. Such messages are discarded.
	ErrInvalidSignature = errors.New("types: invalid signature")
)

// signerCache memoizes signature recovery, keyed by the digest of signing
// bytes and signature. Recovery is pure, so a process-wide memo is safe and
// keeps repeated verification of the same proof off the hot path.
var signerCache, _ = lru.New(4096)

// BalanceProof is a signed snapshot of one channel side: the cumulative
// amount that side has transferred, the commitment to its pending locks and
// a strictly increasing nonce. Within a channel-signer pair the proof with
// the highest nonce supersedes all earlier ones; that total order is what
// dispute resolution relies on.
//
// A BalanceProof is immutable once signed. Every new transfer produces a
// new proof, never a mutation of an old one.
type BalanceProof struct {
	ChannelID         common.Hash
	Nonce             uint64
	TransferredAmount *big.Int
	Locksroot         common.Hash
	Signature         []byte
}

// balanceProofSigning is the canonical encoding the signature binds. Any
// field alteration invalidates the signature.
type balanceProofSigning struct {
	ChannelID         common.Hash
	Nonce             uint64
	TransferredAmount *big.Int
	Locksroot         common.Hash
}

// EmptyBalanceProof is submitted when closing a channel without ever having
// received a proof from the counterparty.
func EmptyBalanceProof(channelID common.Hash) *BalanceProof {
	return &BalanceProof{
		ChannelID:         channelID,
		Nonce:             0,
		TransferredAmount: new(big.Int),
		Locksroot:         mtree.EmptyRoot,
	}
}

// IsEmpty reports whether the proof carries no signed state at all.
func (bp *BalanceProof) IsEmpty() bool {
	return bp == nil || (bp.Nonce == 0 && len(bp.Signature) == 0)
}

// SigningBytes returns the canonical encoding of the signed fields.
func (bp *BalanceProof) SigningBytes() []byte {
	enc, err := rlp.EncodeToBytes(&balanceProofSigning{
		ChannelID:         bp.ChannelID,
		Nonce:             bp.Nonce,
		TransferredAmount: bp.TransferredAmount,
		Locksroot:         bp.Locksroot,
	})
	if err != nil {
		panic(err)
	}
	return enc
}

// SigningHash is the digest the signature is made over.
func (bp *BalanceProof) SigningHash() common.Hash {
	return crypto.Keccak256Hash(bp.SigningBytes())
}

// Sign returns a signed copy of the proof. The receiver is not modified.
func (bp *BalanceProof) Sign(key *ecdsa.PrivateKey) (*BalanceProof, error) {
	signed := bp.Copy()
	hash := signed.SigningHash()
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return nil, err
	}
	signed.Signature = sig
	return signed, nil
}

// Recover returns the address that signed the proof.
func (bp *BalanceProof) Recover() (common.Address, error) {
	if len(bp.Signature) != 65 {
		return common.Address{}, ErrInvalidSignature
	}
	hash := bp.SigningHash()
	cacheKey := crypto.Keccak256Hash(hash[:], bp.Signature)
	if cached, ok := signerCache.Get(cacheKey); ok {
		return cached.(common.Address), nil
	}
	pubkey, err := crypto.SigToPub(hash[:], bp.Signature)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	addr := crypto.PubkeyToAddress(*pubkey)
	signerCache.Add(cacheKey, addr)
	return addr, nil
}

// VerifySender checks the signature against the expected signer.
func (bp *BalanceProof) VerifySender(expected common.Address) error {
	addr, err := bp.Recover()
	if err != nil {
		return err
	}
	if addr != expected {
		return ErrInvalidSignature
	}
	return nil
}

// Supersedes reports whether bp is authoritative over other. A nil or empty
// other is always superseded.
func (bp *BalanceProof) Supersedes(other *BalanceProof) bool {
	if other.IsEmpty() {
		return !bp.IsEmpty()
	}
	return bp.Nonce > other.Nonce
}

// Equal reports field equality including the signature.
func (bp *BalanceProof) Equal(other *BalanceProof) bool {
	if bp == nil || other == nil {
		return bp == other
	}
	return bp.ChannelID == other.ChannelID &&
		bp.Nonce == other.Nonce &&
		bp.TransferredAmount.Cmp(other.TransferredAmount) == 0 &&
		bp.Locksroot == other.Locksroot &&
		bytes.Equal(bp.Signature, other.Signature)
}

// Copy returns an independent copy of the proof.
func (bp *BalanceProof) Copy() *BalanceProof {
	if bp == nil {
		return nil
	}
	cpy := &BalanceProof{
		ChannelID: bp.ChannelID,
		Nonce:     bp.Nonce,
		Locksroot: bp.Locksroot,
	}
	if bp.TransferredAmount != nil {
		cpy.TransferredAmount = new(big.Int).Set(bp.TransferredAmount)
	} else {
		cpy.TransferredAmount = new(big.Int)
	}
	if bp.Signature != nil {
		cpy.Signature = append([]byte(nil), bp.Signature...)
	}
	return cpy
}
