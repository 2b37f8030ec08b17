package types

import (
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer issues balance proofs for the node's own identity and enforces the
// per-channel sequencing invariants: the nonce strictly increases and the
// transferred amount never decreases across the proofs it signs.
//
// Signing itself is a pure computation; the mutex only guards the sequence
// bookkeeping, so a Signer may be shared by the pipelines of all channels.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu      sync.Mutex
	nonces  map[common.Hash]uint64
	amounts map[common.Hash]*big.Int
}

// NewSigner binds a signer to a private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		nonces:  make(map[common.Hash]uint64),
		amounts: make(map[common.Hash]*big.Int),
	}
}

// Address is the on-chain identity the signatures verify against.
func (s *Signer) Address() common.Address {
	return s.address
}

// NextNonce returns the nonce the next issued proof must carry.
func (s *Signer) NextNonce(channelID common.Hash) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[channelID] + 1
}

// IssueBalanceProof creates and signs a new balance proof for the channel.
// It fails with ErrInvalidNonce unless the nonce is strictly greater than
// the last one issued for this channel, and with ErrInvalidAmount if the
// cumulative transferred amount would shrink.
func (s *Signer) IssueBalanceProof(channelID common.Hash, nonce uint64, transferred *big.Int, locksroot common.Hash) (*BalanceProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nonce <= s.nonces[channelID] {
		return nil, ErrInvalidNonce
	}
	if last := s.amounts[channelID]; last != nil && transferred.Cmp(last) < 0 {
		return nil, ErrInvalidAmount
	}

	proof := &BalanceProof{
		ChannelID:         channelID,
		Nonce:             nonce,
		TransferredAmount: new(big.Int).Set(transferred),
		Locksroot:         locksroot,
	}
	signed, err := proof.Sign(s.key)
	if err != nil {
		return nil, err
	}

	s.nonces[channelID] = nonce
	s.amounts[channelID] = new(big.Int).Set(transferred)
	return signed, nil
}

// Sign signs an arbitrary canonical encoding, e.g. a wire message.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	hash := crypto.Keccak256Hash(data)
	return crypto.Sign(hash[:], s.key)
}

// RecoverSender returns the address that signed the given canonical
// encoding.
func RecoverSender(data, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrInvalidSignature
	}
	hash := crypto.Keccak256Hash(data)
	pubkey, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}
