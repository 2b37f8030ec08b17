package channel

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshpay-network/go-meshpay/mtree"
	"github.com/meshpay-network/go-meshpay/types"
)

// EndState is the mutable state of one channel participant: the on-chain
// deposit, the latest balance proof that participant signed and the tree of
// locks it has sent and that are still pending. The locked amount is always
// the sum of the pending lock amounts; both are derived from the same map
// and cannot drift apart.
type EndState struct {
	Address         common.Address
	ContractBalance *big.Int

	balanceProof *types.BalanceProof
	lockTree     *mtree.Tree
	pendingLocks map[common.Hash]*types.Lock
}

// NewEndState returns the state of a participant that deposited the given
// contract balance and has not transferred anything yet.
func NewEndState(addr common.Address, deposit *big.Int) *EndState {
	return &EndState{
		Address:         addr,
		ContractBalance: new(big.Int).Set(deposit),
		lockTree:        mtree.New(),
		pendingLocks:    make(map[common.Hash]*types.Lock),
	}
}

// BalanceProof is the latest proof signed by this participant, nil if none
// was issued yet. The proof is immutable and may be shared.
func (es *EndState) BalanceProof() *types.BalanceProof {
	return es.balanceProof
}

// Nonce is the sequence number of the latest signed proof, 0 before the
// first transfer.
func (es *EndState) Nonce() uint64 {
	if es.balanceProof == nil {
		return 0
	}
	return es.balanceProof.Nonce
}

// TransferredAmount is the cumulative amount this participant has
// transferred to the counterparty.
func (es *EndState) TransferredAmount() *big.Int {
	if es.balanceProof == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(es.balanceProof.TransferredAmount)
}

// LockedAmount is the total amount committed to pending locks.
func (es *EndState) LockedAmount() *big.Int {
	total := new(big.Int)
	for _, lock := range es.pendingLocks {
		total.Add(total, lock.Amount)
	}
	return total
}

// Locksroot is the current commitment over the pending locks.
func (es *EndState) Locksroot() common.Hash {
	return es.lockTree.Root()
}

// GetLock returns the pending lock for the secrethash, nil if not pending.
func (es *EndState) GetLock(secrethash common.Hash) *types.Lock {
	return es.pendingLocks[secrethash]
}

// PendingLocks returns copies of all pending locks.
func (es *EndState) PendingLocks() []*types.Lock {
	locks := make([]*types.Lock, 0, len(es.pendingLocks))
	for _, lock := range es.pendingLocks {
		locks = append(locks, lock.Copy())
	}
	return locks
}

// Distributable is the amount this participant can still transfer: deposit
// plus what was received minus what was sent or is locked in flight.
func (es *EndState) Distributable(partner *EndState) *big.Int {
	amount := new(big.Int).Set(es.ContractBalance)
	amount.Add(amount, partner.TransferredAmount())
	amount.Sub(amount, es.TransferredAmount())
	amount.Sub(amount, es.LockedAmount())
	return amount
}

// computeLocksrootWith returns the root the lock tree would have after
// inserting the lock, without mutating the tree.
func (es *EndState) computeLocksrootWith(lock *types.Lock) (common.Hash, error) {
	tree := es.lockTree.Copy()
	if err := tree.Insert(lock.LeafHash()); err != nil {
		return common.Hash{}, ErrDuplicateLock
	}
	return tree.Root(), nil
}

// computeLocksrootWithout returns the root the lock tree would have after
// removing the lock, without mutating the tree.
func (es *EndState) computeLocksrootWithout(lock *types.Lock) (common.Hash, error) {
	tree := es.lockTree.Copy()
	if err := tree.Remove(lock.LeafHash()); err != nil {
		return common.Hash{}, ErrLockNotFound
	}
	return tree.Root(), nil
}

func (es *EndState) addLock(lock *types.Lock, proof *types.BalanceProof) {
	es.lockTree.Insert(lock.LeafHash())
	es.pendingLocks[lock.SecretHash] = lock
	es.balanceProof = proof
}

func (es *EndState) removeLock(lock *types.Lock, proof *types.BalanceProof) {
	es.lockTree.Remove(lock.LeafHash())
	delete(es.pendingLocks, lock.SecretHash)
	es.balanceProof = proof
}

// ProofFor ties the lock's leaf into the current locksroot.
func (es *EndState) ProofFor(lock *types.Lock) (mtree.Proof, error) {
	proof, err := es.lockTree.ProofFor(lock.LeafHash())
	if err != nil {
		return nil, ErrLockNotFound
	}
	return proof, nil
}
