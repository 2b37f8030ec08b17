package mtree

import (
	"github.com/ethereum/go-ethereum/common"
)

// maxProofDepth bounds the sibling path length accepted by VerifyProof. A
// path longer than 64 levels cannot belong to any tree this node built.
const maxProofDepth = 64

// Proof is the sibling path from a leaf up to the root. Entries are ordered
// leaf level first. Because pair hashing is commutative the path needs no
// positional markers.
type Proof []common.Hash

// Copy returns an independent copy of the proof.
func (p Proof) Copy() Proof {
	return append(Proof(nil), p...)
}

// VerifyProof recomputes the root from the leaf through the sibling path and
// compares it to the expected root. It never panics: a malformed proof, an
// empty tree root or a non-member leaf all yield false.
func VerifyProof(proof Proof, root common.Hash, leaf common.Hash) bool {
	if root == EmptyRoot || len(proof) > maxProofDepth {
		return false
	}
	current := leaf
	for _, sibling := range proof {
		current = hashPair(current, sibling)
	}
	return current == root
}
