// Package mtree maintains the set of pending transfer locks for one side of
// a payment channel and computes the merkle commitment (the locksroot) that
// every balance proof carries.
//
// Leaves are the keccak hashes of the canonical lock encodings. They are
// kept ordered ascending by hash, so the root only depends on the set of
// pending locks and never on their arrival order. When a level holds an odd
// number of nodes the last one is promoted unchanged to the next level; the
// same rule is applied during proof verification.
package mtree

import (
	"bytes"
	"errors"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrLeafPresent is returned when inserting a leaf that is already
	// part of the tree.
	ErrLeafPresent = errors.New("mtree: leaf already in tree")

	// ErrLeafNotFound is returned when removing or proving a leaf that is
	// not part of the tree.
	ErrLeafNotFound = errors.New("mtree: leaf not in tree")
)

// EmptyRoot is the commitment of a tree without any pending locks.
var EmptyRoot = common.Hash{}

func hashComparator(a, b interface{}) int {
	ha := a.(common.Hash)
	hb := b.(common.Hash)
	return bytes.Compare(ha[:], hb[:])
}

// Tree is an ordered collection of pending lock leaf hashes. The zero value
// is not usable, call New. A Tree is not safe for concurrent use; each
// channel end owns exactly one and mutates it from a single goroutine.
type Tree struct {
	leaves *treeset.Set
}

// New returns an empty lock tree.
func New() *Tree {
	return &Tree{leaves: treeset.NewWith(hashComparator)}
}

// NewFromLeaves builds a tree holding the given leaves. Duplicates collapse.
func NewFromLeaves(leaves []common.Hash) *Tree {
	t := New()
	for _, leaf := range leaves {
		t.leaves.Add(leaf)
	}
	return t
}

// Copy returns an independent tree with the same leaves.
func (t *Tree) Copy() *Tree {
	return NewFromLeaves(t.Leaves())
}

// Len returns the number of pending leaves.
func (t *Tree) Len() int {
	return t.leaves.Size()
}

// Has reports whether leaf is part of the tree.
func (t *Tree) Has(leaf common.Hash) bool {
	return t.leaves.Contains(leaf)
}

// Leaves returns the leaves in their canonical (ascending) order.
func (t *Tree) Leaves() []common.Hash {
	values := t.leaves.Values()
	leaves := make([]common.Hash, len(values))
	for i, v := range values {
		leaves[i] = v.(common.Hash)
	}
	return leaves
}

// Insert adds the leaf to the tree. The root changes immediately, there is
// no deferred recomputation.
func (t *Tree) Insert(leaf common.Hash) error {
	if t.leaves.Contains(leaf) {
		return ErrLeafPresent
	}
	t.leaves.Add(leaf)
	return nil
}

// Remove drops the leaf from the tree.
func (t *Tree) Remove(leaf common.Hash) error {
	if !t.leaves.Contains(leaf) {
		return ErrLeafNotFound
	}
	t.leaves.Remove(leaf)
	return nil
}

// Root computes the merkle root over the current leaves. An empty tree
// commits to EmptyRoot, a single leaf is its own root.
func (t *Tree) Root() common.Hash {
	layer := t.Leaves()
	if len(layer) == 0 {
		return EmptyRoot
	}
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i+1 < len(layer); i += 2 {
			next = append(next, hashPair(layer[i], layer[i+1]))
		}
		if len(layer)%2 == 1 {
			// Odd node is promoted unchanged, not paired with itself.
			next = append(next, layer[len(layer)-1])
		}
		layer = next
	}
	return layer[0]
}

// ProofFor produces the sibling path that proves the leaf is part of the
// current root.
func (t *Tree) ProofFor(leaf common.Hash) (Proof, error) {
	if !t.leaves.Contains(leaf) {
		return nil, ErrLeafNotFound
	}
	var proof Proof
	layer := t.Leaves()
	target := leaf
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				// Promoted node has no sibling on this level.
				next = append(next, layer[i])
				continue
			}
			parent := hashPair(layer[i], layer[i+1])
			if layer[i] == target {
				proof = append(proof, layer[i+1])
				target = parent
			} else if layer[i+1] == target {
				proof = append(proof, layer[i])
				target = parent
			}
			next = append(next, parent)
		}
		layer = next
	}
	return proof, nil
}
