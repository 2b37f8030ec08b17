package mtree

import (
	"bytes"
	"hash"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// keccakState wraps sha3.state. In addition to the usual hash methods, it
// also supports Read to get a variable amount of data from the hash state.
// Read is faster than Sum because it doesn't copy the internal state.
type keccakState interface {
	hash.Hash
	Read([]byte) (int, error)
}

var hasherPool = sync.Pool{
	New: func() interface{} {
		return sha3.NewLegacyKeccak256().(keccakState)
	},
}

// hashPair combines two nodes into their parent. The operands are ordered
// before hashing, so the operation is commutative and inclusion proofs do
// not need left/right markers.
func hashPair(a, b common.Hash) (parent common.Hash) {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	sha := hasherPool.Get().(keccakState)
	sha.Reset()
	sha.Write(a[:])
	sha.Write(b[:])
	sha.Read(parent[:])
	hasherPool.Put(sha)
	return parent
}
