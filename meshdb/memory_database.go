package meshdb

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned when the key is not in the database.
var ErrNotFound = errors.New("meshdb: not found")

// MemDatabase is a map-backed Database for tests. It is not persisted.
type MemDatabase struct {
	db   map[string][]byte
	lock sync.RWMutex
}

func NewMemDatabase() *MemDatabase {
	return &MemDatabase{
		db: make(map[string][]byte),
	}
}

func (db *MemDatabase) Put(key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.db[string(key)] = common.CopyBytes(value)
	return nil
}

func (db *MemDatabase) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	_, ok := db.db[string(key)]
	return ok, nil
}

func (db *MemDatabase) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if entry, ok := db.db[string(key)]; ok {
		return common.CopyBytes(entry), nil
	}
	return nil, ErrNotFound
}

func (db *MemDatabase) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	delete(db.db, string(key))
	return nil
}

func (db *MemDatabase) Len() int {
	db.lock.RLock()
	defer db.lock.RUnlock()

	return len(db.db)
}

func (db *MemDatabase) Close() {}

// NewIteratorWithRange returns an iterator over a snapshot of the keys in
// [start, limit). A nil limit means no upper bound.
func (db *MemDatabase) NewIteratorWithRange(start, limit []byte) Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()

	var keys []string
	for key := range db.db {
		bkey := []byte(key)
		if start != nil && bytes.Compare(bkey, start) < 0 {
			continue
		}
		if limit != nil && bytes.Compare(bkey, limit) >= 0 {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	it := &memIterator{index: -1}
	for _, key := range keys {
		it.keys = append(it.keys, []byte(key))
		it.values = append(it.values, common.CopyBytes(db.db[key]))
	}
	return it
}

type memIterator struct {
	keys   [][]byte
	values [][]byte
	index  int
}

func (it *memIterator) Next() bool {
	if it.index >= len(it.keys)-1 {
		return false
	}
	it.index++
	return true
}

func (it *memIterator) Key() []byte   { return it.keys[it.index] }
func (it *memIterator) Value() []byte { return it.values[it.index] }
func (it *memIterator) Release()      {}

type kv struct {
	k, v []byte
	del  bool
}

type memBatch struct {
	db     *MemDatabase
	writes []kv
	size   int
}

func (db *MemDatabase) NewBatch() Batch {
	return &memBatch{db: db}
}

func (b *memBatch) Put(key, value []byte) error {
	b.writes = append(b.writes, kv{common.CopyBytes(key), common.CopyBytes(value), false})
	b.size += len(value)
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.writes = append(b.writes, kv{common.CopyBytes(key), nil, true})
	b.size += 1
	return nil
}

func (b *memBatch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()

	for _, kv := range b.writes {
		if kv.del {
			delete(b.db.db, string(kv.k))
			continue
		}
		b.db.db[string(kv.k)] = kv.v
	}
	return nil
}

func (b *memBatch) ValueSize() int {
	return b.size
}

func (b *memBatch) Reset() {
	b.writes = b.writes[:0]
	b.size = 0
}
