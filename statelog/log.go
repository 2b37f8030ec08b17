// Package statelog is the append-only record of every applied state
// transition. An append is required to happen before the transition's
// externally visible effect, so a crash-and-restart replay of the log
// reconstructs identical state.
package statelog

import (
	"encoding/binary"
	"sync"

	"github.com/meshpay-network/go-meshpay/meshdb"
)

// Latest selects everything appended so far in a range query.
const Latest = ^uint64(0)

var (
	recordPrefix = []byte("sl-r-")
	headKey      = []byte("sl-head")
)

func recordKey(id uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], id)
	return key
}

// Entry is a stored record with its assigned sequence number.
type Entry struct {
	ID     uint64
	Record Record
}

// Log is the append-only state change log. Safe for concurrent use;
// appends are strictly ordered.
type Log struct {
	db meshdb.Database

	mu   sync.Mutex
	next uint64
}

// New opens the log stored in db, resuming the sequence where a previous
// run left off.
func New(db meshdb.Database) (*Log, error) {
	l := &Log{db: db, next: 1}
	head, err := db.Get(headKey)
	if err == nil {
		l.next = binary.BigEndian.Uint64(head) + 1
	} else if err != meshdb.ErrNotFound {
		return nil, err
	}
	return l, nil
}

// Append stores the record and returns its sequence number. The record and
// the head pointer are committed atomically.
func (l *Log) Append(rec Record) (uint64, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.next
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], id)

	batch := l.db.NewBatch()
	if err := batch.Put(recordKey(id), data); err != nil {
		return 0, err
	}
	if err := batch.Put(headKey, head[:]); err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, err
	}
	l.next = id + 1
	return id, nil
}

// Head returns the sequence number of the last appended record, 0 when the
// log is empty.
func (l *Log) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// GetStateChanges returns the entries with from <= id <= to in order. Pass
// Latest as to for everything appended so far.
func (l *Log) GetStateChanges(from, to uint64) ([]Entry, error) {
	if from == 0 {
		from = 1
	}
	var limit []byte
	if to != Latest {
		limit = recordKey(to + 1)
	} else {
		// The prefix end: recordPrefix with the last byte bumped.
		limit = append([]byte(nil), recordPrefix...)
		limit[len(limit)-1]++
	}

	it := l.db.NewIteratorWithRange(recordKey(from), limit)
	defer it.Release()

	var entries []Entry
	for it.Next() {
		rec, err := decodeRecord(it.Value())
		if err != nil {
			return nil, err
		}
		id := binary.BigEndian.Uint64(it.Key()[len(recordPrefix):])
		entries = append(entries, Entry{ID: id, Record: rec})
	}
	return entries, nil
}

// Replay calls fn for every entry in append order, stopping at the first
// error. Used to rebuild in-memory state after a restart.
func (l *Log) Replay(fn func(Entry) error) error {
	entries, err := l.GetStateChanges(1, Latest)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the first entry whose record matches, nil if none does.
func (l *Log) Find(match func(Record) bool) (*Entry, error) {
	entries, err := l.GetStateChanges(1, Latest)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if match(entries[i].Record) {
			return &entries[i], nil
		}
	}
	return nil, nil
}
