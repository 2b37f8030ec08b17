package meshdb

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// each implementation must behave identically
func testDatabases(t *testing.T) (map[string]Database, func()) {
	dir, err := ioutil.TempDir("", "meshdb-test")
	require.NoError(t, err)
	ldb, err := NewLDBDatabase(dir, 16, 16)
	require.NoError(t, err)

	dbs := map[string]Database{
		"memory":  NewMemDatabase(),
		"leveldb": ldb,
	}
	return dbs, func() {
		ldb.Close()
		os.RemoveAll(dir)
	}
}

func TestPutGetDelete(t *testing.T) {
	dbs, cleanup := testDatabases(t)
	defer cleanup()
	for name, db := range dbs {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			_, err := db.Get([]byte("missing"))
			assert.Equal(ErrNotFound, err)

			assert.NoError(db.Put([]byte("k1"), []byte("v1")))
			has, err := db.Has([]byte("k1"))
			assert.NoError(err)
			assert.True(has)

			got, err := db.Get([]byte("k1"))
			assert.NoError(err)
			assert.Equal([]byte("v1"), got)

			// overwrite
			assert.NoError(db.Put([]byte("k1"), []byte("v2")))
			got, err = db.Get([]byte("k1"))
			assert.NoError(err)
			assert.Equal([]byte("v2"), got)

			assert.NoError(db.Delete([]byte("k1")))
			has, err = db.Has([]byte("k1"))
			assert.NoError(err)
			assert.False(has)
		})
	}
}

func TestBatchWriteIsAtomicOnCommit(t *testing.T) {
	dbs, cleanup := testDatabases(t)
	defer cleanup()
	for name, db := range dbs {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			batch := db.NewBatch()
			assert.NoError(batch.Put([]byte("a"), []byte("1")))
			assert.NoError(batch.Put([]byte("b"), []byte("2")))

			// nothing lands before Write
			_, err := db.Get([]byte("a"))
			assert.Equal(ErrNotFound, err)

			assert.NoError(batch.Write())
			got, err := db.Get([]byte("b"))
			assert.NoError(err)
			assert.Equal([]byte("2"), got)

			batch.Reset()
			assert.NoError(batch.Delete([]byte("a")))
			assert.NoError(batch.Write())
			_, err = db.Get([]byte("a"))
			assert.Equal(ErrNotFound, err)
		})
	}
}

func TestIteratorRange(t *testing.T) {
	dbs, cleanup := testDatabases(t)
	defer cleanup()
	for name, db := range dbs {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			keys := [][]byte{[]byte("p-1"), []byte("p-2"), []byte("p-3"), []byte("q-1")}
			for _, k := range keys {
				require.NoError(t, db.Put(k, append([]byte("val:"), k...)))
			}

			it := db.NewIteratorWithRange([]byte("p-"), []byte("p."))
			defer it.Release()

			var got [][]byte
			for it.Next() {
				got = append(got, append([]byte(nil), it.Key()...))
				assert.True(bytes.HasPrefix(it.Value(), []byte("val:")))
			}
			require.Len(t, got, 3)
			assert.Equal([]byte("p-1"), got[0])
			assert.Equal([]byte("p-2"), got[1])
			assert.Equal([]byte("p-3"), got[2])
		})
	}
}
