package kv

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bank.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	v, err := s.Get([]byte("nope"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestPutGetDelete(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Put([]byte("balance:u1"), []byte(`{"v":1}`)))
	v, err := s.Get([]byte("balance:u1"))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), v)

	// Overwrite
	require.NoError(t, s.Put([]byte("balance:u1"), []byte(`{"v":2}`)))
	v, _ = s.Get([]byte("balance:u1"))
	assert.Equal(t, []byte(`{"v":2}`), v)

	require.NoError(t, s.Delete([]byte("balance:u1")))
	v, _ = s.Get([]byte("balance:u1"))
	assert.Nil(t, v)

	// Deleting again is not an error
	require.NoError(t, s.Delete([]byte("balance:u1")))
}

func TestPutEmptyValue(t *testing.T) {
	s, _ := newTestStore(t)

	// Index entries store all their information in the key and write a
	// zero-length value. The v column is NOT NULL, so these must bind as
	// empty blobs, not SQL NULL, in both Put and Batch.
	require.NoError(t, s.Put([]byte("txidx:u1:001:a"), []byte{}))
	require.NoError(t, s.Batch([]Op{
		Put([]byte("txidx:u1:002:b"), []byte{}),
		Put([]byte("tx:002:b"), []byte("x")),
	}))

	var keys []string
	err := ScanPrefix(s, []byte("txidx:"), false, func(k, v []byte) (bool, error) {
		keys = append(keys, string(k))
		assert.Empty(t, v)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"txidx:u1:001:a", "txidx:u1:002:b"}, keys)
}

func TestScanPrefixOrder(t *testing.T) {
	s, _ := newTestStore(t)

	for _, k := range []string{"tx:003:c", "tx:001:a", "tx:002:b", "balance:u1", "txidx:u1:001:a"} {
		require.NoError(t, s.Put([]byte(k), []byte("x")))
	}

	var asc []string
	err := ScanPrefix(s, []byte("tx:"), false, func(k, _ []byte) (bool, error) {
		asc = append(asc, string(k))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tx:001:a", "tx:002:b", "tx:003:c"}, asc)

	var desc []string
	err = ScanPrefix(s, []byte("tx:"), true, func(k, _ []byte) (bool, error) {
		desc = append(desc, string(k))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tx:003:c", "tx:002:b", "tx:001:a"}, desc)
}

func TestScanEarlyStop(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("k:%03d", i)), []byte("x")))
	}

	var seen int
	err := ScanPrefix(s, []byte("k:"), false, func(_, _ []byte) (bool, error) {
		seen++
		return seen < 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

func TestBatchAtomicVisibleAfterReopen(t *testing.T) {
	s, path := newTestStore(t)

	ops := []Op{
		Put([]byte("balance:u1"), []byte("a")),
		Put([]byte("tx:001:x"), []byte("b")),
		Delete([]byte("never-existed")),
	}
	require.NoError(t, s.Batch(ops))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	// Reopen reproduces exactly the committed state.
	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.Get([]byte("balance:u1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)
	v, _ = s2.Get([]byte("tx:001:x"))
	assert.Equal(t, []byte("b"), v)
}

func TestCompareAndSwap(t *testing.T) {
	s, _ := newTestStore(t)

	// old=nil means key must be absent
	ok, err := s.CompareAndSwap([]byte("job"), nil, []byte("v1"))
	require.NoError(t, err)
	assert.True(t, ok)

	// second claim with old=nil loses
	ok, err = s.CompareAndSwap([]byte("job"), nil, []byte("v1b"))
	require.NoError(t, err)
	assert.False(t, ok)

	// swap with matching old wins
	ok, err = s.CompareAndSwap([]byte("job"), []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, ok)

	// stale old loses and leaves the value untouched
	ok, err = s.CompareAndSwap([]byte("job"), []byte("v1"), []byte("v3"))
	require.NoError(t, err)
	assert.False(t, ok)
	v, _ := s.Get([]byte("job"))
	assert.Equal(t, []byte("v2"), v)

	// next=nil deletes
	ok, err = s.CompareAndSwap([]byte("job"), []byte("v2"), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	v, _ = s.Get([]byte("job"))
	assert.Nil(t, v)
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix string
		want   []byte
	}{
		{"tx:", []byte("tx;")},
		{"a", []byte("b")},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, PrefixEnd([]byte(tt.prefix)))
		})
	}
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
	assert.Equal(t, []byte{0x01}, PrefixEnd([]byte{0x00, 0xff}))
}
