// Package kv defines the ordered key-value store the ledger depends on.
// Keys are byte strings and scans are lexicographic; the only consistency
// guarantee the ledger assumes is crash-atomicity of a single Batch.
package kv

// OpKind discriminates batch operations.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one write inside an atomic batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Put builds a put operation.
func Put(key, value []byte) Op { return Op{Kind: OpPut, Key: key, Value: value} }

// Delete builds a delete operation.
func Delete(key []byte) Op { return Op{Kind: OpDelete, Key: key} }

// Store is an ordered key→bytes map with atomic batches.
//
// Get returns (nil, nil) for a missing key. ScanRange visits keys in
// [start, end) in lexicographic order (reverse when desc is set; a nil end
// means "to the end of the keyspace") and stops early when fn returns
// false. Batch commits all operations atomically or none. Flush returns
// only after previously committed writes are durable.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	ScanRange(start, end []byte, desc bool, fn func(key, value []byte) (bool, error)) error
	Batch(ops []Op) error
	// CompareAndSwap replaces the value at key only if the current value
	// equals old (old == nil means the key must be absent; next == nil
	// deletes). Returns false without modification on mismatch.
	CompareAndSwap(key, old, next []byte) (bool, error)
	Flush() error
	Close() error
}

// ScanPrefix visits every key beginning with prefix, in order.
func ScanPrefix(s Store, prefix []byte, desc bool, fn func(key, value []byte) (bool, error)) error {
	return s.ScanRange(prefix, PrefixEnd(prefix), desc, fn)
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists (all-0xff prefix).
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
