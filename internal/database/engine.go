// ABOUTME: Storage engine abstraction over an ordered byte-keyed store
// ABOUTME: Engines provide snapshot reads and atomic write batches

package database

import "context"

// engine is an ordered key-value store with transactions. Keys compare
// byte-wise.
type engine interface {
	// begin starts a transaction. Read transactions observe a snapshot
	// taken at begin; at most one write transaction runs at a time.
	begin(ctx context.Context, writable bool) (kvTxn, error)
	close() error
}

type kvTxn interface {
	get(key []byte) ([]byte, bool, error)
	put(key, value []byte) error
	delete(key []byte) error
	// scan visits keys in [start, end) in ascending order until fn returns
	// false. A nil end means no upper bound.
	scan(start, end []byte, fn func(key, value []byte) bool) error
	commit() error
	rollback() error
}
