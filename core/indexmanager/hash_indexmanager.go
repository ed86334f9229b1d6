package indexmanager

import (
	"go.uber.org/zap"

	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/indexing/hash"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
	"github.com/granitedb/granite/core/write_engine/wal"
)

// HashIndexManager fronts the hash index with typed keys. It serves the
// primary-key point path: one location per key, constant-time lookup, no
// ordering.
type HashIndexManager struct {
	idx *hash.HashIndex
}

// CreateHashIndex builds an empty hash index inside txn.
func CreateHashIndex(txn bufferpool.TxnContext, name string, buckets int, bpm *bufferpool.BufferPoolManager, lm *wal.LogManager, logger *zap.Logger) (*HashIndexManager, error) {
	if buckets <= 0 {
		buckets = hash.DefaultBuckets
	}
	idx, err := hash.NewHashIndex(txn, name, buckets, bpm, lm, logger)
	if err != nil {
		return nil, err
	}
	return &HashIndexManager{idx: idx}, nil
}

// OpenHashIndex attaches to an existing hash index by its meta page.
func OpenHashIndex(metaPageID pagestore.PageID, name string, bpm *bufferpool.BufferPoolManager, lm *wal.LogManager, logger *zap.Logger) (*HashIndexManager, error) {
	idx, err := hash.OpenHashIndex(metaPageID, name, bpm, lm, logger)
	if err != nil {
		return nil, err
	}
	return &HashIndexManager{idx: idx}, nil
}

func (m *HashIndexManager) Name() string                 { return m.idx.Name() }
func (m *HashIndexManager) MetaPageID() pagestore.PageID { return m.idx.MetaPageID() }

// Insert stores key's location; a present key fails with
// ErrKeyAlreadyExists.
func (m *HashIndexManager) Insert(txn bufferpool.TxnContext, key catalog.Value, loc pagestore.RowLocation) error {
	return m.idx.Insert(txn, key.KeyBytes(), loc)
}

// Delete removes key, failing with ErrKeyNotFound when absent.
func (m *HashIndexManager) Delete(txn bufferpool.TxnContext, key catalog.Value) error {
	return m.idx.Delete(txn, key.KeyBytes())
}

// Move repoints key at a relocated row.
func (m *HashIndexManager) Move(txn bufferpool.TxnContext, key catalog.Value, to pagestore.RowLocation) error {
	if err := m.idx.Delete(txn, key.KeyBytes()); err != nil {
		return err
	}
	return m.idx.Insert(txn, key.KeyBytes(), to)
}

// Find returns key's location, reporting false when absent.
func (m *HashIndexManager) Find(key catalog.Value) (pagestore.RowLocation, bool, error) {
	return m.idx.Find(key.KeyBytes())
}

// Stats returns the bucket and entry counts.
func (m *HashIndexManager) Stats() (buckets, entries uint64, err error) {
	return m.idx.Stats()
}
