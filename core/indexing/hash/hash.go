// Package hash implements an unordered point-lookup index: xxhash64 over
// the key's canonical byte form selects one of a power-of-two number of
// buckets, each bucket a chain of pages holding (key, row location)
// entries in arrival order. Exceeding the load factor doubles the bucket
// count and rehashes every entry inside the caller's transaction, so a
// crash mid-resize rolls back like any other work.
package hash

import (
	"bytes"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
	"github.com/granitedb/granite/core/write_engine/wal"
)

const (
	// DefaultBuckets is the initial bucket count for a new index.
	DefaultBuckets = 16

	// maxLoadFactor is entries per bucket; past this an insert doubles the
	// bucket count.
	maxLoadFactor = 0.75
)

// HashIndex is one hash index instance. Like the B+ tree it keeps no
// mutable state in the struct; bucket count, entry count and the directory
// head live on the meta page and roll back with it.
type HashIndex struct {
	name       string
	metaPageID pagestore.PageID
	bpm        *bufferpool.BufferPoolManager
	logManager *wal.LogManager
	logger     *zap.Logger
}

// hashKey is the fixed hash function over canonical key bytes.
func hashKey(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// NewHashIndex creates an empty index with the given bucket count (a power
// of two) inside txn.
func NewHashIndex(txn bufferpool.TxnContext, name string, buckets int, bpm *bufferpool.BufferPoolManager, lm *wal.LogManager, logger *zap.Logger) (*HashIndex, error) {
	if buckets < 2 || buckets&(buckets-1) != 0 {
		return nil, fmt.Errorf("hash index bucket count must be a power of two >= 2, got %d", buckets)
	}
	h := makeHashIndex(name, bpm, lm, logger)

	bucketIDs := make([]pagestore.PageID, buckets)
	for i := range bucketIDs {
		id, err := bpm.AllocatePage(txn)
		if err != nil {
			return nil, fmt.Errorf("allocating bucket for index %s: %w", name, err)
		}
		if err := h.writeBucket(txn, &bucketPage{pageID: id}); err != nil {
			return nil, err
		}
		bucketIDs[i] = id
	}

	dirHead, err := h.buildDirectory(txn, bucketIDs)
	if err != nil {
		return nil, err
	}

	metaID, err := bpm.AllocatePage(txn)
	if err != nil {
		return nil, fmt.Errorf("allocating metadata for index %s: %w", name, err)
	}
	h.metaPageID = metaID
	if err := h.writeMeta(txn, hashMeta{BucketCount: uint64(buckets), DirHead: dirHead}); err != nil {
		return nil, err
	}

	h.logger.Info("Created hash index",
		zap.String("index", name),
		zap.Int("buckets", buckets),
		zap.Uint64("meta_page", uint64(metaID)))
	return h, nil
}

// OpenHashIndex attaches to an existing index by its meta page.
func OpenHashIndex(metaPageID pagestore.PageID, name string, bpm *bufferpool.BufferPoolManager, lm *wal.LogManager, logger *zap.Logger) (*HashIndex, error) {
	h := makeHashIndex(name, bpm, lm, logger)
	h.metaPageID = metaPageID
	if _, err := h.readMeta(); err != nil {
		return nil, fmt.Errorf("opening index %s: %w", name, err)
	}
	return h, nil
}

func makeHashIndex(name string, bpm *bufferpool.BufferPoolManager, lm *wal.LogManager, logger *zap.Logger) *HashIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HashIndex{
		name:       name,
		bpm:        bpm,
		logManager: lm,
		logger:     logger.Named("hashindex"),
	}
}

// MetaPageID returns the page the catalog must remember to reopen this
// index.
func (h *HashIndex) MetaPageID() pagestore.PageID { return h.metaPageID }

// Name returns the index name.
func (h *HashIndex) Name() string { return h.name }

// Stats returns the current bucket and entry counts.
func (h *HashIndex) Stats() (buckets, entries uint64, err error) {
	meta, err := h.readMeta()
	if err != nil {
		return 0, 0, err
	}
	return meta.BucketCount, meta.EntryCount, nil
}

func (h *HashIndex) payloadSize() int {
	return h.bpm.GetPageSize() - pagestore.PageHeaderSize
}

func (h *HashIndex) readMeta() (hashMeta, error) {
	page, err := h.bpm.FetchPage(h.metaPageID)
	if err != nil {
		return hashMeta{}, err
	}
	page.RLock()
	meta, err := decodeHashMeta(page)
	page.RUnlock()
	if unpinErr := h.bpm.UnpinPage(h.metaPageID, false); unpinErr != nil && err == nil {
		return hashMeta{}, unpinErr
	}
	return meta, err
}

func (h *HashIndex) writeMeta(txn bufferpool.TxnContext, meta hashMeta) error {
	return h.bpm.MutatePage(txn, h.metaPageID, func(page *pagestore.Page) error {
		encodeHashMeta(page, meta)
		return nil
	})
}

func (h *HashIndex) fetchBucket(pageID pagestore.PageID) (*bucketPage, error) {
	page, err := h.bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	b, err := decodeBucket(page)
	page.RUnlock()
	if unpinErr := h.bpm.UnpinPage(pageID, false); unpinErr != nil && err == nil {
		return nil, unpinErr
	}
	return b, err
}

func (h *HashIndex) writeBucket(txn bufferpool.TxnContext, b *bucketPage) error {
	return h.bpm.MutatePage(txn, b.pageID, func(page *pagestore.Page) error {
		return encodeBucket(page, b)
	})
}

func (h *HashIndex) fetchDir(pageID pagestore.PageID) (*dirPage, error) {
	page, err := h.bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	d, err := decodeDir(page)
	page.RUnlock()
	if unpinErr := h.bpm.UnpinPage(pageID, false); unpinErr != nil && err == nil {
		return nil, unpinErr
	}
	return d, err
}

// buildDirectory lays the bucket ids out across a fresh chain of directory
// pages and returns the head.
func (h *HashIndex) buildDirectory(txn bufferpool.TxnContext, bucketIDs []pagestore.PageID) (pagestore.PageID, error) {
	perPage := dirCapacity(h.bpm.GetPageSize())
	numPages := (len(bucketIDs) + perPage - 1) / perPage
	pageIDs := make([]pagestore.PageID, numPages)
	for i := range pageIDs {
		id, err := h.bpm.AllocatePage(txn)
		if err != nil {
			return pagestore.InvalidPageID, fmt.Errorf("allocating directory for index %s: %w", h.name, err)
		}
		pageIDs[i] = id
	}
	for i := 0; i < numPages; i++ {
		lo := i * perPage
		hi := min(lo+perPage, len(bucketIDs))
		d := &dirPage{pageID: pageIDs[i], buckets: bucketIDs[lo:hi]}
		if i+1 < numPages {
			d.next = pageIDs[i+1]
		}
		if err := h.bpm.MutatePage(txn, d.pageID, func(page *pagestore.Page) error {
			return encodeDir(page, d)
		}); err != nil {
			return pagestore.InvalidPageID, err
		}
	}
	return pageIDs[0], nil
}

// bucketHead resolves bucket index -> head bucket page id through the
// directory chain.
func (h *HashIndex) bucketHead(meta hashMeta, bucket uint64) (pagestore.PageID, error) {
	perPage := uint64(dirCapacity(h.bpm.GetPageSize()))
	pageID := meta.DirHead
	skip := bucket / perPage
	slot := bucket % perPage
	for {
		d, err := h.fetchDir(pageID)
		if err != nil {
			return pagestore.InvalidPageID, err
		}
		if skip == 0 {
			if slot >= uint64(len(d.buckets)) {
				return pagestore.InvalidPageID, fmt.Errorf("%w: bucket %d beyond directory page %d",
					dberror.ErrDeserialization, bucket, d.pageID)
			}
			return d.buckets[slot], nil
		}
		if d.next == pagestore.InvalidPageID {
			return pagestore.InvalidPageID, fmt.Errorf("%w: directory chain ends before bucket %d",
				dberror.ErrDeserialization, bucket)
		}
		pageID = d.next
		skip--
	}
}

// Find returns the location stored under key, reporting false when absent.
func (h *HashIndex) Find(key []byte) (pagestore.RowLocation, bool, error) {
	meta, err := h.readMeta()
	if err != nil {
		return pagestore.RowLocation{}, false, err
	}
	pageID, err := h.bucketHead(meta, hashKey(key)&(meta.BucketCount-1))
	if err != nil {
		return pagestore.RowLocation{}, false, err
	}
	for pageID != pagestore.InvalidPageID {
		b, err := h.fetchBucket(pageID)
		if err != nil {
			return pagestore.RowLocation{}, false, err
		}
		for i, k := range b.keys {
			if bytes.Equal(k, key) {
				return b.locs[i], true, nil
			}
		}
		pageID = b.next
	}
	return pagestore.RowLocation{}, false, nil
}

// Insert stores (key, loc), failing with ErrKeyAlreadyExists on a present
// key. New entries append to the chain tail so bucket order stays arrival
// order.
func (h *HashIndex) Insert(txn bufferpool.TxnContext, key []byte, loc pagestore.RowLocation) error {
	meta, err := h.readMeta()
	if err != nil {
		return err
	}
	headID, err := h.bucketHead(meta, hashKey(key)&(meta.BucketCount-1))
	if err != nil {
		return err
	}

	var tail *bucketPage
	for pageID := headID; pageID != pagestore.InvalidPageID; pageID = tail.next {
		b, err := h.fetchBucket(pageID)
		if err != nil {
			return err
		}
		for _, k := range b.keys {
			if bytes.Equal(k, key) {
				return fmt.Errorf("%w: key in hash index %s", dberror.ErrKeyAlreadyExists, h.name)
			}
		}
		tail = b
	}

	if tail.tryAdd(key, loc, h.payloadSize()) {
		if err := h.writeBucket(txn, tail); err != nil {
			return err
		}
	} else {
		overflowID, err := h.bpm.AllocatePage(txn)
		if err != nil {
			return fmt.Errorf("allocating overflow for index %s: %w", h.name, err)
		}
		overflow := &bucketPage{pageID: overflowID}
		if !overflow.tryAdd(key, loc, h.payloadSize()) {
			return fmt.Errorf("%w: key of %d bytes in hash index %s",
				dberror.ErrValueTooLargeForPage, len(key), h.name)
		}
		if err := h.writeBucket(txn, overflow); err != nil {
			return err
		}
		tail.next = overflowID
		if err := h.writeBucket(txn, tail); err != nil {
			return err
		}
	}

	meta.EntryCount++
	if err := h.writeMeta(txn, meta); err != nil {
		return err
	}
	if float64(meta.EntryCount)/float64(meta.BucketCount) > maxLoadFactor {
		return h.resize(txn, meta)
	}
	return nil
}

// Delete removes key, failing with ErrKeyNotFound when absent. An overflow
// page emptied by the removal is unlinked and freed; head pages stay, the
// directory points at them.
func (h *HashIndex) Delete(txn bufferpool.TxnContext, key []byte) error {
	meta, err := h.readMeta()
	if err != nil {
		return err
	}
	headID, err := h.bucketHead(meta, hashKey(key)&(meta.BucketCount-1))
	if err != nil {
		return err
	}

	var prev *bucketPage
	for pageID := headID; pageID != pagestore.InvalidPageID; {
		b, err := h.fetchBucket(pageID)
		if err != nil {
			return err
		}
		for i, k := range b.keys {
			if !bytes.Equal(k, key) {
				continue
			}
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			b.locs = append(b.locs[:i], b.locs[i+1:]...)
			if len(b.keys) == 0 && prev != nil {
				prev.next = b.next
				if err := h.writeBucket(txn, prev); err != nil {
					return err
				}
				if err := h.bpm.FreePage(txn, b.pageID); err != nil {
					return err
				}
			} else if err := h.writeBucket(txn, b); err != nil {
				return err
			}
			meta.EntryCount--
			return h.writeMeta(txn, meta)
		}
		prev = b
		pageID = b.next
	}
	return fmt.Errorf("%w: key in hash index %s", dberror.ErrKeyNotFound, h.name)
}

// resize doubles the bucket count and rehashes every entry. The marker
// record brackets the work in the log; the page mutations themselves are
// ordinary logged writes, so rollback and recovery need nothing special.
func (h *HashIndex) resize(txn bufferpool.TxnContext, meta hashMeta) error {
	marker := &wal.LogRecord{
		PrevLSN: txn.LastLSN(),
		TxnID:   txn.TxnID(),
		Type:    wal.LogRecordTypeHashResize,
		PageID:  h.metaPageID,
	}
	lsn, err := h.logManager.Append(marker)
	if err != nil {
		return err
	}
	txn.SetLastLSN(lsn)

	newCount := meta.BucketCount * 2
	h.logger.Info("Resizing hash index",
		zap.String("index", h.name),
		zap.Uint64("old_buckets", meta.BucketCount),
		zap.Uint64("new_buckets", newCount),
		zap.Uint64("entries", meta.EntryCount))

	// Collect every entry and every page of the old structure.
	var keys [][]byte
	var locs []pagestore.RowLocation
	var oldPages []pagestore.PageID
	for dirID := meta.DirHead; dirID != pagestore.InvalidPageID; {
		d, err := h.fetchDir(dirID)
		if err != nil {
			return err
		}
		oldPages = append(oldPages, d.pageID)
		for _, headID := range d.buckets {
			for pageID := headID; pageID != pagestore.InvalidPageID; {
				b, err := h.fetchBucket(pageID)
				if err != nil {
					return err
				}
				oldPages = append(oldPages, b.pageID)
				keys = append(keys, b.keys...)
				locs = append(locs, b.locs...)
				pageID = b.next
			}
		}
		dirID = d.next
	}

	// Group entries by new bucket, preserving arrival order.
	grouped := make(map[uint64][]int, newCount)
	for i, k := range keys {
		bucket := hashKey(k) & (newCount - 1)
		grouped[bucket] = append(grouped[bucket], i)
	}

	newBucketIDs := make([]pagestore.PageID, newCount)
	for i := range newBucketIDs {
		id, err := h.bpm.AllocatePage(txn)
		if err != nil {
			return fmt.Errorf("allocating bucket during resize of index %s: %w", h.name, err)
		}
		newBucketIDs[i] = id
		if err := h.fillChain(txn, id, grouped[uint64(i)], keys, locs); err != nil {
			return err
		}
	}

	dirHead, err := h.buildDirectory(txn, newBucketIDs)
	if err != nil {
		return err
	}
	for _, pageID := range oldPages {
		if err := h.bpm.FreePage(txn, pageID); err != nil {
			return err
		}
	}

	meta.BucketCount = newCount
	meta.DirHead = dirHead
	return h.writeMeta(txn, meta)
}

// fillChain writes the selected entries into the bucket chain starting at
// headID, allocating overflow pages as they fill.
func (h *HashIndex) fillChain(txn bufferpool.TxnContext, headID pagestore.PageID, entries []int, keys [][]byte, locs []pagestore.RowLocation) error {
	current := &bucketPage{pageID: headID}
	for _, e := range entries {
		if current.tryAdd(keys[e], locs[e], h.payloadSize()) {
			continue
		}
		overflowID, err := h.bpm.AllocatePage(txn)
		if err != nil {
			return fmt.Errorf("allocating overflow during resize of index %s: %w", h.name, err)
		}
		current.next = overflowID
		if err := h.writeBucket(txn, current); err != nil {
			return err
		}
		current = &bucketPage{pageID: overflowID}
		if !current.tryAdd(keys[e], locs[e], h.payloadSize()) {
			return fmt.Errorf("%w: key of %d bytes in hash index %s",
				dberror.ErrValueTooLargeForPage, len(keys[e]), h.name)
		}
	}
	return h.writeBucket(txn, current)
}
