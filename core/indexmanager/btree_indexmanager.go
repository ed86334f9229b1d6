package indexmanager

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/indexing/btree"
	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
)

// BTreeIndexManager adapts one typed tree to the RowIndex interface. Values
// in the tree are always location lists; a unique index simply never lets a
// list grow past one.
type BTreeIndexManager[K any] struct {
	name   string
	unique bool
	codec  treeCodec[K]
	tree   *btree.BTree[K, []pagestore.RowLocation]
}

func createTreeIndex[K any](txn bufferpool.TxnContext, name string, unique bool, order int, bpm *bufferpool.BufferPoolManager, logger *zap.Logger, codec treeCodec[K]) (*BTreeIndexManager[K], error) {
	if order <= 0 {
		order = btree.DefaultOrder
	}
	tree, err := btree.NewBTree(txn, name, order, codec.order, locListSerializer(codec), bpm, logger)
	if err != nil {
		return nil, err
	}
	return &BTreeIndexManager[K]{name: name, unique: unique, codec: codec, tree: tree}, nil
}

func openTreeIndex[K any](headerPageID pagestore.PageID, name string, unique bool, bpm *bufferpool.BufferPoolManager, logger *zap.Logger, codec treeCodec[K]) (*BTreeIndexManager[K], error) {
	tree, err := btree.OpenBTree(headerPageID, name, codec.order, locListSerializer(codec), bpm, logger)
	if err != nil {
		return nil, err
	}
	return &BTreeIndexManager[K]{name: name, unique: unique, codec: codec, tree: tree}, nil
}

func locListSerializer[K any](codec treeCodec[K]) btree.KeyValueSerializer[K, []pagestore.RowLocation] {
	return btree.KeyValueSerializer[K, []pagestore.RowLocation]{
		SerializeKey:     codec.serializeKey,
		DeserializeKey:   codec.deserializeKey,
		SerializeValue:   btree.SerializeRowLocations,
		DeserializeValue: btree.DeserializeRowLocations,
	}
}

func (m *BTreeIndexManager[K]) Name() string                   { return m.name }
func (m *BTreeIndexManager[K]) KeyType() catalog.Type          { return m.codec.keyType }
func (m *BTreeIndexManager[K]) Unique() bool                   { return m.unique }
func (m *BTreeIndexManager[K]) HeaderPageID() pagestore.PageID { return m.tree.HeaderPageID() }

// Insert adds loc under key. Unique indexes reject a present key; secondary
// indexes append to the key's location list.
func (m *BTreeIndexManager[K]) Insert(txn bufferpool.TxnContext, key catalog.Value, loc pagestore.RowLocation) error {
	k, err := m.codec.fromValue(key)
	if err != nil {
		return err
	}
	locs, found, err := m.tree.Search(k)
	if err != nil {
		return err
	}
	if !found {
		return m.tree.Insert(txn, k, []pagestore.RowLocation{loc})
	}
	if m.unique {
		return fmt.Errorf("%w: key %s in index %s", dberror.ErrKeyAlreadyExists, key, m.name)
	}
	return m.tree.Put(txn, k, append(locs, loc))
}

// Remove drops loc from under key, deleting the key once its list empties.
func (m *BTreeIndexManager[K]) Remove(txn bufferpool.TxnContext, key catalog.Value, loc pagestore.RowLocation) error {
	k, err := m.codec.fromValue(key)
	if err != nil {
		return err
	}
	locs, found, err := m.tree.Search(k)
	if err != nil {
		return err
	}
	at := locIndex(locs, loc)
	if !found || at < 0 {
		return fmt.Errorf("%w: key %s in index %s", dberror.ErrKeyNotFound, key, m.name)
	}
	if len(locs) == 1 {
		return m.tree.Delete(txn, k)
	}
	return m.tree.Put(txn, k, append(locs[:at], locs[at+1:]...))
}

// Move repoints key's entry for a relocated row.
func (m *BTreeIndexManager[K]) Move(txn bufferpool.TxnContext, key catalog.Value, from, to pagestore.RowLocation) error {
	k, err := m.codec.fromValue(key)
	if err != nil {
		return err
	}
	locs, found, err := m.tree.Search(k)
	if err != nil {
		return err
	}
	at := locIndex(locs, from)
	if !found || at < 0 {
		return fmt.Errorf("%w: key %s in index %s", dberror.ErrKeyNotFound, key, m.name)
	}
	locs[at] = to
	return m.tree.Put(txn, k, locs)
}

// Lookup returns the locations stored under key, nil when the key is
// absent.
func (m *BTreeIndexManager[K]) Lookup(key catalog.Value) ([]pagestore.RowLocation, error) {
	k, err := m.codec.fromValue(key)
	if err != nil {
		return nil, err
	}
	locs, found, err := m.tree.Search(k)
	if err != nil || !found {
		return nil, err
	}
	return locs, nil
}

// Range iterates keys in [low, high] inclusive.
func (m *BTreeIndexManager[K]) Range(low, high catalog.Value) (RowIterator, error) {
	lo, err := m.codec.fromValue(low)
	if err != nil {
		return nil, err
	}
	hi, err := m.codec.fromValue(high)
	if err != nil {
		return nil, err
	}
	inner, err := m.tree.Range(lo, hi)
	if err != nil {
		return nil, err
	}
	return &treeRowIterator[K]{inner: inner, toValue: m.codec.toValue}, nil
}

func locIndex(locs []pagestore.RowLocation, loc pagestore.RowLocation) int {
	for i, l := range locs {
		if l == loc {
			return i
		}
	}
	return -1
}

type treeRowIterator[K any] struct {
	inner   *btree.Iterator[K, []pagestore.RowLocation]
	toValue func(K) catalog.Value
	key     K
	locs    []pagestore.RowLocation
	idx     int
}

func (it *treeRowIterator[K]) Next() (catalog.Value, pagestore.RowLocation, bool, error) {
	for {
		if it.idx < len(it.locs) {
			loc := it.locs[it.idx]
			it.idx++
			return it.toValue(it.key), loc, true, nil
		}
		key, locs, ok, err := it.inner.Next()
		if err != nil || !ok {
			return catalog.Value{}, pagestore.RowLocation{}, false, err
		}
		it.key, it.locs, it.idx = key, locs, 0
	}
}

func (it *treeRowIterator[K]) Close() { it.inner.Close() }
