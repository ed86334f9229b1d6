package btree

import (
	"slices"

	"github.com/granitedb/granite/core/storage_engine/pagestore"
)

// Iterator walks leaf entries in ascending key order between two inclusive
// bounds. It holds decoded leaf copies, never buffer pool pins, so
// abandoning one without Close leaks nothing; Close only makes the
// exhaustion explicit.
type Iterator[K any, V any] struct {
	tree *BTree[K, V]
	leaf *node[K, V]
	idx  int
	high K
	done bool
}

// Range positions an iterator on the first key >= low. Keys above high are
// never produced. A low bound above the high bound yields an exhausted
// iterator, not an error.
func (bt *BTree[K, V]) Range(low, high K) (*Iterator[K, V], error) {
	it := &Iterator[K, V]{tree: bt, high: high}
	if bt.keyOrder(low, high) > 0 {
		it.done = true
		return it, nil
	}
	hdr, err := bt.loadHeader()
	if err != nil {
		return nil, err
	}
	_, leaf, err := bt.descend(hdr, low, false)
	if err != nil {
		return nil, err
	}
	idx, _ := slices.BinarySearchFunc(leaf.keys, low, bt.keyOrder)
	it.leaf = leaf
	it.idx = idx
	return it, nil
}

// Next returns the following entry, reporting false once the range is
// exhausted. After false or an error the iterator stays exhausted.
func (it *Iterator[K, V]) Next() (K, V, bool, error) {
	var zeroK K
	var zeroV V
	for {
		if it.done {
			return zeroK, zeroV, false, nil
		}
		if it.idx >= len(it.leaf.keys) {
			if it.leaf.next == pagestore.InvalidPageID {
				it.Close()
				return zeroK, zeroV, false, nil
			}
			leaf, err := it.tree.fetchNode(it.leaf.next)
			if err != nil {
				it.Close()
				return zeroK, zeroV, false, err
			}
			it.leaf = leaf
			it.idx = 0
			continue
		}
		key := it.leaf.keys[it.idx]
		if it.tree.keyOrder(key, it.high) > 0 {
			it.Close()
			return zeroK, zeroV, false, nil
		}
		value := it.leaf.values[it.idx]
		it.idx++
		return key, value, true, nil
	}
}

// Close releases the iterator. Safe to call more than once.
func (it *Iterator[K, V]) Close() {
	it.done = true
	it.leaf = nil
}
