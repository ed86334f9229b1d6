// Package btree implements a disk-resident B+ tree index over the shared
// page store. Internal nodes route by key ranges; all entries live in
// leaves linked into a sorted chain, so range scans walk sibling pointers
// instead of re-descending. Every page mutation goes through the buffer
// pool's logged write path inside the caller's transaction.
package btree

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
)

// DefaultOrder is the branching order used when the caller has no opinion.
// With 4 KiB pages it leaves room for 63 keys of a few dozen bytes each
// plus the child pointers.
const DefaultOrder = 64

// Order compares two keys: negative when a < b, zero when equal, positive
// when a > b.
type Order[K any] func(a, b K) int

// KeyValueSerializer carries the codec for a tree's key and value types.
type KeyValueSerializer[K any, V any] struct {
	SerializeKey     func(K) ([]byte, error)
	DeserializeKey   func([]byte) (K, error)
	SerializeValue   func(V) ([]byte, error)
	DeserializeValue func([]byte) (V, error)
}

func (s KeyValueSerializer[K, V]) complete() bool {
	return s.SerializeKey != nil && s.DeserializeKey != nil &&
		s.SerializeValue != nil && s.DeserializeValue != nil
}

// BTree is one index instance. The root pointer and height live on the
// header page, never in the struct, so a rolled-back structure change is
// invisible here without any cache invalidation. Transaction-level index
// locks serialize writers against each other and against readers; the
// tree itself only takes page latches.
type BTree[K any, V any] struct {
	name         string
	headerPageID pagestore.PageID
	order        int
	keyOrder     Order[K]
	serializer   KeyValueSerializer[K, V]
	bpm          *bufferpool.BufferPoolManager
	logger       *zap.Logger
}

// NewBTree creates an empty tree inside txn: one leaf root and one header
// page. If txn rolls back both pages return to the free list and the tree
// never existed.
func NewBTree[K any, V any](txn bufferpool.TxnContext, name string, order int, keyOrder Order[K], serializer KeyValueSerializer[K, V], bpm *bufferpool.BufferPoolManager, logger *zap.Logger) (*BTree[K, V], error) {
	bt, err := makeBTree[K, V](name, order, keyOrder, serializer, bpm, logger)
	if err != nil {
		return nil, err
	}

	rootID, err := bpm.AllocatePage(txn)
	if err != nil {
		return nil, fmt.Errorf("allocating root for index %s: %w", name, err)
	}
	if err := bt.writeNode(txn, &node[K, V]{pageID: rootID, isLeaf: true}); err != nil {
		return nil, err
	}

	headerID, err := bpm.AllocatePage(txn)
	if err != nil {
		return nil, fmt.Errorf("allocating header for index %s: %w", name, err)
	}
	bt.headerPageID = headerID
	if err := bt.writeHeader(txn, indexHeader{Root: rootID, Order: uint16(order), Height: 1}); err != nil {
		return nil, err
	}

	bt.logger.Info("Created btree index",
		zap.String("index", name),
		zap.Int("order", order),
		zap.Uint64("header_page", uint64(headerID)))
	return bt, nil
}

// OpenBTree attaches to an existing tree by its header page.
func OpenBTree[K any, V any](headerPageID pagestore.PageID, name string, keyOrder Order[K], serializer KeyValueSerializer[K, V], bpm *bufferpool.BufferPoolManager, logger *zap.Logger) (*BTree[K, V], error) {
	bt, err := makeBTree[K, V](name, 3, keyOrder, serializer, bpm, logger)
	if err != nil {
		return nil, err
	}
	bt.headerPageID = headerPageID
	hdr, err := bt.loadHeader()
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", name, err)
	}
	bt.order = int(hdr.Order)
	return bt, nil
}

func makeBTree[K any, V any](name string, order int, keyOrder Order[K], serializer KeyValueSerializer[K, V], bpm *bufferpool.BufferPoolManager, logger *zap.Logger) (*BTree[K, V], error) {
	if order < 3 {
		return nil, fmt.Errorf("%w: got %d", dberror.ErrInvalidOrder, order)
	}
	if keyOrder == nil {
		return nil, dberror.ErrNilKeyOrder
	}
	if !serializer.complete() {
		return nil, fmt.Errorf("%w: all key/value serializers must be provided", dberror.ErrSerialization)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BTree[K, V]{
		name:       name,
		order:      order,
		keyOrder:   keyOrder,
		serializer: serializer,
		bpm:        bpm,
		logger:     logger.Named("btree"),
	}, nil
}

// HeaderPageID returns the page the catalog must remember to reopen this
// index.
func (bt *BTree[K, V]) HeaderPageID() pagestore.PageID { return bt.headerPageID }

// Name returns the index name.
func (bt *BTree[K, V]) Name() string { return bt.name }

// Order returns the branching order.
func (bt *BTree[K, V]) Order() int { return bt.order }

// Height returns the current number of levels, leaves included.
func (bt *BTree[K, V]) Height() (int, error) {
	hdr, err := bt.loadHeader()
	if err != nil {
		return 0, err
	}
	return int(hdr.Height), nil
}

// minKeys is the fill floor for non-root nodes: ceil(order/2)-1.
func (bt *BTree[K, V]) minKeys() int {
	return (bt.order+1)/2 - 1
}

func (bt *BTree[K, V]) loadHeader() (indexHeader, error) {
	page, err := bt.bpm.FetchPage(bt.headerPageID)
	if err != nil {
		return indexHeader{}, err
	}
	page.RLock()
	ok := page.Type() == pagestore.PageTypeBTreeMeta
	var hdr indexHeader
	if ok {
		hdr, err = decodeIndexHeader(page.Payload())
	}
	page.RUnlock()
	if unpinErr := bt.bpm.UnpinPage(bt.headerPageID, false); unpinErr != nil && err == nil {
		return indexHeader{}, unpinErr
	}
	if !ok {
		return indexHeader{}, fmt.Errorf("%w: page %d is not an index header (index %s)",
			dberror.ErrDeserialization, bt.headerPageID, bt.name)
	}
	return hdr, err
}

func (bt *BTree[K, V]) writeHeader(txn bufferpool.TxnContext, hdr indexHeader) error {
	return bt.bpm.MutatePage(txn, bt.headerPageID, func(page *pagestore.Page) error {
		page.SetType(pagestore.PageTypeBTreeMeta)
		encodeIndexHeader(page.Payload(), hdr)
		return nil
	})
}

// fetchNode reads and decodes one node under a shared latch. The returned
// node is a private copy; the page is unpinned before returning.
func (bt *BTree[K, V]) fetchNode(pageID pagestore.PageID) (*node[K, V], error) {
	page, err := bt.bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	n, err := bt.deserializeNode(page)
	page.RUnlock()
	if unpinErr := bt.bpm.UnpinPage(pageID, false); unpinErr != nil && err == nil {
		return nil, unpinErr
	}
	return n, err
}

// writeNode serializes n into its page through the logged write path.
func (bt *BTree[K, V]) writeNode(txn bufferpool.TxnContext, n *node[K, V]) error {
	return bt.bpm.MutatePage(txn, n.pageID, func(page *pagestore.Page) error {
		return bt.serializeNode(page, n)
	})
}

// pathStep records one internal node crossed on the way down and which
// child slot the descent took through it.
type pathStep struct {
	pageID   pagestore.PageID
	childIdx int
}

// childIndex picks the subtree for key: the separator equals the first key
// of its right subtree, so an exact separator hit descends right.
func (bt *BTree[K, V]) childIndex(n *node[K, V], key K) int {
	idx, found := slices.BinarySearchFunc(n.keys, key, bt.keyOrder)
	if found {
		return idx + 1
	}
	return idx
}

// descend walks from the root to the leaf responsible for key. The header
// height bounds the walk so a corrupt child pointer cycle fails instead of
// spinning.
func (bt *BTree[K, V]) descend(hdr indexHeader, key K, recordPath bool) ([]pathStep, *node[K, V], error) {
	var path []pathStep
	pageID := hdr.Root
	for depth := 0; ; depth++ {
		if depth >= int(hdr.Height) {
			return nil, nil, fmt.Errorf("%w: descent in index %s exceeded height %d",
				dberror.ErrDeserialization, bt.name, hdr.Height)
		}
		n, err := bt.fetchNode(pageID)
		if err != nil {
			return nil, nil, err
		}
		if n.isLeaf {
			return path, n, nil
		}
		idx := bt.childIndex(n, key)
		if recordPath {
			path = append(path, pathStep{pageID: pageID, childIdx: idx})
		}
		pageID = n.children[idx]
	}
}

// Search returns the value stored under key, reporting false when absent.
func (bt *BTree[K, V]) Search(key K) (V, bool, error) {
	var zero V
	hdr, err := bt.loadHeader()
	if err != nil {
		return zero, false, err
	}
	_, leaf, err := bt.descend(hdr, key, false)
	if err != nil {
		return zero, false, err
	}
	idx, found := slices.BinarySearchFunc(leaf.keys, key, bt.keyOrder)
	if !found {
		return zero, false, nil
	}
	return leaf.values[idx], true, nil
}

// Insert stores value under key, failing with ErrKeyAlreadyExists when the
// key is present.
func (bt *BTree[K, V]) Insert(txn bufferpool.TxnContext, key K, value V) error {
	return bt.insert(txn, key, value, false)
}

// Put stores value under key, replacing any existing value.
func (bt *BTree[K, V]) Put(txn bufferpool.TxnContext, key K, value V) error {
	return bt.insert(txn, key, value, true)
}

func (bt *BTree[K, V]) insert(txn bufferpool.TxnContext, key K, value V, replace bool) error {
	hdr, err := bt.loadHeader()
	if err != nil {
		return err
	}
	path, leaf, err := bt.descend(hdr, key, true)
	if err != nil {
		return err
	}
	idx, found := slices.BinarySearchFunc(leaf.keys, key, bt.keyOrder)
	if found {
		if !replace {
			return fmt.Errorf("%w: %v in index %s", dberror.ErrKeyAlreadyExists, key, bt.name)
		}
		leaf.values[idx] = value
		return bt.writeNode(txn, leaf)
	}
	leaf.keys = slices.Insert(leaf.keys, idx, key)
	leaf.values = slices.Insert(leaf.values, idx, value)
	if len(leaf.keys) <= bt.order-1 {
		return bt.writeNode(txn, leaf)
	}
	return bt.splitPropagate(txn, hdr, path, leaf)
}

// splitPropagate resolves an overflowed node by splitting at the median
// and pushing the separator into the parent, repeating upward while
// parents overflow in turn. A leaf split copies the median up (it must
// stay in the right leaf); an internal split moves it up.
func (bt *BTree[K, V]) splitPropagate(txn bufferpool.TxnContext, hdr indexHeader, path []pathStep, n *node[K, V]) error {
	for {
		mid := len(n.keys) / 2
		sepKey := n.keys[mid]

		rightID, err := bt.bpm.AllocatePage(txn)
		if err != nil {
			return fmt.Errorf("splitting index %s: %w", bt.name, err)
		}
		right := &node[K, V]{pageID: rightID, isLeaf: n.isLeaf}
		if n.isLeaf {
			right.keys = slices.Clone(n.keys[mid:])
			right.values = slices.Clone(n.values[mid:])
			right.next = n.next
			n.keys = n.keys[:mid]
			n.values = n.values[:mid]
			n.next = rightID
		} else {
			right.keys = slices.Clone(n.keys[mid+1:])
			right.children = slices.Clone(n.children[mid+1:])
			n.keys = n.keys[:mid]
			n.children = n.children[:mid+1]
		}
		if err := bt.writeNode(txn, right); err != nil {
			return err
		}
		if err := bt.writeNode(txn, n); err != nil {
			return err
		}

		if len(path) == 0 {
			// n was the root; grow a level.
			rootID, err := bt.bpm.AllocatePage(txn)
			if err != nil {
				return fmt.Errorf("growing index %s: %w", bt.name, err)
			}
			root := &node[K, V]{
				pageID:   rootID,
				isLeaf:   false,
				keys:     []K{sepKey},
				children: []pagestore.PageID{n.pageID, rightID},
			}
			if err := bt.writeNode(txn, root); err != nil {
				return err
			}
			hdr.Root = rootID
			hdr.Height++
			return bt.writeHeader(txn, hdr)
		}

		step := path[len(path)-1]
		path = path[:len(path)-1]
		parent, err := bt.fetchNode(step.pageID)
		if err != nil {
			return err
		}
		parent.keys = slices.Insert(parent.keys, step.childIdx, sepKey)
		parent.children = slices.Insert(parent.children, step.childIdx+1, rightID)
		if len(parent.keys) <= bt.order-1 {
			return bt.writeNode(txn, parent)
		}
		n = parent
	}
}

// Delete removes key, rebalancing underfull nodes by borrowing from a
// sibling or merging with one.
func (bt *BTree[K, V]) Delete(txn bufferpool.TxnContext, key K) error {
	hdr, err := bt.loadHeader()
	if err != nil {
		return err
	}
	path, leaf, err := bt.descend(hdr, key, true)
	if err != nil {
		return err
	}
	idx, found := slices.BinarySearchFunc(leaf.keys, key, bt.keyOrder)
	if !found {
		return fmt.Errorf("%w: %v in index %s", dberror.ErrKeyNotFound, key, bt.name)
	}
	leaf.keys = slices.Delete(leaf.keys, idx, idx+1)
	leaf.values = slices.Delete(leaf.values, idx, idx+1)
	if err := bt.writeNode(txn, leaf); err != nil {
		return err
	}
	return bt.rebalance(txn, hdr, path, leaf)
}

func (bt *BTree[K, V]) rebalance(txn bufferpool.TxnContext, hdr indexHeader, path []pathStep, n *node[K, V]) error {
	minKeys := bt.minKeys()
	for len(path) > 0 && len(n.keys) < minKeys {
		step := path[len(path)-1]
		path = path[:len(path)-1]
		parent, err := bt.fetchNode(step.pageID)
		if err != nil {
			return err
		}
		i := step.childIdx

		var left, right *node[K, V]
		if i > 0 {
			if left, err = bt.fetchNode(parent.children[i-1]); err != nil {
				return err
			}
			if len(left.keys) > minKeys {
				return bt.borrowFromLeft(txn, parent, left, n, i-1)
			}
		}
		if i < len(parent.children)-1 {
			if right, err = bt.fetchNode(parent.children[i+1]); err != nil {
				return err
			}
			if len(right.keys) > minKeys {
				return bt.borrowFromRight(txn, parent, n, right, i)
			}
		}
		if left != nil {
			err = bt.mergeNodes(txn, parent, left, n, i-1)
		} else {
			err = bt.mergeNodes(txn, parent, n, right, i)
		}
		if err != nil {
			return err
		}
		n = parent
	}

	if len(path) == 0 && !n.isLeaf && len(n.keys) == 0 {
		// The root lost its last separator; its lone child takes over.
		childID := n.children[0]
		if err := bt.bpm.FreePage(txn, n.pageID); err != nil {
			return err
		}
		hdr.Root = childID
		hdr.Height--
		bt.logger.Debug("Collapsed root", zap.String("index", bt.name), zap.Uint16("height", hdr.Height))
		return bt.writeHeader(txn, hdr)
	}
	return nil
}

// borrowFromLeft shifts the left sibling's greatest entry into n. For
// leaves the moved key becomes the new separator; for internals the
// rotation goes through the parent.
func (bt *BTree[K, V]) borrowFromLeft(txn bufferpool.TxnContext, parent, left, n *node[K, V], sepIdx int) error {
	last := len(left.keys) - 1
	if n.isLeaf {
		n.keys = slices.Insert(n.keys, 0, left.keys[last])
		n.values = slices.Insert(n.values, 0, left.values[last])
		left.keys = left.keys[:last]
		left.values = left.values[:last]
		parent.keys[sepIdx] = n.keys[0]
	} else {
		n.keys = slices.Insert(n.keys, 0, parent.keys[sepIdx])
		n.children = slices.Insert(n.children, 0, left.children[len(left.children)-1])
		parent.keys[sepIdx] = left.keys[last]
		left.keys = left.keys[:last]
		left.children = left.children[:len(left.children)-1]
	}
	if err := bt.writeNode(txn, left); err != nil {
		return err
	}
	if err := bt.writeNode(txn, n); err != nil {
		return err
	}
	return bt.writeNode(txn, parent)
}

// borrowFromRight shifts the right sibling's least entry into n.
func (bt *BTree[K, V]) borrowFromRight(txn bufferpool.TxnContext, parent, n, right *node[K, V], sepIdx int) error {
	if n.isLeaf {
		n.keys = append(n.keys, right.keys[0])
		n.values = append(n.values, right.values[0])
		right.keys = slices.Delete(right.keys, 0, 1)
		right.values = slices.Delete(right.values, 0, 1)
		parent.keys[sepIdx] = right.keys[0]
	} else {
		n.keys = append(n.keys, parent.keys[sepIdx])
		n.children = append(n.children, right.children[0])
		parent.keys[sepIdx] = right.keys[0]
		right.keys = slices.Delete(right.keys, 0, 1)
		right.children = slices.Delete(right.children, 0, 1)
	}
	if err := bt.writeNode(txn, right); err != nil {
		return err
	}
	if err := bt.writeNode(txn, n); err != nil {
		return err
	}
	return bt.writeNode(txn, parent)
}

// mergeNodes folds right into left and drops their separator from the
// parent. Leaf merges skip the separator (it already equals right's first
// key); internal merges pull it down. The right page is freed.
func (bt *BTree[K, V]) mergeNodes(txn bufferpool.TxnContext, parent, left, right *node[K, V], sepIdx int) error {
	if left.isLeaf {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.next = right.next
	} else {
		left.keys = append(left.keys, parent.keys[sepIdx])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}
	parent.keys = slices.Delete(parent.keys, sepIdx, sepIdx+1)
	parent.children = slices.Delete(parent.children, sepIdx+1, sepIdx+2)

	if err := bt.writeNode(txn, left); err != nil {
		return err
	}
	if err := bt.writeNode(txn, parent); err != nil {
		return err
	}
	return bt.bpm.FreePage(txn, right.pageID)
}
