package btree

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/transaction"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
	"github.com/granitedb/granite/core/write_engine/wal"
)

const testPageSize = 4096

func newBTreeEnv(t *testing.T) (*transaction.Manager, *bufferpool.BufferPoolManager) {
	t.Helper()
	dir := t.TempDir()

	dm, created, err := pagestore.NewDiskManager(filepath.Join(dir, "granite.db"), testPageSize, zap.NewNop())
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, dm.WritePage(pagestore.MetaPageID, pagestore.FormatMetaPage(testPageSize)))

	lm, err := wal.NewLogManager(wal.Config{Dir: filepath.Join(dir, "wal"), FlushInterval: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		lm.Close()
		dm.Close()
	})

	bpm, err := bufferpool.NewBufferPoolManager(64, dm, lm, zap.NewNop())
	require.NoError(t, err)
	return transaction.NewManager(lm, bpm, transaction.NewLockManager(time.Second, zap.NewNop()), 1, zap.NewNop()), bpm
}

func intStringSerializer() KeyValueSerializer[int64, string] {
	return KeyValueSerializer[int64, string]{
		SerializeKey:     SerializeInt64,
		DeserializeKey:   DeserializeInt64,
		SerializeValue:   SerializeString,
		DeserializeValue: DeserializeString,
	}
}

func newIntTree(t *testing.T, txn bufferpool.TxnContext, bpm *bufferpool.BufferPoolManager, order int) *BTree[int64, string] {
	t.Helper()
	bt, err := NewBTree(txn, "pk_test", order, DefaultKeyOrder[int64], intStringSerializer(), bpm, zap.NewNop())
	require.NoError(t, err)
	return bt
}

func mustBegin(t *testing.T, txns *transaction.Manager) *transaction.Transaction {
	t.Helper()
	txn, err := txns.Begin()
	require.NoError(t, err)
	return txn
}

func mustInsert(t *testing.T, bt *BTree[int64, string], txn bufferpool.TxnContext, keys ...int64) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, bt.Insert(txn, k, fmt.Sprintf("v%d", k)))
	}
}

func collectKeys(t *testing.T, bt *BTree[int64, string], low, high int64) []int64 {
	t.Helper()
	it, err := bt.Range(low, high)
	require.NoError(t, err)
	defer it.Close()
	var keys []int64
	for {
		k, v, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return keys
		}
		require.Equal(t, fmt.Sprintf("v%d", k), v)
		keys = append(keys, k)
	}
}

func TestBTreeConstructionValidation(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	defer func() { require.NoError(t, txns.Rollback(txn)) }()

	_, err := NewBTree(txn, "bad", 2, DefaultKeyOrder[int64], intStringSerializer(), bpm, zap.NewNop())
	require.ErrorIs(t, err, dberror.ErrInvalidOrder)

	_, err = NewBTree[int64, string](txn, "bad", 4, nil, intStringSerializer(), bpm, zap.NewNop())
	require.ErrorIs(t, err, dberror.ErrNilKeyOrder)

	incomplete := intStringSerializer()
	incomplete.DeserializeValue = nil
	_, err = NewBTree(txn, "bad", 4, DefaultKeyOrder[int64], incomplete, bpm, zap.NewNop())
	require.ErrorIs(t, err, dberror.ErrSerialization)
}

func TestBTreeInsertAndSearch(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	bt := newIntTree(t, txn, bpm, DefaultOrder)

	mustInsert(t, bt, txn, 3, 1, 2)

	v, found, err := bt.Search(2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", v)

	_, found, err = bt.Search(9)
	require.NoError(t, err)
	require.False(t, found)

	err = bt.Insert(txn, 2, "again")
	require.ErrorIs(t, err, dberror.ErrKeyAlreadyExists)

	require.NoError(t, bt.Put(txn, 2, "replaced"))
	v, found, err = bt.Search(2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "replaced", v)

	require.NoError(t, txns.Commit(txn))
}

// TestBTreeSplitBuildsTwoLevels drives one leaf past an order-4 node's
// three-key capacity and checks the resulting shape directly: a one-key
// root over two chained leaves, with the separator repeated as the right
// leaf's first key.
func TestBTreeSplitBuildsTwoLevels(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	bt := newIntTree(t, txn, bpm, 4)

	mustInsert(t, bt, txn, 10, 20, 5, 15, 25, 1)
	require.NoError(t, txns.Commit(txn))

	hdr, err := bt.loadHeader()
	require.NoError(t, err)
	require.Equal(t, uint16(2), hdr.Height)

	root, err := bt.fetchNode(hdr.Root)
	require.NoError(t, err)
	require.False(t, root.isLeaf)
	require.Equal(t, []int64{15}, root.keys)
	require.Len(t, root.children, 2)

	left, err := bt.fetchNode(root.children[0])
	require.NoError(t, err)
	require.True(t, left.isLeaf)
	require.Equal(t, []int64{1, 5, 10}, left.keys)
	require.Equal(t, []string{"v1", "v5", "v10"}, left.values)
	require.Equal(t, root.children[1], left.next)

	right, err := bt.fetchNode(root.children[1])
	require.NoError(t, err)
	require.True(t, right.isLeaf)
	require.Equal(t, []int64{15, 20, 25}, right.keys)
	require.Equal(t, pagestore.InvalidPageID, right.next)

	require.Equal(t, []int64{1, 5, 10, 15, 20, 25}, collectKeys(t, bt, 0, 100))
}

func TestBTreeManyInsertsStaySorted(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	bt := newIntTree(t, txn, bpm, 4)

	// Ascending inserts split the rightmost leaf over and over, growing
	// the tree several levels.
	want := make([]int64, 0, 40)
	for k := int64(1); k <= 40; k++ {
		mustInsert(t, bt, txn, k)
		want = append(want, k)
	}
	require.NoError(t, txns.Commit(txn))

	height, err := bt.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, height, 3)

	require.Equal(t, want, collectKeys(t, bt, 1, 40))
	for _, k := range []int64{1, 17, 40} {
		v, found, err := bt.Search(k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("v%d", k), v)
	}
}

// TestBTreeDeleteBorrowAndMerge walks an order-4 tree through the three
// rebalance outcomes: a plain delete, underflow fixed by borrowing from the
// right sibling, and a final merge that collapses the root back to a single
// leaf.
func TestBTreeDeleteBorrowAndMerge(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	bt := newIntTree(t, txn, bpm, 4)
	mustInsert(t, bt, txn, 10, 20, 5, 15, 25, 1)

	// [1 5 10] [15 20 25] under root [15].
	require.NoError(t, bt.Delete(txn, 1))
	require.NoError(t, bt.Delete(txn, 5))

	// Emptying the left leaf borrows 15 across; the separator follows.
	require.NoError(t, bt.Delete(txn, 10))
	v, found, err := bt.Search(15)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v15", v)
	height, err := bt.Height()
	require.NoError(t, err)
	require.Equal(t, 2, height)

	// Two more deletes force a merge and the root hands over to its lone
	// child.
	require.NoError(t, bt.Delete(txn, 15))
	require.NoError(t, bt.Delete(txn, 20))
	height, err = bt.Height()
	require.NoError(t, err)
	require.Equal(t, 1, height)
	require.Equal(t, []int64{25}, collectKeys(t, bt, 0, 100))

	require.NoError(t, txns.Commit(txn))

	// The merge and the root collapse each freed a page; commit published
	// them to the free list.
	meta, err := bpm.Meta()
	require.NoError(t, err)
	require.NotEqual(t, pagestore.InvalidPageID, meta.FreeListHead)
}

func TestBTreeDeleteMissingKey(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	bt := newIntTree(t, txn, bpm, 4)
	mustInsert(t, bt, txn, 7)

	require.ErrorIs(t, bt.Delete(txn, 8), dberror.ErrKeyNotFound)
	require.NoError(t, txns.Commit(txn))
}

func TestBTreeRangeBounds(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	bt := newIntTree(t, txn, bpm, 4)
	for k := int64(2); k <= 20; k += 2 {
		mustInsert(t, bt, txn, k)
	}
	require.NoError(t, txns.Commit(txn))

	// Both bounds are inclusive and need not be present themselves.
	require.Equal(t, []int64{4, 6, 8}, collectKeys(t, bt, 4, 8))
	require.Equal(t, []int64{4, 6, 8, 10, 12, 14, 16}, collectKeys(t, bt, 3, 17))
	require.Empty(t, collectKeys(t, bt, 21, 30))

	// An inverted range is exhausted from the start.
	it, err := bt.Range(9, 3)
	require.NoError(t, err)
	_, _, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)

	// Exhaustion is sticky, and Close is safe to repeat.
	it.Close()
	it.Close()
	_, _, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTreeReopenFromHeader(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	bt, err := NewBTree(txn, "orders_pk", 6, DefaultKeyOrder[int64], intStringSerializer(), bpm, zap.NewNop())
	require.NoError(t, err)
	mustInsert(t, bt, txn, 30, 10, 20)
	require.NoError(t, txns.Commit(txn))

	// Reopening reads the order back from the header page.
	reopened, err := OpenBTree(bt.HeaderPageID(), "orders_pk", DefaultKeyOrder[int64], intStringSerializer(), bpm, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 6, reopened.Order())
	require.Equal(t, "orders_pk", reopened.Name())

	v, found, err := reopened.Search(20)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v20", v)

	txn2 := mustBegin(t, txns)
	mustInsert(t, reopened, txn2, 40)
	require.NoError(t, txns.Commit(txn2))
	require.Equal(t, []int64{10, 20, 30, 40}, collectKeys(t, bt, 0, 100))
}

// TestBTreeRollbackRestoresStructure rolls back an insert that split the
// root and checks the tree is byte-for-byte back to one leaf: height, keys
// and the freed pages all recover, and the key can be inserted again.
func TestBTreeRollbackRestoresStructure(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	bt := newIntTree(t, txn, bpm, 4)
	mustInsert(t, bt, txn, 10, 20, 5)
	require.NoError(t, txns.Commit(txn))

	txn2 := mustBegin(t, txns)
	mustInsert(t, bt, txn2, 15)
	height, err := bt.Height()
	require.NoError(t, err)
	require.Equal(t, 2, height)
	require.NoError(t, txns.Rollback(txn2))

	height, err = bt.Height()
	require.NoError(t, err)
	require.Equal(t, 1, height)
	_, found, err := bt.Search(15)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, []int64{5, 10, 20}, collectKeys(t, bt, 0, 100))

	txn3 := mustBegin(t, txns)
	mustInsert(t, bt, txn3, 15)
	require.NoError(t, txns.Commit(txn3))
	require.Equal(t, []int64{5, 10, 15, 20}, collectKeys(t, bt, 0, 100))
}

func TestBTreeRejectsOversizedValue(t *testing.T) {
	txns, bpm := newBTreeEnv(t)
	txn := mustBegin(t, txns)
	bt := newIntTree(t, txn, bpm, DefaultOrder)

	err := bt.Insert(txn, 1, strings.Repeat("x", testPageSize+32))
	require.ErrorIs(t, err, dberror.ErrValueTooLargeForPage)

	// The failed write reverted the page, so the tree still works.
	mustInsert(t, bt, txn, 1)
	require.NoError(t, txns.Commit(txn))
	require.Equal(t, []int64{1}, collectKeys(t, bt, 0, 10))
}

func TestRowLocationListCodec(t *testing.T) {
	locs := []pagestore.RowLocation{
		{PageID: 3, Slot: 0},
		{PageID: 3, Slot: 7},
		{PageID: 9, Slot: 2},
	}
	data, err := SerializeRowLocations(locs)
	require.NoError(t, err)
	got, err := DeserializeRowLocations(data)
	require.NoError(t, err)
	require.Equal(t, locs, got)

	_, err = DeserializeRowLocations(data[:len(data)-1])
	require.ErrorIs(t, err, dberror.ErrDeserialization)
}
