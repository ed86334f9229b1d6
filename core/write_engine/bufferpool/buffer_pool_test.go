package bufferpool

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/wal"
)

const testPageSize = 4096

// testTxn is a minimal TxnContext: just the chain position, the undo list
// and the deferred frees.
type testTxn struct {
	id      uint64
	lastLSN wal.LSN
	undo    []UndoEntry
	freed   []pagestore.PageID
}

func (t *testTxn) TxnID() uint64                 { return t.id }
func (t *testTxn) LastLSN() wal.LSN              { return t.lastLSN }
func (t *testTxn) SetLastLSN(lsn wal.LSN)        { t.lastLSN = lsn }
func (t *testTxn) RecordUndo(e UndoEntry)        { t.undo = append(t.undo, e) }
func (t *testTxn) DeferFree(id pagestore.PageID) { t.freed = append(t.freed, id) }

func newTestPool(t *testing.T, poolSize int) (*BufferPoolManager, *pagestore.DiskManager) {
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

	bpm, err := NewBufferPoolManager(poolSize, dm, lm, zap.NewNop())
	require.NoError(t, err)
	return bpm, dm
}

func setPayload(s string) func(p *pagestore.Page) error {
	return func(p *pagestore.Page) error {
		p.SetType(pagestore.PageTypeHeap)
		copy(p.Payload(), s)
		return nil
	}
}

func readPayload(t *testing.T, bpm *BufferPoolManager, id pagestore.PageID, n int) string {
	t.Helper()
	p, err := bpm.FetchPage(id)
	require.NoError(t, err)
	s := string(p.Payload()[:n])
	require.NoError(t, bpm.UnpinPage(id, false))
	return s
}

func TestFetchPagePinsAndCaches(t *testing.T) {
	bpm, dm := newTestPool(t, 8)

	img := make([]byte, testPageSize)
	pagestore.SetPageTypeOf(img, pagestore.PageTypeHeap)
	copy(img[pagestore.PageHeaderSize:], "cached")
	require.NoError(t, dm.WritePage(1, img))

	p1, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), p1.GetPinCount())
	require.Equal(t, "cached", string(p1.Payload()[:6]))

	p2, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.Same(t, p1, p2, "a second fetch hits the cached frame")
	require.Equal(t, uint32(2), p1.GetPinCount())

	require.NoError(t, bpm.UnpinPage(1, false))
	require.NoError(t, bpm.UnpinPage(1, false))
	err = bpm.UnpinPage(1, false)
	require.Error(t, err, "pin count cannot go below zero")
}

func TestAllocatePageGrowsFile(t *testing.T) {
	bpm, _ := newTestPool(t, 8)
	txn := &testTxn{id: 1}

	first, err := bpm.AllocatePage(txn)
	require.NoError(t, err)
	require.Equal(t, pagestore.PageID(1), first, "page 0 is reserved, growth starts at 1")
	second, err := bpm.AllocatePage(txn)
	require.NoError(t, err)
	require.Equal(t, pagestore.PageID(2), second)

	meta, err := bpm.Meta()
	require.NoError(t, err)
	require.Equal(t, uint64(3), meta.NumPages)

	require.Len(t, txn.undo, 2)
	require.True(t, txn.undo[0].Alloc)
	require.Equal(t, first, txn.undo[0].PageID)
	require.NotZero(t, txn.lastLSN, "allocation markers join the transaction's chain")

	// The fresh page shows up zeroed, whatever the disk held there before.
	p, err := bpm.FetchPage(first)
	require.NoError(t, err)
	require.True(t, pagestore.IsZeroPage(p.GetData()))
	require.NoError(t, bpm.UnpinPage(first, false))
}

func TestMutatePageLogsFullImages(t *testing.T) {
	bpm, dm := newTestPool(t, 8)
	txn := &testTxn{id: 3}

	pageID, err := bpm.AllocatePage(txn)
	require.NoError(t, err)
	chainBefore := txn.lastLSN

	require.NoError(t, bpm.MutatePage(txn, pageID, setPayload("hello")))

	require.Len(t, txn.undo, 2)
	entry := txn.undo[1]
	require.False(t, entry.Alloc)
	require.Equal(t, pageID, entry.PageID)
	require.Equal(t, chainBefore, entry.PrevLSN)
	require.Len(t, entry.Before, testPageSize)
	require.True(t, pagestore.IsZeroPage(entry.Before), "the before-image is the pre-change page")
	require.Equal(t, entry.LSN, txn.lastLSN)

	// Flush and read the file directly: the change and its LSN stamp are on
	// the page.
	require.NoError(t, bpm.FlushPage(pageID))
	buf := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(pageID, buf))
	require.Equal(t, "hello", string(buf[pagestore.PageHeaderSize:pagestore.PageHeaderSize+5]))
	require.Equal(t, entry.LSN, pagestore.PageLSNOf(buf))
}

func TestMutatePageRejectsReservedPage(t *testing.T) {
	bpm, _ := newTestPool(t, 8)
	err := bpm.MutatePage(&testTxn{id: 1}, pagestore.MetaPageID, setPayload("no"))
	require.ErrorIs(t, err, dberror.ErrInvalidPageID)
}

// TestMutatePageRevertsOnError checks a failing mutate leaves no trace: the
// page content, its dirty state and the log are all untouched.
func TestMutatePageRevertsOnError(t *testing.T) {
	bpm, _ := newTestPool(t, 8)
	txn := &testTxn{id: 4}

	pageID, err := bpm.AllocatePage(txn)
	require.NoError(t, err)
	require.NoError(t, bpm.FlushAllPages())
	undoLen, chain := len(txn.undo), txn.lastLSN

	boom := errors.New("mutate failed")
	err = bpm.MutatePage(txn, pageID, func(p *pagestore.Page) error {
		copy(p.Payload(), "partial")
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := bpm.FetchPage(pageID)
	require.NoError(t, err)
	require.True(t, pagestore.IsZeroPage(p.GetData()), "the scribbled payload was rolled back")
	require.False(t, p.IsDirty())
	require.NoError(t, bpm.UnpinPage(pageID, false))
	require.Len(t, txn.undo, undoLen)
	require.Equal(t, chain, txn.lastLSN)
}

// TestEvictionRoundTrip works a pool far smaller than the page set and
// checks every page survives being evicted and refetched.
func TestEvictionRoundTrip(t *testing.T) {
	bpm, _ := newTestPool(t, 2)
	txn := &testTxn{id: 5}

	const pages = 6
	ids := make([]pagestore.PageID, 0, pages)
	for i := 0; i < pages; i++ {
		id, err := bpm.AllocatePage(txn)
		require.NoError(t, err)
		require.NoError(t, bpm.MutatePage(txn, id, setPayload("page "+string(rune('A'+i)))))
		ids = append(ids, id)
	}
	for i, id := range ids {
		require.Equal(t, "page "+string(rune('A'+i)), readPayload(t, bpm, id, 6))
	}
}

func TestFetchFailsWhenAllFramesPinned(t *testing.T) {
	bpm, dm := newTestPool(t, 1)

	img := make([]byte, testPageSize)
	pagestore.SetPageTypeOf(img, pagestore.PageTypeHeap)
	require.NoError(t, dm.WritePage(1, img))
	require.NoError(t, dm.WritePage(2, img))

	_, err := bpm.FetchPage(1)
	require.NoError(t, err)
	_, err = bpm.FetchPage(2)
	require.ErrorIs(t, err, dberror.ErrBufferPoolFull)

	require.NoError(t, bpm.UnpinPage(1, false))
	_, err = bpm.FetchPage(2)
	require.NoError(t, err, "unpinning makes the frame evictable again")
	require.NoError(t, bpm.UnpinPage(2, false))
}

// TestFreeListCycle frees pages through the deferred path and checks the
// allocator reuses them, draining ids first and then consuming the empty
// head node itself.
func TestFreeListCycle(t *testing.T) {
	bpm, _ := newTestPool(t, 8)
	txn := &testTxn{id: 6}

	var ids []pagestore.PageID
	for i := 0; i < 3; i++ {
		id, err := bpm.AllocatePage(txn)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, bpm.FreePage(txn, ids[1]))
	require.NoError(t, bpm.FreePage(txn, ids[2]))
	require.Equal(t, []pagestore.PageID{ids[1], ids[2]}, txn.freed,
		"frees are deferred to commit, not applied immediately")
	meta, err := bpm.Meta()
	require.NoError(t, err)
	require.Equal(t, pagestore.InvalidPageID, meta.FreeListHead)

	require.NoError(t, bpm.ReleaseFreedPages(txn.freed))
	meta, err = bpm.Meta()
	require.NoError(t, err)
	require.Equal(t, ids[1], meta.FreeListHead, "the first freed page became the head node")

	// ids[2] sits in the head node's id stack and comes back first.
	got, err := bpm.AllocatePage(txn)
	require.NoError(t, err)
	require.Equal(t, ids[2], got)

	// Then the now-empty head node itself is handed out.
	got, err = bpm.AllocatePage(txn)
	require.NoError(t, err)
	require.Equal(t, ids[1], got)
	meta, err = bpm.Meta()
	require.NoError(t, err)
	require.Equal(t, pagestore.InvalidPageID, meta.FreeListHead)

	// Empty list again: the file grows instead.
	got, err = bpm.AllocatePage(txn)
	require.NoError(t, err)
	require.Equal(t, pagestore.PageID(4), got)
}

// TestApplyUndoRestoresImages drives a manual rollback through the undo
// entries in reverse, ending with the allocation itself, which returns the
// page to the free list.
func TestApplyUndoRestoresImages(t *testing.T) {
	bpm, _ := newTestPool(t, 8)
	txn := &testTxn{id: 7}

	pageID, err := bpm.AllocatePage(txn)
	require.NoError(t, err)
	require.NoError(t, bpm.MutatePage(txn, pageID, setPayload("v1")))
	require.NoError(t, bpm.MutatePage(txn, pageID, setPayload("v2")))
	require.Len(t, txn.undo, 3)
	require.Equal(t, "v2", readPayload(t, bpm, pageID, 2))

	require.NoError(t, bpm.ApplyUndo(txn, txn.undo[2]))
	require.Equal(t, "v1", readPayload(t, bpm, pageID, 2))

	require.NoError(t, bpm.ApplyUndo(txn, txn.undo[1]))
	p, err := bpm.FetchPage(pageID)
	require.NoError(t, err)
	require.True(t, pagestore.IsZeroPage(p.GetData()))
	require.NoError(t, bpm.UnpinPage(pageID, false))

	require.NoError(t, bpm.ApplyUndo(txn, txn.undo[0]))
	meta, err := bpm.Meta()
	require.NoError(t, err)
	require.Equal(t, pageID, meta.FreeListHead, "the undone allocation is free again")
}

func TestSystemMutateMetaSurvivesReopen(t *testing.T) {
	bpm, dm := newTestPool(t, 8)

	lsn, err := bpm.SystemMutateMeta(func(m *pagestore.Meta) { m.CheckpointLSN = 41 })
	require.NoError(t, err)
	require.NotZero(t, lsn)

	meta, err := bpm.Meta()
	require.NoError(t, err)
	require.Equal(t, pagestore.LSN(41), meta.CheckpointLSN)

	require.NoError(t, bpm.FlushAllPages())
	buf := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(pagestore.MetaPageID, buf))
	onDisk, err := pagestore.DecodeMeta(buf[pagestore.PageHeaderSize:], testPageSize)
	require.NoError(t, err)
	require.Equal(t, pagestore.LSN(41), onDisk.CheckpointLSN)
	require.Equal(t, lsn, pagestore.PageLSNOf(buf), "system images stamp their LSN on the page")
}
