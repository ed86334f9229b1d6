package bufferpool

import (
	"fmt"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/wal"
)

// UndoEntry captures what rolling back one logged action needs. Entries are
// accumulated by the owning transaction in execution order and replayed
// backwards on rollback.
type UndoEntry struct {
	LSN     wal.LSN // the record being undone
	PrevLSN wal.LSN // where the transaction's chain continues before it
	PageID  pagestore.PageID
	Before  []byte // full page image prior to the change; nil for allocations
	Alloc   bool   // the entry is a page allocation, undone by freeing it
}

// TxnContext is the slice of a transaction the buffer pool needs: the log
// chain position, the undo list and the deferred frees. The transaction
// package implements it.
type TxnContext interface {
	TxnID() uint64
	LastLSN() wal.LSN
	SetLastLSN(lsn wal.LSN)
	RecordUndo(entry UndoEntry)
	DeferFree(pageID pagestore.PageID)
}

// MutatePage runs mutate against the latched page and logs the change as a
// full before/after image chained to the transaction. The caller must
// already hold a lock that keeps every other transaction off this page for
// the rest of both transactions; images of interleaved writers cannot be
// rolled back independently.
func (bpm *BufferPoolManager) MutatePage(txn TxnContext, pageID pagestore.PageID, mutate func(p *pagestore.Page) error) error {
	if pageID == pagestore.MetaPageID {
		return fmt.Errorf("%w: the reserved page only takes system mutations", dberror.ErrInvalidPageID)
	}
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return err
	}
	page.Lock()

	before := make([]byte, bpm.pageSize)
	copy(before, page.GetData())

	if err := mutate(page); err != nil {
		copy(page.GetData(), before)
		page.Unlock()
		if uerr := bpm.UnpinPage(pageID, false); uerr != nil {
			return uerr
		}
		return err
	}

	rec := &wal.LogRecord{
		PrevLSN: txn.LastLSN(),
		TxnID:   txn.TxnID(),
		Type:    wal.LogRecordTypeUpdate,
		PageID:  pageID,
		Before:  before,
		After:   page.GetData(),
	}
	lsn, err := bpm.logManager.Append(rec)
	if err != nil {
		copy(page.GetData(), before)
		page.Unlock()
		bpm.UnpinPage(pageID, false)
		return err
	}
	page.SetPageLSN(lsn)
	txn.SetLastLSN(lsn)
	txn.RecordUndo(UndoEntry{LSN: lsn, PrevLSN: rec.PrevLSN, PageID: pageID, Before: before})

	page.Unlock()
	return bpm.UnpinPage(pageID, true)
}

// appendSystemImage logs the page's current content as a redo-only image
// and stamps the record's LSN on it. System images sit outside transaction
// chains: the free list and file header are shared state whose changes are
// never rolled back. The caller holds allocMu and the page latch.
func (bpm *BufferPoolManager) appendSystemImage(page *pagestore.Page) (wal.LSN, error) {
	rec := &wal.LogRecord{
		Type:   wal.LogRecordTypeUpdate,
		Flags:  wal.FlagRedoOnly,
		PageID: page.GetPageID(),
		After:  page.GetData(),
	}
	lsn, err := bpm.logManager.Append(rec)
	if err != nil {
		return wal.InvalidLSN, err
	}
	page.SetPageLSN(lsn)
	return lsn, nil
}

// SystemMutateMeta applies mutate to the decoded reserved page under the
// allocation mutex and logs the result as a redo-only image.
func (bpm *BufferPoolManager) SystemMutateMeta(mutate func(m *pagestore.Meta)) (wal.LSN, error) {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	return bpm.systemMutateMetaLocked(mutate)
}

func (bpm *BufferPoolManager) systemMutateMetaLocked(mutate func(m *pagestore.Meta)) (wal.LSN, error) {
	metaPage, err := bpm.FetchPage(pagestore.MetaPageID)
	if err != nil {
		return wal.InvalidLSN, err
	}
	metaPage.Lock()
	meta, err := pagestore.DecodeMeta(metaPage.Payload(), bpm.pageSize)
	if err != nil {
		metaPage.Unlock()
		bpm.UnpinPage(pagestore.MetaPageID, false)
		return wal.InvalidLSN, err
	}
	mutate(&meta)
	pagestore.EncodeMeta(metaPage.Payload(), meta)
	lsn, err := bpm.appendSystemImage(metaPage)
	metaPage.Unlock()
	if uerr := bpm.UnpinPage(pagestore.MetaPageID, true); uerr != nil && err == nil {
		err = uerr
	}
	return lsn, err
}

// AllocatePage hands the transaction a fresh page: popped from the free
// list when one is there, otherwise the file grows by one. The free-list
// and header changes go to the log as redo-only images; a NewPage record in
// the transaction's chain makes the allocation itself undoable. The page
// enters the pool as a zeroed dirty frame, so stale disk content is never
// observed.
func (bpm *BufferPoolManager) AllocatePage(txn TxnContext) (pagestore.PageID, error) {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()

	metaPage, err := bpm.FetchPage(pagestore.MetaPageID)
	if err != nil {
		return pagestore.InvalidPageID, err
	}
	metaPage.Lock()
	releaseMeta := func(dirty bool) {
		metaPage.Unlock()
		bpm.UnpinPage(pagestore.MetaPageID, dirty)
	}

	meta, err := pagestore.DecodeMeta(metaPage.Payload(), bpm.pageSize)
	if err != nil {
		releaseMeta(false)
		return pagestore.InvalidPageID, err
	}

	var pageID pagestore.PageID
	if meta.FreeListHead != pagestore.InvalidPageID {
		pageID, err = bpm.popFreeLocked(metaPage, &meta)
		if err != nil {
			releaseMeta(false)
			return pagestore.InvalidPageID, err
		}
		releaseMeta(true)
	} else {
		pageID = pagestore.PageID(meta.NumPages)
		meta.NumPages++
		pagestore.EncodeMeta(metaPage.Payload(), meta)
		if _, err := bpm.appendSystemImage(metaPage); err != nil {
			releaseMeta(false)
			return pagestore.InvalidPageID, err
		}
		releaseMeta(true)
	}

	marker := &wal.LogRecord{
		PrevLSN: txn.LastLSN(),
		TxnID:   txn.TxnID(),
		Type:    wal.LogRecordTypeNewPage,
		PageID:  pageID,
	}
	lsn, err := bpm.logManager.Append(marker)
	if err != nil {
		return pagestore.InvalidPageID, err
	}
	txn.SetLastLSN(lsn)
	txn.RecordUndo(UndoEntry{LSN: lsn, PrevLSN: marker.PrevLSN, PageID: pageID, Alloc: true})

	bpm.mu.Lock()
	_, err = bpm.installFrameLocked(pageID)
	bpm.mu.Unlock()
	if err != nil {
		return pagestore.InvalidPageID, err
	}
	if err := bpm.UnpinPage(pageID, true); err != nil {
		return pagestore.InvalidPageID, err
	}
	return pageID, nil
}

// popFreeLocked takes one page off the free list. A head node with ids
// left gives up its last id; an empty head node is itself the allocation,
// with the header moving to its successor. Callers hold allocMu and the
// latched meta page; meta is re-encoded into it when the header changed.
func (bpm *BufferPoolManager) popFreeLocked(metaPage *pagestore.Page, meta *pagestore.Meta) (pagestore.PageID, error) {
	headID := meta.FreeListHead
	headPage, err := bpm.FetchPage(headID)
	if err != nil {
		return pagestore.InvalidPageID, err
	}
	headPage.Lock()
	node, err := pagestore.DecodeFreeList(headPage.Payload())
	if err != nil {
		headPage.Unlock()
		bpm.UnpinPage(headID, false)
		return pagestore.InvalidPageID, err
	}

	if n := len(node.IDs); n > 0 {
		pageID := node.IDs[n-1]
		node.IDs = node.IDs[:n-1]
		if err := pagestore.EncodeFreeList(headPage.Payload(), node); err != nil {
			headPage.Unlock()
			bpm.UnpinPage(headID, false)
			return pagestore.InvalidPageID, err
		}
		if _, err := bpm.appendSystemImage(headPage); err != nil {
			headPage.Unlock()
			bpm.UnpinPage(headID, false)
			return pagestore.InvalidPageID, err
		}
		headPage.Unlock()
		return pageID, bpm.UnpinPage(headID, true)
	}

	// Empty node: hand the node page itself out and advance the head.
	headPage.Unlock()
	if err := bpm.UnpinPage(headID, false); err != nil {
		return pagestore.InvalidPageID, err
	}
	meta.FreeListHead = node.Next
	pagestore.EncodeMeta(metaPage.Payload(), *meta)
	if _, err := bpm.appendSystemImage(metaPage); err != nil {
		return pagestore.InvalidPageID, err
	}
	return headID, nil
}

// FreePage records the transaction's intent to return pageID to the free
// list. The list itself is only touched after the commit record is durable;
// an abort simply forgets the intent. A crash in between leaks the page,
// which is safe.
func (bpm *BufferPoolManager) FreePage(txn TxnContext, pageID pagestore.PageID) error {
	if pageID == pagestore.MetaPageID {
		return fmt.Errorf("%w: the reserved page cannot be freed", dberror.ErrInvalidPageID)
	}
	marker := &wal.LogRecord{
		PrevLSN: txn.LastLSN(),
		TxnID:   txn.TxnID(),
		Type:    wal.LogRecordTypeFreePage,
		PageID:  pageID,
	}
	lsn, err := bpm.logManager.Append(marker)
	if err != nil {
		return err
	}
	txn.SetLastLSN(lsn)
	txn.DeferFree(pageID)
	return nil
}

// ReleaseFreedPages pushes the pages a committed transaction freed onto the
// free list. Their frames are dropped without write-back first; the content
// is dead.
func (bpm *BufferPoolManager) ReleaseFreedPages(pageIDs []pagestore.PageID) error {
	if len(pageIDs) == 0 {
		return nil
	}
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	for _, pageID := range pageIDs {
		bpm.InvalidatePage(pageID)
		if err := bpm.pushFreeLocked(pageID); err != nil {
			return err
		}
	}
	return nil
}

// pushFreeLocked links pageID into the free list: appended to the head node
// when it has room, otherwise the page itself becomes the new empty head.
// Callers hold allocMu.
func (bpm *BufferPoolManager) pushFreeLocked(pageID pagestore.PageID) error {
	metaPage, err := bpm.FetchPage(pagestore.MetaPageID)
	if err != nil {
		return err
	}
	metaPage.Lock()
	meta, err := pagestore.DecodeMeta(metaPage.Payload(), bpm.pageSize)
	if err != nil {
		metaPage.Unlock()
		bpm.UnpinPage(pagestore.MetaPageID, false)
		return err
	}

	if meta.FreeListHead != pagestore.InvalidPageID {
		headID := meta.FreeListHead
		headPage, err := bpm.FetchPage(headID)
		if err != nil {
			metaPage.Unlock()
			bpm.UnpinPage(pagestore.MetaPageID, false)
			return err
		}
		headPage.Lock()
		node, err := pagestore.DecodeFreeList(headPage.Payload())
		if err == nil && len(node.IDs) < pagestore.FreeListCapacity(bpm.pageSize) {
			node.IDs = append(node.IDs, pageID)
			if err = pagestore.EncodeFreeList(headPage.Payload(), node); err == nil {
				_, err = bpm.appendSystemImage(headPage)
			}
			headPage.Unlock()
			if uerr := bpm.UnpinPage(headID, true); uerr != nil && err == nil {
				err = uerr
			}
			metaPage.Unlock()
			if uerr := bpm.UnpinPage(pagestore.MetaPageID, false); uerr != nil && err == nil {
				err = uerr
			}
			return err
		}
		headPage.Unlock()
		if uerr := bpm.UnpinPage(headID, false); uerr != nil && err == nil {
			err = uerr
		}
		if err != nil {
			metaPage.Unlock()
			bpm.UnpinPage(pagestore.MetaPageID, false)
			return err
		}
	}

	// Head absent or full: the freed page becomes the new, empty head node.
	bpm.mu.Lock()
	nodePage, err := bpm.installFrameLocked(pageID)
	bpm.mu.Unlock()
	if err != nil {
		metaPage.Unlock()
		bpm.UnpinPage(pagestore.MetaPageID, false)
		return err
	}
	nodePage.Lock()
	nodePage.SetType(pagestore.PageTypeFreeList)
	if err := pagestore.EncodeFreeList(nodePage.Payload(), pagestore.FreeListNode{Next: meta.FreeListHead}); err == nil {
		_, err = bpm.appendSystemImage(nodePage)
	}
	nodePage.Unlock()
	if uerr := bpm.UnpinPage(pageID, true); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		metaPage.Unlock()
		bpm.UnpinPage(pagestore.MetaPageID, false)
		return err
	}

	meta.FreeListHead = pageID
	pagestore.EncodeMeta(metaPage.Payload(), meta)
	_, err = bpm.appendSystemImage(metaPage)
	metaPage.Unlock()
	if uerr := bpm.UnpinPage(pagestore.MetaPageID, true); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// ApplyUndo reverses one undo entry during a live rollback: a compensation
// record goes to the log, then the before-image is put back (or the
// allocated page freed). The compensation's UndoNextLSN lets crash recovery
// resume a half-done rollback instead of repeating it.
func (bpm *BufferPoolManager) ApplyUndo(txn TxnContext, entry UndoEntry) error {
	clr := &wal.LogRecord{
		PrevLSN:     txn.LastLSN(),
		TxnID:       txn.TxnID(),
		Type:        wal.LogRecordTypeCompensation,
		Flags:       wal.FlagRedoOnly,
		PageID:      entry.PageID,
		UndoNextLSN: entry.PrevLSN,
	}

	if entry.Alloc {
		lsn, err := bpm.logManager.Append(clr)
		if err != nil {
			return err
		}
		txn.SetLastLSN(lsn)
		bpm.allocMu.Lock()
		defer bpm.allocMu.Unlock()
		bpm.InvalidatePage(entry.PageID)
		return bpm.pushFreeLocked(entry.PageID)
	}

	if len(entry.Before) != bpm.pageSize {
		return fmt.Errorf("%w: undo entry for page %d has %d byte image",
			dberror.ErrTxnInvalidState, entry.PageID, len(entry.Before))
	}
	page, err := bpm.FetchPage(entry.PageID)
	if err != nil {
		return err
	}
	page.Lock()
	clr.After = entry.Before
	lsn, err := bpm.logManager.Append(clr)
	if err != nil {
		page.Unlock()
		bpm.UnpinPage(entry.PageID, false)
		return err
	}
	copy(page.GetData(), entry.Before)
	page.SetPageLSN(lsn)
	txn.SetLastLSN(lsn)
	page.Unlock()
	return bpm.UnpinPage(entry.PageID, true)
}
