package bufferpool

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/wal"
)

// BufferPoolManager caches pages in a fixed set of frames and fronts the
// DiskManager for everything above it. Eviction is LRU over unpinned
// frames, and a dirty frame is never written out before the log covering
// its last change is durable.
type BufferPoolManager struct {
	diskManager *pagestore.DiskManager
	logManager  *wal.LogManager
	logger      *zap.Logger
	poolSize    int
	pageSize    int

	mu         sync.Mutex
	pages      []*pagestore.Page
	pageTable  map[pagestore.PageID]int // PageID to frame index
	freeFrames []int                    // frames holding no page at all
	lruList    *list.List               // frame indices, front = most recent
	lruMap     map[int]*list.Element

	// allocMu serializes every mutation of the reserved page and the free
	// list: allocation, freeing and header updates.
	allocMu sync.Mutex
}

// NewBufferPoolManager builds a pool of poolSize frames over the given disk
// and log managers and verifies the reserved page decodes.
func NewBufferPoolManager(poolSize int, diskManager *pagestore.DiskManager, logManager *wal.LogManager, logger *zap.Logger) (*BufferPoolManager, error) {
	if diskManager == nil || logManager == nil {
		return nil, fmt.Errorf("buffer pool needs both a disk manager and a log manager")
	}
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer pool size must be positive, got %d", poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		logManager:  logManager,
		logger:      logger,
		poolSize:    poolSize,
		pageSize:    diskManager.GetPageSize(),
		pages:       make([]*pagestore.Page, poolSize),
		pageTable:   make(map[pagestore.PageID]int),
		freeFrames:  make([]int, 0, poolSize),
		lruList:     list.New(),
		lruMap:      make(map[int]*list.Element),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagestore.NewPage(pagestore.InvalidPageID, bpm.pageSize)
		bpm.freeFrames = append(bpm.freeFrames, i)
	}

	if _, err := bpm.Meta(); err != nil {
		return nil, fmt.Errorf("reserved page does not decode: %w", err)
	}
	logger.Info("Buffer pool initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize))
	return bpm, nil
}

// GetPageSize returns the page size the pool was built for.
func (bpm *BufferPoolManager) GetPageSize() int { return bpm.pageSize }

// FetchPage returns the requested page pinned. A pool miss takes a free
// frame, or evicts the least recently used unpinned one (writing it out if
// dirty, log first), and reads the page from disk.
func (bpm *BufferPoolManager) FetchPage(pageID pagestore.PageID) (*pagestore.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameIdx]
		page.Pin()
		if page.GetLruElement() != nil {
			bpm.lruList.MoveToFront(page.GetLruElement())
		}
		return page, nil
	}

	frameIdx, err := bpm.takeFrameLocked()
	if err != nil {
		return nil, err
	}
	page := bpm.pages[frameIdx]
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		bpm.freeFrames = append(bpm.freeFrames, frameIdx)
		return nil, err
	}
	bpm.adoptFrameLocked(frameIdx, pageID)
	page.SetDirty(false)
	return page, nil
}

// takeFrameLocked hands out an empty, reset frame: a never-used or freed
// one when available, else the LRU victim after writing it back. The
// returned frame is in neither the page table nor the LRU list. Callers
// hold bpm.mu.
func (bpm *BufferPoolManager) takeFrameLocked() (int, error) {
	if n := len(bpm.freeFrames); n > 0 {
		frameIdx := bpm.freeFrames[n-1]
		bpm.freeFrames = bpm.freeFrames[:n-1]
		bpm.pages[frameIdx].Reset()
		return frameIdx, nil
	}

	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		page := bpm.pages[frameIdx]
		if page.GetPinCount() != 0 {
			continue
		}
		if page.IsDirty() {
			// Write-ahead rule: the log covering the page goes first.
			if lsn := page.PageLSN(); lsn != pagestore.InvalidLSN {
				if err := bpm.logManager.Force(lsn); err != nil {
					return -1, fmt.Errorf("force log before evicting page %d: %w", page.GetPageID(), err)
				}
			}
			if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
				return -1, fmt.Errorf("write back evicted page %d: %w", page.GetPageID(), err)
			}
		}
		delete(bpm.pageTable, page.GetPageID())
		bpm.lruList.Remove(e)
		delete(bpm.lruMap, frameIdx)
		page.Reset()
		return frameIdx, nil
	}

	bpm.logger.Error("Buffer pool exhausted, every frame is pinned")
	return -1, dberror.ErrBufferPoolFull
}

// adoptFrameLocked registers the frame as holding pageID, pinned once and
// at the front of the LRU list. Callers hold bpm.mu.
func (bpm *BufferPoolManager) adoptFrameLocked(frameIdx int, pageID pagestore.PageID) {
	page := bpm.pages[frameIdx]
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.UpdatedAt(time.Now())
	bpm.pageTable[pageID] = frameIdx
	page.SetLruElement(bpm.lruList.PushFront(frameIdx))
	bpm.lruMap[frameIdx] = page.GetLruElement()
}

// installFrameLocked puts a zeroed, dirty, pinned frame for pageID into the
// pool without touching disk. Used for pages that were just allocated:
// their on-disk content is absent or stale and must never be read. Callers
// hold bpm.mu.
func (bpm *BufferPoolManager) installFrameLocked(pageID pagestore.PageID) (*pagestore.Page, error) {
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		// Stale frame from the page's previous life.
		page := bpm.pages[frameIdx]
		if page.GetPinCount() != 0 {
			return nil, fmt.Errorf("%w: freshly allocated page %d still pinned", dberror.ErrPagePinned, pageID)
		}
		data := page.GetData()
		for i := range data {
			data[i] = 0
		}
		page.Pin()
		page.SetDirty(true)
		page.UpdatedAt(time.Now())
		bpm.lruList.MoveToFront(page.GetLruElement())
		return page, nil
	}

	frameIdx, err := bpm.takeFrameLocked()
	if err != nil {
		return nil, err
	}
	page := bpm.pages[frameIdx]
	bpm.adoptFrameLocked(frameIdx, pageID)
	page.SetDirty(true)
	return page, nil
}

// UnpinPage drops one pin on the page, marking it dirty when the caller
// changed it.
func (bpm *BufferPoolManager) UnpinPage(pageID pagestore.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not in pool to unpin", dberror.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("Unpin of a page with zero pin count", zap.Uint64("page_id", uint64(pageID)))
		return fmt.Errorf("%w: page %d pin count already zero", dberror.ErrTxnInvalidState, pageID)
	}
	page.Unpin()
	if isDirty {
		page.SetDirty(true)
	}
	return nil
}

// FlushPage writes a dirty page out, forcing its covering log first.
func (bpm *BufferPoolManager) FlushPage(pageID pagestore.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not in pool to flush", dberror.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if !page.IsDirty() {
		return nil
	}
	if lsn := page.PageLSN(); lsn != pagestore.InvalidLSN {
		if err := bpm.logManager.Force(lsn); err != nil {
			return fmt.Errorf("force log before flushing page %d: %w", pageID, err)
		}
	}
	if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
		return err
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages writes out every dirty frame and syncs the data file. The
// whole log is synced once up front to satisfy the write-ahead rule in one
// go.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	if err := bpm.logManager.Sync(); err != nil {
		firstErr = err
	}
	for _, page := range bpm.pages {
		if page.GetLruElement() == nil || !page.IsDirty() {
			continue
		}
		if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			bpm.logger.Error("Flush of dirty page failed",
				zap.Uint64("page_id", uint64(page.GetPageID())), zap.Error(err))
			continue
		}
		page.SetDirty(false)
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// InvalidatePage drops the page's frame without writing it back. Called for
// pages returned to the free list: their content is dead and must not be
// flushed over a future reuse.
func (bpm *BufferPoolManager) InvalidatePage(pageID pagestore.PageID) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return
	}
	page := bpm.pages[frameIdx]
	if page.GetPinCount() != 0 {
		bpm.logger.Warn("Invalidating a pinned page",
			zap.Uint64("page_id", uint64(pageID)),
			zap.Uint32("pin_count", page.GetPinCount()))
	}
	delete(bpm.pageTable, pageID)
	if page.GetLruElement() != nil {
		bpm.lruList.Remove(page.GetLruElement())
		delete(bpm.lruMap, frameIdx)
	}
	page.Reset()
	bpm.freeFrames = append(bpm.freeFrames, frameIdx)
}

// Meta fetches and decodes the reserved page.
func (bpm *BufferPoolManager) Meta() (pagestore.Meta, error) {
	page, err := bpm.FetchPage(pagestore.MetaPageID)
	if err != nil {
		return pagestore.Meta{}, err
	}
	page.RLock()
	meta, err := pagestore.DecodeMeta(page.Payload(), bpm.pageSize)
	page.RUnlock()
	if uerr := bpm.UnpinPage(pagestore.MetaPageID, false); uerr != nil && err == nil {
		err = uerr
	}
	return meta, err
}
