package wal

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
)

// RecoveryResult summarizes what startup recovery found and repaired.
type RecoveryResult struct {
	MaxLSN          LSN
	MaxTxnID        uint64
	CheckpointLSN   LSN
	AnalyzedRecords int
	RedoneImages    int
	UndoneRecords   int
	LoserTxns       []uint64
}

// loserTxn is the analysis-pass state of a transaction that never reached a
// commit or abort record.
type loserTxn struct {
	firstLSN LSN
	lastLSN  LSN
	// records holds the transaction's chained records by LSN. After images
	// are dropped, undo only needs the before side.
	records map[LSN]*LogRecord
}

// Recover brings the data file back to a consistent state after a restart.
// It runs the classic three passes over the retained log:
//
//   - analysis finds the highest LSN and transaction id and the set of
//     transactions with no commit or abort record (the losers);
//   - redo repeats history, reapplying every logged after-image whose page
//     is behind it;
//   - undo walks each loser backwards, restoring before-images, writing
//     compensation records as it goes and closing each with an abort record.
//
// Recovery is idempotent: a crash in the middle leaves a log that the next
// run resumes from the last compensation record.
func Recover(lm *LogManager, dm *pagestore.DiskManager, logger *zap.Logger) (*RecoveryResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	result := &RecoveryResult{}

	losers, err := analysisPass(lm, result, logger)
	if err != nil {
		return nil, err
	}
	if err := redoPass(lm, dm, result); err != nil {
		return nil, err
	}
	if err := undoPass(lm, dm, losers, result, logger); err != nil {
		return nil, err
	}
	if err := lm.Sync(); err != nil {
		return nil, err
	}
	if err := dm.Sync(); err != nil {
		return nil, err
	}

	logger.Info("Recovery complete",
		zap.Int("analyzed_records", result.AnalyzedRecords),
		zap.Int("redone_images", result.RedoneImages),
		zap.Int("undone_records", result.UndoneRecords),
		zap.Uint64s("loser_txns", result.LoserTxns),
		zap.Uint64("max_lsn", uint64(result.MaxLSN)),
		zap.Uint64("max_txn_id", result.MaxTxnID))
	return result, nil
}

// analysisPass scans the whole retained log once, building the loser table.
// Committed and aborted transactions fall out of it as their terminal
// records are seen.
func analysisPass(lm *LogManager, result *RecoveryResult, logger *zap.Logger) (map[uint64]*loserTxn, error) {
	reader, err := lm.Replay(0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	losers := make(map[uint64]*loserTxn)
	for {
		rec, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		result.AnalyzedRecords++
		if rec.LSN > result.MaxLSN {
			result.MaxLSN = rec.LSN
		}
		if rec.TxnID > result.MaxTxnID {
			result.MaxTxnID = rec.TxnID
		}

		switch rec.Type {
		case LogRecordTypeBegin:
			losers[rec.TxnID] = &loserTxn{
				firstLSN: rec.LSN,
				lastLSN:  rec.LSN,
				records:  map[LSN]*LogRecord{rec.LSN: rec},
			}
		case LogRecordTypeCommit, LogRecordTypeAbort:
			delete(losers, rec.TxnID)
		case LogRecordTypeCheckpointStart:
			// Bounded by the matching end record; nothing to track.
		case LogRecordTypeCheckpointEnd:
			result.CheckpointLSN = rec.PrevLSN
		default:
			if rec.TxnID == 0 || rec.RedoOnly() && rec.Type != LogRecordTypeCompensation {
				// System-page image outside any transaction chain.
				continue
			}
			txn, ok := losers[rec.TxnID]
			if !ok {
				// No begin record in the retained log. Checkpoint truncation
				// removes whole segments but keeps everything back to the
				// oldest active transaction's begin, so a chain missing its
				// begin belongs to a transaction that had already finished;
				// its terminal record turns up further on.
				logger.Debug("Skipping record of a transaction begun before the retained log",
					zap.Uint64("lsn", uint64(rec.LSN)),
					zap.Uint64("txn_id", rec.TxnID))
				continue
			}
			rec.After = nil // undo only needs the before side
			txn.records[rec.LSN] = rec
			txn.lastLSN = rec.LSN
		}
	}
	for id := range losers {
		result.LoserTxns = append(result.LoserTxns, id)
	}
	return losers, nil
}

// redoPass repeats history: every update or compensation record whose
// after-image is newer than the page on disk is reapplied. The comparison
// uses the page's stamped LSN; a page whose checksum does not verify (torn
// write or never written) counts as older than everything.
func redoPass(lm *LogManager, dm *pagestore.DiskManager, result *RecoveryResult) error {
	reader, err := lm.Replay(0)
	if err != nil {
		return err
	}
	defer reader.Close()

	pageSize := dm.GetPageSize()
	buf := make([]byte, pageSize)
	for {
		rec, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if rec.Type != LogRecordTypeUpdate && rec.Type != LogRecordTypeCompensation {
			continue
		}
		if len(rec.After) == 0 {
			continue // compensation for a page allocation carries no image
		}
		if len(rec.After) != pageSize {
			return fmt.Errorf("%w: record %d carries a %d byte image, page size is %d",
				dberror.ErrWALCorrupted, rec.LSN, len(rec.After), pageSize)
		}

		if err := dm.ReadPageUnchecked(rec.PageID, buf); err != nil {
			return err
		}
		pageLSN := LSN(0)
		if pagestore.VerifyChecksum(buf) {
			pageLSN = pagestore.PageLSNOf(buf)
		}
		if pageLSN >= rec.LSN {
			continue
		}
		copy(buf, rec.After)
		pagestore.SetPageLSNOf(buf, rec.LSN)
		if err := dm.WritePage(rec.PageID, buf); err != nil {
			return err
		}
		result.RedoneImages++
	}
}

// undoPass rolls back every loser, newest record first across all of them.
// Each undone update gets a compensation record whose UndoNextLSN points
// past it, so a crash mid-undo resumes where it stopped instead of undoing
// twice.
func undoPass(lm *LogManager, dm *pagestore.DiskManager, losers map[uint64]*loserTxn, result *RecoveryResult, logger *zap.Logger) error {
	pending := make(map[uint64]LSN, len(losers))
	lastLSN := make(map[uint64]LSN, len(losers))
	for id, txn := range losers {
		pending[id] = txn.lastLSN
		lastLSN[id] = txn.lastLSN
	}

	finish := func(txnID uint64) error {
		abort := &LogRecord{
			PrevLSN: lastLSN[txnID],
			TxnID:   txnID,
			Type:    LogRecordTypeAbort,
		}
		if _, err := lm.Append(abort); err != nil {
			return err
		}
		delete(pending, txnID)
		logger.Info("Rolled back unfinished transaction", zap.Uint64("txn_id", txnID))
		return nil
	}

	for len(pending) > 0 {
		// Pick the loser whose next record to undo has the highest LSN.
		var txnID uint64
		var maxLSN LSN
		for id, lsn := range pending {
			if lsn >= maxLSN {
				txnID, maxLSN = id, lsn
			}
		}
		if maxLSN == InvalidLSN {
			if err := finish(txnID); err != nil {
				return err
			}
			continue
		}

		rec, ok := losers[txnID].records[maxLSN]
		if !ok {
			return fmt.Errorf("%w: undo chain of transaction %d references missing record %d",
				dberror.ErrWALCorrupted, txnID, maxLSN)
		}

		switch rec.Type {
		case LogRecordTypeBegin:
			pending[txnID] = InvalidLSN
		case LogRecordTypeCompensation:
			// Already-performed undo from a previous attempt. Skip over
			// everything it covered.
			pending[txnID] = rec.UndoNextLSN
		case LogRecordTypeUpdate:
			if err := undoUpdate(lm, dm, rec, lastLSN); err != nil {
				return err
			}
			result.UndoneRecords++
			pending[txnID] = rec.PrevLSN
		case LogRecordTypeNewPage:
			if err := undoAllocation(lm, dm, rec, lastLSN, logger); err != nil {
				return err
			}
			result.UndoneRecords++
			pending[txnID] = rec.PrevLSN
		case LogRecordTypeFreePage, LogRecordTypeHashResize:
			// Markers. The free itself is deferred until after commit, so an
			// aborted transaction has nothing to put back.
			pending[txnID] = rec.PrevLSN
		default:
			return fmt.Errorf("%w: record %d of type %s in undo chain of transaction %d",
				dberror.ErrWALCorrupted, rec.LSN, rec.Type, txnID)
		}
		if pending[txnID] == InvalidLSN {
			if err := finish(txnID); err != nil {
				return err
			}
		}
	}
	return nil
}

// undoUpdate restores the before-image of one update, logging a
// compensation record first and stamping its LSN on the page.
func undoUpdate(lm *LogManager, dm *pagestore.DiskManager, rec *LogRecord, lastLSN map[uint64]LSN) error {
	pageSize := dm.GetPageSize()
	if len(rec.Before) != pageSize {
		return fmt.Errorf("%w: record %d carries a %d byte before-image, page size is %d",
			dberror.ErrWALCorrupted, rec.LSN, len(rec.Before), pageSize)
	}
	clr := &LogRecord{
		PrevLSN:     lastLSN[rec.TxnID],
		TxnID:       rec.TxnID,
		Type:        LogRecordTypeCompensation,
		Flags:       FlagRedoOnly,
		PageID:      rec.PageID,
		UndoNextLSN: rec.PrevLSN,
		After:       rec.Before,
	}
	lsn, err := lm.Append(clr)
	if err != nil {
		return err
	}
	lastLSN[rec.TxnID] = lsn

	buf := make([]byte, pageSize)
	copy(buf, rec.Before)
	pagestore.SetPageLSNOf(buf, lsn)
	return dm.WritePage(rec.PageID, buf)
}

// undoAllocation returns a page handed to an unfinished transaction to the
// free list. The list mutation is logged as redo-only images before the
// pages are written, so a crash between the two replays the push rather
// than losing it.
func undoAllocation(lm *LogManager, dm *pagestore.DiskManager, rec *LogRecord, lastLSN map[uint64]LSN, logger *zap.Logger) error {
	clr := &LogRecord{
		PrevLSN:     lastLSN[rec.TxnID],
		TxnID:       rec.TxnID,
		Type:        LogRecordTypeCompensation,
		Flags:       FlagRedoOnly,
		PageID:      rec.PageID,
		UndoNextLSN: rec.PrevLSN,
	}
	clrLSN, err := lm.Append(clr)
	if err != nil {
		return err
	}
	lastLSN[rec.TxnID] = clrLSN

	if err := pushFreeRaw(lm, dm, rec.PageID); err != nil {
		return err
	}
	logger.Debug("Freed page of rolled-back allocation",
		zap.Uint64("page_id", uint64(rec.PageID)),
		zap.Uint64("txn_id", rec.TxnID))
	return nil
}

// pushFreeRaw links pageID into the free list working directly on raw
// pages. It is a repeat-safe mirror of the buffer pool's free-list push:
// when the page is already the head node, or already listed in it, a
// previous interrupted attempt got there first and there is nothing to do.
func pushFreeRaw(lm *LogManager, dm *pagestore.DiskManager, pageID pagestore.PageID) error {
	pageSize := dm.GetPageSize()
	metaBuf := make([]byte, pageSize)
	if err := dm.ReadPage(pagestore.InvalidPageID, metaBuf); err != nil {
		return err
	}
	meta, err := pagestore.DecodeMeta(metaBuf[pagestore.PageHeaderSize:], pageSize)
	if err != nil {
		return err
	}
	if meta.FreeListHead == pageID {
		return nil
	}

	var writes []struct {
		id    pagestore.PageID
		image []byte
	}

	appended := false
	if meta.FreeListHead != pagestore.InvalidPageID {
		headBuf := make([]byte, pageSize)
		if err := dm.ReadPage(meta.FreeListHead, headBuf); err != nil {
			return err
		}
		node, err := pagestore.DecodeFreeList(headBuf[pagestore.PageHeaderSize:])
		if err != nil {
			return err
		}
		for _, id := range node.IDs {
			if id == pageID {
				return nil
			}
		}
		if len(node.IDs) < pagestore.FreeListCapacity(pageSize) {
			node.IDs = append(node.IDs, pageID)
			if err := pagestore.EncodeFreeList(headBuf[pagestore.PageHeaderSize:], node); err != nil {
				return err
			}
			writes = append(writes, struct {
				id    pagestore.PageID
				image []byte
			}{meta.FreeListHead, headBuf})
			appended = true
		}
	}

	if !appended {
		// Head is full or absent: the freed page itself becomes the new,
		// empty head node.
		nodeBuf := make([]byte, pageSize)
		pagestore.SetPageTypeOf(nodeBuf, pagestore.PageTypeFreeList)
		if err := pagestore.EncodeFreeList(nodeBuf[pagestore.PageHeaderSize:], pagestore.FreeListNode{Next: meta.FreeListHead}); err != nil {
			return err
		}
		writes = append(writes, struct {
			id    pagestore.PageID
			image []byte
		}{pageID, nodeBuf})

		meta.FreeListHead = pageID
		pagestore.EncodeMeta(metaBuf[pagestore.PageHeaderSize:], meta)
		writes = append(writes, struct {
			id    pagestore.PageID
			image []byte
		}{pagestore.InvalidPageID, metaBuf})
	}

	var lastLSN LSN
	for _, w := range writes {
		recLSN, err := lm.Append(&LogRecord{
			Type:   LogRecordTypeUpdate,
			Flags:  FlagRedoOnly,
			PageID: w.id,
			After:  w.image,
		})
		if err != nil {
			return err
		}
		pagestore.SetPageLSNOf(w.image, recLSN)
		lastLSN = recLSN
	}
	if err := lm.Force(lastLSN); err != nil {
		return err
	}
	for _, w := range writes {
		if err := dm.WritePage(w.id, w.image); err != nil {
			return err
		}
	}
	return nil
}
