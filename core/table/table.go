// Package table implements heap-backed tables: slotted row pages in a
// chain, a unique primary tree index, a hash index for point gets, and any
// number of secondary indexes.
//
// Locking protocol. Writers take an exclusive table lock held to commit:
// undo works with whole-page before-images, so two uncommitted
// transactions must never interleave writes on one page, and rows share
// pages. Writers additionally lock the rows they touch so that point
// reads, which take only a row share lock and no table lock at all, stay
// concurrent with writers of other rows. Scans take a table share lock.
// DDL locks the catalog ahead of the table, always in that order.
//
// Every operation validates against the schema, and on an index failure
// rolls the half-applied operation back with the transaction's own undo
// entries before surfacing the error.
package table

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/indexmanager"
	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/transaction"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
	"github.com/granitedb/granite/core/write_engine/wal"
)

// PrimaryIndexName addresses the primary key index in range scans.
const PrimaryIndexName = "primary"

// catalogResource is the lock resource serializing all catalog writers.
// Catalog pages are shared by every table, so DDL must not interleave on
// them any more than row writers may interleave on a heap page.
const catalogResource = "catalog"

var errRowDoesNotFit = errors.New("row does not fit in page")

// Table is one open table. head is fixed at create time; tail is a cached
// cursor that may trail behind the real chain end (heapAppend follows the
// links forward) but must never point past it, which is why the engine
// drops cached Table objects for every table a rolled-back transaction
// touched. mu guards the in-memory structures: writers hold it exclusively
// per operation, point readers share it around index lookups, and rollback
// holds it via LockStructure while page images are restored underneath.
type Table struct {
	name      string
	schema    catalog.Schema
	pkIdx     int
	head      pagestore.PageID
	tail      pagestore.PageID
	cat       *catalog.Catalog
	bpm       *bufferpool.BufferPoolManager
	locks     *transaction.LockManager
	primary   indexmanager.RowIndex
	hashIdx   *indexmanager.HashIndexManager
	secondary map[string]indexmanager.RowIndex
	secCols   map[string]int
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Create materializes a new table inside txn: one empty heap page, the
// primary tree, the hash index, and the catalog entry. It locks the
// catalog and the table name exclusively, so concurrent writers cannot
// reach the structure before the creating transaction commits.
func Create(ctx context.Context, txn *transaction.Transaction, name string, schema catalog.Schema, btreeOrder, hashBuckets int, cat *catalog.Catalog, bpm *bufferpool.BufferPoolManager, lm *wal.LogManager, locks *transaction.LockManager, logger *zap.Logger) (*Table, error) {
	if err := catalog.ValidateTableName(name); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if err := locks.Acquire(ctx, txn.TxnID(), catalogResource, transaction.LockX); err != nil {
		return nil, err
	}
	if err := locks.Acquire(ctx, txn.TxnID(), "table:"+name, transaction.LockX); err != nil {
		return nil, err
	}

	heapID, err := bpm.AllocatePage(txn)
	if err != nil {
		return nil, fmt.Errorf("allocating heap for table %s: %w", name, err)
	}
	if err := bpm.MutatePage(txn, heapID, func(page *pagestore.Page) error {
		return encodeHeapPage(page, &heapPage{pageID: heapID})
	}); err != nil {
		return nil, err
	}

	pkType := schema.Columns[schema.PrimaryKeyIndex()].Type
	primary, err := indexmanager.CreateRowIndex(txn, PrimaryIndexName, pkType, true, btreeOrder, bpm, logger)
	if err != nil {
		return nil, err
	}
	hashIdx, err := indexmanager.CreateHashIndex(txn, name, hashBuckets, bpm, lm, logger)
	if err != nil {
		return nil, err
	}

	meta := catalog.TableMeta{
		Name:         name,
		Schema:       schema,
		HeapHead:     heapID,
		PrimaryIndex: primary.HeaderPageID(),
		HashMeta:     hashIdx.MetaPageID(),
	}
	if err := cat.Put(txn, meta); err != nil {
		return nil, err
	}

	t := newTable(meta, cat, bpm, locks, logger)
	t.primary = primary
	t.hashIdx = hashIdx
	t.logger.Info("Created table",
		zap.String("table", name),
		zap.Int("columns", len(schema.Columns)),
		zap.Uint64("heap_head", uint64(heapID)))
	return t, nil
}

// Open attaches to an existing table from its catalog entry.
func Open(meta catalog.TableMeta, cat *catalog.Catalog, bpm *bufferpool.BufferPoolManager, lm *wal.LogManager, locks *transaction.LockManager, logger *zap.Logger) (*Table, error) {
	t := newTable(meta, cat, bpm, locks, logger)
	pkType := meta.Schema.Columns[t.pkIdx].Type

	primary, err := indexmanager.OpenRowIndex(meta.PrimaryIndex, PrimaryIndexName, pkType, true, bpm, logger)
	if err != nil {
		return nil, fmt.Errorf("opening primary index of %s: %w", meta.Name, err)
	}
	t.primary = primary

	hashIdx, err := indexmanager.OpenHashIndex(meta.HashMeta, meta.Name, bpm, lm, logger)
	if err != nil {
		return nil, fmt.Errorf("opening hash index of %s: %w", meta.Name, err)
	}
	t.hashIdx = hashIdx

	for _, sec := range meta.Secondary {
		col := meta.Schema.ColumnIndex(sec.Column)
		if col < 0 {
			return nil, fmt.Errorf("%w: index %s covers unknown column %q",
				dberror.ErrSchemaViolation, sec.Name, sec.Column)
		}
		idx, err := indexmanager.OpenRowIndex(sec.HeaderPage, sec.Name, meta.Schema.Columns[col].Type, false, bpm, logger)
		if err != nil {
			return nil, fmt.Errorf("opening index %s of %s: %w", sec.Name, meta.Name, err)
		}
		t.secondary[sec.Name] = idx
		t.secCols[sec.Name] = col
	}
	return t, nil
}

func newTable(meta catalog.TableMeta, cat *catalog.Catalog, bpm *bufferpool.BufferPoolManager, locks *transaction.LockManager, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		name:      meta.Name,
		schema:    meta.Schema,
		pkIdx:     meta.Schema.PrimaryKeyIndex(),
		head:      meta.HeapHead,
		tail:      meta.HeapHead,
		cat:       cat,
		bpm:       bpm,
		locks:     locks,
		secondary: make(map[string]indexmanager.RowIndex),
		secCols:   make(map[string]int),
		logger:    logger.Named("table"),
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Schema returns the table's schema.
func (t *Table) Schema() catalog.Schema { return t.schema }

// Indexes returns the secondary index names, sorted.
func (t *Table) Indexes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.secondaryNamesLocked()
}

func (t *Table) secondaryNamesLocked() []string {
	names := make([]string, 0, len(t.secondary))
	for name := range t.secondary {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LockStructure excludes every reader and writer of the table's in-memory
// structures. Rollback restores page images underneath the indexes, so the
// engine stalls the table for the duration; release with UnlockStructure.
func (t *Table) LockStructure() { t.mu.Lock() }

// UnlockStructure releases LockStructure.
func (t *Table) UnlockStructure() { t.mu.Unlock() }

func (t *Table) tableResource() string {
	return "table:" + t.name
}

func (t *Table) rowResource(key catalog.Value) string {
	return "row:" + t.name + ":" + hex.EncodeToString(key.KeyBytes())
}

// undoPartial reverses the operation's own page changes and forgets its
// free intents, leaving the rest of the transaction intact. The tail
// cursor drops back to the head: the undo may just have unlinked a chain
// page the cursor pointed at.
func (t *Table) undoPartial(txn *transaction.Transaction, undoMark, freeMark int) error {
	t.tail = t.head
	for _, entry := range txn.UndoSince(undoMark) {
		if err := t.bpm.ApplyUndo(txn, entry); err != nil {
			return err
		}
	}
	txn.TruncateUndo(undoMark)
	txn.TruncateFrees(freeMark)
	return nil
}

func (t *Table) requireActive(txn *transaction.Transaction) error {
	if txn == nil || txn.State() != transaction.StateActive {
		return fmt.Errorf("%w: table %s requires an active transaction", dberror.ErrTxnInvalidState, t.name)
	}
	return nil
}

// Insert adds one row, failing with ErrKeyAlreadyExists on a duplicate
// primary key. It returns the row's location.
func (t *Table) Insert(ctx context.Context, txn *transaction.Transaction, row []catalog.Value) (pagestore.RowLocation, error) {
	var zero pagestore.RowLocation
	if err := t.requireActive(txn); err != nil {
		return zero, err
	}
	if err := t.schema.ValidateRow(row); err != nil {
		return zero, err
	}
	pk := row[t.pkIdx]
	if err := t.locks.Acquire(ctx, txn.TxnID(), t.tableResource(), transaction.LockX); err != nil {
		return zero, err
	}
	if err := t.locks.Acquire(ctx, txn.TxnID(), t.rowResource(pk), transaction.LockX); err != nil {
		return zero, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, found, err := t.hashIdx.Find(pk); err != nil {
		return zero, err
	} else if found {
		return zero, fmt.Errorf("%w: primary key %s in table %s", dberror.ErrKeyAlreadyExists, pk, t.name)
	}

	undoMark, freeMark := txn.UndoMark(), txn.FreeMark()
	loc, err := t.insertLocked(txn, row, pk)
	if err != nil {
		if uerr := t.undoPartial(txn, undoMark, freeMark); uerr != nil {
			return zero, fmt.Errorf("%w (undoing half-applied insert also failed: %v)", err, uerr)
		}
		return zero, err
	}
	return loc, nil
}

func (t *Table) insertLocked(txn *transaction.Transaction, row []catalog.Value, pk catalog.Value) (pagestore.RowLocation, error) {
	var zero pagestore.RowLocation
	rowBytes, err := catalog.EncodeRow(nil, row)
	if err != nil {
		return zero, err
	}
	if len(rowBytes) > maxHeapRowSize(t.bpm.GetPageSize()) {
		return zero, fmt.Errorf("%w: row of %d bytes in table %s",
			dberror.ErrValueTooLargeForPage, len(rowBytes), t.name)
	}

	loc, err := t.heapAppend(txn, rowBytes)
	if err != nil {
		return zero, err
	}
	if err := t.primary.Insert(txn, pk, loc); err != nil {
		return zero, err
	}
	if err := t.hashIdx.Insert(txn, pk, loc); err != nil {
		return zero, err
	}
	for _, name := range t.secondaryNamesLocked() {
		v := row[t.secCols[name]]
		if v.IsNull() {
			continue
		}
		if err := t.secondary[name].Insert(txn, v, loc); err != nil {
			return zero, err
		}
	}
	return loc, nil
}

// heapAppend places rowBytes on the tail page, growing the chain when the
// tail is full. The cached tail cursor may trail behind the chain end when
// another transaction grew the chain after this table was opened, so the
// append first follows the links forward.
func (t *Table) heapAppend(txn *transaction.Transaction, rowBytes []byte) (pagestore.RowLocation, error) {
	var zero pagestore.RowLocation
	tail, err := t.fetchHeapPage(t.tail)
	if err != nil {
		return zero, err
	}
	for tail.next != pagestore.InvalidPageID {
		if tail, err = t.fetchHeapPage(tail.next); err != nil {
			return zero, err
		}
	}
	t.tail = tail.pageID

	if slot, ok := tail.tryAddRow(rowBytes, t.payloadSize()); ok {
		if err := t.writeHeapPage(txn, tail); err != nil {
			return zero, err
		}
		return pagestore.RowLocation{PageID: tail.pageID, Slot: uint16(slot)}, nil
	}

	newID, err := t.bpm.AllocatePage(txn)
	if err != nil {
		return zero, fmt.Errorf("growing heap of table %s: %w", t.name, err)
	}
	fresh := &heapPage{pageID: newID}
	slot, ok := fresh.tryAddRow(rowBytes, t.payloadSize())
	if !ok {
		return zero, fmt.Errorf("%w: row of %d bytes in table %s",
			dberror.ErrValueTooLargeForPage, len(rowBytes), t.name)
	}
	if err := t.writeHeapPage(txn, fresh); err != nil {
		return zero, err
	}
	tail.next = newID
	if err := t.writeHeapPage(txn, tail); err != nil {
		return zero, err
	}
	t.tail = newID
	return pagestore.RowLocation{PageID: newID, Slot: uint16(slot)}, nil
}

// Update replaces the row stored under key with newRow. The row stays in
// place when the new bytes fit and the primary key is unchanged; otherwise
// it relocates, or re-keys, and every index is repointed.
func (t *Table) Update(ctx context.Context, txn *transaction.Transaction, key catalog.Value, newRow []catalog.Value) error {
	if err := t.requireActive(txn); err != nil {
		return err
	}
	if err := t.schema.ValidateRow(newRow); err != nil {
		return err
	}
	newPK := newRow[t.pkIdx]
	cmp, err := key.Compare(newPK)
	if err != nil {
		return err
	}
	pkChanged := cmp != 0

	if err := t.locks.Acquire(ctx, txn.TxnID(), t.tableResource(), transaction.LockX); err != nil {
		return err
	}
	// Both row locks, in resource order, so two updates crossing the same
	// pair of keys cannot deadlock.
	resources := []string{t.rowResource(key)}
	if pkChanged {
		resources = append(resources, t.rowResource(newPK))
		sort.Strings(resources)
	}
	for _, res := range resources {
		if err := t.locks.Acquire(ctx, txn.TxnID(), res, transaction.LockX); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	oldLoc, found, err := t.hashIdx.Find(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: primary key %s in table %s", dberror.ErrKeyNotFound, key, t.name)
	}
	if pkChanged {
		if _, dup, err := t.hashIdx.Find(newPK); err != nil {
			return err
		} else if dup {
			return fmt.Errorf("%w: primary key %s in table %s", dberror.ErrKeyAlreadyExists, newPK, t.name)
		}
	}
	oldRow, err := t.readRowAt(oldLoc)
	if err != nil {
		return err
	}

	undoMark, freeMark := txn.UndoMark(), txn.FreeMark()
	if err := t.updateLocked(txn, key, newPK, pkChanged, oldLoc, oldRow, newRow); err != nil {
		if uerr := t.undoPartial(txn, undoMark, freeMark); uerr != nil {
			return fmt.Errorf("%w (undoing half-applied update also failed: %v)", err, uerr)
		}
		return err
	}
	return nil
}

func (t *Table) updateLocked(txn *transaction.Transaction, key, newPK catalog.Value, pkChanged bool, oldLoc pagestore.RowLocation, oldRow, newRow []catalog.Value) error {
	newBytes, err := catalog.EncodeRow(nil, newRow)
	if err != nil {
		return err
	}
	if len(newBytes) > maxHeapRowSize(t.bpm.GetPageSize()) {
		return fmt.Errorf("%w: row of %d bytes in table %s",
			dberror.ErrValueTooLargeForPage, len(newBytes), t.name)
	}

	newLoc := oldLoc
	err = t.bpm.MutatePage(txn, oldLoc.PageID, func(page *pagestore.Page) error {
		hp, err := decodeHeapPage(page)
		if err != nil {
			return err
		}
		if !hp.updateRow(int(oldLoc.Slot), newBytes, t.payloadSize()) {
			return errRowDoesNotFit
		}
		return encodeHeapPage(page, hp)
	})
	if errors.Is(err, errRowDoesNotFit) {
		// Relocate: clear the old slot, append elsewhere.
		if err := t.bpm.MutatePage(txn, oldLoc.PageID, func(page *pagestore.Page) error {
			hp, err := decodeHeapPage(page)
			if err != nil {
				return err
			}
			hp.deleteRow(int(oldLoc.Slot))
			return encodeHeapPage(page, hp)
		}); err != nil {
			return err
		}
		if newLoc, err = t.heapAppend(txn, newBytes); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if pkChanged {
		if err := t.primary.Remove(txn, key, oldLoc); err != nil {
			return err
		}
		if err := t.primary.Insert(txn, newPK, newLoc); err != nil {
			return err
		}
		if err := t.hashIdx.Delete(txn, key); err != nil {
			return err
		}
		if err := t.hashIdx.Insert(txn, newPK, newLoc); err != nil {
			return err
		}
	} else if newLoc != oldLoc {
		if err := t.primary.Move(txn, key, oldLoc, newLoc); err != nil {
			return err
		}
		if err := t.hashIdx.Move(txn, key, newLoc); err != nil {
			return err
		}
	}

	for _, name := range t.secondaryNamesLocked() {
		col := t.secCols[name]
		oldV, newV := oldRow[col], newRow[col]
		cmp := 1
		if oldV.IsNull() && newV.IsNull() {
			cmp = 0
		} else if !oldV.IsNull() && !newV.IsNull() {
			if cmp, err = oldV.Compare(newV); err != nil {
				return err
			}
		}
		sec := t.secondary[name]
		switch {
		case cmp == 0 && newLoc == oldLoc:
			// untouched
		case cmp == 0:
			if oldV.IsNull() {
				continue
			}
			if err := sec.Move(txn, oldV, oldLoc, newLoc); err != nil {
				return err
			}
		default:
			if !oldV.IsNull() {
				if err := sec.Remove(txn, oldV, oldLoc); err != nil {
					return err
				}
			}
			if !newV.IsNull() {
				if err := sec.Insert(txn, newV, newLoc); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Delete removes the row stored under key.
func (t *Table) Delete(ctx context.Context, txn *transaction.Transaction, key catalog.Value) error {
	if err := t.requireActive(txn); err != nil {
		return err
	}
	if err := t.locks.Acquire(ctx, txn.TxnID(), t.tableResource(), transaction.LockX); err != nil {
		return err
	}
	if err := t.locks.Acquire(ctx, txn.TxnID(), t.rowResource(key), transaction.LockX); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	loc, found, err := t.hashIdx.Find(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: primary key %s in table %s", dberror.ErrKeyNotFound, key, t.name)
	}
	oldRow, err := t.readRowAt(loc)
	if err != nil {
		return err
	}

	undoMark, freeMark := txn.UndoMark(), txn.FreeMark()
	if err := t.deleteLocked(txn, key, loc, oldRow); err != nil {
		if uerr := t.undoPartial(txn, undoMark, freeMark); uerr != nil {
			return fmt.Errorf("%w (undoing half-applied delete also failed: %v)", err, uerr)
		}
		return err
	}
	return nil
}

func (t *Table) deleteLocked(txn *transaction.Transaction, key catalog.Value, loc pagestore.RowLocation, oldRow []catalog.Value) error {
	if err := t.bpm.MutatePage(txn, loc.PageID, func(page *pagestore.Page) error {
		hp, err := decodeHeapPage(page)
		if err != nil {
			return err
		}
		hp.deleteRow(int(loc.Slot))
		return encodeHeapPage(page, hp)
	}); err != nil {
		return err
	}
	if err := t.primary.Remove(txn, key, loc); err != nil {
		return err
	}
	if err := t.hashIdx.Delete(txn, key); err != nil {
		return err
	}
	for _, name := range t.secondaryNamesLocked() {
		v := oldRow[t.secCols[name]]
		if v.IsNull() {
			continue
		}
		if err := t.secondary[name].Remove(txn, v, loc); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the row stored under key via the hash index. A missing key is
// (nil, false, nil), not an error.
//
// Only the row is locked, shared, so the read runs concurrently with
// writers of other rows in the same table. That is safe: the row's own
// writer would hold the row lock, slot numbers are stable, and the index
// walk happens under the structure latch.
func (t *Table) Get(ctx context.Context, txn *transaction.Transaction, key catalog.Value) ([]catalog.Value, bool, error) {
	if err := t.requireActive(txn); err != nil {
		return nil, false, err
	}
	if err := t.locks.Acquire(ctx, txn.TxnID(), t.rowResource(key), transaction.LockS); err != nil {
		return nil, false, err
	}

	t.mu.RLock()
	loc, found, err := t.hashIdx.Find(key)
	t.mu.RUnlock()
	if err != nil || !found {
		return nil, false, err
	}
	row, err := t.readRowAt(loc)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (t *Table) payloadSize() int {
	return t.bpm.GetPageSize() - pagestore.PageHeaderSize
}

func (t *Table) fetchHeapPage(pageID pagestore.PageID) (*heapPage, error) {
	page, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	hp, err := decodeHeapPage(page)
	page.RUnlock()
	if unpinErr := t.bpm.UnpinPage(pageID, false); unpinErr != nil && err == nil {
		return nil, unpinErr
	}
	return hp, err
}

func (t *Table) writeHeapPage(txn *transaction.Transaction, hp *heapPage) error {
	return t.bpm.MutatePage(txn, hp.pageID, func(page *pagestore.Page) error {
		return encodeHeapPage(page, hp)
	})
}

// readRowAt decodes the row at loc. An index entry pointing at an empty
// slot is file corruption, not a miss.
func (t *Table) readRowAt(loc pagestore.RowLocation) ([]catalog.Value, error) {
	hp, err := t.fetchHeapPage(loc.PageID)
	if err != nil {
		return nil, err
	}
	rowBytes, ok := hp.getRow(int(loc.Slot))
	if !ok {
		return nil, fmt.Errorf("%w: index of table %s points at empty slot %s",
			dberror.ErrDeserialization, t.name, loc)
	}
	return catalog.DecodeRow(rowBytes)
}
