package table

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/indexmanager"
	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/transaction"
)

func (t *Table) resolveIndex(name string) (indexmanager.RowIndex, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if name == "" || name == PrimaryIndexName {
		return t.primary, nil
	}
	if idx, ok := t.secondary[name]; ok {
		return idx, nil
	}
	return nil, fmt.Errorf("%w: index %q on table %s", dberror.ErrIndexNotFound, name, t.name)
}

// CreateSecondaryIndex builds a new index over column and backfills it from
// the heap, all inside txn. It locks the catalog, then the table,
// exclusively; every other transaction stays out until txn finishes.
func (t *Table) CreateSecondaryIndex(ctx context.Context, txn *transaction.Transaction, idxName, column string, order int) error {
	if err := t.requireActive(txn); err != nil {
		return err
	}
	if err := catalog.ValidateIndexName(idxName); err != nil {
		return err
	}
	col := t.schema.ColumnIndex(column)
	if col < 0 {
		return fmt.Errorf("%w: column %q not found in table %q", dberror.ErrSchemaViolation, column, t.name)
	}
	if err := t.locks.Acquire(ctx, txn.TxnID(), catalogResource, transaction.LockX); err != nil {
		return err
	}
	if err := t.locks.Acquire(ctx, txn.TxnID(), t.tableResource(), transaction.LockX); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if idxName == PrimaryIndexName {
		return fmt.Errorf("%w: %q is reserved", dberror.ErrIndexExists, PrimaryIndexName)
	}
	if _, exists := t.secondary[idxName]; exists {
		return fmt.Errorf("%w: index %q on table %s", dberror.ErrIndexExists, idxName, t.name)
	}

	undoMark, freeMark := txn.UndoMark(), txn.FreeMark()
	if err := t.buildSecondaryLocked(txn, idxName, col, order); err != nil {
		delete(t.secondary, idxName)
		delete(t.secCols, idxName)
		if uerr := t.undoPartial(txn, undoMark, freeMark); uerr != nil {
			return fmt.Errorf("%w (undoing half-built index also failed: %v)", err, uerr)
		}
		return err
	}
	t.logger.Info("Created secondary index",
		zap.String("table", t.name),
		zap.String("index", idxName),
		zap.String("column", column))
	return nil
}

func (t *Table) buildSecondaryLocked(txn *transaction.Transaction, idxName string, col, order int) error {
	idx, err := indexmanager.CreateRowIndex(txn, idxName, t.schema.Columns[col].Type, false, order, t.bpm, t.logger)
	if err != nil {
		return err
	}

	meta, err := t.cat.Get(t.name)
	if err != nil {
		return err
	}
	for pageID := meta.HeapHead; pageID != pagestore.InvalidPageID; {
		hp, err := t.fetchHeapPage(pageID)
		if err != nil {
			return err
		}
		for slot, rowBytes := range hp.rows {
			if rowBytes == nil {
				continue
			}
			row, err := catalog.DecodeRow(rowBytes)
			if err != nil {
				return err
			}
			v := row[col]
			if v.IsNull() {
				continue
			}
			loc := pagestore.RowLocation{PageID: pageID, Slot: uint16(slot)}
			if err := idx.Insert(txn, v, loc); err != nil {
				return err
			}
		}
		pageID = hp.next
	}

	meta.Secondary = append(meta.Secondary, catalog.SecondaryMeta{
		Name:       idxName,
		Column:     t.schema.Columns[col].Name,
		HeaderPage: idx.HeaderPageID(),
	})
	if err := t.cat.Update(txn, meta); err != nil {
		return err
	}
	t.secondary[idxName] = idx
	t.secCols[idxName] = col
	return nil
}
