package table

import (
	"context"

	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/indexmanager"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/transaction"
)

// HeapIterator walks the heap chain in physical order. The table-level
// shared lock taken by Scan keeps writers out for the rest of the
// transaction, so pages are fetched lazily without pinning between calls.
type HeapIterator struct {
	table  *Table
	pageID pagestore.PageID
	rows   [][]byte
	idx    int
	done   bool
}

// Scan returns an iterator over every row of the table.
func (t *Table) Scan(ctx context.Context, txn *transaction.Transaction) (*HeapIterator, error) {
	if err := t.requireActive(txn); err != nil {
		return nil, err
	}
	if err := t.locks.Acquire(ctx, txn.TxnID(), t.tableResource(), transaction.LockS); err != nil {
		return nil, err
	}
	meta, err := t.cat.Get(t.name)
	if err != nil {
		return nil, err
	}
	return &HeapIterator{table: t, pageID: meta.HeapHead}, nil
}

// Next returns the following row, reporting false when the chain is
// exhausted.
func (it *HeapIterator) Next() ([]catalog.Value, bool, error) {
	for !it.done {
		if it.idx < len(it.rows) {
			rowBytes := it.rows[it.idx]
			it.idx++
			if rowBytes == nil {
				continue
			}
			row, err := catalog.DecodeRow(rowBytes)
			if err != nil {
				it.done = true
				return nil, false, err
			}
			return row, true, nil
		}
		if it.pageID == pagestore.InvalidPageID {
			it.done = true
			break
		}
		hp, err := it.table.fetchHeapPage(it.pageID)
		if err != nil {
			it.done = true
			return nil, false, err
		}
		it.rows = hp.rows
		it.idx = 0
		it.pageID = hp.next
	}
	return nil, false, nil
}

// Close releases the iterator. It holds no pins, so this only stops further
// iteration.
func (it *HeapIterator) Close() {
	it.done = true
	it.rows = nil
}

// RangeIterator yields rows by walking an ordered index between two keys.
type RangeIterator struct {
	table *Table
	inner indexmanager.RowIterator
}

// RangeScan returns the rows whose indexed value lies in [low, high],
// inclusive on both ends, in key order. An empty name or "primary"
// addresses the primary key index.
func (t *Table) RangeScan(ctx context.Context, txn *transaction.Transaction, indexName string, low, high catalog.Value) (*RangeIterator, error) {
	if err := t.requireActive(txn); err != nil {
		return nil, err
	}
	if err := t.locks.Acquire(ctx, txn.TxnID(), t.tableResource(), transaction.LockS); err != nil {
		return nil, err
	}
	idx, err := t.resolveIndex(indexName)
	if err != nil {
		return nil, err
	}
	inner, err := idx.Range(low, high)
	if err != nil {
		return nil, err
	}
	return &RangeIterator{table: t, inner: inner}, nil
}

// Next returns the following row in key order.
func (it *RangeIterator) Next() ([]catalog.Value, bool, error) {
	_, loc, ok, err := it.inner.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	row, err := it.table.readRowAt(loc)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// Close releases the iterator.
func (it *RangeIterator) Close() { it.inner.Close() }
