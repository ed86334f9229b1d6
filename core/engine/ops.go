package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/table"
	"github.com/granitedb/granite/core/transaction"
)

func (e *Engine) guard() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return dberror.ErrEngineClosed
	}
	return nil
}

// instrument counts the start of op and returns the callback that records
// its outcome and latency.
func (e *Engine) instrument(ctx context.Context, op string) func(error) {
	attrs := metric.WithAttributes(attribute.String("operation", op))
	e.metrics.OpsStartedCounter.Add(ctx, 1, attrs)
	start := time.Now()
	return func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.OpsHandledCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("status", status)))
		e.metrics.OpLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
	}
}

func (e *Engine) beginTxn(ctx context.Context) (*transaction.Transaction, error) {
	txn, err := e.txns.Begin()
	if err != nil {
		return nil, err
	}
	e.metrics.ActiveTxnsUpDown.Add(ctx, 1)
	return txn, nil
}

// commitTxn commits and settles the transaction's bookkeeping. On failure
// the transaction is still active; the caller decides between retrying and
// rolling back.
func (e *Engine) commitTxn(ctx context.Context, txn *transaction.Transaction) error {
	if err := e.txns.Commit(txn); err != nil {
		return err
	}
	e.forgetTouched(txn.TxnID())
	e.metrics.ActiveTxnsUpDown.Add(ctx, -1)
	e.metrics.CommitsCounter.Add(ctx, 1)
	return nil
}

// abort rolls txn back after cause made it unsalvageable.
func (e *Engine) abort(ctx context.Context, txn *transaction.Transaction, cause error) {
	if err := e.rollback(txn); err != nil {
		e.logger.Error("Rollback of failed transaction also failed",
			zap.Uint64("txn_id", txn.TxnID()), zap.Error(err))
	}
	e.metrics.ActiveTxnsUpDown.Add(ctx, -1)
	e.metrics.RollbacksCounter.Add(ctx, 1)
	if errors.Is(cause, dberror.ErrDeadlock) {
		e.metrics.DeadlockAbortCounter.Add(ctx, 1)
	}
}

// maybeAbort ends txn when err demands it. A lock timeout aborts the whole
// transaction: it may be one edge of a deadlock cycle, and holding its
// locks while the application ponders would keep the others stuck. Every
// other failure leaves the transaction usable, the table layer having
// already undone the half-applied operation.
func (e *Engine) maybeAbort(ctx context.Context, txn *transaction.Transaction, err error) error {
	if err == nil || !errors.Is(err, dberror.ErrDeadlock) {
		return err
	}
	e.abort(ctx, txn, err)
	return fmt.Errorf("txn %d aborted: %w", txn.TxnID(), err)
}

// Begin starts a transaction. The handle is bound to at most one goroutine
// at a time and must end in Commit or Rollback; a handle abandoned without
// either holds its locks until the process exits.
func (e *Engine) Begin(ctx context.Context) (*transaction.Transaction, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	done := e.instrument(ctx, "begin")
	txn, err := e.beginTxn(ctx)
	done(err)
	return txn, err
}

// Commit makes txn's writes durable and visible.
func (e *Engine) Commit(ctx context.Context, txn *transaction.Transaction) error {
	if err := e.guard(); err != nil {
		return err
	}
	done := e.instrument(ctx, "commit")
	err := e.commitTxn(ctx, txn)
	done(err)
	return err
}

// Rollback undoes every write txn made. Rolling back an already-aborted
// transaction is a no-op.
func (e *Engine) Rollback(ctx context.Context, txn *transaction.Transaction) error {
	if err := e.guard(); err != nil {
		return err
	}
	done := e.instrument(ctx, "rollback")
	wasActive := txn.State() == transaction.StateActive
	err := e.rollback(txn)
	if err == nil && wasActive {
		e.metrics.ActiveTxnsUpDown.Add(ctx, -1)
		e.metrics.RollbacksCounter.Add(ctx, 1)
	}
	done(err)
	return err
}

// CreateTable creates a table with its primary B+ tree index and hash
// index, inside its own transaction. The name becomes visible only if that
// transaction commits.
func (e *Engine) CreateTable(ctx context.Context, name string, schema catalog.Schema) error {
	if err := e.guard(); err != nil {
		return err
	}
	done := e.instrument(ctx, "create_table")
	err := e.createTable(ctx, name, schema)
	done(err)
	return err
}

func (e *Engine) createTable(ctx context.Context, name string, schema catalog.Schema) error {
	txn, err := e.beginTxn(ctx)
	if err != nil {
		return err
	}
	e.touch(txn.TxnID(), name)
	t, err := table.Create(ctx, txn, name, schema,
		e.cfg.Engine.BTreeOrder, e.cfg.Engine.HashBuckets,
		e.cat, e.bufferPool, e.logManager, e.locks, e.logger)
	if err != nil {
		e.abort(ctx, txn, err)
		return err
	}
	if err := e.commitTxn(ctx, txn); err != nil {
		return err
	}
	e.mu.Lock()
	e.tables[name] = t
	e.mu.Unlock()
	e.logger.Info("Table created",
		zap.String("table", name),
		zap.Int("columns", len(schema.Columns)))
	return nil
}

// CreateIndex builds a secondary B+ tree index over column, inside its own
// transaction. Existing rows are indexed as part of the build.
func (e *Engine) CreateIndex(ctx context.Context, tableName, indexName, column string) error {
	if err := e.guard(); err != nil {
		return err
	}
	done := e.instrument(ctx, "create_index")
	err := e.createIndex(ctx, tableName, indexName, column)
	done(err)
	return err
}

func (e *Engine) createIndex(ctx context.Context, tableName, indexName, column string) error {
	t, err := e.lookupTable(tableName)
	if err != nil {
		return err
	}
	txn, err := e.beginTxn(ctx)
	if err != nil {
		return err
	}
	e.touch(txn.TxnID(), tableName)
	if err := t.CreateSecondaryIndex(ctx, txn, indexName, column, e.cfg.Engine.BTreeOrder); err != nil {
		e.abort(ctx, txn, err)
		return err
	}
	if err := e.commitTxn(ctx, txn); err != nil {
		return err
	}
	e.logger.Info("Index created",
		zap.String("table", tableName),
		zap.String("index", indexName),
		zap.String("column", column))
	return nil
}

// Insert adds a row to the table within txn.
func (e *Engine) Insert(ctx context.Context, txn *transaction.Transaction, tableName string, row []catalog.Value) error {
	if err := e.guard(); err != nil {
		return err
	}
	done := e.instrument(ctx, "insert")
	err := e.insert(ctx, txn, tableName, row)
	done(err)
	return err
}

func (e *Engine) insert(ctx context.Context, txn *transaction.Transaction, tableName string, row []catalog.Value) error {
	t, err := e.lookupTable(tableName)
	if err != nil {
		return err
	}
	e.touch(txn.TxnID(), tableName)
	if _, err := t.Insert(ctx, txn, row); err != nil {
		return e.maybeAbort(ctx, txn, err)
	}
	return nil
}

// Update replaces the row whose primary key equals key within txn.
func (e *Engine) Update(ctx context.Context, txn *transaction.Transaction, tableName string, key catalog.Value, row []catalog.Value) error {
	if err := e.guard(); err != nil {
		return err
	}
	done := e.instrument(ctx, "update")
	err := e.update(ctx, txn, tableName, key, row)
	done(err)
	return err
}

func (e *Engine) update(ctx context.Context, txn *transaction.Transaction, tableName string, key catalog.Value, row []catalog.Value) error {
	t, err := e.lookupTable(tableName)
	if err != nil {
		return err
	}
	e.touch(txn.TxnID(), tableName)
	if err := t.Update(ctx, txn, key, row); err != nil {
		return e.maybeAbort(ctx, txn, err)
	}
	return nil
}

// Delete removes the row whose primary key equals key within txn.
func (e *Engine) Delete(ctx context.Context, txn *transaction.Transaction, tableName string, key catalog.Value) error {
	if err := e.guard(); err != nil {
		return err
	}
	done := e.instrument(ctx, "delete")
	err := e.del(ctx, txn, tableName, key)
	done(err)
	return err
}

func (e *Engine) del(ctx context.Context, txn *transaction.Transaction, tableName string, key catalog.Value) error {
	t, err := e.lookupTable(tableName)
	if err != nil {
		return err
	}
	e.touch(txn.TxnID(), tableName)
	if err := t.Delete(ctx, txn, key); err != nil {
		return e.maybeAbort(ctx, txn, err)
	}
	return nil
}

// Get returns the row whose primary key equals key, reporting false when
// no such row exists.
func (e *Engine) Get(ctx context.Context, txn *transaction.Transaction, tableName string, key catalog.Value) ([]catalog.Value, bool, error) {
	if err := e.guard(); err != nil {
		return nil, false, err
	}
	done := e.instrument(ctx, "get")
	t, err := e.lookupTable(tableName)
	if err != nil {
		done(err)
		return nil, false, err
	}
	row, ok, err := t.Get(ctx, txn, key)
	if err != nil {
		err = e.maybeAbort(ctx, txn, err)
	}
	done(err)
	return row, ok, err
}

// Scan returns an iterator over every row of the table, in heap order. The
// iterator stays valid until txn ends.
func (e *Engine) Scan(ctx context.Context, txn *transaction.Transaction, tableName string) (*table.HeapIterator, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	done := e.instrument(ctx, "scan")
	t, err := e.lookupTable(tableName)
	if err != nil {
		done(err)
		return nil, err
	}
	it, err := t.Scan(ctx, txn)
	if err != nil {
		err = e.maybeAbort(ctx, txn, err)
	}
	done(err)
	return it, err
}

// RangeScan returns an iterator over the rows whose indexed value lies in
// [low, high], in key order. An empty indexName addresses the primary key
// index.
func (e *Engine) RangeScan(ctx context.Context, txn *transaction.Transaction, tableName, indexName string, low, high catalog.Value) (*table.RangeIterator, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	done := e.instrument(ctx, "range_scan")
	t, err := e.lookupTable(tableName)
	if err != nil {
		done(err)
		return nil, err
	}
	it, err := t.RangeScan(ctx, txn, indexName, low, high)
	if err != nil {
		err = e.maybeAbort(ctx, txn, err)
	}
	done(err)
	return it, err
}

// Tables lists the committed tables in name order.
func (e *Engine) Tables() ([]string, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.cat.Tables(), nil
}

// Describe returns the catalog entry for a table.
func (e *Engine) Describe(name string) (catalog.TableMeta, error) {
	if err := e.guard(); err != nil {
		return catalog.TableMeta{}, err
	}
	return e.cat.Get(name)
}
