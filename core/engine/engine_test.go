package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/granitedb/granite/config"
	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/transaction"
)

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Engine.DataDir = dir
	cfg.Engine.PoolSize = 64
	cfg.Engine.BTreeOrder = 8
	cfg.Engine.HashBuckets = 4
	cfg.Engine.LockTimeout = time.Second
	cfg.WAL.FlushInterval = time.Hour
	return cfg
}

func openEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(testConfig(dir), zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func usersSchema() catalog.Schema {
	return catalog.Schema{Columns: []catalog.Column{
		{Name: "id", Type: catalog.TypeInt, PrimaryKey: true},
		{Name: "name", Type: catalog.TypeText, Nullable: true},
	}}
}

func userRow(id int64, name string) []catalog.Value {
	return []catalog.Value{catalog.NewInt(id), catalog.NewText(name)}
}

func mustGet(t *testing.T, e *Engine, txn *transaction.Transaction, table string, id int64) []catalog.Value {
	t.Helper()
	row, found, err := e.Get(context.Background(), txn, table, catalog.NewInt(id))
	require.NoError(t, err)
	require.True(t, found, "row %d should exist", id)
	return row
}

func engineScanIDs(t *testing.T, e *Engine, txn *transaction.Transaction, table string) []int64 {
	t.Helper()
	it, err := e.Scan(context.Background(), txn, table)
	require.NoError(t, err)
	defer it.Close()
	var ids []int64
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return ids
		}
		ids = append(ids, row[0].Int())
	}
}

func TestEngineCreateTableAndCRUD(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()

	tables, err := e.Tables()
	require.NoError(t, err)
	require.Empty(t, tables)

	require.NoError(t, e.CreateTable(ctx, "users", usersSchema()))
	require.ErrorIs(t, e.CreateTable(ctx, "users", usersSchema()), dberror.ErrTableExists)
	tables, err = e.Tables()
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, tables)

	meta, err := e.Describe("users")
	require.NoError(t, err)
	require.Equal(t, usersSchema(), meta.Schema)
	_, err = e.Describe("ghosts")
	require.ErrorIs(t, err, dberror.ErrTableNotFound)

	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, txn, "users", userRow(1, "alice")))
	require.NoError(t, e.Insert(ctx, txn, "users", userRow(2, "bob")))
	require.NoError(t, e.Insert(ctx, txn, "users", userRow(3, "carol")))

	// A duplicate key fails the statement, not the transaction.
	err = e.Insert(ctx, txn, "users", userRow(1, "dup"))
	require.ErrorIs(t, err, dberror.ErrKeyAlreadyExists)
	require.Equal(t, transaction.StateActive, txn.State())

	require.NoError(t, e.Update(ctx, txn, "users", catalog.NewInt(2), userRow(2, "bobby")))
	require.NoError(t, e.Delete(ctx, txn, "users", catalog.NewInt(3)))
	require.ErrorIs(t, e.Insert(ctx, txn, "ghosts", userRow(1, "x")), dberror.ErrTableNotFound)
	require.NoError(t, e.Commit(ctx, txn))

	txn2, err := e.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, "bobby", mustGet(t, e, txn2, "users", 2)[1].Text())
	_, found, err := e.Get(ctx, txn2, "users", catalog.NewInt(3))
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, []int64{1, 2}, engineScanIDs(t, e, txn2, "users"))

	it, err := e.RangeScan(ctx, txn2, "users", "", catalog.NewInt(1), catalog.NewInt(10))
	require.NoError(t, err)
	row, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), row[0].Int())
	it.Close()
	require.NoError(t, e.Commit(ctx, txn2))
}

func TestEngineDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := openEngine(t, dir)
	require.NoError(t, e.CreateTable(ctx, "users", usersSchema()))
	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, txn, "users", userRow(1, "bob")))
	require.NoError(t, e.Insert(ctx, txn, "users", userRow(2, "alice")))
	require.NoError(t, e.Commit(ctx, txn))

	require.NoError(t, e.CreateIndex(ctx, "users", "users_name", "name"))

	txn, err = e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Update(ctx, txn, "users", catalog.NewInt(2), userRow(2, "alicia")))
	require.NoError(t, e.Commit(ctx, txn))
	require.NoError(t, e.Close())

	reopened := openEngine(t, dir)
	tables, err := reopened.Tables()
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, tables)
	meta, err := reopened.Describe("users")
	require.NoError(t, err)
	require.Len(t, meta.Secondary, 1)
	require.Equal(t, "users_name", meta.Secondary[0].Name)

	txn2, err := reopened.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, "bob", mustGet(t, reopened, txn2, "users", 1)[1].Text())
	require.Equal(t, "alicia", mustGet(t, reopened, txn2, "users", 2)[1].Text())

	// The secondary index reopened with the table and tracks new writes.
	require.NoError(t, reopened.Insert(ctx, txn2, "users", userRow(3, "carol")))
	it, err := reopened.RangeScan(ctx, txn2, "users", "users_name", catalog.NewText("a"), catalog.NewText("z"))
	require.NoError(t, err)
	var names []string
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, row[1].Text())
	}
	it.Close()
	require.Equal(t, []string{"alicia", "bob", "carol"}, names)
	require.NoError(t, reopened.Commit(ctx, txn2))
}

func TestEngineUndoesAbandonedTransactionsOnOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := openEngine(t, dir)
	require.NoError(t, e.CreateTable(ctx, "users", usersSchema()))
	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, txn, "users", userRow(1, "a")))
	require.NoError(t, e.Commit(ctx, txn))

	// This transaction never commits; closing the engine abandons it the
	// same way a crash would.
	abandoned, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Update(ctx, abandoned, "users", catalog.NewInt(1), userRow(1, "b")))
	require.NoError(t, e.Insert(ctx, abandoned, "users", userRow(2, "x")))
	require.NoError(t, e.Close())

	reopened := openEngine(t, dir)
	txn2, err := reopened.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", mustGet(t, reopened, txn2, "users", 1)[1].Text())
	_, found, err := reopened.Get(ctx, txn2, "users", catalog.NewInt(2))
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, []int64{1}, engineScanIDs(t, reopened, txn2, "users"))

	// Transaction ids keep climbing across restarts.
	require.Greater(t, txn2.TxnID(), abandoned.TxnID())
	require.NoError(t, reopened.Commit(ctx, txn2))
}

func TestEngineRollbackDiscardsWrites(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, e.CreateTable(ctx, "users", usersSchema()))

	// Wide rows force the heap chain to grow, so the rollback also takes
	// back allocated pages.
	wide := strings.Repeat("n", 900)
	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, e.Insert(ctx, txn, "users", userRow(id, wide)))
	}
	require.NoError(t, e.Rollback(ctx, txn))

	txn2, err := e.Begin(ctx)
	require.NoError(t, err)
	_, found, err := e.Get(ctx, txn2, "users", catalog.NewInt(1))
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, engineScanIDs(t, e, txn2, "users"))

	require.NoError(t, e.Insert(ctx, txn2, "users", userRow(1, "ok")))
	require.NoError(t, e.Commit(ctx, txn2))

	txn3, err := e.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, engineScanIDs(t, e, txn3, "users"))
	require.NoError(t, e.Commit(ctx, txn3))
}

func TestEngineRollbackDiscardsNewTable(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, e.CreateTable(ctx, "users", usersSchema()))

	// CreateTable commits its own transaction, so an explicit rollback can
	// only take back row writes; DDL that failed rolls back inside
	// CreateTable itself.
	err := e.CreateTable(ctx, "bad-name", usersSchema())
	require.ErrorIs(t, err, dberror.ErrSchemaViolation)
	tables, err := e.Tables()
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, tables)
}

func TestEngineAbortsDeadlockedTransaction(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Engine.LockTimeout = 100 * time.Millisecond
	e, err := Open(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	ctx := context.Background()

	require.NoError(t, e.CreateTable(ctx, "users", usersSchema()))
	txn1, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, txn1, "users", userRow(1, "alice")))

	// The second writer times out on the table lock and is rolled back in
	// full, so its locks cannot keep a deadlock cycle alive.
	txn2, err := e.Begin(ctx)
	require.NoError(t, err)
	err = e.Insert(ctx, txn2, "users", userRow(2, "bob"))
	require.ErrorIs(t, err, dberror.ErrDeadlock)
	require.ErrorContains(t, err, "aborted")
	require.Equal(t, transaction.StateAborted, txn2.State())

	// The aborted handle is dead; rolling it back again is a no-op.
	require.ErrorIs(t, e.Insert(ctx, txn2, "users", userRow(3, "x")), dberror.ErrTxnInvalidState)
	require.NoError(t, e.Rollback(ctx, txn2))

	require.NoError(t, e.Commit(ctx, txn1))
	txn3, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, txn3, "users", userRow(2, "bob")))
	require.NoError(t, e.Commit(ctx, txn3))
}

func TestEngineCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := openEngine(t, dir)
	require.NoError(t, e.CreateTable(ctx, "users", usersSchema()))
	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, txn, "users", userRow(1, "alice")))
	require.NoError(t, e.Commit(ctx, txn))

	before, err := e.Status()
	require.NoError(t, err)
	require.NoError(t, e.Checkpoint())
	after, err := e.Status()
	require.NoError(t, err)
	require.Greater(t, uint64(after.CheckpointLSN), uint64(before.CheckpointLSN))

	// A checkpoint taken over an active transaction must keep enough log to
	// undo it.
	open, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, open, "users", userRow(2, "bob")))
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Commit(ctx, open))
	require.NoError(t, e.Close())

	reopened := openEngine(t, dir)
	txn2, err := reopened.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, engineScanIDs(t, reopened, txn2, "users"))
	require.NoError(t, reopened.Commit(ctx, txn2))
}

func TestEngineStatus(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)
	ctx := context.Background()
	require.NoError(t, e.CreateTable(ctx, "users", usersSchema()))

	st, err := e.Status()
	require.NoError(t, err)
	require.NotEmpty(t, st.RunID)
	require.Equal(t, dir, st.DataDir)
	require.Equal(t, []string{"users"}, st.Tables)
	require.Zero(t, st.ActiveTxns)
	require.GreaterOrEqual(t, uint64(st.CurrentLSN), uint64(st.FlushedLSN))

	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	st, err = e.Status()
	require.NoError(t, err)
	require.Equal(t, 1, st.ActiveTxns)
	require.NoError(t, e.Commit(ctx, txn))
	st, err = e.Status()
	require.NoError(t, err)
	require.Zero(t, st.ActiveTxns)
}

func TestEngineClosedRejectsOperations(t *testing.T) {
	e := openEngine(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, e.CreateTable(ctx, "users", usersSchema()))
	txn, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, txn))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Begin(ctx)
	require.ErrorIs(t, err, dberror.ErrEngineClosed)
	require.ErrorIs(t, e.CreateTable(ctx, "more", usersSchema()), dberror.ErrEngineClosed)
	require.ErrorIs(t, e.Insert(ctx, txn, "users", userRow(9, "x")), dberror.ErrEngineClosed)
	_, _, err = e.Get(ctx, txn, "users", catalog.NewInt(1))
	require.ErrorIs(t, err, dberror.ErrEngineClosed)
	_, err = e.Tables()
	require.ErrorIs(t, err, dberror.ErrEngineClosed)
	_, err = e.Status()
	require.ErrorIs(t, err, dberror.ErrEngineClosed)
	require.ErrorIs(t, e.Checkpoint(), dberror.ErrEngineClosed)
}
