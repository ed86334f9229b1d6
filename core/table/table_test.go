package table

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/transaction"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
	"github.com/granitedb/granite/core/write_engine/wal"
)

const testPageSize = 4096

type tableEnv struct {
	cat   *catalog.Catalog
	txns  *transaction.Manager
	bpm   *bufferpool.BufferPoolManager
	lm    *wal.LogManager
	locks *transaction.LockManager
}

func newTableEnv(t *testing.T, lockTimeout time.Duration) *tableEnv {
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
	locks := transaction.NewLockManager(lockTimeout, zap.NewNop())
	txns := transaction.NewManager(lm, bpm, locks, 1, zap.NewNop())

	cat := catalog.NewCatalog(bpm, zap.NewNop())
	txn, err := txns.Begin()
	require.NoError(t, err)
	require.NoError(t, cat.Format(txn))
	require.NoError(t, txns.Commit(txn))

	return &tableEnv{cat: cat, txns: txns, bpm: bpm, lm: lm, locks: locks}
}

func mustBegin(t *testing.T, txns *transaction.Manager) *transaction.Transaction {
	t.Helper()
	txn, err := txns.Begin()
	require.NoError(t, err)
	return txn
}

func usersSchema() catalog.Schema {
	return catalog.Schema{Columns: []catalog.Column{
		{Name: "id", Type: catalog.TypeInt, PrimaryKey: true},
		{Name: "name", Type: catalog.TypeText, Nullable: true},
	}}
}

func createUsersTable(t *testing.T, env *tableEnv) *Table {
	t.Helper()
	txn := mustBegin(t, env.txns)
	tbl, err := Create(context.Background(), txn, "users", usersSchema(), 4, 4,
		env.cat, env.bpm, env.lm, env.locks, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, env.txns.Commit(txn))
	return tbl
}

func userRow(id int64, name string) []catalog.Value {
	return []catalog.Value{catalog.NewInt(id), catalog.NewText(name)}
}

func userRowNullName(id int64) []catalog.Value {
	return []catalog.Value{catalog.NewInt(id), catalog.NewNull(catalog.TypeText)}
}

func insertRows(t *testing.T, env *tableEnv, tbl *Table, rows ...[]catalog.Value) {
	t.Helper()
	txn := mustBegin(t, env.txns)
	for _, row := range rows {
		_, err := tbl.Insert(context.Background(), txn, row)
		require.NoError(t, err)
	}
	require.NoError(t, env.txns.Commit(txn))
}

func scanIDs(t *testing.T, tbl *Table, txn *transaction.Transaction) []int64 {
	t.Helper()
	it, err := tbl.Scan(context.Background(), txn)
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

func collectRange(t *testing.T, tbl *Table, txn *transaction.Transaction, index string, low, high catalog.Value) [][]catalog.Value {
	t.Helper()
	it, err := tbl.RangeScan(context.Background(), txn, index, low, high)
	require.NoError(t, err)
	defer it.Close()
	var rows [][]catalog.Value
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return rows
		}
		rows = append(rows, row)
	}
}

func rowIDs(rows [][]catalog.Value) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row[0].Int())
	}
	return ids
}

func TestTableInsertAndGet(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()

	txn := mustBegin(t, env.txns)
	loc, err := tbl.Insert(ctx, txn, userRow(1, "alice"))
	require.NoError(t, err)
	require.NotEqual(t, pagestore.InvalidPageID, loc.PageID)
	_, err = tbl.Insert(ctx, txn, userRow(2, "bob"))
	require.NoError(t, err)
	require.NoError(t, env.txns.Commit(txn))

	txn2 := mustBegin(t, env.txns)
	row, found, err := tbl.Get(ctx, txn2, catalog.NewInt(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), row[0].Int())
	require.Equal(t, "alice", row[1].Text())

	// A missing key is not an error.
	_, found, err = tbl.Get(ctx, txn2, catalog.NewInt(99))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableCreateValidation(t *testing.T) {
	env := newTableEnv(t, time.Second)
	createUsersTable(t, env)
	ctx := context.Background()

	txn := mustBegin(t, env.txns)
	_, err := Create(ctx, txn, "bad-name", usersSchema(), 4, 4,
		env.cat, env.bpm, env.lm, env.locks, zap.NewNop())
	require.ErrorIs(t, err, dberror.ErrSchemaViolation)

	noPK := catalog.Schema{Columns: []catalog.Column{{Name: "id", Type: catalog.TypeInt}}}
	_, err = Create(ctx, txn, "orphans", noPK, 4, 4,
		env.cat, env.bpm, env.lm, env.locks, zap.NewNop())
	require.ErrorIs(t, err, dberror.ErrSchemaViolation)

	_, err = Create(ctx, txn, "users", usersSchema(), 4, 4,
		env.cat, env.bpm, env.lm, env.locks, zap.NewNop())
	require.ErrorIs(t, err, dberror.ErrTableExists)
	require.NoError(t, env.txns.Rollback(txn))
}

func TestTableCreateRollbackDiscardsTable(t *testing.T) {
	env := newTableEnv(t, time.Second)
	ctx := context.Background()

	txn := mustBegin(t, env.txns)
	_, err := Create(ctx, txn, "temp", usersSchema(), 4, 4,
		env.cat, env.bpm, env.lm, env.locks, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, env.txns.Rollback(txn))
	require.NoError(t, env.cat.Reload())

	_, err = env.cat.Get("temp")
	require.ErrorIs(t, err, dberror.ErrTableNotFound)
}

func TestTableInsertValidation(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()

	txn := mustBegin(t, env.txns)
	_, err := tbl.Insert(ctx, txn, []catalog.Value{catalog.NewInt(1)})
	require.ErrorIs(t, err, dberror.ErrSchemaViolation)
	_, err = tbl.Insert(ctx, txn, []catalog.Value{catalog.NewNull(catalog.TypeInt), catalog.NewText("x")})
	require.ErrorIs(t, err, dberror.ErrSchemaViolation)

	_, err = tbl.Insert(ctx, txn, userRow(1, "alice"))
	require.NoError(t, err)
	_, err = tbl.Insert(ctx, txn, userRow(1, "other"))
	require.ErrorIs(t, err, dberror.ErrKeyAlreadyExists)

	// A row too large for any heap page is rejected up front, and the
	// transaction stays usable.
	_, err = tbl.Insert(ctx, txn, userRow(2, strings.Repeat("x", testPageSize+4)))
	require.ErrorIs(t, err, dberror.ErrValueTooLargeForPage)
	_, err = tbl.Insert(ctx, txn, userRow(2, "fits"))
	require.NoError(t, err)
	require.NoError(t, env.txns.Commit(txn))

	txn2 := mustBegin(t, env.txns)
	row, found, err := tbl.Get(ctx, txn2, catalog.NewInt(2))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "fits", row[1].Text())
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableUpdateInPlace(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()
	insertRows(t, env, tbl, userRow(1, "alice"), userRow(2, "bob"))

	locBefore, found, err := tbl.hashIdx.Find(catalog.NewInt(1))
	require.NoError(t, err)
	require.True(t, found)

	txn := mustBegin(t, env.txns)
	require.NoError(t, tbl.Update(ctx, txn, catalog.NewInt(1), userRow(1, "alice smith")))

	err = tbl.Update(ctx, txn, catalog.NewInt(9), userRow(9, "nobody"))
	require.ErrorIs(t, err, dberror.ErrKeyNotFound)
	require.NoError(t, env.txns.Commit(txn))

	// The new bytes fit in the slot, so the row did not move.
	locAfter, found, err := tbl.hashIdx.Find(catalog.NewInt(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, locBefore, locAfter)

	txn2 := mustBegin(t, env.txns)
	row, found, err := tbl.Get(ctx, txn2, catalog.NewInt(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alice smith", row[1].Text())
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableUpdateRelocatesWhenPageFull(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()

	// Four 900-character names fill the head page.
	wide := strings.Repeat("n", 900)
	insertRows(t, env, tbl,
		userRow(1, wide), userRow(2, wide), userRow(3, wide), userRow(4, wide))
	for id := int64(1); id <= 4; id++ {
		loc, found, err := tbl.hashIdx.Find(catalog.NewInt(id))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, tbl.head, loc.PageID)
	}

	// Growing row 2 past what the head page can hold relocates it to a
	// fresh chain page.
	txn := mustBegin(t, env.txns)
	require.NoError(t, tbl.Update(ctx, txn, catalog.NewInt(2), userRow(2, strings.Repeat("w", 1400))))
	loc2, found, err := tbl.hashIdx.Find(catalog.NewInt(2))
	require.NoError(t, err)
	require.True(t, found)
	require.NotEqual(t, tbl.head, loc2.PageID)
	require.Equal(t, uint16(0), loc2.Slot)

	// Appends go to the tail page; the slot freed on the head page is not
	// revisited.
	loc5, err := tbl.Insert(ctx, txn, userRow(5, wide))
	require.NoError(t, err)
	require.Equal(t, loc2.PageID, loc5.PageID)
	require.Equal(t, uint16(1), loc5.Slot)
	require.NoError(t, env.txns.Commit(txn))

	txn2 := mustBegin(t, env.txns)
	row, found, err := tbl.Get(ctx, txn2, catalog.NewInt(2))
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, row[1].Text(), 1400)

	// Physical order now has the relocated row after its old neighbors.
	require.Equal(t, []int64{1, 3, 4, 2, 5}, scanIDs(t, tbl, txn2))
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableUpdateChangesPrimaryKey(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()
	insertRows(t, env, tbl, userRow(1, "alice"), userRow(2, "bob"))

	txn := mustBegin(t, env.txns)
	require.NoError(t, tbl.Update(ctx, txn, catalog.NewInt(1), userRow(10, "alice")))

	_, found, err := tbl.Get(ctx, txn, catalog.NewInt(1))
	require.NoError(t, err)
	require.False(t, found)
	row, found, err := tbl.Get(ctx, txn, catalog.NewInt(10))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alice", row[1].Text())

	// The primary tree follows the re-key too.
	require.Equal(t, []int64{2, 10}, rowIDs(collectRange(t, tbl, txn, "", catalog.NewInt(1), catalog.NewInt(20))))

	// Re-keying onto an existing primary key is a duplicate.
	err = tbl.Update(ctx, txn, catalog.NewInt(2), userRow(10, "bob"))
	require.ErrorIs(t, err, dberror.ErrKeyAlreadyExists)
	require.NoError(t, env.txns.Commit(txn))

	txn2 := mustBegin(t, env.txns)
	_, found, err = tbl.Get(ctx, txn2, catalog.NewInt(10))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableDelete(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()
	insertRows(t, env, tbl, userRow(1, "alice"), userRow(2, "bob"), userRow(3, "carol"))

	txn := mustBegin(t, env.txns)
	require.NoError(t, tbl.Delete(ctx, txn, catalog.NewInt(2)))
	_, found, err := tbl.Get(ctx, txn, catalog.NewInt(2))
	require.NoError(t, err)
	require.False(t, found)
	require.ErrorIs(t, tbl.Delete(ctx, txn, catalog.NewInt(2)), dberror.ErrKeyNotFound)
	require.NoError(t, env.txns.Commit(txn))

	txn2 := mustBegin(t, env.txns)
	require.Equal(t, []int64{1, 3}, scanIDs(t, tbl, txn2))
	require.Equal(t, []int64{1, 3}, rowIDs(collectRange(t, tbl, txn2, "", catalog.NewInt(0), catalog.NewInt(100))))
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableScanWalksChain(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()

	// Five wide rows span two heap pages.
	wide := strings.Repeat("n", 900)
	insertRows(t, env, tbl,
		userRow(1, wide), userRow(2, wide), userRow(3, wide), userRow(4, wide), userRow(5, wide))
	loc5, found, err := tbl.hashIdx.Find(catalog.NewInt(5))
	require.NoError(t, err)
	require.True(t, found)
	require.NotEqual(t, tbl.head, loc5.PageID)

	txn := mustBegin(t, env.txns)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, scanIDs(t, tbl, txn))
	require.NoError(t, tbl.Delete(ctx, txn, catalog.NewInt(3)))
	require.Equal(t, []int64{1, 2, 4, 5}, scanIDs(t, tbl, txn))
	require.NoError(t, env.txns.Commit(txn))
}

func TestTableRangeScanPrimary(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)

	rows := make([][]catalog.Value, 0, 10)
	for _, id := range []int64{5, 2, 9, 1, 7, 3, 8, 4, 10, 6} {
		rows = append(rows, userRow(id, fmt.Sprintf("u%02d", id)))
	}
	insertRows(t, env, tbl, rows...)

	txn := mustBegin(t, env.txns)
	got := collectRange(t, tbl, txn, "", catalog.NewInt(3), catalog.NewInt(7))
	require.Equal(t, []int64{3, 4, 5, 6, 7}, rowIDs(got))
	for _, row := range got {
		require.Equal(t, fmt.Sprintf("u%02d", row[0].Int()), row[1].Text())
	}

	// "primary" and "" address the same index.
	require.Equal(t, []int64{3, 4, 5, 6, 7},
		rowIDs(collectRange(t, tbl, txn, PrimaryIndexName, catalog.NewInt(3), catalog.NewInt(7))))

	require.Empty(t, collectRange(t, tbl, txn, "", catalog.NewInt(50), catalog.NewInt(60)))

	_, err := tbl.RangeScan(context.Background(), txn, "nope", catalog.NewInt(0), catalog.NewInt(1))
	require.ErrorIs(t, err, dberror.ErrIndexNotFound)
	_, err = tbl.RangeScan(context.Background(), txn, "", catalog.NewText("a"), catalog.NewText("z"))
	require.ErrorIs(t, err, dberror.ErrSchemaViolation)
	require.NoError(t, env.txns.Commit(txn))
}

func TestTableSecondaryIndexBackfill(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()
	insertRows(t, env, tbl,
		userRow(1, "bob"), userRow(2, "alice"), userRowNullName(3), userRow(4, "bob"))

	txn := mustBegin(t, env.txns)
	require.NoError(t, tbl.CreateSecondaryIndex(ctx, txn, "users_name", "name", 4))

	require.ErrorIs(t, tbl.CreateSecondaryIndex(ctx, txn, "users_name", "name", 4), dberror.ErrIndexExists)
	require.ErrorIs(t, tbl.CreateSecondaryIndex(ctx, txn, PrimaryIndexName, "name", 4), dberror.ErrIndexExists)
	require.ErrorIs(t, tbl.CreateSecondaryIndex(ctx, txn, "users_email", "email", 4), dberror.ErrSchemaViolation)
	require.ErrorIs(t, tbl.CreateSecondaryIndex(ctx, txn, "9bad", "name", 4), dberror.ErrSchemaViolation)
	require.NoError(t, env.txns.Commit(txn))

	require.Equal(t, []string{"users_name"}, tbl.Indexes())
	meta, err := env.cat.Get("users")
	require.NoError(t, err)
	require.Len(t, meta.Secondary, 1)
	require.Equal(t, "name", meta.Secondary[0].Column)

	// Key order, duplicates in arrival order, NULLs not indexed.
	txn2 := mustBegin(t, env.txns)
	got := collectRange(t, tbl, txn2, "users_name", catalog.NewText("a"), catalog.NewText("z"))
	require.Equal(t, []int64{2, 1, 4}, rowIDs(got))
	require.Equal(t, "alice", got[0][1].Text())
	require.Equal(t, "bob", got[1][1].Text())
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableSecondaryIndexMaintenance(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()
	insertRows(t, env, tbl,
		userRow(1, "bob"), userRow(2, "alice"), userRowNullName(3), userRow(4, "bob"))

	txn := mustBegin(t, env.txns)
	require.NoError(t, tbl.CreateSecondaryIndex(ctx, txn, "users_name", "name", 4))
	require.NoError(t, env.txns.Commit(txn))

	txn2 := mustBegin(t, env.txns)
	_, err := tbl.Insert(ctx, txn2, userRow(5, "carol"))
	require.NoError(t, err)
	_, err = tbl.Insert(ctx, txn2, userRowNullName(6))
	require.NoError(t, err)
	require.Equal(t, []int64{2, 1, 4, 5},
		rowIDs(collectRange(t, tbl, txn2, "users_name", catalog.NewText("a"), catalog.NewText("z"))))

	// NULL -> value enters the index, value -> NULL leaves it, and a delete
	// takes its entry along.
	require.NoError(t, tbl.Update(ctx, txn2, catalog.NewInt(3), userRow(3, "dave")))
	require.NoError(t, tbl.Update(ctx, txn2, catalog.NewInt(5), userRowNullName(5)))
	require.NoError(t, tbl.Delete(ctx, txn2, catalog.NewInt(4)))
	require.Equal(t, []int64{2, 1, 3},
		rowIDs(collectRange(t, tbl, txn2, "users_name", catalog.NewText("a"), catalog.NewText("z"))))
	require.NoError(t, env.txns.Commit(txn2))

	txn3 := mustBegin(t, env.txns)
	require.Equal(t, []int64{2, 1, 3},
		rowIDs(collectRange(t, tbl, txn3, "users_name", catalog.NewText("a"), catalog.NewText("z"))))
	row, found, err := tbl.Get(ctx, txn3, catalog.NewInt(6))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, row[1].IsNull())
	require.NoError(t, env.txns.Commit(txn3))
}

func TestTableOpenFromCatalog(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()
	insertRows(t, env, tbl, userRow(1, "bob"), userRow(2, "alice"))

	txn := mustBegin(t, env.txns)
	require.NoError(t, tbl.CreateSecondaryIndex(ctx, txn, "users_name", "name", 4))
	require.NoError(t, env.txns.Commit(txn))

	meta, err := env.cat.Get("users")
	require.NoError(t, err)
	opened, err := Open(meta, env.cat, env.bpm, env.lm, env.locks, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "users", opened.Name())
	require.Equal(t, usersSchema(), opened.Schema())
	require.Equal(t, []string{"users_name"}, opened.Indexes())

	txn2 := mustBegin(t, env.txns)
	row, found, err := opened.Get(ctx, txn2, catalog.NewInt(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "bob", row[1].Text())
	require.Equal(t, []int64{2, 1},
		rowIDs(collectRange(t, opened, txn2, "users_name", catalog.NewText("a"), catalog.NewText("z"))))

	// Both handles work over the same pages.
	_, err = opened.Insert(ctx, txn2, userRow(3, "carol"))
	require.NoError(t, err)
	_, found, err = tbl.Get(ctx, txn2, catalog.NewInt(3))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableRollbackRestoresRows(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()
	insertRows(t, env, tbl, userRow(1, "alice"))

	txn := mustBegin(t, env.txns)
	_, err := tbl.Insert(ctx, txn, userRow(2, "bob"))
	require.NoError(t, err)
	require.NoError(t, tbl.Update(ctx, txn, catalog.NewInt(1), userRow(1, "alicia")))
	require.NoError(t, env.txns.Rollback(txn))

	txn2 := mustBegin(t, env.txns)
	_, found, err := tbl.Get(ctx, txn2, catalog.NewInt(2))
	require.NoError(t, err)
	require.False(t, found)
	row, found, err := tbl.Get(ctx, txn2, catalog.NewInt(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alice", row[1].Text())

	// The key is free again after the rollback.
	_, err = tbl.Insert(ctx, txn2, userRow(2, "bobby"))
	require.NoError(t, err)
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableWritersExcludeEachOther(t *testing.T) {
	env := newTableEnv(t, 100*time.Millisecond)
	tbl := createUsersTable(t, env)
	ctx := context.Background()

	txn1 := mustBegin(t, env.txns)
	_, err := tbl.Insert(ctx, txn1, userRow(1, "alice"))
	require.NoError(t, err)

	// A second writer times out on the table lock.
	txn2 := mustBegin(t, env.txns)
	_, err = tbl.Insert(ctx, txn2, userRow(2, "bob"))
	require.ErrorIs(t, err, dberror.ErrDeadlock)

	// Point reads of other rows slip past the writer, the written row is
	// protected until commit.
	_, found, err := tbl.Get(ctx, txn2, catalog.NewInt(99))
	require.NoError(t, err)
	require.False(t, found)
	_, _, err = tbl.Get(ctx, txn2, catalog.NewInt(1))
	require.ErrorIs(t, err, dberror.ErrDeadlock)

	require.NoError(t, env.txns.Commit(txn1))

	_, err = tbl.Insert(ctx, txn2, userRow(2, "bob"))
	require.NoError(t, err)
	row, found, err := tbl.Get(ctx, txn2, catalog.NewInt(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alice", row[1].Text())
	require.NoError(t, env.txns.Commit(txn2))
}

func TestTableRequiresActiveTxn(t *testing.T) {
	env := newTableEnv(t, time.Second)
	tbl := createUsersTable(t, env)
	ctx := context.Background()

	txn := mustBegin(t, env.txns)
	require.NoError(t, env.txns.Commit(txn))

	_, err := tbl.Insert(ctx, txn, userRow(1, "alice"))
	require.ErrorIs(t, err, dberror.ErrTxnInvalidState)
	require.ErrorIs(t, tbl.Update(ctx, txn, catalog.NewInt(1), userRow(1, "x")), dberror.ErrTxnInvalidState)
	require.ErrorIs(t, tbl.Delete(ctx, txn, catalog.NewInt(1)), dberror.ErrTxnInvalidState)
	_, _, err = tbl.Get(ctx, txn, catalog.NewInt(1))
	require.ErrorIs(t, err, dberror.ErrTxnInvalidState)
	_, err = tbl.Scan(ctx, txn)
	require.ErrorIs(t, err, dberror.ErrTxnInvalidState)
	_, err = tbl.RangeScan(ctx, txn, "", catalog.NewInt(0), catalog.NewInt(1))
	require.ErrorIs(t, err, dberror.ErrTxnInvalidState)
	require.ErrorIs(t, tbl.CreateSecondaryIndex(ctx, txn, "users_name", "name", 4), dberror.ErrTxnInvalidState)
}
