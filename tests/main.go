// Crash and recovery walkthrough against a real data directory. It opens
// the engine, commits and abandons transactions, simulates a crash by not
// closing, and reopens to show recovery repairing the file. Run it from
// the repo root; it works entirely under ./data.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/granitedb/granite/config"
	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/engine"
	"github.com/granitedb/granite/pkg/logger"
)

const dataDir = "data"

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Engine.DataDir = dataDir
	cfg.Engine.PoolSize = 32
	// Small segments so the walkthrough rotates and archives a few.
	cfg.WAL.SegmentSize = 16 * 1024
	cfg.WAL.BufferSize = 4 * 1024
	cfg.WAL.ArchiveDir = filepath.Join(dataDir, "archive")
	return cfg
}

// cleanup removes the data directory from a previous run.
func cleanup() {
	fmt.Println("\n--- Cleaning up previous test data ---")
	if err := os.RemoveAll(dataDir); err != nil {
		fmt.Printf("Warning: failed to remove data directory: %v\n", err)
	}
	fmt.Println("Cleanup complete.")
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	ctx := context.Background()

	zlog, err := logger.New(logger.Config{Level: "warn", Format: "console", OutputFile: "stdout"})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	userSchema := catalog.Schema{Columns: []catalog.Column{
		{Name: "id", Type: catalog.TypeInt, PrimaryKey: true},
		{Name: "name", Type: catalog.TypeText},
	}}

	// --- Scenario 1: committed insert, uncommitted update, crash ---
	fmt.Println("\n--- Scenario 1: committed insert, uncommitted update, simulated crash ---")
	cleanup()

	eng, err := engine.Open(testConfig(), zlog, nil)
	if err != nil {
		log.Fatalf("Failed to open engine: %v", err)
	}
	if err := eng.CreateTable(ctx, "users", userSchema); err != nil {
		log.Fatalf("Failed to create table: %v", err)
	}

	txn1, err := eng.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin txn1: %v", err)
	}
	if err := eng.Insert(ctx, txn1, "users", row(1, "alice")); err != nil {
		log.Fatalf("Failed to insert: %v", err)
	}
	if err := eng.Commit(ctx, txn1); err != nil {
		log.Fatalf("Failed to commit txn1: %v", err)
	}
	fmt.Println("Committed: (1, alice)")

	txn2, err := eng.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin txn2: %v", err)
	}
	if err := eng.Update(ctx, txn2, "users", catalog.NewInt(1), row(1, "bob")); err != nil {
		log.Fatalf("Failed to update: %v", err)
	}
	fmt.Println("Updated to (1, bob) inside txn2, NOT committing.")

	// Checkpoint while txn2 is still open: its dirty page reaches the file
	// and its log records are retained, so the reopen below must undo the
	// update from the before-image.
	if err := eng.Checkpoint(); err != nil {
		log.Fatalf("Failed to checkpoint: %v", err)
	}
	fmt.Println("Checkpointed with txn2 open.")

	fmt.Println("\n--- Simulating crash: NOT calling eng.Close() ---")
	// eng.Close() is intentionally skipped here to simulate a crash. The
	// abandoned engine stays idle while the reopened one recovers.

	// --- Scenario 2: reopen and recover ---
	fmt.Println("\n--- Scenario 2: reopen and recover ---")
	eng2, err := engine.Open(testConfig(), zlog, nil)
	if err != nil {
		log.Fatalf("Failed to reopen engine: %v", err)
	}

	got := mustGet(ctx, eng2, 1)
	if got != "alice" {
		log.Fatalf("Recovery failed: get(1) = %q, want alice", got)
	}
	fmt.Println("Recovery verified: get(1) = alice, the uncommitted update is gone.")

	fmt.Println("\n--- Bulk inserts (Scenario 2) ---")
	txn3, err := eng2.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin txn3: %v", err)
	}
	for i := int64(2); i <= 51; i++ {
		if err := eng2.Insert(ctx, txn3, "users", row(i, fmt.Sprintf("user_%02d", i))); err != nil {
			log.Fatalf("Failed to insert key %d: %v", i, err)
		}
	}
	if err := eng2.Commit(ctx, txn3); err != nil {
		log.Fatalf("Failed to commit bulk insert: %v", err)
	}
	if n := countRows(ctx, eng2); n != 51 {
		log.Fatalf("Row count after bulk insert: %d, want 51", n)
	}
	fmt.Println("51 rows present after bulk insert.")

	// --- Scenario 3: deletions, secondary index, clean shutdown ---
	fmt.Println("\n--- Scenario 3: deletions, secondary index, clean shutdown ---")
	txn4, err := eng2.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin txn4: %v", err)
	}
	deleted := 0
	for i := int64(2); i <= 51; i += 2 {
		if err := eng2.Delete(ctx, txn4, "users", catalog.NewInt(i)); err != nil {
			log.Fatalf("Failed to delete key %d: %v", i, err)
		}
		deleted++
	}
	if err := eng2.Commit(ctx, txn4); err != nil {
		log.Fatalf("Failed to commit deletions: %v", err)
	}
	fmt.Printf("Deleted %d rows.\n", deleted)
	if n := countRows(ctx, eng2); n != 51-deleted {
		log.Fatalf("Row count after deletions: %d, want %d", n, 51-deleted)
	}

	if err := eng2.CreateIndex(ctx, "users", "users_by_name", "name"); err != nil {
		log.Fatalf("Failed to create index: %v", err)
	}
	txn5, err := eng2.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin txn5: %v", err)
	}
	it, err := eng2.RangeScan(ctx, txn5, "users", "users_by_name",
		catalog.NewText("user_10"), catalog.NewText("user_20"))
	if err != nil {
		log.Fatalf("Failed to range scan: %v", err)
	}
	inRange := 0
	for {
		r, ok, err := it.Next()
		if err != nil {
			log.Fatalf("Range scan failed: %v", err)
		}
		if !ok {
			break
		}
		fmt.Printf("  by name: %s -> id %d\n", r[1].Text(), r[0].Int())
		inRange++
	}
	it.Close()
	if err := eng2.Commit(ctx, txn5); err != nil {
		log.Fatalf("Failed to commit range scan txn: %v", err)
	}
	fmt.Printf("%d rows in name range [user_10, user_20].\n", inRange)

	fmt.Println("\n--- Cleanly closing the engine ---")
	if err := eng2.Close(); err != nil {
		log.Fatalf("Failed to close engine: %v", err)
	}
	fmt.Println("Engine closed cleanly.")

	fmt.Println("\n--- Listing log and archive files ---")
	listFilesInDir(filepath.Join(dataDir, "wal"))
	listFilesInDir(filepath.Join(dataDir, "archive"))

	// A clean close means the final open has nothing to undo.
	fmt.Println("\n--- Final reopen after clean shutdown ---")
	eng3, err := engine.Open(testConfig(), zlog, nil)
	if err != nil {
		log.Fatalf("Failed to reopen after clean close: %v", err)
	}
	if n := countRows(ctx, eng3); n != 51-deleted {
		log.Fatalf("Row count after clean reopen: %d, want %d", n, 51-deleted)
	}
	if got := mustGet(ctx, eng3, 1); got != "alice" {
		log.Fatalf("get(1) after clean reopen = %q, want alice", got)
	}
	if err := eng3.Close(); err != nil {
		log.Fatalf("Failed to close engine: %v", err)
	}

	fmt.Println("\n--- Test complete. ---")
}

func row(id int64, name string) []catalog.Value {
	return []catalog.Value{catalog.NewInt(id), catalog.NewText(name)}
}

func mustGet(ctx context.Context, eng *engine.Engine, id int64) string {
	txn, err := eng.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin: %v", err)
	}
	r, found, err := eng.Get(ctx, txn, "users", catalog.NewInt(id))
	if err != nil {
		log.Fatalf("Failed to get key %d: %v", id, err)
	}
	if !found {
		log.Fatalf("Key %d not found", id)
	}
	if err := eng.Commit(ctx, txn); err != nil {
		log.Fatalf("Failed to commit read txn: %v", err)
	}
	return r[1].Text()
}

func countRows(ctx context.Context, eng *engine.Engine) int {
	txn, err := eng.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin: %v", err)
	}
	it, err := eng.Scan(ctx, txn, "users")
	if err != nil {
		log.Fatalf("Failed to scan: %v", err)
	}
	defer it.Close()
	n := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		if !ok {
			break
		}
		n++
	}
	if err := eng.Commit(ctx, txn); err != nil {
		log.Fatalf("Failed to commit scan txn: %v", err)
	}
	return n
}

func listFilesInDir(dir string) {
	fmt.Printf("Contents of %s:\n", dir)
	files, err := os.ReadDir(dir)
	if err != nil {
		fmt.Printf("  Error reading directory: %v\n", err)
		return
	}
	if len(files) == 0 {
		fmt.Println("  (empty)")
		return
	}
	for _, file := range files {
		if !file.IsDir() {
			fmt.Printf("  - %s\n", file.Name())
		}
	}
}
