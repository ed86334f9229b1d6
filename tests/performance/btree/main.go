// Throughput harness for the primary B+ tree path: batched inserts in
// shuffled key order to force splits, concurrent point reads, then an
// ordered range scan. Prints timings; works under /tmp/granite_perf.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/granitedb/granite/config"
	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/engine"
	"github.com/granitedb/granite/pkg/logger"
)

const (
	dataDir      = "/tmp/granite_perf"
	totalRows    = 20000
	batchSize    = 100
	writeWorkers = 8
	readWorkers  = 16
)

func main() {
	ctx := context.Background()
	if err := os.RemoveAll(dataDir); err != nil {
		log.Fatalf("failed to clean %s: %v", dataDir, err)
	}

	zlog, err := logger.New(logger.Config{Level: "error", Format: "console", OutputFile: "stderr"})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	cfg := config.Default()
	cfg.Engine.DataDir = dataDir
	cfg.Engine.PoolSize = 1024

	eng, err := engine.Open(cfg, zlog, nil)
	if err != nil {
		log.Fatalf("failed to open engine: %v", err)
	}

	schema := catalog.Schema{Columns: []catalog.Column{
		{Name: "id", Type: catalog.TypeInt, PrimaryKey: true},
		{Name: "val", Type: catalog.TypeText},
	}}
	if err := eng.CreateTable(ctx, "kv", schema); err != nil {
		log.Fatalf("failed to create table: %v", err)
	}

	write(ctx, eng)
	read(ctx, eng)
	scanRange(ctx, eng)

	start := time.Now()
	if err := eng.Close(); err != nil {
		log.Fatalf("failed to close engine: %v", err)
	}
	fmt.Printf("close (checkpoint): %v\n", time.Since(start))

	start = time.Now()
	eng2, err := engine.Open(cfg, zlog, nil)
	if err != nil {
		log.Fatalf("failed to reopen engine: %v", err)
	}
	fmt.Printf("reopen after clean close: %v\n", time.Since(start))
	if err := eng2.Close(); err != nil {
		log.Fatalf("failed to close engine: %v", err)
	}
}

func write(ctx context.Context, eng *engine.Engine) {
	keys := rand.New(rand.NewSource(42)).Perm(totalRows)
	wg := sync.WaitGroup{}
	sem := make(chan struct{}, writeWorkers)
	start := time.Now()
	for lo := 0; lo < totalRows; lo += batchSize {
		sem <- struct{}{}
		wg.Add(1)
		go func(batch []int) {
			defer wg.Done()
			defer func() { <-sem }()
			txn, err := eng.Begin(ctx)
			if err != nil {
				log.Fatalf("write begin: %v", err)
			}
			for _, k := range batch {
				row := []catalog.Value{
					catalog.NewInt(int64(k)),
					catalog.NewText(fmt.Sprintf("value-%d", k)),
				}
				if err := eng.Insert(ctx, txn, "kv", row); err != nil {
					log.Fatalf("insert %d: %v", k, err)
				}
			}
			if err := eng.Commit(ctx, txn); err != nil {
				log.Fatalf("write commit: %v", err)
			}
		}(keys[lo:min(lo+batchSize, totalRows)])
	}
	wg.Wait()
	elapsed := time.Since(start)
	fmt.Printf("write: %d rows in %v (%.0f rows/s)\n",
		totalRows, elapsed, float64(totalRows)/elapsed.Seconds())
}

func read(ctx context.Context, eng *engine.Engine) {
	wg := sync.WaitGroup{}
	sem := make(chan struct{}, readWorkers)
	start := time.Now()
	for i := 0; i < totalRows; i += 7 {
		sem <- struct{}{}
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			defer func() { <-sem }()
			txn, err := eng.Begin(ctx)
			if err != nil {
				log.Fatalf("read begin: %v", err)
			}
			row, found, err := eng.Get(ctx, txn, "kv", catalog.NewInt(int64(k)))
			if err != nil {
				log.Fatalf("get %d: %v", k, err)
			}
			if !found {
				log.Fatalf("key %d not found", k)
			}
			if want := fmt.Sprintf("value-%d", k); row[1].Text() != want {
				log.Fatalf("key %d: got %q, want %q", k, row[1].Text(), want)
			}
			if err := eng.Commit(ctx, txn); err != nil {
				log.Fatalf("read commit: %v", err)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)
	reads := (totalRows + 6) / 7
	fmt.Printf("read: %d point gets in %v (%.0f gets/s)\n",
		reads, elapsed, float64(reads)/elapsed.Seconds())
}

func scanRange(ctx context.Context, eng *engine.Engine) {
	txn, err := eng.Begin(ctx)
	if err != nil {
		log.Fatalf("range begin: %v", err)
	}
	start := time.Now()
	it, err := eng.RangeScan(ctx, txn, "kv", "",
		catalog.NewInt(totalRows/4), catalog.NewInt(totalRows/2))
	if err != nil {
		log.Fatalf("range scan: %v", err)
	}
	n := 0
	last := int64(-1)
	for {
		row, ok, err := it.Next()
		if err != nil {
			log.Fatalf("range next: %v", err)
		}
		if !ok {
			break
		}
		if row[0].Int() <= last {
			log.Fatalf("range out of order: %d after %d", row[0].Int(), last)
		}
		last = row[0].Int()
		n++
	}
	it.Close()
	if err := eng.Commit(ctx, txn); err != nil {
		log.Fatalf("range commit: %v", err)
	}
	want := totalRows/2 - totalRows/4 + 1
	if n != want {
		log.Fatalf("range returned %d rows, want %d", n, want)
	}
	fmt.Printf("range: %d rows in key order in %v\n", n, time.Since(start))
}
