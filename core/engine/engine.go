// Package engine assembles the storage stack (page store, buffer pool,
// write-ahead log, transactions, catalog and tables) behind a single
// operation API. Open runs crash recovery before anything else touches
// the file; Close checkpoints so the next start replays as little log as
// possible.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/granitedb/granite/config"
	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/table"
	"github.com/granitedb/granite/core/transaction"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
	"github.com/granitedb/granite/core/write_engine/wal"
	internaltelemetry "github.com/granitedb/granite/internal/telemetry"
)

// DataFileName is the page file inside the data directory.
const DataFileName = "granite.db"

// walDirName is the log directory inside the data directory.
const walDirName = "wal"

// Engine owns every table and coordinates transactions across them. All
// methods are safe for concurrent use; the transactions handed out by
// Begin are not, each belongs to one goroutine at a time.
type Engine struct {
	cfg     config.Config
	logger  *zap.Logger
	runID   string
	metrics *internaltelemetry.EngineMetrics

	diskManager *pagestore.DiskManager
	logManager  *wal.LogManager
	bufferPool  *bufferpool.BufferPoolManager
	locks       *transaction.LockManager
	txns        *transaction.Manager
	cat         *catalog.Catalog

	mu     sync.Mutex
	closed bool
	tables map[string]*table.Table
	// touched tracks, per transaction, the tables it may have written.
	// Rollback drops their cached handles: undo restores heap chains and
	// index pages underneath whatever the handles have cached.
	touched map[uint64]map[string]struct{}
}

// Open brings the engine up against cfg's data directory: open or create
// the file, replay and repair from the log, then load the catalog. A
// recovery failure refuses to open rather than serve from a file in an
// unknown state. logger and meter may be nil.
func Open(cfg config.Config, logger *zap.Logger, meter metric.Meter) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("granite")
	}
	metrics, err := internaltelemetry.NewEngineMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("registering engine metrics: %w", err)
	}

	dataDir := cfg.Engine.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir %s: %v", dberror.ErrIO, dataDir, err)
	}
	dm, created, err := pagestore.NewDiskManager(filepath.Join(dataDir, DataFileName), cfg.Engine.PageSize, logger)
	if err != nil {
		return nil, err
	}
	if created {
		if err := dm.WritePage(pagestore.MetaPageID, pagestore.FormatMetaPage(cfg.Engine.PageSize)); err != nil {
			dm.Close()
			return nil, err
		}
		if err := dm.Sync(); err != nil {
			dm.Close()
			return nil, err
		}
	}

	lm, err := wal.NewLogManager(wal.Config{
		Dir:              filepath.Join(dataDir, walDirName),
		ArchiveDir:       cfg.WAL.ArchiveDir,
		SegmentSize:      cfg.WAL.SegmentSize,
		BufferSize:       cfg.WAL.BufferSize,
		FlushInterval:    cfg.WAL.FlushInterval,
		ArchiveRateLimit: cfg.WAL.ArchiveRateLimit,
	}, logger)
	if err != nil {
		dm.Close()
		return nil, err
	}
	fail := func(err error) (*Engine, error) {
		lm.Close()
		dm.Close()
		return nil, err
	}

	rec, err := wal.Recover(lm, dm, logger)
	if err != nil {
		return fail(fmt.Errorf("recovery failed, refusing to open: %w", err))
	}

	bpm, err := bufferpool.NewBufferPoolManager(cfg.Engine.PoolSize, dm, lm, logger)
	if err != nil {
		return fail(err)
	}
	locks := transaction.NewLockManager(cfg.Engine.LockTimeout, logger)

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		runID:       uuid.NewString(),
		metrics:     metrics,
		diskManager: dm,
		logManager:  lm,
		bufferPool:  bpm,
		locks:       locks,
		txns:        transaction.NewManager(lm, bpm, locks, rec.MaxTxnID+1, logger),
		cat:         catalog.NewCatalog(bpm, logger),
		tables:      make(map[string]*table.Table),
		touched:     make(map[uint64]map[string]struct{}),
	}

	meta, err := bpm.Meta()
	if err != nil {
		return fail(err)
	}
	if meta.CatalogHead == pagestore.InvalidPageID {
		// Fresh file, or a crash undid the formatting transaction.
		if err := e.formatCatalog(); err != nil {
			return fail(fmt.Errorf("formatting catalog: %w", err))
		}
	}
	if err := e.cat.Load(); err != nil {
		return fail(err)
	}

	e.logger.Info("Engine open",
		zap.String("run_id", e.runID),
		zap.String("data_dir", dataDir),
		zap.Int("tables", len(e.cat.Tables())),
		zap.Uint64("max_lsn", uint64(rec.MaxLSN)),
		zap.Int("recovery_undone", rec.UndoneRecords),
		zap.Uint64s("recovery_losers", rec.LoserTxns))
	return e, nil
}

// formatCatalog writes the empty catalog inside its own committed
// transaction, so a crash mid-format leaves a file the next Open formats
// again.
func (e *Engine) formatCatalog() error {
	txn, err := e.txns.Begin()
	if err != nil {
		return err
	}
	if err := e.cat.Format(txn); err != nil {
		if rerr := e.txns.Rollback(txn); rerr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rerr)
		}
		return err
	}
	return e.txns.Commit(txn)
}

// Close checkpoints and releases everything. Transactions still active are
// abandoned; their locks die with the process and recovery undoes their
// writes on the next Open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if n := len(e.txns.ActiveTxns()); n > 0 {
		e.logger.Warn("Closing with transactions still active, next open will undo them",
			zap.Int("active", n))
	}

	var firstErr error
	if err := e.checkpoint(); err != nil {
		firstErr = err
		e.logger.Error("Checkpoint on close failed", zap.Error(err))
	}
	if err := e.logManager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.diskManager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("Engine closed", zap.String("run_id", e.runID))
	return firstErr
}

// Checkpoint flushes every dirty page and truncates the log behind the
// oldest record still needed. Callable at any time, concurrently with
// transactions; the checkpoint is fuzzy and in-flight changes simply stay
// replayable.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return dberror.ErrEngineClosed
	}
	return e.checkpoint()
}

func (e *Engine) checkpoint() error {
	ckptID := uuid.NewString()
	startLSN, err := e.logManager.Append(&wal.LogRecord{
		Type:  wal.LogRecordTypeCheckpointStart,
		Flags: wal.FlagRedoOnly,
	})
	if err != nil {
		return fmt.Errorf("checkpoint start: %w", err)
	}
	e.logger.Info("Starting checkpoint",
		zap.String("checkpoint_id", ckptID),
		zap.Uint64("checkpoint_lsn", uint64(startLSN)))
	if err := e.bufferPool.FlushAllPages(); err != nil {
		return fmt.Errorf("checkpoint flush: %w", err)
	}
	active, err := json.Marshal(e.txns.ActiveTxns())
	if err != nil {
		return err
	}
	endLSN, err := e.logManager.Append(&wal.LogRecord{
		PrevLSN: startLSN,
		Type:    wal.LogRecordTypeCheckpointEnd,
		Flags:   wal.FlagRedoOnly,
		After:   active,
	})
	if err != nil {
		return fmt.Errorf("checkpoint end: %w", err)
	}
	if err := e.logManager.Force(endLSN); err != nil {
		return err
	}
	if _, err := e.bufferPool.SystemMutateMeta(func(m *pagestore.Meta) {
		m.CheckpointLSN = startLSN
	}); err != nil {
		return err
	}

	// Everything before the checkpoint start is durably in the file, and
	// everything an active transaction might still undo must stay. The
	// active set is sampled after the start record went in, so no live
	// transaction can slip under the cutoff.
	cutoff := startLSN
	if min := e.txns.MinActiveBeginLSN(); min != wal.InvalidLSN && min < cutoff {
		cutoff = min
	}
	if err := e.logManager.Truncate(cutoff); err != nil {
		return err
	}
	e.logger.Info("Checkpoint complete",
		zap.String("checkpoint_id", ckptID),
		zap.Uint64("checkpoint_lsn", uint64(startLSN)),
		zap.Uint64("retained_from", uint64(e.logManager.FirstRetainedLSN())))
	return nil
}

// lookupTable returns the cached handle for name, opening it from the
// catalog on first use.
func (e *Engine) lookupTable(name string) (*table.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, dberror.ErrEngineClosed
	}
	if t, ok := e.tables[name]; ok {
		return t, nil
	}
	meta, err := e.cat.Get(name)
	if err != nil {
		return nil, err
	}
	t, err := table.Open(meta, e.cat, e.bufferPool, e.logManager, e.locks, e.logger)
	if err != nil {
		return nil, err
	}
	e.tables[name] = t
	return t, nil
}

func (e *Engine) touch(txnID uint64, tableName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.touched[txnID]
	if !ok {
		m = make(map[string]struct{})
		e.touched[txnID] = m
	}
	m[tableName] = struct{}{}
}

// takeTouched removes and returns the touched-table set of txnID, sorted
// so concurrent rollbacks latch tables in one global order.
func (e *Engine) takeTouched(txnID uint64) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.touched[txnID]))
	for name := range e.touched[txnID] {
		names = append(names, name)
	}
	delete(e.touched, txnID)
	sort.Strings(names)
	return names
}

func (e *Engine) forgetTouched(txnID uint64) {
	e.mu.Lock()
	delete(e.touched, txnID)
	e.mu.Unlock()
}

// rollback undoes txn while every table it wrote is latched against
// readers, then invalidates those tables' cached handles and reloads the
// catalog, whose in-memory state may describe structures the undo just
// took back.
func (e *Engine) rollback(txn *transaction.Transaction) error {
	names := e.takeTouched(txn.TxnID())
	restores := txn.UndoMark() > 0

	e.mu.Lock()
	handles := make([]*table.Table, 0, len(names))
	for _, name := range names {
		if t, ok := e.tables[name]; ok {
			handles = append(handles, t)
		}
	}
	e.mu.Unlock()

	for _, t := range handles {
		t.LockStructure()
	}
	err := e.txns.Rollback(txn)
	for i := len(handles) - 1; i >= 0; i-- {
		handles[i].UnlockStructure()
	}

	e.mu.Lock()
	for _, name := range names {
		delete(e.tables, name)
	}
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if restores {
		return e.cat.Reload()
	}
	return nil
}

// Status is a point-in-time snapshot of the engine for operators.
type Status struct {
	RunID         string
	DataDir       string
	Tables        []string
	ActiveTxns    int
	CurrentLSN    wal.LSN
	FlushedLSN    wal.LSN
	CheckpointLSN wal.LSN
}

// Status reports the engine's current state.
func (e *Engine) Status() (Status, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Status{}, dberror.ErrEngineClosed
	}
	e.mu.Unlock()

	meta, err := e.bufferPool.Meta()
	if err != nil {
		return Status{}, err
	}
	return Status{
		RunID:         e.runID,
		DataDir:       e.cfg.Engine.DataDir,
		Tables:        e.cat.Tables(),
		ActiveTxns:    len(e.txns.ActiveTxns()),
		CurrentLSN:    e.logManager.CurrentLSN(),
		FlushedLSN:    e.logManager.FlushedLSN(),
		CheckpointLSN: meta.CheckpointLSN,
	}, nil
}
