package transaction

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
	"github.com/granitedb/granite/core/write_engine/wal"
)

// Manager owns the transaction lifecycle: it hands out ids, writes the
// begin/commit/abort records, drives rollback through the undo list and
// releases locks and deferred page frees at the right moments.
type Manager struct {
	logManager *wal.LogManager
	bufferPool *bufferpool.BufferPoolManager
	locks      *LockManager
	logger     *zap.Logger

	mu        sync.Mutex
	nextTxnID uint64
	active    map[uint64]*Transaction
}

// NewManager builds a transaction manager. startTxnID must be greater than
// every transaction id appearing in the existing log, so recovery's
// MaxTxnID+1 is the usual seed; a fresh database starts at 1.
func NewManager(lm *wal.LogManager, bpm *bufferpool.BufferPoolManager, locks *LockManager, startTxnID uint64, logger *zap.Logger) *Manager {
	if startTxnID == 0 {
		startTxnID = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logManager: lm,
		bufferPool: bpm,
		locks:      locks,
		logger:     logger,
		nextTxnID:  startTxnID,
		active:     make(map[uint64]*Transaction),
	}
}

// Locks returns the shared lock manager.
func (m *Manager) Locks() *LockManager { return m.locks }

// Begin starts a transaction and writes its begin record.
func (m *Manager) Begin() (*Transaction, error) {
	m.mu.Lock()
	id := m.nextTxnID
	m.nextTxnID++
	m.mu.Unlock()

	lsn, err := m.logManager.Append(&wal.LogRecord{
		TxnID: id,
		Type:  wal.LogRecordTypeBegin,
	})
	if err != nil {
		return nil, fmt.Errorf("begin txn %d: %w", id, err)
	}

	txn := &Transaction{
		id:       id,
		state:    StateActive,
		beginLSN: lsn,
		lastLSN:  lsn,
	}
	m.mu.Lock()
	m.active[id] = txn
	m.mu.Unlock()

	m.logger.Debug("Transaction started", zap.Uint64("txn_id", id), zap.Uint64("begin_lsn", uint64(lsn)))
	return txn, nil
}

// Commit makes the transaction durable. The commit record is forced to
// disk before Commit returns; only then are deferred page frees applied
// and locks released, so no other transaction can observe freed pages or
// unlocked rows from a commit that might still vanish in a crash.
func (m *Manager) Commit(txn *Transaction) error {
	if txn.state != StateActive {
		return fmt.Errorf("%w: commit of %s txn %d", dberror.ErrTxnInvalidState, txn.state, txn.id)
	}

	lsn, err := m.logManager.Append(&wal.LogRecord{
		PrevLSN: txn.lastLSN,
		TxnID:   txn.id,
		Type:    wal.LogRecordTypeCommit,
	})
	if err != nil {
		return fmt.Errorf("commit txn %d: %w", txn.id, err)
	}
	if err := m.logManager.Force(lsn); err != nil {
		return fmt.Errorf("force commit of txn %d: %w", txn.id, err)
	}
	txn.lastLSN = lsn
	txn.state = StateCommitted

	if len(txn.frees) > 0 {
		if err := m.bufferPool.ReleaseFreedPages(txn.frees); err != nil {
			// The commit itself is durable; a page leaked to the free
			// list is lost space, not lost data.
			m.logger.Error("Failed to release freed pages after commit",
				zap.Uint64("txn_id", txn.id), zap.Error(err))
		}
	}

	m.finish(txn)
	m.logger.Debug("Transaction committed", zap.Uint64("txn_id", txn.id), zap.Uint64("commit_lsn", uint64(lsn)))
	return nil
}

// Rollback undoes every change the transaction made, newest first, then
// writes the abort record. The abort record is not forced: if it is lost
// in a crash, recovery simply undoes the transaction again.
func (m *Manager) Rollback(txn *Transaction) error {
	if txn.state == StateAborted {
		return nil
	}
	if txn.state != StateActive {
		return fmt.Errorf("%w: rollback of %s txn %d", dberror.ErrTxnInvalidState, txn.state, txn.id)
	}

	for _, entry := range txn.UndoSince(0) {
		if err := m.bufferPool.ApplyUndo(txn, entry); err != nil {
			return fmt.Errorf("undo txn %d at lsn %d: %w", txn.id, uint64(entry.LSN), err)
		}
	}

	lsn, err := m.logManager.Append(&wal.LogRecord{
		PrevLSN: txn.lastLSN,
		TxnID:   txn.id,
		Type:    wal.LogRecordTypeAbort,
	})
	if err != nil {
		return fmt.Errorf("abort txn %d: %w", txn.id, err)
	}
	txn.lastLSN = lsn
	txn.state = StateAborted
	txn.undo = nil
	txn.frees = nil

	m.finish(txn)
	m.logger.Debug("Transaction rolled back", zap.Uint64("txn_id", txn.id))
	return nil
}

// finish releases locks and drops the transaction from the active table.
func (m *Manager) finish(txn *Transaction) {
	m.locks.ReleaseAll(txn.id)
	m.mu.Lock()
	delete(m.active, txn.id)
	m.mu.Unlock()
}

// ActiveTxns returns a snapshot of the ids of transactions in flight,
// recorded in checkpoint end records.
func (m *Manager) ActiveTxns() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// MinActiveBeginLSN returns the begin LSN of the oldest active
// transaction, or wal.InvalidLSN when none is active. Log truncation must
// keep everything from this point on.
func (m *Manager) MinActiveBeginLSN() wal.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	min := wal.InvalidLSN
	for _, txn := range m.active {
		if min == wal.InvalidLSN || txn.beginLSN < min {
			min = txn.beginLSN
		}
	}
	return min
}
