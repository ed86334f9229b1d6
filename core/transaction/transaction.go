package transaction

import (
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
	"github.com/granitedb/granite/core/write_engine/wal"
)

// State is the in-memory lifecycle state of a transaction.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction is one unit of atomic work. It carries its position in the
// log chain, the undo list for rollback, and the pages whose freeing waits
// for commit. A Transaction is not safe for concurrent use; each one
// belongs to a single goroutine at a time.
type Transaction struct {
	id       uint64
	state    State
	beginLSN wal.LSN
	lastLSN  wal.LSN
	undo     []bufferpool.UndoEntry
	frees    []pagestore.PageID
}

// TxnID returns the transaction's id.
func (t *Transaction) TxnID() uint64 { return t.id }

// State returns the lifecycle state.
func (t *Transaction) State() State { return t.state }

// BeginLSN returns the LSN of the transaction's begin record.
func (t *Transaction) BeginLSN() wal.LSN { return t.beginLSN }

// LastLSN returns the LSN of the transaction's most recent chained record.
func (t *Transaction) LastLSN() wal.LSN { return t.lastLSN }

// SetLastLSN advances the chain head after a record was appended.
func (t *Transaction) SetLastLSN(lsn wal.LSN) { t.lastLSN = lsn }

// RecordUndo appends one entry to the rollback list.
func (t *Transaction) RecordUndo(entry bufferpool.UndoEntry) {
	t.undo = append(t.undo, entry)
}

// DeferFree queues a page to be returned to the free list once the
// transaction commits.
func (t *Transaction) DeferFree(pageID pagestore.PageID) {
	t.frees = append(t.frees, pageID)
}

// UndoSince returns the undo entries recorded after the list had length
// mark, newest first. Table operations use it to roll back a half-applied
// operation without abandoning the whole transaction.
func (t *Transaction) UndoSince(mark int) []bufferpool.UndoEntry {
	if mark < 0 || mark >= len(t.undo) {
		return nil
	}
	tail := t.undo[mark:]
	out := make([]bufferpool.UndoEntry, len(tail))
	for i, e := range tail {
		out[len(tail)-1-i] = e
	}
	return out
}

// UndoMark returns the current length of the undo list, for UndoSince.
func (t *Transaction) UndoMark() int { return len(t.undo) }

// TruncateUndo drops undo entries past mark after they have been applied.
func (t *Transaction) TruncateUndo(mark int) {
	if mark >= 0 && mark <= len(t.undo) {
		t.undo = t.undo[:mark]
	}
}

// FreeMark returns the current length of the deferred-free list, for
// TruncateFrees.
func (t *Transaction) FreeMark() int { return len(t.frees) }

// TruncateFrees forgets free intents queued past mark. Paired with UndoSince
// when a half-applied operation rolls back: the undo restores structures that
// still reference those pages, so freeing them at commit would corrupt them.
func (t *Transaction) TruncateFrees(mark int) {
	if mark >= 0 && mark <= len(t.frees) {
		t.frees = t.frees[:mark]
	}
}
