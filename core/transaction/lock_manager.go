package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
)

// DefaultLockTimeout is how long an acquire waits before it is treated as
// deadlocked and the transaction is told to abort.
const DefaultLockTimeout = 30 * time.Second

// LockMode is the strength of a lock on a resource. Intent modes (IS, IX)
// are taken on a table before locking rows under it, so a table-level S or
// X collides with row-level activity without scanning the rows.
type LockMode int

const (
	LockIS LockMode = iota // intent to share rows below
	LockIX                 // intent to modify rows below
	LockS                  // shared
	LockX                  // exclusive
)

func (m LockMode) String() string {
	switch m {
	case LockIS:
		return "IS"
	case LockIX:
		return "IX"
	case LockS:
		return "S"
	case LockX:
		return "X"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// compatible reports whether two modes may be held simultaneously by
// different transactions.
func compatible(a, b LockMode) bool {
	switch {
	case a == LockX || b == LockX:
		return false
	case a == LockS && b == LockIX, a == LockIX && b == LockS:
		return false
	default:
		return true
	}
}

// covers reports whether holding a makes a separate b unnecessary.
func covers(held, want LockMode) bool {
	if held == want || held == LockX {
		return true
	}
	if want == LockIS {
		return held == LockIX || held == LockS
	}
	return false
}

// join returns the weakest single mode at least as strong as both. S
// combined with IX escalates to X; this engine's transactions are short
// enough that the coarser grant is cheaper than a fifth mode.
func join(a, b LockMode) LockMode {
	if covers(a, b) {
		return a
	}
	if covers(b, a) {
		return b
	}
	// The only incomparable pair below X is {S, IX}.
	return LockX
}

type lockWaiter struct {
	txnID uint64
	mode  LockMode
	ready chan struct{} // closed on grant
}

type lockState struct {
	holders map[uint64]LockMode
	queue   []*lockWaiter
}

// LockManager hands out hierarchical two-phase locks keyed by opaque
// resource names. Waiters queue in arrival order; a transaction upgrading a
// lock it already holds goes to the front, since it cannot get out of the
// way of those behind it. Waits are bounded: a transaction blocked past the
// timeout is told to abort, which is how deadlocks are broken.
type LockManager struct {
	mu        sync.Mutex
	timeout   time.Duration
	resources map[string]*lockState
	byTxn     map[uint64]map[string]struct{}
	logger    *zap.Logger
}

// NewLockManager builds a lock manager with the given wait timeout; zero
// means DefaultLockTimeout.
func NewLockManager(timeout time.Duration, logger *zap.Logger) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		timeout:   timeout,
		resources: make(map[string]*lockState),
		byTxn:     make(map[uint64]map[string]struct{}),
		logger:    logger,
	}
}

// compatibleWithHolders reports whether txnID could hold mode alongside
// every other current holder. Callers hold lm.mu.
func (ls *lockState) compatibleWithHolders(txnID uint64, mode LockMode) bool {
	for holder, held := range ls.holders {
		if holder == txnID {
			continue
		}
		if !compatible(mode, held) {
			return false
		}
	}
	return true
}

// Acquire takes (or upgrades to) mode on resource for txnID, blocking
// behind incompatible holders. It returns dberror.ErrDeadlock when the wait
// exceeds the timeout, at which point the caller must roll the transaction
// back; its locks are the likely reason someone else is stuck too.
func (lm *LockManager) Acquire(ctx context.Context, txnID uint64, resource string, mode LockMode) error {
	lm.mu.Lock()
	ls, ok := lm.resources[resource]
	if !ok {
		ls = &lockState{holders: make(map[uint64]LockMode)}
		lm.resources[resource] = ls
	}

	if held, holds := ls.holders[txnID]; holds {
		if covers(held, mode) {
			lm.mu.Unlock()
			return nil
		}
		if ls.compatibleWithHolders(txnID, join(held, mode)) {
			ls.holders[txnID] = join(held, mode)
			lm.mu.Unlock()
			return nil
		}
		// Upgrade must wait, but never behind later arrivals.
		w := &lockWaiter{txnID: txnID, mode: mode, ready: make(chan struct{})}
		ls.queue = append([]*lockWaiter{w}, ls.queue...)
		lm.mu.Unlock()
		return lm.wait(ctx, w, resource)
	}

	if len(ls.queue) == 0 && ls.compatibleWithHolders(txnID, mode) {
		ls.holders[txnID] = mode
		lm.track(txnID, resource)
		lm.mu.Unlock()
		return nil
	}

	w := &lockWaiter{txnID: txnID, mode: mode, ready: make(chan struct{})}
	ls.queue = append(ls.queue, w)
	lm.mu.Unlock()
	return lm.wait(ctx, w, resource)
}

// wait blocks until the waiter is granted, the timeout fires or the
// context ends. Callers do not hold lm.mu.
func (lm *LockManager) wait(ctx context.Context, w *lockWaiter, resource string) error {
	timer := time.NewTimer(lm.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		if lm.cancelWaiter(w, resource) {
			lm.logger.Warn("Lock wait timed out",
				zap.Uint64("txn_id", w.txnID),
				zap.String("resource", resource),
				zap.String("mode", w.mode.String()))
			return fmt.Errorf("%w: %s on %s", dberror.ErrDeadlock, w.mode, resource)
		}
		return nil // granted as the timer fired
	case <-ctx.Done():
		if lm.cancelWaiter(w, resource) {
			return ctx.Err()
		}
		return nil
	}
}

// cancelWaiter removes w from the queue, reporting false when the grant
// already happened. Removing a waiter can unblock those behind it.
func (lm *LockManager) cancelWaiter(w *lockWaiter, resource string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	select {
	case <-w.ready:
		return false
	default:
	}
	ls := lm.resources[resource]
	for i, q := range ls.queue {
		if q == w {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			break
		}
	}
	lm.promoteLocked(resource, ls)
	return true
}

// promoteLocked grants queued waiters in order until the head cannot join
// the current holders. Callers hold lm.mu.
func (lm *LockManager) promoteLocked(resource string, ls *lockState) {
	for len(ls.queue) > 0 {
		w := ls.queue[0]
		want := w.mode
		if held, holds := ls.holders[w.txnID]; holds {
			want = join(held, w.mode)
		}
		if !ls.compatibleWithHolders(w.txnID, want) {
			return
		}
		ls.holders[w.txnID] = want
		lm.track(w.txnID, resource)
		ls.queue = ls.queue[1:]
		close(w.ready)
	}
}

// track records resource under txnID for bulk release. Callers hold lm.mu.
func (lm *LockManager) track(txnID uint64, resource string) {
	set, ok := lm.byTxn[txnID]
	if !ok {
		set = make(map[string]struct{})
		lm.byTxn[txnID] = set
	}
	set[resource] = struct{}{}
}

// ReleaseAll drops every lock txnID holds and wakes whoever can now run.
// Called once, when the transaction commits or finishes rolling back.
func (lm *LockManager) ReleaseAll(txnID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for resource := range lm.byTxn[txnID] {
		ls, ok := lm.resources[resource]
		if !ok {
			continue
		}
		delete(ls.holders, txnID)
		lm.promoteLocked(resource, ls)
		if len(ls.holders) == 0 && len(ls.queue) == 0 {
			delete(lm.resources, resource)
		}
	}
	delete(lm.byTxn, txnID)
}

// HeldModes returns the modes txnID holds, keyed by resource. Test and
// introspection helper.
func (lm *LockManager) HeldModes(txnID uint64) map[string]LockMode {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make(map[string]LockMode)
	for resource := range lm.byTxn[txnID] {
		if ls, ok := lm.resources[resource]; ok {
			if mode, holds := ls.holders[txnID]; holds {
				out[resource] = mode
			}
		}
	}
	return out
}
