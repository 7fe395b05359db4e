package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BlockOp classifies the write that holds a committing block number.
type BlockOp uint8

const (
	OpInsert BlockOp = iota
	OpMutation
	OpUpdate
	OpNewPart
)

func (op BlockOp) String() string {
	switch op {
	case OpInsert:
		return "Insert"
	case OpMutation:
		return "Mutation"
	case OpUpdate:
		return "Update"
	case OpNewPart:
		return "NewPart"
	}
	return "Unknown"
}

// CommittingBlock is an allocated but not-yet-visible sequence number. It is
// held from allocation until the write it represents commits or is
// abandoned.
type CommittingBlock struct {
	Op     BlockOp
	Number int64
}

// BlockAllocator is the per-table monotonic block number generator. It also
// tracks the in-flight committing blocks so that later writers can wait for
// earlier writes to settle. Allocation order is visibility order.
type BlockAllocator struct {
	mu       sync.Mutex
	cond     *sync.Cond
	counter  int64
	inflight map[int64]BlockOp
	log      logrus.FieldLogger
}

// NewBlockAllocator creates an allocator starting above zero.
func NewBlockAllocator(log logrus.FieldLogger) *BlockAllocator {
	a := &BlockAllocator{
		inflight: make(map[int64]BlockOp),
		log:      log,
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// RaiseFloor ensures future numbers are strictly greater than n. Used at
// startup after scanning existing parts and mutation entries.
func (a *BlockAllocator) RaiseFloor(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.counter {
		a.counter = n
	}
}

// Allocate returns the next block number, registered as in-flight.
func (a *BlockAllocator) Allocate(op BlockOp) CommittingBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter++
	b := CommittingBlock{Op: op, Number: a.counter}
	a.inflight[b.Number] = op
	a.log.WithFields(logrus.Fields{"block": b.Number, "op": op.String()}).Debug("allocated block number")
	return b
}

// Release removes a block from the in-flight set and wakes waiters.
func (a *BlockAllocator) Release(b CommittingBlock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inflight, b.Number)
	a.cond.Broadcast()
}

// WaitUntilSettled blocks until every in-flight block with number strictly
// less than below that does not satisfy skip has been released.
func (a *BlockAllocator) WaitUntilSettled(below int64, timeout time.Duration, skip func(CommittingBlock) bool) error {
	settled := func() bool {
		for n, op := range a.inflight {
			if n >= below {
				continue
			}
			if skip != nil && skip(CommittingBlock{Op: op, Number: n}) {
				continue
			}
			return false
		}
		return true
	}

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer timer.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for !settled() {
		if !time.Now().Before(deadline) {
			return errors.Wrapf(ErrTimeoutExceeded,
				"waiting %v for writes below block %d to commit", timeout, below)
		}
		a.cond.Wait()
	}
	return nil
}

// Wake broadcasts to all waiters (shutdown path).
func (a *BlockAllocator) Wake() {
	a.mu.Lock()
	a.cond.Broadcast()
	a.mu.Unlock()
}

// Inflight returns a copy of the in-flight set.
func (a *BlockAllocator) Inflight() []CommittingBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CommittingBlock, 0, len(a.inflight))
	for n, op := range a.inflight {
		out = append(out, CommittingBlock{Op: op, Number: n})
	}
	return out
}

// Current returns the last allocated number.
func (a *BlockAllocator) Current() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counter
}

// BlockHolder scopes a committing block: Release is idempotent and must run
// on every exit path.
type BlockHolder struct {
	Block CommittingBlock
	alloc *BlockAllocator
	once  sync.Once
}

// Hold allocates a block wrapped in a holder.
func (a *BlockAllocator) Hold(op BlockOp) *BlockHolder {
	return &BlockHolder{Block: a.Allocate(op), alloc: a}
}

// Release returns the block to the allocator exactly once.
func (h *BlockHolder) Release() {
	h.once.Do(func() { h.alloc.Release(h.Block) })
}
