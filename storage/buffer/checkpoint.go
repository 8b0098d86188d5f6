/*
Checkpointing.

A checkpoint must write every page that was dirty when it started. Two
phases: a marking scan over the whole descriptor array flags the dirty
buffers with bmCheckpointNeeded and collects their identities, then the
write loop flushes exactly the flagged ones — a buffer flushed by anyone in
between (eviction, bgwriter) drops out because the flush clears the flag.

The collected identities are sorted by (tablespace, database, relation,
fork, page),
making per-file writes sequential, and the write order round-robins across
tablespaces with a min-heap keyed by per-tablespace progress, so one busy
tablespace cannot monopolize the I/O while others idle. Between writes a
throttle hook may sleep to spread the checkpoint over
CheckpointCompletionTarget of the interval.

see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L2479
*/
package buffer

import (
	"container/heap"
	"sort"

	"github.com/kotodb/koto/common"
)

// CheckpointFlags describe the kind of checkpoint
type CheckpointFlags uint32

const (
	// CheckpointIsShutdown is a shutdown checkpoint: unlogged buffers are
	// written too
	CheckpointIsShutdown CheckpointFlags = 1 << iota
	// CheckpointEndOfRecovery ends WAL replay; like shutdown it writes
	// everything
	CheckpointEndOfRecovery
	// CheckpointImmediate disables throttling
	CheckpointImmediate
	// CheckpointFlushAll includes unlogged buffers without being a shutdown
	CheckpointFlushAll
)

// ckptSortItem is one to-be-written buffer, in its pre-write identity.
// carrying the identity (not just the buf id) keeps the sort stable even if
// the buffer gets evicted and recycled mid-checkpoint: the write loop
// re-checks bmCheckpointNeeded and the tag before writing.
type ckptSortItem struct {
	tag   BufferTag
	bufID int
}

// ckptTsStatus is the per-tablespace progress used for write balancing
type ckptTsStatus struct {
	tablespace common.TablespaceID
	// progress is virtual time: incremented by progressSlice per write, so
	// tablespaces with few pages advance faster and yield the heap top to
	// the busy ones proportionally
	progress      float64
	progressSlice float64
	// numToScan / index bound this tablespace's slice of the sorted items
	start, numToScan, index int
}

// ckptTsHeap is the min-heap over per-tablespace progress, ties broken by
// tablespace id for determinism
type ckptTsHeap []*ckptTsStatus

func (h ckptTsHeap) Len() int { return len(h) }
func (h ckptTsHeap) Less(i, j int) bool {
	if h[i].progress != h[j].progress {
		return h[i].progress < h[j].progress
	}
	return h[i].tablespace < h[j].tablespace
}
func (h ckptTsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ckptTsHeap) Push(x interface{}) { *h = append(*h, x.(*ckptTsStatus)) }
func (h *ckptTsHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// CheckpointBuffers runs a checkpoint over the pool using the given
// backend for pins and I/O claims. the throttle hook (if any) is called
// after every marked buffer the write loop processes, written or found
// already clean, with the number processed so far and the total.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3276
func (b *Backend) CheckpointBuffers(flags CheckpointFlags, throttle func(written, total int)) error {
	m := b.m
	m.ckptMu.Lock()
	defer m.ckptMu.Unlock()

	// sessions holding the delay-start flag have WAL out whose dirty bit is
	// not yet visible; starting the scan before they finish could lose it
	m.waitCheckpointStartAllowed()

	writeAll := flags&(CheckpointIsShutdown|CheckpointEndOfRecovery|CheckpointFlushAll) != 0

	// phase 1: mark. a concurrent dirtying after this instant is not this
	// checkpoint's problem.
	items := make([]ckptSortItem, 0, 64)
	for id, desc := range m.descriptors {
		state := desc.lockHeader()
		mark := state&bmDirty != 0 && (writeAll || state&bmPermanent != 0)
		if mark {
			desc.unlockHeader(state | bmCheckpointNeeded)
			items = append(items, ckptSortItem{tag: desc.tag, bufID: id})
		} else {
			desc.unlockHeader(state)
		}
	}
	if len(items) == 0 {
		return nil
	}

	// phase 2: sort, then balance across tablespaces
	sort.Slice(items, func(i, j int) bool { return items[i].tag.less(items[j].tag) })

	var tsStates []*ckptTsStatus
	for i := range items {
		ts := items[i].tag.rel.Tablespace
		if len(tsStates) == 0 || tsStates[len(tsStates)-1].tablespace != ts {
			tsStates = append(tsStates, &ckptTsStatus{tablespace: ts, start: i})
		}
		tsStates[len(tsStates)-1].numToScan++
	}
	total := len(items)
	for _, ts := range tsStates {
		ts.progressSlice = float64(total) / float64(ts.numToScan)
	}

	h := make(ckptTsHeap, len(tsStates))
	copy(h, tsStates)
	heap.Init(&h)

	written := 0
	processed := 0
	ckptCtx := writebackContext{limit: m.cfg.CheckpointFlushAfter}

	for h.Len() > 0 {
		ts := h[0]
		item := items[ts.start+ts.index]

		wrote, err := b.checkpointWriteOne(item, &ckptCtx)
		if err != nil {
			b.issuePendingWritebacksCtx(&ckptCtx)
			return err
		}
		if wrote {
			written++
			m.countCkptWrite()
		}
		processed++

		ts.progress += ts.progressSlice
		ts.index++
		if ts.index >= ts.numToScan {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}

		if throttle != nil && flags&CheckpointImmediate == 0 {
			throttle(processed, total)
		}
	}

	b.issuePendingWritebacksCtx(&ckptCtx)
	return nil
}

// checkpointWriteOne flushes one marked buffer if it still needs it.
// reports whether a write actually happened.
func (b *Backend) checkpointWriteOne(item ckptSortItem, ctx *writebackContext) (bool, error) {
	desc := b.m.descriptors[item.bufID]

	// make sure we can pin without allocating under the header lock
	b.reservePrivateRefCountEntry()

	state := desc.lockHeader()
	if state&bmCheckpointNeeded == 0 || desc.tag != item.tag {
		// someone flushed it for us, or the buffer was recycled; either way
		// the page this checkpoint cared about is on disk
		desc.unlockHeader(state)
		return false, nil
	}
	b.pinBufferLocked(desc, state)

	if err := b.LockBuffer(Buffer(desc.bufID+1), BufferLockShare); err != nil {
		b.unpinBuffer(desc)
		return false, err
	}
	err := b.flushBuffer(desc)
	_ = b.LockBuffer(Buffer(desc.bufID+1), BufferLockUnlock)
	if err != nil {
		b.unpinBuffer(desc)
		return false, err
	}
	// queue the hint while the pin still keeps the tag stable
	b.scheduleWritebackCtx(ctx, desc)
	b.unpinBuffer(desc)
	return true, nil
}
