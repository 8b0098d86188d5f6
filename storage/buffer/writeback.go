/*
Writeback coalescing.

After writing pages through the storage manager, a writer drops an advisory
hint so the OS starts pushing the bytes to the device before the next fsync
piles them all up. Hints are batched in a small pending list; when it
fills, the list is sorted by tag and runs of consecutive pages in the same
fork are fused into one hint each. Purely best-effort: every error on this
path is ignored.

see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L5394
*/
package buffer

import (
	"sort"

	"github.com/kotodb/koto/storage/page"
)

// writebackContext is one writer's pending hints. each backend, the
// checkpointer and the background writer carry their own.
type writebackContext struct {
	// limit is the configured *_flush_after for this writer; 0 disables
	// writeback entirely
	limit   int
	pending []BufferTag
}

// scheduleWriteback queues a hint for the buffer's current page, flushing
// the queue when full.
func (b *Backend) scheduleWriteback(desc *descriptor) {
	b.scheduleWritebackCtx(&b.pendingWritebacks, desc)
}

func (b *Backend) scheduleWritebackCtx(ctx *writebackContext, desc *descriptor) {
	if ctx.limit <= 0 || b.m.cfg.writebackDisabled() {
		return
	}
	// the tag is stable: the caller holds a pin
	ctx.pending = append(ctx.pending, desc.tag)
	if len(ctx.pending) >= ctx.limit {
		b.issuePendingWritebacksCtx(ctx)
	}
}

// issuePendingWritebacks drains this backend's queue
func (b *Backend) issuePendingWritebacks() {
	b.issuePendingWritebacksCtx(&b.pendingWritebacks)
}

// issuePendingWritebacksCtx sorts the queue and issues one hint per run of
// consecutive pages within a fork.
func (b *Backend) issuePendingWritebacksCtx(ctx *writebackContext) {
	if len(ctx.pending) == 0 {
		return
	}
	sort.SliceStable(ctx.pending, func(i, j int) bool {
		return ctx.pending[i].less(ctx.pending[j])
	})

	i := 0
	for i < len(ctx.pending) {
		start := ctx.pending[i]
		n := 1
		for i+n < len(ctx.pending) {
			next := ctx.pending[i+n]
			if next.rel != start.rel || next.forkNum != start.forkNum {
				break
			}
			// fuse consecutive pages; swallow duplicates of the same page
			if next.pageID > ctx.pending[i+n-1].pageID+page.PageID(1) {
				break
			}
			n++
		}
		run := int(ctx.pending[i+n-1].pageID-start.pageID) + 1
		// advisory only; errors are of no interest here
		_ = b.m.dm.Writeback(start.rel, start.forkNum, start.pageID, run)
		i += n
	}
	ctx.pending = ctx.pending[:0]
}
