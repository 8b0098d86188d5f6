/*
Bulk operations over whole relations and databases.

Dropping: when a relation (or some tail of it) is about to vanish, every
buffer caching its pages is invalidated without writing — the caller
guarantees the file is going away, so the bytes are garbage anyway. When
the number of pages to invalidate is small relative to the pool and the
fork sizes are known, targeted mapping lookups beat a full descriptor scan;
otherwise the scan it is.

Flushing: FlushRelationBuffers and friends write every dirty cached page of
the given relations/database; callers use them before operations that read
the files directly underneath the pool.

see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3597
*/
package buffer

import (
	"sort"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
)

// dropFullScanThreshold: targeted lookups are used only when the pages to
// invalidate number less than the pool size divided by this
const dropFullScanThreshold = 32

// DropRelationBuffers invalidates every cached page of the given forks of
// the relation from firstDelPageID (per fork) onward. dirty pages are
// dropped without write.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3597
func (b *Backend) DropRelationBuffers(rel Rel, forks []disk.ForkNumber, firstDelPageID []page.PageID) error {
	if len(forks) != len(firstDelPageID) {
		panic("forks and firstDelPageID length mismatch")
	}

	// if every fork's cached size is known and the total is small, hunt the
	// individual pages through the mapping instead of scanning the pool
	total := 0
	sizesKnown := true
	for i, fork := range forks {
		n := b.m.dm.NPagesCached(rel.Locator, fork)
		if n == page.InvalidPageID {
			sizesKnown = false
			break
		}
		if n > firstDelPageID[i] {
			total += int(n - firstDelPageID[i])
		}
	}

	if sizesKnown && total < len(b.m.descriptors)/dropFullScanThreshold {
		for i, fork := range forks {
			n := b.m.dm.NPagesCached(rel.Locator, fork)
			for pid := firstDelPageID[i]; pid < n; pid++ {
				b.findAndDropBuffer(newTag(rel.Locator, fork, pid))
			}
		}
		return nil
	}

	// full scan
	for _, desc := range b.m.descriptors {
		// unlocked pre-check; the tag is re-verified under the header lock
		// inside invalidateBuffer
		if desc.tag.rel != rel.Locator {
			continue
		}
		state := desc.lockHeader()
		if state&bmTagValid == 0 || desc.tag.rel != rel.Locator {
			desc.unlockHeader(state)
			continue
		}
		match := false
		for i, fork := range forks {
			if desc.tag.forkNum == fork && desc.tag.pageID >= firstDelPageID[i] {
				match = true
				break
			}
		}
		if !match {
			desc.unlockHeader(state)
			continue
		}
		b.invalidateBuffer(desc, state)
	}
	return nil
}

// DropRelationsAllBuffers invalidates every cached page of all forks of the
// given relations.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3720
func (b *Backend) DropRelationsAllBuffers(rels []common.RelFileLocator) error {
	if len(rels) == 0 {
		return nil
	}
	sorted := make([]common.RelFileLocator, len(rels))
	copy(sorted, rels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })

	match := func(rel common.RelFileLocator) bool {
		if len(sorted) <= 8 {
			for _, r := range sorted {
				if r == rel {
					return true
				}
			}
			return false
		}
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i].Compare(rel) >= 0 })
		return i < len(sorted) && sorted[i] == rel
	}

	for _, desc := range b.m.descriptors {
		if !match(desc.tag.rel) {
			continue
		}
		state := desc.lockHeader()
		if state&bmTagValid == 0 || !match(desc.tag.rel) {
			desc.unlockHeader(state)
			continue
		}
		b.invalidateBuffer(desc, state)
	}
	return nil
}

// DropDatabaseBuffers invalidates every cached page of the database. used
// by DROP DATABASE; nothing is written.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3952
func (b *Backend) DropDatabaseBuffers(db common.DatabaseID) error {
	for _, desc := range b.m.descriptors {
		if desc.tag.rel.Database != db {
			continue
		}
		state := desc.lockHeader()
		if state&bmTagValid == 0 || desc.tag.rel.Database != db {
			desc.unlockHeader(state)
			continue
		}
		b.invalidateBuffer(desc, state)
	}
	return nil
}

// findAndDropBuffer invalidates the buffer holding the exact page, if any
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3891
func (b *Backend) findAndDropBuffer(tag BufferTag) {
	part := b.m.table.partitionFor(tag.hash())
	part.RLock()
	bufID := part.lookup(tag)
	part.RUnlock()
	if bufID < 0 {
		return
	}
	desc := b.m.descriptors[bufID]
	state := desc.lockHeader()
	if state&bmTagValid == 0 || desc.tag != tag {
		// recycled between lookup and lock; the page is gone from the pool
		desc.unlockHeader(state)
		return
	}
	b.invalidateBuffer(desc, state)
}

// invalidateBuffer clears the buffer's identity and pushes it to the free
// list. the caller passes the header lock it holds; the lock is released
// in all paths.
//
// a pinned buffer here can only mean someone is mid-write on it (the
// caller vouches nobody else wants the relation anymore), so wait for the
// I/O and retry. this loop is unbounded on purpose; bounding it with a
// deadline would turn a slow writer into silent corruption.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L1419
func (b *Backend) invalidateBuffer(desc *descriptor, state uint32) {
	desc.unlockHeader(state)

	for {
		// partition lock before header lock, per the lock ordering
		tag := desc.tag
		hash := tag.hash()
		part := b.m.table.partitionFor(hash)

		part.Lock()
		state = desc.lockHeader()

		if state&bmTagValid == 0 || desc.tag != tag {
			// somebody else already invalidated or recycled it
			desc.unlockHeader(state)
			part.Unlock()
			return
		}
		if stateRefCount(state) != 0 {
			// someone is writing the buffer out; let them finish, then retry
			desc.unlockHeader(state)
			part.Unlock()
			desc.waitIO()
			continue
		}

		part.delete(tag)
		desc.tag.clear()
		state &^= bmFlagMask &^ bmLocked
		state &^= usageCountMask
		desc.unlockHeader(state)
		part.Unlock()

		b.m.freeBuffer(desc)
		return
	}
}

// FlushRelationBuffers writes out every dirty cached page of the relation
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4058
func (b *Backend) FlushRelationBuffers(rel Rel) error {
	return b.flushMatchingBuffers(func(tag BufferTag) bool {
		return tag.rel == rel.Locator
	})
}

// FlushRelationsAllBuffers writes out every dirty cached page of all the
// given relations. large sets are binary searched, small ones scanned.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4156
func (b *Backend) FlushRelationsAllBuffers(rels []common.RelFileLocator) error {
	if len(rels) == 0 {
		return nil
	}
	sorted := make([]common.RelFileLocator, len(rels))
	copy(sorted, rels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	return b.flushMatchingBuffers(func(tag BufferTag) bool {
		if len(sorted) <= 8 {
			for _, r := range sorted {
				if r == tag.rel {
					return true
				}
			}
			return false
		}
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i].Compare(tag.rel) >= 0 })
		return i < len(sorted) && sorted[i] == tag.rel
	})
}

// FlushDatabaseBuffers writes out every dirty cached page of the database
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4417
func (b *Backend) FlushDatabaseBuffers(db common.DatabaseID) error {
	return b.flushMatchingBuffers(func(tag BufferTag) bool {
		return tag.rel.Database == db
	})
}

// flushMatchingBuffers is the shared scan: every valid dirty buffer whose
// tag matches is pinned, share-locked and flushed.
func (b *Backend) flushMatchingBuffers(match func(BufferTag) bool) error {
	for _, desc := range b.m.descriptors {
		if !match(desc.tag) {
			continue
		}

		b.reservePrivateRefCountEntry()

		state := desc.lockHeader()
		if state&(bmValid|bmDirty) != (bmValid|bmDirty) || !match(desc.tag) {
			desc.unlockHeader(state)
			continue
		}
		b.pinBufferLocked(desc, state)
		if err := b.LockBuffer(Buffer(desc.bufID+1), BufferLockShare); err != nil {
			b.unpinBuffer(desc)
			return err
		}
		err := b.flushBuffer(desc)
		_ = b.LockBuffer(Buffer(desc.bufID+1), BufferLockUnlock)
		b.unpinBuffer(desc)
		if err != nil {
			return err
		}
	}
	b.issuePendingWritebacks()
	return nil
}
