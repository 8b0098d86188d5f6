/*
The read/pin path.

ReadBufferExtended returns a pinned buffer holding the requested page,
fetching it from the storage manager on a miss. The miss path acquires a
victim buffer first (which may flush someone else's dirty page), then races
to install the new tag in the mapping table; the loser of that race frees
its victim and piggybacks on the winner's buffer, waiting out the winner's
read through the I/O claim protocol (io.go).

The caller owns one pin on the returned buffer and must release it with
ReleaseBuffer when done.

see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L991
*/
package buffer

import (
	"github.com/pkg/errors"

	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
)

// ReadBufferMode tells ReadBufferExtended what to do with the page bytes
type ReadBufferMode int

const (
	// ReadBufferNormal reads the page and errors on corruption
	ReadBufferNormal ReadBufferMode = iota
	// ReadBufferNormalNoLog is ReadBufferNormal for callers that bypass WAL;
	// the buffer manager treats it identically, the mode exists so call
	// sites document themselves
	ReadBufferNormalNoLog
	// ReadBufferZeroOnError zeroes the page on corruption with a warning
	ReadBufferZeroOnError
	// ReadBufferZeroAndLock skips the read, zeroes the page and returns it
	// with the content lock held exclusive
	ReadBufferZeroAndLock
	// ReadBufferZeroAndCleanupLock is ReadBufferZeroAndLock with a
	// cleanup-strength lock
	ReadBufferZeroAndCleanupLock
)

// ReadBuffer reads the page of the main fork in normal mode
func (b *Backend) ReadBuffer(rel Rel, pageID page.PageID) (Buffer, error) {
	return b.ReadBufferExtended(rel, disk.ForkNumberMain, pageID, ReadBufferNormal, nil)
}

// ReadBufferExtended returns a pinned buffer holding the page.
// when pageID is page.NewPageID the relation is extended by one page
// instead (the legacy extension path; bulk extension is ExtendBy).
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L755
func (b *Backend) ReadBufferExtended(rel Rel, forkNum disk.ForkNumber, pageID page.PageID,
	mode ReadBufferMode, strategy *AccessStrategy) (Buffer, error) {
	if pageID == page.NewPageID {
		res, err := b.ExtendBy(rel, forkNum, 1, ExtendFlags(0), strategy)
		if err != nil {
			return InvalidBuffer, err
		}
		return res.Buffers[0], nil
	}

	desc, found, err := b.bufferAlloc(rel, forkNum, pageID, strategy)
	if err != nil {
		return InvalidBuffer, err
	}
	buf := Buffer(desc.bufID + 1)

	if found {
		b.m.countHit()
		// a hit still honors the zero modes: the caller wants a clean slate
		// under lock, not whatever the pool had
		if mode == ReadBufferZeroAndLock || mode == ReadBufferZeroAndCleanupLock {
			if err := b.zeroAndLockBuffer(desc, mode); err != nil {
				b.unpinBuffer(desc)
				return InvalidBuffer, err
			}
		}
		return buf, nil
	}

	// miss: we own the I/O claim and fill the page ourselves
	b.m.countRead()
	p := b.m.pages[desc.bufID]

	if mode == ReadBufferZeroAndLock || mode == ReadBufferZeroAndCleanupLock {
		for i := range p {
			p[i] = 0
		}
	} else {
		done := b.m.trackIO(&b.m.stats.ReadTimeNanos)
		err := b.m.dm.ReadPage(rel.Locator, forkNum, pageID, p)
		done()
		if err != nil {
			b.AbortBufferIO(buf)
			b.unpinBuffer(desc)
			return InvalidBuffer, errors.Wrap(err, "dm.ReadPage failed")
		}
		if !page.VerifyPage(p, pageID) {
			if mode == ReadBufferZeroOnError || b.m.cfg.ZeroDamagedPages {
				b.m.logf("invalid page in block %d of relation %d; zeroing out page",
					pageID, rel.Locator.Relation)
				for i := range p {
					p[i] = 0
				}
			} else {
				b.AbortBufferIO(buf)
				b.unpinBuffer(desc)
				return InvalidBuffer, errors.Wrapf(ErrCorruptPage,
					"block %d of relation %d", pageID, rel.Locator.Relation)
			}
		}
	}

	// for the zero modes, take the content lock before anybody can see the
	// buffer as valid, so no other backend can touch the zeroed page first
	if mode == ReadBufferZeroAndLock {
		if err := b.LockBuffer(buf, BufferLockExclusive); err != nil {
			b.AbortBufferIO(buf)
			b.unpinBuffer(desc)
			return InvalidBuffer, err
		}
	} else if mode == ReadBufferZeroAndCleanupLock {
		if err := b.LockBufferForCleanup(buf); err != nil {
			b.AbortBufferIO(buf)
			b.unpinBuffer(desc)
			return InvalidBuffer, err
		}
	}

	b.terminateBufferIO(desc, false, bmValid)
	return buf, nil
}

// zeroAndLockBuffer implements the zero modes for a buffer that was already
// cached: grab the lock, then zero.
func (b *Backend) zeroAndLockBuffer(desc *descriptor, mode ReadBufferMode) error {
	buf := Buffer(desc.bufID + 1)
	if mode == ReadBufferZeroAndCleanupLock {
		if err := b.LockBufferForCleanup(buf); err != nil {
			return err
		}
	} else {
		if err := b.LockBuffer(buf, BufferLockExclusive); err != nil {
			return err
		}
	}
	p := b.m.pages[desc.bufID]
	for i := range p {
		p[i] = 0
	}
	return nil
}

// bufferAlloc looks the tag up and returns a pinned descriptor for it.
// found reports whether the page bytes are valid; when false, this backend
// owns the I/O claim and must read the page (or abort the claim).
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L1220
func (b *Backend) bufferAlloc(rel Rel, forkNum disk.ForkNumber, pageID page.PageID,
	strategy *AccessStrategy) (*descriptor, bool, error) {
	tag := newTag(rel.Locator, forkNum, pageID)
	hash := tag.hash()
	part := b.m.table.partitionFor(hash)

	// see if the page is in the pool already
	part.RLock()
	if existingID := part.lookup(tag); existingID >= 0 {
		desc := b.m.descriptors[existingID]
		// pin before dropping the partition lock so nobody can evict it in
		// between
		valid := b.pinBuffer(desc, strategy)
		part.RUnlock()
		if !valid {
			// (a) someone is still reading the page in, or (b) a previous
			// read failed. wait out any active attempt; if the page is still
			// not valid we inherit the job.
			if b.startBufferIO(desc, true) {
				return desc, false, nil
			}
		}
		return desc, true, nil
	}
	part.RUnlock()

	// miss. acquire a victim without holding any conflicting lock; somebody
	// else may be doing the same for the same tag, and the insert below
	// settles the race.
	victim, err := b.getVictimBuffer(strategy)
	if err != nil {
		return nil, false, err
	}

	part.Lock()
	if existingID := part.insert(tag, victim.bufID); existingID >= 0 {
		// lost the race: give the victim back and use the winner's buffer
		b.unpinBuffer(victim)
		b.m.freeBuffer(victim)

		desc := b.m.descriptors[existingID]
		valid := b.pinBuffer(desc, strategy)
		part.Unlock()
		if !valid {
			if b.startBufferIO(desc, true) {
				return desc, false, nil
			}
		}
		return desc, true, nil
	}

	// won: install the tag under the header lock, still holding the
	// partition lock exclusively so invariant `tag in table <=> bmTagValid`
	// never wobbles
	state := victim.lockHeader()
	victim.tag = tag
	state |= bmTagValid | usageCountOne
	if !rel.Unlogged || forkNum == disk.ForkNumberInit {
		state |= bmPermanent
	}
	victim.unlockHeader(state)
	part.Unlock()

	// contents are invalid; claim the read. losing the claim means some
	// very fast other backend already read the page for us.
	if b.startBufferIO(victim, true) {
		return victim, false, nil
	}
	return victim, true, nil
}

// getVictimBuffer returns a pinned buffer with no valid tag, ready to be
// reused for a new page. it may write out someone's dirty page on the way.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L1585
func (b *Backend) getVictimBuffer(strategy *AccessStrategy) (*descriptor, error) {
	for {
		// the pin taken under the header lock below must never allocate
		b.reservePrivateRefCountEntry()

		var desc *descriptor
		fromRing := false
		if strategy != nil {
			if desc = strategy.getBuffer(b.m); desc != nil {
				fromRing = true
			}
		}
		if desc == nil {
			if desc = b.m.allocateFromFreeList(); desc == nil {
				var err error
				desc, err = b.m.allocateWithClockSweep()
				if err != nil {
					return nil, err
				}
			}
		}
		b.m.countAlloc()
		b.m.countStrategyAlloc()

		// the header lock is still held; pin and release it
		b.pinBufferLocked(desc, desc.loadState())
		if strategy != nil && !fromRing {
			strategy.adoptBuffer(desc)
		}

		state := desc.loadState()
		if state&bmDirty != 0 {
			// evicting a dirty page means writing it first.
			// a ring buffer whose flush would stall on WAL is pushed back to
			// the global sweep instead; bulk readers should not pay that.
			if fromRing {
				lsn := b.m.bufferGetLSN(desc)
				if b.m.wal.WALNeedsFlush(lsn) && strategy.rejectBuffer(desc) {
					b.unpinBuffer(desc)
					continue
				}
			}
			desc.contentLock.RLock()
			err := b.flushBuffer(desc)
			desc.contentLock.RUnlock()
			if err != nil {
				b.unpinBuffer(desc)
				return nil, err
			}
			b.scheduleWriteback(desc)
		}

		// clear the old identity. if the buffer got re-pinned or re-dirtied
		// while we flushed, give it up and sweep on.
		if !b.invalidateVictimBuffer(desc) {
			b.unpinBuffer(desc)
			continue
		}
		return desc, nil
	}
}

// invalidateVictimBuffer removes the victim's old tag from the mapping
// table. returns false when the buffer got re-pinned or re-dirtied and
// cannot be recycled after all.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L1517
func (b *Backend) invalidateVictimBuffer(desc *descriptor) bool {
	if desc.loadState()&bmTagValid == 0 {
		// fresh from the free list; nothing to remove
		return true
	}

	// we hold a pin, so the tag cannot change under us
	tag := desc.tag
	hash := tag.hash()
	part := b.m.table.partitionFor(hash)

	part.Lock()
	state := desc.lockHeader()
	if stateRefCount(state) != 1 || state&bmDirty != 0 {
		// somebody pinned it back in, or dirtied it again
		desc.unlockHeader(state)
		part.Unlock()
		return false
	}

	part.delete(tag)
	desc.tag.clear()
	state &^= bmFlagMask &^ bmLocked
	state &^= usageCountMask
	desc.unlockHeader(state)
	part.Unlock()
	return true
}

// ReleaseBuffer unpins the buffer. every ReadBuffer* must be paired with
// exactly one of these (or UnlockReleaseBuffer).
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4480
func (b *Backend) ReleaseBuffer(buf Buffer) error {
	if !b.m.bufferIsValid(buf) {
		return ErrBadBufferID
	}
	b.unpinBuffer(b.m.descOf(buf))
	return nil
}

// UnlockReleaseBuffer is LockBuffer(Unlock) + ReleaseBuffer
func (b *Backend) UnlockReleaseBuffer(buf Buffer) error {
	if err := b.LockBuffer(buf, BufferLockUnlock); err != nil {
		return err
	}
	return b.ReleaseBuffer(buf)
}

// IncrBufferRefCount adds a nested pin to a buffer this backend already
// holds. purely local bookkeeping; the shared count already carries our
// increment.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4512
func (b *Backend) IncrBufferRefCount(buf Buffer) error {
	if !b.m.bufferIsValid(buf) {
		return ErrBadBufferID
	}
	b.reservePrivateRefCountEntry()
	ref := b.getPrivateRefCountEntry(buf, true)
	if ref == nil {
		return errors.Wrap(ErrBadBufferID, "buffer is not pinned")
	}
	ref.refcount++
	b.resOwner.RememberBuffer(buf)
	return nil
}

// ReleaseAndReadBuffer is the fast path for walking a relation: when the
// held buffer already contains the wanted page it is returned as is;
// otherwise it is released and the wanted page read normally.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L2174
func (b *Backend) ReleaseAndReadBuffer(held Buffer, rel Rel, pageID page.PageID) (Buffer, error) {
	if b.m.bufferIsValid(held) && b.getPrivateRefCount(held) > 0 {
		desc := b.m.descOf(held)
		if desc.tag.rel == rel.Locator && desc.tag.forkNum == disk.ForkNumberMain &&
			desc.tag.pageID == pageID {
			return held, nil
		}
		b.unpinBuffer(desc)
	}
	return b.ReadBuffer(rel, pageID)
}

// ReadRecentBuffer re-pins a buffer the caller believes still holds the
// given page (it held the handle before). reports whether the belief held;
// a hit is counted on success.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L632
func (b *Backend) ReadRecentBuffer(rel Rel, forkNum disk.ForkNumber, pageID page.PageID, recent Buffer) (bool, error) {
	if !b.m.bufferIsValid(recent) {
		return false, ErrBadBufferID
	}
	tag := newTag(rel.Locator, forkNum, pageID)
	desc := b.m.descOf(recent)

	b.reservePrivateRefCountEntry()

	if ref := b.getPrivateRefCountEntry(recent, true); ref != nil {
		// already pinned: the tag is stable, one plain compare settles it
		if desc.tag == tag {
			ref.refcount++
			b.resOwner.RememberBuffer(recent)
			b.m.countHit()
			return true, nil
		}
		return false, nil
	}

	// not pinned: check tag under the header lock, and pin right there so
	// the identity cannot change between check and pin
	state := desc.lockHeader()
	if state&bmValid != 0 && desc.tag == tag {
		b.pinBufferLocked(desc, state)
		b.m.countHit()
		return true, nil
	}
	desc.unlockHeader(state)
	return false, nil
}

// PrefetchBufferResult says what PrefetchBuffer accomplished
type PrefetchBufferResult struct {
	// Recent is a handle the page was already cached under (not pinned!),
	// InvalidBuffer if it was not cached
	Recent Buffer
	// InitiatedIO reports whether a read hint was issued to the OS
	InitiatedIO bool
}

// PrefetchBuffer hints that the page will be wanted soon. purely
// opportunistic: when the page is cached nothing happens (its handle is
// returned for a later ReadRecentBuffer), otherwise the storage manager is
// asked to warm it up.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L511
func (b *Backend) PrefetchBuffer(rel Rel, forkNum disk.ForkNumber, pageID page.PageID) (PrefetchBufferResult, error) {
	tag := newTag(rel.Locator, forkNum, pageID)
	part := b.m.table.partitionFor(tag.hash())

	part.RLock()
	existingID := part.lookup(tag)
	part.RUnlock()

	if existingID >= 0 {
		return PrefetchBufferResult{Recent: Buffer(existingID + 1)}, nil
	}
	if b.m.cfg.prefetchDisabled() {
		return PrefetchBufferResult{}, nil
	}
	initiated, err := b.m.dm.Prefetch(rel.Locator, forkNum, pageID)
	if err != nil {
		return PrefetchBufferResult{}, errors.Wrap(err, "dm.Prefetch failed")
	}
	return PrefetchBufferResult{InitiatedIO: initiated}, nil
}
