/*
The dirty/flush path.

MarkDirty is the contract every page modification goes through: exclusive
content lock held, pin held, then one CAS setting bmDirty|bmJustDirtied.
MarkDirtyHint is the weaker cousin for hint bits, legal under a share lock;
with checksums on it first logs a full page image, or a torn write could
persist a page whose checksum never matched any content.

flushBuffer enforces the one fundamental ordering rule of the whole module:
WAL up to the page's lsn is made durable before the page goes to the
storage manager. The page is checksummed on a private copy because hint-bit
setters may legally scribble on the shared copy mid-write.
*/
package buffer

import (
	"github.com/pkg/errors"

	"github.com/kotodb/koto/storage/page"
)

// MarkDirty marks the buffer's page as modified.
// the caller must hold a pin and the exclusive content lock. every path
// that modified page bytes under that lock must call this before releasing
// it, or the modification can be silently dropped by eviction.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L2111
func (b *Backend) MarkDirty(buf Buffer) error {
	if !b.m.bufferIsValid(buf) {
		return ErrBadBufferID
	}
	desc := b.m.descOf(buf)
	if mode, ok := b.heldContentLockMode(buf); !ok || mode != BufferLockExclusive {
		return errors.Wrap(ErrBadBufferID, "MarkDirty requires the exclusive content lock")
	}

	var oldState, newState uint32
	for {
		oldState = desc.loadState()
		if oldState&bmLocked != 0 {
			oldState = desc.waitHeaderLockReleased()
		}
		if stateRefCount(oldState) == 0 {
			panic("MarkDirty on an unpinned buffer")
		}
		newState = oldState | bmDirty | bmJustDirtied
		if desc.casState(oldState, newState) {
			break
		}
	}

	if oldState&bmDirty == 0 {
		b.sessionDirtied++
		b.m.countDirtied()
	}
	return nil
}

// MarkDirtyHint marks the buffer dirty for a hint-bit-only change, legal
// under a share lock.
//
// With checksums enabled on a permanent buffer this must emit a full page
// image first: a torn write of a page whose only change is a hint bit would
// otherwise produce a checksum failure on crash recovery. While that WAL
// record is being produced the session holds the checkpoint-start delay, so
// a checkpoint that began after our WAL record cannot complete before our
// dirty bit is visible to its scan. In recovery the whole thing is a no-op.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4544
func (b *Backend) MarkDirtyHint(buf Buffer, standardLayout bool) error {
	if !b.m.bufferIsValid(buf) {
		return ErrBadBufferID
	}
	desc := b.m.descOf(buf)
	if _, ok := b.heldContentLockMode(buf); !ok {
		return errors.Wrap(ErrBadBufferID, "MarkDirtyHint requires a content lock")
	}
	p := b.m.pages[desc.bufID]

	state := desc.loadState()
	if state&(bmDirty|bmJustDirtied) == (bmDirty | bmJustDirtied) {
		// already fully dirty; nothing to log, nothing to set
		return nil
	}

	needFPI := b.m.cfg.ChecksumsEnabled && state&bmPermanent != 0
	if needFPI {
		if b.m.wal.IsRecovery() {
			// hint bits are not worth logging during replay; just skip
			return nil
		}

		// hold off any checkpoint start between the WAL record and the dirty
		// bit below, or the checkpoint could complete without our page and
		// the record alone would not redo the hint
		b.m.delayCheckpointStart()
		defer b.m.allowCheckpointStart()

		lsn, err := b.m.wal.LogFullPage(desc.tag.rel, desc.tag.forkNum, desc.tag.pageID, p)
		if err != nil {
			return errors.Wrap(err, "wal.LogFullPage failed")
		}

		// stamp the lsn only if the page was not dirty already: if it was,
		// the real record that dirtied it governs the flush ordering
		state = desc.lockHeader()
		if stateRefCount(state) == 0 {
			desc.unlockHeader(state)
			panic("MarkDirtyHint on an unpinned buffer")
		}
		wasDirty := state&bmDirty != 0
		if !wasDirty {
			page.SetLSN(p, lsn)
		}
		desc.unlockHeader(state | bmDirty | bmJustDirtied)
		if !wasDirty {
			b.sessionDirtied++
			b.m.countDirtied()
		}
		return nil
	}

	var oldState, newState uint32
	for {
		oldState = desc.loadState()
		if oldState&bmLocked != 0 {
			oldState = desc.waitHeaderLockReleased()
		}
		newState = oldState | bmDirty | bmJustDirtied
		if desc.casState(oldState, newState) {
			break
		}
	}
	if oldState&bmDirty == 0 {
		b.sessionDirtied++
		b.m.countDirtied()
	}
	return nil
}

// flushBuffer writes the buffer's page out.
// the caller must hold a pin and at least the share content lock; the I/O
// claim is taken here. the dirty bit is only cleared if nobody re-dirtied
// the page while our write was in flight.
//
// strategy of the write: read the lsn and clear bmJustDirtied under the
// header lock, make WAL durable up to that lsn, checksum a private copy,
// hand the copy to the storage manager.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3349
func (b *Backend) flushBuffer(desc *descriptor) error {
	buf := Buffer(desc.bufID + 1)

	// somebody else may be writing this buffer right now; then our job is done
	if !b.startBufferIO(desc, false) {
		return nil
	}

	state := desc.lockHeader()
	lsn := page.GetLSN(b.m.pages[desc.bufID])
	permanent := state&bmPermanent != 0
	desc.unlockHeader(state &^ bmJustDirtied)

	// the fundamental rule: WAL first. unlogged buffers skip it, their
	// pages carry no meaningful lsn.
	if permanent {
		if err := b.m.wal.FlushWALUpTo(lsn); err != nil {
			b.AbortBufferIO(buf)
			return errors.Wrapf(ErrWalFlushError, "lsn %d: %v", lsn, err)
		}
	}

	// checksum on a private copy: hint-bit setters may mutate the shared
	// page under a share lock while we write
	var toWrite page.PagePtr
	if b.m.cfg.ChecksumsEnabled {
		copy(b.flushScratch[:], b.m.pages[desc.bufID][:])
		scratch := page.PagePtr(&b.flushScratch)
		page.SetPageChecksum(scratch, desc.tag.pageID)
		toWrite = scratch
	} else {
		toWrite = b.m.pages[desc.bufID]
	}

	done := b.m.trackIO(&b.m.stats.WriteTimeNanos)
	err := b.m.dm.WritePage(desc.tag.rel, desc.tag.forkNum, desc.tag.pageID, toWrite, true)
	done()
	if err != nil {
		b.AbortBufferIO(buf)
		return errors.Wrapf(ErrWriteError, "block %d of relation %d: %v",
			desc.tag.pageID, desc.tag.rel.Relation, err)
	}

	b.m.countWritten()
	b.terminateBufferIO(desc, true, 0)
	return nil
}

// FlushOneBuffer writes the buffer out without releasing anything. the
// caller must hold a pin and at least the share content lock.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4460
func (b *Backend) FlushOneBuffer(buf Buffer) error {
	if !b.m.bufferIsValid(buf) {
		return ErrBadBufferID
	}
	if _, ok := b.heldContentLockMode(buf); !ok {
		return errors.Wrap(ErrBadBufferID, "FlushOneBuffer requires a content lock")
	}
	return b.flushBuffer(b.m.descOf(buf))
}

// delayCheckpointStart/allowCheckpointStart bracket a window in which this
// session has WAL out that a starting checkpoint must not get ahead of
func (m *Manager) delayCheckpointStart() {
	m.ckptDelayMu.Lock()
	m.ckptDelayStart++
	m.ckptDelayMu.Unlock()
}

func (m *Manager) allowCheckpointStart() {
	m.ckptDelayMu.Lock()
	m.ckptDelayStart--
	if m.ckptDelayStart == 0 {
		m.ckptDelayCond.Broadcast()
	}
	m.ckptDelayMu.Unlock()
}

// waitCheckpointStartAllowed blocks a starting checkpoint until every
// delaying session has finished its critical window
func (m *Manager) waitCheckpointStartAllowed() {
	m.ckptDelayMu.Lock()
	for m.ckptDelayStart > 0 {
		m.ckptDelayCond.Wait()
	}
	m.ckptDelayMu.Unlock()
}
