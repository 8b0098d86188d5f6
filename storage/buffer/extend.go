/*
Relation extension.

Growing a relation is two jobs: making the file longer and making the new
pages appear in the pool, already pinned, so the caller can fill them. The
expensive part of victim acquisition (flushing someone's dirty page) is
done for all requested pages BEFORE the per-relation extension lock is
taken; the lock then covers only the size check, the tag installs and one
zero-extend call, keeping the serialization window small.

A pre-existing valid buffer found while installing a tag past the old end
of file is legal only if its page is still new (all zero): a previously
failed extension can leave such buffers behind, and some kernels have been
seen to report a too-small file size for a moment (an lseek bug), which
ends up looking the same. Anything non-zero there means real data beyond
EOF and the extension fails.

see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L1826
*/
package buffer

import (
	"github.com/pkg/errors"

	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
)

// ExtendFlags tune the extension
type ExtendFlags uint32

const (
	// ExtendSkipExtensionLock skips the per-relation extension lock. legal
	// only when the caller knows it is alone (e.g. building a new relation).
	ExtendSkipExtensionLock ExtendFlags = 1 << iota
	// ExtendLockFirst returns the first new buffer with its content lock
	// held exclusive
	ExtendLockFirst
	// ExtendLockTarget is used by ExtendTo: the target buffer comes back
	// content-locked exclusive
	ExtendLockTarget
)

// ExtendResult is what an extension produced
type ExtendResult struct {
	// FirstPageID is the id of the first new page
	FirstPageID page.PageID
	// Buffers are the new pages' buffers, each pinned once for the caller
	Buffers []Buffer
	// ExtendedBy is how many pages were actually added (the pin budget or
	// an extend-upto clamp may shrink the request)
	ExtendedBy int
}

// ExtendBy grows the relation fork by up to n pages and returns the new
// pages' buffers, pinned and valid (all zero).
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L844
func (b *Backend) ExtendBy(rel Rel, forkNum disk.ForkNumber, n int,
	flags ExtendFlags, strategy *AccessStrategy) (ExtendResult, error) {
	if n <= 0 {
		return ExtendResult{}, errors.New("extension by zero pages")
	}
	return b.extendShared(rel, forkNum, n, page.InvalidPageID, flags, strategy)
}

// ExtendBufferedRel grows the relation fork by one page and returns its
// buffer. ExtendBy with the unwrapping done.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L812
func (b *Backend) ExtendBufferedRel(rel Rel, forkNum disk.ForkNumber,
	flags ExtendFlags, strategy *AccessStrategy) (Buffer, error) {
	res, err := b.ExtendBy(rel, forkNum, 1, flags, strategy)
	if err != nil {
		return InvalidBuffer, err
	}
	return res.Buffers[0], nil
}

// ExtendTo grows the relation fork until it has at least upto pages and
// returns the buffer of page upto-1, pinned (and content-locked exclusive
// when ExtendLockTarget is set).
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L876
func (b *Backend) ExtendTo(rel Rel, forkNum disk.ForkNumber, upto page.PageID,
	flags ExtendFlags, strategy *AccessStrategy) (Buffer, error) {
	if upto == page.InvalidPageID || upto == 0 {
		return InvalidBuffer, errors.New("invalid extension target")
	}
	target := upto - 1

	for {
		size, err := b.m.dm.NPages(rel.Locator, forkNum)
		if err != nil {
			return InvalidBuffer, errors.Wrap(err, "dm.NPages failed")
		}
		if size >= upto {
			break
		}
		res, err := b.extendShared(rel, forkNum, int(upto-size), upto, flags, strategy)
		if err != nil {
			return InvalidBuffer, err
		}
		// a concurrent extender may have raced us past the target; the
		// clamped result tells us whether our batch covered it
		if res.ExtendedBy > 0 && res.FirstPageID+page.PageID(res.ExtendedBy) > target {
			idx := int(target - res.FirstPageID)
			for i, buf := range res.Buffers {
				if i == idx {
					continue
				}
				if err := b.ReleaseBuffer(buf); err != nil {
					return InvalidBuffer, err
				}
			}
			buf := res.Buffers[idx]
			if flags&ExtendLockTarget != 0 {
				if err := b.LockBuffer(buf, BufferLockExclusive); err != nil {
					return InvalidBuffer, err
				}
			}
			return buf, nil
		}
		for _, buf := range res.Buffers {
			if err := b.ReleaseBuffer(buf); err != nil {
				return InvalidBuffer, err
			}
		}
	}

	// somebody else created the page; read it the ordinary way
	buf, err := b.ReadBufferExtended(rel, forkNum, target, ReadBufferNormal, strategy)
	if err != nil {
		return InvalidBuffer, err
	}
	if flags&ExtendLockTarget != 0 {
		if err := b.LockBuffer(buf, BufferLockExclusive); err != nil {
			return InvalidBuffer, err
		}
	}
	return buf, nil
}

// limitAdditionalPins caps a batch request to a fair share of the pool, so
// one bulk extender cannot pin everything.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L1751
func (b *Backend) limitAdditionalPins(n int) int {
	backends := b.m.numBackends()
	if backends < 1 {
		backends = 1
	}
	limit := len(b.m.descriptors) / backends / 4
	if limit < 1 {
		limit = 1
	}
	if n > limit {
		return limit
	}
	return n
}

// extendShared is the shared-pool extension engine behind ExtendBy and
// ExtendTo. extendUpto, when not InvalidPageID, clamps the final size.
func (b *Backend) extendShared(rel Rel, forkNum disk.ForkNumber, n int,
	extendUpto page.PageID, flags ExtendFlags, strategy *AccessStrategy) (ExtendResult, error) {
	n = b.limitAdditionalPins(n)

	// step 1: get victims for all pages before any lock. this is the part
	// that may flush dirty pages and must not happen under the extension lock.
	victims := make([]*descriptor, 0, n)
	unwind := func() {
		for _, v := range victims {
			b.unpinBuffer(v)
			b.m.freeBuffer(v)
		}
	}
	for i := 0; i < n; i++ {
		v, err := b.getVictimBuffer(strategy)
		if err != nil {
			unwind()
			return ExtendResult{}, err
		}
		p := b.m.pages[v.bufID]
		for j := range p {
			p[j] = 0
		}
		victims = append(victims, v)
	}

	// step 2: serialize against other extenders of this relation
	var extLock interface{ Unlock() }
	if flags&ExtendSkipExtensionLock == 0 {
		l := b.m.extensionLock(rel.Locator)
		l.Lock()
		extLock = l
	}
	releaseExtLock := func() {
		if extLock != nil {
			extLock.Unlock()
			extLock = nil
		}
	}

	first, err := b.m.dm.NPages(rel.Locator, forkNum)
	if err != nil {
		releaseExtLock()
		unwind()
		return ExtendResult{}, errors.Wrap(err, "dm.NPages failed")
	}

	// clamp to the caller's target size, giving back surplus victims
	if extendUpto != page.InvalidPageID {
		if first >= extendUpto {
			releaseExtLock()
			unwind()
			return ExtendResult{FirstPageID: first, ExtendedBy: 0}, nil
		}
		if max := int(extendUpto - first); n > max {
			for _, v := range victims[max:] {
				b.unpinBuffer(v)
				b.m.freeBuffer(v)
			}
			victims = victims[:max]
			n = max
		}
	}

	if first > page.MaxPageID || page.MaxPageID-first < page.PageID(n)-1 {
		releaseExtLock()
		unwind()
		return ExtendResult{}, errors.Wrapf(ErrRelationTooLarge,
			"extending relation %d to %d pages", rel.Locator.Relation, uint64(first)+uint64(n))
	}

	// step 3: make the new pages visible in the pool
	buffers := make([]Buffer, n)
	for i := 0; i < n; i++ {
		pid := first + page.PageID(i)
		buf, err := b.installExtensionBuffer(rel, forkNum, pid, victims[i])
		if err != nil {
			// the failing page's victim was already given back by
			// installExtensionBuffer; give back the untouched victims and
			// drop the pins on the buffers installed so far
			victims = victims[i+1:]
			unwind()
			releaseExtLock()
			for j := 0; j < i; j++ {
				_ = b.ReleaseBuffer(buffers[j])
			}
			return ExtendResult{}, err
		}
		buffers[i] = buf
	}
	victims = nil

	// step 4: one zero-extend call for the whole batch
	if err := b.m.dm.ZeroExtend(rel.Locator, forkNum, first, n, true); err != nil {
		releaseExtLock()
		for _, buf := range buffers {
			_ = b.ReleaseBuffer(buf)
		}
		return ExtendResult{}, errors.Wrap(err, "dm.ZeroExtend failed")
	}

	releaseExtLock()

	// step 5: the pages exist on disk now; mark the buffers valid
	for _, buf := range buffers {
		desc := b.m.descOf(buf)
		state := desc.lockHeader()
		if state&bmValid == 0 {
			desc.unlockHeader(state | bmValid)
		} else {
			desc.unlockHeader(state)
		}
	}

	if flags&ExtendLockFirst != 0 {
		if err := b.LockBuffer(buffers[0], BufferLockExclusive); err != nil {
			return ExtendResult{}, err
		}
	}

	return ExtendResult{FirstPageID: first, Buffers: buffers, ExtendedBy: n}, nil
}

// installExtensionBuffer maps one new page id to a buffer: normally the
// prepared victim; on a collision, the pre-existing buffer, which must
// still hold a new (all zero) page.
func (b *Backend) installExtensionBuffer(rel Rel, forkNum disk.ForkNumber,
	pid page.PageID, victim *descriptor) (Buffer, error) {
	tag := newTag(rel.Locator, forkNum, pid)
	part := b.m.table.partitionFor(tag.hash())

	part.Lock()
	if existingID := part.insert(tag, victim.bufID); existingID >= 0 {
		// a buffer for this page already exists: a failed earlier extension
		// left it, or the size probe lied. swap to it.
		b.unpinBuffer(victim)
		b.m.freeBuffer(victim)

		desc := b.m.descriptors[existingID]
		valid := b.pinBuffer(desc, nil)
		part.Unlock()

		if !valid {
			// whoever left it never finished reading it; finish the job by
			// zeroing it ourselves
			if b.startBufferIO(desc, true) {
				p := b.m.pages[desc.bufID]
				for i := range p {
					p[i] = 0
				}
				b.terminateBufferIO(desc, false, bmValid)
			}
		}
		if !page.IsNew(b.m.pages[desc.bufID]) {
			buf := Buffer(desc.bufID + 1)
			_ = b.ReleaseBuffer(buf)
			return InvalidBuffer, errors.Wrapf(ErrUnexpectedDataBeyondEOF,
				"block %d of relation %d", pid, rel.Locator.Relation)
		}
		return Buffer(desc.bufID + 1), nil
	}

	state := victim.lockHeader()
	victim.tag = tag
	state |= bmTagValid | usageCountOne
	if !rel.Unlogged || forkNum == disk.ForkNumberInit {
		state |= bmPermanent
	}
	victim.unlockHeader(state)
	part.Unlock()
	return Buffer(victim.bufID + 1), nil
}
