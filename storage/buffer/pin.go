/*
Per-backend pin bookkeeping.

Each backend tracks how many times it itself pinned each buffer, separately
from the shared reference count: the shared count gets one increment per
backend, no matter how many nested pins that backend holds. Most backends
touch only a handful of buffers at a time, so the tracking lives in a small
fixed array searched linearly; entries displaced from the array overflow
into a map and can be promoted back when a slot frees up.

One entry is pre-reserved before any state transition that may need it, so
the pin path never allocates while the buffer header spinlock is held.

see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L89-L135
*/
package buffer

import "github.com/kotodb/koto/common"

// privateRefCountArraySize is the number of array entries. past this many
// distinct concurrently-pinned buffers, the overflow map takes over.
const privateRefCountArraySize = 8

// privateRefCountEntry is one (buffer, local refcount) pair
type privateRefCountEntry struct {
	buffer   Buffer
	refcount int32
}

// reservePrivateRefCountEntry guarantees that a free array entry is set
// aside for the next newPrivateRefCountEntry call. must be called before
// acquiring the buffer header lock on any path that may create a pin.
func (b *Backend) reservePrivateRefCountEntry() {
	if b.reservedRefCountEntry != nil {
		return
	}

	// any free array slot will do
	for i := range b.refCountArray {
		if b.refCountArray[i].buffer == InvalidBuffer {
			b.reservedRefCountEntry = &b.refCountArray[i]
			return
		}
	}

	// no free slot: displace one array entry into the overflow map,
	// round robin so no entry is displaced over and over
	victim := &b.refCountArray[b.refCountClock%privateRefCountArraySize]
	b.refCountClock++
	b.refCountOverflow[victim.buffer] = victim.refcount
	victim.buffer = InvalidBuffer
	victim.refcount = 0
	b.reservedRefCountEntry = victim
}

// newPrivateRefCountEntry fills the reserved entry for the buffer.
// reservePrivateRefCountEntry must have been called since the last use of
// the reservation.
func (b *Backend) newPrivateRefCountEntry(buf Buffer) *privateRefCountEntry {
	if b.reservedRefCountEntry == nil {
		panic("no reserved private refcount entry")
	}
	e := b.reservedRefCountEntry
	b.reservedRefCountEntry = nil
	e.buffer = buf
	e.refcount = 0
	return e
}

// getPrivateRefCountEntry returns the tracking entry for the buffer or nil.
// with doMove, an entry found in the overflow map is promoted into the
// reserved array slot, which the caller must have reserved, keeping hot
// buffers on the fast path.
func (b *Backend) getPrivateRefCountEntry(buf Buffer, doMove bool) *privateRefCountEntry {
	for i := range b.refCountArray {
		if b.refCountArray[i].buffer == buf {
			return &b.refCountArray[i]
		}
	}

	refcount, ok := b.refCountOverflow[buf]
	if !ok {
		return nil
	}
	if !doMove {
		// read-only view; the entry stays in the map. every mutating path
		// passes doMove after reserving, so it always gets an array entry.
		b.overflowScratch = privateRefCountEntry{buffer: buf, refcount: refcount}
		return &b.overflowScratch
	}

	delete(b.refCountOverflow, buf)
	e := b.newPrivateRefCountEntry(buf)
	e.refcount = refcount
	return e
}

// getPrivateRefCount returns how many times this backend holds the buffer
// pinned
func (b *Backend) getPrivateRefCount(buf Buffer) int32 {
	if e := b.getPrivateRefCountEntry(buf, false); e != nil {
		return e.refcount
	}
	return 0
}

// forgetPrivateRefCountEntry releases a tracking entry whose refcount
// reached zero
func (b *Backend) forgetPrivateRefCountEntry(e *privateRefCountEntry) {
	if e.refcount != 0 {
		panic("forgetting a private refcount entry with pins")
	}
	e.buffer = InvalidBuffer
	if b.reservedRefCountEntry == nil {
		b.reservedRefCountEntry = e
	}
}

// pinBuffer adds one local pin, bumping the shared reference count when it
// is this backend's first. returns whether the buffer was valid at pin
// time; an invalid result sends the caller into the I/O wait dance.
// the caller must not hold the buffer header lock.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L2231
func (b *Backend) pinBuffer(desc *descriptor, strategy *AccessStrategy) bool {
	buf := Buffer(desc.bufID + 1)

	b.reservePrivateRefCountEntry()
	ref := b.getPrivateRefCountEntry(buf, true)

	var valid bool
	if ref == nil {
		ref = b.newPrivateRefCountEntry(buf)
		for {
			oldState := desc.loadState()
			if oldState&bmLocked != 0 {
				oldState = desc.waitHeaderLockReleased()
			}
			newState := oldState + refCountOne
			if strategy.defaultUsageBump() && stateUsageCount(oldState) < maxUsageCount {
				newState += usageCountOne
			}
			if desc.casState(oldState, newState) {
				valid = oldState&bmValid != 0
				break
			}
		}
	} else {
		// this backend already holds the buffer; only local bookkeeping moves
		valid = desc.loadState()&bmValid != 0
	}

	ref.refcount++
	b.resOwner.RememberBuffer(buf)
	return valid
}

// pinBufferLocked is pinBuffer for callers that hold the buffer header
// lock (victim acquisition). it releases the lock.
// reservePrivateRefCountEntry must have been called before the header lock
// was taken; the buffer must not be pinned by this backend yet.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L2335
func (b *Backend) pinBufferLocked(desc *descriptor, lockedState uint32) {
	buf := Buffer(desc.bufID + 1)
	desc.unlockHeader(lockedState + refCountOne)

	ref := b.newPrivateRefCountEntry(buf)
	ref.refcount++
	b.resOwner.RememberBuffer(buf)
}

// unpinBuffer drops one local pin. when the last local pin goes, the shared
// reference count is decremented, and a cleanup-lock waiter left at
// refcount one is woken.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L2379
func (b *Backend) unpinBuffer(desc *descriptor) {
	buf := Buffer(desc.bufID + 1)
	b.resOwner.ForgetBuffer(buf)

	b.reservePrivateRefCountEntry()
	ref := b.getPrivateRefCountEntry(buf, true)
	if ref == nil {
		panic("buffer is not pinned by this backend")
	}
	ref.refcount--
	if ref.refcount > 0 {
		return
	}

	// last local pin: give back our share of the shared count
	var oldState, newState uint32
	for {
		oldState = desc.loadState()
		if oldState&bmLocked != 0 {
			oldState = desc.waitHeaderLockReleased()
		}
		newState = oldState - refCountOne
		if desc.casState(oldState, newState) {
			break
		}
	}

	if oldState&bmPinCountWaiter != 0 && stateRefCount(newState) == 1 {
		// we may have been the last pin the cleanup waiter was waiting out.
		// re-check under the header lock: some other backend may have pinned
		// or woken in between.
		state := desc.lockHeader()
		if state&bmPinCountWaiter != 0 && stateRefCount(state) == 1 {
			waiter := desc.waitBackendID
			desc.waitBackendID = common.InvalidBackendID
			desc.unlockHeader(state &^ bmPinCountWaiter)
			b.m.signalCleanupWaiter(waiter)
		} else {
			desc.unlockHeader(state)
		}
	}

	b.forgetPrivateRefCountEntry(ref)
}
