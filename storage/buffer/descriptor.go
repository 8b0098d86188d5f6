/*
Buffer descriptor stores metadata about each buffer.

About the state field:
State is uint32 and consists of ref count, usage count and flags:
- 18 bits: reference count
- 4 bits: usage count
- 10 bits: flags

ref count, usage count and flags are combined into one field so that all of
them can be updated atomically at once. Pin/unpin runs on every page access,
so the hot transitions are CAS loops on this one word instead of a lock.
The bmLocked flag doubles as the buffer header spinlock: it has to be held
before changing the tag or the wait_backend_id, i.e. any transition that
touches non-atomic fields together with the state word. Operations under the
header lock must stay bounded: no I/O, no allocation, no blocking.

to summarize,
- acquire header lock, or use a CAS loop, to update the state field
- while the header lock is held by another goroutine, CAS must not be
  executed; waitHeaderLockReleased spins the state back down first

see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L30-L39
see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L199-L227
*/
package buffer

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kotodb/koto/common"
)

// layout of the state field
const (
	refCountBits   = 18
	usageCountBits = 4

	refCountOne  uint32 = 1
	refCountMask uint32 = (1 << refCountBits) - 1

	usageCountOne  uint32 = 1 << refCountBits
	usageCountMask uint32 = ((1 << usageCountBits) - 1) << refCountBits

	// maxUsageCount caps the usage count so a once-hot buffer does not take
	// whole clock rotations to become evictable again
	maxUsageCount uint32 = 5
)

// flags in state field
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L58-L67
const (
	// bmLocked indicates buffer header is locked (the header spinlock)
	bmLocked uint32 = 1 << (refCountBits + usageCountBits + iota)
	// bmDirty indicates the page has changes not written to disk
	bmDirty
	// bmValid indicates the payload holds the page identified by the tag
	bmValid
	// bmTagValid indicates the tag is assigned and present in the mapping table
	bmTagValid
	// bmIOInProgress indicates read or write io is running on the buffer.
	// this is a kind of lock for the io itself.
	// see https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L148-L152
	bmIOInProgress
	// bmIOError indicates a previous io on the buffer failed
	bmIOError
	// bmJustDirtied indicates the page was dirtied after the running write
	// started; the write must not clear bmDirty then
	bmJustDirtied
	// bmPinCountWaiter indicates a backend waits for the pin count to drop
	// to one; waitBackendID says which
	bmPinCountWaiter
	// bmCheckpointNeeded indicates the running checkpoint must write this buffer
	bmCheckpointNeeded
	// bmPermanent indicates the buffer belongs to a permanent relation (or an
	// init fork) and participates in ordinary checkpoints
	bmPermanent
)

// bmFlagMask covers every flag bit
const bmFlagMask = bmLocked | bmDirty | bmValid | bmTagValid | bmIOInProgress |
	bmIOError | bmJustDirtied | bmPinCountWaiter | bmCheckpointNeeded | bmPermanent

// stateRefCount extracts the shared reference count
func stateRefCount(state uint32) uint32 {
	return state & refCountMask
}

// stateUsageCount extracts the usage count
func stateUsageCount(state uint32) uint32 {
	return (state & usageCountMask) >> refCountBits
}

// descriptor is buffer descriptor
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L196-L254
type descriptor struct {
	// buffer tag. protected by the header lock together with bmTagValid.
	tag BufferTag
	// dense index of this descriptor in the pool
	bufID int
	// state field. see the comment at the head of this file
	state uint32
	// waitBackendID is the single cleanup-lock waiter.
	// meaningful only while bmPinCountWaiter is set; protected by the header lock.
	waitBackendID common.BackendID
	// freeNext is the next buffer in the free list, freeNextNotInList when
	// the buffer is not on it. protected by the strategy lock.
	freeNext int

	// contentLock protects the page payload. held long (for whatever the
	// caller does with the bytes), hence a real rwlock rather than a spin.
	contentLock sync.RWMutex

	// ioMu/ioCond broadcast io completion. whoever terminates io on the
	// buffer wakes every waiter; each waiter re-checks the state word.
	ioMu   sync.Mutex
	ioCond *sync.Cond
}

// newDescriptors initializes the descriptor array and links the initial
// free list through it.
func newDescriptors(n int) []*descriptor {
	descs := make([]*descriptor, n)
	for i := 0; i < n; i++ {
		d := &descriptor{
			bufID:         i,
			waitBackendID: common.InvalidBackendID,
			freeNext:      i + 1,
		}
		d.tag.clear()
		d.ioCond = sync.NewCond(&d.ioMu)
		descs[i] = d
	}
	descs[n-1].freeNext = freeNextEndOfList
	return descs
}

// spinsBeforeYield is how many raw retries lockHeader attempts before
// yielding the processor. the header lock is held for nanoseconds, so a
// short spin usually wins; yielding bounds the damage when the holder got
// descheduled.
const spinsBeforeYield = 100

// lockHeader acquires the buffer header spinlock and returns the state word
// with bmLocked set.
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4755
func (desc *descriptor) lockHeader() uint32 {
	spins := 0
	for {
		// fetch_or sets the flag; if it was clear before, the lock is ours
		oldState := atomicFetchOr(&desc.state, bmLocked)
		if oldState&bmLocked == 0 {
			return oldState | bmLocked
		}
		spins++
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// unlockHeader releases the header spinlock, installing the given state
// word (with bmLocked cleared). the caller owns the lock, so a plain
// atomic store is enough.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L359
func (desc *descriptor) unlockHeader(state uint32) {
	atomic.StoreUint32(&desc.state, state&^bmLocked)
}

// waitHeaderLockReleased waits for the buffer header spinlock to be released
// and returns the state at that point. CAS loops call this before retrying:
// CAS must not race a holder of the header lock.
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/buffer/bufmgr.c#L4784
func (desc *descriptor) waitHeaderLockReleased() uint32 {
	spins := 0
	for {
		state := atomic.LoadUint32(&desc.state)
		if state&bmLocked == 0 {
			return state
		}
		spins++
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// loadState reads the state word with no ordering beyond atomicity
func (desc *descriptor) loadState() uint32 {
	return atomic.LoadUint32(&desc.state)
}

// atomicFetchOr is fetch_or on a uint32: set bits, return the previous value.
func atomicFetchOr(addr *uint32, bits uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bits) {
			return old
		}
	}
}

// casState is one step of a CAS loop on the state word. the caller must
// have observed oldState unlocked.
func (desc *descriptor) casState(oldState, newState uint32) bool {
	return atomic.CompareAndSwapUint32(&desc.state, oldState, newState)
}

// waitIO waits until io on the buffer completes (or fails).
// the caller must hold a pin so the descriptor cannot be recycled under it.
// whoever terminates the io broadcasts while holding ioMu, and this waiter
// re-checks the flag under ioMu before sleeping, so the wakeup cannot be missed.
func (desc *descriptor) waitIO() {
	desc.ioMu.Lock()
	for {
		state := desc.loadState()
		if state&bmLocked != 0 {
			state = desc.waitHeaderLockReleased()
		}
		if state&bmIOInProgress == 0 {
			break
		}
		desc.ioCond.Wait()
	}
	desc.ioMu.Unlock()
}

// broadcastIODone wakes every waitIO sleeper. called after the state word
// transition that ended the io.
func (desc *descriptor) broadcastIODone() {
	desc.ioMu.Lock()
	desc.ioCond.Broadcast()
	desc.ioMu.Unlock()
}
