/*
Shared buffer replacement state: the free list and the clock hand.

Buffers that have never held a page, and buffers invalidated by bulk drops,
sit on a singly linked free list threaded through descriptor.freeNext and
guarded by the strategy lock. Victim acquisition pops from the list first;
only when it is empty does the clock sweep run. A buffer popped from the
list can have been pinned or used since it was pushed, in which case it is
simply left off the list and the pop retries.

The clock hand is a monotonically increasing atomic counter; position is
hand % NBuffers and the number of completed passes is hand / NBuffers. The
background writer reads both, plus the allocation counter, to pace itself.
*/
package buffer

import (
	"sync"
	"sync/atomic"
)

const (
	// freeNextEndOfList terminates the free list
	freeNextEndOfList = -1
	// freeNextNotInList marks a buffer that is not on the free list
	freeNextNotInList = -2
)

// strategyControl is the shared replacement state
type strategyControl struct {
	// mu is the buffer strategy lock. it protects firstFreeBuffer and the
	// freeNext links; the clock hand and the allocation counter are atomics
	// and never need it.
	mu sync.Mutex
	// firstFreeBuffer is the head of the free list, freeNextEndOfList when empty
	firstFreeBuffer int
	// nextVictim is the clock hand, increasing without wraparound
	nextVictim uint64
	// numBufferAllocs counts victim allocations since the background writer
	// last asked
	numBufferAllocs uint32
}

// newStrategyControl initializes the replacement state with every buffer on
// the free list
func newStrategyControl() *strategyControl {
	return &strategyControl{firstFreeBuffer: 0}
}

// clockSweepTick advances the clock hand and returns the buffer position it
// passed over.
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L113
func (m *Manager) clockSweepTick() int {
	hand := atomic.AddUint64(&m.strategy.nextVictim, 1) - 1
	return int(hand % uint64(len(m.descriptors)))
}

// strategySyncStart reports the clock position, the number of completed
// passes and the allocations since the previous call. only the background
// writer calls this.
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L394
func (m *Manager) strategySyncStart() (strategyPos int, completePasses uint32, recentAlloc uint32) {
	hand := atomic.LoadUint64(&m.strategy.nextVictim)
	n := uint64(len(m.descriptors))
	strategyPos = int(hand % n)
	completePasses = uint32(hand / n)
	recentAlloc = atomic.SwapUint32(&m.strategy.numBufferAllocs, 0)
	return strategyPos, completePasses, recentAlloc
}

// countStrategyAlloc feeds the allocation counter the background writer
// paces itself by
func (m *Manager) countStrategyAlloc() {
	atomic.AddUint32(&m.strategy.numBufferAllocs, 1)
}

// allocateFromFreeList pops a usable buffer from the free list and returns
// it with the header lock held, or nil.
// a buffer on the list can have been pinned or gained usage since it was
// pushed; such buffers are left off the list and skipped.
func (m *Manager) allocateFromFreeList() *descriptor {
	m.strategy.mu.Lock()
	defer m.strategy.mu.Unlock()
	for {
		bufID := m.strategy.firstFreeBuffer
		if bufID == freeNextEndOfList {
			return nil
		}
		desc := m.descriptors[bufID]
		m.strategy.firstFreeBuffer = desc.freeNext
		desc.freeNext = freeNextNotInList

		state := desc.lockHeader()
		if stateRefCount(state) == 0 && stateUsageCount(state) == 0 {
			return desc
		}
		// someone is using it after all; leave it off the list
		desc.unlockHeader(state)
	}
}

// freeBuffer pushes an invalidated (or unused victim) buffer back onto the
// free list so it is found again quickly.
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L363
func (m *Manager) freeBuffer(desc *descriptor) {
	m.strategy.mu.Lock()
	defer m.strategy.mu.Unlock()
	if desc.freeNext == freeNextNotInList {
		desc.freeNext = m.strategy.firstFreeBuffer
		m.strategy.firstFreeBuffer = desc.bufID
	}
}

// allocateWithClockSweep runs the clock sweep and returns the victim with
// its header lock held and usage count zero.
// when a full rotation finds nothing (every buffer pinned), the sweep gives
// up with ErrNoUnpinnedBuffers; any usage count decrement resets the
// rotation budget since progress was made.
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L201
func (m *Manager) allocateWithClockSweep() (*descriptor, error) {
	tryCounter := len(m.descriptors)
	for {
		victimID := m.clockSweepTick()
		desc := m.descriptors[victimID]

		// holding the header lock here keeps other goroutines from pinning
		// the buffer between our check and the caller's pin
		state := desc.lockHeader()
		if stateRefCount(state) != 0 {
			desc.unlockHeader(state)
			tryCounter--
			if tryCounter == 0 {
				return nil, ErrNoUnpinnedBuffers
			}
			continue
		}
		if stateUsageCount(state) != 0 {
			// used since the hand last came around; spare it once
			desc.unlockHeader(state - usageCountOne)
			tryCounter = len(m.descriptors)
			continue
		}
		// ref count and usage count are both zero: victim found.
		// IMPORTANT: the header lock stays held for the caller.
		return desc, nil
	}
}
