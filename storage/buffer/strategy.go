/*
Ring access strategies.

Bulk scans (sequential reads of big tables, bulk loads, vacuum) would wipe
the whole shared pool if they allocated victims from the global clock. A
ring strategy caps their footprint: the caller keeps a small circular array
of buffer ids and reuses its own buffers round robin, falling back to the
global sweep only when the current ring slot was stolen or is still in use.

A dirty ring buffer whose eviction would require a WAL flush is rejected
back to the global sweep instead: bulk readers should not stall behind
synchronous WAL flushes just to recycle their ring.

see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L541
*/
package buffer

import "github.com/kotodb/koto/storage/page"

// AccessStrategyKind selects the ring sizing policy
type AccessStrategyKind int

const (
	// AccessStrategyBulkRead is for large read-only scans
	AccessStrategyBulkRead AccessStrategyKind = iota
	// AccessStrategyBulkWrite is for bulk loads
	AccessStrategyBulkWrite
	// AccessStrategyVacuum is for vacuum-style maintenance scans
	AccessStrategyVacuum
)

// ring sizes in bytes
const (
	bulkReadRingSize  = 256 * 1024
	bulkWriteRingSize = 16 * 1024 * 1024
	vacuumRingSize    = 2 * 1024 * 1024
)

// AccessStrategy is one caller's ring. it is private to that caller and
// never shared between goroutines.
type AccessStrategy struct {
	kind AccessStrategyKind
	// ring of buffers this scan may recycle; InvalidBuffer where nothing
	// was adopted yet (or a slot was given up)
	ring []Buffer
	// current is the ring slot used for the latest allocation
	current int
	// currentWasInRing remembers whether the latest victim came from the
	// ring (and may therefore be rejected back out of it)
	currentWasInRing bool
}

// NewAccessStrategy builds a ring strategy of the given kind, capping the
// ring at an eighth of the pool so small pools keep working.
func (m *Manager) NewAccessStrategy(kind AccessStrategyKind) *AccessStrategy {
	var bytes int
	switch kind {
	case AccessStrategyBulkRead:
		bytes = bulkReadRingSize
	case AccessStrategyBulkWrite:
		bytes = bulkWriteRingSize
	case AccessStrategyVacuum:
		bytes = vacuumRingSize
	}
	n := bytes / page.PageSize
	if limit := len(m.descriptors) / 8; n > limit && limit > 0 {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return &AccessStrategy{
		kind: kind,
		ring: make([]Buffer, n),
	}
}

// getBuffer returns the next ring buffer with its header lock held if it is
// still this strategy's to reuse, else nil (caller falls back to the global
// sweep and adopts whatever it gets).
func (s *AccessStrategy) getBuffer(m *Manager) *descriptor {
	s.current = (s.current + 1) % len(s.ring)
	s.currentWasInRing = false

	buf := s.ring[s.current]
	if buf == InvalidBuffer {
		return nil
	}
	desc := m.descOf(buf)
	state := desc.lockHeader()
	// reusable only if nobody else grabbed it: unpinned and at most our own
	// usage bump left
	if stateRefCount(state) == 0 && stateUsageCount(state) <= 1 {
		s.currentWasInRing = true
		return desc
	}
	desc.unlockHeader(state)
	return nil
}

// adoptBuffer records a buffer obtained from the global sweep into the
// current ring slot.
func (s *AccessStrategy) adoptBuffer(desc *descriptor) {
	s.ring[s.current] = Buffer(desc.bufID + 1)
}

// rejectBuffer drops the current buffer out of the ring because evicting it
// would require a WAL flush. returns false when the buffer did not come
// from the ring (then the caller just has to write it).
// see https://github.com/postgres/postgres/blob/24d2b2680a8d0e01b30ce8a41c4eb3b47aca5031/src/backend/storage/buffer/freelist.c#L798
func (s *AccessStrategy) rejectBuffer(desc *descriptor) bool {
	if !s.currentWasInRing || s.ring[s.current] != Buffer(desc.bufID+1) {
		return false
	}
	s.ring[s.current] = InvalidBuffer
	return true
}

// defaultUsageBump reports whether pinning through this strategy should
// bump the usage count. ring buffers stay at usage one so the global sweep
// reclaims them quickly.
func (s *AccessStrategy) defaultUsageBump() bool {
	return s == nil
}
