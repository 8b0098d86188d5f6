/*
Shared buffer pool manager.

The pool is a fixed array of page-sized slots shared by every backend of the
process, plus one descriptor per slot carrying the slot's identity (tag) and
a packed atomic state word (descriptor.go). A partitioned hash table maps
tags to slots (table.go); replacement is clock sweep over the descriptor
array with a free list in front (free_list.go) and bounded rings for bulk
scans (strategy.go).

access rules for buffers: there are two orthogonal reservations
- pin/unpin keeps the slot from being evicted. pins are cheap (one CAS) and
  may be held across long operations.
- the content lock protects the page bytes within the slot. share lock to
  read, exclusive to modify; hint bits are the one exception, allowed under
  share lock.

the flow when scanning tuples in a page:
- pin the buffer -> acquire content lock (shared) -> read
- -> release content lock -> unpin

the flow when modifying a page:
- pin -> acquire content lock exclusive -> modify + MarkDirty
- -> release content lock -> unpin

The pool adopts steal/no-force: a dirty page may be written before its
transaction commits (eviction does that), and commit never forces writes.
Both lean on WAL: every flush first makes WAL durable up to the page lsn.

Lock ordering, globally acyclic:
 1. pin before content lock
 2. partition lock before buffer header lock when installing/removing tags
 3. never two partition locks at once
 4. never a content lock while holding a partition lock
 5. WAL flush only under a pin, not under content-lock-exclusive-for-that-
    flush and never under a header lock

see the README the layout follows:
https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L100-L152
*/
package buffer

import (
	"log"
	"sync"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
	"github.com/kotodb/koto/transaction/xlog"
)

// Manager manages the shared buffer pool. one per process; all backends
// share it.
type Manager struct {
	cfg Config
	dm  disk.SMgr
	wal xlog.Manager

	// descriptors[i] describes pages[i]
	descriptors []*descriptor
	pages       []page.PagePtr

	// table maps tags to descriptor indexes
	table *mappingTable
	// strategy is the shared replacement state
	strategy *strategyControl

	// extLocks are the per-relation extension locks, created on first use
	extLocksMu sync.Mutex
	extLocks   map[common.RelFileLocator]*sync.Mutex

	// backends registered with NewBackend, by id
	backendsMu    sync.RWMutex
	backends      map[common.BackendID]*Backend
	nextBackendID int32

	// ckptMu serializes checkpoints
	ckptMu sync.Mutex
	// ckptDelayStart counts sessions inside a critical WAL-then-dirty window
	// (hint-bit FPIs); a starting checkpoint waits for it to drain
	ckptDelayMu    sync.Mutex
	ckptDelayCond  *sync.Cond
	ckptDelayStart int

	// bgw is the background writer's saved pacing state
	bgw bgwriterState

	stats Stats

	// logf carries warnings (zeroed pages, repeated write failures).
	// defaults to the stdlib logger.
	logf func(format string, args ...interface{})
}

// NewManager initializes the shared buffer pool manager.
// the pool size is fixed from cfg.NBuffers for the life of the manager.
func NewManager(dm disk.SMgr, wal xlog.Manager, cfg Config) *Manager {
	if cfg.NBuffers <= 0 {
		cfg.NBuffers = DefaultConfig().NBuffers
	}
	m := &Manager{
		cfg:         cfg,
		dm:          dm,
		wal:         wal,
		descriptors: newDescriptors(cfg.NBuffers),
		pages:       make([]page.PagePtr, cfg.NBuffers),
		table:       newMappingTable(),
		strategy:    newStrategyControl(),
		extLocks:    make(map[common.RelFileLocator]*sync.Mutex),
		backends:    make(map[common.BackendID]*Backend),
		logf:        log.Printf,
	}
	m.ckptDelayCond = sync.NewCond(&m.ckptDelayMu)
	for i := range m.pages {
		m.pages[i] = page.NewPagePtr()
	}
	return m
}

// NBuffers returns the pool size in pages
func (m *Manager) NBuffers() int { return len(m.descriptors) }

// SetLogf replaces the warning sink
func (m *Manager) SetLogf(logf func(format string, args ...interface{})) {
	m.logf = logf
}

// extensionLock returns the extension lock of the relation, creating it on
// first use
func (m *Manager) extensionLock(rel common.RelFileLocator) *sync.Mutex {
	m.extLocksMu.Lock()
	defer m.extLocksMu.Unlock()
	l, ok := m.extLocks[rel]
	if !ok {
		l = &sync.Mutex{}
		m.extLocks[rel] = l
	}
	return l
}

// numBackends reports how many sessions are attached; the extension path
// uses it for the per-backend pin budget
func (m *Manager) numBackends() int {
	m.backendsMu.RLock()
	defer m.backendsMu.RUnlock()
	return len(m.backends)
}

// BufferGetPageID returns the page id of the page the buffer holds.
// the caller must hold a pin, which keeps the tag stable.
func (m *Manager) BufferGetPageID(buf Buffer) (page.PageID, error) {
	if !m.bufferIsValid(buf) {
		return page.InvalidPageID, ErrBadBufferID
	}
	return m.descOf(buf).tag.pageID, nil
}

// BufferGetTag returns the full identity of the page the buffer holds.
// the caller must hold a pin.
func (m *Manager) BufferGetTag(buf Buffer) (BufferTag, error) {
	if !m.bufferIsValid(buf) {
		return BufferTag{}, ErrBadBufferID
	}
	return m.descOf(buf).tag, nil
}

// BufferIsPermanent reports whether the buffer belongs to a permanent
// relation (or init fork) and therefore participates in ordinary
// checkpoints. the caller must hold a pin.
func (m *Manager) BufferIsPermanent(buf Buffer) (bool, error) {
	if !m.bufferIsValid(buf) {
		return false, ErrBadBufferID
	}
	return m.descOf(buf).loadState()&bmPermanent != 0, nil
}

// BufferGetLSNAtomic reads the page lsn under the buffer header lock.
// a plain read would race hint-bit writers that stamp the lsn under a mere
// share lock when checksums are on; the header lock makes the 8-byte read
// consistent.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3551
func (m *Manager) BufferGetLSNAtomic(buf Buffer) (common.WALRecordPtr, error) {
	if !m.bufferIsValid(buf) {
		return common.InvalidWALRecordPtr, ErrBadBufferID
	}
	desc := m.descOf(buf)
	if !m.cfg.ChecksumsEnabled {
		return page.GetLSN(m.pages[desc.bufID]), nil
	}
	return m.bufferGetLSN(desc), nil
}

// bufferGetLSN is BufferGetLSNAtomic without the handle ceremony
func (m *Manager) bufferGetLSN(desc *descriptor) common.WALRecordPtr {
	state := desc.lockHeader()
	lsn := page.GetLSN(m.pages[desc.bufID])
	desc.unlockHeader(state)
	return lsn
}
