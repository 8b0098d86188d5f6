/*
A Backend is one session's handle on the shared pool.

Pins are a per-session affair: the shared reference count gets one increment
per backend, and the backend tracks its own nesting in the private refcount
machinery (pin.go). Because of that, every entry point that pins or unpins
lives on Backend rather than Manager. The checkpointer and the background
writer are ordinary backends too; they just never run user work.

A backend also owns:
  - a resource owner, so an operation aborted anywhere between pin and
    release is unwound in one sweep,
  - a pending-writeback list, coalescing flush hints before they reach the
    storage manager,
  - the cleanup-lock wait channel the unpin path signals,
  - which content locks it holds, so teardown can release them and
    assertions can check lock modes the way held_by_me does.
*/
package buffer

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/page"
)

// Backend is one session attached to the pool. not safe for concurrent use
// by multiple goroutines; each worker gets its own.
type Backend struct {
	m  *Manager
	id common.BackendID

	// private refcount tracking (pin.go)
	refCountArray    [privateRefCountArraySize]privateRefCountEntry
	refCountOverflow map[Buffer]int32
	reservedRefCountEntry *privateRefCountEntry
	refCountClock    int
	overflowScratch  privateRefCountEntry

	// resOwner unwinds pins and the in-flight I/O claim on abort
	resOwner *ResourceOwner

	// cleanupSignal is poked by the unpin path when this backend waits for
	// pincount 1. buffered so the signal is never lost.
	cleanupSignal chan struct{}

	// contentLocks records the mode of every content lock held, keyed by
	// buffer. one lock per buffer per backend.
	contentLocks map[Buffer]BufferLockMode

	// pinCountWaitBuf is the buffer this backend is (or was) waiting on for
	// pincount 1, so teardown can disarm the waiter flag
	pinCountWaitBuf Buffer

	// pendingWritebacks is the writeback coalescing state (writeback.go)
	pendingWritebacks writebackContext

	// sessionDirtied counts buffers this session dirtied first (stats)
	sessionDirtied int64

	// scratch page used by the checksum-on-write copy, so flushing never
	// allocates
	flushScratch [page.PageSize]byte
}

// NewBackend attaches a new session to the pool
func (m *Manager) NewBackend() *Backend {
	id := common.BackendID(atomic.AddInt32(&m.nextBackendID, 1) - 1)
	b := &Backend{
		m:                m,
		id:               id,
		refCountOverflow: make(map[Buffer]int32),
		cleanupSignal:    make(chan struct{}, 1),
		contentLocks:     make(map[Buffer]BufferLockMode),
	}
	b.resOwner = newResourceOwner(b)
	b.pendingWritebacks.limit = m.cfg.BackendFlushAfter
	m.backendsMu.Lock()
	m.backends[id] = b
	m.backendsMu.Unlock()
	return b
}

// ID returns the backend id
func (b *Backend) ID() common.BackendID { return b.id }

// Close detaches the backend: releases everything it still holds, reports
// pin leaks, and unregisters it.
func (b *Backend) Close() error {
	err := b.CheckForBufferLeaks()
	b.UnlockBuffers()
	b.resOwner.ReleaseAll()
	b.issuePendingWritebacks()
	b.m.backendsMu.Lock()
	delete(b.m.backends, b.id)
	b.m.backendsMu.Unlock()
	return err
}

// CheckForBufferLeaks verifies that the session holds no pins. called at
// transaction end and at backend exit; a leak is a missing release in the
// caller.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3192
func (b *Backend) CheckForBufferLeaks() error {
	var leaked []Buffer
	for i := range b.refCountArray {
		if b.refCountArray[i].buffer != InvalidBuffer {
			leaked = append(leaked, b.refCountArray[i].buffer)
		}
	}
	for buf := range b.refCountOverflow {
		leaked = append(leaked, buf)
	}
	if len(leaked) == 0 {
		return nil
	}
	for _, buf := range leaked {
		desc := b.m.descOf(buf)
		b.m.logf("buffer refcount leak: buffer %d, rel %d fork %d page %d, local refcount %d",
			buf, desc.tag.rel.Relation, desc.tag.forkNum, desc.tag.pageID, b.getPrivateRefCount(buf))
	}
	return errors.Errorf("buffer refcount leak: %d buffers still pinned at backend exit", len(leaked))
}

// signalCleanupWaiter wakes the backend waiting for pincount 1 on some
// buffer. the waiter re-checks the buffer itself; a spurious poke is fine.
func (m *Manager) signalCleanupWaiter(id common.BackendID) {
	m.backendsMu.RLock()
	waiter, ok := m.backends[id]
	m.backendsMu.RUnlock()
	if !ok {
		return
	}
	select {
	case waiter.cleanupSignal <- struct{}{}:
	default:
	}
}
