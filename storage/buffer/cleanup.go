/*
Content locks and the cleanup-lock protocol.

A content lock guards the bytes of one buffer; pins guard the buffer's
existence. A cleanup lock is the strongest reservation there is: content
lock exclusive plus the guarantee that nobody else holds even a pin, so
tuples may be physically moved or removed. The would-be cleaner arms
bmPinCountWaiter with its backend id and sleeps; whichever unpin drops the
shared count to one (the cleaner's own pin) clears the flag and signals.

Only one waiter per buffer is supported; a second one is a programming
error upstream (cleanup of one relation is single-threaded).

see https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L84-L97
*/
package buffer

// BufferLockMode selects what LockBuffer does
type BufferLockMode int

const (
	// BufferLockUnlock releases the held content lock
	BufferLockUnlock BufferLockMode = iota
	// BufferLockShare acquires the content lock shared
	BufferLockShare
	// BufferLockExclusive acquires the content lock exclusive
	BufferLockExclusive
)

// LockBuffer acquires or releases the buffer's content lock.
// the caller must hold a pin; pin before content lock is the first rule of
// the lock ordering.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4715
func (b *Backend) LockBuffer(buf Buffer, mode BufferLockMode) error {
	if !b.m.bufferIsValid(buf) {
		return ErrBadBufferID
	}
	desc := b.m.descOf(buf)
	switch mode {
	case BufferLockUnlock:
		return b.unlockContent(desc, buf)
	case BufferLockShare:
		desc.contentLock.RLock()
		b.contentLocks[buf] = BufferLockShare
	case BufferLockExclusive:
		desc.contentLock.Lock()
		b.contentLocks[buf] = BufferLockExclusive
	}
	return nil
}

// unlockContent releases whichever mode this backend holds
func (b *Backend) unlockContent(desc *descriptor, buf Buffer) error {
	mode, ok := b.contentLocks[buf]
	if !ok {
		return ErrBadBufferID
	}
	delete(b.contentLocks, buf)
	if mode == BufferLockExclusive {
		desc.contentLock.Unlock()
	} else {
		desc.contentLock.RUnlock()
	}
	return nil
}

// ConditionalLockBuffer tries for the content lock exclusive without
// blocking. reports whether it got it.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4741
func (b *Backend) ConditionalLockBuffer(buf Buffer) (bool, error) {
	if !b.m.bufferIsValid(buf) {
		return false, ErrBadBufferID
	}
	desc := b.m.descOf(buf)
	if !desc.contentLock.TryLock() {
		return false, nil
	}
	b.contentLocks[buf] = BufferLockExclusive
	return true, nil
}

// heldContentLockMode reports which mode of content lock this backend holds
// on the buffer, the held_by_me check assertions use.
func (b *Backend) heldContentLockMode(buf Buffer) (BufferLockMode, bool) {
	mode, ok := b.contentLocks[buf]
	return mode, ok
}

// CheckBufferIsPinnedOnce errors unless this backend holds exactly one pin
// on the buffer. operations that wait for pincount 1 would self-deadlock
// on their own extra pins.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4762
func (b *Backend) CheckBufferIsPinnedOnce(buf Buffer) error {
	if !b.m.bufferIsValid(buf) {
		return ErrBadBufferID
	}
	if b.getPrivateRefCount(buf) != 1 {
		return ErrBufferNotPinnedOnce
	}
	return nil
}

// LockBufferForCleanup acquires the cleanup lock: content lock exclusive
// plus shared refcount 1 (only our own pin). blocks until every other pin
// is gone.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4795
func (b *Backend) LockBufferForCleanup(buf Buffer) error {
	if err := b.CheckBufferIsPinnedOnce(buf); err != nil {
		return err
	}
	desc := b.m.descOf(buf)

	for {
		if err := b.LockBuffer(buf, BufferLockExclusive); err != nil {
			return err
		}
		// discard any stale signal from an earlier wait now, while the
		// waiter flag is off: nobody can send a fresh one yet, so the real
		// signal cannot be eaten by this drain
		select {
		case <-b.cleanupSignal:
		default:
		}
		state := desc.lockHeader()
		if stateRefCount(state) == 1 {
			// nobody else holds the page; the exclusive lock stays with the caller
			desc.unlockHeader(state)
			return nil
		}
		if state&bmPinCountWaiter != 0 {
			desc.unlockHeader(state)
			_ = b.LockBuffer(buf, BufferLockUnlock)
			return ErrMultiplePinCountWaiters
		}
		// arm the waiter flag and go to sleep without the content lock, or
		// the pin holders could never make progress to unpin
		desc.waitBackendID = b.id
		desc.unlockHeader(state | bmPinCountWaiter)
		_ = b.LockBuffer(buf, BufferLockUnlock)

		b.pinCountWaitBuf = buf
		<-b.cleanupSignal
		b.pinCountWaitBuf = InvalidBuffer

		// the unpinner that signalled us cleared the flag. if it is somehow
		// still ours (a racing spurious wake), take it back before retrying
		// so the next round does not trip over our own flag.
		state = desc.lockHeader()
		if state&bmPinCountWaiter != 0 && desc.waitBackendID == b.id {
			state &^= bmPinCountWaiter
		}
		desc.unlockHeader(state)
	}
}

// ConditionalLockBufferForCleanup is LockBufferForCleanup that reports
// failure instead of sleeping.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4916
func (b *Backend) ConditionalLockBufferForCleanup(buf Buffer) (bool, error) {
	if err := b.CheckBufferIsPinnedOnce(buf); err != nil {
		return false, err
	}
	desc := b.m.descOf(buf)

	ok, err := b.ConditionalLockBuffer(buf)
	if err != nil || !ok {
		return false, err
	}
	state := desc.lockHeader()
	if stateRefCount(state) == 1 {
		desc.unlockHeader(state)
		return true, nil
	}
	desc.unlockHeader(state)
	_ = b.LockBuffer(buf, BufferLockUnlock)
	return false, nil
}

// IsBufferCleanupOK checks whether an already-held exclusive content lock
// happens to qualify as a cleanup lock right now.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4969
func (b *Backend) IsBufferCleanupOK(buf Buffer) bool {
	if !b.m.bufferIsValid(buf) {
		return false
	}
	if b.getPrivateRefCount(buf) != 1 {
		return false
	}
	if mode, ok := b.heldContentLockMode(buf); !ok || mode != BufferLockExclusive {
		return false
	}
	desc := b.m.descOf(buf)
	state := desc.lockHeader()
	ok := stateRefCount(state) == 1
	desc.unlockHeader(state)
	return ok
}

// UnlockBuffers is the error-path teardown for lock state: it disarms a
// pin-count wait this backend may have had in flight and releases every
// content lock it still holds.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L4687
func (b *Backend) UnlockBuffers() {
	if b.pinCountWaitBuf != InvalidBuffer {
		desc := b.m.descOf(b.pinCountWaitBuf)
		state := desc.lockHeader()
		// only clear the flag if it is really ours; a new waiter may have
		// armed it since
		if state&bmPinCountWaiter != 0 && desc.waitBackendID == b.id {
			state &^= bmPinCountWaiter
		}
		desc.unlockHeader(state)
		b.pinCountWaitBuf = InvalidBuffer
	}
	for buf := range b.contentLocks {
		_ = b.unlockContent(b.m.descOf(buf), buf)
	}
}
