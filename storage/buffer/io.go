/*
The I/O claim protocol.

bmIOInProgress is a kind of lock on the buffer's disk traffic: at most one
backend reads or writes a given buffer at a time. Whoever wants to do I/O
claims the flag with startBufferIO; losers either discover the work already
done (startBufferIO returns false) or sleep on the descriptor's condition
variable until the winner broadcasts completion. A failed I/O leaves
bmIOError set, and the next claimant simply retries the operation.

see https://github.com/postgres/postgres/blob/d87251048a0f293ad20cc1fe26ce9f542de105e6/src/backend/storage/buffer/README#L148-L152
*/
package buffer

// startBufferIO claims the right to do I/O on the buffer.
// forInput selects a read (wanted only while !VALID) vs a write (wanted only
// while DIRTY). returns false when the work turns out to be already done.
// the caller must hold a pin.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L5090
func (b *Backend) startBufferIO(desc *descriptor, forInput bool) bool {
	var state uint32
	for {
		state = desc.lockHeader()
		if state&bmIOInProgress == 0 {
			break
		}
		desc.unlockHeader(state)
		desc.waitIO()
	}

	done := false
	if forInput {
		done = state&bmValid != 0
	} else {
		done = state&bmDirty == 0
	}
	if done {
		desc.unlockHeader(state)
		return false
	}

	desc.unlockHeader(state | bmIOInProgress)
	b.resOwner.RememberBufferIO(Buffer(desc.bufID + 1))
	return true
}

// terminateBufferIO ends this backend's I/O claim.
//
// clearDirty is passed by a successful write; the dirty bit stays on anyway
// when bmJustDirtied tells us the page was modified again while our write
// was in flight. setFlagBits is ORed in: bmValid after a successful read,
// bmIOError after a failure, else 0.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L5148
func (b *Backend) terminateBufferIO(desc *descriptor, clearDirty bool, setFlagBits uint32) {
	state := desc.lockHeader()
	if state&bmIOInProgress == 0 {
		desc.unlockHeader(state)
		panic("terminating buffer I/O that is not in progress")
	}

	state &^= bmIOInProgress | bmIOError
	if clearDirty && state&bmJustDirtied == 0 {
		state &^= bmDirty | bmCheckpointNeeded
	}
	state |= setFlagBits
	desc.unlockHeader(state)

	b.resOwner.ForgetBufferIO(Buffer(desc.bufID + 1))
	desc.broadcastIODone()
}

// AbortBufferIO cleans up this backend's I/O claim after an error.
// pins are still held at this point; only the claim is released, with
// bmIOError so the next claimant knows the last attempt failed. a failed
// write leaves the buffer dirty and emits a warning from the second failure
// on, since by then the error may well be permanent.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L5190
func (b *Backend) AbortBufferIO(buf Buffer) {
	desc := b.m.descOf(buf)
	state := desc.lockHeader()
	if state&bmIOInProgress == 0 {
		desc.unlockHeader(state)
		return
	}

	if state&bmValid == 0 {
		// failed read: nothing was lost, the slot just stays invalid
		desc.unlockHeader(state)
	} else {
		// failed write: the buffer must stay dirty
		desc.unlockHeader(state)
		if state&bmIOError != 0 {
			b.m.logf("could not write block %d of relation %d: multiple failures, write error might be permanent",
				desc.tag.pageID, desc.tag.rel.Relation)
		}
	}

	b.terminateBufferIO(desc, false, bmIOError)
}
