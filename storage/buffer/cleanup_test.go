package buffer

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockBuffer(t *testing.T) {
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))
	b := m.NewBackend()

	buf, err := b.ReadBuffer(rel, 0)
	require.Nil(t, err)

	t.Run("share then unlock", func(t *testing.T) {
		require.Nil(t, b.LockBuffer(buf, BufferLockShare))
		mode, held := b.heldContentLockMode(buf)
		assert.True(t, held)
		assert.Equal(t, BufferLockShare, mode)
		require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))
		_, held = b.heldContentLockMode(buf)
		assert.False(t, held)
	})

	t.Run("unlocking an unheld lock errors", func(t *testing.T) {
		assert.NotNil(t, b.LockBuffer(buf, BufferLockUnlock))
	})

	t.Run("conditional lock reports contention", func(t *testing.T) {
		other := m.NewBackend()
		obuf, err := other.ReadBuffer(rel, 0)
		require.Nil(t, err)
		require.Nil(t, other.LockBuffer(obuf, BufferLockExclusive))

		ok, err := b.ConditionalLockBuffer(buf)
		require.Nil(t, err)
		assert.False(t, ok)

		require.Nil(t, other.UnlockReleaseBuffer(obuf))

		ok, err = b.ConditionalLockBuffer(buf)
		require.Nil(t, err)
		assert.True(t, ok)
		require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))
	})

	require.Nil(t, b.ReleaseBuffer(buf))
}

func TestLockBufferForCleanup(t *testing.T) {
	// scenario: A pins the page, B pins it too and asks for the cleanup
	// lock. B must sleep until A releases, then wake owning the page alone.
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))

	a := m.NewBackend()
	bb := m.NewBackend()

	abuf, err := a.ReadBuffer(rel, 0)
	require.Nil(t, err)
	bbuf, err := bb.ReadBuffer(rel, 0)
	require.Nil(t, err)
	require.Equal(t, abuf, bbuf)

	acquired := make(chan error, 1)
	go func() {
		acquired <- bb.LockBufferForCleanup(bbuf)
	}()

	// B must be parked while A holds its pin
	select {
	case err := <-acquired:
		t.Fatalf("cleanup lock acquired despite a foreign pin: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.Nil(t, a.ReleaseBuffer(abuf))

	require.Nil(t, <-acquired)
	// B owns the only pin and holds the exclusive content lock
	desc := m.descOf(bbuf)
	assert.Equal(t, uint32(1), stateRefCount(desc.loadState()))
	mode, held := bb.heldContentLockMode(bbuf)
	assert.True(t, held)
	assert.Equal(t, BufferLockExclusive, mode)
	assert.Equal(t, uint32(0), desc.loadState()&bmPinCountWaiter)

	require.Nil(t, bb.UnlockReleaseBuffer(bbuf))
}

func TestLockBufferForCleanupImmediate(t *testing.T) {
	// with no other pin the cleanup lock comes back without sleeping
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))
	b := m.NewBackend()

	buf, err := b.ReadBuffer(rel, 0)
	require.Nil(t, err)
	require.Nil(t, b.LockBufferForCleanup(buf))
	require.Nil(t, b.UnlockReleaseBuffer(buf))
}

func TestLockBufferForCleanupRequiresSinglePin(t *testing.T) {
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))
	b := m.NewBackend()

	buf, err := b.ReadBuffer(rel, 0)
	require.Nil(t, err)
	require.Nil(t, b.IncrBufferRefCount(buf))

	err = b.LockBufferForCleanup(buf)
	assert.True(t, errors.Is(err, ErrBufferNotPinnedOnce))

	require.Nil(t, b.ReleaseBuffer(buf))
	require.Nil(t, b.ReleaseBuffer(buf))
}

func TestTwoCleanupWaitersIsAnError(t *testing.T) {
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))

	holder := m.NewBackend()
	w1 := m.NewBackend()
	w2 := m.NewBackend()

	hbuf, err := holder.ReadBuffer(rel, 0)
	require.Nil(t, err)
	b1, err := w1.ReadBuffer(rel, 0)
	require.Nil(t, err)
	b2, err := w2.ReadBuffer(rel, 0)
	require.Nil(t, err)

	first := make(chan error, 1)
	go func() { first <- w1.LockBufferForCleanup(b1) }()
	// wait until the first waiter is armed
	for {
		if m.descOf(b1).loadState()&bmPinCountWaiter != 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	err = w2.LockBufferForCleanup(b2)
	assert.True(t, errors.Is(err, ErrMultiplePinCountWaiters))
	require.Nil(t, w2.ReleaseBuffer(b2))

	require.Nil(t, holder.ReleaseBuffer(hbuf))
	require.Nil(t, <-first)
	require.Nil(t, w1.UnlockReleaseBuffer(b1))
}

func TestConditionalLockBufferForCleanup(t *testing.T) {
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))

	a := m.NewBackend()
	b := m.NewBackend()

	abuf, err := a.ReadBuffer(rel, 0)
	require.Nil(t, err)
	bbuf, err := b.ReadBuffer(rel, 0)
	require.Nil(t, err)

	ok, err := b.ConditionalLockBufferForCleanup(bbuf)
	require.Nil(t, err)
	assert.False(t, ok, "a foreign pin must fail the conditional variant")
	_, held := b.heldContentLockMode(bbuf)
	assert.False(t, held)

	require.Nil(t, a.ReleaseBuffer(abuf))

	ok, err = b.ConditionalLockBufferForCleanup(bbuf)
	require.Nil(t, err)
	assert.True(t, ok)
	require.Nil(t, b.UnlockReleaseBuffer(bbuf))
}

func TestIsBufferCleanupOK(t *testing.T) {
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))
	b := m.NewBackend()

	buf, err := b.ReadBuffer(rel, 0)
	require.Nil(t, err)

	assert.False(t, b.IsBufferCleanupOK(buf), "no content lock held yet")

	require.Nil(t, b.LockBuffer(buf, BufferLockExclusive))
	assert.True(t, b.IsBufferCleanupOK(buf))

	// a second backend's pin spoils it
	other := m.NewBackend()
	obuf, err := other.ReadBuffer(rel, 0)
	require.Nil(t, err)
	assert.False(t, b.IsBufferCleanupOK(buf))
	require.Nil(t, other.ReleaseBuffer(obuf))

	require.Nil(t, b.UnlockReleaseBuffer(buf))
}

func TestUnlockBuffersDisarmsWaiter(t *testing.T) {
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))

	holder := m.NewBackend()
	w := m.NewBackend()

	hbuf, err := holder.ReadBuffer(rel, 0)
	require.Nil(t, err)
	wbuf, err := w.ReadBuffer(rel, 0)
	require.Nil(t, err)

	done := make(chan error, 1)
	go func() { done <- w.LockBufferForCleanup(wbuf) }()
	for m.descOf(wbuf).loadState()&bmPinCountWaiter == 0 {
		time.Sleep(time.Millisecond)
	}

	// wake the waiter spuriously: it finds the holder's pin still there,
	// takes its flag back and re-arms
	w.cleanupSignal <- struct{}{}
	// release the holder so the waiter finishes for real
	require.Nil(t, holder.ReleaseBuffer(hbuf))
	require.Nil(t, <-done)
	require.Nil(t, w.UnlockReleaseBuffer(wbuf))

	// rig the state an interrupted wait leaves behind (flag armed with our
	// id, wait buffer remembered), then let the teardown disarm it
	desc := m.descOf(wbuf)
	state := desc.lockHeader()
	desc.waitBackendID = w.id
	desc.unlockHeader(state | bmPinCountWaiter)
	w.pinCountWaitBuf = wbuf

	w.UnlockBuffers()
	assert.Equal(t, uint32(0), m.descOf(wbuf).loadState()&bmPinCountWaiter)
}
