package buffer

import (
	"testing"

	"github.com/kotodb/koto/storage/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinUnpin(t *testing.T) {
	m, err := TestingNewManager()
	require.Nil(t, err)
	b := m.NewBackend()
	desc := m.descriptors[0]

	t.Run("first pin bumps shared refcount and usage", func(t *testing.T) {
		valid := b.pinBuffer(desc, nil)
		assert.False(t, valid) // nothing was ever read into the slot
		state := desc.loadState()
		assert.Equal(t, uint32(1), stateRefCount(state))
		assert.Equal(t, uint32(1), stateUsageCount(state))
		assert.Equal(t, int32(1), b.getPrivateRefCount(Buffer(desc.bufID+1)))
	})

	t.Run("nested pin is local only", func(t *testing.T) {
		b.pinBuffer(desc, nil)
		state := desc.loadState()
		assert.Equal(t, uint32(1), stateRefCount(state))
		assert.Equal(t, int32(2), b.getPrivateRefCount(Buffer(desc.bufID+1)))
	})

	t.Run("unpin mirrors both counts back down", func(t *testing.T) {
		b.unpinBuffer(desc)
		assert.Equal(t, uint32(1), stateRefCount(desc.loadState()))
		b.unpinBuffer(desc)
		assert.Equal(t, uint32(0), stateRefCount(desc.loadState()))
		assert.Equal(t, int32(0), b.getPrivateRefCount(Buffer(desc.bufID+1)))
	})

	t.Run("usage count saturates at the cap", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			b.pinBuffer(desc, nil)
			b.unpinBuffer(desc)
		}
		assert.Equal(t, maxUsageCount, stateUsageCount(desc.loadState()))
	})
}

func TestPinWithStrategyDoesNotBumpUsage(t *testing.T) {
	m, err := TestingNewManager()
	require.Nil(t, err)
	b := m.NewBackend()
	strategy := m.NewAccessStrategy(AccessStrategyBulkRead)
	desc := m.descriptors[0]

	b.pinBuffer(desc, strategy)
	assert.Equal(t, uint32(0), stateUsageCount(desc.loadState()))
	b.unpinBuffer(desc)
}

func TestPrivateRefCountOverflow(t *testing.T) {
	m, err := TestingNewInstrumented(t)
	require.Nil(t, err)
	b := m.NewBackend()

	// pin more distinct buffers than the array holds
	n := privateRefCountArraySize + 3
	for i := 0; i < n; i++ {
		b.pinBuffer(m.descriptors[i], nil)
	}

	// some entries spilled into the map, but all counts survive
	assert.NotEqual(t, 0, len(b.refCountOverflow))
	for i := 0; i < n; i++ {
		assert.Equal(t, int32(1), b.getPrivateRefCount(Buffer(i+1)), "buffer %d", i+1)
	}

	// unpin everything; the tracker drains completely
	for i := 0; i < n; i++ {
		b.unpinBuffer(m.descriptors[i])
	}
	assert.Equal(t, 0, len(b.refCountOverflow))
	assert.Nil(t, b.CheckForBufferLeaks())
}

func TestCheckForBufferLeaks(t *testing.T) {
	m, err := TestingNewManager()
	require.Nil(t, err)
	b := m.NewBackend()

	assert.Nil(t, b.CheckForBufferLeaks())

	b.pinBuffer(m.descriptors[3], nil)
	assert.NotNil(t, b.CheckForBufferLeaks())

	b.unpinBuffer(m.descriptors[3])
	assert.Nil(t, b.CheckForBufferLeaks())
}

func TestResourceOwnerReleaseAll(t *testing.T) {
	m, err := TestingNewManager()
	require.Nil(t, err)
	b := m.NewBackend()

	b.pinBuffer(m.descriptors[0], nil)
	b.pinBuffer(m.descriptors[1], nil)
	b.pinBuffer(m.descriptors[1], nil)

	b.resOwner.ReleaseAll()

	assert.Equal(t, uint32(0), stateRefCount(m.descriptors[0].loadState()))
	assert.Equal(t, uint32(0), stateRefCount(m.descriptors[1].loadState()))
	assert.Nil(t, b.CheckForBufferLeaks())
}

// TestingNewInstrumented is a tiny local helper: a manager with a pool big
// enough for the overflow tests.
func TestingNewInstrumented(t *testing.T) (*Manager, error) {
	t.Helper()
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(privateRefCountArraySize * 4))
	return m, err
}

func TestBackendCloseReportsLeaks(t *testing.T) {
	m, err := TestingNewManager()
	require.Nil(t, err)
	b := m.NewBackend()

	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))
	buf, err := b.ReadBuffer(rel, page.FirstPageID)
	require.Nil(t, err)
	_ = buf

	// the pin was never released: Close reports it, but still cleans up
	err = b.Close()
	assert.NotNil(t, err)
	assert.Equal(t, uint32(0), stateRefCount(m.descOf(buf).loadState()))
}
