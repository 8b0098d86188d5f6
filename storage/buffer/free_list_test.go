package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocateFromFreeList(t *testing.T) {
	m, err := TestingNewManager()
	assert.Nil(t, err)

	t.Run("pops buffers in list order", func(t *testing.T) {
		d0 := m.allocateFromFreeList()
		assert.NotNil(t, d0)
		assert.Equal(t, 0, d0.bufID)
		d0.unlockHeader(d0.loadState())

		d1 := m.allocateFromFreeList()
		assert.NotNil(t, d1)
		assert.Equal(t, 1, d1.bufID)
		d1.unlockHeader(d1.loadState())
	})

	t.Run("skips a buffer that got pinned while listed", func(t *testing.T) {
		// rig buffer 2 as pinned
		d2 := m.descriptors[2]
		state := d2.lockHeader()
		d2.unlockHeader(state + refCountOne)

		got := m.allocateFromFreeList()
		assert.NotNil(t, got)
		assert.Equal(t, 3, got.bufID)
		got.unlockHeader(got.loadState())

		// the pinned one was dropped from the list for good
		state = d2.lockHeader()
		d2.unlockHeader(state - refCountOne)
		next := m.allocateFromFreeList()
		assert.Equal(t, 4, next.bufID)
		next.unlockHeader(next.loadState())
	})

	t.Run("empty list returns nil", func(t *testing.T) {
		for {
			d := m.allocateFromFreeList()
			if d == nil {
				break
			}
			d.unlockHeader(d.loadState())
		}
		assert.Nil(t, m.allocateFromFreeList())
	})
}

func TestFreeBuffer(t *testing.T) {
	m, err := TestingNewManager()
	assert.Nil(t, err)

	d := m.allocateFromFreeList()
	assert.NotNil(t, d)
	d.unlockHeader(d.loadState())

	m.freeBuffer(d)
	got := m.allocateFromFreeList()
	assert.Equal(t, d.bufID, got.bufID)
	got.unlockHeader(got.loadState())

	// freeing a buffer already on the list must not corrupt it
	m.freeBuffer(got)
	m.freeBuffer(got)
	again := m.allocateFromFreeList()
	assert.Equal(t, got.bufID, again.bufID)
	again.unlockHeader(again.loadState())
}
