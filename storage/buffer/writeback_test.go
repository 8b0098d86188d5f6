package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
)

func TestWritebackCoalescing(t *testing.T) {
	m, sm, _, err := TestingNewInstrumentedManager(TestingConfig(32))
	require.Nil(t, err)
	b := m.NewBackend()
	b.pendingWritebacks.limit = 16

	rel := NewRel(1)
	otherRel := NewRel(2)

	queue := func(r Rel, pid page.PageID) {
		d := &descriptor{tag: newTag(r.Locator, disk.ForkNumberMain, pid)}
		b.scheduleWriteback(d)
	}

	// out of order, with a gap, a duplicate and a second relation
	queue(rel, 3)
	queue(rel, 1)
	queue(rel, 2)
	queue(rel, 2)
	queue(rel, 7)
	queue(otherRel, 0)

	b.issuePendingWritebacks()

	require.Equal(t, 3, len(sm.Writebacks))
	// run of pages 1..3 of rel fused into one hint
	assert.Equal(t, rel.Locator, sm.Writebacks[0].Rel)
	assert.Equal(t, page.PageID(1), sm.Writebacks[0].First)
	assert.Equal(t, 3, sm.Writebacks[0].N)
	// the gap starts a new run
	assert.Equal(t, page.PageID(7), sm.Writebacks[1].First)
	assert.Equal(t, 1, sm.Writebacks[1].N)
	// the other relation gets its own hint
	assert.Equal(t, otherRel.Locator, sm.Writebacks[2].Rel)

	// the queue drained
	assert.Equal(t, 0, len(b.pendingWritebacks.pending))
}

func TestWritebackAutoFlushAtLimit(t *testing.T) {
	m, sm, _, err := TestingNewInstrumentedManager(TestingConfig(32))
	require.Nil(t, err)
	b := m.NewBackend()
	b.pendingWritebacks.limit = 4

	rel := NewRel(1)
	for pid := page.PageID(0); pid < 4; pid++ {
		d := &descriptor{tag: newTag(rel.Locator, disk.ForkNumberMain, pid)}
		b.scheduleWriteback(d)
	}

	// hitting the limit flushed the whole run as one hint
	require.Equal(t, 1, len(sm.Writebacks))
	assert.Equal(t, page.PageID(0), sm.Writebacks[0].First)
	assert.Equal(t, 4, sm.Writebacks[0].N)
}

func TestWritebackDisabled(t *testing.T) {
	t.Run("zero limit", func(t *testing.T) {
		m, sm, _, err := TestingNewInstrumentedManager(TestingConfig(8))
		require.Nil(t, err)
		b := m.NewBackend()
		b.pendingWritebacks.limit = 0

		d := &descriptor{tag: newTag(NewRel(1).Locator, disk.ForkNumberMain, 0)}
		b.scheduleWriteback(d)
		b.issuePendingWritebacks()
		assert.Equal(t, 0, len(sm.Writebacks))
	})

	t.Run("direct io", func(t *testing.T) {
		cfg := TestingConfig(8)
		cfg.IODirect = IODirectData
		m, sm, _, err := TestingNewInstrumentedManager(cfg)
		require.Nil(t, err)
		b := m.NewBackend()
		b.pendingWritebacks.limit = 4

		d := &descriptor{tag: newTag(NewRel(1).Locator, disk.ForkNumberMain, 0)}
		b.scheduleWriteback(d)
		b.issuePendingWritebacks()
		assert.Equal(t, 0, len(sm.Writebacks))
	})
}
