package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/page"
)

func TestMarkDirty(t *testing.T) {
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))
	b := m.NewBackend()

	buf, err := b.ReadBuffer(rel, 0)
	require.Nil(t, err)

	t.Run("requires the exclusive content lock", func(t *testing.T) {
		assert.NotNil(t, b.MarkDirty(buf))
		require.Nil(t, b.LockBuffer(buf, BufferLockShare))
		assert.NotNil(t, b.MarkDirty(buf))
		require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))
	})

	t.Run("sets dirty and just-dirtied", func(t *testing.T) {
		require.Nil(t, b.LockBuffer(buf, BufferLockExclusive))
		require.Nil(t, b.MarkDirty(buf))
		state := m.descOf(buf).loadState()
		assert.NotEqual(t, uint32(0), state&bmDirty)
		assert.NotEqual(t, uint32(0), state&bmJustDirtied)
		require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))
		assert.Equal(t, int64(1), m.Stats().SharedBlksDirtied)
	})

	t.Run("marking twice counts the session once", func(t *testing.T) {
		require.Nil(t, b.LockBuffer(buf, BufferLockExclusive))
		require.Nil(t, b.MarkDirty(buf))
		require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))
		assert.Equal(t, int64(1), m.Stats().SharedBlksDirtied)
	})

	require.Nil(t, b.ReleaseBuffer(buf))
}

func TestFlushClearsDirty(t *testing.T) {
	// mark_dirty; flush; the dirty bit is gone until the next mark_dirty
	m, sm, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))
	sm.Reset()
	b := m.NewBackend()

	buf, err := b.ReadBuffer(rel, 0)
	require.Nil(t, err)
	require.Nil(t, b.LockBuffer(buf, BufferLockExclusive))
	require.Nil(t, b.MarkDirty(buf))
	require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))

	require.Nil(t, b.LockBuffer(buf, BufferLockShare))
	require.Nil(t, b.FlushOneBuffer(buf))
	require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))

	assert.Equal(t, uint32(0), m.descOf(buf).loadState()&bmDirty)
	assert.Equal(t, 1, sm.Writes())

	// flushing a clean buffer is a no-op
	require.Nil(t, b.LockBuffer(buf, BufferLockShare))
	require.Nil(t, b.FlushOneBuffer(buf))
	require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))
	assert.Equal(t, 1, sm.Writes())

	require.Nil(t, b.ReleaseBuffer(buf))
}

func TestFlushWritesChecksum(t *testing.T) {
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	b := m.NewBackend()

	res, err := b.ExtendBy(rel, 0, 1, 0, nil)
	require.Nil(t, err)
	buf := res.Buffers[0]
	require.Nil(t, b.LockBuffer(buf, BufferLockExclusive))
	p := m.GetPage(buf)
	page.InitializePage(p, 0)
	copy(p[page.HeaderSize:], []byte("checksummed"))
	require.Nil(t, b.MarkDirty(buf))
	require.Nil(t, b.UnlockReleaseBuffer(buf))

	require.Nil(t, b.FlushRelationBuffers(rel))

	// the on-disk copy carries a checksum that verifies; the shared copy
	// was not modified by the flush
	onDisk := page.NewPagePtr()
	require.Nil(t, m.dm.ReadPage(rel.Locator, 0, res.FirstPageID, onDisk))
	assert.True(t, page.VerifyPage(onDisk, res.FirstPageID))
	assert.NotEqual(t, uint16(0), page.GetChecksum(onDisk))
	assert.Equal(t, uint16(0), page.GetChecksum(p))
}

func TestMarkDirtyHint(t *testing.T) {
	t.Run("logs a full page image and stamps the lsn", func(t *testing.T) {
		m, _, wal, err := TestingNewInstrumentedManager(TestingConfig(8))
		require.Nil(t, err)
		rel := NewRel(1)
		require.Nil(t, TestingSeedRelation(m, rel, 1))
		b := m.NewBackend()

		buf, err := b.ReadBuffer(rel, 0)
		require.Nil(t, err)
		require.Nil(t, b.LockBuffer(buf, BufferLockShare))

		before := wal.InsertPos()
		require.Nil(t, b.MarkDirtyHint(buf, true))
		require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))

		assert.True(t, wal.InsertPos() > before, "a full page image must have been logged")
		state := m.descOf(buf).loadState()
		assert.NotEqual(t, uint32(0), state&bmDirty)
		lsn := page.GetLSN(m.GetPage(buf))
		assert.Equal(t, wal.InsertPos(), lsn)
		require.Nil(t, b.ReleaseBuffer(buf))
	})

	t.Run("no image when checksums are off", func(t *testing.T) {
		cfg := TestingConfig(8)
		cfg.ChecksumsEnabled = false
		m, _, wal, err := TestingNewInstrumentedManager(cfg)
		require.Nil(t, err)
		rel := NewRel(1)
		require.Nil(t, TestingSeedRelation(m, rel, 1))
		b := m.NewBackend()

		buf, err := b.ReadBuffer(rel, 0)
		require.Nil(t, err)
		require.Nil(t, b.LockBuffer(buf, BufferLockShare))
		before := wal.InsertPos()
		require.Nil(t, b.MarkDirtyHint(buf, true))
		require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))

		assert.Equal(t, before, wal.InsertPos())
		assert.NotEqual(t, uint32(0), m.descOf(buf).loadState()&bmDirty)
		require.Nil(t, b.ReleaseBuffer(buf))
	})

	t.Run("no-op in recovery", func(t *testing.T) {
		m, _, _, err := TestingNewInstrumentedManager(TestingConfig(8))
		require.Nil(t, err)
		// swap in a recovering WAL
		m.wal = recoveringWAL{m.wal}
		rel := NewRel(1)
		require.Nil(t, TestingSeedRelation(m, rel, 1))
		b := m.NewBackend()

		buf, err := b.ReadBuffer(rel, 0)
		require.Nil(t, err)
		require.Nil(t, b.LockBuffer(buf, BufferLockShare))
		require.Nil(t, b.MarkDirtyHint(buf, true))
		require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))

		assert.Equal(t, uint32(0), m.descOf(buf).loadState()&bmDirty)
		require.Nil(t, b.ReleaseBuffer(buf))
	})

	t.Run("unlogged relation needs no image", func(t *testing.T) {
		m, _, wal, err := TestingNewInstrumentedManager(TestingConfig(8))
		require.Nil(t, err)
		rel := Rel{Locator: common.NewRelFileLocator(2), Unlogged: true}
		b := m.NewBackend()
		res, err := b.ExtendBy(rel, 0, 1, 0, nil)
		require.Nil(t, err)
		buf := res.Buffers[0]

		require.Nil(t, b.LockBuffer(buf, BufferLockShare))
		before := wal.InsertPos()
		require.Nil(t, b.MarkDirtyHint(buf, true))
		require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))
		assert.Equal(t, before, wal.InsertPos())
		assert.NotEqual(t, uint32(0), m.descOf(buf).loadState()&bmDirty)
		require.Nil(t, b.ReleaseBuffer(buf))
	})
}

func TestWriteFailureKeepsBufferDirty(t *testing.T) {
	m, sm, _, err := TestingNewInstrumentedManager(TestingConfig(8))
	require.Nil(t, err)
	rel := NewRel(1)
	require.Nil(t, TestingSeedRelation(m, rel, 1))
	b := m.NewBackend()

	buf, err := b.ReadBuffer(rel, 0)
	require.Nil(t, err)
	require.Nil(t, b.LockBuffer(buf, BufferLockExclusive))
	require.Nil(t, b.MarkDirty(buf))
	require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))

	failing := &failingWriteSMgr{SMgr: m.dm, failures: 1}
	m.dm = failing

	require.Nil(t, b.LockBuffer(buf, BufferLockShare))
	err = b.FlushOneBuffer(buf)
	require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))
	assert.NotNil(t, err)

	state := m.descOf(buf).loadState()
	assert.NotEqual(t, uint32(0), state&bmDirty, "a failed write must leave the buffer dirty")
	assert.NotEqual(t, uint32(0), state&bmIOError)

	// the retry goes through
	m.dm = sm
	require.Nil(t, b.LockBuffer(buf, BufferLockShare))
	require.Nil(t, b.FlushOneBuffer(buf))
	require.Nil(t, b.LockBuffer(buf, BufferLockUnlock))
	assert.Equal(t, uint32(0), m.descOf(buf).loadState()&bmDirty)

	require.Nil(t, b.ReleaseBuffer(buf))
}
