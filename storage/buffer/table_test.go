package buffer

import (
	"testing"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
	"github.com/stretchr/testify/assert"
)

func TestMappingTable(t *testing.T) {
	table := newMappingTable()
	tag := newTag(common.NewRelFileLocator(1), disk.ForkNumberMain, page.PageID(7))
	part := table.partitionFor(tag.hash())

	t.Run("lookup on empty partition misses", func(t *testing.T) {
		part.RLock()
		defer part.RUnlock()
		assert.Equal(t, -1, part.lookup(tag))
	})

	t.Run("insert then lookup", func(t *testing.T) {
		part.Lock()
		assert.Equal(t, -1, part.insert(tag, 3))
		part.Unlock()

		part.RLock()
		assert.Equal(t, 3, part.lookup(tag))
		part.RUnlock()
	})

	t.Run("insert collision returns the existing id", func(t *testing.T) {
		part.Lock()
		defer part.Unlock()
		assert.Equal(t, 3, part.insert(tag, 9))
		// the mapping is unchanged
		assert.Equal(t, 3, part.lookup(tag))
	})

	t.Run("delete removes the entry", func(t *testing.T) {
		part.Lock()
		part.delete(tag)
		assert.Equal(t, -1, part.lookup(tag))
		part.Unlock()
	})
}

func TestMappingPartitionSpread(t *testing.T) {
	// different pages of one relation should not all land in one partition
	table := newMappingTable()
	seen := make(map[*mappingPartition]bool)
	for pid := page.PageID(0); pid < 64; pid++ {
		tag := newTag(common.NewRelFileLocator(1), disk.ForkNumberMain, pid)
		seen[table.partitionFor(tag.hash())] = true
	}
	assert.Greater(t, len(seen), 8)
}

func TestTagOrdering(t *testing.T) {
	a := newTag(common.RelFileLocator{Tablespace: 1, Database: 1, Relation: 1}, disk.ForkNumberMain, 5)
	b := newTag(common.RelFileLocator{Tablespace: 1, Database: 1, Relation: 1}, disk.ForkNumberMain, 6)
	c := newTag(common.RelFileLocator{Tablespace: 1, Database: 1, Relation: 2}, disk.ForkNumberMain, 0)
	d := newTag(common.RelFileLocator{Tablespace: 2, Database: 1, Relation: 0}, disk.ForkNumberMain, 0)
	e := newTag(common.RelFileLocator{Tablespace: 1, Database: 1, Relation: 1}, disk.ForkNumberFSM, 0)

	assert.True(t, a.less(b))
	assert.True(t, b.less(c))
	assert.True(t, c.less(d))
	assert.True(t, b.less(e)) // fork orders after page runs of the main fork
	assert.False(t, b.less(a))
	assert.False(t, a.less(a))
}
