/*
This is the buffer mapping table: tag -> buffer id.
The table is partitioned so lookups by different backends rarely touch the
same lock: the tag's hash picks one of numPartitions buckets, each with its
own rwlock and map. A lookup takes the partition lock shared; installing or
removing a tag takes it exclusive, and the same exclusive hold covers the
descriptor state transition that makes the tag valid or invalid, which is
what keeps invariant `tag in table <=> bmTagValid` observable.

Two partition locks are never held at once.

for more details, see https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/backend/storage/buffer/buf_table.c#L3
*/
package buffer

import "sync"

// numPartitions is the number of mapping partitions. power of two so the
// partition pick is a mask.
const numPartitions = 128

// mappingPartition is one partition: a lock and the slice of the mapping it
// protects. the lock is exported to the read path through partitionFor; the
// lookup/insert/delete methods assume the caller holds it in the right mode.
type mappingPartition struct {
	sync.RWMutex
	entries map[BufferTag]int
}

// lookup returns the buffer id the tag maps to, or -1.
// caller holds the partition lock (shared is enough).
func (p *mappingPartition) lookup(tag BufferTag) int {
	if id, ok := p.entries[tag]; ok {
		return id
	}
	return -1
}

// insert maps tag to bufID. if the tag is already present, the existing
// buffer id is returned and nothing changes; otherwise -1.
// caller holds the partition lock exclusive.
func (p *mappingPartition) insert(tag BufferTag, bufID int) int {
	if existing, ok := p.entries[tag]; ok {
		return existing
	}
	p.entries[tag] = bufID
	return -1
}

// delete removes the tag. caller holds the partition lock exclusive.
func (p *mappingPartition) delete(tag BufferTag) {
	delete(p.entries, tag)
}

// mappingTable is the partitioned table
type mappingTable struct {
	partitions [numPartitions]mappingPartition
}

// newMappingTable initializes the table
func newMappingTable() *mappingTable {
	t := &mappingTable{}
	for i := range t.partitions {
		t.partitions[i].entries = make(map[BufferTag]int)
	}
	return t
}

// partitionFor picks the partition for a tag hash
func (t *mappingTable) partitionFor(hash uint64) *mappingPartition {
	return &t.partitions[hash&(numPartitions-1)]
}
