package buffer

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
)

// BufferTag is the identity of a cached page: which page of which relation
// fork the slot currently holds. the zero tag means the slot holds nothing.
// buffer tag must be sufficient to locate where the page is on disk.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/buf_internals.h#L79-L98
type BufferTag struct {
	rel     common.RelFileLocator
	forkNum disk.ForkNumber
	pageID  page.PageID
}

// newTag initializes buffer tag
func newTag(rel common.RelFileLocator, forkNum disk.ForkNumber, pageID page.PageID) BufferTag {
	return BufferTag{
		rel:     rel,
		forkNum: forkNum,
		pageID:  pageID,
	}
}

// clear resets the tag to `holds nothing`
func (t *BufferTag) clear() {
	*t = BufferTag{forkNum: disk.InvalidForkNumber, pageID: page.InvalidPageID}
}

// Rel returns the relation part of the tag
func (t BufferTag) Rel() common.RelFileLocator { return t.rel }

// ForkNum returns the fork part of the tag
func (t BufferTag) ForkNum() disk.ForkNumber { return t.forkNum }

// PageID returns the page part of the tag
func (t BufferTag) PageID() page.PageID { return t.pageID }

// hash computes the stable hash of the tag that drives mapping table
// partitioning.
func (t BufferTag) hash() uint64 {
	var b [20]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(t.rel.Tablespace))
	binary.LittleEndian.PutUint32(b[4:], uint32(t.rel.Database))
	binary.LittleEndian.PutUint32(b[8:], uint32(t.rel.Relation))
	binary.LittleEndian.PutUint32(b[12:], uint32(t.forkNum))
	binary.LittleEndian.PutUint32(b[16:], uint32(t.pageID))
	return xxhash.Sum64(b[:])
}

// less is the total order (tablespace, database, relation, fork, page) the
// checkpoint sort and the writeback coalescing rely on: it groups pages of
// one file together and makes per-file page runs consecutive.
func (t BufferTag) less(o BufferTag) bool {
	if t.rel.Tablespace != o.rel.Tablespace {
		return t.rel.Tablespace < o.rel.Tablespace
	}
	if t.rel.Database != o.rel.Database {
		return t.rel.Database < o.rel.Database
	}
	if t.rel.Relation != o.rel.Relation {
		return t.rel.Relation < o.rel.Relation
	}
	if t.forkNum != o.forkNum {
		return t.forkNum < o.forkNum
	}
	return t.pageID < o.pageID
}
