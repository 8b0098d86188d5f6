/*
Page is the unit of I/O in koto.
The disk manager organizes each relation fork file as a dense array of
fixed-size pages, and the shared buffer pool caches whole pages. A page in
koto is what postgres calls a `block`.

Linux OS page size is usually 4KB so torn pages (partial writes) can happen
on an 8KB write. That is handled above this layer by full page writes in WAL;
the page package only provides the checksum that detects the tear.
*/
package page

import "math"

// PageSize is the byte size of page. 8KB is the default size in postgres.
// see block_size parameter in https://www.postgresql.org/docs/current/runtime-config-preset.html
const PageSize = 8192

// PageID is the unique identifier given to each page within one relation
// fork, which is called blockNumber in postgres.
// see https://github.com/postgres/postgres/blob/d63d957e330c611f7a8c0ed02e4407f40f975026/src/include/storage/block.h#L17-L31
type PageID uint32

const (
	// FirstPageID is the first page id in a file
	FirstPageID PageID = 0
	// InvalidPageID marks `no such page`
	InvalidPageID PageID = math.MaxUint32
	// MaxPageID is the largest page id a relation fork may contain
	MaxPageID PageID = math.MaxUint32 - 1
	// NewPageID is the sentinel the caller passes to ReadBuffer to mean
	// `extend the relation by one page and give me that page` (P_NEW in postgres)
	NewPageID PageID = math.MaxUint32
)

// PagePtr is pointer to page.
// koto defines page as pointer explicitly because page must not be passed
// by value: the payload lives in the shared buffer pool and is mutated in
// place under the buffer content lock.
type PagePtr *[PageSize]byte

// NewPagePtr returns 0-filled page pointer
func NewPagePtr() PagePtr {
	p := &[PageSize]byte{}
	return PagePtr(p)
}

// CalculateFileOffset calculates the page's offset within the fork file.
// the page size is fixed so the offset is a simple multiplication.
func CalculateFileOffset(pageID PageID) int64 {
	return int64(pageID) * PageSize
}
