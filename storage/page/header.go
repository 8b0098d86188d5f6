/*
Every page starts with a small header:

  - +---------+----------+-------+-------+-------+---------+------------+
  - | pd_lsn  | checksum | flags | lower | upper | special | data ...   |
  - |  8B     |  2B      |  2B   |  2B   |  2B   |  2B     |            |
  - +---------+----------+-------+-------+-------+---------+------------+

pd_lsn is the position of the last WAL record that modified the page. The
buffer manager reads it on every flush to enforce WAL-before-data, so the
accessors here are what the flush path calls. lower/upper bound the free
space used by the access methods; the buffer layer does not read them and
only checks whether a page is still all zero (IsNew).

see https://github.com/postgres/postgres/blob/bfcf1b34805f70df48eedeec237230d0cc1154a6/src/include/storage/bufpage.h#L109-L155
see also https://www.postgresql.org/docs/current/storage-page-layout.html
*/
package page

import (
	"encoding/binary"

	"github.com/kotodb/koto/common"
)

// offset is the byte offset within the page
type offset uint16

// byte offset of each page header field
const (
	// lsn is defined at the head of page, uint64
	lsnOffset offset = 0
	// checksum is uint16, computed over the whole page on write
	checksumOffset offset = lsnOffset + 8
	// flags is uint16
	flagsOffset offset = checksumOffset + 2
	// lowerOffset ~ upperOffset is free space
	lowerOffsetOffset offset = flagsOffset + 2
	upperOffsetOffset offset = lowerOffsetOffset + 2
	// special space can contain anything the access method wishes to store
	specialSpaceOffsetOffset offset = upperOffsetOffset + 2
	// header ends here; line pointers / data follow
	HeaderSize offset = specialSpaceOffsetOffset + 2
)

// GetLSN returns pd_lsn
func GetLSN(p PagePtr) common.WALRecordPtr {
	lsn := binary.LittleEndian.Uint64(p[lsnOffset:checksumOffset])
	return common.WALRecordPtr(lsn)
}

// SetLSN sets pd_lsn
func SetLSN(p PagePtr, lsn common.WALRecordPtr) {
	binary.LittleEndian.PutUint64(p[lsnOffset:checksumOffset], uint64(lsn))
}

// GetChecksum returns the stored checksum field
func GetChecksum(p PagePtr) uint16 {
	return binary.LittleEndian.Uint16(p[checksumOffset:flagsOffset])
}

// SetChecksum stores the checksum field
func SetChecksum(p PagePtr, sum uint16) {
	binary.LittleEndian.PutUint16(p[checksumOffset:flagsOffset], sum)
}

// GetFlags returns flags
func GetFlags(p PagePtr) uint16 {
	return binary.LittleEndian.Uint16(p[flagsOffset:lowerOffsetOffset])
}

// SetFlags sets flags
func SetFlags(p PagePtr, flags uint16) {
	binary.LittleEndian.PutUint16(p[flagsOffset:lowerOffsetOffset], flags)
}

// GetLowerOffset returns lower offset
func GetLowerOffset(p PagePtr) offset {
	return offset(binary.LittleEndian.Uint16(p[lowerOffsetOffset:upperOffsetOffset]))
}

// SetLowerOffset sets lower offset
func SetLowerOffset(p PagePtr, o offset) {
	binary.LittleEndian.PutUint16(p[lowerOffsetOffset:upperOffsetOffset], uint16(o))
}

// GetUpperOffset returns upper offset
func GetUpperOffset(p PagePtr) offset {
	return offset(binary.LittleEndian.Uint16(p[upperOffsetOffset:specialSpaceOffsetOffset]))
}

// SetUpperOffset sets upper offset
func SetUpperOffset(p PagePtr, o offset) {
	binary.LittleEndian.PutUint16(p[upperOffsetOffset:specialSpaceOffsetOffset], uint16(o))
}

// GetSpecialSpaceOffset returns special space offset
func GetSpecialSpaceOffset(p PagePtr) offset {
	return offset(binary.LittleEndian.Uint16(p[specialSpaceOffsetOffset:HeaderSize]))
}

// SetSpecialSpaceOffset sets special space offset
func SetSpecialSpaceOffset(p PagePtr, o offset) {
	binary.LittleEndian.PutUint16(p[specialSpaceOffsetOffset:HeaderSize], uint16(o))
}

// InitializePage initializes page.
// when a relation is extended the new page is 0-filled; the first access
// method that wants to use it calls this.
// see https://github.com/postgres/postgres/blob/2cd2569c72b8920048e35c31c9be30a6170e1410/src/backend/storage/page/bufpage.c#L35-L42
func InitializePage(p PagePtr, specialSpaceSize uint16) {
	for i := range p {
		p[i] = 0
	}
	SetLowerOffset(p, HeaderSize)
	upper := offset(PageSize - specialSpaceSize)
	SetUpperOffset(p, upper)
	SetSpecialSpaceOffset(p, upper)
}

// IsInitialized checks whether the page has been already initialized.
// when the upperOffset is 0, the page is still the all-zero image created
// by relation extension.
// see https://github.com/postgres/postgres/blob/bfcf1b34805f70df48eedeec237230d0cc1154a6/src/include/storage/bufpage.h#L231
func IsInitialized(p PagePtr) bool {
	return GetUpperOffset(p) != 0
}

// IsNew reports whether the page is an all-zero page as produced by
// relation extension. the extension path uses this to detect pre-existing
// garbage beyond the old end of file.
func IsNew(p PagePtr) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
